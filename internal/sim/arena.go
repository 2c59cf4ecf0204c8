package sim

import (
	"encoding/json"
	"fmt"
	"sort"

	"duet/peer/internal/input"
)

// Arena actions.
const (
	ActionIdle input.Action = iota
	ActionUp
	ActionDown
	ActionLeft
	ActionRight
	ActionCount
)

// ArenaConfig sizes the reference world.
type ArenaConfig struct {
	Width   int              `json:"width"`
	Height  int              `json:"height"`
	Seed    uint64           `json:"seed"`
	Players []input.PlayerID `json:"players"`
}

type arenaPlayer struct {
	ID    input.PlayerID `json:"id"`
	X     int            `json:"x"`
	Y     int            `json:"y"`
	Score int            `json:"score"`
}

type arenaState struct {
	Frame   int64         `json:"frame"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	RNG     uint64        `json:"rng"`
	PelletX int           `json:"pelletX"`
	PelletY int           `json:"pelletY"`
	Players []arenaPlayer `json:"players"`
}

// Arena is a wrap-around grid where players chase a pellet. Every frame
// is a pure function of the previous state and both players' actions.
type Arena struct {
	cfg ArenaConfig
}

// NewArena validates the configuration.
func NewArena(cfg ArenaConfig) (*Arena, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("sim: arena dimensions must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.Players) == 0 {
		return nil, fmt.Errorf("sim: arena needs at least one player")
	}
	players := append([]input.PlayerID(nil), cfg.Players...)
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	cfg.Players = players
	return &Arena{cfg: cfg}, nil
}

func (a *Arena) Initial() (State, error) {
	st := arenaState{
		Width:  a.cfg.Width,
		Height: a.cfg.Height,
		RNG:    a.cfg.Seed | 1,
	}
	for i, id := range a.cfg.Players {
		st.Players = append(st.Players, arenaPlayer{
			ID: id,
			X:  (i * a.cfg.Width) / len(a.cfg.Players),
			Y:  a.cfg.Height / 2,
		})
	}
	st.placePellet()
	return json.Marshal(st)
}

func (a *Arena) Step(state State, inputs Inputs) (State, error) {
	var st arenaState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("sim: decode arena state: %w", err)
	}
	for i := range st.Players {
		p := &st.Players[i]
		switch inputs[p.ID] {
		case ActionUp:
			p.Y = wrap(p.Y-1, st.Height)
		case ActionDown:
			p.Y = wrap(p.Y+1, st.Height)
		case ActionLeft:
			p.X = wrap(p.X-1, st.Width)
		case ActionRight:
			p.X = wrap(p.X+1, st.Width)
		}
	}
	for i := range st.Players {
		p := &st.Players[i]
		if p.X == st.PelletX && p.Y == st.PelletY {
			p.Score++
			st.placePellet()
		}
	}
	st.Frame++
	return json.Marshal(st)
}

func (st *arenaState) placePellet() {
	st.RNG = xorshift(st.RNG)
	st.PelletX = int(st.RNG % uint64(st.Width))
	st.RNG = xorshift(st.RNG)
	st.PelletY = int(st.RNG % uint64(st.Height))
}

func xorshift(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}
