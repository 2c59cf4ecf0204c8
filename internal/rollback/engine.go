// Package rollback implements the prediction and rollback engine. The
// engine owns the input timelines and the speculative record; frames only
// leave it through Release, which the confirmation pipeline drives.
package rollback

import (
	"errors"
	"fmt"

	"duet/peer/internal/codec"
	"duet/peer/internal/input"
	"duet/peer/internal/record"
	"duet/peer/internal/sim"
)

var (
	// ErrRollbackWindowExceeded is fatal: a correction landed further back
	// than the engine is allowed to re-simulate.
	ErrRollbackWindowExceeded = errors.New("rollback: window exceeded")
	// ErrLateLocalInput is returned when local input targets a frame that
	// has already been simulated.
	ErrLateLocalInput = errors.New("rollback: local input for simulated frame")
	// ErrUnknownPlayer is returned for input addressed to a player outside
	// the session.
	ErrUnknownPlayer = errors.New("rollback: unknown player")
)

// DefaultMaxRollbackFrames bounds re-simulation depth when the config
// leaves it unset.
const DefaultMaxRollbackFrames = 240

// Config describes the players and limits of one engine instance.
type Config struct {
	Players           []input.PlayerID
	Local             input.PlayerID
	InputDelay        int
	MaxRollbackFrames int
	DefaultAction     input.Action
	// Retain is how many released frames of input history stay in the
	// timelines below the rollback anchor.
	Retain int
}

// Stats are engine counters surfaced through the session snapshot.
type Stats struct {
	FramesSimulated   uint64 `json:"framesSimulated"`
	PredictedFrames   uint64 `json:"predictedFrames"`
	Mispredictions    uint64 `json:"mispredictions"`
	Rollbacks         uint64 `json:"rollbacks"`
	ResimulatedFrames uint64 `json:"resimulatedFrames"`
	MaxRollbackDepth  int    `json:"maxRollbackDepth"`
}

// Rollback summarises one re-simulation pass.
type Rollback struct {
	From  input.Frame
	To    input.Frame
	Depth int
}

// Engine predicts and advances frames and re-simulates them when a
// confirmed remote input disagrees with the prediction.
type Engine struct {
	cfg       Config
	sim       sim.Simulation
	timelines map[input.PlayerID]*input.Timeline
	spec      *record.Speculative

	next    input.Frame
	current sim.State

	anchorFrame input.Frame
	anchorState sim.State

	// localAcked is the newest frame through which the peer holds every
	// local input. Local inputs above it survive Release.
	localAcked input.Frame

	stats Stats
}

// New constructs an engine from the initial state of the simulation. The
// first InputDelay frames carry the default action for every player and are
// certain from the start.
func New(cfg Config, simulation sim.Simulation) (*Engine, error) {
	if simulation == nil {
		return nil, errors.New("rollback: simulation is required")
	}
	if len(cfg.Players) == 0 {
		return nil, errors.New("rollback: at least one player is required")
	}
	if cfg.InputDelay < 0 {
		return nil, fmt.Errorf("rollback: negative input delay %d", cfg.InputDelay)
	}
	if cfg.MaxRollbackFrames <= 0 {
		cfg.MaxRollbackFrames = DefaultMaxRollbackFrames
	}
	if cfg.Retain <= 0 {
		cfg.Retain = codec.DefaultRedundancy
	}
	initial, err := simulation.Initial()
	if err != nil {
		return nil, fmt.Errorf("rollback: initial state: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		sim:         simulation,
		timelines:   make(map[input.PlayerID]*input.Timeline, len(cfg.Players)),
		spec:        record.NewSpeculative(),
		current:     sim.CloneState(initial),
		anchorFrame: input.NoFrame,
		anchorState: sim.CloneState(initial),
		localAcked:  input.Frame(cfg.InputDelay) - 1,
	}
	localKnown := false
	for _, player := range cfg.Players {
		if _, dup := e.timelines[player]; dup {
			return nil, fmt.Errorf("rollback: duplicate player %q", player)
		}
		tl := input.NewTimeline(player)
		for f := 0; f < cfg.InputDelay; f++ {
			tl.Confirm(input.Frame(f), cfg.DefaultAction)
		}
		e.timelines[player] = tl
		if player == cfg.Local {
			localKnown = true
		}
	}
	if !localKnown {
		return nil, fmt.Errorf("%w: local player %q", ErrUnknownPlayer, cfg.Local)
	}
	return e, nil
}

// Players lists the session players in configuration order.
func (e *Engine) Players() []input.PlayerID {
	if e == nil {
		return nil
	}
	return append([]input.PlayerID(nil), e.cfg.Players...)
}

// Timeline returns the input timeline for the player.
func (e *Engine) Timeline(player input.PlayerID) *input.Timeline {
	if e == nil {
		return nil
	}
	return e.timelines[player]
}

// NextFrame is the frame the next Advance will simulate.
func (e *Engine) NextFrame() input.Frame {
	if e == nil {
		return 0
	}
	return e.next
}

// LastSimulated is the newest simulated frame, or NoFrame.
func (e *Engine) LastSimulated() input.Frame {
	if e == nil {
		return input.NoFrame
	}
	return e.next - 1
}

// CurrentState returns a copy of the state after the newest frame.
func (e *Engine) CurrentState() sim.State {
	if e == nil {
		return nil
	}
	return sim.CloneState(e.current)
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return e.stats
}

// Pending reports the number of speculative frames not yet released.
func (e *Engine) Pending() int {
	if e == nil {
		return 0
	}
	return e.spec.Len()
}

// RecordLocal confirms the local action for a frame that has not been
// simulated yet.
func (e *Engine) RecordLocal(frame input.Frame, action input.Action) error {
	if e == nil {
		return nil
	}
	if frame < e.next {
		return fmt.Errorf("%w: frame %d, next %d", ErrLateLocalInput, frame, e.next)
	}
	e.timelines[e.cfg.Local].Confirm(frame, action)
	return nil
}

// Advance simulates the next frame with the best input known for every
// player and stores the result in the speculative record.
func (e *Engine) Advance() (record.Entry, error) {
	if e == nil {
		return record.Entry{}, nil
	}
	entry, err := e.simulate(e.next, e.current, 0)
	if err != nil {
		return record.Entry{}, err
	}
	e.spec.Put(entry)
	e.current = entry.State
	e.next++
	e.stats.FramesSimulated++
	if entry.WasPredicted {
		e.stats.PredictedFrames++
	}
	return entry.Clone(), nil
}

// ApplyRemote re-simulates from the earliest simulated frame whose
// confirmed input differs from the input that was used. Corrections for
// frames not simulated yet need no work.
func (e *Engine) ApplyRemote(corrections []codec.Merged) (Rollback, bool, error) {
	if e == nil || len(corrections) == 0 {
		return Rollback{}, false, nil
	}
	earliest := input.NoFrame
	for _, m := range corrections {
		if _, ok := e.timelines[m.Player]; !ok {
			return Rollback{}, false, fmt.Errorf("%w: %q", ErrUnknownPlayer, m.Player)
		}
		if m.Frame >= e.next {
			continue
		}
		entry, ok := e.spec.Get(m.Frame)
		if !ok {
			continue
		}
		if used, ok := entry.Inputs[m.Player]; ok && used == m.Action {
			continue
		}
		e.stats.Mispredictions++
		if earliest == input.NoFrame || m.Frame < earliest {
			earliest = m.Frame
		}
	}
	if earliest == input.NoFrame {
		return Rollback{}, false, nil
	}

	depth := int(e.next - earliest)
	if depth > e.cfg.MaxRollbackFrames {
		return Rollback{}, false, fmt.Errorf("%w: depth %d at frame %d exceeds %d", ErrRollbackWindowExceeded, depth, earliest, e.cfg.MaxRollbackFrames)
	}

	state := e.anchorState
	if earliest-1 > e.anchorFrame {
		prev, ok := e.spec.Get(earliest - 1)
		if !ok {
			return Rollback{}, false, fmt.Errorf("%w: no restore point before frame %d", ErrRollbackWindowExceeded, earliest)
		}
		state = prev.State
	}

	for f := earliest; f < e.next; f++ {
		old, _ := e.spec.Get(f)
		entry, err := e.simulate(f, state, old.RollbackCount+1)
		if err != nil {
			return Rollback{}, false, err
		}
		e.spec.Put(entry)
		state = entry.State
	}
	e.current = state

	e.stats.Rollbacks++
	e.stats.ResimulatedFrames += uint64(depth)
	if depth > e.stats.MaxRollbackDepth {
		e.stats.MaxRollbackDepth = depth
	}
	return Rollback{From: earliest, To: e.next - 1, Depth: depth}, true, nil
}

// Release hands every speculative entry at or below upTo to the caller in
// increasing frame order and makes the newest one the rollback anchor.
func (e *Engine) Release(upTo input.Frame) []record.Entry {
	if e == nil {
		return nil
	}
	entries := e.spec.TakeThrough(upTo)
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	e.anchorFrame = last.Frame
	e.anchorState = sim.CloneState(last.State)

	keepFrom := e.anchorFrame + 1 - input.Frame(e.cfg.Retain)
	for player, tl := range e.timelines {
		from := keepFrom
		if player == e.cfg.Local && e.localAcked+1 < from {
			from = e.localAcked + 1
		}
		tl.Prune(from)
	}
	return entries
}

// AckLocal records that the peer holds every local input through frame.
// Acks never move backwards.
func (e *Engine) AckLocal(frame input.Frame) {
	if e == nil || frame <= e.localAcked {
		return
	}
	e.localAcked = frame
}

// LocalAcked reports the newest frame the peer acknowledged.
func (e *Engine) LocalAcked() input.Frame {
	if e == nil {
		return input.NoFrame
	}
	return e.localAcked
}

func (e *Engine) simulate(frame input.Frame, state sim.State, rollbacks int) (record.Entry, error) {
	inputs := make(sim.Inputs, len(e.timelines))
	predicted := false
	for player, tl := range e.timelines {
		if action, ok := tl.Confirmed(frame); ok {
			inputs[player] = action
			continue
		}
		action, ok := tl.LatestConfirmedBefore(frame)
		if !ok {
			action = e.cfg.DefaultAction
		}
		tl.Predict(frame, action)
		inputs[player] = action
		predicted = true
	}
	next, err := e.sim.Step(state, inputs)
	if err != nil {
		return record.Entry{}, fmt.Errorf("rollback: step frame %d: %w", frame, err)
	}
	return record.Entry{
		Frame:         frame,
		State:         next,
		Inputs:        inputs,
		WasPredicted:  predicted,
		RollbackCount: rollbacks,
	}, nil
}
