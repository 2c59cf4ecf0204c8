package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"duet/peer/internal/codec"
	"duet/peer/internal/input"
	"duet/peer/internal/latency"
	"duet/peer/internal/recovery"
	"duet/peer/internal/rollback"
	"duet/peer/internal/validate"
)

// Config tunes one session between the local player and one remote peer.
type Config struct {
	SessionID    string
	LocalPlayer  input.PlayerID
	RemotePlayer input.PlayerID

	TickRate          int
	InputDelay        int
	Redundancy        int
	MaxRollbackFrames int
	HashInterval      int
	MaxStateDumps     int
	// EpisodeFrames ends the episode after that many frames. Zero runs
	// until the session is closed.
	EpisodeFrames int
	// CatchupMaxFrames caps how many owed frames one tick fast-forwards.
	CatchupMaxFrames int
	// StallThreshold is the wall-clock gap between ticks that counts as an
	// implicit suspension.
	StallThreshold time.Duration
	// LingerTimeout bounds how long a finished episode waits for the
	// peer's final hash.
	LingerTimeout time.Duration
	// LingerTicks is how many ticks the final report keeps repeating after
	// the peer has finished.
	LingerTicks   int
	DefaultAction input.Action

	Recovery recovery.Config
	Latency  latency.Config
}

// DefaultConfig returns the defaults for a 10 Hz, 45 second episode.
func DefaultConfig() Config {
	return Config{
		TickRate:          10,
		InputDelay:        2,
		Redundancy:        codec.DefaultRedundancy,
		MaxRollbackFrames: rollback.DefaultMaxRollbackFrames,
		HashInterval:      validate.DefaultConfig().Interval,
		MaxStateDumps:     validate.DefaultConfig().MaxStateDumps,
		EpisodeFrames:     450,
		CatchupMaxFrames:  600,
		LingerTimeout:     10 * time.Second,
		LingerTicks:       10,
		Recovery:          recovery.DefaultConfig(),
		Latency:           latency.DefaultConfig(),
	}
}

// TickDuration is the wall-clock length of one frame.
func (c Config) TickDuration() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 10
	}
	return time.Second / time.Duration(c.TickRate)
}

// Players lists both players in a fixed order shared by the two peers.
func (c Config) Players() []input.PlayerID {
	players := []input.PlayerID{c.LocalPlayer, c.RemotePlayer}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	return players
}

// FinalFrame is the last frame of the episode, or NoFrame when unbounded.
func (c Config) FinalFrame() input.Frame {
	if c.EpisodeFrames <= 0 {
		return input.NoFrame
	}
	return input.Frame(c.EpisodeFrames - 1)
}

// Validate rejects configurations the session cannot run.
func (c Config) Validate() error {
	var errs []error
	if c.LocalPlayer == "" {
		errs = append(errs, errors.New("local player is required"))
	}
	if c.RemotePlayer == "" {
		errs = append(errs, errors.New("remote player is required"))
	}
	if c.LocalPlayer != "" && c.LocalPlayer == c.RemotePlayer {
		errs = append(errs, fmt.Errorf("local and remote player are both %q", c.LocalPlayer))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick rate must be positive, got %d", c.TickRate))
	}
	if c.InputDelay < 0 {
		errs = append(errs, fmt.Errorf("input delay must not be negative, got %d", c.InputDelay))
	}
	if c.Redundancy <= 0 {
		errs = append(errs, fmt.Errorf("redundancy must be positive, got %d", c.Redundancy))
	}
	if c.MaxRollbackFrames <= c.InputDelay {
		errs = append(errs, fmt.Errorf("max rollback frames %d must exceed input delay %d", c.MaxRollbackFrames, c.InputDelay))
	}
	if c.HashInterval <= 0 {
		errs = append(errs, fmt.Errorf("hash interval must be positive, got %d", c.HashInterval))
	}
	if c.EpisodeFrames < 0 {
		errs = append(errs, fmt.Errorf("episode frames must not be negative, got %d", c.EpisodeFrames))
	}
	if len(errs) > 0 {
		return fmt.Errorf("session: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.CatchupMaxFrames <= 0 {
		c.CatchupMaxFrames = defaults.CatchupMaxFrames
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 5 * c.TickDuration()
	}
	if c.LingerTimeout <= 0 {
		c.LingerTimeout = defaults.LingerTimeout
	}
	if c.LingerTicks <= 0 {
		c.LingerTicks = defaults.LingerTicks
	}
	if c.MaxStateDumps < 0 {
		c.MaxStateDumps = 0
	}
	return c
}
