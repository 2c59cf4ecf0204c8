package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"duet/peer/internal/transport"
)

// ErrRenegotiationFailed is returned once every renegotiation attempt has
// failed. It is the only connectivity error that ends a session.
var ErrRenegotiationFailed = errors.New("recovery: renegotiation failed")

// Config tunes the health thresholds and renegotiation pacing.
type Config struct {
	// HeartbeatTimeout is the silence after which a link is degraded.
	HeartbeatTimeout time.Duration
	// DegradedRTT marks the link degraded when the measured RTT exceeds it.
	DegradedRTT time.Duration
	// HardFailureTimeout is the silence after which a degraded link is
	// renegotiated.
	HardFailureTimeout time.Duration
	// ConnectTimeout bounds the initial handshake.
	ConnectTimeout     time.Duration
	MaxAttempts        int
	AttemptInterval    time.Duration
	RenegotiateTimeout time.Duration
}

// DefaultConfig returns thresholds suited to a 10 Hz session.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:   2 * time.Second,
		DegradedRTT:        500 * time.Millisecond,
		HardFailureTimeout: 6 * time.Second,
		ConnectTimeout:     15 * time.Second,
		MaxAttempts:        5,
		AttemptInterval:    2 * time.Second,
		RenegotiateTimeout: 5 * time.Second,
	}
}

// Controller drives the connection state machine. Observe is called from
// the session loop; renegotiation runs on its own goroutine and its result
// is consumed by a later Observe.
type Controller struct {
	cfg      Config
	channel  transport.Channel
	limiter  *rate.Limiter
	onChange func(Transition)

	ctx    context.Context
	cancel context.CancelFunc

	state     ConnectionState
	started   time.Time
	heardBase time.Time
	attempts  int
	inFlight  bool
	results   chan error
	lastErr   error
}

// NewController constructs a controller in the connecting state.
func NewController(cfg Config, channel transport.Channel, onChange func(Transition)) *Controller {
	defaults := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if cfg.HardFailureTimeout <= 0 {
		cfg.HardFailureTimeout = defaults.HardFailureTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.AttemptInterval <= 0 {
		cfg.AttemptInterval = defaults.AttemptInterval
	}
	if cfg.RenegotiateTimeout <= 0 {
		cfg.RenegotiateTimeout = defaults.RenegotiateTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		channel:  channel,
		limiter:  rate.NewLimiter(rate.Every(cfg.AttemptInterval), 1),
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		results:  make(chan error, 1),
	}
}

// State reports the current connection state.
func (c *Controller) State() ConnectionState {
	if c == nil {
		return StateClosed
	}
	return c.state
}

// Attempts reports renegotiation attempts since the link was last healthy.
func (c *Controller) Attempts() int {
	if c == nil {
		return 0
	}
	return c.attempts
}

// Observe advances the state machine from the channel statistics. It
// returns ErrRenegotiationFailed once the attempt budget is exhausted.
func (c *Controller) Observe(now time.Time) (ConnectionState, error) {
	if c == nil {
		return StateClosed, nil
	}
	if c.started.IsZero() {
		c.started = now
	}
	if c.state == StateClosed {
		return c.state, nil
	}

	select {
	case err := <-c.results:
		c.inFlight = false
		if err == nil {
			c.heardBase = now
			c.transition(StateConnected, "renegotiated")
		} else {
			c.lastErr = err
		}
	default:
	}

	stats := c.channel.Stats()
	if stats.PeerClosed {
		c.transition(StateClosed, "peer closed")
		return c.state, nil
	}

	heard := stats.LastHeard
	if c.heardBase.After(heard) {
		heard = c.heardBase
	}
	silence := time.Duration(0)
	if !heard.IsZero() {
		silence = now.Sub(heard)
	}

	switch c.state {
	case StateConnecting:
		if stats.Connected && !stats.LastHeard.IsZero() {
			c.transition(StateConnected, "handshake")
		} else if now.Sub(c.started) > c.cfg.ConnectTimeout {
			c.transition(StateReconnecting, "handshake timeout")
		}
	case StateConnected:
		if stats.LastHeard.After(c.heardBase) {
			c.attempts = 0
		}
		switch {
		case !stats.Connected:
			c.transition(StateDegraded, "link down")
		case silence > c.cfg.HeartbeatTimeout:
			c.transition(StateDegraded, fmt.Sprintf("silent for %s", silence.Round(time.Millisecond)))
		case c.cfg.DegradedRTT > 0 && stats.HasRTT && stats.RTT > c.cfg.DegradedRTT:
			c.transition(StateDegraded, fmt.Sprintf("rtt %s", stats.RTT.Round(time.Millisecond)))
		}
	case StateDegraded:
		healthy := stats.Connected && silence <= c.cfg.HeartbeatTimeout &&
			(c.cfg.DegradedRTT <= 0 || !stats.HasRTT || stats.RTT <= c.cfg.DegradedRTT)
		switch {
		case healthy:
			c.attempts = 0
			c.transition(StateConnected, "recovered")
		case !stats.Connected || silence > c.cfg.HardFailureTimeout:
			c.transition(StateReconnecting, "hard failure")
		}
	}

	if c.state == StateReconnecting && !c.inFlight {
		if c.attempts >= c.cfg.MaxAttempts {
			c.transition(StateClosed, "renegotiation exhausted")
			if c.lastErr != nil {
				return c.state, fmt.Errorf("%w after %d attempts: %w", ErrRenegotiationFailed, c.attempts, c.lastErr)
			}
			return c.state, fmt.Errorf("%w after %d attempts", ErrRenegotiationFailed, c.attempts)
		}
		if c.limiter.AllowN(now, 1) {
			c.startAttempt()
		}
	}
	return c.state, nil
}

// Close moves to the closed state and abandons any attempt in flight.
func (c *Controller) Close(reason string) {
	if c == nil {
		return
	}
	c.cancel()
	c.transition(StateClosed, reason)
}

func (c *Controller) startAttempt() {
	c.attempts++
	c.inFlight = true
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RenegotiateTimeout)
	go func() {
		defer cancel()
		c.results <- c.channel.Renegotiate(ctx)
	}()
}

func (c *Controller) transition(to ConnectionState, reason string) {
	if c.state == to || !CanTransition(c.state, to) {
		return
	}
	change := Transition{From: c.state, To: to, Reason: reason}
	c.state = to
	if c.onChange != nil {
		c.onChange(change)
	}
}
