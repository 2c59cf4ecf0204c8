// Package session runs one peer of a two-player rollback session. All
// engine, pipeline and validator state is touched only from Tick; the
// transport reader and the latency sampler reach the loop through the
// channel inbox and their own locked structures.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"duet/peer/internal/codec"
	"duet/peer/internal/confirm"
	"duet/peer/internal/input"
	"duet/peer/internal/latency"
	"duet/peer/internal/net/intake"
	"duet/peer/internal/net/proto"
	"duet/peer/internal/record"
	"duet/peer/internal/recovery"
	"duet/peer/internal/rollback"
	"duet/peer/internal/sim"
	"duet/peer/internal/telemetry"
	"duet/peer/internal/transport"
	"duet/peer/internal/validate"
	"duet/peer/logging"
	loggingconsistency "duet/peer/logging/consistency"
	logginglifecycle "duet/peer/logging/lifecycle"
	loggingnetwork "duet/peer/logging/network"
	loggingsimulation "duet/peer/logging/simulation"
)

var (
	// ErrProtocolViolation wraps every fatal invariant breach.
	ErrProtocolViolation = errors.New("session: protocol violation")
	// ErrClosed is returned by Tick after Close.
	ErrClosed = errors.New("session: closed")
)

// maxEnvelopeItems bounds the inputs or hashes one peer envelope may carry.
const maxEnvelopeItems = 256

// Phase is the lifecycle stage of the episode.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseLingering Phase = "lingering"
	PhaseFinished  Phase = "finished"
	PhaseClosed    Phase = "closed"
)

// InputSource samples the local player's action for a frame.
type InputSource interface {
	Action(frame input.Frame) input.Action
}

// Deps are the collaborators a session is built from.
type Deps struct {
	Channel    transport.Channel
	Simulation sim.Simulation
	Input      InputSource
	Clock      logging.Clock
	Publisher  logging.Publisher
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
}

type focusChange struct {
	focused bool
	at      time.Time
}

// Session owns the engine, the confirmation pipeline and the validator for
// one peer.
type Session struct {
	cfg     Config
	deps    Deps
	clock   logging.Clock
	pub     logging.Publisher
	metrics telemetry.Metrics
	actor   logging.EntityRef
	final   input.Frame
	screen  intake.Context

	mu         sync.Mutex
	engine     *rollback.Engine
	pipeline   *confirm.Pipeline
	validator  *validate.Validator
	recovery   *recovery.Controller
	suspension *recovery.Suspension
	sampler    *latency.Sampler
	focus      chan focusChange

	phase           Phase
	closed          bool
	err             error
	ticks           uint64
	lingerStart     time.Time
	lingerAfterPeer int
	timedOut        bool
	lastReported    int
	fastForwarded   int
	rejected        uint64

	done     chan struct{}
	doneOnce sync.Once
	snapshot atomic.Pointer[Snapshot]
}

// New wires a session. The first InputDelay frames are certain for both
// players before any traffic arrives.
func New(cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if deps.Channel == nil {
		return nil, errors.New("session: channel is required")
	}
	if deps.Simulation == nil {
		return nil, errors.New("session: simulation is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	pub := deps.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if cfg.SessionID != "" {
		pub = logging.WithSession(pub, cfg.SessionID)
	}

	engine, err := rollback.New(rollback.Config{
		Players:           cfg.Players(),
		Local:             cfg.LocalPlayer,
		InputDelay:        cfg.InputDelay,
		MaxRollbackFrames: cfg.MaxRollbackFrames,
		DefaultAction:     cfg.DefaultAction,
		Retain:            cfg.Redundancy,
	}, deps.Simulation)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	pipeline := confirm.New(engine)

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		clock:   clock,
		pub:     pub,
		metrics: telemetry.Scoped(deps.Metrics, "session"),
		actor:   logging.EntityRef{ID: string(cfg.LocalPlayer), Kind: logging.EntityKindPlayer},
		final:   cfg.FinalFrame(),
		screen:  intake.Context{SessionID: cfg.SessionID, RemotePlayer: cfg.RemotePlayer, MaxBundle: maxEnvelopeItems, MaxFrame: cfg.FinalFrame()},

		engine:   engine,
		pipeline: pipeline,
		validator: validate.New(validate.Config{
			Interval:      cfg.HashInterval,
			MaxStateDumps: cfg.MaxStateDumps,
			Redundancy:    cfg.Redundancy,
		}, pipeline.Canonical(), clock.Now),
		suspension: recovery.NewSuspension(cfg.TickDuration(), cfg.StallThreshold),
		sampler:    latency.NewSampler(cfg.Latency, deps.Channel, clock.Now),
		focus:      make(chan focusChange, 16),
		phase:      PhaseRunning,
		done:       make(chan struct{}),
	}
	s.recovery = recovery.NewController(cfg.Recovery, deps.Channel, s.onTransition)
	s.publishSnapshot(clock.Now())
	return s, nil
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.cfg
}

// Done is closed once the episode has finished or the session failed or
// was closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports the error that ended the session, if any.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetFocused reports a host focus change. It is safe to call from any
// goroutine; the loop applies it on its next tick.
func (s *Session) SetFocused(focused bool) {
	if s == nil {
		return
	}
	select {
	case s.focus <- focusChange{focused: focused, at: s.clock.Now()}:
	default:
		s.logf("[session] dropping focus change focused=%t: queue full", focused)
	}
}

// Run ticks the session at the configured rate until the episode ends,
// the session fails, or ctx is cancelled. The latency sampler runs beside
// the loop for the lifetime of Run.
func (s *Session) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	logginglifecycle.SessionStarted(ctx, s.pub, s.actor, logginglifecycle.SessionStartedPayload{
		Peer:            string(s.cfg.RemotePlayer),
		TickRate:        s.cfg.TickRate,
		InputDelay:      s.cfg.InputDelay,
		RedundancyDepth: s.cfg.Redundancy,
		HashInterval:    s.cfg.HashInterval,
	}, nil)

	g, gctx := errgroup.WithContext(ctx)
	sampleCtx, stopSampling := context.WithCancel(gctx)
	g.Go(func() error {
		return s.sampler.Run(sampleCtx)
	})
	g.Go(func() error {
		defer stopSampling()
		return s.loop(gctx)
	})
	return g.Wait()
}

func (s *Session) loop(ctx context.Context) error {
	budget := s.cfg.TickDuration()
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	var streak uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return s.Err()
		case <-ticker.C:
			start := time.Now()
			err := s.Tick(s.clock.Now())
			elapsed := time.Since(start)
			if elapsed > budget {
				streak++
				loggingsimulation.TickBudgetOverrun(ctx, s.pub, int64(s.LastSimulated()), loggingsimulation.TickBudgetOverrunPayload{
					DurationMillis: elapsed.Milliseconds(),
					BudgetMillis:   budget.Milliseconds(),
					Ratio:          float64(elapsed) / float64(budget),
					Streak:         streak,
				}, nil)
			} else {
				streak = 0
			}
			if err != nil {
				return err
			}
		}
	}
}

// Tick runs one loop iteration: apply focus changes, drain the inbox,
// observe the link, then advance, confirm, validate and transmit.
func (s *Session) Tick(now time.Time) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err != nil {
			return s.err
		}
		return ErrClosed
	}
	if s.phase == PhaseFinished || s.phase == PhaseClosed {
		return s.err
	}
	s.ticks++
	if err := s.tick(now); err != nil {
		s.fail(err)
	}
	s.publishSnapshot(now)
	return s.err
}

func (s *Session) tick(now time.Time) error {
	s.applyFocus()
	s.suspension.Observe(now)

	if err := s.drainInbox(); err != nil {
		return err
	}

	state, err := s.recovery.Observe(now)
	if err != nil {
		return err
	}
	if state == recovery.StateClosed {
		if _, err := s.funnel(confirm.CauseFlush); err != nil {
			return err
		}
		s.finish(false)
		return nil
	}
	if s.suspension.Suspended() {
		return nil
	}

	switch s.phase {
	case PhaseRunning:
		return s.run(now)
	case PhaseLingering:
		return s.linger(now)
	}
	return nil
}

func (s *Session) applyFocus() {
	for {
		select {
		case change := <-s.focus:
			if change.focused {
				if frames := s.suspension.Resume(change.at); frames > 0 {
					s.logf("[session] resumed after suspension owed=%d", frames)
				}
			} else {
				s.suspension.Suspend(change.at)
			}
		default:
			return
		}
	}
}

func (s *Session) drainInbox() error {
	envelopes := s.deps.Channel.Drain()
	if len(envelopes) == 0 {
		return nil
	}
	remote := s.engine.Timeline(s.cfg.RemotePlayer)
	var merged []codec.Merged
	for _, env := range envelopes {
		if ok, reason := intake.Screen(s.screen, env); !ok {
			s.rejected++
			s.metricAdd("envelopes_rejected_total", 1)
			if s.rejected&(s.rejected-1) == 0 {
				s.logf("[session] rejecting envelope kind=%s reason=%s count=%d", env.Kind, reason, s.rejected)
			}
			continue
		}
		switch env.Kind {
		case proto.KindInputBundle:
			s.engine.AckLocal(env.Bundle.Ack)
			certain := codec.DecodeIncoming(*env.Bundle, remote)
			for _, m := range certain {
				s.pipeline.OnInputConfirmed(m.Player, m.Frame)
			}
			merged = append(merged, certain...)
		case proto.KindHashReport:
			s.reportDesyncs(s.validator.OnPeerHashes(*env.Hashes))
		case proto.KindBye:
			reason := ""
			if env.Bye != nil {
				reason = env.Bye.Reason
			}
			loggingnetwork.PeerClosed(context.Background(), s.pub, int64(s.engine.LastSimulated()), s.actor, loggingnetwork.PeerClosedPayload{Reason: reason}, nil)
		}
	}

	rb, rolled, err := s.engine.ApplyRemote(merged)
	if err != nil {
		return err
	}
	if rolled {
		s.metricAdd("rollbacks_total", 1)
		s.metricAdd("resimulated_frames_total", uint64(rb.Depth))
		loggingsimulation.Rollback(context.Background(), s.pub, int64(rb.To), s.actor, loggingsimulation.RollbackPayload{
			FromFrame: int64(rb.From),
			ToFrame:   int64(rb.To),
			Depth:     rb.Depth,
		}, nil)
	}
	return nil
}

func (s *Session) run(now time.Time) error {
	if owed := s.suspension.Take(s.cfg.CatchupMaxFrames); owed > 0 {
		if err := s.fastForward(owed); err != nil {
			return err
		}
	}
	if _, err := s.step(false); err != nil {
		return err
	}
	if _, err := s.funnel(confirm.CauseTick); err != nil {
		return err
	}
	s.sendReport(false)

	if s.final != input.NoFrame && s.engine.NextFrame() > s.final {
		s.phase = PhaseLingering
		s.lingerStart = now
	}
	return nil
}

// step advances one frame. It returns false without advancing once the
// episode is fully simulated or when one more frame would put the oldest
// uncertain frame beyond the rollback window.
func (s *Session) step(fastForward bool) (bool, error) {
	next := s.engine.NextFrame()
	if s.final != input.NoFrame && next > s.final {
		return false, nil
	}
	if int(next-s.pipeline.ConfirmedFrame()) > s.cfg.MaxRollbackFrames {
		s.metricAdd("stalled_ticks_total", 1)
		s.sendBundle(s.latestLocal())
		return false, nil
	}

	target := next + input.Frame(s.cfg.InputDelay)
	if s.final == input.NoFrame || target <= s.final {
		action := s.cfg.DefaultAction
		if !fastForward && s.deps.Input != nil {
			action = s.deps.Input.Action(target)
		}
		if err := s.engine.RecordLocal(target, action); err != nil {
			return false, err
		}
		s.pipeline.OnInputConfirmed(s.cfg.LocalPlayer, target)
	}
	if s.final != input.NoFrame && target > s.final {
		target = s.final
	}
	s.sendBundle(target)

	entry, err := s.engine.Advance()
	if err != nil {
		return false, err
	}
	if entry.WasPredicted {
		s.metricAdd("predicted_frames_total", 1)
	}
	return true, nil
}

func (s *Session) fastForward(owed int) error {
	result, err := recovery.FastForward(owed,
		func() (bool, error) { return s.step(true) },
		func() error {
			_, err := s.funnel(confirm.CauseFastForward)
			return err
		},
	)
	s.suspension.Repay(result.Owed - result.Advanced)
	if result.Advanced > 0 {
		s.fastForwarded += result.Advanced
		s.metricAdd("fast_forward_frames_total", uint64(result.Advanced))
		loggingsimulation.FastForward(context.Background(), s.pub, int64(s.engine.LastSimulated()), s.actor, loggingsimulation.FastForwardPayload{
			Owed:           result.Owed,
			Advanced:       result.Advanced,
			Remaining:      s.suspension.Owed(),
			ConfirmedFrame: int64(s.pipeline.ConfirmedFrame()),
		}, nil)
	}
	return err
}

// funnel is the single path that moves ConfirmedFrame. Newly canonical
// frames are hashed on the way out, and the final frame is sealed once it
// is confirmed.
func (s *Session) funnel(cause confirm.Cause) (confirm.Result, error) {
	result, err := s.pipeline.Advance(cause)
	if len(result.Promoted) > 0 {
		first := result.Promoted[0].Frame
		last := result.Promoted[len(result.Promoted)-1].Frame
		s.metricStore("confirmed_frame", uint64(result.Confirmed+1))
		loggingsimulation.FramesPromoted(context.Background(), s.pub, int64(last), s.actor, loggingsimulation.PromotionPayload{
			Cause:          string(cause),
			FirstFrame:     int64(first),
			LastFrame:      int64(last),
			ConfirmedFrame: int64(result.Confirmed),
		}, nil)
		s.reportDesyncs(s.validator.ObservePromoted(result.Promoted))
	}
	if err != nil {
		return result, err
	}
	if s.final != input.NoFrame && !s.validator.Sealed() && s.pipeline.ConfirmedFrame() >= s.final {
		s.reportDesyncs(s.validator.SealFinal(s.final))
	}
	return result, nil
}

func (s *Session) linger(now time.Time) error {
	if _, err := s.funnel(confirm.CauseFlush); err != nil {
		return err
	}
	s.sendBundle(s.final)
	s.sendReport(true)

	if s.validator.Sealed() && s.validator.PeerDone() {
		s.lingerAfterPeer++
		if s.lingerAfterPeer >= s.cfg.LingerTicks {
			s.finish(false)
		}
		return nil
	}
	if now.Sub(s.lingerStart) >= s.cfg.LingerTimeout {
		s.logf("[session] linger timed out confirmed=%d verified=%d sealed=%t peerDone=%t",
			s.pipeline.ConfirmedFrame(), s.validator.VerifiedFrame(), s.validator.Sealed(), s.validator.PeerDone())
		s.finish(true)
	}
	return nil
}

func (s *Session) finish(timedOut bool) {
	if s.phase == PhaseFinished {
		return
	}
	s.phase = PhaseFinished
	s.timedOut = timedOut
	logginglifecycle.EpisodeFlushed(context.Background(), s.pub, int64(s.pipeline.ConfirmedFrame()), s.actor, logginglifecycle.EpisodeFlushedPayload{
		CanonicalFrames: s.pipeline.Canonical().Len(),
		ConfirmedFrame:  int64(s.pipeline.ConfirmedFrame()),
		SimulatedFrames: int64(s.engine.NextFrame()),
		TimedOut:        timedOut,
	}, nil)
	s.markDone()
}

func (s *Session) fail(err error) {
	if s.err != nil {
		return
	}
	frame := int64(s.engine.LastSimulated())
	switch {
	case isProtocolViolation(err):
		err = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		loggingsimulation.ProtocolViolation(context.Background(), s.pub, frame, s.actor, loggingsimulation.ProtocolViolationPayload{Error: err.Error()}, nil)
	case errors.Is(err, recovery.ErrRenegotiationFailed):
		loggingnetwork.RenegotiationFailed(context.Background(), s.pub, frame, s.actor, loggingnetwork.RenegotiationPayload{
			Attempt:     s.recovery.Attempts(),
			MaxAttempts: s.cfg.Recovery.MaxAttempts,
			Error:       err.Error(),
		}, nil)
	}
	s.err = err
	s.phase = PhaseClosed
	s.markDone()
}

func isProtocolViolation(err error) bool {
	return errors.Is(err, rollback.ErrRollbackWindowExceeded) ||
		errors.Is(err, rollback.ErrUnknownPlayer) ||
		errors.Is(err, confirm.ErrPromotionGap) ||
		errors.Is(err, record.ErrFrameGap)
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Close flushes a final promotion, tells the peer goodbye and releases the
// channel. It is safe to call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.err == nil {
		if _, err := s.funnel(confirm.CauseFlush); err != nil {
			s.fail(err)
		}
	}
	s.recovery.Close("local close")
	if s.phase != PhaseFinished {
		s.phase = PhaseClosed
	}
	s.markDone()
	err := s.deps.Channel.Close()
	s.publishSnapshot(s.clock.Now())
	return err
}

// sendBundle sends the local inputs for frame, reaching back to the first
// frame the peer has not acknowledged, and acknowledges the remote inputs
// held here.
func (s *Session) sendBundle(frame input.Frame) {
	if frame < 0 {
		return
	}
	bundle := codec.EncodeSince(frame, s.engine.LocalAcked(), s.engine.Timeline(s.cfg.LocalPlayer), s.cfg.Redundancy, maxEnvelopeItems)
	if len(bundle.Inputs) == 0 {
		return
	}
	bundle.Ack = s.pipeline.Certain(s.cfg.RemotePlayer)
	s.send(proto.NewInputBundle(bundle))
}

// latestLocal is the newest local input recorded so far.
func (s *Session) latestLocal() input.Frame {
	latest := s.engine.NextFrame() - 1 + input.Frame(s.cfg.InputDelay)
	if s.final != input.NoFrame && latest > s.final {
		latest = s.final
	}
	return latest
}

// sendReport transmits the recent hash history when it changed, or every
// call when forced.
func (s *Session) sendReport(force bool) {
	computed := s.validator.HashesComputed()
	if !force && computed == s.lastReported {
		return
	}
	report := s.validator.Report()
	if len(report.Hashes) == 0 && !report.Done {
		return
	}
	s.lastReported = computed
	s.send(proto.NewHashReport(report))
}

func (s *Session) send(env proto.Envelope) {
	env.Session = s.cfg.SessionID
	if err := s.deps.Channel.Send(env); err != nil {
		s.metricAdd("send_errors_total", 1)
	}
}

func (s *Session) reportDesyncs(events []validate.DesyncEvent) {
	for _, event := range events {
		s.metricAdd("desyncs_total", 1)
		loggingconsistency.Desync(context.Background(), s.pub, int64(event.Frame), s.actor, loggingconsistency.DesyncPayload{
			LocalHash:     event.LocalHash,
			PeerHash:      event.PeerHash,
			VerifiedFrame: int64(event.VerifiedFrameAtDetection),
			HasStateDump:  event.HasFullStateDump,
		}, nil)
	}
}

func (s *Session) onTransition(change recovery.Transition) {
	s.metricAdd("connection_transitions_total", 1)
	loggingnetwork.ConnectionStateChanged(context.Background(), s.pub, int64(s.engine.LastSimulated()), s.actor, loggingnetwork.ConnectionStatePayload{
		From:   string(change.From),
		To:     string(change.To),
		Reason: change.Reason,
	}, nil)
}

func (s *Session) logf(format string, args ...any) {
	if s.deps.Logger != nil {
		s.deps.Logger.Printf(format, args...)
	}
}

func (s *Session) metricAdd(key string, delta uint64) {
	s.metrics.Add(key, delta)
}

func (s *Session) metricStore(key string, value uint64) {
	s.metrics.Store(key, value)
}
