package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"duet/peer/internal/net/proto"
	"duet/peer/internal/transport"
)

type fakeChannel struct {
	mu          sync.Mutex
	stats       transport.Stats
	renegotiate func(context.Context) error
	calls       int
}

func (f *fakeChannel) Send(proto.Envelope) error { return nil }
func (f *fakeChannel) Drain() []proto.Envelope { return nil }
func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) Stats() transport.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeChannel) Renegotiate(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	fn := f.renegotiate
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (f *fakeChannel) set(update func(*transport.Stats)) {
	f.mu.Lock()
	update(&f.stats)
	f.mu.Unlock()
}

// settle observes until an in-flight renegotiation result has been consumed.
func settle(t *testing.T, c *Controller, now time.Time) (ConnectionState, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := c.Observe(now)
		if !c.inFlight || time.Now().After(deadline) {
			return state, err
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerHealthTransitions(t *testing.T) {
	start := time.Unix(1000, 0)
	ch := &fakeChannel{}
	var changes []Transition
	c := NewController(Config{HeartbeatTimeout: time.Second, HardFailureTimeout: 3 * time.Second, DegradedRTT: 300 * time.Millisecond}, ch, func(tr Transition) {
		changes = append(changes, tr)
	})

	if state, _ := c.Observe(start); state != StateConnecting {
		t.Fatalf("expected connecting before the peer is heard, got %s", state)
	}
	ch.set(func(s *transport.Stats) { s.Connected = true; s.LastHeard = start })
	if state, _ := c.Observe(start); state != StateConnected {
		t.Fatalf("expected connected after handshake, got %s", state)
	}

	if state, _ := c.Observe(start.Add(1500 * time.Millisecond)); state != StateDegraded {
		t.Fatalf("expected degraded after missed heartbeats, got %s", state)
	}
	ch.set(func(s *transport.Stats) { s.LastHeard = start.Add(1600 * time.Millisecond) })
	if state, _ := c.Observe(start.Add(1700 * time.Millisecond)); state != StateConnected {
		t.Fatalf("expected recovery to connected, got %s", state)
	}

	ch.set(func(s *transport.Stats) { s.HasRTT = true; s.RTT = 450 * time.Millisecond })
	if state, _ := c.Observe(start.Add(1800 * time.Millisecond)); state != StateDegraded {
		t.Fatalf("expected degraded on elevated rtt, got %s", state)
	}

	want := []ConnectionState{StateConnected, StateDegraded, StateConnected, StateDegraded}
	if len(changes) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), changes)
	}
	for i, tr := range changes {
		if tr.To != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
}

func TestControllerRenegotiatesAfterHardFailure(t *testing.T) {
	start := time.Unix(1000, 0)
	ch := &fakeChannel{stats: transport.Stats{Connected: true, LastHeard: start}}
	c := NewController(Config{HeartbeatTimeout: time.Second, HardFailureTimeout: 3 * time.Second}, ch, nil)
	c.Observe(start)

	ch.set(func(s *transport.Stats) { s.Connected = false })
	if state, _ := c.Observe(start.Add(100 * time.Millisecond)); state != StateDegraded {
		t.Fatalf("expected degraded, got %s", state)
	}
	state, err := c.Observe(start.Add(200 * time.Millisecond))
	if err != nil || state != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s err=%v", state, err)
	}
	ch.set(func(s *transport.Stats) { s.Connected = true })
	state, err = settle(t, c, start.Add(300*time.Millisecond))
	if err != nil || state != StateConnected {
		t.Fatalf("expected renegotiation to reconnect, got %s err=%v", state, err)
	}
	if ch.calls != 1 {
		t.Fatalf("expected one renegotiation call, got %d", ch.calls)
	}
	// The stale LastHeard must not immediately degrade the fresh link.
	if state, _ := c.Observe(start.Add(900 * time.Millisecond)); state != StateConnected {
		t.Fatalf("expected grace after renegotiation, got %s", state)
	}
}

func TestControllerGivesUpAfterMaxAttempts(t *testing.T) {
	start := time.Unix(1000, 0)
	failure := errors.New("ice failed")
	ch := &fakeChannel{
		stats:       transport.Stats{Connected: true, LastHeard: start},
		renegotiate: func(context.Context) error { return failure },
	}
	c := NewController(Config{HardFailureTimeout: time.Second, MaxAttempts: 3, AttemptInterval: time.Second}, ch, nil)
	c.Observe(start)
	ch.set(func(s *transport.Stats) { s.Connected = false })

	now := start
	var err error
	state := c.State()
	for i := 0; i < 20 && state != StateClosed; i++ {
		now = now.Add(time.Second)
		state, err = settle(t, c, now)
	}
	if state != StateClosed {
		t.Fatalf("expected closed after exhausting attempts, got %s", state)
	}
	if !errors.Is(err, ErrRenegotiationFailed) || !errors.Is(err, failure) {
		t.Fatalf("expected ErrRenegotiationFailed wrapping the cause, got %v", err)
	}
	if ch.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", ch.calls)
	}
}

func TestControllerPacesAttempts(t *testing.T) {
	start := time.Unix(1000, 0)
	ch := &fakeChannel{renegotiate: func(context.Context) error { return transport.ErrUnreachable }}
	c := NewController(Config{ConnectTimeout: time.Second, AttemptInterval: 10 * time.Second, MaxAttempts: 5}, ch, nil)
	c.Observe(start)
	settle(t, c, start.Add(2*time.Second))
	for i := 0; i < 5; i++ {
		settle(t, c, start.Add(time.Duration(3+i)*time.Second))
	}
	if ch.calls != 1 {
		t.Fatalf("expected the limiter to allow a single attempt, got %d", ch.calls)
	}
	settle(t, c, start.Add(13*time.Second))
	if ch.calls != 2 {
		t.Fatalf("expected a second attempt after the interval, got %d", ch.calls)
	}
}

func TestControllerPeerCloseAndExplicitClose(t *testing.T) {
	start := time.Unix(1000, 0)
	ch := &fakeChannel{stats: transport.Stats{Connected: true, LastHeard: start}}
	c := NewController(Config{}, ch, nil)
	c.Observe(start)
	ch.set(func(s *transport.Stats) { s.PeerClosed = true })
	if state, err := c.Observe(start); state != StateClosed || err != nil {
		t.Fatalf("expected closed on peer bye, got %s err=%v", state, err)
	}

	other := NewController(Config{}, &fakeChannel{}, nil)
	other.Close("session ended")
	if other.State() != StateClosed {
		t.Fatalf("expected closed after Close")
	}
	if state, _ := other.Observe(start); state != StateClosed {
		t.Fatalf("closed is terminal, got %s", state)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to ConnectionState
		ok       bool
	}{
		{StateConnecting, StateConnected, true},
		{StateConnected, StateDegraded, true},
		{StateDegraded, StateReconnecting, true},
		{StateReconnecting, StateConnected, true},
		{StateConnected, StateReconnecting, false},
		{StateClosed, StateConnected, false},
		{StateReconnecting, StateClosed, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}
