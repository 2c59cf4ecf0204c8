package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"duet/peer/internal/input"
	"duet/peer/internal/net/proto"
	"duet/peer/internal/transport"
)

func peerURL(t *testing.T, base, sessionID, peerID string) string {
	t.Helper()
	parsed, err := url.Parse(base)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	parsed.Scheme = strings.Replace(parsed.Scheme, "http", "ws", 1)
	query := parsed.Query()
	query.Set("session", sessionID)
	query.Set("peer", peerID)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func startPeerServer(t *testing.T, heartbeat time.Duration) (*httptest.Server, *Channel) {
	t.Helper()
	registry := NewRegistry()
	accepting := NewAccepting(Config{HeartbeatInterval: heartbeat})
	t.Cleanup(func() { accepting.Close() })
	registry.Register("s1", "guest", accepting)

	handler := NewHandler(HandlerConfig{Registry: registry})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)
	return srv, accepting
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drainUntil(t *testing.T, ch transport.Channel, kind proto.Kind) proto.Envelope {
	t.Helper()
	var found proto.Envelope
	waitFor(t, kind.String(), func() bool {
		for _, env := range ch.Drain() {
			if env.Kind == kind {
				found = env
				return true
			}
		}
		return false
	})
	return found
}

func TestChannelExchangesEnvelopes(t *testing.T) {
	srv, accepting := startPeerServer(t, time.Hour)

	dialing, err := Dial(context.Background(), Config{URL: peerURL(t, srv.URL, "s1", "guest"), HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dialing.Close() })

	waitFor(t, "attach", func() bool { return accepting.Stats().Connected })

	bundle := proto.NewInputBundle(proto.InputBundle{Player: "guest", Frame: 3, Inputs: []input.FrameAction{{Frame: 3, Action: 2}}})
	if err := dialing.Send(bundle); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := drainUntil(t, accepting, proto.KindInputBundle)
	if got.Bundle.Frame != 3 || got.Bundle.Inputs[0].Action != 2 {
		t.Fatalf("unexpected bundle: %+v", got.Bundle)
	}

	report := proto.NewHashReport(proto.HashReport{Hashes: []proto.FrameHash{{Frame: 0, Hash: "00ff00ff00ff00ff"}}, Done: true})
	if err := accepting.Send(report); err != nil {
		t.Fatalf("send: %v", err)
	}
	got = drainUntil(t, dialing, proto.KindHashReport)
	if !got.Hashes.Done || got.Hashes.Hashes[0].Hash != "00ff00ff00ff00ff" {
		t.Fatalf("unexpected report: %+v", got.Hashes)
	}
}

func TestChannelMeasuresRTTFromHeartbeats(t *testing.T) {
	srv, accepting := startPeerServer(t, time.Hour)

	dialing, err := Dial(context.Background(), Config{URL: peerURL(t, srv.URL, "s1", "guest"), HeartbeatInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dialing.Close() })

	waitFor(t, "rtt sample", func() bool { return dialing.Stats().HasRTT })
	if accepting.Stats().Received == 0 {
		t.Fatalf("expected the accepting side to receive pings")
	}
	for _, env := range accepting.Drain() {
		if env.Kind == proto.KindPing || env.Kind == proto.KindPong {
			t.Fatalf("heartbeats must not reach the inbox")
		}
	}
}

func TestHandlerRejectsUnknownSessions(t *testing.T) {
	srv, _ := startPeerServer(t, time.Hour)

	cases := []struct {
		name   string
		url    string
		status int
	}{
		{name: "missing peer", url: srv.URL + "?session=s1", status: http.StatusBadRequest},
		{name: "unknown session", url: srv.URL + "?session=nope&peer=guest", status: http.StatusNotFound},
		{name: "wrong peer", url: srv.URL + "?session=s1&peer=intruder", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(tc.url)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestCloseSendsBye(t *testing.T) {
	srv, accepting := startPeerServer(t, time.Hour)

	dialing, err := Dial(context.Background(), Config{URL: peerURL(t, srv.URL, "s1", "guest"), HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "attach", func() bool { return accepting.Stats().Connected })

	if err := dialing.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	drainUntil(t, accepting, proto.KindBye)
	if !accepting.Stats().PeerClosed {
		t.Fatalf("expected accepting side to record the peer close")
	}
	if err := dialing.Send(proto.NewBye("again")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRenegotiateRedialsAfterDrop(t *testing.T) {
	srv, accepting := startPeerServer(t, time.Hour)

	dialing, err := Dial(context.Background(), Config{URL: peerURL(t, srv.URL, "s1", "guest"), HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dialing.Close() })
	waitFor(t, "attach", func() bool { return accepting.Stats().Connected })

	dialing.mu.Lock()
	conn := dialing.conn
	dialing.mu.Unlock()
	conn.Close()
	waitFor(t, "disconnect", func() bool { return !dialing.Stats().Connected })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dialing.Renegotiate(ctx); err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	if !dialing.Stats().Connected || dialing.Stats().Reconnects != 1 {
		t.Fatalf("expected a reconnected channel, got %+v", dialing.Stats())
	}
	waitFor(t, "reattach", func() bool { return accepting.Stats().Reconnects == 1 })

	if err := dialing.Send(proto.NewHashReport(proto.HashReport{})); err != nil {
		t.Fatalf("send: %v", err)
	}
	drainUntil(t, accepting, proto.KindHashReport)
}

func TestAcceptingRenegotiateHonoursContext(t *testing.T) {
	accepting := NewAccepting(Config{HeartbeatInterval: time.Hour})
	defer accepting.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := accepting.Renegotiate(ctx)
	if !errors.Is(err, transport.ErrUnreachable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected unreachable deadline error, got %v", err)
	}
}
