package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"duet/peer/internal/input"
	"duet/peer/internal/net/proto"
)

func bundle(frame input.Frame) proto.Envelope {
	return proto.NewInputBundle(proto.InputBundle{
		Player: "p1",
		Frame:  frame,
		Inputs: []input.FrameAction{{Frame: frame, Action: 1}},
	})
}

func TestPipeDeliversAcrossTheWireCodec(t *testing.T) {
	now := time.Unix(100, 0)
	a, b := Pipe(LinkConfig{RTT: 40 * time.Millisecond, Now: func() time.Time { return now }})
	if err := a.Send(bundle(7)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := b.Drain()
	if len(got) != 1 || got[0].Kind != proto.KindInputBundle || got[0].Bundle.Frame != 7 {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	stats := b.Stats()
	if !stats.Connected || !stats.HasRTT || stats.RTT != 40*time.Millisecond {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.LastHeard.Equal(now) || stats.Received != 1 {
		t.Fatalf("expected receive bookkeeping, got %+v", stats)
	}
	if a.Stats().Sent != 1 {
		t.Fatalf("expected sender to count the message")
	}
}

func TestPipeRejectsInvalidEnvelopes(t *testing.T) {
	a, _ := Pipe(LinkConfig{})
	err := a.Send(proto.Envelope{Kind: proto.KindHashReport})
	if !errors.Is(err, proto.ErrPayloadMismatch) {
		t.Fatalf("expected payload mismatch, got %v", err)
	}
}

func TestPipeLossIsDeterministicPerSeed(t *testing.T) {
	run := func() []input.Frame {
		a, b := Pipe(LinkConfig{LossRate: 0.3, ReorderRate: 0.2, Seed: 42})
		for f := input.Frame(0); f < 200; f++ {
			if err := a.Send(bundle(f)); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
		frames := make([]input.Frame, 0)
		for _, env := range b.Drain() {
			frames = append(frames, env.Bundle.Frame)
		}
		return frames
	}
	first, second := run(), run()
	if len(first) == 0 || len(first) == 200 {
		t.Fatalf("expected partial delivery, got %d", len(first))
	}
	if len(first) != len(second) {
		t.Fatalf("expected identical delivery for the same seed")
	}
	reordered := false
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("delivery order differs at %d", i)
		}
		if i > 0 && first[i] < first[i-1] {
			reordered = true
		}
	}
	if !reordered {
		t.Fatalf("expected at least one reordered delivery")
	}
}

func TestPipeTamperRewritesInFlight(t *testing.T) {
	a, b := Pipe(LinkConfig{})
	a.SetTamper(func(sender string, env *proto.Envelope) bool {
		if sender != "a" || env.Kind != proto.KindHashReport {
			return true
		}
		for i := range env.Hashes.Hashes {
			env.Hashes.Hashes[i].Hash = "0000000000000000"
		}
		return true
	})
	report := proto.NewHashReport(proto.HashReport{Hashes: []proto.FrameHash{{Frame: 10, Hash: "abcdefabcdefabcd"}}})
	if err := a.Send(report); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Send(report); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := b.Drain(); got[0].Hashes.Hashes[0].Hash != "0000000000000000" {
		t.Fatalf("expected tampered hash, got %+v", got[0].Hashes)
	}
	if got := a.Drain(); got[0].Hashes.Hashes[0].Hash != "abcdefabcdefabcd" {
		t.Fatalf("expected untouched hash in the other direction")
	}
}

func TestPipeSeverAndRenegotiate(t *testing.T) {
	a, b := Pipe(LinkConfig{})
	a.Sever()
	if err := a.Send(bundle(1)); err != nil {
		t.Fatalf("send on a severed link should be silent, got %v", err)
	}
	if len(b.Drain()) != 0 {
		t.Fatalf("expected no delivery while severed")
	}
	if a.Stats().Connected {
		t.Fatalf("severed link reported connected")
	}
	if err := a.Renegotiate(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	b.Heal()
	if err := a.Renegotiate(context.Background()); err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	if a.Stats().Reconnects != 1 {
		t.Fatalf("expected one reconnect")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Renegotiate(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestPipeCloseSendsBye(t *testing.T) {
	a, b := Pipe(LinkConfig{LossRate: 1})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := b.Drain()
	if len(got) != 1 || got[0].Kind != proto.KindBye {
		t.Fatalf("expected a bye, got %+v", got)
	}
	if !b.Stats().PeerClosed || b.Stats().Connected {
		t.Fatalf("expected peer to observe the close: %+v", b.Stats())
	}
	if err := a.Send(bundle(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
