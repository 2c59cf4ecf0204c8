package record

import (
	"errors"
	"testing"

	"duet/peer/internal/input"
	"duet/peer/internal/sim"
)

func TestCanonicalRejectsGaps(t *testing.T) {
	c := NewCanonical()
	if err := c.Append(Entry{Frame: 0}); err != nil {
		t.Fatalf("append frame 0: %v", err)
	}
	if err := c.Append(Entry{Frame: 2}); !errors.Is(err, ErrFrameGap) {
		t.Fatalf("expected gap error, got %v", err)
	}
	if err := c.Append(Entry{Frame: 0}); !errors.Is(err, ErrFrameGap) {
		t.Fatalf("expected duplicate frame to be rejected, got %v", err)
	}
	if err := c.Append(Entry{Frame: 1}); err != nil {
		t.Fatalf("append frame 1: %v", err)
	}
	size, oldest, newest := c.Window()
	if size != 2 || oldest != 0 || newest != 1 {
		t.Fatalf("unexpected window size=%d oldest=%d newest=%d", size, oldest, newest)
	}
}

func TestCanonicalEntriesAreImmutable(t *testing.T) {
	c := NewCanonical()
	entry := Entry{Frame: 0, State: sim.State(`{"v":1}`), Inputs: sim.Inputs{"a": 1}}
	if err := c.Append(entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	entry.State[6] = '9'
	entry.Inputs["a"] = 7

	got, ok := c.At(0)
	if !ok {
		t.Fatalf("expected frame 0")
	}
	if string(got.State) != `{"v":1}` || got.Inputs["a"] != 1 {
		t.Fatalf("canonical entry changed after caller mutation: %+v", got)
	}
	got.Inputs["a"] = 5
	again, _ := c.At(0)
	if again.Inputs["a"] != 1 {
		t.Fatalf("canonical entry changed through At copy")
	}
}

func TestSpeculativeTakeThroughOrders(t *testing.T) {
	s := NewSpeculative()
	for _, f := range []input.Frame{4, 1, 3, 0, 2} {
		s.Put(Entry{Frame: f})
	}
	taken := s.TakeThrough(2)
	if len(taken) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(taken))
	}
	for i, entry := range taken {
		if entry.Frame != input.Frame(i) {
			t.Fatalf("expected frame %d at %d, got %d", i, i, entry.Frame)
		}
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries left, got %d", s.Len())
	}
	if again := s.TakeThrough(2); len(again) != 0 {
		t.Fatalf("expected second take to be empty, got %d", len(again))
	}
}
