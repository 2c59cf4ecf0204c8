package recovery

import (
	"errors"
	"testing"
	"time"
)

func TestSuspensionOwesElapsedFrames(t *testing.T) {
	start := time.Unix(50, 0)
	s := NewSuspension(100*time.Millisecond, time.Second)
	s.Observe(start)
	s.Suspend(start)
	for i := 1; i <= 29; i++ {
		s.Observe(start.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if s.Owed() != 0 {
		t.Fatalf("nothing is owed while suspended, got %d", s.Owed())
	}
	if got := s.Resume(start.Add(3 * time.Second)); got != 30 {
		t.Fatalf("expected 30 frames owed after 3s, got %d", got)
	}
	if got := s.Observe(start.Add(3 * time.Second)); got != 0 {
		t.Fatalf("resume tick must not double count the gap, got %d", got)
	}
	if got := s.Take(12); got != 12 || s.Owed() != 18 {
		t.Fatalf("expected take to cap at 12, got %d with %d left", got, s.Owed())
	}
	s.Repay(2)
	if s.Owed() != 20 || s.Total() != 30 {
		t.Fatalf("unexpected debt after repay: owed=%d total=%d", s.Owed(), s.Total())
	}
}

func TestSuspensionDetectsWallClockGaps(t *testing.T) {
	start := time.Unix(50, 0)
	s := NewSuspension(100*time.Millisecond, 500*time.Millisecond)
	s.Observe(start)
	if got := s.Observe(start.Add(300 * time.Millisecond)); got != 0 {
		t.Fatalf("short jitter must not count as a stall, got %d", got)
	}
	if got := s.Observe(start.Add(2300 * time.Millisecond)); got != 19 {
		t.Fatalf("expected 19 missed frames for a 2s gap, got %d", got)
	}
}

func TestFastForwardRunsFunnelOnce(t *testing.T) {
	steps, funnels := 0, 0
	result, err := FastForward(30, func() (bool, error) {
		steps++
		return true, nil
	}, func() error {
		funnels++
		return nil
	})
	if err != nil {
		t.Fatalf("fast forward: %v", err)
	}
	if result.Advanced != 30 || steps != 30 || funnels != 1 {
		t.Fatalf("expected 30 steps and one funnel, got %+v steps=%d funnels=%d", result, steps, funnels)
	}
}

func TestFastForwardStopsWhenStepDeclines(t *testing.T) {
	steps := 0
	result, err := FastForward(10, func() (bool, error) {
		steps++
		return steps <= 4, nil
	}, func() error { return nil })
	if err != nil || result.Advanced != 4 || result.Owed != 10 {
		t.Fatalf("expected 4 of 10 frames, got %+v err=%v", result, err)
	}

	boom := errors.New("boom")
	_, err = FastForward(3, func() (bool, error) { return true, nil }, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected funnel error to propagate, got %v", err)
	}
}
