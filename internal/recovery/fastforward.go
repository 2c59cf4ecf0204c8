package recovery

import (
	"time"
)

// Suspension tracks how many frames the loop owes after the host was
// suspended, either explicitly through focus changes or implicitly through
// a wall-clock gap between ticks.
type Suspension struct {
	tick  time.Duration
	stall time.Duration

	suspended bool
	since     time.Time
	last      time.Time
	owed      int
	total     int
}

// NewSuspension constructs a tracker for the tick duration. Gaps longer
// than stall between observed ticks count as implicit suspensions.
func NewSuspension(tick, stall time.Duration) *Suspension {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	if stall < tick {
		stall = 5 * tick
	}
	return &Suspension{tick: tick, stall: stall}
}

// Suspended reports whether the host is currently backgrounded.
func (s *Suspension) Suspended() bool {
	return s != nil && s.suspended
}

// Suspend marks the host backgrounded at now.
func (s *Suspension) Suspend(now time.Time) {
	if s == nil || s.suspended {
		return
	}
	s.suspended = true
	s.since = now
	s.last = now
}

// Resume ends a suspension and returns the frames it added to the debt.
func (s *Suspension) Resume(now time.Time) int {
	if s == nil || !s.suspended {
		return 0
	}
	s.suspended = false
	frames := s.framesIn(now.Sub(s.since))
	s.owed += frames
	s.total += frames
	s.last = now
	return frames
}

// Observe is called once per tick. Outside a suspension, a gap longer than
// the stall threshold adds the frames the loop missed.
func (s *Suspension) Observe(now time.Time) int {
	if s == nil {
		return 0
	}
	if s.last.IsZero() || s.suspended {
		s.last = now
		return 0
	}
	gap := now.Sub(s.last)
	s.last = now
	if gap <= s.stall {
		return 0
	}
	frames := s.framesIn(gap) - 1
	if frames <= 0 {
		return 0
	}
	s.owed += frames
	s.total += frames
	return frames
}

// Owed reports the outstanding frame debt.
func (s *Suspension) Owed() int {
	if s == nil {
		return 0
	}
	return s.owed
}

// Total reports all frames ever owed.
func (s *Suspension) Total() int {
	if s == nil {
		return 0
	}
	return s.total
}

// Take removes up to max frames from the debt.
func (s *Suspension) Take(max int) int {
	if s == nil || s.owed == 0 {
		return 0
	}
	n := s.owed
	if max > 0 && n > max {
		n = max
	}
	s.owed -= n
	return n
}

// Repay returns frames that could not be advanced to the debt.
func (s *Suspension) Repay(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.owed += n
}

func (s *Suspension) framesIn(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / s.tick)
}

// FastForwardResult summarises one catch-up batch.
type FastForwardResult struct {
	Owed     int
	Advanced int
}

// FastForward advances up to owed frames back to back without yielding,
// then runs the confirmation funnel once. step returns false when the
// frame cannot be advanced right now, leaving the rest owed.
func FastForward(owed int, step func() (bool, error), funnel func() error) (FastForwardResult, error) {
	result := FastForwardResult{Owed: owed}
	for result.Advanced < owed {
		ok, err := step()
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}
		result.Advanced++
	}
	if result.Advanced == 0 {
		return result, nil
	}
	return result, funnel()
}
