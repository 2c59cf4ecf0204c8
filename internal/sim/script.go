package sim

import "duet/peer/internal/input"

// RandomWalk produces a deterministic pseudo-random arena action for each
// frame, standing in for a human player in the demo and in tests. The
// same seed always yields the same action for the same frame.
type RandomWalk struct {
	Seed uint64
	// Hold repeats each chosen action for this many frames, so prediction
	// by repetition is right most of the time.
	Hold int
}

// Action implements the session input source contract.
func (w RandomWalk) Action(frame input.Frame) input.Action {
	hold := w.Hold
	if hold <= 0 {
		hold = 1
	}
	bucket := uint64(frame) / uint64(hold)
	x := xorshift((w.Seed | 1) ^ (bucket*0x9e3779b97f4a7c15 + 1))
	return input.Action(x % uint64(ActionCount))
}
