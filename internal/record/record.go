// Package record holds the two frame records of a session: the mutable
// speculative record owned by the rollback engine and the append-only
// canonical record written only by the promotion pipeline.
package record

import (
	"errors"
	"fmt"
	"sort"

	"duet/peer/internal/input"
	"duet/peer/internal/sim"
)

// ErrFrameGap is returned when an append would leave a hole in the
// canonical record. It is a protocol violation.
var ErrFrameGap = errors.New("record: canonical frame gap")

// Entry is the state after simulating Frame plus the metadata of how it
// was produced.
type Entry struct {
	Frame         input.Frame `json:"frame"`
	State         sim.State   `json:"state"`
	Inputs        sim.Inputs  `json:"inputs"`
	WasPredicted  bool        `json:"wasPredicted"`
	RollbackCount int         `json:"rollbackCount"`
}

// Clone deep-copies the entry.
func (e Entry) Clone() Entry {
	e.State = sim.CloneState(e.State)
	e.Inputs = e.Inputs.Clone()
	return e
}

// Speculative maps frames to entries that may still be overwritten.
type Speculative struct {
	entries map[input.Frame]Entry
}

// NewSpeculative constructs an empty speculative record.
func NewSpeculative() *Speculative {
	return &Speculative{entries: make(map[input.Frame]Entry)}
}

// Put stores or overwrites the entry for its frame.
func (s *Speculative) Put(entry Entry) {
	s.entries[entry.Frame] = entry
}

// Get returns the entry for the frame.
func (s *Speculative) Get(frame input.Frame) (Entry, bool) {
	entry, ok := s.entries[frame]
	return entry, ok
}

// Len reports the number of speculative entries.
func (s *Speculative) Len() int {
	return len(s.entries)
}

// TakeThrough removes and returns every entry at or below the frame in
// increasing frame order.
func (s *Speculative) TakeThrough(frame input.Frame) []Entry {
	if len(s.entries) == 0 {
		return nil
	}
	taken := make([]Entry, 0)
	for f, entry := range s.entries {
		if f <= frame {
			taken = append(taken, entry)
			delete(s.entries, f)
		}
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i].Frame < taken[j].Frame })
	return taken
}

// Reader is the read-only view of the canonical record shared with the
// validator and the export assembler.
type Reader interface {
	Len() int
	Last() input.Frame
	At(frame input.Frame) (Entry, bool)
}

// Canonical is the append-only record of finalized frames. Frames are
// stored contiguously from zero, so the slice index is the frame number.
type Canonical struct {
	entries []Entry
}

// NewCanonical constructs an empty canonical record.
func NewCanonical() *Canonical {
	return &Canonical{entries: make([]Entry, 0, 512)}
}

// Append adds the next frame. Anything other than Last()+1 is rejected.
func (c *Canonical) Append(entry Entry) error {
	want := input.Frame(len(c.entries))
	if entry.Frame != want {
		return fmt.Errorf("%w: appending frame %d, expected %d", ErrFrameGap, entry.Frame, want)
	}
	c.entries = append(c.entries, entry.Clone())
	return nil
}

// Len reports the number of canonical frames.
func (c *Canonical) Len() int {
	return len(c.entries)
}

// Last reports the newest canonical frame, or NoFrame when empty.
func (c *Canonical) Last() input.Frame {
	return input.Frame(len(c.entries)) - 1
}

// At returns a copy of the entry for the frame.
func (c *Canonical) At(frame input.Frame) (Entry, bool) {
	if frame < 0 || int(frame) >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[frame].Clone(), true
}

// Window reports the size and frame bounds of the record.
func (c *Canonical) Window() (int, input.Frame, input.Frame) {
	if len(c.entries) == 0 {
		return 0, input.NoFrame, input.NoFrame
	}
	return len(c.entries), c.entries[0].Frame, c.Last()
}

var _ Reader = (*Canonical)(nil)
