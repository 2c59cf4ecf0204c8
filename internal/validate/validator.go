// Package validate hashes canonical state at a fixed cadence, exchanges
// the hashes with the peer, and records desyncs without stopping the
// session.
package validate

import (
	"sort"
	"time"

	"duet/peer/internal/codec"
	"duet/peer/internal/input"
	"duet/peer/internal/net/proto"
	"duet/peer/internal/record"
	"duet/peer/internal/sim"
)

// Config tunes hashing cadence and report size.
type Config struct {
	// Interval hashes every Interval-th canonical frame.
	Interval int
	// MaxStateDumps bounds how many desync events carry the full state.
	MaxStateDumps int
	// Redundancy is how many recent hashes every report repeats.
	Redundancy int
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{Interval: 10, MaxStateDumps: 3, Redundancy: codec.DefaultRedundancy}
}

// DesyncEvent records a frame whose local and peer hashes disagree.
type DesyncEvent struct {
	Frame                    input.Frame `json:"frame"`
	LocalHash                string      `json:"ourHash"`
	PeerHash                 string      `json:"peerHash"`
	Timestamp                time.Time   `json:"timestamp"`
	VerifiedFrameAtDetection input.Frame `json:"verifiedFrameAtDesync"`
	HasFullStateDump         bool        `json:"hasStateDump"`
	StateDump                sim.State   `json:"-"`
}

// Validator compares local canonical hashes against the peer's.
type Validator struct {
	cfg       Config
	canonical record.Reader
	now       func() time.Time

	local      map[input.Frame]string
	localOrder []input.Frame
	peer       map[input.Frame]string
	compared   map[input.Frame]bool

	desyncs  []DesyncEvent
	dumps    int
	verified input.Frame

	sealed    bool
	final     input.Frame
	peerDone  bool
	peerFinal input.Frame
}

// New constructs a validator reading states from the canonical record.
func New(cfg Config, canonical record.Reader, now func() time.Time) *Validator {
	if cfg.Interval <= 0 {
		cfg.Interval = 1
	}
	if cfg.Redundancy <= 0 {
		cfg.Redundancy = codec.DefaultRedundancy
	}
	if cfg.MaxStateDumps < 0 {
		cfg.MaxStateDumps = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{
		cfg:       cfg,
		canonical: canonical,
		now:       now,
		local:     make(map[input.Frame]string),
		peer:      make(map[input.Frame]string),
		compared:  make(map[input.Frame]bool),
		verified:  input.NoFrame,
		final:     input.NoFrame,
		peerFinal: input.NoFrame,
	}
}

// ObservePromoted hashes the newly promoted entries that fall on the
// cadence and returns any desyncs against peer hashes already received.
func (v *Validator) ObservePromoted(entries []record.Entry) []DesyncEvent {
	if v == nil {
		return nil
	}
	var events []DesyncEvent
	for _, entry := range entries {
		if int64(entry.Frame)%int64(v.cfg.Interval) != 0 {
			continue
		}
		if event, ok := v.hash(entry.Frame, entry.State); ok {
			events = append(events, event)
		}
	}
	return events
}

// SealFinal hashes the final frame of the episode regardless of cadence
// and marks outgoing reports as done. The frame must be canonical.
func (v *Validator) SealFinal(frame input.Frame) []DesyncEvent {
	if v == nil || v.sealed {
		return nil
	}
	v.sealed = true
	v.final = frame
	if _, ok := v.local[frame]; ok || v.canonical == nil {
		return nil
	}
	entry, ok := v.canonical.At(frame)
	if !ok {
		return nil
	}
	if event, ok := v.hash(frame, entry.State); ok {
		return []DesyncEvent{event}
	}
	return nil
}

// Sealed reports whether the final frame has been hashed.
func (v *Validator) Sealed() bool {
	return v != nil && v.sealed
}

// OnPeerHashes merges a peer report. The first hash received for a frame
// wins; repeats are ignored.
func (v *Validator) OnPeerHashes(report proto.HashReport) []DesyncEvent {
	if v == nil {
		return nil
	}
	var events []DesyncEvent
	for _, h := range report.Hashes {
		if h.Frame < 0 {
			continue
		}
		if _, seen := v.peer[h.Frame]; seen {
			continue
		}
		v.peer[h.Frame] = h.Hash
		if event, ok := v.compare(h.Frame); ok {
			events = append(events, event)
		}
	}
	if report.Done {
		v.peerDone = true
		for _, h := range report.Hashes {
			if h.Frame > v.peerFinal {
				v.peerFinal = h.Frame
			}
		}
	}
	return events
}

// PeerDone reports whether the peer has sealed its final frame.
func (v *Validator) PeerDone() bool {
	return v != nil && v.peerDone
}

// PeerFinalFrame is the final frame the peer hashed, or NoFrame.
func (v *Validator) PeerFinalFrame() input.Frame {
	if v == nil {
		return input.NoFrame
	}
	return v.peerFinal
}

// Report builds the outgoing hash report with the most recent hashes.
func (v *Validator) Report() proto.HashReport {
	if v == nil {
		return proto.HashReport{}
	}
	start := len(v.localOrder) - v.cfg.Redundancy
	if start < 0 {
		start = 0
	}
	hashes := make([]proto.FrameHash, 0, len(v.localOrder)-start)
	for _, f := range v.localOrder[start:] {
		hashes = append(hashes, proto.FrameHash{Frame: f, Hash: v.local[f]})
	}
	return proto.HashReport{Hashes: hashes, Done: v.sealed}
}

// VerifiedFrame is the highest frame whose hashes matched on both peers.
func (v *Validator) VerifiedFrame() input.Frame {
	if v == nil {
		return input.NoFrame
	}
	return v.verified
}

// Desyncs returns the recorded events in detection order.
func (v *Validator) Desyncs() []DesyncEvent {
	if v == nil {
		return nil
	}
	out := make([]DesyncEvent, len(v.desyncs))
	copy(out, v.desyncs)
	return out
}

// LocalHashes lists the local hash history sorted by frame.
func (v *Validator) LocalHashes() []proto.FrameHash {
	if v == nil {
		return nil
	}
	out := make([]proto.FrameHash, 0, len(v.localOrder))
	for _, f := range v.localOrder {
		out = append(out, proto.FrameHash{Frame: f, Hash: v.local[f]})
	}
	return out
}

// HashesComputed is the number of local hashes.
func (v *Validator) HashesComputed() int {
	if v == nil {
		return 0
	}
	return len(v.localOrder)
}

// PendingPeerHashes counts peer hashes still waiting for a local hash.
func (v *Validator) PendingPeerHashes() int {
	if v == nil {
		return 0
	}
	pending := 0
	for f := range v.peer {
		if !v.compared[f] {
			pending++
		}
	}
	return pending
}

func (v *Validator) hash(frame input.Frame, state sim.State) (DesyncEvent, bool) {
	if _, ok := v.local[frame]; ok {
		return DesyncEvent{}, false
	}
	v.local[frame] = Digest(state)
	if n := len(v.localOrder); n > 0 && v.localOrder[n-1] > frame {
		idx := sort.Search(n, func(i int) bool { return v.localOrder[i] > frame })
		v.localOrder = append(v.localOrder, 0)
		copy(v.localOrder[idx+1:], v.localOrder[idx:])
		v.localOrder[idx] = frame
	} else {
		v.localOrder = append(v.localOrder, frame)
	}
	return v.compare(frame)
}

func (v *Validator) compare(frame input.Frame) (DesyncEvent, bool) {
	if v.compared[frame] {
		return DesyncEvent{}, false
	}
	local, ok := v.local[frame]
	if !ok {
		return DesyncEvent{}, false
	}
	peer, ok := v.peer[frame]
	if !ok {
		return DesyncEvent{}, false
	}
	v.compared[frame] = true
	if local == peer {
		if frame > v.verified {
			v.verified = frame
		}
		return DesyncEvent{}, false
	}

	event := DesyncEvent{
		Frame:                    frame,
		LocalHash:                local,
		PeerHash:                 peer,
		Timestamp:                v.now(),
		VerifiedFrameAtDetection: v.verified,
	}
	if v.dumps < v.cfg.MaxStateDumps && v.canonical != nil {
		if entry, ok := v.canonical.At(frame); ok {
			event.StateDump = entry.State
			event.HasFullStateDump = true
			v.dumps++
		}
	}
	v.desyncs = append(v.desyncs, event)
	return event, true
}
