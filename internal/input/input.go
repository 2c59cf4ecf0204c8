// Package input defines frames, player actions, and the per-player input
// timelines shared by the codec and the rollback engine.
package input

import "sort"

// Frame is a simulation tick counter. Exactly one step happens per frame.
type Frame int64

// NoFrame is the watermark value before any frame qualifies.
const NoFrame Frame = -1

// PlayerID identifies one of the two session participants.
type PlayerID string

// Action is an opaque action value. The engine only compares actions for
// equality and never interprets them.
type Action int

// FrameAction pairs a frame with the action taken on it.
type FrameAction struct {
	Frame  Frame  `json:"frame" cbor:"f"`
	Action Action `json:"action" cbor:"a"`
}

// Slot is a timeline entry. Predicted slots are placeholders that the codec
// may overwrite; confirmed slots are immutable.
type Slot struct {
	Action    Action
	Confirmed bool
}

// Timeline maps frames to one player's actions.
type Timeline struct {
	player PlayerID
	slots  map[Frame]Slot
	low    Frame
	high   Frame
}

// NewTimeline constructs an empty timeline for the player.
func NewTimeline(player PlayerID) *Timeline {
	return &Timeline{
		player: player,
		slots:  make(map[Frame]Slot),
		low:    NoFrame,
		high:   NoFrame,
	}
}

// Player reports the owner of the timeline.
func (t *Timeline) Player() PlayerID {
	if t == nil {
		return ""
	}
	return t.player
}

// Get returns the slot stored for the frame.
func (t *Timeline) Get(frame Frame) (Slot, bool) {
	if t == nil {
		return Slot{}, false
	}
	slot, ok := t.slots[frame]
	return slot, ok
}

// Confirmed returns the certain action for the frame, if known.
func (t *Timeline) Confirmed(frame Frame) (Action, bool) {
	slot, ok := t.Get(frame)
	if !ok || !slot.Confirmed {
		return 0, false
	}
	return slot.Action, true
}

// Confirm records a certain action. It returns the slot that was replaced
// and whether the write happened; confirmed slots are never overwritten.
func (t *Timeline) Confirm(frame Frame, action Action) (Slot, bool) {
	if t == nil || frame < 0 {
		return Slot{}, false
	}
	prev, had := t.slots[frame]
	if had && prev.Confirmed {
		return prev, false
	}
	t.store(frame, Slot{Action: action, Confirmed: true})
	return prev, true
}

// Predict stores a placeholder unless the frame is already confirmed.
func (t *Timeline) Predict(frame Frame, action Action) bool {
	if t == nil || frame < 0 {
		return false
	}
	if prev, had := t.slots[frame]; had && prev.Confirmed {
		return false
	}
	t.store(frame, Slot{Action: action})
	return true
}

// LatestConfirmedBefore returns the most recent confirmed action strictly
// before the frame.
func (t *Timeline) LatestConfirmedBefore(frame Frame) (Action, bool) {
	if t == nil || t.low == NoFrame {
		return 0, false
	}
	start := frame - 1
	if start > t.high {
		start = t.high
	}
	for f := start; f >= t.low; f-- {
		if slot, ok := t.slots[f]; ok && slot.Confirmed {
			return slot.Action, true
		}
	}
	return 0, false
}

// ConfirmedRange lists confirmed actions within [from, to] in frame order.
func (t *Timeline) ConfirmedRange(from, to Frame) []FrameAction {
	if t == nil || from > to {
		return nil
	}
	if from < t.low {
		from = t.low
	}
	if to > t.high {
		to = t.high
	}
	out := make([]FrameAction, 0, max(0, int(to-from+1)))
	for f := from; f <= to; f++ {
		if slot, ok := t.slots[f]; ok && slot.Confirmed {
			out = append(out, FrameAction{Frame: f, Action: slot.Action})
		}
	}
	return out
}

// Prune drops every slot below the frame.
func (t *Timeline) Prune(before Frame) {
	if t == nil || t.low == NoFrame || before <= t.low {
		return
	}
	for f := t.low; f < before && f <= t.high; f++ {
		delete(t.slots, f)
	}
	if len(t.slots) == 0 {
		t.low, t.high = NoFrame, NoFrame
		return
	}
	t.low = before
	for {
		if _, ok := t.slots[t.low]; ok {
			return
		}
		t.low++
	}
}

// Len reports the number of stored slots.
func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.slots)
}

// Frames lists the stored frames in increasing order.
func (t *Timeline) Frames() []Frame {
	if t == nil {
		return nil
	}
	frames := make([]Frame, 0, len(t.slots))
	for f := range t.slots {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	return frames
}

func (t *Timeline) store(frame Frame, slot Slot) {
	t.slots[frame] = slot
	if t.low == NoFrame || frame < t.low {
		t.low = frame
	}
	if frame > t.high {
		t.high = frame
	}
}
