// Package codec implements the input redundancy codec: every outgoing
// bundle repeats the sender's last K inputs so that losing any strict
// subset of K consecutive packets still delivers every frame.
package codec

import (
	"sort"

	"duet/peer/internal/input"
	"duet/peer/internal/net/proto"
)

// DefaultRedundancy is the default depth K. With 15% independent loss the
// chance of losing all K copies of a frame is 0.15^10 ≈ 5.8e-9.
const DefaultRedundancy = 10

// Merged describes a remote input that became certain during decode.
type Merged struct {
	Player input.PlayerID
	Frame  input.Frame
	Action input.Action
	// Predicted is set when a predicted placeholder was replaced; Previous
	// then holds the predicted action.
	Predicted bool
	Previous  input.Action
}

// Mispredicted reports whether the replaced placeholder was wrong.
func (m Merged) Mispredicted() bool {
	return m.Predicted && m.Previous != m.Action
}

// EncodeOutgoing bundles the confirmed local input for frame together with
// up to k-1 preceding inputs.
func EncodeOutgoing(frame input.Frame, timeline *input.Timeline, k int) proto.InputBundle {
	if k <= 0 {
		k = DefaultRedundancy
	}
	from := frame - input.Frame(k) + 1
	if from < 0 {
		from = 0
	}
	return proto.InputBundle{
		Player: timeline.Player(),
		Frame:  frame,
		Inputs: timeline.ConfirmedRange(from, frame),
	}
}

// EncodeSince is EncodeOutgoing with the window stretched back to the first
// frame after acked, so inputs the peer never received are resent however
// long the outage. A positive limit caps the bundle at its oldest inputs,
// which close the peer's gap first.
func EncodeSince(frame, acked input.Frame, timeline *input.Timeline, k, limit int) proto.InputBundle {
	bundle := EncodeOutgoing(frame, timeline, k)
	if k <= 0 {
		k = DefaultRedundancy
	}
	from := acked + 1
	if from < 0 {
		from = 0
	}
	if from < frame-input.Frame(k)+1 {
		bundle.Inputs = timeline.ConfirmedRange(from, frame)
	}
	if limit > 0 && len(bundle.Inputs) > limit {
		bundle.Inputs = bundle.Inputs[:limit]
	}
	return bundle
}

// DecodeIncoming merges a bundle into the remote timeline. Confirmed slots
// are never overwritten, so duplicates and any arrival order are safe. It
// returns only the inputs that were not already certain, in frame order.
func DecodeIncoming(bundle proto.InputBundle, timeline *input.Timeline) []Merged {
	if timeline == nil || len(bundle.Inputs) == 0 {
		return nil
	}
	merged := make([]Merged, 0, len(bundle.Inputs))
	for _, in := range bundle.Inputs {
		if in.Frame < 0 {
			continue
		}
		prev, had := timeline.Get(in.Frame)
		if had && prev.Confirmed {
			continue
		}
		timeline.Confirm(in.Frame, in.Action)
		m := Merged{Player: timeline.Player(), Frame: in.Frame, Action: in.Action}
		if had {
			m.Predicted = true
			m.Previous = prev.Action
		}
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Frame < merged[j].Frame })
	return merged
}
