package consistency

import (
	"context"

	"duet/peer/logging"
)

const (
	// EventDesync is emitted when local and peer hashes disagree for a frame.
	EventDesync logging.EventType = "consistency.desync"
)

// DesyncPayload mirrors the recorded desync event.
type DesyncPayload struct {
	LocalHash     string `json:"localHash"`
	PeerHash      string `json:"peerHash"`
	VerifiedFrame int64  `json:"verifiedFrame"`
	HasStateDump  bool   `json:"hasStateDump"`
}

// Desync publishes a warning for a hash mismatch. The session keeps running.
func Desync(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload DesyncPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDesync,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryConsistency,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
