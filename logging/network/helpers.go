package network

import (
	"context"

	"duet/peer/logging"
)

const (
	// EventConnectionStateChanged is emitted when the recovery state machine moves between connection states.
	EventConnectionStateChanged logging.EventType = "network.connection_state_changed"
	// EventRenegotiationFailed is emitted when a transport renegotiation attempt fails.
	EventRenegotiationFailed logging.EventType = "network.renegotiation_failed"
	// EventPeerClosed is emitted when the remote peer announces an explicit shutdown.
	EventPeerClosed logging.EventType = "network.peer_closed"
)

// ConnectionStatePayload captures a connection state transition.
type ConnectionStatePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// RenegotiationPayload captures a failed renegotiation attempt.
type RenegotiationPayload struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	Error       string `json:"error"`
}

// PeerClosedPayload captures the reason the peer gave for leaving.
type PeerClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ConnectionStateChanged publishes a connection transition. Moves into degraded or reconnecting are warnings.
func ConnectionStateChanged(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload ConnectionStatePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if payload.To == "degraded" || payload.To == "reconnecting" {
		severity = logging.SeverityWarn
	}
	event := logging.Event{
		Type:     EventConnectionStateChanged,
		Frame:    frame,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// RenegotiationFailed publishes a warning for a failed renegotiation attempt.
func RenegotiationFailed(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload RenegotiationPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventRenegotiationFailed,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerClosed publishes an info event when the peer says goodbye.
func PeerClosed(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload PeerClosedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerClosed,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
