package simulation

import (
	"context"

	"duet/peer/logging"
)

const (
	// EventRollback is emitted when a misprediction forces re-simulation.
	EventRollback logging.EventType = "simulation.rollback"
	// EventFramesPromoted is emitted when confirmed frames move into the canonical record.
	EventFramesPromoted logging.EventType = "simulation.frames_promoted"
	// EventFastForward is emitted after a catch-up batch completes.
	EventFastForward logging.EventType = "simulation.fast_forward"
	// EventProtocolViolation is emitted when an invariant breach terminates the session.
	EventProtocolViolation logging.EventType = "simulation.protocol_violation"
	// EventTickBudgetOverrun is emitted when the session loop exceeds the allotted tick budget.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
)

// RollbackPayload captures a single rollback.
type RollbackPayload struct {
	FromFrame int64 `json:"fromFrame"`
	ToFrame   int64 `json:"toFrame"`
	Depth     int   `json:"depth"`
}

// Rollback publishes a debug event for a rollback.
func Rollback(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload RollbackPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventRollback,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PromotionPayload captures one promotion pass.
type PromotionPayload struct {
	Cause          string `json:"cause"`
	FirstFrame     int64  `json:"firstFrame"`
	LastFrame      int64  `json:"lastFrame"`
	ConfirmedFrame int64  `json:"confirmedFrame"`
}

// FramesPromoted publishes a debug event for a promotion pass that moved frames.
func FramesPromoted(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload PromotionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityDebug
	if payload.Cause != "tick" {
		severity = logging.SeverityInfo
	}
	event := logging.Event{
		Type:     EventFramesPromoted,
		Frame:    frame,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// FastForwardPayload captures a catch-up batch.
type FastForwardPayload struct {
	Owed           int   `json:"owed"`
	Advanced       int   `json:"advanced"`
	Remaining      int   `json:"remaining"`
	ConfirmedFrame int64 `json:"confirmedFrame"`
}

// FastForward publishes an info event after a catch-up batch.
func FastForward(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload FastForwardPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventFastForward,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ProtocolViolationPayload carries the diagnostic for a fatal invariant breach.
type ProtocolViolationPayload struct {
	Error string `json:"error"`
}

// ProtocolViolation publishes an error event before the session terminates.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload ProtocolViolationPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventProtocolViolation,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
}

// TickBudgetOverrun publishes a warning when a tick exceeds the configured budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, frame int64, payload TickBudgetOverrunPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventTickBudgetOverrun,
		Frame:    frame,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
