package lifecycle

import (
	"context"

	"duet/peer/logging"
)

const (
	// EventSessionStarted is emitted when a session loop starts ticking.
	EventSessionStarted logging.EventType = "lifecycle.session_started"
	// EventEpisodeFlushed is emitted after the end-of-episode promotion flush.
	EventEpisodeFlushed logging.EventType = "lifecycle.episode_flushed"
	// EventEpisodeExported is emitted when the export artifact has been written.
	EventEpisodeExported logging.EventType = "lifecycle.episode_exported"
)

// SessionStartedPayload captures the negotiated session parameters.
type SessionStartedPayload struct {
	Peer            string `json:"peer"`
	TickRate        int    `json:"tickRate"`
	InputDelay      int    `json:"inputDelay"`
	RedundancyDepth int    `json:"redundancyDepth"`
	HashInterval    int    `json:"hashInterval"`
}

// EpisodeFlushedPayload captures the record sizes at the end of an episode.
type EpisodeFlushedPayload struct {
	CanonicalFrames int   `json:"canonicalFrames"`
	ConfirmedFrame  int64 `json:"confirmedFrame"`
	SimulatedFrames int64 `json:"simulatedFrames"`
	TimedOut        bool  `json:"timedOut"`
}

// EpisodeExportedPayload captures where the artifact went.
type EpisodeExportedPayload struct {
	Path          string `json:"path,omitempty"`
	Archived      bool   `json:"archived"`
	TotalFrames   int    `json:"totalFrames"`
	VerifiedFrame int64  `json:"verifiedFrame"`
	DesyncCount   int    `json:"desyncCount"`
}

// SessionStarted publishes a session start event.
func SessionStarted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionStartedPayload, extra map[string]any) {
	publish(ctx, pub, EventSessionStarted, 0, actor, logging.SeverityInfo, payload, extra)
}

// EpisodeFlushed publishes the end-of-episode flush. A timed out flush is a warning because the peers may disagree on trailing frames.
func EpisodeFlushed(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload EpisodeFlushedPayload, extra map[string]any) {
	severity := logging.SeverityInfo
	if payload.TimedOut {
		severity = logging.SeverityWarn
	}
	publish(ctx, pub, EventEpisodeFlushed, frame, actor, severity, payload, extra)
}

// EpisodeExported publishes an export event.
func EpisodeExported(ctx context.Context, pub logging.Publisher, frame int64, actor logging.EntityRef, payload EpisodeExportedPayload, extra map[string]any) {
	publish(ctx, pub, EventEpisodeExported, frame, actor, logging.SeverityInfo, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, kind logging.EventType, frame int64, actor logging.EntityRef, severity logging.Severity, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     kind,
		Frame:    frame,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}
