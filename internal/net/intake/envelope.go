// Package intake screens envelopes drained from the peer channel before
// the session applies them.
package intake

import (
	"duet/peer/internal/input"
	"duet/peer/internal/net/proto"
)

const (
	RejectWrongSession    = "wrong_session"
	RejectWrongPlayer     = "wrong_player"
	RejectFrameOutOfRange = "frame_out_of_range"
	RejectOversize        = "oversize"
	RejectUnexpectedKind  = "unexpected_kind"
)

// Context describes what the session accepts from its peer.
type Context struct {
	SessionID    string
	RemotePlayer input.PlayerID
	// MaxBundle bounds the inputs and hashes one envelope may carry.
	MaxBundle int
	// MaxFrame rejects frames beyond the episode. Negative means unbounded.
	MaxFrame input.Frame
}

// Screen reports whether the envelope may be applied and, when it may
// not, a short reason suitable for a metrics key.
func Screen(ctx Context, env proto.Envelope) (bool, string) {
	if ctx.SessionID != "" && env.Session != "" && env.Session != ctx.SessionID {
		return false, RejectWrongSession
	}

	switch env.Kind {
	case proto.KindInputBundle:
		bundle := env.Bundle
		if bundle == nil {
			return false, RejectUnexpectedKind
		}
		if ctx.RemotePlayer != "" && bundle.Player != ctx.RemotePlayer {
			return false, RejectWrongPlayer
		}
		if ctx.MaxBundle > 0 && len(bundle.Inputs) > ctx.MaxBundle {
			return false, RejectOversize
		}
		for _, in := range bundle.Inputs {
			if !inRange(ctx, in.Frame) {
				return false, RejectFrameOutOfRange
			}
		}
		if bundle.Ack != input.NoFrame && !inRange(ctx, bundle.Ack) {
			return false, RejectFrameOutOfRange
		}
	case proto.KindHashReport:
		report := env.Hashes
		if report == nil {
			return false, RejectUnexpectedKind
		}
		if ctx.MaxBundle > 0 && len(report.Hashes) > ctx.MaxBundle {
			return false, RejectOversize
		}
		for _, h := range report.Hashes {
			if !inRange(ctx, h.Frame) {
				return false, RejectFrameOutOfRange
			}
		}
	case proto.KindBye:
	default:
		return false, RejectUnexpectedKind
	}
	return true, ""
}

func inRange(ctx Context, frame input.Frame) bool {
	if frame < 0 {
		return false
	}
	return ctx.MaxFrame < 0 || frame <= ctx.MaxFrame
}
