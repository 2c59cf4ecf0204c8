package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"duet/peer/internal/export"
	"duet/peer/internal/input"
	"duet/peer/internal/latency"
	"duet/peer/internal/recovery"
	"duet/peer/internal/rollback"
	"duet/peer/internal/transport"
	logginglifecycle "duet/peer/logging/lifecycle"
)

// Snapshot is the live view of a session served to diagnostics. It is
// rebuilt at the end of every tick and read without taking the loop lock.
type Snapshot struct {
	SessionID             string                   `json:"sessionId"`
	LocalPlayer           input.PlayerID           `json:"localPlayer"`
	RemotePlayer          input.PlayerID           `json:"remotePlayer"`
	Phase                 Phase                    `json:"phase"`
	Connection            recovery.ConnectionState `json:"connection"`
	Focused               bool                     `json:"focused"`
	Ticks                 uint64                   `json:"ticks"`
	NextFrame             input.Frame              `json:"nextFrame"`
	ConfirmedFrame        input.Frame              `json:"confirmedFrame"`
	VerifiedFrame         input.Frame              `json:"verifiedFrame"`
	CanonicalFrames       int                      `json:"canonicalFrames"`
	SpeculativeFrames     int                      `json:"speculativeFrames"`
	HashesComputed        int                      `json:"hashesComputed"`
	PendingPeerHashes     int                      `json:"pendingPeerHashes"`
	DesyncCount           int                      `json:"desyncCount"`
	OwedFrames            int                      `json:"owedFrames"`
	FastForwardedFrames   int                      `json:"fastForwardedFrames"`
	RenegotiationAttempts int                      `json:"renegotiationAttempts"`
	RejectedEnvelopes     uint64                   `json:"rejectedEnvelopes"`
	LingerTimedOut        bool                     `json:"lingerTimedOut"`
	Engine                rollback.Stats           `json:"engine"`
	Transport             transport.Stats          `json:"transport"`
	Latency               latency.Stats            `json:"latency"`
	Error                 string                   `json:"error,omitempty"`
	UpdatedAt             time.Time                `json:"updatedAt"`
}

// Snapshot returns the view published by the most recent tick.
func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	if snap := s.snapshot.Load(); snap != nil {
		return *snap
	}
	return Snapshot{}
}

// LastSimulated reports the newest simulated frame as of the last tick.
func (s *Session) LastSimulated() input.Frame {
	return s.Snapshot().NextFrame - 1
}

func (s *Session) publishSnapshot(now time.Time) {
	snap := &Snapshot{
		SessionID:             s.cfg.SessionID,
		LocalPlayer:           s.cfg.LocalPlayer,
		RemotePlayer:          s.cfg.RemotePlayer,
		Phase:                 s.phase,
		Connection:            s.recovery.State(),
		Focused:               !s.suspension.Suspended(),
		Ticks:                 s.ticks,
		NextFrame:             s.engine.NextFrame(),
		ConfirmedFrame:        s.pipeline.ConfirmedFrame(),
		VerifiedFrame:         s.validator.VerifiedFrame(),
		CanonicalFrames:       s.pipeline.Canonical().Len(),
		SpeculativeFrames:     s.engine.Pending(),
		HashesComputed:        s.validator.HashesComputed(),
		PendingPeerHashes:     s.validator.PendingPeerHashes(),
		DesyncCount:           len(s.validator.Desyncs()),
		OwedFrames:            s.suspension.Owed(),
		FastForwardedFrames:   s.fastForwarded,
		RenegotiationAttempts: s.recovery.Attempts(),
		RejectedEnvelopes:     s.rejected,
		LingerTimedOut:        s.timedOut,
		Engine:                s.engine.Stats(),
		Transport:             s.deps.Channel.Stats(),
		Latency:               s.sampler.Stats(),
		UpdatedAt:             now,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	s.snapshot.Store(snap)
}

// Export assembles the artifact from the canonical record as it stands.
func (s *Session) Export() export.Artifact {
	if s == nil {
		return export.Artifact{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return export.Assemble(export.Input{
		GameID:         s.cfg.SessionID,
		PlayerID:       s.cfg.LocalPlayer,
		Players:        s.cfg.Players(),
		Now:            s.clock.Now(),
		Canonical:      s.pipeline.Canonical(),
		Hashes:         s.validator.LocalHashes(),
		VerifiedFrame:  s.validator.VerifiedFrame(),
		Desyncs:        s.validator.Desyncs(),
		HashesComputed: s.validator.HashesComputed(),
		Latency:        s.sampler.Stats(),
	})
}

// WriteExport writes the artifact into dir and, when archive is non-nil,
// stores it there too. It returns the file path, or "" when dir is empty.
func (s *Session) WriteExport(ctx context.Context, dir string, archive *export.Archive) (string, error) {
	if s == nil {
		return "", nil
	}
	artifact := s.Export()
	path := ""
	if dir != "" {
		path = filepath.Join(dir, export.FileName(artifact.GameID, artifact.PlayerID))
		if err := export.WriteFile(path, artifact); err != nil {
			return "", fmt.Errorf("session: %w", err)
		}
	}
	if archive != nil {
		if err := archive.Save(ctx, artifact); err != nil {
			return path, fmt.Errorf("session: %w", err)
		}
	}
	logginglifecycle.EpisodeExported(ctx, s.pub, int64(artifact.Summary.VerifiedFrame), s.actor, logginglifecycle.EpisodeExportedPayload{
		Path:          path,
		Archived:      archive != nil,
		TotalFrames:   artifact.Summary.TotalFrames,
		VerifiedFrame: int64(artifact.Summary.VerifiedFrame),
		DesyncCount:   artifact.Summary.DesyncCount,
	}, nil)
	return path, nil
}
