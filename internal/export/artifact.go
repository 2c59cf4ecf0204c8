// Package export assembles the per-episode research artifact from the
// canonical record and persists it.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"duet/peer/internal/input"
	"duet/peer/internal/latency"
	"duet/peer/internal/net/proto"
	"duet/peer/internal/record"
	"duet/peer/internal/validate"
)

// Summary holds the headline counts of an episode.
type Summary struct {
	TotalFrames    int         `json:"totalFrames"`
	VerifiedFrame  input.Frame `json:"verifiedFrame"`
	DesyncCount    int         `json:"desyncCount"`
	HashesComputed int         `json:"hashesComputed"`
}

// Artifact is the exported document. Field names are the contract with the
// offline comparison tooling.
type Artifact struct {
	GameID          string                                 `json:"gameId"`
	PlayerID        input.PlayerID                         `json:"playerId"`
	ExportTimestamp time.Time                              `json:"exportTimestamp"`
	Summary         Summary                                `json:"summary"`
	ConfirmedHashes []proto.FrameHash                      `json:"confirmedHashes"`
	VerifiedActions map[input.PlayerID][]input.FrameAction `json:"verifiedActions"`
	DesyncEvents    []validate.DesyncEvent                 `json:"desyncEvents"`
	Latency         latency.Stats                          `json:"latency"`
}

// Input gathers everything the assembler reads.
type Input struct {
	GameID         string
	PlayerID       input.PlayerID
	Players        []input.PlayerID
	Now            time.Time
	Canonical      record.Reader
	Hashes         []proto.FrameHash
	VerifiedFrame  input.Frame
	Desyncs        []validate.DesyncEvent
	HashesComputed int
	Latency        latency.Stats
}

// Assemble builds the artifact from canonical data only. Hashes for frames
// outside the canonical record and actions past the verified frame are
// never included.
func Assemble(in Input) Artifact {
	total := 0
	last := input.NoFrame
	if in.Canonical != nil {
		total = in.Canonical.Len()
		last = in.Canonical.Last()
	}

	hashes := make([]proto.FrameHash, 0, len(in.Hashes))
	for _, h := range in.Hashes {
		if h.Frame >= 0 && h.Frame <= last {
			hashes = append(hashes, h)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Frame < hashes[j].Frame })

	verified := in.VerifiedFrame
	if verified > last {
		verified = last
	}
	actions := make(map[input.PlayerID][]input.FrameAction, len(in.Players))
	for _, player := range in.Players {
		actions[player] = make([]input.FrameAction, 0, max(0, int(verified)+1))
	}
	for f := input.Frame(0); f <= verified; f++ {
		entry, ok := in.Canonical.At(f)
		if !ok {
			break
		}
		for _, player := range in.Players {
			if action, ok := entry.Inputs[player]; ok {
				actions[player] = append(actions[player], input.FrameAction{Frame: f, Action: action})
			}
		}
	}

	desyncs := make([]validate.DesyncEvent, 0, len(in.Desyncs))
	for _, event := range in.Desyncs {
		event.StateDump = nil
		desyncs = append(desyncs, event)
	}

	return Artifact{
		GameID:          in.GameID,
		PlayerID:        in.PlayerID,
		ExportTimestamp: in.Now.UTC(),
		Summary: Summary{
			TotalFrames:    total,
			VerifiedFrame:  verified,
			DesyncCount:    len(desyncs),
			HashesComputed: in.HashesComputed,
		},
		ConfirmedHashes: hashes,
		VerifiedActions: actions,
		DesyncEvents:    desyncs,
		Latency:         in.Latency,
	}
}

// Encode renders the artifact as indented JSON.
func Encode(artifact Artifact) ([]byte, error) {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode: %w", err)
	}
	return data, nil
}

// Decode parses an artifact.
func Decode(data []byte) (Artifact, error) {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("export: decode: %w", err)
	}
	return artifact, nil
}

// FileName is the conventional artifact name for a player in a game.
func FileName(gameID string, playerID input.PlayerID) string {
	return fmt.Sprintf("%s_%s.json", gameID, playerID)
}

// WriteFile writes the artifact atomically: a temporary file in the same
// directory is renamed over the target.
func WriteFile(path string, artifact Artifact) error {
	data, err := Encode(artifact)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("export: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.json")
	if err != nil {
		return fmt.Errorf("export: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("export: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("export: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("export: rename: %w", err)
	}
	return nil
}
