package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"duet/peer/internal/input"
)

// ErrNotFound is returned when no artifact is stored for the key.
var ErrNotFound = errors.New("export: artifact not found")

const archiveSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	game_id        TEXT    NOT NULL,
	player_id      TEXT    NOT NULL,
	exported_at    INTEGER NOT NULL,
	total_frames   INTEGER NOT NULL,
	verified_frame INTEGER NOT NULL,
	desync_count   INTEGER NOT NULL,
	body           TEXT    NOT NULL,
	PRIMARY KEY (game_id, player_id)
)`

// Record is the index row of a stored artifact.
type Record struct {
	GameID     string
	PlayerID   input.PlayerID
	ExportedAt time.Time
	Summary    Summary
}

// Archive stores artifacts in SQLite keyed by game and player, so both
// peers' exports of one game can be compared side by side.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the archive database at path.
func OpenArchive(ctx context.Context, path string) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("export: archive path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("export: open archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("export: ping archive: %w", err)
	}
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", archiveSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("export: prepare archive: %w", err)
		}
	}
	return &Archive{db: db}, nil
}

// Close releases the database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Save upserts the artifact.
func (a *Archive) Save(ctx context.Context, artifact Artifact) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("export: archive is not configured")
	}
	if artifact.GameID == "" || artifact.PlayerID == "" {
		return fmt.Errorf("export: game and player ids are required")
	}
	body, err := Encode(artifact)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (game_id, player_id, exported_at, total_frames, verified_frame, desync_count, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(game_id, player_id) DO UPDATE SET
			exported_at = excluded.exported_at,
			total_frames = excluded.total_frames,
			verified_frame = excluded.verified_frame,
			desync_count = excluded.desync_count,
			body = excluded.body`,
		artifact.GameID,
		string(artifact.PlayerID),
		artifact.ExportTimestamp.UnixMilli(),
		artifact.Summary.TotalFrames,
		int64(artifact.Summary.VerifiedFrame),
		artifact.Summary.DesyncCount,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("export: save artifact: %w", err)
	}
	return nil
}

// Load returns the stored artifact.
func (a *Archive) Load(ctx context.Context, gameID string, playerID input.PlayerID) (Artifact, error) {
	if a == nil || a.db == nil {
		return Artifact{}, fmt.Errorf("export: archive is not configured")
	}
	var body string
	err := a.db.QueryRowContext(
		ctx,
		`SELECT body FROM artifacts WHERE game_id = ? AND player_id = ?`,
		gameID,
		string(playerID),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, gameID, playerID)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("export: load artifact: %w", err)
	}
	return Decode([]byte(body))
}

// List returns the index rows for a game ordered by player.
func (a *Archive) List(ctx context.Context, gameID string) ([]Record, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("export: archive is not configured")
	}
	rows, err := a.db.QueryContext(
		ctx,
		`SELECT player_id, exported_at, total_frames, verified_frame, desync_count
		 FROM artifacts WHERE game_id = ? ORDER BY player_id`,
		gameID,
	)
	if err != nil {
		return nil, fmt.Errorf("export: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			player     string
			exportedAt int64
			verified   int64
			rec        Record
		)
		if err := rows.Scan(&player, &exportedAt, &rec.Summary.TotalFrames, &verified, &rec.Summary.DesyncCount); err != nil {
			return nil, fmt.Errorf("export: scan artifact: %w", err)
		}
		rec.GameID = gameID
		rec.PlayerID = input.PlayerID(player)
		rec.ExportedAt = time.UnixMilli(exportedAt).UTC()
		rec.Summary.VerifiedFrame = input.Frame(verified)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: list artifacts: %w", err)
	}
	return out, nil
}
