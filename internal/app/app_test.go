package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duet/peer/internal/config"
	"duet/peer/internal/export"
	"duet/peer/internal/input"
	"duet/peer/internal/session"
	"duet/peer/internal/sim"
	"duet/peer/internal/telemetry"
	"duet/peer/internal/transport"
	"duet/peer/logging"
)

func newTestSession(t *testing.T, id string) *session.Session {
	t.Helper()
	end, _ := transport.Pipe(transport.LinkConfig{})
	cfg := session.DefaultConfig()
	cfg.SessionID = id
	cfg.LocalPlayer = "p1"
	cfg.RemotePlayer = "p2"
	arena, err := sim.NewArena(sim.ArenaConfig{Width: 8, Height: 8, Seed: 3, Players: []input.PlayerID{"p1", "p2"}})
	require.NoError(t, err)
	sess, err := session.New(cfg, session.Deps{
		Channel:    end,
		Simulation: arena,
		Input:      sim.RandomWalk{Seed: 1, Hold: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestDirectoryListsSessionsInOrder(t *testing.T) {
	first := newTestSession(t, "alpha")
	second := newTestSession(t, "beta")
	require.NoError(t, first.Tick(time.Now()))
	require.NoError(t, second.Tick(time.Now()))

	dir := newDirectory(first, nil, second)
	snaps := dir.Snapshots()
	require.Len(t, snaps, 2)
	require.Equal(t, "alpha", snaps[0].SessionID)
	require.Equal(t, "beta", snaps[1].SessionID)

	artifact, ok := dir.Export("beta")
	require.True(t, ok)
	require.Equal(t, "beta", artifact.GameID)
	require.Equal(t, input.PlayerID("p1"), artifact.PlayerID)

	_, ok = dir.Export("gamma")
	require.False(t, ok)
}

func TestEmptyDirectory(t *testing.T) {
	dir := newDirectory()
	require.NotNil(t, dir.Snapshots())
	require.Empty(t, dir.Snapshots())
}

func TestWriteExportStoresFileAndArchive(t *testing.T) {
	sess := newTestSession(t, "export-me")
	require.NoError(t, sess.Tick(time.Now()))

	root := t.TempDir()
	cfg := config.ExportConfig{
		Dir:         filepath.Join(root, "exports"),
		ArchivePath: filepath.Join(root, "archive.db"),
	}
	require.NoError(t, writeExport(cfg, sess, telemetry.LoggerFunc(t.Logf)))

	data, err := os.ReadFile(filepath.Join(cfg.Dir, "export-me_p1.json"))
	require.NoError(t, err)
	artifact, err := export.Decode(data)
	require.NoError(t, err)
	require.Equal(t, "export-me", artifact.GameID)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	archive, err := export.OpenArchive(ctx, cfg.ArchivePath)
	require.NoError(t, err)
	defer archive.Close()
	stored, err := archive.Load(ctx, "export-me", "p1")
	require.NoError(t, err)
	require.Equal(t, artifact.Summary, stored.Summary)
}

func TestBuildSinksHonoursJSONFile(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"console", "json"}
	cfg.JSON.FilePath = filepath.Join(t.TempDir(), "logs", "peer.jsonl")

	sinks, closeFn, err := buildSinks(cfg, os.Stdout)
	require.NoError(t, err)
	defer closeFn()

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"console", "json"}, names)
	_, err = os.Stat(cfg.JSON.FilePath)
	require.NoError(t, err)
}

func TestBuildSinksConsoleOnly(t *testing.T) {
	sinks, closeFn, err := buildSinks(logging.DefaultConfig(), os.Stdout)
	require.NoError(t, err)
	defer closeFn()
	require.Len(t, sinks, 1)
	require.Equal(t, "console", sinks[0].Name)
}
