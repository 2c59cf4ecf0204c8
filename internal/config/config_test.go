package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"duet/peer/internal/input"
	"duet/peer/logging"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsGenerateSessionID(t *testing.T) {
	cfg, err := LoadWith("", map[string]string{})
	require.NoError(t, err)
	_, err = uuid.Parse(cfg.SessionID)
	require.NoError(t, err)
	require.Equal(t, "p1", cfg.LocalPlayer)
	require.Equal(t, 10, cfg.Session.TickRate)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := writeFile(t, `
sessionId: match-7
localPlayer: left
remotePlayer: right
session:
  tickRate: 30
  inputDelay: 3
  lingerTimeout: 4s
logging:
  sinks: [console, json]
  minSeverity: debug
`)
	cfg, err := LoadWith(path, map[string]string{
		"DUET_SESSION_INPUT_DELAY": "5",
		"DUET_PEER_URL":            "ws://127.0.0.1:9000/peer",
	})
	require.NoError(t, err)
	require.Equal(t, "match-7", cfg.SessionID)
	require.Equal(t, 30, cfg.Session.TickRate)
	require.Equal(t, 5, cfg.Session.InputDelay)
	require.Equal(t, 4*time.Second, cfg.Session.LingerTimeout)
	require.Equal(t, []string{"console", "json"}, cfg.Logging.Sinks)

	sess := cfg.SessionConfig()
	require.Equal(t, input.PlayerID("left"), sess.LocalPlayer)
	require.Equal(t, input.PlayerID("right"), sess.RemotePlayer)
	require.Equal(t, 5, sess.InputDelay)

	ws := cfg.WSConfig()
	require.Equal(t, "ws://127.0.0.1:9000/peer?session=match-7&peer=left", ws.URL)

	logCfg := cfg.LoggingConfig()
	require.Equal(t, logging.SeverityDebug, logCfg.MinimumSeverity)
	require.True(t, logCfg.HasSink("json"))
}

func TestEnvironmentListSeparator(t *testing.T) {
	cfg, err := LoadWith("", map[string]string{"DUET_LOG_SINKS": "json,console"})
	require.NoError(t, err)
	require.Equal(t, []string{"json", "console"}, cfg.Logging.Sinks)
}

func TestWSConfigWithoutPeerAccepts(t *testing.T) {
	cfg := Default()
	cfg.SessionID = "s"
	require.Empty(t, cfg.WSConfig().URL)
}

func TestWSConfigAppendsToExistingQuery(t *testing.T) {
	cfg := Default()
	cfg.SessionID = "s"
	cfg.PeerURL = "ws://host/peer?token=x"
	require.Equal(t, "ws://host/peer?token=x&session=s&peer=p1", cfg.WSConfig().URL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"same players":  {"DUET_REMOTE_PLAYER": "p1"},
		"bad severity":  {"DUET_LOG_MIN_SEVERITY": "loud"},
		"unknown sink":  {"DUET_LOG_SINKS": "syslog"},
		"flat arena":    {"DUET_DEMO_ARENA_WIDTH": "0"},
		"zero tickrate": {"DUET_SESSION_TICK_RATE": "0"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWith("", environ)
			require.Error(t, err)
		})
	}
}

func TestLoadMalformedEnvironment(t *testing.T) {
	_, err := LoadWith("", map[string]string{"DUET_SESSION_TICK_RATE": "fast"})
	require.ErrorContains(t, err, "parse env")
}

func TestLoadDialingRequiresSessionID(t *testing.T) {
	_, err := LoadWith("", map[string]string{"DUET_PEER_URL": "ws://host/peer"})
	require.ErrorContains(t, err, "sessionId is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadWith(filepath.Join(t.TempDir(), "absent.yaml"), map[string]string{})
	require.Error(t, err)
}
