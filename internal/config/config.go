// Package config loads the peer process configuration from an optional
// YAML file and DUET_-prefixed environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"duet/peer/internal/input"
	"duet/peer/internal/latency"
	"duet/peer/internal/net/ws"
	"duet/peer/internal/observability"
	"duet/peer/internal/recovery"
	"duet/peer/internal/session"
	"duet/peer/internal/sim"
	"duet/peer/logging"
)

// EnvPrefix namespaces every environment variable.
const EnvPrefix = "DUET_"

type Config struct {
	SessionID    string `yaml:"sessionId" env:"SESSION_ID"`
	LocalPlayer  string `yaml:"localPlayer" env:"LOCAL_PLAYER"`
	RemotePlayer string `yaml:"remotePlayer" env:"REMOTE_PLAYER"`
	Listen       string `yaml:"listen" env:"LISTEN"`
	// PeerURL makes this process the dialing side. When empty it waits for
	// the peer on /peer.
	PeerURL string `yaml:"peerUrl" env:"PEER_URL"`

	Session       SessionConfig       `yaml:"session" envPrefix:"SESSION_"`
	Recovery      RecoveryConfig      `yaml:"recovery" envPrefix:"RECOVERY_"`
	Latency       LatencyConfig       `yaml:"latency" envPrefix:"LATENCY_"`
	Transport     TransportConfig     `yaml:"transport" envPrefix:"TRANSPORT_"`
	Export        ExportConfig        `yaml:"export" envPrefix:"EXPORT_"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"LOG_"`
	Demo          DemoConfig          `yaml:"demo" envPrefix:"DEMO_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

type SessionConfig struct {
	TickRate          int           `yaml:"tickRate" env:"TICK_RATE"`
	InputDelay        int           `yaml:"inputDelay" env:"INPUT_DELAY"`
	Redundancy        int           `yaml:"redundancy" env:"REDUNDANCY"`
	MaxRollbackFrames int           `yaml:"maxRollbackFrames" env:"MAX_ROLLBACK_FRAMES"`
	HashInterval      int           `yaml:"hashInterval" env:"HASH_INTERVAL"`
	MaxStateDumps     int           `yaml:"maxStateDumps" env:"MAX_STATE_DUMPS"`
	EpisodeFrames     int           `yaml:"episodeFrames" env:"EPISODE_FRAMES"`
	CatchupMaxFrames  int           `yaml:"catchupMaxFrames" env:"CATCHUP_MAX_FRAMES"`
	StallThreshold    time.Duration `yaml:"stallThreshold" env:"STALL_THRESHOLD"`
	LingerTimeout     time.Duration `yaml:"lingerTimeout" env:"LINGER_TIMEOUT"`
	LingerTicks       int           `yaml:"lingerTicks" env:"LINGER_TICKS"`
}

type RecoveryConfig struct {
	HeartbeatTimeout   time.Duration `yaml:"heartbeatTimeout" env:"HEARTBEAT_TIMEOUT"`
	DegradedRTT        time.Duration `yaml:"degradedRtt" env:"DEGRADED_RTT"`
	HardFailureTimeout time.Duration `yaml:"hardFailureTimeout" env:"HARD_FAILURE_TIMEOUT"`
	ConnectTimeout     time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	MaxAttempts        int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	AttemptInterval    time.Duration `yaml:"attemptInterval" env:"ATTEMPT_INTERVAL"`
	RenegotiateTimeout time.Duration `yaml:"renegotiateTimeout" env:"RENEGOTIATE_TIMEOUT"`
}

type LatencyConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Capacity int           `yaml:"capacity" env:"CAPACITY"`
}

type TransportConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	InboxCapacity     int           `yaml:"inboxCapacity" env:"INBOX_CAPACITY"`
	DialTimeout       time.Duration `yaml:"dialTimeout" env:"DIAL_TIMEOUT"`
}

type ExportConfig struct {
	Dir         string `yaml:"dir" env:"DIR"`
	ArchivePath string `yaml:"archivePath" env:"ARCHIVE_PATH"`
}

type LoggingConfig struct {
	Sinks       []string `yaml:"sinks" env:"SINKS" envSeparator:","`
	MinSeverity string   `yaml:"minSeverity" env:"MIN_SEVERITY"`
	JSONPath    string   `yaml:"jsonPath" env:"JSON_PATH"`
	Color       bool     `yaml:"color" env:"COLOR"`
}

// DemoConfig sizes the reference arena and the scripted local player the
// peer binary runs when no host simulation is embedded.
type DemoConfig struct {
	ArenaWidth  int    `yaml:"arenaWidth" env:"ARENA_WIDTH"`
	ArenaHeight int    `yaml:"arenaHeight" env:"ARENA_HEIGHT"`
	ArenaSeed   uint64 `yaml:"arenaSeed" env:"ARENA_SEED"`
	InputSeed   uint64 `yaml:"inputSeed" env:"INPUT_SEED"`
	InputHold   int    `yaml:"inputHold" env:"INPUT_HOLD"`
}

type ObservabilityConfig struct {
	EnablePprof bool `yaml:"enablePprof" env:"ENABLE_PPROF"`
}

// Default returns the built-in configuration.
func Default() Config {
	sessionDefaults := session.DefaultConfig()
	recoveryDefaults := recovery.DefaultConfig()
	latencyDefaults := latency.DefaultConfig()
	return Config{
		LocalPlayer:  "p1",
		RemotePlayer: "p2",
		Listen:       ":8080",
		Session: SessionConfig{
			TickRate:          sessionDefaults.TickRate,
			InputDelay:        sessionDefaults.InputDelay,
			Redundancy:        sessionDefaults.Redundancy,
			MaxRollbackFrames: sessionDefaults.MaxRollbackFrames,
			HashInterval:      sessionDefaults.HashInterval,
			MaxStateDumps:     sessionDefaults.MaxStateDumps,
			EpisodeFrames:     sessionDefaults.EpisodeFrames,
			CatchupMaxFrames:  sessionDefaults.CatchupMaxFrames,
			LingerTimeout:     sessionDefaults.LingerTimeout,
			LingerTicks:       sessionDefaults.LingerTicks,
		},
		Recovery: RecoveryConfig{
			HeartbeatTimeout:   recoveryDefaults.HeartbeatTimeout,
			DegradedRTT:        recoveryDefaults.DegradedRTT,
			HardFailureTimeout: recoveryDefaults.HardFailureTimeout,
			ConnectTimeout:     recoveryDefaults.ConnectTimeout,
			MaxAttempts:        recoveryDefaults.MaxAttempts,
			AttemptInterval:    recoveryDefaults.AttemptInterval,
			RenegotiateTimeout: recoveryDefaults.RenegotiateTimeout,
		},
		Latency: LatencyConfig{
			Interval: latencyDefaults.Interval,
			Capacity: latencyDefaults.Capacity,
		},
		Transport: TransportConfig{
			HeartbeatInterval: time.Second,
			InboxCapacity:     1024,
			DialTimeout:       10 * time.Second,
		},
		Export: ExportConfig{Dir: "exports"},
		Logging: LoggingConfig{
			Sinks:       []string{"console"},
			MinSeverity: "info",
		},
		Demo: DemoConfig{
			ArenaWidth:  32,
			ArenaHeight: 18,
			ArenaSeed:   1,
			InputHold:   5,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies the
// process environment.
func Load(path string) (Config, error) {
	return LoadWith(path, nil)
}

// LoadWith is Load with an explicit environment. A nil environment reads
// the process environment.
func LoadWith(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		if cfg.PeerURL != "" {
			return Config{}, errors.New("config: sessionId is required when dialing a peer")
		}
		cfg.SessionID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the process cannot start without and the
// session parameters.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" && c.PeerURL == "" {
		errs = append(errs, errors.New("either listen or peerUrl is required"))
	}
	if _, err := logging.ParseSeverity(c.Logging.MinSeverity); err != nil {
		errs = append(errs, err)
	}
	for _, sink := range c.Logging.Sinks {
		switch sink {
		case "console", "json":
		default:
			errs = append(errs, fmt.Errorf("unknown log sink %q", sink))
		}
	}
	if c.Demo.ArenaWidth <= 0 || c.Demo.ArenaHeight <= 0 {
		errs = append(errs, fmt.Errorf("arena must have positive dimensions, got %dx%d", c.Demo.ArenaWidth, c.Demo.ArenaHeight))
	}
	if err := c.SessionConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SessionConfig maps onto the session package.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		SessionID:         c.SessionID,
		LocalPlayer:       input.PlayerID(c.LocalPlayer),
		RemotePlayer:      input.PlayerID(c.RemotePlayer),
		TickRate:          c.Session.TickRate,
		InputDelay:        c.Session.InputDelay,
		Redundancy:        c.Session.Redundancy,
		MaxRollbackFrames: c.Session.MaxRollbackFrames,
		HashInterval:      c.Session.HashInterval,
		MaxStateDumps:     c.Session.MaxStateDumps,
		EpisodeFrames:     c.Session.EpisodeFrames,
		CatchupMaxFrames:  c.Session.CatchupMaxFrames,
		StallThreshold:    c.Session.StallThreshold,
		LingerTimeout:     c.Session.LingerTimeout,
		LingerTicks:       c.Session.LingerTicks,
		DefaultAction:     sim.ActionIdle,
		Recovery: recovery.Config{
			HeartbeatTimeout:   c.Recovery.HeartbeatTimeout,
			DegradedRTT:        c.Recovery.DegradedRTT,
			HardFailureTimeout: c.Recovery.HardFailureTimeout,
			ConnectTimeout:     c.Recovery.ConnectTimeout,
			MaxAttempts:        c.Recovery.MaxAttempts,
			AttemptInterval:    c.Recovery.AttemptInterval,
			RenegotiateTimeout: c.Recovery.RenegotiateTimeout,
		},
		Latency: latency.Config{
			Interval: c.Latency.Interval,
			Capacity: c.Latency.Capacity,
		},
	}
}

// WSConfig maps onto the websocket channel. The URL carries the session
// and the local player so the accepting side can route the connection.
func (c Config) WSConfig() ws.Config {
	cfg := ws.Config{
		HeartbeatInterval: c.Transport.HeartbeatInterval,
		InboxCapacity:     c.Transport.InboxCapacity,
	}
	if c.PeerURL != "" {
		sep := "?"
		if strings.Contains(c.PeerURL, "?") {
			sep = "&"
		}
		cfg.URL = c.PeerURL + sep + "session=" + c.SessionID + "&peer=" + c.LocalPlayer
	}
	return cfg
}

// LoggingConfig maps onto the logging router.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = append([]string(nil), c.Logging.Sinks...)
	if severity, err := logging.ParseSeverity(c.Logging.MinSeverity); err == nil {
		cfg.MinimumSeverity = severity
	}
	cfg.JSON.FilePath = c.Logging.JSONPath
	cfg.Console.UseColor = c.Logging.Color
	cfg.Fields = map[string]any{"player": c.LocalPlayer}
	return cfg
}

// ObservabilityConfig maps onto the HTTP surface toggles.
func (c Config) ObservabilityConfig() observability.Config {
	return observability.Config{EnablePprof: c.Observability.EnablePprof}
}
