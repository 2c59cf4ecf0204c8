package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"duet/peer/internal/config"
	"duet/peer/internal/export"
	servernet "duet/peer/internal/net"
	"duet/peer/internal/net/ws"
	"duet/peer/internal/session"
	"duet/peer/internal/sim"
	"duet/peer/internal/telemetry"
	"duet/peer/logging"
	loggingSinks "duet/peer/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Settings config.Config
	Logger   telemetry.Logger
	// Stdout receives console and, without a file path, JSON log output.
	Stdout io.Writer
}

// Run hosts one session until it finishes or ctx is cancelled, then writes
// the episode export and shuts the HTTP surface down.
func Run(ctx context.Context, cfg Config) error {
	settings := cfg.Settings
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	logConfig := settings.LoggingConfig()
	sinks, closeSinks, err := buildSinks(logConfig, stdout)
	if err != nil {
		return err
	}
	defer closeSinks()

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, fallbackLogger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := &logging.Metrics{}
	telemetryMetrics := telemetry.WrapMetrics(metrics)

	sessionCfg := settings.SessionConfig()
	arena, err := sim.NewArena(sim.ArenaConfig{
		Width:   settings.Demo.ArenaWidth,
		Height:  settings.Demo.ArenaHeight,
		Seed:    settings.Demo.ArenaSeed,
		Players: sessionCfg.Players(),
	})
	if err != nil {
		return err
	}

	registry := ws.NewRegistry()
	channel, err := openChannel(ctx, settings, registry, telemetryLogger, telemetryMetrics)
	if err != nil {
		return err
	}
	defer registry.Unregister(settings.SessionID)

	sess, err := session.New(sessionCfg, session.Deps{
		Channel:    channel,
		Simulation: arena,
		Input:      sim.RandomWalk{Seed: settings.Demo.InputSeed, Hold: settings.Demo.InputHold},
		Clock:      logging.SystemClock{},
		Publisher:  router,
		Logger:     telemetryLogger,
		Metrics:    telemetryMetrics,
	})
	if err != nil {
		channel.Close()
		return err
	}

	directory := newDirectory(sess)

	var srv *http.Server
	if settings.Listen != "" {
		handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
			Sessions:      directory,
			Peers:         registry,
			Telemetry:     metrics.Snapshot,
			TickRate:      sessionCfg.TickRate,
			Logger:        fallbackLogger,
			Observability: settings.ObservabilityConfig(),
		})
		srv = &http.Server{Addr: settings.Listen, Handler: handler}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	if srv != nil {
		telemetryLogger.Printf("server listening on %s", srv.Addr)
		group.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		defer cancel()
		runErr := sess.Run(groupCtx)
		if err := sess.Close(); err != nil {
			telemetryLogger.Printf("[app] close session: %v", err)
		}
		if err := writeExport(settings.Export, sess, telemetryLogger); err != nil {
			telemetryLogger.Printf("[app] export failed: %v", err)
		}
		return runErr
	})

	return group.Wait()
}

func openChannel(ctx context.Context, settings config.Config, registry *ws.Registry, logger telemetry.Logger, metrics telemetry.Metrics) (*ws.Channel, error) {
	wsCfg := settings.WSConfig()
	wsCfg.Logger = logger
	wsCfg.Metrics = metrics
	if wsCfg.URL == "" {
		channel := ws.NewAccepting(wsCfg)
		registry.Register(settings.SessionID, settings.RemotePlayer, channel)
		logger.Printf("[app] session %s waiting for %s on /peer", settings.SessionID, settings.RemotePlayer)
		return channel, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, settings.Transport.DialTimeout)
	defer cancel()
	channel, err := ws.Dial(dialCtx, wsCfg)
	if err != nil {
		return nil, fmt.Errorf("dial peer: %w", err)
	}
	logger.Printf("[app] session %s connected to %s", settings.SessionID, settings.PeerURL)
	return channel, nil
}

func buildSinks(cfg logging.Config, stdout io.Writer) ([]logging.NamedSink, func(), error) {
	sinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(stdout, cfg.Console)},
	}
	closeFn := func() {}
	if cfg.HasSink("json") {
		var w io.Writer = stdout
		if cfg.JSON.FilePath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.JSON.FilePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open json log: %w", err)
			}
			w = file
			closeFn = func() { file.Close() }
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(w, cfg.JSON.FlushInterval)})
	}
	return sinks, closeFn, nil
}

func writeExport(cfg config.ExportConfig, sess *session.Session, logger telemetry.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var archive *export.Archive
	if cfg.ArchivePath != "" {
		opened, err := export.OpenArchive(ctx, cfg.ArchivePath)
		if err != nil {
			return err
		}
		archive = opened
		defer archive.Close()
	}
	path, err := sess.WriteExport(ctx, cfg.Dir, archive)
	if err != nil {
		return err
	}
	if path != "" {
		logger.Printf("[app] episode exported to %s", path)
	}
	return nil
}
