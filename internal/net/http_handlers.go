package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"time"

	"duet/peer/internal/export"
	"duet/peer/internal/net/ws"
	"duet/peer/internal/observability"
	"duet/peer/internal/session"
	"duet/peer/internal/telemetry"
)

// SessionDirectory is what the HTTP surface needs to know about the
// sessions hosted by this process.
type SessionDirectory interface {
	Snapshots() []session.Snapshot
	Export(sessionID string) (export.Artifact, bool)
}

type HTTPHandlerConfig struct {
	Sessions SessionDirectory
	Peers    *ws.Registry
	// Telemetry returns the process counters shown on /diagnostics.
	Telemetry func() map[string]uint64
	TickRate      int
	Logger        *log.Logger
	Observability observability.Config
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		sessions := []session.Snapshot{}
		if cfg.Sessions != nil {
			if snaps := cfg.Sessions.Snapshots(); snaps != nil {
				sessions = snaps
			}
		}
		counters := map[string]uint64{}
		if cfg.Telemetry != nil {
			if snapshot := cfg.Telemetry(); snapshot != nil {
				counters = snapshot
			}
		}

		payload := struct {
			Status     string             `json:"status"`
			ServerTime int64              `json:"serverTime"`
			TickRate   int                `json:"tickRate"`
			Sessions   []session.Snapshot `json:"sessions"`
			Telemetry  map[string]uint64  `json:"telemetry"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   cfg.TickRate,
			Sessions:   sessions,
			Telemetry:  counters,
		}
		writeJSON(w, logger, payload)
	})

	mux.HandleFunc("/export", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			httpError(w, "missing session", nethttp.StatusBadRequest)
			return
		}
		if cfg.Sessions == nil {
			httpError(w, "unknown session", nethttp.StatusNotFound)
			return
		}
		artifact, ok := cfg.Sessions.Export(sessionID)
		if !ok {
			httpError(w, "unknown session", nethttp.StatusNotFound)
			return
		}
		data, err := export.Encode(artifact)
		if err != nil {
			logger.Printf("failed to encode export for %s: %v", sessionID, err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if cfg.Peers != nil {
		peers := ws.NewHandler(ws.HandlerConfig{
			Registry: cfg.Peers,
			Logger:   telemetry.WrapLogger(logger),
		})
		mux.HandleFunc("/peer", peers.Handle)
	}

	if observability.Register(mux, cfg.Observability) {
		logger.Printf("[http] pprof endpoints enabled under /debug/pprof/")
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger *log.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
