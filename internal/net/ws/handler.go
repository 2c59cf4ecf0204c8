package ws

import (
	"log"
	nethttp "net/http"
	"sync"

	"github.com/gorilla/websocket"

	"duet/peer/internal/telemetry"
)

// Registry maps session IDs to the accepting channel waiting for the peer.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

type registryEntry struct {
	peerID  string
	channel *Channel
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register makes the channel reachable for the expected peer.
func (r *Registry) Register(sessionID, peerID string, channel *Channel) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.entries[sessionID] = registryEntry{peerID: peerID, channel: channel}
	r.mu.Unlock()
}

// Unregister removes the session.
func (r *Registry) Unregister(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// Lookup returns the channel for the session if the peer matches.
func (r *Registry) Lookup(sessionID, peerID string) (*Channel, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sessionID]
	if !ok || (entry.peerID != "" && entry.peerID != peerID) {
		return nil, false
	}
	return entry.channel, true
}

type HandlerConfig struct {
	Registry *Registry
	Logger   telemetry.Logger
}

// Handler upgrades peer connections and attaches them to their session's
// accepting channel.
type Handler struct {
	registry *Registry
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		registry: cfg.Registry,
		logger:   logger,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	sessionID := r.URL.Query().Get("session")
	peerID := r.URL.Query().Get("peer")
	if sessionID == "" || peerID == "" {
		nethttp.Error(w, "missing session or peer", nethttp.StatusBadRequest)
		return
	}

	channel, ok := h.registry.Lookup(sessionID, peerID)
	if !ok {
		nethttp.Error(w, "unknown session", nethttp.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s/%s: %v", sessionID, peerID, err)
		return
	}

	if err := channel.Attach(conn); err != nil {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session closed")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
	}
}
