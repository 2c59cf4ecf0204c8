// Package transport defines the peer channel the session talks through and
// an in-process lossy implementation of it.
package transport

import (
	"context"
	"errors"
	"time"

	"duet/peer/internal/net/proto"
)

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transport: channel closed")
	// ErrUnreachable is returned when renegotiation cannot reach the peer.
	ErrUnreachable = errors.New("transport: peer unreachable")
)

// Channel is a bidirectional message link to exactly one peer. Send never
// blocks on the network and Drain never blocks at all; heartbeats are
// handled inside the implementation and surface only through Stats.
type Channel interface {
	Send(env proto.Envelope) error
	Drain() []proto.Envelope
	Stats() Stats
	// Renegotiate re-establishes low-level connectivity with the same peer.
	Renegotiate(ctx context.Context) error
	Close() error
}

// Stats is a point-in-time view of link health.
type Stats struct {
	RTT        time.Duration `json:"rttNanos"`
	HasRTT     bool          `json:"hasRtt"`
	LastHeard  time.Time     `json:"lastHeard"`
	Connected  bool          `json:"connected"`
	PeerClosed bool          `json:"peerClosed"`
	Sent       uint64        `json:"sent"`
	Received   uint64        `json:"received"`
	Dropped    uint64        `json:"dropped"`
	Reconnects uint64        `json:"reconnects"`
}
