package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"duet/peer/internal/net/proto"
	"duet/peer/internal/telemetry"
	"duet/peer/internal/transport"
)

const (
	writeWait                = 5 * time.Second
	maxMessageSize           = 64 << 10
	defaultHeartbeatInterval = time.Second
)

// Config describes one end of a websocket peer link. A non-empty URL makes
// the channel the dialing side; otherwise it waits for Attach.
type Config struct {
	URL               string
	Header            http.Header
	HeartbeatInterval time.Duration
	InboxCapacity     int
	Dialer            *websocket.Dialer
	Logger            telemetry.Logger
	Metrics           telemetry.Metrics
	Now               func() time.Time
}

// Channel is a transport.Channel over a gorilla websocket connection.
// Heartbeats are exchanged on the connection and consumed here; only the
// RTT they measure is visible through Stats.
type Channel struct {
	cfg      Config
	inbox    *transport.Inbox
	attached chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	writeMu  sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	gen        uint64
	everLinked bool
	closed     bool
	peerClosed bool
	lastHeard  time.Time
	rtt        time.Duration
	hasRTT     bool
	sent       uint64
	received   uint64
	dropped    uint64
	reconnects uint64
}

// Dial connects to the peer endpoint at cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ws: dial requires a URL")
	}
	c := newChannel(cfg)
	if err := c.dial(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewAccepting constructs a channel that is connected by Attach, normally
// from the peer endpoint handler.
func NewAccepting(cfg Config) *Channel {
	cfg.URL = ""
	return newChannel(cfg)
}

func newChannel(cfg Config) *Channel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.WrapLogger(log.Default())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Channel{
		cfg:      cfg,
		inbox:    transport.NewInbox(cfg.InboxCapacity, cfg.Metrics),
		attached: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.heartbeat()
	return c
}

// Attach makes conn the live connection, replacing any previous one.
func (c *Channel) Attach(conn *websocket.Conn) error {
	if c == nil || conn == nil {
		return transport.ErrClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return transport.ErrClosed
	}
	old := c.conn
	if c.everLinked {
		c.reconnects++
	}
	c.everLinked = true
	c.conn = conn
	c.gen++
	gen := c.gen
	c.peerClosed = false
	c.lastHeard = c.cfg.Now()
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	conn.SetReadLimit(maxMessageSize)
	c.wg.Add(1)
	go c.readLoop(conn, gen)

	select {
	case c.attached <- struct{}{}:
	default:
	}
	return nil
}

// Send writes the envelope as one binary frame. A missing or failing
// connection counts as loss rather than an error.
func (c *Channel) Send(env proto.Envelope) error {
	if c == nil {
		return transport.ErrClosed
	}
	data, err := proto.Encode(env)
	if err != nil {
		return fmt.Errorf("ws: send: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	conn, gen := c.conn, c.gen
	c.sent++
	if conn == nil {
		c.dropped++
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.detach(gen, err)
	}
	return nil
}

// Drain returns the envelopes received since the previous call.
func (c *Channel) Drain() []proto.Envelope {
	if c == nil {
		return nil
	}
	return c.inbox.Drain()
}

// Stats reports link health.
func (c *Channel) Stats() transport.Stats {
	if c == nil {
		return transport.Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return transport.Stats{
		RTT:        c.rtt,
		HasRTT:     c.hasRTT,
		LastHeard:  c.lastHeard,
		Connected:  c.conn != nil && !c.closed && !c.peerClosed,
		PeerClosed: c.peerClosed,
		Sent:       c.sent,
		Received:   c.received,
		Dropped:    c.dropped + c.inbox.Dropped(),
		Reconnects: c.reconnects,
	}
}

// Renegotiate redials on the dialing side. The accepting side waits for
// the peer to attach a fresh connection.
func (c *Channel) Renegotiate(ctx context.Context) error {
	if c == nil {
		return transport.ErrClosed
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if c.cfg.URL != "" {
		return c.dial(ctx)
	}
	for {
		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()
		if connected {
			return nil
		}
		select {
		case <-c.attached:
		case <-c.done:
			return transport.ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", transport.ErrUnreachable, ctx.Err())
		}
	}
}

// Close says goodbye to the peer and stops the background goroutines.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if data, err := proto.Encode(proto.NewBye("closed")); err == nil {
			c.write(conn, data)
		}
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		conn.Close()
	}
	close(c.done)
	c.wg.Wait()
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrUnreachable, err)
	}
	return c.Attach(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			c.detach(gen, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		env, err := proto.Decode(payload)
		if err != nil {
			c.cfg.Logger.Printf("[ws] discarding malformed message: %v", err)
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			continue
		}

		now := c.cfg.Now()
		c.mu.Lock()
		c.received++
		c.lastHeard = now
		c.mu.Unlock()

		switch env.Kind {
		case proto.KindPing:
			data, err := proto.Encode(proto.NewPong(env.Ping.SentAt, now.UnixNano()))
			if err == nil {
				if err := c.write(conn, data); err != nil {
					c.detach(gen, err)
					return
				}
			}
		case proto.KindPong:
			rtt := now.Sub(time.Unix(0, env.Pong.SentAt))
			if rtt < 0 {
				rtt = 0
			}
			c.mu.Lock()
			c.rtt = rtt
			c.hasRTT = true
			c.mu.Unlock()
		case proto.KindBye:
			c.mu.Lock()
			c.peerClosed = true
			c.mu.Unlock()
			c.inbox.Push(env)
		default:
			c.inbox.Push(env)
		}
	}
}

func (c *Channel) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn, gen := c.conn, c.gen
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			data, err := proto.Encode(proto.NewPing(c.cfg.Now().UnixNano()))
			if err != nil {
				continue
			}
			if err := c.write(conn, data); err != nil {
				c.detach(gen, err)
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Channel) detach(gen uint64, cause error) {
	c.mu.Lock()
	var conn *websocket.Conn
	if c.gen == gen && c.conn != nil {
		conn = c.conn
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if !closed && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.cfg.Logger.Printf("[ws] peer connection lost: %v", cause)
	}
	conn.Close()
}

var _ transport.Channel = (*Channel)(nil)
