package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"duet/peer/internal/net/proto"
	"duet/peer/internal/telemetry"
)

// LinkConfig shapes the in-process link between two pipe ends.
type LinkConfig struct {
	// LossRate is the independent per-message drop probability.
	LossRate float64
	// ReorderRate is the probability that a message is held back and
	// delivered after the next one.
	ReorderRate   float64
	Seed          int64
	RTT           time.Duration
	Now           func() time.Time
	InboxCapacity int
	Metrics       telemetry.Metrics
}

// Tamper inspects or rewrites an envelope in flight. Returning false drops
// it. The sender is the name of the end that sent the envelope.
type Tamper func(sender string, env *proto.Envelope) bool

type link struct {
	mu      sync.Mutex
	cfg     LinkConfig
	rng     *rand.Rand
	severed bool
	tamper  Tamper
}

// PipeEnd is one side of an in-process link. Every message crosses the
// real wire codec, so encode and decode errors surface exactly as they
// would on a socket.
type PipeEnd struct {
	name  string
	link  *link
	peer  *PipeEnd
	inbox *Inbox

	mu         sync.Mutex
	held       []byte
	closed     bool
	peerClosed bool
	lastHeard  time.Time
	sent       uint64
	received   uint64
	dropped    uint64
	reconnects uint64
}

// Pipe returns two connected ends named "a" and "b".
func Pipe(cfg LinkConfig) (*PipeEnd, *PipeEnd) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &link{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	a := &PipeEnd{name: "a", link: l, inbox: NewInbox(cfg.InboxCapacity, cfg.Metrics)}
	b := &PipeEnd{name: "b", link: l, inbox: NewInbox(cfg.InboxCapacity, cfg.Metrics)}
	a.peer, b.peer = b, a
	return a, b
}

// Name reports which end this is.
func (p *PipeEnd) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// SetTamper installs a hook applied to every delivered envelope in both
// directions.
func (p *PipeEnd) SetTamper(fn Tamper) {
	if p == nil {
		return
	}
	p.link.mu.Lock()
	p.link.tamper = fn
	p.link.mu.Unlock()
}

// Sever drops all traffic in both directions until Heal.
func (p *PipeEnd) Sever() {
	if p == nil {
		return
	}
	p.link.mu.Lock()
	p.link.severed = true
	p.link.mu.Unlock()
}

// Heal lets traffic flow again; the ends still need to renegotiate.
func (p *PipeEnd) Heal() {
	if p == nil {
		return
	}
	p.link.mu.Lock()
	p.link.severed = false
	p.link.mu.Unlock()
}

// Send encodes the envelope and hands it to the link. Lost messages are
// not errors.
func (p *PipeEnd) Send(env proto.Envelope) error {
	if p == nil {
		return ErrClosed
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := proto.Encode(env)
	if err != nil {
		return fmt.Errorf("transport: pipe send: %w", err)
	}

	l := p.link
	l.mu.Lock()
	defer l.mu.Unlock()
	p.countSent()
	if l.severed || (l.cfg.LossRate > 0 && l.rng.Float64() < l.cfg.LossRate) {
		p.countDropped()
		return nil
	}
	if l.cfg.ReorderRate > 0 && l.rng.Float64() < l.cfg.ReorderRate {
		p.mu.Lock()
		if p.held == nil {
			p.held = data
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
	}
	p.deliverLocked(data)
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()
	if held != nil {
		p.deliverLocked(held)
	}
	return nil
}

// Drain returns everything received since the previous call.
func (p *PipeEnd) Drain() []proto.Envelope {
	if p == nil {
		return nil
	}
	return p.inbox.Drain()
}

// Stats reports the link view of this end.
func (p *PipeEnd) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.link.mu.Lock()
	severed := p.link.severed
	rtt := p.link.cfg.RTT
	p.link.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	connected := !severed && !p.closed && !p.peerClosed
	return Stats{
		RTT:        rtt,
		HasRTT:     connected && rtt > 0,
		LastHeard:  p.lastHeard,
		Connected:  connected,
		PeerClosed: p.peerClosed,
		Sent:       p.sent,
		Received:   p.received,
		Dropped:    p.dropped + p.inbox.Dropped(),
		Reconnects: p.reconnects,
	}
}

// Renegotiate succeeds once the link has been healed.
func (p *PipeEnd) Renegotiate(ctx context.Context) error {
	if p == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	p.link.mu.Lock()
	severed := p.link.severed
	p.link.mu.Unlock()
	if severed {
		return ErrUnreachable
	}
	p.mu.Lock()
	p.reconnects++
	p.mu.Unlock()
	return nil
}

// Close tells the peer goodbye and rejects further sends.
func (p *PipeEnd) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	data, err := proto.Encode(proto.NewBye("closed"))
	if err != nil {
		return err
	}
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	if !p.link.severed {
		p.deliverLocked(data)
	}
	return nil
}

func (p *PipeEnd) deliverLocked(data []byte) {
	env, err := proto.Decode(data)
	if err != nil {
		p.countDropped()
		return
	}
	if tamper := p.link.tamper; tamper != nil && !tamper(p.name, &env) {
		p.countDropped()
		return
	}
	p.peer.receive(env, p.link.cfg.Now())
}

func (p *PipeEnd) receive(env proto.Envelope, now time.Time) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.received++
	p.lastHeard = now
	if env.Kind == proto.KindBye {
		p.peerClosed = true
	}
	p.mu.Unlock()
	p.inbox.Push(env)
}

func (p *PipeEnd) countSent() {
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
}

func (p *PipeEnd) countDropped() {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
}

var _ Channel = (*PipeEnd)(nil)
