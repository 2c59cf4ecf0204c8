package transport

import (
	"sync"

	"duet/peer/internal/net/proto"
	"duet/peer/internal/telemetry"
)

const (
	inboxOccupancyMetricKey = "transport_inbox_occupancy"
	inboxOverflowMetricKey  = "transport_inbox_overflow_total"
)

// DefaultInboxCapacity holds several seconds of traffic at the default
// tick rate.
const DefaultInboxCapacity = 1024

// Inbox stores received envelopes in a fixed-size ring until the session
// loop drains them. It is safe for concurrent producers and a single
// consumer. When full, the oldest envelope is dropped; redundancy in the
// later ones covers it.
type Inbox struct {
	mu      sync.Mutex
	data    []proto.Envelope
	head    int
	count   int
	dropped uint64
	metrics telemetry.Metrics
}

// NewInbox constructs a ring buffer with the provided capacity.
func NewInbox(capacity int, metrics telemetry.Metrics) *Inbox {
	if capacity < 1 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{
		data:    make([]proto.Envelope, capacity),
		metrics: metrics,
	}
}

// Push stages an envelope, evicting the oldest one when full. It reports
// whether nothing was evicted.
func (b *Inbox) Push(env proto.Envelope) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := false
	if b.count == len(b.data) {
		b.head = (b.head + 1) % len(b.data)
		b.count--
		b.dropped++
		evicted = true
		if b.metrics != nil {
			b.metrics.Add(inboxOverflowMetricKey, 1)
		}
	}
	b.data[(b.head+b.count)%len(b.data)] = env
	b.count++
	b.storeOccupancyLocked()
	return !evicted
}

// Drain returns all staged envelopes in FIFO order and clears the buffer.
func (b *Inbox) Drain() []proto.Envelope {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]proto.Envelope, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		out[i] = b.data[idx]
		b.data[idx] = proto.Envelope{}
	}
	b.head = 0
	b.count = 0
	b.storeOccupancyLocked()
	return out
}

// Len reports the number of staged envelopes.
func (b *Inbox) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped reports how many envelopes were evicted by overflow.
func (b *Inbox) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Inbox) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(inboxOccupancyMetricKey, uint64(b.count))
}
