// Package latency samples the transport RTT on its own goroutine and keeps
// a bounded history for aggregate statistics.
package latency

import (
	"context"
	"sort"
	"sync"
	"time"

	"duet/peer/internal/transport"
)

// Config tunes the sampler.
type Config struct {
	Interval time.Duration
	// Capacity is the number of samples kept; the default covers ten
	// minutes at 1 Hz.
	Capacity int
}

// DefaultConfig samples once per second.
func DefaultConfig() Config {
	return Config{Interval: time.Second, Capacity: 600}
}

// Sample is one RTT reading.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	RTTMillis float64   `json:"rttMillis"`
}

// Stats aggregates the retained samples. Every statistic is nil when there
// are no samples.
type Stats struct {
	SampleCount int      `json:"sampleCount"`
	MinMs       *float64 `json:"minMs"`
	MaxMs       *float64 `json:"maxMs"`
	MeanMs      *float64 `json:"meanMs"`
	MedianMs    *float64 `json:"medianMs"`
}

// Ring is a fixed-capacity buffer that overwrites its oldest sample.
type Ring struct {
	mu    sync.Mutex
	data  []Sample
	head  int
	count int
}

// NewRing constructs a ring with the capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultConfig().Capacity
	}
	return &Ring{data: make([]Sample, capacity)}
}

// Add appends a sample, evicting the oldest when full.
func (r *Ring) Add(sample Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.count) % len(r.data)
	r.data[idx] = sample
	if r.count == len(r.data) {
		r.head = (r.head + 1) % len(r.data)
	} else {
		r.count++
	}
}

// Samples returns the retained samples oldest first.
func (r *Ring) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}

// Len reports the number of retained samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats computes the aggregate over the retained samples.
func (r *Ring) Stats() Stats {
	return Summarize(r.Samples())
}

// Summarize computes min, max, mean and median.
func Summarize(samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	values := make([]float64, len(samples))
	sum := 0.0
	for i, s := range samples {
		values[i] = s.RTTMillis
		sum += s.RTTMillis
	}
	sort.Float64s(values)
	n := len(values)
	median := values[n/2]
	if n%2 == 0 {
		median = (values[n/2-1] + values[n/2]) / 2
	}
	lo, hi, mean := values[0], values[n-1], sum/float64(n)
	return Stats{
		SampleCount: n,
		MinMs:       &lo,
		MaxMs:       &hi,
		MeanMs:      &mean,
		MedianMs:    &median,
	}
}

// Source is the part of a transport channel the sampler reads.
type Source interface {
	Stats() transport.Stats
}

// Sampler reads the channel RTT independently of the simulation loop.
type Sampler struct {
	cfg    Config
	source Source
	ring   *Ring
	now    func() time.Time
}

// NewSampler constructs a sampler over the source.
func NewSampler(cfg Config, source Source, now func() time.Time) *Sampler {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if now == nil {
		now = time.Now
	}
	return &Sampler{cfg: cfg, source: source, ring: NewRing(cfg.Capacity), now: now}
}

// Run samples on every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce records the current RTT if the channel has one.
func (s *Sampler) SampleOnce() bool {
	if s == nil || s.source == nil {
		return false
	}
	stats := s.source.Stats()
	if !stats.HasRTT {
		return false
	}
	s.ring.Add(Sample{
		Timestamp: s.now(),
		RTTMillis: float64(stats.RTT) / float64(time.Millisecond),
	})
	return true
}

// Stats aggregates the retained samples.
func (s *Sampler) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return s.ring.Stats()
}

// Samples returns the retained samples.
func (s *Sampler) Samples() []Sample {
	if s == nil {
		return nil
	}
	return s.ring.Samples()
}
