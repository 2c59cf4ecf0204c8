package latency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"duet/peer/internal/transport"
)

type stubSource struct {
	mu    sync.Mutex
	stats transport.Stats
}

func (s *stubSource) Stats() transport.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func TestStatsWithoutSamplesAreNull(t *testing.T) {
	sampler := NewSampler(Config{}, &stubSource{}, nil)
	if sampler.SampleOnce() {
		t.Fatalf("expected no sample without an rtt")
	}
	data, err := json.Marshal(sampler.Stats())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"sampleCount":0,"minMs":null,"maxMs":null,"meanMs":null,"medianMs":null}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestSummarize(t *testing.T) {
	samples := []Sample{{RTTMillis: 40}, {RTTMillis: 10}, {RTTMillis: 30}, {RTTMillis: 20}}
	stats := Summarize(samples)
	if stats.SampleCount != 4 || *stats.MinMs != 10 || *stats.MaxMs != 40 {
		t.Fatalf("unexpected bounds: %+v", stats)
	}
	if *stats.MeanMs != 25 || *stats.MedianMs != 25 {
		t.Fatalf("expected mean and median 25, got %v and %v", *stats.MeanMs, *stats.MedianMs)
	}
	odd := Summarize(samples[:3])
	if *odd.MedianMs != 30 {
		t.Fatalf("expected odd median 30, got %v", *odd.MedianMs)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	ring := NewRing(3)
	for i := 1; i <= 5; i++ {
		ring.Add(Sample{RTTMillis: float64(i)})
	}
	samples := ring.Samples()
	if len(samples) != 3 || samples[0].RTTMillis != 3 || samples[2].RTTMillis != 5 {
		t.Fatalf("expected the newest three samples, got %+v", samples)
	}
}

func TestSamplerRunsIndependently(t *testing.T) {
	source := &stubSource{stats: transport.Stats{HasRTT: true, RTT: 35 * time.Millisecond}}
	sampler := NewSampler(Config{Interval: 5 * time.Millisecond, Capacity: 10}, source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sampler.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sampler.Stats().SampleCount < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sampler did not collect samples")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := *sampler.Stats().MeanMs; got != 35 {
		t.Fatalf("expected mean 35ms, got %v", got)
	}
}
