package confirm

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"duet/peer/internal/input"
	"duet/peer/internal/record"
	"duet/peer/internal/rollback"
	"duet/peer/internal/sim"
)

func newEngine(t *testing.T) *rollback.Engine {
	t.Helper()
	arena, err := sim.NewArena(sim.ArenaConfig{Width: 8, Height: 8, Seed: 4, Players: []input.PlayerID{"a", "b"}})
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	engine, err := rollback.New(rollback.Config{Players: []input.PlayerID{"a", "b"}, Local: "a"}, arena)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func advance(t *testing.T, engine *rollback.Engine, frames int) {
	t.Helper()
	for i := 0; i < frames; i++ {
		if err := engine.RecordLocal(engine.NextFrame(), sim.ActionRight); err != nil {
			t.Fatalf("record local: %v", err)
		}
		if _, err := engine.Advance(); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
}

func confirmRemote(engine *rollback.Engine, pipeline *Pipeline, frames ...input.Frame) {
	for _, f := range frames {
		engine.Timeline("b").Confirm(f, sim.ActionIdle)
		pipeline.OnInputConfirmed("b", f)
	}
}

func TestWatermarkOnlyAdvancesContiguously(t *testing.T) {
	engine := newEngine(t)
	pipeline := New(engine)
	advance(t, engine, 6)

	confirmRemote(engine, pipeline, 0, 1, 3)
	result, err := pipeline.Advance(CauseTick)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Confirmed != 1 || len(result.Promoted) != 2 {
		t.Fatalf("expected frames 0..1 promoted, got confirmed=%d promoted=%d", result.Confirmed, len(result.Promoted))
	}

	confirmRemote(engine, pipeline, 2)
	result, err = pipeline.Advance(CauseTick)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Previous != 1 || result.Confirmed != 3 {
		t.Fatalf("expected watermark 1 -> 3, got %d -> %d", result.Previous, result.Confirmed)
	}
	if pipeline.Canonical().Len() != 4 {
		t.Fatalf("expected 4 canonical frames, got %d", pipeline.Canonical().Len())
	}
}

func TestWatermarkIsCappedAtLastSimulatedFrame(t *testing.T) {
	engine := newEngine(t)
	pipeline := New(engine)
	advance(t, engine, 3)
	for f := input.Frame(0); f < 10; f++ {
		engine.Timeline("a").Confirm(f, sim.ActionIdle)
	}
	confirmRemote(engine, pipeline, 0, 1, 2, 3, 4, 5)

	result, err := pipeline.Advance(CauseFastForward)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Confirmed != 2 {
		t.Fatalf("expected watermark capped at 2, got %d", result.Confirmed)
	}

	advance(t, engine, 2)
	result, err = pipeline.Advance(CauseFlush)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Confirmed != 4 || result.Cause != CauseFlush {
		t.Fatalf("expected flush to promote through 4, got %+v", result)
	}
}

func TestPromotionIsIdempotent(t *testing.T) {
	engine := newEngine(t)
	pipeline := New(engine)
	advance(t, engine, 5)
	confirmRemote(engine, pipeline, 0, 1, 2, 3, 4)

	if _, err := pipeline.Advance(CauseTick); err != nil {
		t.Fatalf("advance: %v", err)
	}
	before := canonicalEntries(pipeline.Canonical())
	promotions := pipeline.Promotions()

	result, err := pipeline.Advance(CauseTick)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if result.Advanced() || len(result.Promoted) != 0 {
		t.Fatalf("expected a no-op promotion, got %+v", result)
	}
	if after := canonicalEntries(pipeline.Canonical()); !reflect.DeepEqual(before, after) {
		t.Fatalf("canonical record changed on idempotent promotion")
	}
	if pipeline.Promotions() != promotions {
		t.Fatalf("expected promotion count to stay at %d, got %d", promotions, pipeline.Promotions())
	}
}

type leakySource struct {
	*rollback.Engine
	skip input.Frame
}

func (s leakySource) Release(upTo input.Frame) []record.Entry {
	entries := s.Engine.Release(upTo)
	out := entries[:0]
	for _, entry := range entries {
		if entry.Frame != s.skip {
			out = append(out, entry)
		}
	}
	return out
}

func TestPromotionGapIsFatal(t *testing.T) {
	engine := newEngine(t)
	pipeline := New(leakySource{Engine: engine, skip: 2})
	advance(t, engine, 4)
	confirmRemote(engine, pipeline, 0, 1, 2, 3)

	_, err := pipeline.Advance(CauseTick)
	if !errors.Is(err, ErrPromotionGap) {
		t.Fatalf("expected ErrPromotionGap, got %v", err)
	}
}

func TestWatermarksAreMonotonicAndGapFree(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any confirmation order yields a gap-free canonical record", prop.ForAll(
		func(seed int64, frames int) bool {
			engine := newEngine(t)
			pipeline := New(engine)
			rng := rand.New(rand.NewSource(seed))
			order := rng.Perm(frames)

			last := input.NoFrame
			for i, idx := range order {
				if engine.NextFrame() <= input.Frame(i) {
					advance(t, engine, 1)
				}
				confirmRemote(engine, pipeline, input.Frame(idx))
				result, err := pipeline.Advance(CauseTick)
				if err != nil || result.Confirmed < last {
					return false
				}
				last = result.Confirmed
			}
			if _, err := pipeline.Advance(CauseFlush); err != nil {
				return false
			}
			canonical := pipeline.Canonical()
			if canonical.Len() != frames {
				return false
			}
			for f := 0; f < frames; f++ {
				entry, ok := canonical.At(input.Frame(f))
				if !ok || entry.Frame != input.Frame(f) {
					return false
				}
			}
			return pipeline.ConfirmedFrame() == input.Frame(frames-1)
		},
		gen.Int64(),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

func canonicalEntries(reader record.Reader) []record.Entry {
	out := make([]record.Entry, 0, reader.Len())
	for f := 0; f < reader.Len(); f++ {
		entry, _ := reader.At(input.Frame(f))
		out = append(out, entry)
	}
	return out
}

func TestCertainIsPerPlayerAndUncapped(t *testing.T) {
	engine := newEngine(t)
	pipeline := New(engine)
	advance(t, engine, 2)

	confirmRemote(engine, pipeline, 0, 1, 2, 3, 4, 6)
	if got := pipeline.Certain("b"); got != 4 {
		t.Fatalf("expected remote certainty through 4, got %d", got)
	}
	if got := pipeline.Certain("nobody"); got != input.NoFrame {
		t.Fatalf("unknown player certainty = %d, want NoFrame", got)
	}
	if _, err := pipeline.Advance(CauseTick); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := pipeline.ConfirmedFrame(); got != 1 {
		t.Fatalf("confirmed frame = %d, want the last simulated frame 1", got)
	}
	if got := pipeline.Certain("b"); got != 4 {
		t.Fatalf("certainty must not be capped by simulation, got %d", got)
	}
}
