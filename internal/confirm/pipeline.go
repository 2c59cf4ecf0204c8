// Package confirm tracks which frames have certain inputs for every player
// and promotes them from the engine's speculative record into the
// canonical record.
//
// Advance is the only way to move the ConfirmedFrame watermark, and it
// always promotes before returning.
package confirm

import (
	"errors"
	"fmt"

	"duet/peer/internal/input"
	"duet/peer/internal/record"
)

// ErrPromotionGap is fatal: promotion would have skipped a frame.
var ErrPromotionGap = errors.New("confirm: promotion gap")

// Cause names the call site that moved the watermark.
type Cause string

const (
	CauseTick        Cause = "tick"
	CauseFastForward Cause = "fast_forward"
	CauseFlush       Cause = "flush"
)

// Source is the part of the rollback engine the pipeline drives.
type Source interface {
	Players() []input.PlayerID
	Timeline(player input.PlayerID) *input.Timeline
	LastSimulated() input.Frame
	Release(upTo input.Frame) []record.Entry
}

// Result reports what one pass through the funnel did.
type Result struct {
	Cause     Cause
	Previous  input.Frame
	Confirmed input.Frame
	// Promoted holds the entries appended to the canonical record by this
	// call, in frame order.
	Promoted []record.Entry
}

// Advanced reports whether the watermark moved.
func (r Result) Advanced() bool {
	return r.Confirmed > r.Previous
}

// Pipeline owns the canonical record and the ConfirmedFrame watermark.
type Pipeline struct {
	source     Source
	canonical  *record.Canonical
	certain    map[input.PlayerID]input.Frame
	confirmed  input.Frame
	promotions uint64
}

// New constructs a pipeline over the engine.
func New(source Source) *Pipeline {
	p := &Pipeline{
		source:    source,
		canonical: record.NewCanonical(),
		certain:   make(map[input.PlayerID]input.Frame),
		confirmed: input.NoFrame,
	}
	if source != nil {
		for _, player := range source.Players() {
			p.certain[player] = input.NoFrame
			p.OnInputConfirmed(player, 0)
		}
	}
	return p
}

// OnInputConfirmed marks the player's input for the frame certain. The
// per-player certainty only advances over a contiguous run of confirmed
// frames.
func (p *Pipeline) OnInputConfirmed(player input.PlayerID, frame input.Frame) {
	if p == nil || p.source == nil {
		return
	}
	high, ok := p.certain[player]
	if !ok || frame > high+1 {
		return
	}
	tl := p.source.Timeline(player)
	for {
		if _, ok := tl.Confirmed(high + 1); !ok {
			break
		}
		high++
	}
	p.certain[player] = high
}

// Advance recomputes the watermark and promotes every newly confirmed
// frame.
func (p *Pipeline) Advance(cause Cause) (Result, error) {
	if p == nil {
		return Result{Cause: cause, Previous: input.NoFrame, Confirmed: input.NoFrame}, nil
	}
	result := Result{Cause: cause, Previous: p.confirmed}
	for player, high := range p.certain {
		p.OnInputConfirmed(player, high+1)
	}
	p.recomputeConfirmedFrame()
	promoted, err := p.promote()
	result.Confirmed = p.confirmed
	result.Promoted = promoted
	if err != nil {
		return result, err
	}
	return result, nil
}

// Certain reports the newest frame through which the player's inputs are
// contiguously certain. It is not capped by simulation progress.
func (p *Pipeline) Certain(player input.PlayerID) input.Frame {
	if p == nil {
		return input.NoFrame
	}
	high, ok := p.certain[player]
	if !ok {
		return input.NoFrame
	}
	return high
}

// ConfirmedFrame is the highest simulated frame whose inputs are certain
// for every player, contiguously from frame zero.
func (p *Pipeline) ConfirmedFrame() input.Frame {
	if p == nil {
		return input.NoFrame
	}
	return p.confirmed
}

// Canonical exposes the read-only view of the canonical record.
func (p *Pipeline) Canonical() record.Reader {
	if p == nil {
		return nil
	}
	return p.canonical
}

// Promotions reports how many promote passes appended at least one frame.
func (p *Pipeline) Promotions() uint64 {
	if p == nil {
		return 0
	}
	return p.promotions
}

func (p *Pipeline) recomputeConfirmedFrame() {
	candidate := p.source.LastSimulated()
	for _, high := range p.certain {
		if high < candidate {
			candidate = high
		}
	}
	if candidate > p.confirmed {
		p.confirmed = candidate
	}
}

// promote moves every speculative entry at or below the watermark into the
// canonical record. A second call without new confirmations is a no-op.
func (p *Pipeline) promote() ([]record.Entry, error) {
	if p.canonical.Last() >= p.confirmed {
		return nil, nil
	}
	first := p.canonical.Last() + 1
	entries := p.source.Release(p.confirmed)
	if len(entries) == 0 || entries[0].Frame != first || entries[len(entries)-1].Frame != p.confirmed {
		return nil, fmt.Errorf("%w: released %s, canonical expects %d..%d", ErrPromotionGap, describe(entries), first, p.confirmed)
	}
	for _, entry := range entries {
		if err := p.canonical.Append(entry); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPromotionGap, err)
		}
	}
	p.promotions++
	return entries, nil
}

func describe(entries []record.Entry) string {
	if len(entries) == 0 {
		return "nothing"
	}
	return fmt.Sprintf("%d..%d", entries[0].Frame, entries[len(entries)-1].Frame)
}
