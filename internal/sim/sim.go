// Package sim defines the deterministic transition contract the netcode
// drives. The hosted runtime supplies the real Simulation; the Arena in
// this package is a small reference world used by the demo binary and tests.
package sim

import (
	"encoding/json"
	"errors"

	"duet/peer/internal/input"
)

// State is an opaque JSON snapshot of the whole simulation.
type State = json.RawMessage

// Inputs carries one action per player for a single frame.
type Inputs map[input.PlayerID]input.Action

// Clone copies the inputs map.
func (in Inputs) Clone() Inputs {
	if in == nil {
		return nil
	}
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same actions.
func (in Inputs) Equal(other Inputs) bool {
	if len(in) != len(other) {
		return false
	}
	for k, v := range in {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Simulation is a deterministic step(state, inputs) -> state' function.
// Step must not retain or mutate the state it is given.
type Simulation interface {
	Initial() (State, error)
	Step(state State, inputs Inputs) (State, error)
}

// ErrNilStep is returned by Func when no step function was supplied.
var ErrNilStep = errors.New("sim: step function is nil")

// Func adapts a plain step function into a Simulation.
type Func struct {
	InitialState State
	StepFunc     func(State, Inputs) (State, error)
}

func (f Func) Initial() (State, error) {
	return CloneState(f.InitialState), nil
}

func (f Func) Step(state State, inputs Inputs) (State, error) {
	if f.StepFunc == nil {
		return nil, ErrNilStep
	}
	return f.StepFunc(state, inputs)
}

// CloneState copies a snapshot so callers may keep it.
func CloneState(state State) State {
	if state == nil {
		return nil
	}
	out := make(State, len(state))
	copy(out, state)
	return out
}
