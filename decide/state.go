package decide

import (
	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

// Result is the outcome of running a StateFunc
type Result[S, O any] struct {
	State   S
	Events  []eventstore.Event
	Output  O
	Escaped bool
}

// track accumulates emitted events until the first escape
type track[O any] struct {
	events  []eventstore.Event
	escaped bool
	output  O
}

func (t *track[O]) emit(events []eventstore.Event) {
	if t.escaped {
		return
	}

	t.events = append(t.events, events...)
}

func (t *track[O]) escape(out O) O {
	if !t.escaped {
		t.escaped = true
		t.output = out
	}

	return t.output
}

func (t *track[O]) result(out O) O {
	if t.escaped {
		return t.output
	}

	return out
}

// StateM is the context of one evaluation of a StateFunc. It exposes the
// current state, state replacement, event emission and Escape.
//
// After Escape every further Set and Emit is ignored and the escaped value
// is the output of the evaluation, whatever the StateFunc returns.
type StateM[S, O any] struct {
	state S
	track[O]
}

// StateFunc is a sequenced decision over state S with output O
type StateFunc[S, O any] func(m *StateM[S, O]) O

// Get returns the current state
func (m *StateM[S, O]) Get() S { return m.state }

// Set replaces the current state
func (m *StateM[S, O]) Set(state S) {
	if m.escaped {
		return
	}

	m.state = state
}

// Modify replaces the current state with f applied to it
func (m *StateM[S, O]) Modify(f func(S) S) {
	if m.escaped {
		return
	}

	m.state = f(m.state)
}

// Emit appends events to the emitted batch
func (m *StateM[S, O]) Emit(events ...eventstore.Event) {
	m.emit(events)
}

// Apply emits events and folds them into the current state with r
func (m *StateM[S, O]) Apply(r Reducer[S], events ...eventstore.Event) {
	if m.escaped {
		return
	}

	m.emit(events)
	m.state = r.Fold(m.state, events...)
}

// Escape terminates the evaluation with out. Only the first call has an
// effect; it returns the output the evaluation will end with so callers can
// write `return m.Escape(out)`.
func (m *StateM[S, O]) Escape(out O) O { return m.escape(out) }

// Escaped reports whether Escape has been called
func (m *StateM[S, O]) Escaped() bool { return m.escaped }

// RunState evaluates fn from initial and returns the final state, the
// emitted events and the output
func RunState[S, O any](initial S, fn StateFunc[S, O]) Result[S, O] {
	m := &StateM[S, O]{state: initial}

	out := m.result(fn(m))

	return Result[S, O]{
		State:   m.state,
		Events:  m.events,
		Output:  out,
		Escaped: m.escaped,
	}
}

// Step is one step of a sequenced state computation
type Step[S, O any] func(m *StateM[S, O])

// Sequence runs steps in order and stops at the first one that escapes.
// If no step escapes the output is done applied to the final state.
func Sequence[S, O any](done func(S) O, steps ...Step[S, O]) StateFunc[S, O] {
	return func(m *StateM[S, O]) O {
		for _, step := range steps {
			if m.Escaped() {
				break
			}

			step(m)
		}

		if m.Escaped() {
			return m.output
		}

		return done(m.Get())
	}
}

// Guard is a step escaping with out unless ok holds for the current state
func Guard[S, O any](ok func(S) bool, out O) Step[S, O] {
	return func(m *StateM[S, O]) {
		if !ok(m.Get()) {
			m.Escape(out)
		}
	}
}
