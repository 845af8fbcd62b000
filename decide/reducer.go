// Package decide provides the building blocks aggregates are authored with:
// a reducer table folding events into state, and two sequenced decision
// computations (one over state, one over a command) that emit events and
// produce an output, with a one-shot Escape for early termination.
//
// Everything in this package is pure and synchronous. Nothing here touches
// storage.
package decide

import (
	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

// Reducer folds one event into state
type Reducer[S any] func(state S, evt eventstore.Event) S

// Fold folds events into state in order
func (r Reducer[S]) Fold(state S, events ...eventstore.Event) S {
	for _, evt := range events {
		state = r(state, evt)
	}

	return state
}

// NewTable constructs an empty reducer table
func NewTable[S any]() *Table[S] {
	return &Table[S]{folds: make(map[string]func(S, eventstore.Event) S)}
}

// Table is a reducer composed of per event type folds keyed by type tag.
// Events without a fold pass the state through unchanged.
type Table[S any] struct {
	folds map[string]func(S, eventstore.Event) S
}

// On registers fold for event type E. A second fold for the same type
// replaces the first.
func On[S any, E eventstore.Event](t *Table[S], fold func(S, E) S) *Table[S] {
	var zero E

	t.folds[zero.EventType()] = func(state S, evt eventstore.Event) S {
		typed, ok := evt.(E)
		if !ok {
			return state
		}

		return fold(state, typed)
	}

	return t
}

// Reduce folds a single event
func (t *Table[S]) Reduce(state S, evt eventstore.Event) S {
	if evt == nil {
		return state
	}

	fold, ok := t.folds[evt.EventType()]
	if !ok {
		return state
	}

	return fold(state, evt)
}

// Reducer returns the table as a Reducer
func (t *Table[S]) Reducer() Reducer[S] { return t.Reduce }
