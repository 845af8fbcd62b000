// Package aggregate reconstructs aggregate state from its stream pair and
// handles commands against it: read, decide, append, snapshot.
package aggregate

import (
	"errors"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/decide"
)

var (
	// ErrKindRequired is returned for a definition without an aggregate kind
	ErrKindRequired = errors.New("aggregate kind is required")

	// ErrEncoderRequired is returned for a definition without an event encoder
	ErrEncoderRequired = errors.New("event encoder is required")

	// ErrReducerRequired is returned for a definition without a reducer
	ErrReducerRequired = errors.New("reducer is required")

	// ErrDeciderRequired is returned for a definition without a decider
	ErrDeciderRequired = errors.New("decider is required")
)

// Decider runs the transition of an aggregate for one command. Domain
// failures belong in the output; an error aborts command handling.
type Decider[S, C, O any] func(cmd C, state S) (decide.Result[S, O], error)

// Definition describes one aggregate kind.
//
// S is the state and must round trip through encoding/json since it is
// snapshotted. The zero value of S is the absent state. Reduce must not
// mutate the state it is given.
type Definition[S, C, O any] struct {
	Kind    string
	Encoder eventstore.Encoder
	Reduce  decide.Reducer[S]
	Decide  Decider[S, C, O]

	// Equal reports whether two states are the same. When nil states are
	// compared by their json encoding.
	Equal func(a, b S) bool
}

func (d Definition[S, C, O]) validate() error {
	switch {
	case d.Kind == "":
		return ErrKindRequired
	case d.Encoder == nil:
		return ErrEncoderRequired
	case d.Reduce == nil:
		return ErrReducerRequired
	case d.Decide == nil:
		return ErrDeciderRequired
	}

	return nil
}

// Stateful adapts a per command state computation into a Decider. The final
// state of the computation is the state the aggregate is snapshotted with.
func Stateful[S, C, O any](fn func(cmd C) decide.StateFunc[S, O]) Decider[S, C, O] {
	return func(cmd C, state S) (decide.Result[S, O], error) {
		return decide.RunState(state, fn(cmd)), nil
	}
}

// Routed adapts a command router into a Decider. The resulting state is the
// prior state with the emitted events folded in.
func Routed[S, O any](router *decide.Router[S, O], reduce decide.Reducer[S]) Decider[S, decide.Command, O] {
	return func(cmd decide.Command, state S) (decide.Result[S, O], error) {
		d, err := router.Decide(cmd, state)
		if err != nil {
			return decide.Result[S, O]{}, err
		}

		return decide.Result[S, O]{
			State:   reduce.Fold(state, d.Events...),
			Events:  d.Events,
			Output:  d.Output,
			Escaped: d.Escaped,
		}, nil
	}
}
