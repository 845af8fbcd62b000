package decide

import (
	"errors"
	"fmt"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

// ErrUnhandledCommand is returned when a router has no route for a command
var ErrUnhandledCommand = errors.New("unhandled command")

// Command is a command addressed to an aggregate. CommandType returns the
// stable tag the command is routed by.
type Command interface {
	CommandType() string
}

// Decision is the outcome of running a CommandFunc
type Decision[O any] struct {
	Events  []eventstore.Event
	Output  O
	Escaped bool
}

// CommandM is the context of one evaluation of a CommandFunc. The command
// and the state are read only; the computation only accumulates events.
//
// After Escape every further Emit is ignored and the escaped value is the
// output of the evaluation.
type CommandM[C, S, O any] struct {
	cmd   C
	state S
	track[O]
}

// CommandFunc is a sequenced decision over command C and state S with output O
type CommandFunc[C, S, O any] func(m *CommandM[C, S, O]) O

// Command returns the command being decided
func (m *CommandM[C, S, O]) Command() C { return m.cmd }

// State returns the state the command is decided against
func (m *CommandM[C, S, O]) State() S { return m.state }

// Emit appends events to the emitted batch
func (m *CommandM[C, S, O]) Emit(events ...eventstore.Event) { m.emit(events) }

// Escape terminates the evaluation with out. Only the first call has an effect.
func (m *CommandM[C, S, O]) Escape(out O) O { return m.escape(out) }

// Escaped reports whether Escape has been called
func (m *CommandM[C, S, O]) Escaped() bool { return m.escaped }

// RunCommand evaluates fn for cmd against state
func RunCommand[C, S, O any](cmd C, state S, fn CommandFunc[C, S, O]) Decision[O] {
	m := &CommandM[C, S, O]{cmd: cmd, state: state}

	out := m.result(fn(m))

	return Decision[O]{
		Events:  m.events,
		Output:  out,
		Escaped: m.escaped,
	}
}

// NewRouter constructs an empty command router
func NewRouter[S, O any]() *Router[S, O] {
	return &Router[S, O]{routes: make(map[string]func(Command, S) (Decision[O], bool))}
}

// Router dispatches commands by type tag to per command computations
type Router[S, O any] struct {
	routes map[string]func(Command, S) (Decision[O], bool)
}

// Route registers fn as the computation for command type C
func Route[C Command, S, O any](r *Router[S, O], fn CommandFunc[C, S, O]) *Router[S, O] {
	var zero C

	r.routes[zero.CommandType()] = func(cmd Command, state S) (Decision[O], bool) {
		typed, ok := cmd.(C)
		if !ok {
			return Decision[O]{}, false
		}

		return RunCommand(typed, state, fn), true
	}

	return r
}

// Decide runs the computation routed for cmd. Commands without a route, or
// whose dynamic type does not match the routed type, yield ErrUnhandledCommand.
func (r *Router[S, O]) Decide(cmd Command, state S) (Decision[O], error) {
	if cmd == nil {
		return Decision[O]{}, fmt.Errorf("%w: nil command", ErrUnhandledCommand)
	}

	route, ok := r.routes[cmd.CommandType()]
	if !ok {
		return Decision[O]{}, fmt.Errorf("%w: %s", ErrUnhandledCommand, cmd.CommandType())
	}

	d, ok := route(cmd, state)
	if !ok {
		return Decision[O]{}, fmt.Errorf("%w: %s has type %T", ErrUnhandledCommand, cmd.CommandType(), cmd)
	}

	return d, nil
}
