// Package resource is a reference aggregate: a resource that one owner at a
// time can take and release.
package resource

import (
	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/aggregate"
	"github.com/SALT-FIUBA/backend-sub000/decide"
)

// Kind is the aggregate kind resources are stored under
const Kind = "resource"

// Failure reasons
const (
	ReasonTaken         = "Resource taken"
	ReasonNotTaken      = "Resource not taken"
	ReasonNotOwner      = "Resource held by another owner"
	ReasonOwnerRequired = "Owner required"
)

// ResourceTaken is emitted when an owner takes a free resource
type ResourceTaken struct {
	OwnerID string `json:"ownerId"`
}

// EventType returns the event type tag
func (ResourceTaken) EventType() string { return "ResourceTaken" }

// ResourceReleased is emitted when the owner releases a resource
type ResourceReleased struct {
	OwnerID string `json:"ownerId"`
}

// EventType returns the event type tag
func (ResourceReleased) EventType() string { return "ResourceReleased" }

// Take asks for the resource on behalf of OwnerID
type Take struct {
	OwnerID string
}

// CommandType returns the command type tag
func (Take) CommandType() string { return "Take" }

// Release gives the resource back
type Release struct {
	OwnerID string
}

// CommandType returns the command type tag
func (Release) CommandType() string { return "Release" }

// Resource is the resource state. The zero value is a free resource that
// was never taken.
type Resource struct {
	Taken   bool   `json:"taken"`
	OwnerID string `json:"ownerId,omitempty"`
}

// Output is the result of a resource command. Domain failures are reported
// here, never as errors.
type Output struct {
	Failure string `json:"failure,omitempty"`
}

// Success is the output of an accepted command
func Success() Output { return Output{} }

// Failed is the output of a rejected command
func Failed(reason string) Output { return Output{Failure: reason} }

// OK reports whether the command was accepted
func (o Output) OK() bool { return o.Failure == "" }

// NewEncoder returns an encoder with the resource events registered
func NewEncoder() *eventstore.JSONEncoder {
	enc := eventstore.NewJSONEncoder()

	eventstore.Register[ResourceTaken](enc)
	eventstore.Register[ResourceReleased](enc)

	return enc
}

// Reducer folds resource events into state
func Reducer() decide.Reducer[Resource] {
	t := decide.NewTable[Resource]()

	decide.On(t, func(_ Resource, e ResourceTaken) Resource {
		return Resource{Taken: true, OwnerID: e.OwnerID}
	})

	decide.On(t, func(_ Resource, _ ResourceReleased) Resource {
		return Resource{}
	})

	return t.Reducer()
}

// Router returns the command router of the resource aggregate
func Router() *decide.Router[Resource, Output] {
	r := decide.NewRouter[Resource, Output]()

	decide.Route(r, func(m *decide.CommandM[Take, Resource, Output]) Output {
		if m.Command().OwnerID == "" {
			return m.Escape(Failed(ReasonOwnerRequired))
		}

		if m.State().Taken {
			return m.Escape(Failed(ReasonTaken))
		}

		m.Emit(ResourceTaken{OwnerID: m.Command().OwnerID})

		return Success()
	})

	decide.Route(r, func(m *decide.CommandM[Release, Resource, Output]) Output {
		state := m.State()

		if !state.Taken {
			return m.Escape(Failed(ReasonNotTaken))
		}

		if state.OwnerID != m.Command().OwnerID {
			return m.Escape(Failed(ReasonNotOwner))
		}

		m.Emit(ResourceReleased{OwnerID: state.OwnerID})

		return Success()
	})

	return r
}

// Definition describes the resource aggregate
func Definition() aggregate.Definition[Resource, decide.Command, Output] {
	reduce := Reducer()

	return aggregate.Definition[Resource, decide.Command, Output]{
		Kind:    Kind,
		Encoder: NewEncoder(),
		Reduce:  reduce,
		Decide:  aggregate.Routed(Router(), reduce),
	}
}

// Handler handles resource commands
type Handler = aggregate.Handler[Resource, decide.Command, Output]

// NewHandler constructs the resource command handler
func NewHandler(client eventstore.Client, opts ...aggregate.Option) (*Handler, error) {
	return aggregate.NewHandler(client, Definition(), opts...)
}
