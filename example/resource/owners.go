package resource

import (
	"context"
	"maps"
	"strings"
	"sync"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

// NewOwners constructs an empty owners read model
func NewOwners() *Owners {
	return &Owners{owners: make(map[string]string)}
}

// Owners is a read model of the current owner of every taken resource,
// maintained from the resource category stream
type Owners struct {
	mu     sync.RWMutex
	owners map[string]string
}

// Handle applies one resource event. It satisfies eventstore.Handler.
func (o *Owners) Handle(_ context.Context, evt eventstore.StoredEvent) error {
	id := strings.TrimPrefix(evt.StreamID, Kind+"-")

	o.mu.Lock()
	defer o.mu.Unlock()

	switch e := evt.Event.(type) {
	case ResourceTaken:
		o.owners[id] = e.OwnerID
	case ResourceReleased:
		delete(o.owners, id)
	}

	return nil
}

// Owner returns the owner of resource id
func (o *Owners) Owner(id string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	owner, ok := o.owners[id]

	return owner, ok
}

// All returns a copy of every resource id and its owner
func (o *Owners) All() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return maps.Clone(o.owners)
}
