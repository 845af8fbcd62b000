// Package dedup makes event handlers idempotent under at-least-once
// delivery by recording the ids of processed events in an inbox.
package dedup

import (
	"context"
	"log/slog"
	"sync"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

// Guard is an inbox of ids of events processed to completion
type Guard interface {
	// Seen reports whether id was marked
	Seen(ctx context.Context, id string) (bool, error)

	// Mark records id as processed. Marking a marked id is not an error.
	Mark(ctx context.Context, id, eventType string) error
}

// Handler wraps h so that an event whose id is in the inbox is acknowledged
// without calling h. The id is marked only after h succeeds, so an event
// whose handling failed, was cancelled or crashed is handled again on
// redelivery.
//
// A failed mark is logged and not returned: h already ran, and a retry
// would run it a second time.
func Handler(guard Guard, h eventstore.Handler, logger *slog.Logger) eventstore.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, evt eventstore.StoredEvent) error {
		id := evt.ID.String()

		seen, err := guard.Seen(ctx, id)
		if err != nil {
			return err
		}

		if seen {
			logger.DebugContext(ctx, "duplicate event ignored",
				"stream", evt.StreamID,
				"event_id", id,
				"event_type", evt.Type,
			)

			return nil
		}

		if err := h(ctx, evt); err != nil {
			return err
		}

		// the event is handled even if ctx was cancelled meanwhile
		if err := guard.Mark(context.WithoutCancel(ctx), id, evt.Type); err != nil {
			logger.WarnContext(ctx, "inbox mark failed",
				"stream", evt.StreamID,
				"event_id", id,
				"err", err,
			)
		}

		return nil
	}
}

// NewMemory constructs an in-process Guard
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]string)}
}

// Memory is an in-process Guard. It is lost on restart.
type Memory struct {
	mu   sync.Mutex
	seen map[string]string
}

// Seen reports whether id was marked
func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.seen[id]

	return ok, nil
}

// Mark records id as processed
func (m *Memory) Mark(_ context.Context, id, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seen[id] = eventType

	return nil
}
