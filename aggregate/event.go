package aggregate

import (
	"context"
	"maps"
	"time"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

type ctxKey int

const (
	metaKey ctxKey = iota
	causationKey
	correlationKey
)

// CtxWithMeta returns a context carrying meta to be stored with every event
// appended by a handler called with it. Entries are merged with meta already
// present in ctx.
func CtxWithMeta(ctx context.Context, meta map[string]string) context.Context {
	merged := maps.Clone(metaFromCtx(ctx))
	if merged == nil {
		merged = make(map[string]string, len(meta))
	}

	maps.Copy(merged, meta)

	return context.WithValue(ctx, metaKey, merged)
}

// CtxWithCausationID returns a context carrying the id of the event that caused
// the command being handled
func CtxWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationKey, id)
}

// CtxWithCorrelationID returns a context carrying the id correlating a chain
// of commands and events
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

func metaFromCtx(ctx context.Context) map[string]string {
	meta, _ := ctx.Value(metaKey).(map[string]string)

	return meta
}

func stringFromCtx(ctx context.Context, key ctxKey) string {
	s, _ := ctx.Value(key).(string)

	return s
}

// toStore wraps emitted events with the metadata carried by ctx
func toStore(ctx context.Context, now time.Time, events []eventstore.Event) []eventstore.EventToStore {
	meta := metaFromCtx(ctx)
	causation := stringFromCtx(ctx, causationKey)
	correlation := stringFromCtx(ctx, correlationKey)

	out := make([]eventstore.EventToStore, 0, len(events))

	for _, evt := range events {
		out = append(out, eventstore.EventToStore{
			Event:              evt,
			CausationEventID:   causation,
			CorrelationEventID: correlation,
			Meta:               meta,
			OccurredOn:         now,
		})
	}

	return out
}
