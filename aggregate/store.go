package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/decide"
)

// DefaultPageSize is the number of events read per round trip during replay
const DefaultPageSize = 200

// ErrSequenceGap indicates a replayed event whose revision does not follow
// the previous one
var ErrSequenceGap = errors.New("event sequence gap")

// Loaded is reconstructed aggregate state
type Loaded[S any] struct {
	// State is the zero value when the aggregate does not exist
	State S

	// Revision is the precondition for the next append: NoStream for a new
	// aggregate, Expected(n) otherwise
	Revision eventstore.StreamRevision

	// FromSnapshot is set when replay was seeded from a snapshot
	FromSnapshot bool

	// Replayed is the number of main stream events folded
	Replayed int
}

// Exists reports whether the aggregate stream has any events
func (l Loaded[S]) Exists() bool {
	_, ok := l.Revision.(eventstore.Expected)

	return ok
}

// LoadCfg represents reconstruction configuration (configure using LoadOption)
type LoadCfg struct {
	pageSize int
	filter   func(eventstore.RecordedEvent) bool
}

// LoadOption represents reconstruction configuration option
type LoadOption func(LoadCfg) LoadCfg

// WithPageSize sets the number of events read per round trip
func WithPageSize(size int) LoadOption {
	return func(cfg LoadCfg) LoadCfg {
		cfg.pageSize = size

		return cfg
	}
}

// WithFilter excludes events from folding. Filtered events still count
// towards the observed revision.
func WithFilter(keep func(eventstore.RecordedEvent) bool) LoadOption {
	return func(cfg LoadCfg) LoadCfg {
		cfg.filter = keep

		return cfg
	}
}

// ComputeState reconstructs state from the latest snapshot (if any) and the
// main stream events recorded after it.
//
// Without snapshot and events the state is absent and the precondition is
// NoStream. A snapshot with no newer events yields the snapshot state and its
// tagged revision. A snapshot whose main stream does not exist is ignored.
func ComputeState[S any](ctx context.Context, streams eventstore.Streams, enc eventstore.Encoder, reduce decide.Reducer[S], opts ...LoadOption) (Loaded[S], error) {
	cfg := LoadCfg{pageSize: DefaultPageSize}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.pageSize < 1 {
		return Loaded[S]{}, fmt.Errorf("page size should be at least 1")
	}

	loaded := Loaded[S]{Revision: eventstore.NoStream{}}

	next := uint64(0)

	snapshot, rev, ok, err := readSnapshot[S](ctx, streams.Snapshot)
	if err != nil {
		return Loaded[S]{}, err
	}

	if ok {
		loaded.State = snapshot
		loaded.Revision = eventstore.Expected(rev)
		loaded.FromSnapshot = true
		next = rev + 1
	}

	for {
		events, err := streams.Main.Read(ctx, eventstore.Forwards, eventstore.At(next), uint64(cfg.pageSize))
		if errors.Is(err, eventstore.ErrStreamNotFound) {
			return Loaded[S]{Revision: eventstore.NoStream{}}, nil
		}

		if err != nil {
			return Loaded[S]{}, err
		}

		for _, rec := range events {
			if rec.Revision != next {
				return Loaded[S]{}, fmt.Errorf("%w: %s expected revision %d got %d", ErrSequenceGap, rec.StreamID, next, rec.Revision)
			}

			if cfg.filter == nil || cfg.filter(rec) {
				evt, err := eventstore.Decode(enc, rec)
				if err != nil {
					return Loaded[S]{}, err
				}

				loaded.State = reduce(loaded.State, evt.Event)
				loaded.Replayed++
			}

			loaded.Revision = eventstore.Expected(rec.Revision)
			next++
		}

		if len(events) < cfg.pageSize {
			return loaded, nil
		}
	}
}

// readSnapshot returns the latest snapshot state and the main stream revision
// it reflects. Snapshots that cannot be decoded are treated as missing.
func readSnapshot[S any](ctx context.Context, stream eventstore.Stream) (S, uint64, bool, error) {
	var state S

	rec, err := stream.ReadLast(ctx)
	if errors.Is(err, eventstore.ErrStreamNotFound) {
		return state, 0, false, nil
	}

	if err != nil {
		return state, 0, false, err
	}

	meta, err := eventstore.DecodeMetadata(rec)
	if err != nil {
		return state, 0, false, nil
	}

	rev, ok := meta.SnapshotRevision()
	if !ok {
		return state, 0, false, nil
	}

	expected, ok := rev.(eventstore.Expected)
	if !ok {
		return state, 0, false, nil
	}

	if err := json.Unmarshal(rec.Data, &state); err != nil {
		var zero S

		return zero, 0, false, nil
	}

	return state, uint64(expected), true, nil
}

// SaveSnapshot writes state to the snapshot stream tagged with the main
// stream revision it reflects. Snapshots are a cache so no precondition is used.
func SaveSnapshot[S any](ctx context.Context, streams eventstore.Streams, kind string, state S, revision uint64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	raw := int64(revision)

	meta, err := json.Marshal(eventstore.Metadata{
		Timestamp:                 time.Now().UTC(),
		SnapshottedStreamRevision: &raw,
	})
	if err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return err
	}

	_, err = streams.Snapshot.Append(ctx, eventstore.Any{}, eventstore.EventData{
		ID:       id,
		Type:     kind + "Snapshot",
		Data:     data,
		Metadata: meta,
	})

	return err
}
