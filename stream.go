package eventstore

import (
	"context"
	"fmt"
	"strings"
)

const (
	snapshotSuffix = "_snapshot"
	categoryPrefix = "$ce-"
)

// StreamName returns the main stream name of an aggregate instance
func StreamName(kind, id string) string { return kind + "-" + id }

// SnapshotStreamName returns the snapshot stream name of an aggregate instance
func SnapshotStreamName(kind, id string) string { return kind + snapshotSuffix + "-" + id }

// CategoryStream returns the synthetic stream name that links every event of
// every stream of the given aggregate kind
func CategoryStream(kind string) string { return categoryPrefix + kind }

// Category returns the category (aggregate kind) of a stream name, that is
// everything before the first dash
func Category(stream string) string {
	category, _, found := strings.Cut(stream, "-")
	if !found {
		return ""
	}

	return category
}

// CategoryOf reports the category a $ce- stream name links to
func CategoryOf(stream string) (string, bool) {
	return strings.CutPrefix(stream, categoryPrefix)
}

// NewStream constructs a handle for a single stream
func NewStream(client Client, name string) Stream {
	return Stream{client: client, name: name}
}

// Stream is an addressable handle on one stream of the log
type Stream struct {
	client Client
	name   string
}

// Name returns the stream name
func (s Stream) Name() string { return s.name }

// Append atomically appends events using expected as the precondition and
// returns the revision of the last appended event
func (s Stream) Append(ctx context.Context, expected StreamRevision, events ...EventData) (uint64, error) {
	if len(s.name) == 0 {
		return 0, fmt.Errorf("stream name must be provided")
	}

	if len(events) == 0 {
		return 0, fmt.Errorf("at least one event must be appended")
	}

	return s.client.Append(ctx, s.name, expected, events)
}

// Read reads a batch of at most limit events from the stream.
// ErrStreamNotFound is returned for streams that were never written.
func (s Stream) Read(ctx context.Context, dir Direction, from Position, limit uint64) ([]RecordedEvent, error) {
	if limit == 0 {
		return nil, fmt.Errorf("read limit must be at least 1")
	}

	return s.client.ReadStream(ctx, s.name, dir, from, limit)
}

// ReadLast reads the last event of the stream
func (s Stream) ReadLast(ctx context.Context) (RecordedEvent, error) {
	events, err := s.Read(ctx, Backwards, End(), 1)
	if err != nil {
		return RecordedEvent{}, err
	}

	if len(events) == 0 {
		return RecordedEvent{}, ErrStreamNotFound
	}

	return events[0], nil
}

// NewStreams constructs the {main, snapshot} stream pair of an aggregate instance
func NewStreams(client Client, kind, id string) Streams {
	return Streams{
		Main:     NewStream(client, StreamName(kind, id)),
		Snapshot: NewStream(client, SnapshotStreamName(kind, id)),
	}
}

// Streams is the stream pair of one aggregate instance
type Streams struct {
	Main     Stream
	Snapshot Stream
}
