// Package eventstore provides an event sourcing engine on top of an append
// only event log.
// Apart from the log client contract, mechanisms for addressing aggregate
// streams, dispatching committed events to durable consumer groups and
// keeping long lived loops alive are provided. Aggregate command handling
// lives in the aggregate package and the transition DSL in the decide package.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrStreamNotFound indicates that the requested stream does not exist in the event store
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyCheckFailed indicates that the stream tail no longer matches the
	// expected revision the append was issued with
	ErrConcurrencyCheckFailed = errors.New("optimistic concurrency check failed: wrong expected revision")

	// ErrEventNotRegistered indicates that the encoder has no type registered for an event tag
	ErrEventNotRegistered = errors.New("event not registered")

	// ErrSubscriptionExists is returned when creating a persistent subscription that already exists
	ErrSubscriptionExists = errors.New("persistent subscription already exists")

	// ErrSubscriptionNotFound is returned when connecting to a persistent subscription that was never created
	ErrSubscriptionNotFound = errors.New("persistent subscription not found")

	// ErrSubscriptionClosed is returned by Recv once the subscription has been closed
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// EncodedEvt represents encoded event used by a specific encoder implementation
type EncodedEvt struct {
	Data []byte
	Type string
}

// Encoder is used by the event store in order to correctly marshal
// and unmarshal event types
type Encoder interface {
	Encode(Event) (*EncodedEvt, error)
	Decode(*EncodedEvt) (Event, error)
}

// DecodeError reports a committed event whose payload or metadata could not
// be decoded. Such events are poison and are never retried.
type DecodeError struct {
	EventID uuid.UUID
	Type    string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s (%s): %v", e.EventID, e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a *DecodeError
func IsDecodeError(err error) bool {
	var de *DecodeError

	return errors.As(err, &de)
}

// Client is the event log contract the engine is built on.
// A single Client is shared by every aggregate and subscription and must be
// safe for concurrent use.
type Client interface {
	// Append atomically appends events to stream if its tail satisfies
	// expected and returns the revision of the last appended event.
	// A failed precondition yields ErrConcurrencyCheckFailed.
	Append(ctx context.Context, stream string, expected StreamRevision, events []EventData) (uint64, error)

	// ReadStream reads at most count events starting at from (inclusive) in the
	// given direction. A stream that was never written yields ErrStreamNotFound.
	ReadStream(ctx context.Context, stream string, dir Direction, from Position, count uint64) ([]RecordedEvent, error)

	// CreatePersistentSubscription registers a consumer group against a stream
	// (or a $ce- category stream). Returns ErrSubscriptionExists if the group exists.
	CreatePersistentSubscription(ctx context.Context, stream, group string, settings SubscriptionSettings) error

	// SubscribePersistent connects to an existing consumer group
	SubscribePersistent(ctx context.Context, stream, group string, bufferSize int) (PersistentSubscription, error)
}

// PersistentSubscription is one connected member of a consumer group
type PersistentSubscription interface {
	// Recv blocks until an event is delivered to this member
	Recv(ctx context.Context) (*PersistentEvent, error)

	// Ack removes delivered events from the pending set
	Ack(events ...*PersistentEvent) error

	// Nack reports failed events with a disposition
	Nack(action NackAction, reason string, events ...*PersistentEvent) error

	// Close disconnects the member. Unacknowledged events are redelivered.
	Close() error
}

// PersistentEvent is an event delivered through a persistent subscription.
// Event is the resolved (original) event when the subscription resolves links.
type PersistentEvent struct {
	Event      RecordedEvent
	RetryCount int
}

// NackAction is the disposition of a negatively acknowledged event
type NackAction int

const (
	// NackRetry redelivers the event until the group retry count is exhausted
	NackRetry NackAction = iota

	// NackSkip drops the event without redelivery
	NackSkip

	// NackPark moves the event to the parked set
	NackPark
)

func (a NackAction) String() string {
	switch a {
	case NackRetry:
		return "retry"
	case NackSkip:
		return "skip"
	case NackPark:
		return "park"
	default:
		return fmt.Sprintf("NackAction(%d)", int(a))
	}
}

// ConsumerStrategy decides how a group distributes events among its members
type ConsumerStrategy string

const (
	// PinnedByCorrelation pins every partition key (source stream) to one member
	PinnedByCorrelation ConsumerStrategy = "PinnedByCorrelation"

	// RoundRobin distributes events evenly regardless of partition key
	RoundRobin ConsumerStrategy = "RoundRobin"
)

// DefaultMaxRetryCount is used when SubscriptionSettings.MaxRetryCount is not set
const DefaultMaxRetryCount = 10

// SubscriptionSettings configures a consumer group
type SubscriptionSettings struct {
	ResolveLinkTos   bool
	StartFrom        Position
	ConsumerStrategy ConsumerStrategy
	MaxRetryCount    int
}

// DefaultSubscriptionSettings resolves links, starts from the beginning of
// history and pins partitions to members
func DefaultSubscriptionSettings() SubscriptionSettings {
	return SubscriptionSettings{
		ResolveLinkTos:   true,
		StartFrom:        Start(),
		ConsumerStrategy: PinnedByCorrelation,
		MaxRetryCount:    DefaultMaxRetryCount,
	}
}

// Normalized fills unset fields with defaults
func (s SubscriptionSettings) Normalized() SubscriptionSettings {
	if s.ConsumerStrategy == "" {
		s.ConsumerStrategy = PinnedByCorrelation
	}

	if s.MaxRetryCount <= 0 {
		s.MaxRetryCount = DefaultMaxRetryCount
	}

	return s
}
