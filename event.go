package eventstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event. EventType returns the stable type tag the event is
// registered under and stored with. It must not depend on field values.
type Event interface {
	EventType() string
}

// EventToStore represents an event that is to be stored in the event store
type EventToStore struct {
	Event Event

	// Optional
	ID                 uuid.UUID
	CausationEventID   string
	CorrelationEventID string
	Meta               map[string]string
	OccurredOn         time.Time
}

// Metadata is the metadata document stored alongside every event
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`

	// SnapshottedStreamRevision is set on snapshot records only and holds the
	// raw main stream revision the snapshot reflects
	SnapshottedStreamRevision *int64 `json:"snapshottedStreamRevision,omitempty"`

	CausationEventID   string            `json:"causationEventId,omitempty"`
	CorrelationEventID string            `json:"correlationEventId,omitempty"`
	Meta               map[string]string `json:"meta,omitempty"`
}

// SnapshotRevision returns the symbolic revision a snapshot was taken at
func (m Metadata) SnapshotRevision() (StreamRevision, bool) {
	if m.SnapshottedStreamRevision == nil {
		return nil, false
	}

	r, err := RevisionFromRaw(*m.SnapshottedStreamRevision)
	if err != nil {
		return nil, false
	}

	return r, true
}

// EventData is an encoded event ready to be appended
type EventData struct {
	ID       uuid.UUID
	Type     string
	Data     []byte
	Metadata []byte
}

// RecordedEvent is an encoded event as committed by the store
type RecordedEvent struct {
	ID       uuid.UUID
	StreamID string
	Revision uint64
	Type     string
	Data     []byte
	Metadata []byte
	Created  time.Time
}

// StoredEvent holds a decoded committed event and its metadata
type StoredEvent struct {
	Event Event
	Meta  Metadata

	ID         uuid.UUID
	Type       string
	StreamID   string
	Revision   uint64
	OccurredOn time.Time
}

// Encode turns events into EventData using enc. Missing ids are generated
// (UUIDv7) and missing timestamps default to now.
func Encode(enc Encoder, events []EventToStore) ([]EventData, error) {
	out := make([]EventData, len(events))

	for i, evt := range events {
		encoded, err := enc.Encode(evt.Event)
		if err != nil {
			return nil, err
		}

		id := evt.ID

		if id == uuid.Nil {
			id, err = uuid.NewV7()
			if err != nil {
				return nil, err
			}
		}

		occurredOn := evt.OccurredOn

		if occurredOn.IsZero() {
			occurredOn = time.Now().UTC()
		}

		meta, err := json.Marshal(Metadata{
			Timestamp:          occurredOn,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			Meta:               evt.Meta,
		})
		if err != nil {
			return nil, err
		}

		out[i] = EventData{
			ID:       id,
			Type:     encoded.Type,
			Data:     encoded.Data,
			Metadata: meta,
		}
	}

	return out, nil
}

// Decode decodes a recorded event. Any failure is reported as *DecodeError.
func Decode(enc Encoder, rec RecordedEvent) (StoredEvent, error) {
	meta, err := DecodeMetadata(rec)
	if err != nil {
		return StoredEvent{}, err
	}

	evt, err := enc.Decode(&EncodedEvt{
		Type: rec.Type,
		Data: rec.Data,
	})
	if err != nil {
		return StoredEvent{}, &DecodeError{EventID: rec.ID, Type: rec.Type, Err: err}
	}

	occurredOn := meta.Timestamp

	if occurredOn.IsZero() {
		occurredOn = rec.Created
	}

	return StoredEvent{
		Event:      evt,
		Meta:       meta,
		ID:         rec.ID,
		Type:       rec.Type,
		StreamID:   rec.StreamID,
		Revision:   rec.Revision,
		OccurredOn: occurredOn,
	}, nil
}

// DecodeMetadata decodes the metadata document of a recorded event.
// Empty metadata decodes to the zero Metadata.
func DecodeMetadata(rec RecordedEvent) (Metadata, error) {
	var meta Metadata

	if len(rec.Metadata) == 0 {
		return meta, nil
	}

	if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
		return Metadata{}, &DecodeError{EventID: rec.ID, Type: rec.Type, Err: err}
	}

	return meta, nil
}
