package eventstore

import (
	"encoding/json"
	"fmt"
	"sync"
)

// NewJSONEncoder constructs json encoder with no registered events.
// Use Register to add event types to it.
func NewJSONEncoder() *JSONEncoder {
	return &JSONEncoder{
		decoders: make(map[string]func([]byte) (Event, error)),
	}
}

// JSONEncoder provides default json Encoder implementation
// It will marshal and unmarshal events to/from json and store the type tag
// reported by Event.EventType
type JSONEncoder struct {
	mu       sync.RWMutex
	decoders map[string]func([]byte) (Event, error)
}

// Register adds event type E to the encoder under the tag returned by the
// zero value of E. Registering the same tag twice panics.
func Register[E Event](enc *JSONEncoder) *JSONEncoder {
	var zero E

	tag := zero.EventType()

	enc.mu.Lock()
	defer enc.mu.Unlock()

	if _, ok := enc.decoders[tag]; ok {
		panic(fmt.Sprintf("event type %q registered twice", tag))
	}

	enc.decoders[tag] = func(data []byte) (Event, error) {
		var evt E

		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, err
		}

		return evt, nil
	}

	return enc
}

// Registered reports whether the given type tag can be decoded
func (e *JSONEncoder) Registered(tag string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.decoders[tag]

	return ok
}

// Encode marshals incoming event to it's json representation
func (e *JSONEncoder) Encode(evt Event) (*EncodedEvt, error) {
	if evt == nil {
		return nil, fmt.Errorf("cannot encode nil event")
	}

	tag := evt.EventType()

	if !e.Registered(tag) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, tag)
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}

	return &EncodedEvt{
		Type: tag,
		Data: data,
	}, nil
}

// Decode unmarshals incoming event to it's corresponding go type
func (e *JSONEncoder) Decode(evt *EncodedEvt) (Event, error) {
	e.mu.RLock()
	decode, ok := e.decoders[evt.Type]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, evt.Type)
	}

	return decode(evt.Data)
}
