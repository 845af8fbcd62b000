// Package kafkarelay forwards committed events to a Kafka topic. A Relay is
// an eventstore.Handler, so it runs as an ordinary consumer group and
// inherits its retry and parking behaviour.
package kafkarelay

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

// Header keys set on every relayed message
const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
	HeaderStream    = "stream"
	HeaderRevision  = "revision"
)

// Writer is the subset of *kafka.Writer used by the relay
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Envelope is the message value written for every event
type Envelope struct {
	ID                 string            `json:"id"`
	Type               string            `json:"type"`
	Stream             string            `json:"stream"`
	Revision           uint64            `json:"revision"`
	OccurredOn         time.Time         `json:"occurredOn"`
	CausationEventID   string            `json:"causationEventId,omitempty"`
	CorrelationEventID string            `json:"correlationEventId,omitempty"`
	Meta               map[string]string `json:"meta,omitempty"`
	Data               json.RawMessage   `json:"data"`
}

// NewWriter constructs a kafka writer for topic. Messages are partitioned by
// key, which the relay sets to the source stream.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// SplitBrokers parses a comma separated broker list
func SplitBrokers(raw string) []string {
	var brokers []string

	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}

	return brokers
}

// New constructs a relay writing to w
func New(w Writer) *Relay {
	return &Relay{w: w}
}

// Relay publishes events to kafka
type Relay struct {
	w Writer
}

// Handle publishes evt. It satisfies eventstore.Handler.
func (r *Relay) Handle(ctx context.Context, evt eventstore.StoredEvent) error {
	msg, err := Message(ctx, evt)
	if err != nil {
		return err
	}

	return r.w.WriteMessages(ctx, msg)
}

// Message builds the kafka message for evt. The key is the source stream so
// per stream order is kept within a partition. Trace context from ctx is
// injected into the headers.
func Message(ctx context.Context, evt eventstore.StoredEvent) (kafka.Message, error) {
	data, err := json.Marshal(evt.Event)
	if err != nil {
		return kafka.Message{}, err
	}

	value, err := json.Marshal(Envelope{
		ID:                 evt.ID.String(),
		Type:               evt.Type,
		Stream:             evt.StreamID,
		Revision:           evt.Revision,
		OccurredOn:         evt.OccurredOn,
		CausationEventID:   evt.Meta.CausationEventID,
		CorrelationEventID: evt.Meta.CorrelationEventID,
		Meta:               evt.Meta.Meta,
		Data:               data,
	})
	if err != nil {
		return kafka.Message{}, err
	}

	carrier := &headerCarrier{headers: []kafka.Header{
		{Key: HeaderEventID, Value: []byte(evt.ID.String())},
		{Key: HeaderEventType, Value: []byte(evt.Type)},
		{Key: HeaderStream, Value: []byte(evt.StreamID)},
		{Key: HeaderRevision, Value: []byte(strconv.FormatUint(evt.Revision, 10))},
	}}

	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return kafka.Message{
		Key:     []byte(evt.StreamID),
		Value:   value,
		Headers: carrier.headers,
		Time:    evt.OccurredOn,
	}, nil
}

// HeaderValue returns the value of header key or an empty string
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}

	return ""
}

// ExtractTraceContext returns ctx carrying the trace context of msg
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{headers: msg.Headers})
}

type headerCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string { return HeaderValue(c.headers, key) }

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))

	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}

	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)

			return
		}
	}

	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}
