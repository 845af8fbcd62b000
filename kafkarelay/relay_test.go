package kafkarelay_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/kafkarelay"
)

type ResourceTaken struct {
	OwnerID string `json:"ownerId"`
}

func (ResourceTaken) EventType() string { return "ResourceTaken" }

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}

	w.msgs = append(w.msgs, msgs...)

	return nil
}

func storedEvent() eventstore.StoredEvent {
	return eventstore.StoredEvent{
		Event:      ResourceTaken{OwnerID: "john"},
		ID:         uuid.MustParse("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b"),
		Type:       "ResourceTaken",
		StreamID:   "resource-1",
		Revision:   4,
		OccurredOn: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Meta: eventstore.Metadata{
			CorrelationEventID: "corr",
			Meta:               map[string]string{"user": "john"},
		},
	}
}

func TestMessage_Carries_Event(t *testing.T) {
	msg, err := kafkarelay.Message(context.Background(), storedEvent())
	require.NoError(t, err)

	assert.Equal(t, "resource-1", string(msg.Key))
	assert.Equal(t, "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b", kafkarelay.HeaderValue(msg.Headers, kafkarelay.HeaderEventID))
	assert.Equal(t, "ResourceTaken", kafkarelay.HeaderValue(msg.Headers, kafkarelay.HeaderEventType))
	assert.Equal(t, "resource-1", kafkarelay.HeaderValue(msg.Headers, kafkarelay.HeaderStream))
	assert.Equal(t, "4", kafkarelay.HeaderValue(msg.Headers, kafkarelay.HeaderRevision))

	var env kafkarelay.Envelope

	require.NoError(t, json.Unmarshal(msg.Value, &env))

	assert.Equal(t, "ResourceTaken", env.Type)
	assert.Equal(t, uint64(4), env.Revision)
	assert.Equal(t, "corr", env.CorrelationEventID)
	assert.Equal(t, map[string]string{"user": "john"}, env.Meta)
	assert.JSONEq(t, `{"ownerId":"john"}`, string(env.Data))
}

func TestMessage_Propagates_Trace_Context(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg, err := kafkarelay.Message(ctx, storedEvent())
	require.NoError(t, err)

	assert.NotEmpty(t, kafkarelay.HeaderValue(msg.Headers, "traceparent"))

	got := trace.SpanContextFromContext(kafkarelay.ExtractTraceContext(context.Background(), msg))
	assert.Equal(t, sc.TraceID(), got.TraceID())
}

func TestRelay_Writes_Message(t *testing.T) {
	w := &recordingWriter{}

	require.NoError(t, kafkarelay.New(w).Handle(context.Background(), storedEvent()))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "resource-1", string(w.msgs[0].Key))
}

func TestRelay_Propagates_Write_Error(t *testing.T) {
	boom := errors.New("broker down")

	err := kafkarelay.New(&recordingWriter{err: boom}).Handle(context.Background(), storedEvent())

	assert.ErrorIs(t, err, boom)
}

func TestSplit_Brokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, kafkarelay.SplitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, kafkarelay.SplitBrokers(""))
}
