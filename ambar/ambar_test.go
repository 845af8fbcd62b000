package ambar_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/relvacode/iso8601"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/ambar"
	"github.com/SALT-FIUBA/backend-sub000/ambar/testutil"
)

func newAmbar() *ambar.Ambar {
	return ambar.New(eventstore.Register[testutil.ItemShipped](eventstore.NewJSONEncoder()))
}

func noop(context.Context, eventstore.StoredEvent) error { return nil }

func TestShould_Project_Required_Data(t *testing.T) {
	p := testutil.AmbarPayload

	created, err := iso8601.ParseString(p.Created)
	require.NoError(t, err)

	var got eventstore.StoredEvent

	err = newAmbar().Project(context.Background(), func(_ context.Context, evt eventstore.StoredEvent) error {
		got = evt

		return nil
	}, testutil.Body(t, p))

	require.NoError(t, err)

	assert.Equal(t, eventstore.StoredEvent{
		Event:      testutil.Event,
		ID:         uuid.MustParse(p.ID),
		Type:       "ItemShipped",
		StreamID:   p.StreamID,
		Revision:   p.Revision,
		OccurredOn: created,
	}, got)
}

func TestShould_Project_Optional_Data(t *testing.T) {
	p := testutil.AmbarPayload

	meta, err := json.Marshal(eventstore.Metadata{
		CausationEventID:   "causation-event-id",
		CorrelationEventID: "correlation-event-id",
		Meta:               map[string]string{"foo": "bar"},
	})
	require.NoError(t, err)

	metaStr := string(meta)
	p.Meta = &metaStr

	err = newAmbar().Project(context.Background(), func(_ context.Context, evt eventstore.StoredEvent) error {
		assert.Equal(t, "causation-event-id", evt.Meta.CausationEventID)
		assert.Equal(t, "correlation-event-id", evt.Meta.CorrelationEventID)
		assert.Equal(t, map[string]string{"foo": "bar"}, evt.Meta.Meta)

		return nil
	}, testutil.Body(t, p))

	assert.NoError(t, err)
}

func TestShould_Keep_Going_On_Poison(t *testing.T) {
	badMeta := "bad-meta"

	tests := []struct {
		name   string
		modify func(*ambar.Payload)
	}{
		{"bad date", func(p *ambar.Payload) { p.Created = "bad-date-time" }},
		{"bad meta", func(p *ambar.Payload) { p.Meta = &badMeta }},
		{"bad id", func(p *ambar.Payload) { p.ID = "event-id" }},
		{"bad data", func(p *ambar.Payload) { p.Data = "{" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := testutil.AmbarPayload
			tc.modify(&p)

			err := newAmbar().Project(context.Background(), noop, testutil.Body(t, p))

			assert.ErrorIs(t, err, ambar.ErrKeepItGoing)
		})
	}

	err := newAmbar().Project(context.Background(), noop, []byte(`not json`))
	assert.ErrorIs(t, err, ambar.ErrKeepItGoing)
}

func TestShould_Not_Retry_On_Unregistered_Event(t *testing.T) {
	a := ambar.New(eventstore.NewJSONEncoder())

	err := a.Project(context.Background(), nil, testutil.Body(t, testutil.AmbarPayload))

	assert.NoError(t, err)
}

func TestShould_Return_Handler_Error(t *testing.T) {
	boom := errors.New("boom")

	err := newAmbar().Project(context.Background(), func(context.Context, eventstore.StoredEvent) error {
		return boom
	}, testutil.Body(t, testutil.AmbarPayload))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ambar.RetryResp, ambar.Response(err))
}

func TestResponse(t *testing.T) {
	assert.Equal(t, ambar.SuccessResp, ambar.Response(nil))
	assert.Equal(t, ambar.SuccessResp, ambar.Response(ambar.ErrNoRetry))
	assert.Equal(t, ambar.KeepGoingResp, ambar.Response(ambar.ErrKeepItGoing))
	assert.Equal(t, ambar.RetryResp, ambar.Response(ambar.ErrRetry))
	assert.Equal(t, ambar.RetryResp, ambar.Response(errors.New("arbitrary")))
}
