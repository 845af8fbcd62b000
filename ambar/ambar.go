// Package ambar adapts push delivery of events by an Ambar data destination
// to eventstore handlers. Ambar reads the event table of the sql store and
// posts every row; the response tells it whether to move on or retry.
package ambar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/relvacode/iso8601"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

var (
	// ErrRetry asks ambar to deliver the event again.
	// This is also the default for any other handler error.
	ErrRetry = errors.New("retry")

	// ErrNoRetry acknowledges the event despite the error. It can be used to
	// wrap an error that should be logged but not retried.
	ErrNoRetry = errors.New("no retry")

	// ErrKeepItGoing reports the event as failed and asks ambar to carry on
	// with the next one
	ErrKeepItGoing = errors.New("keep it going")
)

// SuccessResp is the success response
// https://docs.ambar.cloud/#Data%20Destinations
var SuccessResp = `{
  "result": {
    "success": {}
  }
}`

// RetryResp is the retry response
// https://docs.ambar.cloud/#Data%20Destinations
var RetryResp = `{
  "result": {
    "error": {
      "policy": "must_retry",
      "class": "must retry it",
      "description": "must retry it"
    }
  }
}`

// KeepGoingResp is the keep going response
// https://docs.ambar.cloud/#Data%20Destinations
var KeepGoingResp = `{
  "result": {
    "error": {
      "policy": "keep_going",
      "class": "keep it going",
      "description": "keep it going"
    }
  }
}`

// Response returns the ambar response for the outcome of Project
func Response(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrNoRetry):
		return SuccessResp
	case errors.Is(err, ErrKeepItGoing):
		return KeepGoingResp
	default:
		return RetryResp
	}
}

// New constructs a new Ambar projection handler
func New(enc eventstore.Encoder) *Ambar {
	return &Ambar{enc: enc}
}

// Ambar decodes ambar requests and hands the events to handlers
type Ambar struct {
	enc eventstore.Encoder
}

// Req is the ambar projection request
type Req struct {
	Payload Payload `json:"payload"`
}

// Payload is one row of the sql store event table
type Payload struct {
	Data     string  `json:"data"`
	Meta     *string `json:"meta"`
	ID       string  `json:"id"`
	Sequence uint64  `json:"sequence"`
	Type     string  `json:"type"`
	StreamID string  `json:"stream_id"`
	Revision uint64  `json:"revision"`
	Created  string  `json:"created"`
}

// Project decodes data and calls h with the event.
//
// Events that cannot be decoded are poison: they yield ErrKeepItGoing so
// the destination moves past them. Unregistered event types are
// acknowledged. Handler errors are returned as they are, which ambar
// retries unless they wrap ErrNoRetry or ErrKeepItGoing.
func (a *Ambar) Project(ctx context.Context, h eventstore.Handler, data []byte) error {
	var req Req

	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrKeepItGoing, err)
	}

	p := req.Payload

	id, err := uuid.Parse(p.ID)
	if err != nil {
		return fmt.Errorf("%w: event id: %v", ErrKeepItGoing, err)
	}

	created, err := iso8601.ParseString(p.Created)
	if err != nil {
		return fmt.Errorf("%w: created: %v", ErrKeepItGoing, err)
	}

	rec := eventstore.RecordedEvent{
		ID:       id,
		StreamID: p.StreamID,
		Revision: p.Revision,
		Type:     p.Type,
		Data:     []byte(p.Data),
		Created:  created,
	}

	if p.Meta != nil {
		rec.Metadata = []byte(*p.Meta)
	}

	evt, err := eventstore.Decode(a.enc, rec)
	if err != nil {
		if errors.Is(err, eventstore.ErrEventNotRegistered) {
			return nil
		}

		return fmt.Errorf("%w: %v", ErrKeepItGoing, err)
	}

	return h(ctx, evt)
}
