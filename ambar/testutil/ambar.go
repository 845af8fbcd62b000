// Package testutil builds ambar requests for tests
package testutil

import (
	"encoding/json"
	"testing"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/ambar"
)

// Created is the creation time used by fixture payloads, in the format
// ambar forwards postgres timestamps with
const Created = "2024-10-12T20:07:22.436271+00"

// ItemShipped is the fixture event
type ItemShipped struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// EventType returns the event type tag
func (ItemShipped) EventType() string { return "ItemShipped" }

// Event is the fixture event instance
var Event = ItemShipped{ItemID: "item-1", Quantity: 3}

// AmbarPayload is the payload of Event as the first event of stream item-1
var AmbarPayload = NewPayload(Event, "item-1", 0)

// NewPayload returns the ambar payload of evt recorded at revision of stream.
// It panics if evt cannot be marshalled.
func NewPayload(evt eventstore.Event, stream string, revision uint64) ambar.Payload {
	data, err := json.Marshal(evt)
	if err != nil {
		panic(err)
	}

	return ambar.Payload{
		Data:     string(data),
		ID:       "0192790c-1f59-7c3e-9f4a-2b1d3c4e5f60",
		Sequence: revision + 1,
		Type:     evt.EventType(),
		StreamID: stream,
		Revision: revision,
		Created:  Created,
	}
}

// Body marshals p into an ambar request body
func Body(t *testing.T, p ambar.Payload) []byte {
	t.Helper()

	data, err := json.Marshal(ambar.Req{Payload: p})
	if err != nil {
		t.Fatal(err)
	}

	return data
}
