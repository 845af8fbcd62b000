package aggregate_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/aggregate"
	"github.com/SALT-FIUBA/backend-sub000/decide"
	"github.com/SALT-FIUBA/backend-sub000/memstore"
)

const kind = "counter"

type Incremented struct {
	By int `json:"by"`
}

func (Incremented) EventType() string { return "Incremented" }

type Touched struct{}

func (Touched) EventType() string { return "Touched" }

type counter struct {
	Total int `json:"total"`
	Count int `json:"count"`
}

func newEncoder() *eventstore.JSONEncoder {
	enc := eventstore.NewJSONEncoder()

	eventstore.Register[Incremented](enc)
	eventstore.Register[Touched](enc)

	return enc
}

func reducer() decide.Reducer[counter] {
	t := decide.NewTable[counter]()

	decide.On(t, func(s counter, e Incremented) counter {
		s.Total += e.By
		s.Count++

		return s
	})

	return t.Reducer()
}

// counterDefinition increments by a positive amount, touches on zero and
// rejects negative amounts
func counterDefinition() aggregate.Definition[counter, int, string] {
	reduce := reducer()

	return aggregate.Definition[counter, int, string]{
		Kind:    kind,
		Encoder: newEncoder(),
		Reduce:  reduce,
		Decide: aggregate.Stateful(func(by int) decide.StateFunc[counter, string] {
			return func(m *decide.StateM[counter, string]) string {
				if by < 0 {
					return m.Escape("rejected")
				}

				if by == 0 {
					m.Emit(Touched{})

					return "touched"
				}

				m.Apply(reduce, Incremented{By: by})

				return "ok"
			}
		}),
	}
}

func seed(t *testing.T, client eventstore.Client, stream string, n int) {
	t.Helper()

	enc := newEncoder()

	toStore := make([]eventstore.EventToStore, n)
	for i := range toStore {
		toStore[i] = eventstore.EventToStore{Event: Incremented{By: 1}}
	}

	data, err := eventstore.Encode(enc, toStore)
	require.NoError(t, err)

	_, err = client.Append(context.Background(), stream, eventstore.Any{}, data)
	require.NoError(t, err)
}

func newCountingClient() *countingClient {
	return &countingClient{
		Store:      memstore.New(),
		reads:      make(map[string]int),
		readEvents: make(map[string]int),
	}
}

// countingClient records reads and can interleave a competing append
type countingClient struct {
	*memstore.Store

	mu         sync.Mutex
	reads      map[string]int
	readEvents map[string]int
	appends    int

	beforeAppend func()
}

func (c *countingClient) ReadStream(ctx context.Context, stream string, dir eventstore.Direction, from eventstore.Position, count uint64) ([]eventstore.RecordedEvent, error) {
	events, err := c.Store.ReadStream(ctx, stream, dir, from, count)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads[stream]++
	c.readEvents[stream] += len(events)

	return events, err
}

func (c *countingClient) Append(ctx context.Context, stream string, expected eventstore.StreamRevision, events []eventstore.EventData) (uint64, error) {
	c.mu.Lock()
	hook := c.beforeAppend
	c.beforeAppend = nil
	c.appends++
	c.mu.Unlock()

	if hook != nil {
		hook()
	}

	return c.Store.Append(ctx, stream, expected, events)
}

func (c *countingClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads = make(map[string]int)
	c.readEvents = make(map[string]int)
	c.appends = 0
}

func (c *countingClient) eventsRead(stream string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.readEvents[stream]
}
