package sqlstore_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/sqlstore"
)

var integration = flag.Bool("integration", false, "perform integration tests")

type SomeEvent struct {
	UserID string
}

func (SomeEvent) EventType() string { return "SomeEvent" }

func eventStore(t *testing.T, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()

	if !*integration {
		t.Skip("skipping integration tests")
	}

	store, err := sqlstore.New(append([]sqlstore.Option{
		sqlstore.WithSQLiteDB(filepath.Join(t.TempDir(), "events.db")),
		sqlstore.WithPollInterval(10 * time.Millisecond),
	}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func encode(t *testing.T, users ...string) []eventstore.EventData {
	t.Helper()

	enc := eventstore.Register[SomeEvent](eventstore.NewJSONEncoder())

	toStore := make([]eventstore.EventToStore, len(users))
	for i, u := range users {
		toStore[i] = eventstore.EventToStore{
			Event: SomeEvent{UserID: u},
			Meta:  map[string]string{"ip": "127.0.0.1"},
		}
	}

	data, err := eventstore.Encode(enc, toStore)
	require.NoError(t, err)

	return data
}

func TestNew_Requires_Database(t *testing.T) {
	_, err := sqlstore.New()

	assert.Error(t, err)
}

func TestShould_Read_Appended_Events(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	last, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "user-1", "user-2", "user-3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	got, err := es.ReadStream(ctx, "user-1", eventstore.Forwards, eventstore.Start(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	enc := eventstore.Register[SomeEvent](eventstore.NewJSONEncoder())

	for i, rec := range got {
		assert.Equal(t, uint64(i), rec.Revision)
		assert.Equal(t, "user-1", rec.StreamID)

		evt, err := eventstore.Decode(enc, rec)
		require.NoError(t, err)

		assert.Equal(t, "SomeEvent", evt.Type)
		assert.Equal(t, map[string]string{"ip": "127.0.0.1"}, evt.Meta.Meta)
	}
}

func TestShould_Append_To_Existing_Stream(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "a", "b"))
	require.NoError(t, err)

	last, err := es.Append(ctx, "user-1", eventstore.Expected(1), encode(t, "c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	last, err = es.Append(ctx, "user-1", eventstore.StreamExists{}, encode(t, "d"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	last, err = es.Append(ctx, "user-1", eventstore.Any{}, encode(t, "e"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)
}

func TestOptimistic_Concurrency_Check_Is_Performed(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "a"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		stream   string
		expected eventstore.StreamRevision
	}{
		{"no stream on existing", "user-1", eventstore.NoStream{}},
		{"stale revision", "user-1", eventstore.Expected(5)},
		{"stream exists on missing", "user-2", eventstore.StreamExists{}},
		{"expected on missing", "user-2", eventstore.Expected(0)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := es.Append(ctx, tc.stream, tc.expected, encode(t, "x"))

			assert.ErrorIs(t, err, eventstore.ErrConcurrencyCheckFailed)
		})
	}

	got, err := es.ReadStream(ctx, "user-1", eventstore.Forwards, eventstore.Start(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRead_Stream_Backwards(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "a", "b", "c"))
	require.NoError(t, err)

	got, err := es.ReadStream(ctx, "user-1", eventstore.Backwards, eventstore.End(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Revision)

	got, err = es.ReadStream(ctx, "user-1", eventstore.Backwards, eventstore.At(1), 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Revision)
	assert.Equal(t, uint64(0), got[1].Revision)

	got, err = es.ReadStream(ctx, "user-1", eventstore.Forwards, eventstore.At(3), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRead_Stream_Not_Found(t *testing.T) {
	es := eventStore(t)

	_, err := es.ReadStream(context.Background(), "nope", eventstore.Forwards, eventstore.Start(), 1)

	assert.ErrorIs(t, err, eventstore.ErrStreamNotFound)
}

func TestAppend_Validation(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	_, err := es.Append(ctx, "", eventstore.Any{}, encode(t, "a"))
	assert.Error(t, err)

	_, err = es.Append(ctx, "user-1", eventstore.Any{}, nil)
	assert.Error(t, err)

	_, err = es.Append(ctx, eventstore.CategoryStream("user"), eventstore.Any{}, encode(t, "a"))
	assert.Error(t, err)
}

func TestPersistent_Subscription_Delivers_Category(t *testing.T) {
	es := eventStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := eventstore.CategoryStream("user")

	require.NoError(t, es.CreatePersistentSubscription(ctx, stream, "g", eventstore.DefaultSubscriptionSettings()))

	err := es.CreatePersistentSubscription(ctx, stream, "g", eventstore.DefaultSubscriptionSettings())
	assert.ErrorIs(t, err, eventstore.ErrSubscriptionExists)

	_, err = es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "a"))
	require.NoError(t, err)

	_, err = es.Append(ctx, "order-1", eventstore.NoStream{}, encode(t, "x"))
	require.NoError(t, err)

	_, err = es.Append(ctx, "user-2", eventstore.NoStream{}, encode(t, "b"))
	require.NoError(t, err)

	sub, err := es.SubscribePersistent(ctx, stream, "g", 10)
	require.NoError(t, err)

	first, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", first.Event.StreamID)

	second, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-2", second.Event.StreamID)

	require.NoError(t, sub.Ack(first))
	require.NoError(t, sub.Close())

	sub, err = es.SubscribePersistent(ctx, stream, "g", 10)
	require.NoError(t, err)

	defer func() { _ = sub.Close() }()

	again, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Event.ID, again.Event.ID)
}

func TestPersistent_Subscription_Retries_Then_Parks(t *testing.T) {
	es := eventStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	settings := eventstore.DefaultSubscriptionSettings()
	settings.MaxRetryCount = 2

	require.NoError(t, es.CreatePersistentSubscription(ctx, "user-1", "g", settings))

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "poison", "ok"))
	require.NoError(t, err)

	sub, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)

	defer func() { _ = sub.Close() }()

	for i := 0; i <= settings.MaxRetryCount; i++ {
		pe, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), pe.Event.Revision)
		assert.Equal(t, i, pe.RetryCount)

		require.NoError(t, sub.Nack(eventstore.NackRetry, "boom", pe))
	}

	next, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Event.Revision)

	require.NoError(t, sub.Ack(next))

	parked, err := es.Parked(ctx, "user-1", "g")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, uint64(0), parked[0].Revision)
}

func TestPersistent_Subscription_Start_From_End(t *testing.T) {
	es := eventStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "old"))
	require.NoError(t, err)

	settings := eventstore.DefaultSubscriptionSettings()
	settings.StartFrom = eventstore.End()

	require.NoError(t, es.CreatePersistentSubscription(ctx, "user-1", "g", settings))

	_, err = es.Append(ctx, "user-1", eventstore.Expected(0), encode(t, "new"))
	require.NoError(t, err)

	sub, err := es.SubscribePersistent(ctx, "user-1", "g", 10)
	require.NoError(t, err)

	defer func() { _ = sub.Close() }()

	pe, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pe.Event.Revision)
}

func TestSubscribe_Unknown_Group(t *testing.T) {
	es := eventStore(t)

	_, err := es.SubscribePersistent(context.Background(), "user-1", "nope", 1)

	assert.ErrorIs(t, err, eventstore.ErrSubscriptionNotFound)
}

func TestRecv_After_Close(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	require.NoError(t, es.CreatePersistentSubscription(ctx, "user-1", "g", eventstore.DefaultSubscriptionSettings()))

	sub, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)

	require.NoError(t, sub.Close())

	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, eventstore.ErrSubscriptionClosed)
}

// stores returns the sqlite store and, when EVENTSTORE_POSTGRES_DSN is set,
// a postgres store
func stores(t *testing.T) map[string]*sqlstore.Store {
	t.Helper()

	out := map[string]*sqlstore.Store{"sqlite": eventStore(t)}

	dsn := os.Getenv("EVENTSTORE_POSTGRES_DSN")
	if dsn == "" {
		return out
	}

	pg, err := sqlstore.New(
		sqlstore.WithPostgresDB(dsn),
		sqlstore.WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pg.Close())
	})

	out["postgres"] = pg

	return out
}

func TestAppend_Rejects_Reused_Event_ID(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	data := encode(t, "a")

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, data)
	require.NoError(t, err)

	_, err = es.Append(ctx, "user-2", eventstore.NoStream{}, data)
	assert.ErrorIs(t, err, sqlstore.ErrDuplicateEventID)
	assert.NotErrorIs(t, err, eventstore.ErrConcurrencyCheckFailed)

	_, err = es.Append(ctx, "user-1", eventstore.Any{}, data)
	assert.ErrorIs(t, err, sqlstore.ErrDuplicateEventID)

	_, err = es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "b"))
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyCheckFailed)
	assert.NotErrorIs(t, err, sqlstore.ErrDuplicateEventID)

	_, err = es.ReadStream(ctx, "user-2", eventstore.Forwards, eventstore.Start(), 10)
	assert.ErrorIs(t, err, eventstore.ErrStreamNotFound)
}

func TestCategory_Subscription_Receives_Concurrent_Appends(t *testing.T) {
	for name, es := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			category := fmt.Sprintf("acct%d", time.Now().UnixNano())
			stream := eventstore.CategoryStream(category)

			require.NoError(t, es.CreatePersistentSubscription(ctx, stream, "g", eventstore.DefaultSubscriptionSettings()))

			sub, err := es.SubscribePersistent(ctx, stream, "g", 16)
			require.NoError(t, err)

			defer func() { _ = sub.Close() }()

			const writers, perWriter = 8, 10

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				appended = make(map[uuid.UUID]bool)
			)

			batches := make([][][]eventstore.EventData, writers)

			for w := range batches {
				for i := range perWriter {
					batches[w] = append(batches[w], encode(t, fmt.Sprintf("u%d", i)))
				}
			}

			for w, batch := range batches {
				wg.Add(1)

				go func() {
					defer wg.Done()

					for _, data := range batch {
						_, err := es.Append(ctx, fmt.Sprintf("%s-%d", category, w), eventstore.Any{}, data)
						if !assert.NoError(t, err) {
							return
						}

						mu.Lock()
						appended[data[0].ID] = true
						mu.Unlock()
					}
				}()
			}

			received := make(map[uuid.UUID]bool)

			for len(received) < writers*perWriter {
				pe, err := sub.Recv(ctx)
				require.NoError(t, err, "received %d events", len(received))

				received[pe.Event.ID] = true

				require.NoError(t, sub.Ack(pe))
			}

			wg.Wait()

			assert.Equal(t, appended, received)
		})
	}
}

func TestGroup_Lease_Admits_One_Member(t *testing.T) {
	es := eventStore(t)
	ctx := context.Background()

	require.NoError(t, es.CreatePersistentSubscription(ctx, "user-1", "g", eventstore.DefaultSubscriptionSettings()))

	first, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)

	_, err = es.SubscribePersistent(ctx, "user-1", "g", 1)
	assert.ErrorIs(t, err, sqlstore.ErrGroupLeased)

	require.NoError(t, first.Close())

	second, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestExpired_Lease_Is_Taken_Over(t *testing.T) {
	lease := 50 * time.Millisecond
	es := eventStore(t, sqlstore.WithLeaseDuration(lease))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, es.CreatePersistentSubscription(ctx, "user-1", "g", eventstore.DefaultSubscriptionSettings()))

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "a", "b", "c"))
	require.NoError(t, err)

	stale, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)

	held, err := stale.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), held.Event.Revision)

	time.Sleep(2 * lease)

	current, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)

	for _, rev := range []uint64{0, 1} {
		pe, err := current.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, rev, pe.Event.Revision)

		require.NoError(t, current.Ack(pe))
	}

	assert.ErrorIs(t, stale.Ack(held), sqlstore.ErrLeaseLost)

	_, err = stale.Recv(ctx)
	assert.ErrorIs(t, err, sqlstore.ErrLeaseLost)

	require.NoError(t, stale.Close())
	require.NoError(t, current.Close())

	next, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)

	defer func() { _ = next.Close() }()

	pe, err := next.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pe.Event.Revision)
}

func TestDelete_Persistent_Subscription(t *testing.T) {
	es := eventStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	settings := eventstore.DefaultSubscriptionSettings()
	settings.MaxRetryCount = 0

	require.NoError(t, es.CreatePersistentSubscription(ctx, "user-1", "g", settings))

	_, err := es.Append(ctx, "user-1", eventstore.NoStream{}, encode(t, "poison"))
	require.NoError(t, err)

	sub, err := es.SubscribePersistent(ctx, "user-1", "g", 1)
	require.NoError(t, err)

	pe, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, sub.Nack(eventstore.NackPark, "boom", pe))
	require.NoError(t, sub.Close())

	require.NoError(t, es.DeletePersistentSubscription(ctx, "user-1", "g"))

	_, err = es.SubscribePersistent(ctx, "user-1", "g", 1)
	assert.ErrorIs(t, err, eventstore.ErrSubscriptionNotFound)

	parked, err := es.Parked(ctx, "user-1", "g")
	require.NoError(t, err)
	assert.Empty(t, parked)

	err = es.DeletePersistentSubscription(ctx, "user-1", "g")
	assert.ErrorIs(t, err, eventstore.ErrSubscriptionNotFound)

	require.NoError(t, es.CreatePersistentSubscription(ctx, "user-1", "g", settings))
}
