// Package memstore provides an in-memory event log implementing
// eventstore.Client, including persistent subscriptions with competing
// consumers. It is meant for tests and single process deployments.
package memstore

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

var _ eventstore.Client = (*Store)(nil)

// New constructs an empty in-memory store
func New() *Store {
	return &Store{
		streams: make(map[string][]eventstore.RecordedEvent),
		groups:  make(map[string]*group),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Store is an in-memory event log. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	streams map[string][]eventstore.RecordedEvent
	all     []eventstore.RecordedEvent
	groups  map[string]*group
	now     func() time.Time
}

// Append appends events to stream if its tail satisfies expected
func (s *Store) Append(ctx context.Context, stream string, expected eventstore.StreamRevision, events []eventstore.EventData) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if len(stream) == 0 {
		return 0, fmt.Errorf("stream name must be provided")
	}

	if _, ok := eventstore.CategoryOf(stream); ok {
		return 0, fmt.Errorf("cannot append to category stream %s", stream)
	}

	if len(events) == 0 {
		return 0, fmt.Errorf("at least one event must be appended")
	}

	if expected == nil {
		expected = eventstore.Any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.streams[stream]
	exists := len(current) > 0

	var last uint64

	if exists {
		last = current[len(current)-1].Revision
	}

	if !eventstore.CheckRevision(expected, exists, last) {
		return 0, fmt.Errorf("%w: stream %s expected %s", eventstore.ErrConcurrencyCheckFailed, stream, expected)
	}

	next := uint64(0)

	if exists {
		next = last + 1
	}

	created := s.now()

	for _, evt := range events {
		id := evt.ID

		if id == uuid.Nil {
			id = uuid.New()
		}

		rec := eventstore.RecordedEvent{
			ID:       id,
			StreamID: stream,
			Revision: next,
			Type:     evt.Type,
			Data:     bytes.Clone(evt.Data),
			Metadata: bytes.Clone(evt.Metadata),
			Created:  created,
		}

		current = append(current, rec)
		s.all = append(s.all, rec)

		next++
	}

	s.streams[stream] = current

	for _, g := range s.groups {
		g.pump()
	}

	return next - 1, nil
}

// ReadStream reads at most count events of stream starting at from
func (s *Store) ReadStream(ctx context.Context, stream string, dir eventstore.Direction, from eventstore.Position, count uint64) ([]eventstore.RecordedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.streams[stream]
	if !ok {
		return nil, eventstore.ErrStreamNotFound
	}

	var out []eventstore.RecordedEvent

	switch dir {
	case eventstore.Forwards:
		if from.IsEnd() {
			return out, nil
		}

		for i := from.Revision(); i < uint64(len(events)) && uint64(len(out)) < count; i++ {
			out = append(out, events[i])
		}

	case eventstore.Backwards:
		start := uint64(len(events) - 1)

		if !from.IsEnd() && from.Revision() < start {
			start = from.Revision()
		}

		for i := int64(start); i >= 0 && uint64(len(out)) < count; i-- {
			out = append(out, events[i])
		}

	default:
		return nil, fmt.Errorf("unknown read direction %d", dir)
	}

	return out, nil
}

// CreatePersistentSubscription registers a consumer group
func (s *Store) CreatePersistentSubscription(ctx context.Context, stream, name string, settings eventstore.SubscriptionSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(stream) == 0 || len(name) == 0 {
		return fmt.Errorf("stream and group name must be provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(stream, name)

	if _, ok := s.groups[key]; ok {
		return fmt.Errorf("%w: %s", eventstore.ErrSubscriptionExists, key)
	}

	g := &group{
		store:    s,
		stream:   stream,
		name:     name,
		settings: settings.Normalized(),
	}

	g.category, g.isCategory = eventstore.CategoryOf(stream)

	if settings.StartFrom.IsEnd() {
		g.cursor = len(s.all)
		g.skip = 0
	} else {
		g.skip = settings.StartFrom.Revision()
	}

	s.groups[key] = g

	return nil
}

// SubscribePersistent connects a new member to an existing consumer group
func (s *Store) SubscribePersistent(ctx context.Context, stream, name string, bufferSize int) (eventstore.PersistentSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if bufferSize < 1 {
		return nil, fmt.Errorf("buffer size should be at least 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupKey(stream, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrSubscriptionNotFound, groupKey(stream, name))
	}

	sub := &subscription{
		group:    g,
		size:     bufferSize,
		inflight: make(map[uuid.UUID]*delivery),
		notify:   make(chan struct{}, 1),
	}

	g.members = append(g.members, sub)
	g.pump()

	return sub, nil
}

// Parked returns the events parked by a consumer group
func (s *Store) Parked(stream, name string) []eventstore.RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupKey(stream, name)]
	if !ok {
		return nil
	}

	return append([]eventstore.RecordedEvent(nil), g.parked...)
}

func groupKey(stream, name string) string { return stream + "::" + name }

type delivery struct {
	event      eventstore.RecordedEvent
	retryCount int
}

// group is guarded by the store mutex
type group struct {
	store    *Store
	stream   string
	name     string
	settings eventstore.SubscriptionSettings

	category   string
	isCategory bool

	// cursor indexes store.all, matched counts events of the group source
	// seen so far and skip is the number of source events to pass over
	cursor  int
	matched uint64
	skip    uint64

	retry   []*delivery
	members []*subscription
	parked  []eventstore.RecordedEvent
	rr      int
}

func (g *group) matches(rec eventstore.RecordedEvent) bool {
	if g.isCategory {
		return eventstore.Category(rec.StreamID) == g.category
	}

	return rec.StreamID == g.stream
}

// target returns the member d should be handed to, or nil if that member
// has no spare capacity
func (g *group) target(d *delivery) *subscription {
	if g.settings.ConsumerStrategy == eventstore.RoundRobin {
		for i := range g.members {
			m := g.members[(g.rr+i)%len(g.members)]

			if m.hasCapacity() {
				g.rr = (g.rr + i + 1) % len(g.members)

				return m
			}
		}

		return nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(d.event.StreamID))

	m := g.members[int(h.Sum32()%uint32(len(g.members)))]
	if !m.hasCapacity() {
		return nil
	}

	return m
}

// pump hands out retried and new events to members with spare capacity.
// It stops at the first event whose owner is full so that a partition is
// never delivered out of order.
func (g *group) pump() {
	if len(g.members) == 0 {
		return
	}

	for len(g.retry) > 0 {
		d := g.retry[0]

		m := g.target(d)
		if m == nil {
			return
		}

		g.retry = g.retry[1:]
		m.push(d)
	}

	all := g.store.all

	for g.cursor < len(all) {
		rec := all[g.cursor]

		if !g.matches(rec) {
			g.cursor++

			continue
		}

		if g.matched < g.skip {
			g.matched++
			g.cursor++

			continue
		}

		d := &delivery{event: rec}

		m := g.target(d)
		if m == nil {
			return
		}

		g.matched++
		g.cursor++
		m.push(d)
	}
}

func (g *group) remove(sub *subscription) {
	for i, m := range g.members {
		if m == sub {
			g.members = append(g.members[:i:i], g.members[i+1:]...)

			return
		}
	}
}

type subscription struct {
	group *group
	size  int

	inbox    []*delivery
	inflight map[uuid.UUID]*delivery
	closed   bool
	notify   chan struct{}
}

var _ eventstore.PersistentSubscription = (*subscription)(nil)

func (s *subscription) hasCapacity() bool {
	return len(s.inbox)+len(s.inflight) < s.size
}

func (s *subscription) push(d *delivery) {
	s.inbox = append(s.inbox, d)
	s.wake()
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until an event is delivered to this member
func (s *subscription) Recv(ctx context.Context) (*eventstore.PersistentEvent, error) {
	mu := &s.group.store.mu

	for {
		mu.Lock()

		if s.closed {
			mu.Unlock()

			return nil, eventstore.ErrSubscriptionClosed
		}

		if len(s.inbox) > 0 {
			d := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.inflight[d.event.ID] = d

			mu.Unlock()

			return &eventstore.PersistentEvent{
				Event:      d.event,
				RetryCount: d.retryCount,
			}, nil
		}

		mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Ack removes events from the pending set
func (s *subscription) Ack(events ...*eventstore.PersistentEvent) error {
	mu := &s.group.store.mu

	mu.Lock()
	defer mu.Unlock()

	if s.closed {
		return eventstore.ErrSubscriptionClosed
	}

	for _, pe := range events {
		delete(s.inflight, pe.Event.ID)
	}

	s.group.pump()

	return nil
}

// Nack reports failed events. Retried events go back to the front of this
// member's queue; events exceeding the retry count are parked.
func (s *subscription) Nack(action eventstore.NackAction, _ string, events ...*eventstore.PersistentEvent) error {
	mu := &s.group.store.mu

	mu.Lock()
	defer mu.Unlock()

	if s.closed {
		return eventstore.ErrSubscriptionClosed
	}

	var redeliver []*delivery

	for _, pe := range events {
		d, ok := s.inflight[pe.Event.ID]
		if !ok {
			continue
		}

		delete(s.inflight, pe.Event.ID)

		switch action {
		case eventstore.NackRetry:
			d.retryCount++

			if d.retryCount > s.group.settings.MaxRetryCount {
				s.group.parked = append(s.group.parked, d.event)

				continue
			}

			redeliver = append(redeliver, d)

		case eventstore.NackPark:
			s.group.parked = append(s.group.parked, d.event)

		case eventstore.NackSkip:
		}
	}

	if len(redeliver) > 0 {
		s.inbox = append(redeliver, s.inbox...)
		s.wake()
	}

	s.group.pump()

	return nil
}

// Close disconnects the member and hands its unacknowledged events back to the group
func (s *subscription) Close() error {
	mu := &s.group.store.mu

	mu.Lock()
	defer mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var pending []*delivery

	for _, d := range s.inflight {
		pending = append(pending, d)
	}

	slices.SortFunc(pending, byPosition)

	pending = append(pending, s.inbox...)

	s.inbox = nil
	s.inflight = nil

	s.group.retry = append(pending, s.group.retry...)
	s.group.remove(s)
	s.group.pump()
	s.wake()

	return nil
}

func byPosition(a, b *delivery) int {
	if a.event.StreamID == b.event.StreamID {
		return cmp.Compare(a.event.Revision, b.event.Revision)
	}

	return a.event.Created.Compare(b.event.Created)
}
