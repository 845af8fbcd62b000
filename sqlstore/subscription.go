package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

type gormGroup struct {
	Stream        string `gorm:"primaryKey"`
	Name          string `gorm:"primaryKey"`
	Checkpoint    uint64
	MaxRetryCount int
	Strategy      string
	Owner         string
	LeaseUntil    int64
	CreatedAt     time.Time
}

// TableName returns gorm table name
func (gg *gormGroup) TableName() string { return "subscription_group" }

type gormParked struct {
	ID            uint64 `gorm:"autoIncrement;primaryKey"`
	Stream        string `gorm:"index:idx_parked_group"`
	GroupName     string `gorm:"index:idx_parked_group"`
	EventSequence uint64
	Reason        string
	ParkedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName returns gorm table name
func (gp *gormParked) TableName() string { return "subscription_parked" }

// matching narrows q to the events a group on stream receives
func matching(q *gorm.DB, stream string) *gorm.DB {
	if category, ok := eventstore.CategoryOf(stream); ok {
		return q.Where("category = ?", category)
	}

	return q.Where("stream_id = ?", stream)
}

// CreatePersistentSubscription registers a consumer group. The group
// checkpoint is placed according to settings.StartFrom.
func (s *Store) CreatePersistentSubscription(ctx context.Context, stream, name string, settings eventstore.SubscriptionSettings) error {
	if len(stream) == 0 || len(name) == 0 {
		return fmt.Errorf("stream and group name must be provided")
	}

	settings = settings.Normalized()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64

		err := tx.Model(&gormGroup{}).
			Where("stream = ? AND name = ?", stream, name).
			Count(&n).Error
		if err != nil {
			return err
		}

		if n > 0 {
			return fmt.Errorf("%w: %s/%s", eventstore.ErrSubscriptionExists, stream, name)
		}

		checkpoint, err := startCheckpoint(tx, stream, settings.StartFrom)
		if err != nil {
			return err
		}

		err = tx.Create(&gormGroup{
			Stream:        stream,
			Name:          name,
			Checkpoint:    checkpoint,
			MaxRetryCount: settings.MaxRetryCount,
			Strategy:      string(settings.ConsumerStrategy),
		}).Error
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s/%s", eventstore.ErrSubscriptionExists, stream, name)
		}

		return err
	})
}

// startCheckpoint returns the sequence after which a new group starts
func startCheckpoint(tx *gorm.DB, stream string, from eventstore.Position) (uint64, error) {
	var head uint64

	err := tx.Model(&gormEvent{}).Select("COALESCE(MAX(sequence), 0)").Scan(&head).Error
	if err != nil {
		return 0, err
	}

	if from.IsEnd() {
		return head, nil
	}

	if from.Revision() == 0 {
		return 0, nil
	}

	var rows []gormEvent

	err = matching(tx.Model(&gormEvent{}), stream).
		Order("sequence asc").
		Offset(int(from.Revision())).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		return head, nil
	}

	return rows[0].Sequence - 1, nil
}

// SubscribePersistent connects a member of an existing consumer group by
// claiming the group lease. While another member holds an unexpired lease
// ErrGroupLeased is returned. Delivery resumes after the group checkpoint, so
// events left unacknowledged by a previous member are redelivered.
func (s *Store) SubscribePersistent(ctx context.Context, stream, name string, bufferSize int) (eventstore.PersistentSubscription, error) {
	if bufferSize < 1 {
		return nil, fmt.Errorf("buffer size should be at least 1")
	}

	owner := uuid.NewString()
	now := time.Now()

	res := s.db.
		WithContext(ctx).
		Model(&gormGroup{}).
		Where("stream = ? AND name = ?", stream, name).
		Where("(owner = ? OR lease_until < ?)", "", now.UnixNano()).
		Updates(map[string]any{
			"owner":       owner,
			"lease_until": now.Add(s.cfg.LeaseDuration).UnixNano(),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	var groups []gormGroup

	err := s.db.
		WithContext(ctx).
		Where("stream = ? AND name = ?", stream, name).
		Limit(1).
		Find(&groups).Error
	if err != nil {
		return nil, err
	}

	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", eventstore.ErrSubscriptionNotFound, stream, name)
	}

	if res.RowsAffected == 0 || groups[0].Owner != owner {
		return nil, fmt.Errorf("%w: %s/%s", ErrGroupLeased, stream, name)
	}

	g := groups[0]

	return &subscription{
		store:       s,
		group:       g,
		owner:       owner,
		renewAt:     now.Add(s.cfg.LeaseDuration / 2),
		cursor:      g.Checkpoint,
		checkpoint:  g.Checkpoint,
		size:        bufferSize,
		outstanding: make(map[uint64]struct{}),
		inflight:    make(map[uuid.UUID]*delivery),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

// DeletePersistentSubscription removes a consumer group with its checkpoint
// and parked events. A member still connected loses its lease.
func (s *Store) DeletePersistentSubscription(ctx context.Context, stream, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("stream = ? AND group_name = ?", stream, name).
			Delete(&gormParked{}).Error
		if err != nil {
			return err
		}

		res := tx.
			Where("stream = ? AND name = ?", stream, name).
			Delete(&gormGroup{})
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s/%s", eventstore.ErrSubscriptionNotFound, stream, name)
		}

		return nil
	})
}

// Parked returns the events parked by a consumer group
func (s *Store) Parked(ctx context.Context, stream, name string) ([]eventstore.RecordedEvent, error) {
	var rows []gormEvent

	err := s.db.
		WithContext(ctx).
		Model(&gormEvent{}).
		Joins("JOIN subscription_parked ON subscription_parked.event_sequence = event.sequence").
		Where("subscription_parked.stream = ? AND subscription_parked.group_name = ?", stream, name).
		Order("subscription_parked.id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]eventstore.RecordedEvent, len(rows))

	for i, row := range rows {
		out[i] = row.recorded()
	}

	return out, nil
}

type delivery struct {
	seq        uint64
	event      eventstore.RecordedEvent
	retryCount int
}

type subscription struct {
	store *Store
	group gormGroup
	size  int

	owner   string
	renewAt time.Time
	lost    bool

	mu sync.Mutex

	// cursor is the sequence of the last fetched event, checkpoint the
	// sequence up to which every event is settled
	cursor      uint64
	checkpoint  uint64
	outstanding map[uint64]struct{}

	ready    []*delivery
	inflight map[uuid.UUID]*delivery
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv returns the next event, polling the store while none is available
func (s *subscription) Recv(ctx context.Context) (*eventstore.PersistentEvent, error) {
	for {
		pe, err := s.next(ctx)
		if err != nil || pe != nil {
			return pe, err
		}

		timer := time.NewTimer(s.store.cfg.PollInterval)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-s.done:
			timer.Stop()

			return nil, eventstore.ErrSubscriptionClosed
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *subscription) next(ctx context.Context) (*eventstore.PersistentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, eventstore.ErrSubscriptionClosed
	}

	if err := s.renew(ctx); err != nil {
		return nil, err
	}

	if len(s.inflight) >= s.size {
		return nil, nil
	}

	if len(s.ready) == 0 {
		if err := s.fetch(ctx); err != nil {
			return nil, err
		}
	}

	if len(s.ready) == 0 {
		return nil, nil
	}

	d := s.ready[0]
	s.ready = s.ready[1:]
	s.inflight[d.event.ID] = d

	return &eventstore.PersistentEvent{
		Event:      d.event,
		RetryCount: d.retryCount,
	}, nil
}

// renew extends the lease once half of it has passed. The update only matches
// while this member still owns the group.
func (s *subscription) renew(ctx context.Context) error {
	if s.lost {
		return ErrLeaseLost
	}

	now := time.Now()

	if now.Before(s.renewAt) {
		return nil
	}

	res := s.store.db.
		WithContext(ctx).
		Model(&gormGroup{}).
		Where("stream = ? AND name = ? AND owner = ?", s.group.Stream, s.group.Name, s.owner).
		Update("lease_until", now.Add(s.store.cfg.LeaseDuration).UnixNano())
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		s.lost = true

		s.store.cfg.Logger.Warn("consumer group lease lost",
			slog.String("stream", s.group.Stream),
			slog.String("group", s.group.Name),
		)

		return fmt.Errorf("%w: %s/%s", ErrLeaseLost, s.group.Stream, s.group.Name)
	}

	s.renewAt = now.Add(s.store.cfg.LeaseDuration / 2)

	return nil
}

func (s *subscription) fetch(ctx context.Context) error {
	var rows []gormEvent

	err := matching(s.store.db.WithContext(ctx), s.group.Stream).
		Where("sequence > ?", s.cursor).
		Order("sequence asc").
		Limit(s.size).
		Find(&rows).Error
	if err != nil {
		return err
	}

	for _, row := range rows {
		s.ready = append(s.ready, &delivery{seq: row.Sequence, event: row.recorded()})
		s.outstanding[row.Sequence] = struct{}{}
		s.cursor = row.Sequence
	}

	return nil
}

// settle marks a delivery as done and moves the checkpoint past every
// settled prefix of the group
func (s *subscription) settle(d *delivery) {
	delete(s.inflight, d.event.ID)
	delete(s.outstanding, d.seq)

	low := s.cursor

	for seq := range s.outstanding {
		if seq-1 < low {
			low = seq - 1
		}
	}

	s.advance(low)
}

func (s *subscription) advance(checkpoint uint64) {
	if checkpoint <= s.checkpoint {
		return
	}

	// the checkpoint only moves forward and only for the lease owner
	err := s.store.db.
		Model(&gormGroup{}).
		Where("stream = ? AND name = ? AND owner = ?", s.group.Stream, s.group.Name, s.owner).
		Where("checkpoint < ?", checkpoint).
		Update("checkpoint", checkpoint).Error
	if err != nil {
		s.store.cfg.Logger.Warn("checkpoint update failed",
			slog.String("stream", s.group.Stream),
			slog.String("group", s.group.Name),
			slog.Any("err", err),
		)

		return
	}

	s.checkpoint = checkpoint
}

// Ack settles delivered events
func (s *subscription) Ack(events ...*eventstore.PersistentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return eventstore.ErrSubscriptionClosed
	}

	if err := s.renew(context.Background()); err != nil {
		return err
	}

	for _, pe := range events {
		d, ok := s.inflight[pe.Event.ID]
		if !ok {
			continue
		}

		s.settle(d)
	}

	s.signal()

	return nil
}

// Nack reports failed events. Retried events are redelivered first; events
// exceeding the retry count are parked.
func (s *subscription) Nack(action eventstore.NackAction, reason string, events ...*eventstore.PersistentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return eventstore.ErrSubscriptionClosed
	}

	if err := s.renew(context.Background()); err != nil {
		return err
	}

	var redeliver []*delivery

	for _, pe := range events {
		d, ok := s.inflight[pe.Event.ID]
		if !ok {
			continue
		}

		switch action {
		case eventstore.NackRetry:
			d.retryCount++

			if d.retryCount > s.group.MaxRetryCount {
				if err := s.park(d, reason); err != nil {
					return err
				}

				continue
			}

			delete(s.inflight, d.event.ID)
			redeliver = append(redeliver, d)

		case eventstore.NackPark:
			if err := s.park(d, reason); err != nil {
				return err
			}

		case eventstore.NackSkip:
			s.settle(d)
		}
	}

	s.ready = append(redeliver, s.ready...)
	s.signal()

	return nil
}

func (s *subscription) park(d *delivery, reason string) error {
	err := s.store.db.Create(&gormParked{
		Stream:        s.group.Stream,
		GroupName:     s.group.Name,
		EventSequence: d.seq,
		Reason:        reason,
	}).Error
	if err != nil {
		return err
	}

	s.settle(d)

	return nil
}

// Close disconnects the member and releases the group lease. Unsettled
// events stay behind the checkpoint and are delivered again to the next
// member.
func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.done)

	if s.lost {
		return nil
	}

	return s.store.db.
		Model(&gormGroup{}).
		Where("stream = ? AND name = ? AND owner = ?", s.group.Stream, s.group.Name, s.owner).
		Updates(map[string]any{"owner": "", "lease_until": 0}).Error
}
