// Package sqlstore provides an eventstore.Client backed by a relational
// database (sqlite or postgres) through gorm.
//
// Events of every stream live in a single table ordered by a global
// sequence. Optimistic concurrency is enforced by a unique index on
// (stream_id, revision). Appends are serialised so that sequences become
// visible in order. Consumer groups keep a durable checkpoint and a parked
// table; a group is served by the one member holding its lease.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

var _ eventstore.Client = (*Store)(nil)

// DefaultPollInterval is the interval at which subscriptions poll for new events
const DefaultPollInterval = 100 * time.Millisecond

// DefaultLeaseDuration is how long a group member may go without renewing its lease
const DefaultLeaseDuration = 30 * time.Second

// appendAttempts bounds retries of Any appends racing on the unique index
const appendAttempts = 3

// appendLockKey names the postgres advisory lock taken by every append
const appendLockKey int64 = 0x6576656e7473

var (
	// ErrDuplicateEventID is returned when an appended event reuses the id of a stored event
	ErrDuplicateEventID = errors.New("duplicate event id")

	// ErrGroupLeased is returned when another member holds the lease of a consumer group
	ErrGroupLeased = errors.New("consumer group is leased by another member")

	// ErrLeaseLost is returned by a member whose group lease was taken over
	ErrLeaseLost = errors.New("consumer group lease lost")
)

// New construct new sql event store
func New(opts ...Option) (*Store, error) {
	cfg := Cfg{
		PollInterval:  DefaultPollInterval,
		LeaseDuration: DefaultLeaseDuration,
		Logger:        slog.Default(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}

	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive")
	}

	var dial gorm.Dialector

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
	}

	if cfg.SQLitePath != "" {
		dial = sqlite.Open(cfg.SQLitePath)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if cfg.SQLitePath != "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}

		// sqlite has a single writer; one connection keeps appends in sequence order
		sqlDB.SetMaxOpenConns(1)
	}

	err = db.AutoMigrate(&gormEvent{}, &gormGroup{}, &gormParked{})
	if err != nil {
		return nil, err
	}

	return &Store{
		db:  db,
		cfg: cfg,
	}, nil
}

// Cfg represents event store configuration
type Cfg struct {
	PostgresDSN  string
	SQLitePath   string
	PollInterval  time.Duration
	LeaseDuration time.Duration
	Logger        *slog.Logger
}

// Option represents event store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is an event store option that can be used to configure
// the eventstore to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is an event store option that can be used to configure
// the eventstore to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithPollInterval sets the polling interval of persistent subscriptions
func WithPollInterval(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.PollInterval = d

		return cfg
	}
}

// WithLeaseDuration sets how long a consumer group member keeps the group
// without renewing. Members renew while they poll or settle events.
func WithLeaseDuration(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.LeaseDuration = d

		return cfg
	}
}

// WithLogger sets the store logger
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// Store represents a sql event store implementation
type Store struct {
	db  *gorm.DB
	cfg Cfg
}

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEvent struct {
	Sequence uint64    `gorm:"autoIncrement;primaryKey"`
	ID       string    `gorm:"unique"`
	StreamID string    `gorm:"index:idx_optimistic_check,unique;index"`
	Revision uint64    `gorm:"index:idx_optimistic_check,unique"`
	Category string    `gorm:"index"`
	Type     string
	Data     []byte
	Meta     []byte
	Created  time.Time `gorm:"autoCreateTime"`
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

func (ge gormEvent) recorded() eventstore.RecordedEvent {
	id, _ := uuid.Parse(ge.ID)

	return eventstore.RecordedEvent{
		ID:       id,
		StreamID: ge.StreamID,
		Revision: ge.Revision,
		Type:     ge.Type,
		Data:     ge.Data,
		Metadata: ge.Meta,
		Created:  ge.Created,
	}
}

// Append appends events to stream if its tail satisfies expected.
// Racing appends are caught by the unique (stream_id, revision) index; an
// Any append that loses such a race is retried against the new tail.
func (s *Store) Append(ctx context.Context, stream string, expected eventstore.StreamRevision, events []eventstore.EventData) (uint64, error) {
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

	var err error

	for range appendAttempts {
		var last uint64

		last, err = s.append(ctx, stream, expected, events)
		if err == nil {
			return last, nil
		}

		if !isDuplicate(err) {
			return 0, err
		}

		reused, checkErr := s.storedIDs(ctx, events)
		if checkErr != nil {
			return 0, checkErr
		}

		if reused {
			return 0, fmt.Errorf("%w: stream %s", ErrDuplicateEventID, stream)
		}

		if _, ok := expected.(eventstore.Any); !ok {
			break
		}
	}

	return 0, fmt.Errorf("%w: stream %s expected %s", eventstore.ErrConcurrencyCheckFailed, stream, expected)
}

func (s *Store) append(ctx context.Context, stream string, expected eventstore.StreamRevision, events []eventstore.EventData) (uint64, error) {
	var last uint64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			// sequences are taken at insert and seen at commit; holding the
			// lock until commit keeps both in the same order for readers
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", appendLockKey).Error; err != nil {
				return err
			}
		}

		var tail gormEvent

		res := tx.
			Where("stream_id = ?", stream).
			Order("revision desc").
			Limit(1).
			Find(&tail)
		if res.Error != nil {
			return res.Error
		}

		exists := res.RowsAffected > 0

		if !eventstore.CheckRevision(expected, exists, tail.Revision) {
			return errRevisionMismatch
		}

		next := uint64(0)

		if exists {
			next = tail.Revision + 1
		}

		rows := make([]gormEvent, len(events))

		for i, evt := range events {
			id := evt.ID

			if id == uuid.Nil {
				var err error

				id, err = uuid.NewV7()
				if err != nil {
					return err
				}
			}

			rows[i] = gormEvent{
				ID:       id.String(),
				StreamID: stream,
				Revision: next,
				Category: eventstore.Category(stream),
				Type:     evt.Type,
				Data:     evt.Data,
				Meta:     evt.Metadata,
			}

			next++
		}

		if err := tx.Create(&rows).Error; err != nil {
			return err
		}

		last = next - 1

		return nil
	})

	if errors.Is(err, errRevisionMismatch) {
		return 0, fmt.Errorf("%w: stream %s expected %s", eventstore.ErrConcurrencyCheckFailed, stream, expected)
	}

	return last, err
}

var errRevisionMismatch = errors.New("revision mismatch")

// storedIDs reports whether any caller supplied id of events is already stored
func (s *Store) storedIDs(ctx context.Context, events []eventstore.EventData) (bool, error) {
	var ids []string

	for _, evt := range events {
		if evt.ID != uuid.Nil {
			ids = append(ids, evt.ID.String())
		}
	}

	if len(ids) == 0 {
		return false, nil
	}

	var n int64

	err := s.db.
		WithContext(ctx).
		Model(&gormEvent{}).
		Where("id IN ?", ids).
		Count(&n).Error

	return n > 0, err
}

// isDuplicate reports unique constraint violations of both drivers
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}

	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ReadStream reads at most count events of stream starting at from.
// If there are no events stored for a given stream ErrStreamNotFound will be returned
func (s *Store) ReadStream(ctx context.Context, stream string, dir eventstore.Direction, from eventstore.Position, count uint64) ([]eventstore.RecordedEvent, error) {
	if len(stream) == 0 {
		return nil, fmt.Errorf("stream name must be provided")
	}

	if count == 0 {
		return nil, fmt.Errorf("read count must be at least 1")
	}

	q := s.db.
		WithContext(ctx).
		Where("stream_id = ?", stream).
		Limit(int(count))

	switch dir {
	case eventstore.Forwards:
		if from.IsEnd() {
			return nil, s.ensureExists(ctx, stream)
		}

		q = q.Where("revision >= ?", from.Revision()).Order("revision asc")

	case eventstore.Backwards:
		if !from.IsEnd() {
			q = q.Where("revision <= ?", from.Revision())
		}

		q = q.Order("revision desc")

	default:
		return nil, fmt.Errorf("unknown read direction %d", dir)
	}

	var rows []gormEvent

	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, s.ensureExists(ctx, stream)
	}

	out := make([]eventstore.RecordedEvent, len(rows))

	for i, row := range rows {
		out[i] = row.recorded()
	}

	return out, nil
}

func (s *Store) ensureExists(ctx context.Context, stream string) error {
	var n int64

	err := s.db.
		WithContext(ctx).
		Model(&gormEvent{}).
		Where("stream_id = ?", stream).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return err
	}

	if n == 0 {
		return eventstore.ErrStreamNotFound
	}

	return nil
}
