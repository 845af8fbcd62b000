package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of a pgx pool or connection the postgres inbox uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgres constructs a Guard recording processed ids in table
func NewPostgres(db DB, table string) *Postgres {
	if table == "" {
		table = "inbox_events"
	}

	return &Postgres{db: db, table: table}
}

// Postgres is a Guard backed by a table with a primary key on event_id
type Postgres struct {
	db    DB
	table string
}

// Migrate creates the inbox table if missing
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id    TEXT PRIMARY KEY,
			event_type  TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table))

	return err
}

// Seen reports whether id was marked
func (p *Postgres) Seen(ctx context.Context, id string) (bool, error) {
	var seen bool

	err := p.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (SELECT 1 FROM %s WHERE event_id = $1)
	`, p.table), id).Scan(&seen)

	return seen, err
}

// Mark records id as processed. The unique violation of a second insert
// means the id is already marked.
func (p *Postgres) Mark(ctx context.Context, id, eventType string) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type)
		VALUES ($1, $2)
	`, p.table), id, eventType)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil
	}

	return err
}
