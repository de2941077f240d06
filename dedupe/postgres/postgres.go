// Package postgres provides a durable implementation of the dedupe
// store backed by the dedupe_entries table. Atomicity of recordIfAbsent
// comes from the primary key over (scope, token) with INSERT ... ON
// CONFLICT DO NOTHING; expired rows are reclaimed in the same
// transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaykit/relaykit/dedupe"
)

// Schema creates the dedupe_entries table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS dedupe_entries (
	scope      TEXT        NOT NULL,
	token      TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, token)
);
CREATE INDEX IF NOT EXISTS dedupe_entries_scope_created_idx
	ON dedupe_entries (scope, created_at);
`

// Store is a Postgres-backed implementation of dedupe.Store.
type Store struct {
	db       *sqlx.DB
	maxScope int
	now      func() time.Time
}

// Compile-time check that Store implements dedupe.Store.
var _ dedupe.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithMaxPerScope overrides the per-scope retention cap.
func WithMaxPerScope(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxScope = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a dedupe store over the given database handle.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		maxScope: dedupe.DefaultMaxPerScope,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the backing table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("dedupe schema: %w", err)
	}
	return nil
}

// RecordIfAbsent stores the token unless a live entry exists. Runs in
// one transaction: reclaim expired rows for the scope, attempt the
// insert, then trim the scope to the retention cap.
func (s *Store) RecordIfAbsent(ctx context.Context, scope, token string, ttl time.Duration) (dedupe.Outcome, error) {
	if ttl <= 0 {
		ttl = dedupe.DefaultTTL
	}
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("dedupe begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dedupe_entries WHERE scope = $1 AND expires_at <= $2`,
		scope, now,
	); err != nil {
		return "", fmt.Errorf("dedupe reclaim: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dedupe_entries (scope, token, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (scope, token) DO NOTHING`,
		scope, token, now, now.Add(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("dedupe insert: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("dedupe insert result: %w", err)
	}

	if inserted == 1 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dedupe_entries
			 WHERE scope = $1 AND token IN (
				SELECT token FROM dedupe_entries
				WHERE scope = $1
				ORDER BY created_at DESC
				OFFSET $2
			 )`,
			scope, s.maxScope,
		); err != nil {
			return "", fmt.Errorf("dedupe trim: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("dedupe commit: %w", err)
	}
	if inserted == 1 {
		return dedupe.Recorded, nil
	}
	return dedupe.Duplicate, nil
}

// Release drops the row for (scope, token).
func (s *Store) Release(ctx context.Context, scope, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dedupe_entries WHERE scope = $1 AND token = $2`,
		scope, token,
	); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}
