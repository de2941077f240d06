// Package postgres provides a durable implementation of the resume
// token store backed by the resume_tokens table. Single-use semantics
// come from a conditional UPDATE on consumed_at.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaykit/relaykit/resume"
)

// Schema creates the resume_tokens table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS resume_tokens (
	token_id        TEXT        PRIMARY KEY,
	execution_id    TEXT        NOT NULL,
	node_id         TEXT        NOT NULL,
	workflow_id     TEXT        NOT NULL,
	organization_id TEXT        NOT NULL,
	resume_state    JSONB,
	initial_data    JSONB,
	trigger_type    TEXT        NOT NULL DEFAULT '',
	issued_at       TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	consumed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS resume_tokens_execution_idx
	ON resume_tokens (execution_id);
`

// Store is a Postgres-backed implementation of resume.Store.
type Store struct {
	db *sqlx.DB
}

// Compile-time check that Store implements resume.Store.
var _ resume.Store = (*Store)(nil)

// New creates a token store over the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("resume schema: %w", err)
	}
	return nil
}

// Insert stores a freshly minted token.
func (s *Store) Insert(ctx context.Context, tok *resume.Token) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO resume_tokens (
			token_id, execution_id, node_id, workflow_id, organization_id,
			resume_state, initial_data, trigger_type, issued_at, expires_at
		) VALUES (
			:token_id, :execution_id, :node_id, :workflow_id, :organization_id,
			:resume_state, :initial_data, :trigger_type, :issued_at, :expires_at
		)`, tok)
	if err != nil {
		return fmt.Errorf("resume insert: %w", err)
	}
	return nil
}

// Get returns the token with the given id or resume.ErrNotFound.
func (s *Store) Get(ctx context.Context, tokenID string) (*resume.Token, error) {
	var tok resume.Token
	err := s.db.GetContext(ctx, &tok,
		`SELECT token_id, execution_id, node_id, workflow_id, organization_id,
		        resume_state, initial_data, trigger_type, issued_at, expires_at, consumed_at
		 FROM resume_tokens WHERE token_id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resume.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resume get: %w", err)
	}
	return &tok, nil
}

// ConsumeOnce atomically sets consumed_at if it is still null.
func (s *Store) ConsumeOnce(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resume_tokens SET consumed_at = $2
		 WHERE token_id = $1 AND consumed_at IS NULL`, tokenID, now)
	if err != nil {
		return false, fmt.Errorf("resume consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resume consume result: %w", err)
	}
	return n == 1, nil
}
