// Package postgres provides a durable credential store. Material is sealed
// with the process master key before it reaches the connections table, so
// rows never carry plaintext tokens.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/relaykit/relaykit/credential"
)

// Schema creates the connections table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS connections (
	connection_id   TEXT        PRIMARY KEY,
	user_id         TEXT        NOT NULL,
	organization_id TEXT        NOT NULL,
	provider        TEXT        NOT NULL DEFAULT '',
	material        BYTEA       NOT NULL,
	stale           BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS connections_org_idx
	ON connections (organization_id);
`

// Store is a Postgres-backed implementation of credential.Store.
type Store struct {
	db  *sqlx.DB
	box *credential.Box
}

// Compile-time check that Store implements credential.Store.
var _ credential.Store = (*Store)(nil)

// New creates a credential store over the given database handle. The box
// seals material on the way in and opens it on the way out.
func New(db *sqlx.DB, box *credential.Box) (*Store, error) {
	if box == nil {
		return nil, errors.New("credential: sealing box is required")
	}
	return &Store{db: db, box: box}, nil
}

// EnsureSchema creates the backing table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("credential schema: %w", err)
	}
	return nil
}

type row struct {
	ConnectionID   string       `db:"connection_id"`
	UserID         string       `db:"user_id"`
	OrganizationID string       `db:"organization_id"`
	Provider       string       `db:"provider"`
	Material       []byte       `db:"material"`
	Stale          bool         `db:"stale"`
	CreatedAt      sql.NullTime `db:"created_at"`
	UpdatedAt      sql.NullTime `db:"updated_at"`
}

// Put inserts or replaces the record for its connection ID.
func (s *Store) Put(ctx context.Context, rec *credential.Record) error {
	plaintext, err := json.Marshal(rec.Material)
	if err != nil {
		return fmt.Errorf("credential encode: %w", err)
	}
	sealed, err := s.box.Seal(plaintext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connections (
			connection_id, user_id, organization_id, provider,
			material, stale, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (connection_id) DO UPDATE SET
			user_id         = EXCLUDED.user_id,
			organization_id = EXCLUDED.organization_id,
			provider        = EXCLUDED.provider,
			material        = EXCLUDED.material,
			stale           = EXCLUDED.stale,
			updated_at      = NOW()`,
		rec.ConnectionID, rec.UserID, rec.OrganizationID, rec.Provider,
		sealed, rec.Stale)
	if err != nil {
		return fmt.Errorf("credential put: %w", err)
	}
	return nil
}

// Get returns the record or credential.ErrNotFound.
func (s *Store) Get(ctx context.Context, connectionID string) (*credential.Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT connection_id, user_id, organization_id, provider,
		        material, stale, created_at, updated_at
		 FROM connections WHERE connection_id = $1`, connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credential get: %w", err)
	}
	plaintext, err := s.box.Open(r.Material)
	if err != nil {
		return nil, err
	}
	rec := credential.Record{
		ConnectionID:   r.ConnectionID,
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID,
		Provider:       r.Provider,
		Stale:          r.Stale,
	}
	if r.CreatedAt.Valid {
		rec.CreatedAt = r.CreatedAt.Time.UTC()
	}
	if r.UpdatedAt.Valid {
		rec.UpdatedAt = r.UpdatedAt.Time.UTC()
	}
	if err := json.Unmarshal(plaintext, &rec.Material); err != nil {
		return nil, fmt.Errorf("credential decode: %w", err)
	}
	return &rec, nil
}

// MarkStale flags or clears the stale marker on a connection.
func (s *Store) MarkStale(ctx context.Context, connectionID string, stale bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET stale = $2, updated_at = NOW()
		 WHERE connection_id = $1`, connectionID, stale)
	if err != nil {
		return fmt.Errorf("credential mark stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credential mark stale result: %w", err)
	}
	if n == 0 {
		return credential.ErrNotFound
	}
	return nil
}
