// Package postgres provides a PostgreSQL implementation of the
// workflow store backed by the workflows table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/relaykit/relaykit/workflow"
)

// Schema creates the workflows table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id              TEXT        NOT NULL,
	version         INT         NOT NULL,
	organization_id TEXT        NOT NULL,
	name            TEXT        NOT NULL DEFAULT '',
	definition      JSONB       NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, version)
);
CREATE INDEX IF NOT EXISTS workflows_org_idx
	ON workflows (organization_id, id);
`

// Store is a PostgreSQL workflow store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New creates a workflow store over the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Compile-time check that Store implements workflow.Store.
var _ workflow.Store = (*Store)(nil)

// EnsureSchema creates the backing table and index if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("workflow schema: %w", err)
	}
	return nil
}

// Put stores a graph version.
func (s *Store) Put(ctx context.Context, g *workflow.Graph) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	const q = `INSERT INTO workflows (id, version, organization_id, name, definition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.ExecContext(ctx, q, g.ID, g.Version, g.OrganizationID, g.Name, raw, s.now().UTC()); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return workflow.ErrVersionExists
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// Get returns the latest version of the workflow.
func (s *Store) Get(ctx context.Context, id string) (*workflow.Graph, error) {
	const q = `SELECT definition FROM workflows WHERE id = $1 ORDER BY version DESC LIMIT 1`
	return s.getOne(ctx, q, id)
}

// GetVersion returns one specific version.
func (s *Store) GetVersion(ctx context.Context, id string, version int) (*workflow.Graph, error) {
	const q = `SELECT definition FROM workflows WHERE id = $1 AND version = $2`
	return s.getOne(ctx, q, id, version)
}

func (s *Store) getOne(ctx context.Context, q string, args ...any) (*workflow.Graph, error) {
	var raw []byte
	if err := s.db.GetContext(ctx, &raw, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	var g workflow.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &g, nil
}

// ListByOrganization returns the latest version of every workflow owned
// by the organization, ordered by id.
func (s *Store) ListByOrganization(ctx context.Context, orgID string) ([]*workflow.Graph, error) {
	const q = `SELECT DISTINCT ON (id) definition FROM workflows
		WHERE organization_id = $1 ORDER BY id, version DESC`
	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, q, orgID); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*workflow.Graph, 0, len(rows))
	for _, raw := range rows {
		var g workflow.Graph
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("unmarshal graph: %w", err)
		}
		out = append(out, &g)
	}
	return out, nil
}
