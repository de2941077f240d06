package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresSchema creates the scheduler_locks table. Idempotent.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS scheduler_locks (
	resource   TEXT        PRIMARY KEY,
	owner_id   TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Postgres is a lock service on a scheduler_locks row per resource.
// Acquire is a single INSERT ... ON CONFLICT that overwrites only
// expired rows, so the row's primary key provides the mutual exclusion.
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
}

// Compile-time check that Postgres implements Service.
var _ Service = (*Postgres)(nil)

// NewPostgres creates a lock service over the given database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// EnsureSchema creates the backing table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("lock schema: %w", err)
	}
	return nil
}

// Acquire claims the resource unless a live lease exists.
func (p *Postgres) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	now := p.now()
	expiresAt := now.Add(ttl)

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO scheduler_locks (resource, owner_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (resource) DO UPDATE
		 SET owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at
		 WHERE scheduler_locks.expires_at <= $4`,
		resource, owner, expiresAt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("lock acquire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("lock acquire result: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return &Lease{Resource: resource, Owner: owner, TTL: ttl, ExpiresAt: expiresAt}, nil
}

// Renew extends a held lease by its TTL.
func (p *Postgres) Renew(ctx context.Context, lease *Lease) error {
	now := p.now()
	res, err := p.db.ExecContext(ctx,
		`UPDATE scheduler_locks SET expires_at = $3
		 WHERE resource = $1 AND owner_id = $2 AND expires_at > $4`,
		lease.Resource, lease.Owner, now.Add(lease.TTL), now,
	)
	if err != nil {
		return fmt.Errorf("lock renew: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock renew result: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	lease.ExpiresAt = now.Add(lease.TTL)
	return nil
}

// Release frees the resource if the lease still owns it.
func (p *Postgres) Release(ctx context.Context, lease *Lease) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM scheduler_locks WHERE resource = $1 AND owner_id = $2`,
		lease.Resource, lease.Owner,
	); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}
