// Package lock provides the leader lease used by the polling scheduler.
// A lease names a resource, an owner, and an expiry; at most one holder
// exists per resource at any instant assuming clock skew stays under
// half the TTL. Acquire is non-blocking and leases auto-expire, so a
// crashed holder frees its resource without coordination.
//
// Three backends are available: redis (SET NX PX), postgres (a row in
// scheduler_locks), and an in-process map permitted only when the
// deployment asserts SINGLE_PROCESS.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/config"
)

// ErrNotHeld is returned by Renew when the lease expired or another
// owner took the resource.
var ErrNotHeld = errors.New("lock not held")

// Lease is an acquired hold on a resource.
type Lease struct {
	Resource  string
	Owner     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Service acquires and maintains leases. Implementations must be safe
// for concurrent use.
type Service interface {
	// Acquire claims the resource for ttl. Returns (nil, nil) when
	// another owner holds a live lease.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error)
	// Renew extends a held lease by its TTL. Returns ErrNotHeld when
	// the lease was lost.
	Renew(ctx context.Context, lease *Lease) error
	// Release frees the resource if the lease still owns it.
	Release(ctx context.Context, lease *Lease) error
}

// Select builds the lock service for the configured strategy. The
// returned mode string names the chosen backend for startup logging.
// The in-process backend is refused unless singleProcess is set, both
// when selected explicitly and via auto fallback.
func Select(strategy config.Strategy, rdb *redis.Client, db *sqlx.DB, singleProcess bool) (Service, string, error) {
	switch strategy {
	case config.StrategyRedis:
		if rdb == nil {
			return nil, "", fmt.Errorf("lock: strategy redis requires REDIS_URL")
		}
		return NewRedis(rdb), "redis", nil
	case config.StrategyPostgres:
		if db == nil {
			return nil, "", fmt.Errorf("lock: strategy postgres requires DATABASE_URL")
		}
		return NewPostgres(db), "postgres", nil
	case config.StrategyMemory:
		if !singleProcess {
			return nil, "", fmt.Errorf("lock: strategy memory requires SINGLE_PROCESS=true")
		}
		return NewMemory(), "memory", nil
	case config.StrategyAuto:
		if rdb != nil {
			return NewRedis(rdb), "redis", nil
		}
		if db != nil {
			return NewPostgres(db), "postgres", nil
		}
		if singleProcess {
			return NewMemory(), "memory", nil
		}
		return nil, "", fmt.Errorf("lock: no shared backend available and SINGLE_PROCESS not set")
	default:
		return nil, "", fmt.Errorf("lock: unknown strategy %q", strategy)
	}
}
