package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts keep the owner check and the mutation atomic, so a lease
// that expired between check and write cannot clobber a new holder.
var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// Redis is a lock service on SET NX PX. The stored value is the owner
// id, checked on renew and release.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

// Compile-time check that Redis implements Service.
var _ Service = (*Redis)(nil)

// NewRedis creates a lock service on the given Redis client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

// Acquire claims the resource unless a live lease exists.
func (r *Redis) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	set, err := r.rdb.SetNX(ctx, lockKey(resource), owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock acquire: %w", err)
	}
	if !set {
		return nil, nil
	}
	return &Lease{
		Resource:  resource,
		Owner:     owner,
		TTL:       ttl,
		ExpiresAt: r.now().Add(ttl),
	}, nil
}

// Renew extends a held lease by its TTL.
func (r *Redis) Renew(ctx context.Context, lease *Lease) error {
	n, err := renewScript.Run(ctx, r.rdb,
		[]string{lockKey(lease.Resource)},
		lease.Owner, lease.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("lock renew: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	lease.ExpiresAt = r.now().Add(lease.TTL)
	return nil
}

// Release frees the resource if the lease still owns it.
func (r *Redis) Release(ctx context.Context, lease *Lease) error {
	if _, err := releaseScript.Run(ctx, r.rdb,
		[]string{lockKey(lease.Resource)},
		lease.Owner,
	).Int(); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

func lockKey(resource string) string {
	return "lock:" + resource
}
