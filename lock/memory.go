package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process lock service. It satisfies the single-holder
// contract only within one process, so Select gates it behind the
// SINGLE_PROCESS assertion.
type Memory struct {
	mu   sync.Mutex
	held map[string]memLease
	now  func() time.Time
}

type memLease struct {
	owner     string
	expiresAt time.Time
}

// Compile-time check that Memory implements Service.
var _ Service = (*Memory)(nil)

// NewMemory creates an in-process lock service.
func NewMemory() *Memory {
	return &Memory{
		held: make(map[string]memLease),
		now:  time.Now,
	}
}

// Acquire claims the resource unless a live lease exists.
func (m *Memory) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.held[resource]; ok && cur.expiresAt.After(now) {
		return nil, nil
	}
	owner := uuid.NewString()
	expiresAt := now.Add(ttl)
	m.held[resource] = memLease{owner: owner, expiresAt: expiresAt}
	return &Lease{Resource: resource, Owner: owner, TTL: ttl, ExpiresAt: expiresAt}, nil
}

// Renew extends a held lease by its TTL.
func (m *Memory) Renew(ctx context.Context, lease *Lease) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.held[lease.Resource]
	if !ok || cur.owner != lease.Owner || !cur.expiresAt.After(now) {
		return ErrNotHeld
	}
	cur.expiresAt = now.Add(lease.TTL)
	m.held[lease.Resource] = cur
	lease.ExpiresAt = cur.expiresAt
	return nil
}

// Release frees the resource if the lease still owns it.
func (m *Memory) Release(ctx context.Context, lease *Lease) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.held[lease.Resource]; ok && cur.owner == lease.Owner {
		delete(m.held, lease.Resource)
	}
	return nil
}
