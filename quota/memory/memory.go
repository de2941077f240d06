// Package memory provides an in-process quota counter for single-process
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	total   int64
	resetAt time.Time
}

// Counter is an in-memory windowed counter. The window starts at the first
// increment and the count drops to zero once it elapses.
type Counter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New returns an empty counter.
func New() *Counter {
	return &Counter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Add increments key by amount within the window and returns the running
// total.
func (c *Counter) Add(ctx context.Context, key string, amount int64, window time.Duration) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	b, ok := c.buckets[key]
	if !ok || !b.resetAt.After(now) {
		b = &bucket{resetAt: now.Add(window)}
		c.buckets[key] = b
	}
	b.total += amount
	return b.total, nil
}

// Reset drops all counters. Intended for tests.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[string]*bucket)
}
