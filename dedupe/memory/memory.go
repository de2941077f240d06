// Package memory provides an in-process implementation of the dedupe
// store. Suitable for development, tests, and single-process
// deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/relaykit/dedupe"
)

// Store is an in-memory implementation of dedupe.Store. It is safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	scopes   map[string]*scopeEntries
	maxScope int
	now      func() time.Time
}

// Compile-time check that Store implements dedupe.Store.
var _ dedupe.Store = (*Store)(nil)

type scopeEntries struct {
	entries map[string]entry
	// order holds tokens in creation order for oldest-first eviction.
	order []string
}

type entry struct {
	createdAt time.Time
	expiresAt time.Time
}

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

// WithClock overrides the time source. Tests use this to force expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory dedupe store.
func New(opts ...Option) *Store {
	s := &Store{
		scopes:   make(map[string]*scopeEntries),
		maxScope: dedupe.DefaultMaxPerScope,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordIfAbsent stores the token unless a live entry exists.
func (s *Store) RecordIfAbsent(ctx context.Context, scope, token string, ttl time.Duration) (dedupe.Outcome, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if ttl <= 0 {
		ttl = dedupe.DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	se, ok := s.scopes[scope]
	if !ok {
		se = &scopeEntries{entries: make(map[string]entry)}
		s.scopes[scope] = se
	}

	se.reclaim(now)

	if e, live := se.entries[token]; live && e.expiresAt.After(now) {
		return dedupe.Duplicate, nil
	}

	se.entries[token] = entry{createdAt: now, expiresAt: now.Add(ttl)}
	se.order = append(se.order, token)

	for len(se.entries) > s.maxScope {
		se.evictOldest()
	}
	return dedupe.Recorded, nil
}

// reclaim drops expired entries. Called with the store lock held.
func (se *scopeEntries) reclaim(now time.Time) {
	kept := se.order[:0]
	for _, token := range se.order {
		e, ok := se.entries[token]
		if !ok {
			continue
		}
		if !e.expiresAt.After(now) {
			delete(se.entries, token)
			continue
		}
		kept = append(kept, token)
	}
	se.order = kept
}

// evictOldest removes the oldest live entry. Called with the store lock
// held and len(entries) > 0.
func (se *scopeEntries) evictOldest() {
	for len(se.order) > 0 {
		oldest := se.order[0]
		se.order = se.order[1:]
		if _, ok := se.entries[oldest]; ok {
			delete(se.entries, oldest)
			return
		}
	}
}

// Release drops the token from its scope.
func (s *Store) Release(ctx context.Context, scope, token string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.scopes[scope]; ok {
		delete(se.entries, token)
	}
	return nil
}

// Reset clears all entries. Tests use this between cases.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = make(map[string]*scopeEntries)
}
