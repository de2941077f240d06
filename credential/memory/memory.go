// Package memory provides an in-memory credential store for tests and
// single-process runs. Material is held unsealed; sealing is a property of
// durable backends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/relaykit/credential"
)

// Store keeps credential records in memory.
type Store struct {
	mu   sync.RWMutex
	recs map[string]*credential.Record
	now  func() time.Time
}

var _ credential.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		recs: make(map[string]*credential.Record),
		now:  time.Now,
	}
}

// Put inserts or replaces the record for its connection ID.
func (s *Store) Put(ctx context.Context, rec *credential.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec.Clone()
	if cp.CreatedAt.IsZero() {
		if prev, ok := s.recs[cp.ConnectionID]; ok {
			cp.CreatedAt = prev.CreatedAt
		} else {
			cp.CreatedAt = s.now().UTC()
		}
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	s.recs[cp.ConnectionID] = cp
	return nil
}

// Get returns the record or credential.ErrNotFound.
func (s *Store) Get(ctx context.Context, connectionID string) (*credential.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[connectionID]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return rec.Clone(), nil
}

// MarkStale flags or clears the stale marker on a connection.
func (s *Store) MarkStale(ctx context.Context, connectionID string, stale bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[connectionID]
	if !ok {
		return credential.ErrNotFound
	}
	rec.Stale = stale
	rec.UpdatedAt = s.now().UTC()
	return nil
}

// Reset removes all records.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[string]*credential.Record)
}
