// Package memory provides an in-memory implementation of the execution
// store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/relaykit/relaykit/execution"
)

// Store is an in-memory execution store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	recs map[string]*execution.Record
}

// New creates an empty in-memory execution store.
func New() *Store {
	return &Store{recs: make(map[string]*execution.Record)}
}

// Compile-time check that Store implements execution.Store.
var _ execution.Store = (*Store)(nil)

// Insert stores a new record.
func (s *Store) Insert(ctx context.Context, rec *execution.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[rec.ID]; ok {
		return execution.ErrExists
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

// Get retrieves a record by execution id.
func (s *Store) Get(ctx context.Context, id string) (*execution.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, execution.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update replaces an existing record.
func (s *Store) Update(ctx context.Context, rec *execution.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[rec.ID]; !ok {
		return execution.ErrNotFound
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

// List returns records matching the filter, newest first.
func (s *Store) List(ctx context.Context, f execution.Filter) ([]*execution.Record, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	matched := make([]*execution.Record, 0)
	for _, rec := range s.recs {
		if f.OrganizationID != "" && rec.OrganizationID != f.OrganizationID {
			continue
		}
		if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]*execution.Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, total, nil
}

// Reset removes every record. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[string]*execution.Record)
}
