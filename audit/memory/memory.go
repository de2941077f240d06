// Package memory provides an in-memory implementation of the audit
// store for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/relaykit/relaykit/audit"
)

// Store is an in-memory audit store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []*audit.Entry
	byID    map[string]*audit.Entry
}

// New creates an empty in-memory audit store.
func New() *Store {
	return &Store{byID: make(map[string]*audit.Entry)}
}

// Compile-time check that Store implements audit.Store.
var _ audit.Store = (*Store)(nil)

// Append stores a new entry.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := clone(e)
	s.entries = append(s.entries, cp)
	s.byID[cp.ID] = cp
	return nil
}

// MarkProcessed flips an entry to processed.
func (s *Store) MarkProcessed(ctx context.Context, id, executionID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return audit.ErrNotFound
	}
	e.Processed = true
	e.ExecutionID = executionID
	return nil
}

// List returns entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*audit.Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.WebhookID != "" && e.WebhookID != f.WebhookID {
			continue
		}
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Processed != nil && e.Processed != *f.Processed {
			continue
		}
		out = append(out, clone(e))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Reset removes every entry. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.byID = make(map[string]*audit.Entry)
}

func clone(e *audit.Entry) *audit.Entry {
	cp := *e
	if e.Headers != nil {
		cp.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}
