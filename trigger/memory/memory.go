// Package memory provides an in-memory implementation of the trigger
// store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaykit/relaykit/trigger"
)

// Store is an in-memory trigger store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	recs map[string]*trigger.Record
}

// New creates an empty in-memory trigger store.
func New() *Store {
	return &Store{recs: make(map[string]*trigger.Record)}
}

// Compile-time check that Store implements trigger.Store.
var _ trigger.Store = (*Store)(nil)

// Insert stores a new record.
func (s *Store) Insert(ctx context.Context, rec *trigger.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Kind == trigger.KindWebhook {
		for _, cur := range s.recs {
			if cur.Active && cur.Kind == trigger.KindWebhook && cur.WebhookID == rec.WebhookID {
				return trigger.ErrEndpointTaken
			}
		}
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

// Update replaces an existing record.
func (s *Store) Update(ctx context.Context, rec *trigger.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[rec.ID]; !ok {
		return trigger.ErrNotFound
	}
	s.recs[rec.ID] = rec.Clone()
	return nil
}

// Get retrieves a record by trigger id.
func (s *Store) Get(ctx context.Context, id string) (*trigger.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, trigger.ErrNotFound
	}
	return rec.Clone(), nil
}

// GetByWebhookID retrieves the record claiming a webhook id, preferring
// an active one.
func (s *Store) GetByWebhookID(ctx context.Context, webhookID string) (*trigger.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *trigger.Record
	for _, rec := range s.recs {
		if rec.Kind != trigger.KindWebhook || rec.WebhookID != webhookID {
			continue
		}
		if rec.Active {
			return rec.Clone(), nil
		}
		if found == nil || rec.UpdatedAt.After(found.UpdatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, trigger.ErrNotFound
	}
	return found.Clone(), nil
}

// ListActive returns active records of the given kind ordered by id.
func (s *Store) ListActive(ctx context.Context, kind trigger.Kind) ([]*trigger.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*trigger.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		if !rec.Active {
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListDue returns active polling and schedule records due at or before
// now, oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*trigger.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*trigger.Record, 0)
	for _, rec := range s.recs {
		if !rec.Active || rec.Kind == trigger.KindWebhook {
			continue
		}
		if rec.NextPollAt == nil || rec.NextPollAt.After(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextPollAt.Equal(*out[j].NextPollAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextPollAt.Before(*out[j].NextPollAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveDedupeToken persists a dedupe token on the record.
func (s *Store) SaveDedupeToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return trigger.ErrNotFound
	}
	if rec.DedupeState == nil {
		rec.DedupeState = make(map[string]int64)
	}
	rec.DedupeState[token] = expiresAt.UnixMilli()
	return nil
}

// Reset removes every record. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[string]*trigger.Record)
}
