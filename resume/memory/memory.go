// Package memory provides an in-process implementation of the resume
// token store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/relaykit/resume"
)

// Store is an in-memory implementation of resume.Store. It is safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]*resume.Token
}

// Compile-time check that Store implements resume.Store.
var _ resume.Store = (*Store)(nil)

// New creates an empty in-memory token store.
func New() *Store {
	return &Store{tokens: make(map[string]*resume.Token)}
}

// Insert stores a freshly minted token.
func (s *Store) Insert(ctx context.Context, tok *resume.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.TokenID] = &cp
	return nil
}

// Get returns a copy of the token with the given id.
func (s *Store) Get(ctx context.Context, tokenID string) (*resume.Token, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, resume.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

// ConsumeOnce atomically sets consumedAt if it is still null.
func (s *Store) ConsumeOnce(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return false, resume.ErrNotFound
	}
	if tok.ConsumedAt != nil {
		return false, nil
	}
	consumed := now
	tok.ConsumedAt = &consumed
	return true, nil
}

// Reset clears all tokens. Tests use this between cases.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]*resume.Token)
}
