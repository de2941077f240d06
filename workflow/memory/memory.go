// Package memory provides an in-memory implementation of the workflow
// store for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/relaykit/relaykit/workflow"
)

// Store is an in-memory workflow store. Graphs are kept marshaled so
// callers never share mutable state. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	graphs map[string]map[int][]byte
	latest map[string]int
}

// New creates an empty in-memory workflow store.
func New() *Store {
	return &Store{
		graphs: make(map[string]map[int][]byte),
		latest: make(map[string]int),
	}
}

// Compile-time check that Store implements workflow.Store.
var _ workflow.Store = (*Store)(nil)

// Put stores a graph version.
func (s *Store) Put(ctx context.Context, g *workflow.Graph) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.graphs[g.ID]
	if !ok {
		versions = make(map[int][]byte)
		s.graphs[g.ID] = versions
	}
	if _, taken := versions[g.Version]; taken {
		return workflow.ErrVersionExists
	}
	versions[g.Version] = raw
	if g.Version > s.latest[g.ID] {
		s.latest[g.ID] = g.Version
	}
	return nil
}

// Get returns the latest version of the workflow.
func (s *Store) Get(ctx context.Context, id string) (*workflow.Graph, error) {
	s.mu.RLock()
	version, ok := s.latest[id]
	s.mu.RUnlock()
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return s.GetVersion(ctx, id, version)
}

// GetVersion returns one specific version.
func (s *Store) GetVersion(ctx context.Context, id string, version int) (*workflow.Graph, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.graphs[id][version]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	var g workflow.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &g, nil
}

// ListByOrganization returns the latest version of every workflow owned
// by the organization, ordered by id.
func (s *Store) ListByOrganization(ctx context.Context, orgID string) ([]*workflow.Graph, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var out []*workflow.Graph
	for _, id := range ids {
		g, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if g.OrganizationID == orgID {
			out = append(out, g)
		}
	}
	return out, nil
}
