// Package credential resolves connection credentials for connector calls and
// keeps rotated tokens persisted. Material is sealed at rest; the resolver
// refreshes expiring tokens through a typed handler and marks connections
// stale when refresh fails.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/telemetry"
)

// ErrNotFound is returned when a connection does not exist.
var ErrNotFound = errors.New("credential: connection not found")

type (
	// Material is a resolved credential ready to hand to a connector.
	Material struct {
		Type      string            `json:"type"`
		Token     string            `json:"token"`
		Refresh   string            `json:"refresh,omitempty"`
		ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
		Fields    map[string]string `json:"fields,omitempty"`
	}

	// Record is a stored connection credential.
	Record struct {
		ConnectionID   string    `json:"connectionId"`
		UserID         string    `json:"userId"`
		OrganizationID string    `json:"organizationId"`
		Provider       string    `json:"provider,omitempty"`
		Material       Material  `json:"material"`
		Stale          bool      `json:"stale"`
		CreatedAt      time.Time `json:"createdAt"`
		UpdatedAt      time.Time `json:"updatedAt"`
	}

	// Store persists connection credentials. Backends seal Material at rest.
	Store interface {
		// Put inserts or replaces the record for its connection ID.
		Put(ctx context.Context, rec *Record) error
		// Get returns the record or ErrNotFound.
		Get(ctx context.Context, connectionID string) (*Record, error)
		// MarkStale flags a connection whose material can no longer be
		// refreshed. Returns ErrNotFound for unknown connections.
		MarkStale(ctx context.Context, connectionID string, stale bool) error
	}

	// RefreshHandler exchanges expiring material for fresh material.
	RefreshHandler interface {
		Refresh(ctx context.Context, rec *Record) (*Material, error)
	}

	// RefreshHandlerFunc adapts a function to RefreshHandler.
	RefreshHandlerFunc func(ctx context.Context, rec *Record) (*Material, error)

	// Source resolves the credentials a node needs for a connector call.
	Source interface {
		Resolve(ctx context.Context, connectionID, userID, orgID string) (*Material, error)
	}
)

// Refresh calls f.
func (f RefreshHandlerFunc) Refresh(ctx context.Context, rec *Record) (*Material, error) {
	return f(ctx, rec)
}

// Clone returns a deep copy.
func (m Material) Clone() Material {
	cp := m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		cp.ExpiresAt = &t
	}
	if m.Fields != nil {
		cp.Fields = make(map[string]string, len(m.Fields))
		for k, v := range m.Fields {
			cp.Fields[k] = v
		}
	}
	return cp
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Material = r.Material.Clone()
	return &cp
}

// DefaultRefreshLeeway is how long before expiry a token is treated as
// expiring and refreshed ahead of use.
const DefaultRefreshLeeway = time.Minute

// Service resolves credentials from a Store, refreshing expiring material
// through the configured handler.
type Service struct {
	store   Store
	refresh RefreshHandler
	leeway  time.Duration
	logger  telemetry.Logger
	now     func() time.Time
}

var _ Source = (*Service)(nil)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRefreshHandler sets the handler used to rotate expiring tokens.
func WithRefreshHandler(h RefreshHandler) ServiceOption {
	return func(s *Service) { s.refresh = h }
}

// WithRefreshLeeway overrides how early tokens are refreshed before expiry.
func WithRefreshLeeway(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.leeway = d
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService wires a Service over the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential: store is required")
	}
	s := &Service{
		store:  store,
		leeway: DefaultRefreshLeeway,
		logger: telemetry.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Resolve returns usable material for the connection. Cross-organization
// lookups report ErrNotFound so callers cannot probe other tenants'
// connections. Expiring material is refreshed and the rotated token
// persisted before it is returned; a failed refresh marks the connection
// stale and returns fault.TokenRefreshFailed.
func (s *Service) Resolve(ctx context.Context, connectionID, userID, orgID string) (*Material, error) {
	if connectionID == "" {
		return nil, fault.New(fault.Validation, "connection id is required")
	}
	rec, err := s.store.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && rec.OrganizationID != orgID {
		return nil, ErrNotFound
	}

	if !s.expiring(rec.Material) {
		m := rec.Material.Clone()
		return &m, nil
	}

	if s.refresh == nil || rec.Material.Refresh == "" {
		s.markStale(ctx, connectionID)
		return nil, fault.New(fault.TokenRefreshFailed,
			"credential for connection %s expired and cannot be refreshed", connectionID)
	}

	fresh, err := s.refresh.Refresh(ctx, rec.Clone())
	if err != nil {
		s.markStale(ctx, connectionID)
		return nil, fault.New(fault.TokenRefreshFailed,
			"refresh credential for connection %s: %s", connectionID, fault.Redact(err.Error()))
	}
	prior := rec.Material.Refresh
	rec.Material = fresh.Clone()
	if rec.Material.Refresh == "" {
		// Providers that do not rotate refresh tokens omit them from the
		// refresh response.
		rec.Material.Refresh = prior
	}
	rec.Stale = false
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fault.New(fault.Internal, "persist refreshed credential: %v", err)
	}
	m := rec.Material.Clone()
	return &m, nil
}

// PersistRotated stores material a connector returned mid-call (a
// provider-side refresh). The rotated token replaces the stored one so
// later resolutions see it; an empty refresh token keeps the prior one,
// matching providers that do not rotate refresh tokens.
func (s *Service) PersistRotated(ctx context.Context, connectionID string, m Material) error {
	rec, err := s.store.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	prior := rec.Material.Refresh
	rec.Material = m.Clone()
	if rec.Material.Refresh == "" {
		rec.Material.Refresh = prior
	}
	rec.Stale = false
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, rec); err != nil {
		return fault.New(fault.Internal, "persist rotated credential: %v", err)
	}
	return nil
}

func (s *Service) expiring(m Material) bool {
	if m.ExpiresAt == nil {
		return false
	}
	return !m.ExpiresAt.After(s.now().Add(s.leeway))
}

func (s *Service) markStale(ctx context.Context, connectionID string) {
	if err := s.store.MarkStale(ctx, connectionID, true); err != nil {
		s.logger.Warn(ctx, "mark credential stale", "connection_id", connectionID, "err", err)
	}
}
