// Package resume mints and consumes the single-use tokens that wake a
// waiting execution. A token is the pair (tokenID, signature) where the
// signature is an HMAC over the token's identity and expiry; the stored
// record carries the frontier state the engine needs to continue.
// Tokens outlive the process, so consumption is a store-level
// compare-and-set. Available stores:
//
//   - memory: in-process store for development and testing
//   - postgres: durable store backed by the resume_tokens table
package resume

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/fault"
)

// DefaultTTL is the token lifetime when the wait node does not override
// it.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNotFound is returned by stores when no token has the given id.
var ErrNotFound = errors.New("resume token not found")

// Token is the durable record behind a minted resume token.
type Token struct {
	TokenID        string          `db:"token_id" json:"tokenId"`
	ExecutionID    string          `db:"execution_id" json:"executionId"`
	NodeID         string          `db:"node_id" json:"nodeId"`
	WorkflowID     string          `db:"workflow_id" json:"workflowId"`
	OrganizationID string          `db:"organization_id" json:"organizationId"`
	ResumeState    json.RawMessage `db:"resume_state" json:"resumeState"`
	InitialData    json.RawMessage `db:"initial_data" json:"initialData,omitempty"`
	TriggerType    string          `db:"trigger_type" json:"triggerType"`
	IssuedAt       time.Time       `db:"issued_at" json:"issuedAt"`
	ExpiresAt      time.Time       `db:"expires_at" json:"expiresAt"`
	ConsumedAt     *time.Time      `db:"consumed_at" json:"consumedAt,omitempty"`
}

// Store persists tokens. Implementations must be safe for concurrent
// use.
type Store interface {
	// Insert stores a freshly minted token.
	Insert(ctx context.Context, tok *Token) error
	// Get returns the token with the given id or ErrNotFound.
	Get(ctx context.Context, tokenID string) (*Token, error)
	// ConsumeOnce atomically sets consumedAt if it is still null.
	// Returns false when another consumer won.
	ConsumeOnce(ctx context.Context, tokenID string, now time.Time) (bool, error)
}

// Sign computes the token signature. This is the only place the signed
// payload is assembled: tokenID, executionID, nodeID, and the expiry as
// unix milliseconds, newline-joined, keyed with HMAC-SHA256.
func Sign(secret []byte, tokenID, executionID, nodeID string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tokenID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(executionID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nodeID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expiresAt.UnixMilli(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Service mints and consumes resume tokens over a Store.
type Service struct {
	secret []byte
	store  Store
	ttl    time.Duration
	now    func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithTTL overrides the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a token service. The secret must be non-empty.
func NewService(secret []byte, store Store, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("resume: empty signing secret")
	}
	if store == nil {
		return nil, fmt.Errorf("resume: nil store")
	}
	s := &Service{
		secret: secret,
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MintRequest carries everything a wait node knows when it suspends.
type MintRequest struct {
	ExecutionID    string
	NodeID         string
	WorkflowID     string
	OrganizationID string
	ResumeState    json.RawMessage
	InitialData    json.RawMessage
	TriggerType    string
	// TTL overrides the service default when positive.
	TTL time.Duration
}

// Minted is the caller-visible half of a token.
type Minted struct {
	TokenID   string
	Signature string
	ExpiresAt time.Time
}

// Mint creates, signs, and persists a new single-use token.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*Minted, error) {
	if req.ExecutionID == "" || req.NodeID == "" {
		return nil, fault.New(fault.Validation, "resume mint: missing execution or node id")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	tok := &Token{
		TokenID:        uuid.NewString(),
		ExecutionID:    req.ExecutionID,
		NodeID:         req.NodeID,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		ResumeState:    req.ResumeState,
		InitialData:    req.InitialData,
		TriggerType:    req.TriggerType,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := s.store.Insert(ctx, tok); err != nil {
		return nil, fmt.Errorf("resume mint: %w", err)
	}
	return &Minted{
		TokenID:   tok.TokenID,
		Signature: Sign(s.secret, tok.TokenID, tok.ExecutionID, tok.NodeID, tok.ExpiresAt),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// Consume verifies and claims a token. Exactly one call per token
// succeeds and returns the stored record. Later calls fail with
// TOKEN_EXPIRED; a concurrent loser fails with TOKEN_CONSUMED. A bad or
// unknown signature fails with INVALID_SIGNATURE before any state is
// read back to the caller.
func (s *Service) Consume(ctx context.Context, tokenID, signature string) (*Token, error) {
	tok, err := s.store.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fault.New(fault.InvalidToken, "unknown resume token")
		}
		return nil, fmt.Errorf("resume lookup: %w", err)
	}

	expected := Sign(s.secret, tok.TokenID, tok.ExecutionID, tok.NodeID, tok.ExpiresAt)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fault.New(fault.InvalidToken, "resume token signature mismatch")
	}

	now := s.now()
	if tok.ConsumedAt != nil {
		return nil, fault.New(fault.TokenExpired, "resume token already consumed")
	}
	if now.After(tok.ExpiresAt) {
		return nil, fault.New(fault.TokenExpired, "resume token expired")
	}

	claimed, err := s.store.ConsumeOnce(ctx, tokenID, now)
	if err != nil {
		return nil, fmt.Errorf("resume consume: %w", err)
	}
	if !claimed {
		return nil, fault.New(fault.TokenConsumed, "resume token claimed concurrently")
	}
	consumed := now
	tok.ConsumedAt = &consumed
	return tok, nil
}
