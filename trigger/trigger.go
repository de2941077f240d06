// Package trigger defines the durable trigger registry. A Record ties
// an inbound event source (webhook endpoint, polling loop, or cron
// schedule) to the workflow it starts; the Registry keeps a
// process-local cache over a durable Store and coordinates cache
// invalidation across nodes. Available store implementations:
//
//   - memory: in-process store for development and single-node runs
//   - postgres: durable store backed by the triggers table
package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/relaykit/relaykit/dedupe"
)

// ErrNotFound is returned when a trigger does not exist.
var ErrNotFound = errors.New("trigger not found")

// ErrEndpointTaken is returned when a webhook id is already claimed by
// an active webhook trigger.
var ErrEndpointTaken = errors.New("webhook endpoint already registered")

// Kind discriminates how a trigger receives events.
type Kind string

const (
	// KindWebhook receives events via POST /webhooks/{webhookID}.
	KindWebhook Kind = "webhook"
	// KindPolling pulls events from the connector on an interval.
	KindPolling Kind = "polling"
	// KindSchedule fires on a cron expression with no external events.
	KindSchedule Kind = "schedule"
)

// Valid reports whether k names a known trigger kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWebhook, KindPolling, KindSchedule:
		return true
	}
	return false
}

// Poll statuses recorded by the scheduler.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Record is a registered trigger. Poll bookkeeping fields (NextPollAt,
// LastPollAt, Cursor, BackoffCount, LastStatus) are owned by the
// scheduler; everything else is set at registration time.
type Record struct {
	ID             string            `json:"id" db:"id"`
	WorkflowID     string            `json:"workflowId" db:"workflow_id"`
	OrganizationID string            `json:"organizationId" db:"organization_id"`
	Kind           Kind              `json:"kind" db:"kind"`
	AppID          string            `json:"appId" db:"app_id"`
	TriggerID      string            `json:"triggerId" db:"trigger_id"`
	WebhookID      string            `json:"webhookId" db:"webhook_id"`
	Provider       string            `json:"provider" db:"provider"`
	Secret         string            `json:"-" db:"secret"`
	IntervalMs     int64             `json:"intervalMs" db:"interval_ms"`
	Schedule       string            `json:"schedule" db:"schedule"`
	DedupeTTLMs    int64             `json:"dedupeTtlMs" db:"dedupe_ttl_ms"`
	NextPollAt     *time.Time        `json:"nextPollAt" db:"next_poll_at"`
	LastPollAt     *time.Time        `json:"lastPollAt" db:"last_poll_at"`
	Cursor         string            `json:"cursor" db:"cursor"`
	BackoffCount   int               `json:"backoffCount" db:"backoff_count"`
	Metadata       map[string]string `json:"metadata" db:"-"`
	DedupeState    map[string]int64  `json:"dedupeState" db:"-"`
	Active         bool              `json:"active" db:"active"`
	LastStatus     string            `json:"lastStatus" db:"last_status"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
}

// Interval is the polling period.
func (r *Record) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// DedupeTTL is the per-trigger duplicate suppression window. Zero means
// the store default.
func (r *Record) DedupeTTL() time.Duration {
	if r.DedupeTTLMs <= 0 {
		return dedupe.DefaultTTL
	}
	return time.Duration(r.DedupeTTLMs) * time.Millisecond
}

// DedupeScope is the dedupe store scope for this trigger: the webhook
// id for webhook triggers, the trigger id otherwise.
func (r *Record) DedupeScope() string {
	if r.Kind == KindWebhook && r.WebhookID != "" {
		return r.WebhookID
	}
	return r.ID
}

// Clone returns a deep copy so cached records cannot be mutated by
// callers.
func (r *Record) Clone() *Record {
	cp := *r
	if r.NextPollAt != nil {
		t := *r.NextPollAt
		cp.NextPollAt = &t
	}
	if r.LastPollAt != nil {
		t := *r.LastPollAt
		cp.LastPollAt = &t
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.DedupeState != nil {
		cp.DedupeState = make(map[string]int64, len(r.DedupeState))
		for k, v := range r.DedupeState {
			cp.DedupeState[k] = v
		}
	}
	return &cp
}

// Store persists trigger records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Insert stores a new record. Returns ErrEndpointTaken when an
	// active webhook trigger already claims the webhook id.
	Insert(ctx context.Context, rec *Record) error

	// Update replaces an existing record. Returns ErrNotFound when the
	// record does not exist.
	Update(ctx context.Context, rec *Record) error

	// Get retrieves a record by trigger id.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByWebhookID retrieves the record claiming a webhook id,
	// preferring an active one.
	GetByWebhookID(ctx context.Context, webhookID string) (*Record, error)

	// ListActive returns active records of the given kind, every kind
	// when kind is empty, ordered by id.
	ListActive(ctx context.Context, kind Kind) ([]*Record, error)

	// ListDue returns active polling and schedule records whose
	// NextPollAt is at or before now, oldest first, at most limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	// SaveDedupeToken persists a dedupe token on the record so it
	// survives restarts of in-process dedupe stores.
	SaveDedupeToken(ctx context.Context, id, token string, expiresAt time.Time) error
}
