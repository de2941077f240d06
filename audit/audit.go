// Package audit defines the append-only webhook delivery log. Every
// inbound delivery leaves an Entry whether it was accepted, rejected,
// or suppressed as a duplicate, so operators can replay diagnostics
// without provider cooperation. Available implementations:
//
//   - memory: in-process store for development and tests
//   - postgres: durable store backed by the webhook_logs table
//   - mongo: durable store with TTL-based retention
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("audit entry not found")

// Delivery sources recorded on entries.
const (
	// SourceWebhook marks a delivery accepted through ingress.
	SourceWebhook = "webhook"
	// SourceDuplicate marks a delivery suppressed by the dedupe store.
	SourceDuplicate = "duplicate"
	// SourceRejected marks a delivery refused before enqueue.
	SourceRejected = "rejected"
	// SourcePolling marks an event observed by the polling scheduler.
	SourcePolling = "polling"
)

// Entry is one webhook delivery observation. Append-only: only
// Processed and ExecutionID mutate after the fact, via MarkProcessed.
type Entry struct {
	ID               string            `json:"id"`
	WebhookID        string            `json:"webhookId"`
	WorkflowID       string            `json:"workflowId"`
	OrganizationID   string            `json:"organizationId"`
	AppID            string            `json:"appId"`
	TriggerID        string            `json:"triggerId"`
	PayloadDigest    string            `json:"payloadDigest"`
	Headers          map[string]string `json:"headers"`
	ReceivedAt       time.Time         `json:"receivedAt"`
	SignaturePresent bool              `json:"signaturePresent"`
	Processed        bool              `json:"processed"`
	ExecutionID      string            `json:"executionId,omitempty"`
	Error            string            `json:"error,omitempty"`
	Source           string            `json:"source"`
}

// Digest returns the hex SHA-256 of a request body, the canonical
// payload digest stored on entries.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	WebhookID      string
	WorkflowID     string
	OrganizationID string
	Processed      *bool
	Limit          int
}

// Store persists webhook log entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append stores a new entry.
	Append(ctx context.Context, e *Entry) error

	// MarkProcessed flips an entry to processed and records the
	// execution it produced. Returns ErrNotFound for unknown ids.
	MarkProcessed(ctx context.Context, id, executionID string) error

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Entry, error)
}
