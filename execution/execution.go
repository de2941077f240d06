// Package execution defines the execution record: one durable row per
// workflow run, carrying its status, per-node results, and resume
// state. The queue owns the write path while a run is leased; the API
// reads. Available store implementations:
//
//   - memory: in-process store for development and tests
//   - postgres: durable store backed by the executions table
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/relaykit/relaykit/fault"
)

// ErrNotFound is returned when an execution does not exist.
var ErrNotFound = errors.New("execution not found")

// ErrExists is returned by Insert when the execution id is taken. The
// enqueue path treats it as idempotent success.
var ErrExists = errors.New("execution already exists")

// Status is an execution lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the permitted next states. Running may return to
// pending: a retryable nack re-enqueues the record and the next attempt
// restarts the chain.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPending, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaiting: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether moving from s to next is permitted.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Trigger types recorded on executions.
const (
	TriggerWebhook  = "webhook"
	TriggerPolling  = "polling"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// NodeResult statuses.
const (
	NodeSuccess = "success"
	NodeFailed  = "failed"
	NodeSkipped = "skipped"
)

// Column describes one field of a node's output shape.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Metadata is the inferred shape of a node's output, captured so
// downstream tooling can offer field pickers without re-running nodes.
type Metadata struct {
	Kind    string   `json:"kind"`
	Columns []Column `json:"columns,omitempty"`
	Count   int      `json:"count,omitempty"`
}

// NodeResult is the captured outcome of one node.
type NodeResult struct {
	Status      string          `json:"status"`
	Summary     string          `json:"summary,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Logs        []string        `json:"logs,omitempty"`
	Diagnostics map[string]any  `json:"diagnostics,omitempty"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// Record is one workflow run.
type Record struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	OrganizationID string                 `json:"organizationId"`
	UserID         string                 `json:"userId,omitempty"`
	Status         Status                 `json:"status"`
	TriggerType    string                 `json:"triggerType"`
	TriggerData    json.RawMessage        `json:"triggerData,omitempty"`
	NodeResults    map[string]*NodeResult `json:"nodeResults,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	StartedAt      *time.Time             `json:"startedAt,omitempty"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	DurationMs     int64                  `json:"durationMs,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorKind      fault.Kind             `json:"errorKind,omitempty"`
	ResumeState    json.RawMessage        `json:"resumeState,omitempty"`
	Attempt        int                    `json:"attempt"`
	CorrelationID  string                 `json:"correlationId,omitempty"`
}

// Transition moves the record to next, enforcing the lifecycle order.
func (r *Record) Transition(next Status) error {
	if !r.Status.CanTransition(next) {
		return fault.New(fault.Internal, "execution %s: invalid transition %s -> %s", r.ID, r.Status, next)
	}
	r.Status = next
	return nil
}

// Clone returns a deep copy so cached records cannot be mutated by
// callers.
func (r *Record) Clone() *Record {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.TriggerData = append(json.RawMessage(nil), r.TriggerData...)
	cp.ResumeState = append(json.RawMessage(nil), r.ResumeState...)
	if r.NodeResults != nil {
		cp.NodeResults = make(map[string]*NodeResult, len(r.NodeResults))
		for id, nr := range r.NodeResults {
			c := *nr
			cp.NodeResults[id] = &c
		}
	}
	return &cp
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	OrganizationID string
	WorkflowID     string
	Status         Status
	Limit          int
	Offset         int
}

// Store persists execution records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Insert stores a new record. Returns ErrExists when the id is
	// already taken.
	Insert(ctx context.Context, rec *Record) error

	// Get retrieves a record by execution id.
	Get(ctx context.Context, id string) (*Record, error)

	// Update replaces an existing record. Returns ErrNotFound when the
	// record does not exist.
	Update(ctx context.Context, rec *Record) error

	// List returns records matching the filter, newest first, plus the
	// total match count before limit and offset.
	List(ctx context.Context, f Filter) ([]*Record, int, error)
}
