// Package queue provides the durable execution queue: at-least-once delivery
// with priority classes, visibility timeouts, bounded retries, and a dead
// letter buffer. The Service applies the execution-record bookkeeping shared
// by every backend; Broker implementations supply the transport.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/telemetry"
)

// ErrLeaseExpired reports that a lease is no longer held: the visibility
// timeout elapsed and the entry was claimed elsewhere, or it was already
// acknowledged.
var ErrLeaseExpired = errors.New("queue: lease expired")

// Class is a priority class. Dequeue always drains higher classes first and
// preserves FIFO order within a class.
type Class string

const (
	// ClassResume carries resumed executions. Highest priority.
	ClassResume Class = "resume"
	// ClassManual carries manually triggered executions.
	ClassManual Class = "manual"
	// ClassDefault carries everything else.
	ClassDefault Class = "default"
)

// Classes returns all priority classes ordered from highest to lowest.
func Classes() []Class {
	return []Class{ClassResume, ClassManual, ClassDefault}
}

// Valid reports whether c is a known priority class.
func (c Class) Valid() bool {
	switch c {
	case ClassResume, ClassManual, ClassDefault:
		return true
	}
	return false
}

// ClassFor maps a trigger type to the class its executions enqueue under.
func ClassFor(triggerType string) Class {
	if triggerType == execution.TriggerManual {
		return ClassManual
	}
	return ClassDefault
}

const (
	// DefaultVisibility is the visibility timeout applied to claimed entries
	// when none is configured.
	DefaultVisibility = 60 * time.Second
	// DefaultMaxAttempts bounds deliveries per execution before the entry is
	// dead-lettered.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is the base delay before a retryable nack is
	// redelivered. The delay doubles per attempt up to DefaultRetryBackoffCap.
	DefaultRetryBackoff = 5 * time.Second
	// DefaultRetryBackoffCap bounds the retry delay growth.
	DefaultRetryBackoffCap = 5 * time.Minute
)

type (
	// EnqueueRequest describes an execution to enqueue. ExecutionID is
	// optional: when empty a fresh ID is minted, when set the enqueue is
	// idempotent on that ID.
	EnqueueRequest struct {
		ExecutionID    string          `json:"executionId,omitempty"`
		WorkflowID     string          `json:"workflowId"`
		OrganizationID string          `json:"organizationId"`
		UserID         string          `json:"userId,omitempty"`
		TriggerType    string          `json:"triggerType"`
		TriggerData    json.RawMessage `json:"triggerData,omitempty"`
		Class          Class           `json:"class,omitempty"`
		CorrelationID  string          `json:"correlationId,omitempty"`
	}

	// Entry is the unit carried by a broker. It references the execution
	// record rather than embedding it; the record stays the source of truth.
	Entry struct {
		ExecutionID    string    `json:"executionId"`
		WorkflowID     string    `json:"workflowId"`
		OrganizationID string    `json:"organizationId"`
		Class          Class     `json:"class"`
		Attempt        int       `json:"attempt"`
		NodeID         string    `json:"nodeId,omitempty"`
		EnqueuedAt     time.Time `json:"enqueuedAt"`
	}

	// Lease is a claimed entry. The holder must Heartbeat before Deadline or
	// the entry becomes claimable again, and must finish with Ack or Nack.
	Lease struct {
		Entry
		// ID identifies the delivery within the broker (stream message ID for
		// the Redis backend).
		ID       string
		Consumer string
		Deadline time.Time
	}

	// DeadEntry is a dead-lettered entry with its terminal cause.
	DeadEntry struct {
		Entry
		Cause    string    `json:"cause"`
		BuriedAt time.Time `json:"buriedAt"`
	}

	// Stats reports queue depths for health endpoints.
	Stats struct {
		// Depths counts entries per class, including claimed ones.
		Depths map[Class]int64 `json:"depths"`
		// Delayed counts entries waiting out a retry backoff.
		Delayed int64 `json:"delayed"`
		// InFlight counts claimed, unacknowledged entries.
		InFlight int64 `json:"inFlight"`
		// DeadLettered counts entries in the dead letter buffer.
		DeadLettered int64 `json:"deadLettered"`
	}

	// Broker is the transport a Service drives. Implementations provide
	// ordered delivery per class and idle-entry recovery; the Service layers
	// the execution-record semantics on top.
	Broker interface {
		// Append makes an entry immediately claimable.
		Append(ctx context.Context, entry *Entry) error
		// AppendDelayed makes an entry claimable at readyAt.
		AppendDelayed(ctx context.Context, entry *Entry, readyAt time.Time) error
		// Claim returns the oldest claimable entry across classes in priority
		// order, or nil when every class is empty.
		Claim(ctx context.Context, consumer string) (*Lease, error)
		// Extend pushes the lease deadline out by the visibility timeout.
		// Returns ErrLeaseExpired when the lease is no longer held.
		Extend(ctx context.Context, lease *Lease) error
		// Ack removes a delivered entry. Acking an already-settled lease is
		// not an error.
		Ack(ctx context.Context, lease *Lease) error
		// Bury moves the entry to the dead letter buffer.
		Bury(ctx context.Context, lease *Lease, cause string) error
		// Stats reports current depths.
		Stats(ctx context.Context) (*Stats, error)
		// Close releases broker resources.
		Close(ctx context.Context) error
	}
)

// Service implements the queue semantics over a Broker and the execution
// store: Enqueue persists the pending record before the entry is visible,
// Nack re-enqueues with backoff or dead-letters, and Dequeue discards
// deliveries that no longer match the record.
type Service struct {
	broker      Broker
	execs       execution.Store
	logger      telemetry.Logger
	consumer    string
	maxAttempts int
	backoff     time.Duration
	backoffCap  time.Duration
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithConsumer sets the consumer name used when claiming entries. Defaults to
// a generated worker name.
func WithConsumer(name string) ServiceOption {
	return func(s *Service) { s.consumer = name }
}

// WithMaxAttempts overrides the delivery attempt bound.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryBackoff overrides the base retry delay.
func WithRetryBackoff(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// NewService wires a Service over the given broker and execution store.
func NewService(broker Broker, execs execution.Store, opts ...ServiceOption) (*Service, error) {
	if broker == nil {
		return nil, errors.New("queue: broker is required")
	}
	if execs == nil {
		return nil, errors.New("queue: execution store is required")
	}
	s := &Service{
		broker:      broker,
		execs:       execs,
		logger:      telemetry.NewNoopLogger(),
		consumer:    "worker-" + uuid.NewString()[:8],
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		backoffCap:  DefaultRetryBackoffCap,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue persists a pending execution record and appends an entry for it.
// When req.ExecutionID names an existing record the call is idempotent: a
// terminal record returns its ID without a new entry, a live one gets its
// entry re-appended so a lost append cannot strand the record.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.WorkflowID == "" {
		return "", fault.New(fault.Validation, "workflow id is required")
	}
	if req.OrganizationID == "" {
		return "", fault.New(fault.Validation, "organization id is required")
	}
	class := req.Class
	if class == "" {
		class = ClassFor(req.TriggerType)
	}
	if !class.Valid() {
		return "", fault.New(fault.Validation, "unknown queue class %q", class)
	}

	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	rec := &execution.Record{
		ID:             id,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Status:         execution.StatusPending,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Attempt:        1,
		CorrelationID:  req.CorrelationID,
		CreatedAt:      now,
	}
	attempt := 1
	if err := s.execs.Insert(ctx, rec); err != nil {
		if !errors.Is(err, execution.ErrExists) {
			return "", fmt.Errorf("queue: insert execution: %w", err)
		}
		existing, getErr := s.execs.Get(ctx, id)
		if getErr != nil {
			return "", fmt.Errorf("queue: load existing execution: %w", getErr)
		}
		if existing.Status.Terminal() {
			return id, nil
		}
		attempt = existing.Attempt
	}

	entry := &Entry{
		ExecutionID:    id,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		Class:          class,
		Attempt:        attempt,
		EnqueuedAt:     now,
	}
	if err := s.broker.Append(ctx, entry); err != nil {
		return "", fault.New(fault.QueueUnavailable, "append entry: %v", err)
	}
	return id, nil
}

// EnqueueResume appends a resume-class entry for a waiting execution after
// storing the resume state on its record.
func (s *Service) EnqueueResume(ctx context.Context, executionID, nodeID string, resumeState json.RawMessage) error {
	rec, err := s.execs.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if rec.Status != execution.StatusWaiting {
		return fault.New(fault.Validation, "execution %s is not waiting", executionID)
	}
	rec.ResumeState = resumeState
	if err := s.execs.Update(ctx, rec); err != nil {
		return fmt.Errorf("queue: store resume state: %w", err)
	}
	entry := &Entry{
		ExecutionID:    rec.ID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		Class:          ClassResume,
		Attempt:        rec.Attempt,
		NodeID:         nodeID,
		EnqueuedAt:     s.now().UTC(),
	}
	if err := s.broker.Append(ctx, entry); err != nil {
		return fault.New(fault.QueueUnavailable, "append resume entry: %v", err)
	}
	return nil
}

// staleClaimBudget bounds how many stale deliveries a single Dequeue call
// discards before reporting an empty queue.
const staleClaimBudget = 16

// Dequeue claims the next runnable entry. Deliveries whose execution record
// moved on (terminal or superseded attempt) are acknowledged and skipped;
// a record still marked running at the leased attempt is reclaimed from its
// expired holder. Returns nil when nothing is claimable.
func (s *Service) Dequeue(ctx context.Context) (*Lease, error) {
	for i := 0; i < staleClaimBudget; i++ {
		lease, err := s.broker.Claim(ctx, s.consumer)
		if err != nil {
			return nil, fault.New(fault.QueueUnavailable, "claim entry: %v", err)
		}
		if lease == nil {
			return nil, nil
		}
		rec, err := s.execs.Get(ctx, lease.ExecutionID)
		if err != nil {
			if errors.Is(err, execution.ErrNotFound) {
				s.settleStale(ctx, lease, "record missing")
				continue
			}
			return nil, fmt.Errorf("queue: load execution: %w", err)
		}
		if !s.runnable(rec, lease) {
			s.settleStale(ctx, lease, string(rec.Status))
			continue
		}
		// A running record at the leased attempt means the previous
		// holder died mid-run and the visibility window expired. Move
		// it back to pending so the new holder can start it.
		if rec.Status == execution.StatusRunning {
			if err := rec.Transition(execution.StatusPending); err != nil {
				return nil, fmt.Errorf("queue: reclaim execution: %w", err)
			}
			if err := s.execs.Update(ctx, rec); err != nil {
				return nil, fmt.Errorf("queue: reclaim execution: %w", err)
			}
			s.logger.Info(ctx, "reclaimed expired execution",
				"execution_id", lease.ExecutionID, "attempt", lease.Attempt)
		}
		return lease, nil
	}
	return nil, nil
}

// runnable reports whether a delivery still matches its execution record.
// Running records count when the attempt matches: the broker only
// redelivers an entry after its lease expired, so the original holder is
// presumed dead.
func (s *Service) runnable(rec *execution.Record, lease *Lease) bool {
	switch rec.Status {
	case execution.StatusPending, execution.StatusRunning:
		return rec.Attempt == lease.Attempt
	case execution.StatusWaiting:
		return lease.Class == ClassResume
	}
	return false
}

func (s *Service) settleStale(ctx context.Context, lease *Lease, reason string) {
	if err := s.broker.Ack(ctx, lease); err != nil {
		s.logger.Warn(ctx, "discard stale delivery",
			"execution_id", lease.ExecutionID, "reason", reason, "err", err)
		return
	}
	s.logger.Debug(ctx, "discarded stale delivery",
		"execution_id", lease.ExecutionID, "reason", reason)
}

// Heartbeat extends the lease visibility window.
func (s *Service) Heartbeat(ctx context.Context, lease *Lease) error {
	return s.broker.Extend(ctx, lease)
}

// Ack settles a lease after the execution reached finalStatus. The record is
// written by the lease holder before Ack; the queue only retires the entry.
func (s *Service) Ack(ctx context.Context, lease *Lease, finalStatus execution.Status) error {
	if err := s.broker.Ack(ctx, lease); err != nil {
		return err
	}
	s.logger.Debug(ctx, "acked execution",
		"execution_id", lease.ExecutionID, "status", string(finalStatus), "attempt", lease.Attempt)
	return nil
}

// Nack settles a failed delivery. Retryable causes within the attempt budget
// re-enqueue with exponential backoff and flip the record back to pending;
// everything else dead-letters the entry and marks the record failed.
func (s *Service) Nack(ctx context.Context, lease *Lease, cause error, retryable bool) error {
	rec, err := s.execs.Get(ctx, lease.ExecutionID)
	if err != nil {
		return fmt.Errorf("queue: load execution: %w", err)
	}

	if retryable && lease.Attempt < s.maxAttempts {
		next := lease.Attempt + 1
		if err := rec.Transition(execution.StatusPending); err != nil {
			return err
		}
		rec.Attempt = next
		rec.Error = causeMessage(cause)
		rec.ErrorKind = fault.KindOf(cause)
		if err := s.execs.Update(ctx, rec); err != nil {
			return fmt.Errorf("queue: store retry attempt: %w", err)
		}
		entry := lease.Entry
		entry.Attempt = next
		entry.EnqueuedAt = s.now().UTC()
		readyAt := s.now().UTC().Add(s.retryDelay(next))
		if err := s.broker.AppendDelayed(ctx, &entry, readyAt); err != nil {
			return fault.New(fault.QueueUnavailable, "append retry entry: %v", err)
		}
		if err := s.broker.Ack(ctx, lease); err != nil {
			return err
		}
		s.logger.Info(ctx, "requeued execution",
			"execution_id", lease.ExecutionID, "attempt", next, "ready_at", readyAt)
		return nil
	}

	now := s.now().UTC()
	rec.Error = causeMessage(cause)
	rec.ErrorKind = fault.KindOf(cause)
	if rec.Status != execution.StatusFailed {
		if err := rec.Transition(execution.StatusFailed); err != nil {
			return err
		}
	}
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	if err := s.execs.Update(ctx, rec); err != nil {
		return fmt.Errorf("queue: store failed execution: %w", err)
	}
	if err := s.broker.Bury(ctx, lease, causeMessage(cause)); err != nil {
		return err
	}
	s.logger.Warn(ctx, "dead-lettered execution",
		"execution_id", lease.ExecutionID, "attempt", lease.Attempt, "cause", causeMessage(cause))
	return nil
}

// Stats reports broker depths.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.broker.Stats(ctx)
}

// Close releases the broker.
func (s *Service) Close(ctx context.Context) error {
	return s.broker.Close(ctx)
}

// retryDelay doubles the base backoff per attempt, capped.
func (s *Service) retryDelay(attempt int) time.Duration {
	d := s.backoff
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= s.backoffCap {
			return s.backoffCap
		}
	}
	if d > s.backoffCap {
		d = s.backoffCap
	}
	return d
}

func causeMessage(cause error) string {
	if cause == nil {
		return ""
	}
	return fault.Redact(cause.Error())
}
