// Package scheduler drives polling triggers: a leader-locked loop
// selects due triggers, invokes their connector poll operation with the
// stored cursor, gates each returned event through the dedupe store,
// and enqueues executions. Poll failures back off exponentially and
// repeated failure deactivates the trigger.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relaykit/relaykit/audit"
	"github.com/relaykit/relaykit/connector"
	"github.com/relaykit/relaykit/dedupe"
	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/lock"
	"github.com/relaykit/relaykit/queue"
	"github.com/relaykit/relaykit/telemetry"
	"github.com/relaykit/relaykit/trigger"
)

// LockResource is the leader lease guarding the polling loop.
const LockResource = "polling:loop"

// Loop defaults.
const (
	DefaultTickInterval = 10 * time.Second
	DefaultLockTTL      = 60 * time.Second
	DefaultBatchSize    = 50
	DefaultConcurrency  = 4
	// DefaultBackoffBase is the failure backoff base for triggers
	// without a poll interval (cron triggers); interval triggers back
	// off from their own interval. The delay doubles per consecutive
	// failure up to DefaultBackoffCap.
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 30 * time.Minute
	// DefaultDeactivateAfter is the consecutive-failure ceiling past
	// which a trigger is switched off.
	DefaultDeactivateAfter = 10
	backoffJitter          = 0.1
)

// Enqueuer is the slice of the queue service the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Scheduler runs the polling loop.
type Scheduler struct {
	triggers *trigger.Registry
	locks    lock.Service
	invoker  connector.Invoker
	dedupes  dedupe.Store
	queue    Enqueuer
	audits   audit.Store

	tick            time.Duration
	lockTTL         time.Duration
	batch           int
	concurrency     int
	backoffBase     time.Duration
	backoffCap      time.Duration
	deactivateAfter int

	cronParser cron.Parser
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	now        func() time.Time
	rand       *rand.Rand
	randMu     sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the loop period.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithLockTTL overrides the leader lease TTL.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithBatchSize bounds due triggers handled per tick.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithConcurrency bounds simultaneous polls within a tick.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithBackoff overrides the failure backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.backoffBase = base
		}
		if cap > 0 {
			s.backoffCap = cap
		}
	}
}

// WithDeactivateAfter overrides the consecutive-failure ceiling.
func WithDeactivateAfter(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.deactivateAfter = n
		}
	}
}

// WithAudit wires polling observations into the delivery log.
func WithAudit(store audit.Store) Option {
	return func(s *Scheduler) { s.audits = store }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New wires a polling scheduler.
func New(triggers *trigger.Registry, locks lock.Service, invoker connector.Invoker, dedupes dedupe.Store, q Enqueuer, opts ...Option) (*Scheduler, error) {
	if triggers == nil || locks == nil || invoker == nil || dedupes == nil || q == nil {
		return nil, errors.New("scheduler: registry, lock, invoker, dedupe store, and queue are required")
	}
	s := &Scheduler{
		triggers:        triggers,
		locks:           locks,
		invoker:         invoker,
		dedupes:         dedupes,
		queue:           q,
		tick:            DefaultTickInterval,
		lockTTL:         DefaultLockTTL,
		batch:           DefaultBatchSize,
		concurrency:     DefaultConcurrency,
		backoffBase:     DefaultBackoffBase,
		backoffCap:      DefaultBackoffCap,
		deactivateAfter: DefaultDeactivateAfter,
		cronParser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ticks the polling loop until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn(ctx, "polling tick", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one leader-locked pass over due triggers. A contended lock
// is not an error: another node is leading.
func (s *Scheduler) Tick(ctx context.Context) error {
	lease, err := s.locks.Acquire(ctx, LockResource, s.lockTTL)
	if err != nil {
		return err
	}
	if lease == nil {
		return nil
	}
	defer func() {
		if err := s.locks.Release(ctx, lease); err != nil {
			s.logger.Debug(ctx, "release polling lock", "err", err)
		}
	}()

	due, err := s.triggers.Due(ctx, s.now(), s.batch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			break
		}
		// Losing the lease mid-tick means a peer may already be polling
		// the remaining triggers; stop rather than double-poll.
		if err := s.locks.Renew(ctx, lease); err != nil {
			s.logger.Warn(ctx, "polling lock lost mid-tick", "err", err)
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *trigger.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			s.poll(ctx, rec)
		}(rec)
	}
	wg.Wait()
	return nil
}

// poll runs one trigger's poll operation and settles its next-poll
// state.
func (s *Scheduler) poll(ctx context.Context, rec *trigger.Record) {
	res, err := s.invoker.Invoke(ctx, &connector.InvokeRequest{
		AppID:       rec.AppID,
		OperationID: rec.TriggerID,
		Cursor:      rec.Cursor,
		Parameters:  pollParameters(rec),
	})
	if err == nil {
		err = res.Err()
	}
	var result *connector.PollResult
	if err == nil {
		result, err = connector.DecodePoll(res.Data)
	}
	if err != nil {
		s.settleFailure(ctx, rec, err)
		return
	}

	// Deactivation must be observed before enqueue: an operator who
	// switched the trigger off while this poll was in flight gets no
	// further executions from it.
	current, err := s.triggers.Get(ctx, rec.ID)
	if err != nil || !current.Active {
		s.logger.Info(ctx, "trigger deactivated mid-poll, discarding events",
			"trigger_id", rec.ID, "events", len(result.Events))
		return
	}

	enqueued := 0
	for _, event := range result.Events {
		if ctx.Err() != nil {
			break
		}
		if s.enqueueEvent(ctx, rec, event) {
			enqueued++
		}
	}

	cursor := result.Cursor
	if cursor == "" {
		cursor = rec.Cursor
	}
	now := s.now().UTC()
	if _, err := s.triggers.AdvancePoll(ctx, rec.ID, trigger.PollState{
		Cursor:     cursor,
		NextPollAt: s.nextSuccess(rec, now),
		LastPollAt: now,
		LastStatus: trigger.StatusOK,
	}); err != nil {
		s.logger.Warn(ctx, "advance poll state", "trigger_id", rec.ID, "err", err)
	}
	s.metrics.IncCounter("poll_events", float64(len(result.Events)), "trigger_id", rec.ID)
	if enqueued > 0 {
		s.logger.Info(ctx, "poll enqueued events",
			"trigger_id", rec.ID, "events", len(result.Events), "enqueued", enqueued)
	}
}

// enqueueEvent gates one polled event through dedupe and enqueues its
// execution. Reports whether an execution was enqueued.
func (s *Scheduler) enqueueEvent(ctx context.Context, rec *trigger.Record, event json.RawMessage) bool {
	token := eventToken(event)
	outcome, err := s.dedupes.RecordIfAbsent(ctx, rec.DedupeScope(), token, rec.DedupeTTL())
	if err != nil {
		s.logger.Warn(ctx, "dedupe polled event", "trigger_id", rec.ID, "err", err)
		return false
	}
	if outcome == dedupe.Duplicate {
		return false
	}
	if err := s.triggers.RecordDedupeToken(ctx, rec.ID, token, s.now().Add(rec.DedupeTTL())); err != nil {
		s.logger.Debug(ctx, "persist dedupe token", "trigger_id", rec.ID, "err", err)
	}

	entry := s.auditEvent(ctx, rec, event)

	execID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		TriggerType:    execution.TriggerPolling,
		TriggerData:    event,
	})
	if err != nil {
		if rerr := s.dedupes.Release(ctx, rec.DedupeScope(), token); rerr != nil {
			s.logger.Warn(ctx, "release dedupe token", "trigger_id", rec.ID, "err", rerr)
		}
		s.logger.Error(ctx, "enqueue polled event", "trigger_id", rec.ID, "err", err)
		return false
	}
	if entry != "" && s.audits != nil {
		if err := s.audits.MarkProcessed(ctx, entry, execID); err != nil {
			s.logger.Debug(ctx, "mark audit processed", "entry_id", entry, "err", err)
		}
	}
	return true
}

func (s *Scheduler) auditEvent(ctx context.Context, rec *trigger.Record, event json.RawMessage) string {
	if s.audits == nil {
		return ""
	}
	e := &audit.Entry{
		ID:             uuid.NewString(),
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		AppID:          rec.AppID,
		TriggerID:      rec.ID,
		PayloadDigest:  audit.Digest(event),
		ReceivedAt:     s.now().UTC(),
		Source:         audit.SourcePolling,
	}
	if err := s.audits.Append(ctx, e); err != nil {
		s.logger.Debug(ctx, "append polling audit entry", "trigger_id", rec.ID, "err", err)
		return ""
	}
	return e.ID
}

// settleFailure applies exponential backoff and deactivates triggers
// past the consecutive-failure ceiling.
func (s *Scheduler) settleFailure(ctx context.Context, rec *trigger.Record, cause error) {
	count := rec.BackoffCount + 1
	now := s.now().UTC()
	s.logger.Warn(ctx, "poll failed",
		"trigger_id", rec.ID, "backoff_count", count,
		"kind", string(fault.KindOf(cause)), "err", fault.Redact(cause.Error()))
	s.metrics.IncCounter("poll_failures", 1, "trigger_id", rec.ID)

	if count >= s.deactivateAfter {
		if err := s.triggers.Deactivate(ctx, rec.ID); err != nil {
			s.logger.Warn(ctx, "deactivate failing trigger", "trigger_id", rec.ID, "err", err)
		} else {
			s.logger.Warn(ctx, "trigger deactivated after repeated poll failures",
				"trigger_id", rec.ID, "failures", count)
		}
		return
	}

	if _, err := s.triggers.AdvancePoll(ctx, rec.ID, trigger.PollState{
		Cursor:       rec.Cursor,
		NextPollAt:   now.Add(s.failureDelay(rec, count)),
		LastPollAt:   now,
		BackoffCount: count,
		LastStatus:   trigger.StatusError,
	}); err != nil {
		s.logger.Warn(ctx, "advance poll state", "trigger_id", rec.ID, "err", err)
	}
}

// failureDelay is min(cap, base * 2^count) with jitter. The base is the
// trigger's own poll interval so a failing trigger backs off relative to
// its cadence; cron and interval-less triggers use the configured base.
func (s *Scheduler) failureDelay(rec *trigger.Record, count int) time.Duration {
	base := s.backoffBase
	if rec.IntervalMs > 0 {
		base = time.Duration(rec.IntervalMs) * time.Millisecond
	}
	d := base
	for i := 0; i < count; i++ {
		d *= 2
		if d >= s.backoffCap {
			d = s.backoffCap
			break
		}
	}
	if d > s.backoffCap {
		d = s.backoffCap
	}
	s.randMu.Lock()
	f := s.rand.Float64()
	s.randMu.Unlock()
	return d + time.Duration((f*2-1)*backoffJitter*float64(d))
}

// nextSuccess computes the next poll time after a clean poll: the cron
// schedule's next fire when one is set, otherwise now + interval.
func (s *Scheduler) nextSuccess(rec *trigger.Record, now time.Time) time.Time {
	if rec.Schedule != "" {
		if sched, err := s.cronParser.Parse(rec.Schedule); err == nil {
			return sched.Next(now)
		}
		s.logger.Warn(context.Background(), "invalid cron schedule, using interval",
			"trigger_id", rec.ID, "schedule", rec.Schedule)
	}
	interval := rec.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	return now.Add(interval)
}

// pollParameters passes trigger metadata through to the connector.
func pollParameters(rec *trigger.Record) map[string]any {
	if len(rec.Metadata) == 0 {
		return nil
	}
	params := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		params[k] = v
	}
	return params
}

// eventToken derives the dedupe token for a polled event: the event's
// id field when it has one, else the digest of its bytes.
func eventToken(event json.RawMessage) string {
	var probe struct {
		ID      string `json:"id"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(event, &probe); err == nil {
		if probe.ID != "" {
			return probe.ID
		}
		if probe.EventID != "" {
			return probe.EventID
		}
	}
	return audit.Digest(event)
}
