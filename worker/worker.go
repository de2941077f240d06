// Package worker runs the execution worker pool: claim a queue lease,
// load the workflow, drive the engine, persist the record, settle the
// lease. Workers publish heartbeats to a shared map so the public
// queue-heartbeat endpoint can report liveness across nodes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/engine"
	"github.com/relaykit/relaykit/events"
	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/queue"
	"github.com/relaykit/relaykit/telemetry"
	"github.com/relaykit/relaykit/workflow"
)

const (
	// DefaultWorkers is the pool size when none is configured.
	DefaultWorkers = 4
	// DefaultHeartbeatInterval is how often each worker refreshes its
	// beat.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultLeaseInterval is how often a busy worker extends its queue
	// lease. Must stay under the broker visibility timeout.
	DefaultLeaseInterval = 30 * time.Second
	// DefaultExecutionTimeout is the wall-clock deadline per execution.
	DefaultExecutionTimeout = 24 * time.Hour
	// DefaultIdleSleep is the pause between dequeue attempts when the
	// queue is empty.
	DefaultIdleSleep = 500 * time.Millisecond
	// WorkerType tags execution workers in the heartbeat map.
	WorkerType = "execution"
)

// Pool drives a fixed set of execution workers over the queue.
type Pool struct {
	queue     *queue.Service
	execs     execution.Store
	workflows workflow.Store
	engine    *engine.Engine
	beats     Beats
	publisher *events.Publisher
	logger    telemetry.Logger

	name          string
	workers       int
	beatInterval  time.Duration
	leaseInterval time.Duration
	execTimeout   time.Duration
	idleSleep     time.Duration
	now           func() time.Time

	readyOnce sync.Once
	ready     chan struct{}

	randMu sync.Mutex
	rand   *rand.Rand
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the pool size.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithBeats sets the heartbeat map. Defaults to an in-process map.
func WithBeats(b Beats) PoolOption {
	return func(p *Pool) { p.beats = b }
}

// WithPublisher wires the execution event stream. A nil publisher
// disables event emission.
func WithPublisher(pub *events.Publisher) PoolOption {
	return func(p *Pool) { p.publisher = pub }
}

// WithName sets the worker name prefix. Defaults to a generated name.
func WithName(name string) PoolOption {
	return func(p *Pool) {
		if name != "" {
			p.name = name
		}
	}
}

// WithHeartbeatInterval overrides the beat cadence.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.beatInterval = d
		}
	}
}

// WithLeaseInterval overrides the lease extension cadence.
func WithLeaseInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.leaseInterval = d
		}
	}
}

// WithExecutionTimeout overrides the per-execution deadline.
func WithExecutionTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.execTimeout = d
		}
	}
}

// WithIdleSleep overrides the empty-queue pause.
func WithIdleSleep(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.idleSleep = d
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool wires a pool over the queue, execution store, workflow store
// and engine.
func NewPool(q *queue.Service, execs execution.Store, workflows workflow.Store, eng *engine.Engine, opts ...PoolOption) (*Pool, error) {
	if q == nil {
		return nil, errors.New("worker: queue is required")
	}
	if execs == nil {
		return nil, errors.New("worker: execution store is required")
	}
	if workflows == nil {
		return nil, errors.New("worker: workflow store is required")
	}
	if eng == nil {
		return nil, errors.New("worker: engine is required")
	}
	p := &Pool{
		queue:         q,
		execs:         execs,
		workflows:     workflows,
		engine:        eng,
		beats:         NewMemoryBeats(),
		logger:        telemetry.NewNoopLogger(),
		name:          "worker-" + uuid.NewString()[:8],
		workers:       DefaultWorkers,
		beatInterval:  DefaultHeartbeatInterval,
		leaseInterval: DefaultLeaseInterval,
		execTimeout:   DefaultExecutionTimeout,
		idleSleep:     DefaultIdleSleep,
		now:           time.Now,
		ready:         make(chan struct{}),
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has drained its current execution.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, workerID)
		}()
	}
	wg.Wait()
	return nil
}

// WaitReady blocks until the first heartbeat lands or the timeout
// elapses, gating startup on worker liveness.
func (p *Pool) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		return nil
	case <-timer.C:
		return errors.New("worker: no heartbeat within startup timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context, workerID string) {
	p.beat(ctx, workerID)
	lastBeat := p.now()

	for {
		if ctx.Err() != nil {
			return
		}
		if p.now().Sub(lastBeat) >= p.beatInterval {
			p.beat(ctx, workerID)
			lastBeat = p.now()
		}

		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn(ctx, "dequeue failed", "worker_id", workerID, "err", err)
			p.pause(ctx)
			continue
		}
		if lease == nil {
			p.pause(ctx)
			continue
		}
		p.process(ctx, workerID, lease)
	}
}

// pause sleeps the idle interval with jitter so workers do not hammer
// an empty queue in lockstep.
func (p *Pool) pause(ctx context.Context) {
	p.randMu.Lock()
	jitter := time.Duration(p.rand.Int63n(int64(p.idleSleep)/2 + 1))
	p.randMu.Unlock()
	timer := time.NewTimer(p.idleSleep + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) beat(ctx context.Context, workerID string) {
	if err := p.beats.Set(ctx, workerID, WorkerType, p.now().UTC()); err != nil {
		if ctx.Err() == nil {
			p.logger.Warn(ctx, "heartbeat failed", "worker_id", workerID, "err", err)
		}
		return
	}
	p.readyOnce.Do(func() { close(p.ready) })
}

// process runs one claimed execution end to end. A panic is logged and
// the lease left to expire so the entry is redelivered elsewhere.
func (p *Pool) process(ctx context.Context, workerID string, lease *queue.Lease) {
	defer func() {
		if rv := recover(); rv != nil {
			p.logger.Error(ctx, "worker panic",
				"worker_id", workerID, "execution_id", lease.ExecutionID,
				"panic", fmt.Sprint(rv), "stack", string(debug.Stack()))
		}
	}()

	rec, err := p.execs.Get(ctx, lease.ExecutionID)
	if err != nil {
		p.logger.Warn(ctx, "load execution", "execution_id", lease.ExecutionID, "err", err)
		return
	}
	fresh := rec.StartedAt == nil
	if err := rec.Transition(execution.StatusRunning); err != nil {
		p.logger.Warn(ctx, "start execution", "execution_id", rec.ID, "err", err)
		return
	}
	if fresh {
		startedAt := p.now().UTC()
		rec.StartedAt = &startedAt
	}
	if err := p.execs.Update(ctx, rec); err != nil {
		p.logger.Warn(ctx, "mark execution running", "execution_id", rec.ID, "err", err)
		return
	}
	if fresh {
		p.publish(ctx, events.ExecutionStarted, rec, "", nil)
	}

	graph, err := p.workflows.Get(ctx, rec.WorkflowID)
	if err != nil {
		// Missing workflow cannot succeed on retry.
		p.settle(ctx, lease, rec, &engine.Outcome{
			Status: execution.StatusFailed,
			Err:    fault.Wrap(fault.MissingReference, err, "workflow %s", rec.WorkflowID),
		})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.execTimeout)
	stop := p.keepAlive(runCtx, workerID, lease)
	outcome, err := p.engine.Run(runCtx, graph, rec)
	stop()
	cancel()
	if err != nil {
		outcome = &engine.Outcome{Status: execution.StatusFailed, Err: err}
	}

	p.settle(ctx, lease, rec, outcome)
}

// keepAlive extends the queue lease and refreshes the heartbeat while
// an execution runs. The returned stop function cancels it and waits.
func (p *Pool) keepAlive(ctx context.Context, workerID string, lease *queue.Lease) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.leaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, lease); err != nil && ctx.Err() == nil {
					p.logger.Warn(ctx, "extend lease",
						"execution_id", lease.ExecutionID, "err", err)
				}
				p.beat(ctx, workerID)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// settle persists the record for the outcome and settles the lease.
func (p *Pool) settle(ctx context.Context, lease *queue.Lease, rec *execution.Record, outcome *engine.Outcome) {
	switch outcome.Status {
	case execution.StatusCompleted, execution.StatusWaiting, execution.StatusCancelled:
		if err := rec.Transition(outcome.Status); err != nil {
			p.logger.Warn(ctx, "finish execution", "execution_id", rec.ID, "err", err)
			return
		}
		if err := p.execs.Update(ctx, rec); err != nil {
			p.logger.Warn(ctx, "store execution outcome",
				"execution_id", rec.ID, "status", string(outcome.Status), "err", err)
			return
		}
		if err := p.queue.Ack(ctx, lease, outcome.Status); err != nil {
			p.logger.Warn(ctx, "ack lease", "execution_id", rec.ID, "err", err)
		}
		switch outcome.Status {
		case execution.StatusCompleted:
			p.publish(ctx, events.ExecutionCompleted, rec, "", nil)
		case execution.StatusWaiting:
			var detail json.RawMessage
			if outcome.Wait != nil {
				detail, _ = json.Marshal(map[string]any{
					"nodeId":    outcome.Wait.NodeID,
					"expiresAt": outcome.Wait.ExpiresAt.UTC().Format(time.RFC3339),
				})
			}
			nodeID := ""
			if outcome.Wait != nil {
				nodeID = outcome.Wait.NodeID
			}
			p.publish(ctx, events.ExecutionWaiting, rec, nodeID, detail)
		}

	case execution.StatusFailed:
		// Persist node results and the classified cause before Nack
		// rereads the record to decide retry versus dead-letter.
		if err := p.execs.Update(ctx, rec); err != nil {
			p.logger.Warn(ctx, "store failed execution",
				"execution_id", rec.ID, "err", err)
			return
		}
		if err := p.queue.Nack(ctx, lease, outcome.Err, fault.Retryable(outcome.Err)); err != nil {
			p.logger.Warn(ctx, "nack lease", "execution_id", rec.ID, "err", err)
			return
		}
		detail, _ := json.Marshal(map[string]any{
			"error": rec.Error,
			"kind":  string(rec.ErrorKind),
		})
		p.publish(ctx, events.ExecutionFailed, rec, "", detail)

	default:
		p.logger.Warn(ctx, "unexpected engine outcome",
			"execution_id", rec.ID, "status", string(outcome.Status))
	}
}

func (p *Pool) publish(ctx context.Context, typ events.Type, rec *execution.Record, nodeID string, detail json.RawMessage) {
	p.publisher.Publish(ctx, events.Event{
		Type:           typ,
		ExecutionID:    rec.ID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		NodeID:         nodeID,
		At:             p.now().UTC(),
		Detail:         detail,
	})
}

// Observer publishes node lifecycle events from engine callbacks. Wire
// it into the engine with engine.WithObserver.
type Observer struct {
	publisher *events.Publisher
	now       func() time.Time
}

var _ engine.NodeObserver = (*Observer)(nil)

// NewObserver builds an observer over the event stream.
func NewObserver(pub *events.Publisher) *Observer {
	return &Observer{publisher: pub, now: time.Now}
}

// NodeStarted publishes a node_started event.
func (o *Observer) NodeStarted(ctx context.Context, rec *execution.Record, nodeID string) {
	o.publisher.Publish(ctx, events.Event{
		Type:           events.NodeStarted,
		ExecutionID:    rec.ID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		NodeID:         nodeID,
		At:             o.now().UTC(),
	})
}

// NodeFinished publishes a node_completed event with the node status.
func (o *Observer) NodeFinished(ctx context.Context, rec *execution.Record, nodeID string, result *execution.NodeResult) {
	detail, _ := json.Marshal(map[string]any{
		"status":  result.Status,
		"summary": result.Summary,
		"error":   result.Error,
	})
	o.publisher.Publish(ctx, events.Event{
		Type:           events.NodeCompleted,
		ExecutionID:    rec.ID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		NodeID:         nodeID,
		At:             o.now().UTC(),
		Detail:         detail,
	})
}

// Monitor reports worker liveness for the public heartbeat endpoint.
type Monitor struct {
	beats Beats
	stale time.Duration
	now   func() time.Time
}

// DefaultStaleThreshold is how old a beat may be before the worker is
// considered gone.
const DefaultStaleThreshold = 120 * time.Second

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithStaleThreshold overrides the staleness cutoff.
func WithStaleThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.stale = d
		}
	}
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor builds a monitor over the heartbeat map.
func NewMonitor(beats Beats, opts ...MonitorOption) *Monitor {
	m := &Monitor{beats: beats, stale: DefaultStaleThreshold, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Probe is the liveness report: pass when at least one worker beat
// recently, warn when workers exist but every beat is stale, fail when
// no worker has ever registered.
type Probe struct {
	Status       string     `json:"status"`
	Message      string     `json:"message"`
	Workers      []Beat     `json:"workers"`
	LatestBeatAt *time.Time `json:"latestBeatAt,omitempty"`
}

// Probe inspects the heartbeat map.
func (m *Monitor) Probe(ctx context.Context) (*Probe, error) {
	beats, err := m.beats.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: read heartbeats: %w", err)
	}
	now := m.now().UTC()
	cutoff := now.Add(-m.stale)
	var latest *time.Time
	live := 0
	for i := range beats {
		beats[i].Stale = beats[i].LastBeatAt.Before(cutoff)
		if !beats[i].Stale {
			live++
		}
		if latest == nil || beats[i].LastBeatAt.After(*latest) {
			t := beats[i].LastBeatAt
			latest = &t
		}
	}
	switch {
	case len(beats) == 0:
		return &Probe{Status: "fail", Message: "no workers registered", Workers: []Beat{}}, nil
	case live == 0:
		return &Probe{
			Status:       "warn",
			Message:      fmt.Sprintf("all %d workers stale", len(beats)),
			Workers:      beats,
			LatestBeatAt: latest,
		}, nil
	default:
		return &Probe{
			Status:       "pass",
			Message:      fmt.Sprintf("%d of %d workers live", live, len(beats)),
			Workers:      beats,
			LatestBeatAt: latest,
		}, nil
	}
}
