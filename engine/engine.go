// Package engine runs workflow graphs node by node: it resolves
// parameters against captured outputs, injects per-tenant credentials,
// dispatches to the connector layer, and records a NodeResult per node.
// A wait node suspends the run by minting a resume token; the queue
// re-enters the engine with the saved frontier when the token is
// consumed. The engine never persists executions itself: the worker
// holding the queue lease owns the record write path.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/connector"
	"github.com/relaykit/relaykit/credential"
	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/quota"
	"github.com/relaykit/relaykit/resume"
	"github.com/relaykit/relaykit/telemetry"
	"github.com/relaykit/relaykit/workflow"
)

// ResumeState is the frontier a wait node captures when it suspends:
// the wait node itself, every completed node's output, and the payload
// delivered with the resume request.
type ResumeState struct {
	WaitNodeID string                     `json:"waitNodeId"`
	Outputs    map[string]json.RawMessage `json:"outputs,omitempty"`
	Payload    json.RawMessage            `json:"payload,omitempty"`
}

// WaitInfo describes a suspension: the minted token the external party
// must present to resume.
type WaitInfo struct {
	NodeID    string    `json:"nodeId"`
	TokenID   string    `json:"tokenId"`
	Signature string    `json:"signature"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Outcome is the terminal state of one engine pass.
type Outcome struct {
	// Status is completed, waiting, failed, or cancelled.
	Status execution.Status
	// Wait carries the minted resume token for waiting outcomes.
	Wait *WaitInfo
	// Err is the classified cause for failed outcomes.
	Err error
}

// RotatedSink persists credential material a connector rotated
// mid-call. *credential.Service satisfies it.
type RotatedSink interface {
	PersistRotated(ctx context.Context, connectionID string, m credential.Material) error
}

// NodeObserver receives node lifecycle callbacks during a run. Callbacks
// fire on the engine goroutine; observers must not block.
type NodeObserver interface {
	NodeStarted(ctx context.Context, rec *execution.Record, nodeID string)
	NodeFinished(ctx context.Context, rec *execution.Record, nodeID string, result *execution.NodeResult)
}

// Engine executes workflow graphs.
type Engine struct {
	invoker    connector.Invoker
	creds      credential.Source
	rotated    RotatedSink
	resumes    *resume.Service
	guard      *quota.Guard
	schemas    *connector.SchemaSet
	conditions *conditionEvaluator
	observer   NodeObserver
	logger     telemetry.Logger
	tracer     telemetry.Tracer
	metrics    telemetry.Metrics
	jitter     float64
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithCredentials wires the credential source used for node auth. The
// sink receives material connectors rotated mid-call.
func WithCredentials(src credential.Source, sink RotatedSink) Option {
	return func(e *Engine) {
		e.creds = src
		e.rotated = sink
	}
}

// WithResume wires the token service wait nodes mint through. Graphs
// with wait nodes fail without it.
func WithResume(svc *resume.Service) Option {
	return func(e *Engine) { e.resumes = svc }
}

// WithQuota wires the per-organization quota guard checked before every
// connector call.
func WithQuota(g *quota.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithSchemas wires parameter validation at the connector boundary.
func WithSchemas(s *connector.SchemaSet) Option {
	return func(e *Engine) { e.schemas = s }
}

// WithObserver wires node lifecycle callbacks, used by the worker to
// publish execution events.
func WithObserver(o NodeObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer. Defaults to a no-op tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics sets the metrics recorder. Defaults to no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep overrides the retry delay sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithRetryJitter overrides the retry jitter fraction. Zero disables
// jitter for deterministic tests.
func WithRetryJitter(jitter float64) Option {
	return func(e *Engine) { e.jitter = jitter }
}

// New builds an engine over the connector invoker.
func New(invoker connector.Invoker, opts ...Option) (*Engine, error) {
	if invoker == nil {
		return nil, errors.New("engine: invoker is required")
	}
	conditions, err := newConditionEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		invoker:    invoker,
		conditions: conditions,
		logger:     telemetry.NewNoopLogger(),
		tracer:     telemetry.NewNoopTracer(),
		metrics:    telemetry.NewNoopMetrics(),
		jitter:     DefaultJitter,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run is the per-execution walk state.
type run struct {
	graph  *workflow.Graph
	rec    *execution.Record
	scope  Scope
	order  []string
	owned  map[string]bool   // loop body nodes, run by their loop
	done   map[string]bool   // nodes already executed (resume)
	choice map[string]string // condition node branch picks
	failed map[string]bool   // nodes that failed onto an error branch
}

// Run executes the graph against the record. Fresh runs start at the
// trigger node; records carrying resume state continue past their wait
// node. NodeResults are written onto the record as nodes finish; the
// caller persists the record and settles the queue lease according to
// the outcome.
func (e *Engine) Run(ctx context.Context, g *workflow.Graph, rec *execution.Record) (*Outcome, error) {
	if err := g.Validate(); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "graph %s", g.ID)
	}
	order, err := workflow.TopoSort(g)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "graph %s", g.ID)
	}
	if rec.NodeResults == nil {
		rec.NodeResults = make(map[string]*execution.NodeResult)
	}

	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()

	r := &run{
		graph:  g,
		rec:    rec,
		scope:  NewScope(rec.TriggerData),
		order:  order,
		owned:  loopOwned(g),
		done:   make(map[string]bool),
		choice: make(map[string]string),
		failed: make(map[string]bool),
	}

	if len(rec.ResumeState) > 0 {
		if err := e.restoreFrontier(r); err != nil {
			return e.fail(ctx, r, err), nil
		}
	}

	for _, nodeID := range r.order {
		if r.done[nodeID] || r.owned[nodeID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return e.interrupted(ctx, r, err), nil
		}
		node, _ := g.NodeByID(nodeID)

		if !e.runnable(r, node) {
			e.recordSkipped(r, node)
			continue
		}

		outcome, err := e.runNode(ctx, r, node)
		if err != nil {
			// Node failed after retries. Route to the error branch when
			// one exists, otherwise the execution fails.
			if e.hasErrorBranch(g, nodeID) {
				r.failed[nodeID] = true
				continue
			}
			return e.fail(ctx, r, err), nil
		}
		if outcome != nil {
			// Wait node suspended the run.
			return outcome, nil
		}
	}

	now := e.now().UTC()
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	rec.ResumeState = nil
	e.metrics.IncCounter("executions_completed", 1, "workflow_id", g.ID)
	return &Outcome{Status: execution.StatusCompleted}, nil
}

// restoreFrontier rebuilds the scope from the captured resume state and
// replaces the wait node's output with the resume payload.
func (e *Engine) restoreFrontier(r *run) error {
	var state ResumeState
	if err := json.Unmarshal(r.rec.ResumeState, &state); err != nil {
		return fault.Wrap(fault.Validation, err, "decode resume state")
	}
	if _, ok := r.graph.NodeByID(state.WaitNodeID); !ok {
		return fault.New(fault.Validation, "resume state names unknown node %q", state.WaitNodeID)
	}
	for nodeID, output := range state.Outputs {
		r.scope.SetOutput(nodeID, output)
		r.done[nodeID] = true
	}
	// The wait node completes with the resume payload as its output.
	waitOutput := state.Payload
	r.scope.SetOutput(state.WaitNodeID, waitOutput)
	r.done[state.WaitNodeID] = true
	now := e.now().UTC()
	prior := r.rec.NodeResults[state.WaitNodeID]
	result := &execution.NodeResult{
		Status:    execution.NodeSuccess,
		Summary:   "resumed",
		Output:    waitOutput,
		Metadata:  snapshotMetadata(waitOutput),
		StartedAt: now,
		EndedAt:   now,
	}
	if prior != nil {
		result.StartedAt = prior.StartedAt
		result.Attempts = prior.Attempts
	}
	r.rec.NodeResults[state.WaitNodeID] = result
	return nil
}

// runnable reports whether the node has at least one active incoming
// edge. Trigger nodes are always runnable.
func (e *Engine) runnable(r *run, node *workflow.Node) bool {
	if node.Kind == workflow.KindTrigger {
		return true
	}
	for _, edge := range r.graph.Edges {
		if edge.To != node.ID || edge.Branch == workflow.BranchBack {
			continue
		}
		if e.edgeActive(r, edge) {
			return true
		}
	}
	return false
}

// edgeActive reports whether the edge carries flow: its source ran, and
// the branch label matches the source's outcome.
func (e *Engine) edgeActive(r *run, edge workflow.Edge) bool {
	if r.failed[edge.From] {
		return edge.Branch == workflow.BranchError
	}
	result, ran := r.rec.NodeResults[edge.From]
	if !ran || result.Status != execution.NodeSuccess {
		return false
	}
	switch edge.Branch {
	case "", workflow.BranchError:
		// Error branches carry nothing from successful nodes; the empty
		// branch is the default flow.
		return edge.Branch == ""
	case workflow.BranchTrue, workflow.BranchFalse:
		if choice, ok := r.choice[edge.From]; ok {
			return edge.Branch == choice
		}
		return true
	}
	return true
}

func (e *Engine) hasErrorBranch(g *workflow.Graph, nodeID string) bool {
	for _, edge := range g.Successors(nodeID) {
		if edge.Branch == workflow.BranchError {
			return true
		}
	}
	return false
}

func (e *Engine) recordSkipped(r *run, node *workflow.Node) {
	now := e.now().UTC()
	r.rec.NodeResults[node.ID] = &execution.NodeResult{
		Status:    execution.NodeSkipped,
		Summary:   "branch not taken",
		StartedAt: now,
		EndedAt:   now,
	}
	r.done[node.ID] = true
}

// runNode executes one node with its retry policy and records the
// result. A non-nil Outcome means the run suspended on a wait node; a
// non-nil error means the node exhausted its retries.
func (e *Engine) runNode(ctx context.Context, r *run, node *workflow.Node) (*Outcome, error) {
	if node.Kind == workflow.KindWait {
		return e.suspend(ctx, r, node)
	}

	if e.observer != nil {
		e.observer.NodeStarted(ctx, r.rec, node.ID)
	}
	startedAt := e.now().UTC()
	policy := workflow.RetryPolicy{MaxAttempts: 1}
	if node.Retry != nil {
		policy = *node.Retry
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := NewBackoff(policy, e.jitter)

	var (
		output  json.RawMessage
		summary string
		logs    []string
		lastErr error
	)
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		out, sum, err := e.dispatch(ctx, r, node)
		if err == nil {
			output, summary, lastErr = out, sum, nil
			break
		}
		lastErr = err
		logs = append(logs, fmt.Sprintf("attempt %d: %s", attempts, fault.Redact(err.Error())))
		if !fault.Retryable(err) || attempts >= maxAttempts {
			break
		}
		delay := backoff.Delay(attempts)
		e.logger.Debug(ctx, "retrying node",
			"execution_id", r.rec.ID, "node_id", node.ID, "attempt", attempts, "delay", delay)
		if serr := e.sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	endedAt := e.now().UTC()
	params, _ := ResolveParameters(node, r.scope)
	result := &execution.NodeResult{
		Parameters: params,
		Logs:       logs,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Attempts:   attempts,
	}
	r.done[node.ID] = true

	if lastErr != nil {
		lastErr = e.classifyInterrupt(ctx, lastErr)
		result.Status = execution.NodeFailed
		result.Error = fault.Redact(lastErr.Error())
		r.rec.NodeResults[node.ID] = result
		if e.observer != nil {
			e.observer.NodeFinished(ctx, r.rec, node.ID, result)
		}
		e.metrics.IncCounter("node_failures", 1, "kind", string(node.Kind))
		e.logger.Warn(ctx, "node failed",
			"execution_id", r.rec.ID, "node_id", node.ID,
			"kind", string(fault.KindOf(lastErr)), "attempts", attempts)
		return nil, lastErr
	}

	result.Status = execution.NodeSuccess
	result.Summary = summary
	result.Output = output
	result.Metadata = snapshotMetadata(output)
	r.rec.NodeResults[node.ID] = result
	if e.observer != nil {
		e.observer.NodeFinished(ctx, r.rec, node.ID, result)
	}
	r.scope.SetOutput(node.ID, output)
	e.metrics.RecordTimer("node_duration", endedAt.Sub(startedAt), "kind", string(node.Kind))
	return nil, nil
}

// classifyInterrupt maps a deadline expiry of the execution-wide
// context to the execution timeout kind.
func (e *Engine) classifyInterrupt(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.ExecutionTimeout, err, "execution deadline exceeded")
	}
	return err
}

// dispatch runs the node's kind-specific behavior once.
func (e *Engine) dispatch(ctx context.Context, r *run, node *workflow.Node) (json.RawMessage, string, error) {
	switch node.Kind {
	case workflow.KindTrigger:
		return e.runTrigger(ctx, r, node)
	case workflow.KindAction:
		return e.invoke(ctx, r, node)
	case workflow.KindTransform:
		return e.runTransform(r, node)
	case workflow.KindCondition:
		return e.runCondition(r, node)
	case workflow.KindLoop:
		return e.runLoop(ctx, r, node)
	}
	return nil, "", fault.New(fault.Validation, "node %s: unhandled kind %q", node.ID, node.Kind)
}

// runTrigger emits the trigger payload as the node output. Manual runs
// of connector-backed triggers without a payload execute the trigger
// operation once to produce one.
func (e *Engine) runTrigger(ctx context.Context, r *run, node *workflow.Node) (json.RawMessage, string, error) {
	if len(r.rec.TriggerData) > 0 {
		return r.rec.TriggerData, "trigger payload", nil
	}
	if node.AppID == "" || node.OperationID == "" {
		return json.RawMessage(`{}`), "empty trigger payload", nil
	}
	return e.invoke(ctx, r, node)
}

// invoke resolves parameters and credentials and calls the connector.
func (e *Engine) invoke(ctx context.Context, r *run, node *workflow.Node) (json.RawMessage, string, error) {
	params, err := ResolveParameters(node, r.scope)
	if err != nil {
		return nil, "", err
	}
	if err := e.schemas.Validate(node.AppID, node.OperationID, params); err != nil {
		return nil, "", err
	}
	if e.guard != nil {
		if err := e.guard.Check(ctx, r.rec.OrganizationID, quota.CostAPICall()); err != nil {
			return nil, "", err
		}
	}

	var material *credential.Material
	if node.Auth != nil && node.Auth.ConnectionID != "" {
		if e.creds == nil {
			return nil, "", fault.New(fault.Internal, "node %s needs credentials but no source is wired", node.ID)
		}
		material, err = e.creds.Resolve(ctx, node.Auth.ConnectionID, r.rec.UserID, r.rec.OrganizationID)
		if err != nil {
			return nil, "", err
		}
	}

	req := &connector.InvokeRequest{
		AppID:          node.AppID,
		OperationID:    node.OperationID,
		Parameters:     params,
		Credentials:    material,
		ExecutionID:    r.rec.ID,
		NodeID:         node.ID,
		IdempotencyKey: connector.IdempotencyKey(r.rec.ID, node.ID),
	}
	res, err := e.invoker.Invoke(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if res.Meta != nil && res.Meta.Rotated != nil && e.rotated != nil && node.Auth != nil {
		if perr := e.rotated.PersistRotated(ctx, node.Auth.ConnectionID, *res.Meta.Rotated); perr != nil {
			e.logger.Warn(ctx, "persist rotated credential",
				"connection_id", node.Auth.ConnectionID, "err", perr)
		}
	}
	if err := res.Err(); err != nil {
		return nil, "", err
	}
	return res.Data, fmt.Sprintf("%s.%s", node.AppID, node.OperationID), nil
}

// runTransform materializes the resolved parameters as the output.
func (e *Engine) runTransform(r *run, node *workflow.Node) (json.RawMessage, string, error) {
	params, err := ResolveParameters(node, r.scope)
	if err != nil {
		return nil, "", err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, "", fault.Wrap(fault.Internal, err, "marshal transform output")
	}
	return raw, "transform", nil
}

// runCondition evaluates the expression and records the branch pick.
func (e *Engine) runCondition(r *run, node *workflow.Node) (json.RawMessage, string, error) {
	verdict, err := e.conditions.Eval(node.Expression, r.scope)
	if err != nil {
		return nil, "", err
	}
	branch := workflow.BranchFalse
	if verdict {
		branch = workflow.BranchTrue
	}
	r.choice[node.ID] = branch
	raw, _ := json.Marshal(map[string]any{"result": verdict})
	return raw, "condition: " + branch, nil
}

// suspend mints a resume token capturing the frontier and returns the
// waiting outcome.
func (e *Engine) suspend(ctx context.Context, r *run, node *workflow.Node) (*Outcome, error) {
	if e.resumes == nil {
		return nil, fault.New(fault.Validation, "wait node %s: no resume service wired", node.ID)
	}
	outputs := make(map[string]json.RawMessage)
	for nodeID, result := range r.rec.NodeResults {
		if result.Status == execution.NodeSuccess {
			outputs[nodeID] = result.Output
		}
	}
	state := ResumeState{WaitNodeID: node.ID, Outputs: outputs}
	rawState, err := json.Marshal(state)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal resume state")
	}

	minted, err := e.resumes.Mint(ctx, resume.MintRequest{
		ExecutionID:    r.rec.ID,
		NodeID:         node.ID,
		WorkflowID:     r.rec.WorkflowID,
		OrganizationID: r.rec.OrganizationID,
		ResumeState:    rawState,
		TriggerType:    r.rec.TriggerType,
		TTL:            node.ResumeTTL(),
	})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "mint resume token")
	}

	now := e.now().UTC()
	tokenOut, _ := json.Marshal(map[string]any{
		"tokenId":   minted.TokenID,
		"signature": minted.Signature,
		"resumeUrl": fmt.Sprintf("/runs/%s/nodes/%s/resume", r.rec.ID, node.ID),
		"expiresAt": minted.ExpiresAt.UTC().Format(time.RFC3339),
	})
	r.rec.NodeResults[node.ID] = &execution.NodeResult{
		Status:    execution.NodeSuccess,
		Summary:   "waiting for resume",
		Output:    tokenOut,
		StartedAt: now,
		EndedAt:   now,
	}
	r.rec.ResumeState = rawState
	e.logger.Info(ctx, "execution waiting",
		"execution_id", r.rec.ID, "node_id", node.ID, "token_id", minted.TokenID)
	e.metrics.IncCounter("executions_waiting", 1, "workflow_id", r.graph.ID)
	return &Outcome{
		Status: execution.StatusWaiting,
		Wait: &WaitInfo{
			NodeID:    node.ID,
			TokenID:   minted.TokenID,
			Signature: minted.Signature,
			ExpiresAt: minted.ExpiresAt,
		},
	}, nil
}

// fail stamps the record with the classified cause.
func (e *Engine) fail(ctx context.Context, r *run, cause error) *Outcome {
	now := e.now().UTC()
	r.rec.Error = fault.Redact(cause.Error())
	r.rec.ErrorKind = fault.KindOf(cause)
	r.rec.CompletedAt = &now
	if r.rec.StartedAt != nil {
		r.rec.DurationMs = now.Sub(*r.rec.StartedAt).Milliseconds()
	}
	e.metrics.IncCounter("executions_failed", 1, "kind", string(fault.KindOf(cause)))
	e.logger.Warn(ctx, "execution failed",
		"execution_id", r.rec.ID, "kind", string(fault.KindOf(cause)))
	return &Outcome{Status: execution.StatusFailed, Err: cause}
}

// interrupted maps context errors at a node boundary: a cancel request
// ends the run as cancelled after the current node, a deadline expiry
// fails it with the timeout kind.
func (e *Engine) interrupted(ctx context.Context, r *run, err error) *Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return e.fail(ctx, r, fault.Wrap(fault.ExecutionTimeout, err, "execution deadline exceeded"))
	}
	now := e.now().UTC()
	r.rec.CompletedAt = &now
	e.logger.Info(ctx, "execution cancelled", "execution_id", r.rec.ID)
	return &Outcome{Status: execution.StatusCancelled}
}
