package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	auditmem "github.com/relaykit/relaykit/audit/memory"
	dedupemem "github.com/relaykit/relaykit/dedupe/memory"
	"github.com/relaykit/relaykit/engine"
	"github.com/relaykit/relaykit/execution"
	execmem "github.com/relaykit/relaykit/execution/memory"
	"github.com/relaykit/relaykit/queue"
	queuemem "github.com/relaykit/relaykit/queue/memory"
	"github.com/relaykit/relaykit/resume"
	resumemem "github.com/relaykit/relaykit/resume/memory"
	"github.com/relaykit/relaykit/trigger"
	triggermem "github.com/relaykit/relaykit/trigger/memory"
	"github.com/relaykit/relaykit/webhook"
	"github.com/relaykit/relaykit/worker"
	"github.com/relaykit/relaykit/workflow"
	workflowmem "github.com/relaykit/relaykit/workflow/memory"
)

var jwtSecret = []byte("test-jwt-secret")

type fixture struct {
	execs   *execmem.Store
	wfs     *workflowmem.Store
	queue   *queue.Service
	resumes *resume.Service
	beats   *worker.MemoryBeats
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	execs := execmem.New()
	wfs := workflowmem.New()
	q, err := queue.NewService(queuemem.New(), execs)
	require.NoError(t, err)
	resumes, err := resume.NewService([]byte("resume-secret"), resumemem.New())
	require.NoError(t, err)
	beats := worker.NewMemoryBeats()
	monitor := worker.NewMonitor(beats)

	srv, err := New(nil, q, execs, wfs, resumes, monitor, jwtSecret)
	require.NoError(t, err)
	return &fixture{
		execs:   execs,
		wfs:     wfs,
		queue:   q,
		resumes: resumes,
		beats:   beats,
		handler: srv.Handler(),
	}
}

func token(t *testing.T, orgID, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		OrgID:  orgID,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tok.SignedString(jwtSecret)
	require.NoError(t, err)
	return signed
}

func (f *fixture) request(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func putWorkflow(t *testing.T, f *fixture, id, orgID string) {
	t.Helper()
	g := &workflow.Graph{
		ID:             id,
		OrganizationID: orgID,
		Version:        1,
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		},
	}
	require.NoError(t, f.wfs.Put(context.Background(), g))
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/executions", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(t, http.MethodGet, "/executions", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong signing key.
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{OrgID: "org-1"})
	signed, err := other.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	w = f.request(t, http.MethodGet, "/executions", signed, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateExecution(t *testing.T) {
	f := newFixture(t)
	putWorkflow(t, f, "wf-1", "org-1")

	w := f.request(t, http.MethodPost, "/executions", token(t, "org-1", "user-1"),
		map[string]any{"workflowId": "wf-1", "triggerData": map[string]any{"n": 1}})
	require.Equal(t, http.StatusAccepted, w.Code)
	execID := decodeBody(t, w)["executionId"].(string)
	require.NotEmpty(t, execID)

	rec, err := f.execs.Get(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusPending, rec.Status)
	require.Equal(t, execution.TriggerManual, rec.TriggerType)
	require.Equal(t, "user-1", rec.UserID)

	// Manual runs land on the manual class.
	lease, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, queue.ClassManual, lease.Class)
}

func TestCreateExecutionUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodPost, "/executions", token(t, "org-1", ""),
		map[string]any{"workflowId": "nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateExecutionCrossOrg(t *testing.T) {
	f := newFixture(t)
	putWorkflow(t, f, "wf-1", "org-2")
	w := f.request(t, http.MethodPost, "/executions", token(t, "org-1", ""),
		map[string]any{"workflowId": "wf-1"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func insertExecution(t *testing.T, f *fixture, id, orgID string, status execution.Status) *execution.Record {
	t.Helper()
	rec := &execution.Record{
		ID:             id,
		WorkflowID:     "wf-1",
		OrganizationID: orgID,
		Status:         status,
		TriggerType:    execution.TriggerWebhook,
		TriggerData:    json.RawMessage(`{"n":1}`),
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.execs.Insert(context.Background(), rec))
	return rec
}

func TestGetExecutionCrossOrgHidden(t *testing.T) {
	f := newFixture(t)
	insertExecution(t, f, "exec-1", "org-2", execution.StatusCompleted)

	w := f.request(t, http.MethodGet, "/executions/exec-1", token(t, "org-1", ""), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.request(t, http.MethodGet, "/executions/exec-1", token(t, "org-2", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "exec-1", decodeBody(t, w)["id"])
}

func TestListExecutionsFilters(t *testing.T) {
	f := newFixture(t)
	insertExecution(t, f, "exec-1", "org-1", execution.StatusCompleted)
	insertExecution(t, f, "exec-2", "org-1", execution.StatusFailed)
	insertExecution(t, f, "exec-3", "org-2", execution.StatusFailed)

	w := f.request(t, http.MethodGet, "/executions", token(t, "org-1", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, float64(2), body["total"])

	w = f.request(t, http.MethodGet, "/executions?status=failed", token(t, "org-1", ""), nil)
	body = decodeBody(t, w)
	require.Equal(t, float64(1), body["total"])

	w = f.request(t, http.MethodGet, "/executions?status=bogus", token(t, "org-1", ""), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodGet, "/executions?limit=0", token(t, "org-1", ""), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryExecution(t *testing.T) {
	f := newFixture(t)
	putWorkflow(t, f, "wf-1", "org-1")
	insertExecution(t, f, "exec-1", "org-1", execution.StatusFailed)

	w := f.request(t, http.MethodPost, "/executions/exec-1/retry", token(t, "org-1", "user-2"), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	newID := decodeBody(t, w)["executionId"].(string)
	require.NotEqual(t, "exec-1", newID)

	rec, err := f.execs.Get(context.Background(), newID)
	require.NoError(t, err)
	require.Equal(t, "exec-1", rec.CorrelationID)
	require.Equal(t, "wf-1", rec.WorkflowID)
	require.JSONEq(t, `{"n":1}`, string(rec.TriggerData))
}

func TestRetryExecutionNotFailed(t *testing.T) {
	f := newFixture(t)
	insertExecution(t, f, "exec-1", "org-1", execution.StatusCompleted)
	w := f.request(t, http.MethodPost, "/executions/exec-1/retry", token(t, "org-1", ""), nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func mintWaiting(t *testing.T, f *fixture, orgID string) (*execution.Record, *resume.Minted) {
	t.Helper()
	rec := insertExecution(t, f, "exec-w", orgID, execution.StatusPending)
	require.NoError(t, rec.Transition(execution.StatusRunning))
	require.NoError(t, rec.Transition(execution.StatusWaiting))
	require.NoError(t, f.execs.Update(context.Background(), rec))

	state, err := json.Marshal(engine.ResumeState{
		WaitNodeID: "approval",
		Outputs:    map[string]json.RawMessage{"start": json.RawMessage(`{"n":1}`)},
	})
	require.NoError(t, err)
	minted, err := f.resumes.Mint(context.Background(), resume.MintRequest{
		ExecutionID:    rec.ID,
		NodeID:         "approval",
		WorkflowID:     rec.WorkflowID,
		OrganizationID: orgID,
		ResumeState:    state,
		TriggerType:    rec.TriggerType,
	})
	require.NoError(t, err)
	return rec, minted
}

func TestResumeFlow(t *testing.T) {
	f := newFixture(t)
	rec, minted := mintWaiting(t, f, "org-1")

	w := f.request(t, http.MethodPost, "/runs/exec-w/nodes/approval/resume", token(t, "org-1", ""),
		map[string]any{
			"tokenId":   minted.TokenID,
			"signature": minted.Signature,
			"payload":   map[string]any{"approvedBy": "grace"},
		})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, rec.ID, decodeBody(t, w)["executionId"])

	// Resume state now carries the approval payload and the entry rides
	// the resume class.
	stored, err := f.execs.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	var state engine.ResumeState
	require.NoError(t, json.Unmarshal(stored.ResumeState, &state))
	require.Equal(t, "approval", state.WaitNodeID)
	require.JSONEq(t, `{"approvedBy":"grace"}`, string(state.Payload))

	lease, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, queue.ClassResume, lease.Class)

	// Single use: the second consume reports gone.
	w = f.request(t, http.MethodPost, "/runs/exec-w/nodes/approval/resume", token(t, "org-1", ""),
		map[string]any{"tokenId": minted.TokenID, "signature": minted.Signature})
	require.Equal(t, http.StatusGone, w.Code)
}

func TestResumeInvalidSignature(t *testing.T) {
	f := newFixture(t)
	_, minted := mintWaiting(t, f, "org-1")

	w := f.request(t, http.MethodPost, "/runs/exec-w/nodes/approval/resume", token(t, "org-1", ""),
		map[string]any{"tokenId": minted.TokenID, "signature": "deadbeef"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResumeCrossOrgHidden(t *testing.T) {
	f := newFixture(t)
	_, minted := mintWaiting(t, f, "org-2")

	w := f.request(t, http.MethodPost, "/runs/exec-w/nodes/approval/resume", token(t, "org-1", ""),
		map[string]any{"tokenId": minted.TokenID, "signature": minted.Signature})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestResumeNodeMismatch(t *testing.T) {
	f := newFixture(t)
	_, minted := mintWaiting(t, f, "org-1")

	w := f.request(t, http.MethodPost, "/runs/exec-w/nodes/other/resume", token(t, "org-1", ""),
		map[string]any{"tokenId": minted.TokenID, "signature": minted.Signature})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueHeartbeatPublic(t *testing.T) {
	f := newFixture(t)

	// No beats yet: fail, still 200.
	w := f.request(t, http.MethodGet, "/production/queue/heartbeat", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "fail", decodeBody(t, w)["status"])

	require.NoError(t, f.beats.Set(context.Background(), "w-0", worker.WorkerType, time.Now().UTC()))
	w = f.request(t, http.MethodGet, "/production/queue/heartbeat", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "pass", body["status"])
	require.NotEmpty(t, body["latestHeartbeatAt"])
}

func TestWorkersStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.beats.Set(context.Background(), "w-0", worker.WorkerType, time.Now().UTC()))

	w := f.request(t, http.MethodGet, "/workers/status", token(t, "org-1", ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "pass", body["status"])
	require.NotNil(t, body["queue"])
}

func TestWebhookRouteNotEnabled(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodPost, "/webhooks/hook-1", "", map[string]any{"n": 1})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookIntake(t *testing.T) {
	execs := execmem.New()
	wfs := workflowmem.New()
	q, err := queue.NewService(queuemem.New(), execs)
	require.NoError(t, err)

	triggers := triggermem.New()
	require.NoError(t, triggers.Insert(context.Background(), &trigger.Record{
		ID:             "trig-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		Kind:           trigger.KindWebhook,
		AppID:          "app",
		WebhookID:      "hook-1",
		Active:         true,
	}))
	reg, err := trigger.NewRegistry(triggers)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	hooks, err := webhook.NewService(reg, dedupemem.New(), q, auditmem.New())
	require.NoError(t, err)

	srv, err := New(hooks, q, execs, wfs, nil, nil, jwtSecret)
	require.NoError(t, err)
	f := &fixture{execs: execs, handler: srv.Handler()}

	// Intake requires no bearer token.
	w := f.request(t, http.MethodPost, "/webhooks/hook-1", "", map[string]any{"event": "created"})
	require.Equal(t, http.StatusOK, w.Code)
	execID := decodeBody(t, w)["executionId"].(string)

	rec, err := execs.Get(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, execution.TriggerWebhook, rec.TriggerType)

	w = f.request(t, http.MethodPost, "/webhooks/unknown", "", map[string]any{"event": "created"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLivez(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/livez", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
