package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaykit/relaykit/engine"
	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/queue"
	"github.com/relaykit/relaykit/webhook"
	"github.com/relaykit/relaykit/workflow"
)

// handleWebhook feeds the raw delivery into the ingress pipeline and
// relays its transport-agnostic outcome.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.error(w, http.StatusNotFound, "webhook intake is not enabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	out := s.webhooks.Handle(r.Context(), webhook.Delivery{
		WebhookID: chi.URLParam(r, "id"),
		Header:    r.Header,
		Body:      body,
	})
	s.writeJSON(w, out.Status, out.Body)
}

type createExecutionRequest struct {
	WorkflowID  string          `json:"workflowId"`
	TriggerData json.RawMessage `json:"triggerData,omitempty"`
}

// handleCreateExecution enqueues a manual run of an owned workflow.
func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req createExecutionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		s.error(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	g, err := s.workflows.Get(r.Context(), req.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			s.error(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.fail(w, r, err)
		return
	}
	if g.OrganizationID != id.OrganizationID {
		s.error(w, http.StatusNotFound, "workflow not found")
		return
	}
	execID, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		WorkflowID:     g.ID,
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		TriggerType:    execution.TriggerManual,
		TriggerData:    req.TriggerData,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"executionId": execID})
}

// handleRetryExecution replays a failed execution as a new one linked
// through correlationId.
func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	rec, ok := s.ownedExecution(w, r, id)
	if !ok {
		return
	}
	if rec.Status != execution.StatusFailed {
		s.error(w, http.StatusConflict, "only failed executions can be retried")
		return
	}
	execID, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		UserID:         id.UserID,
		TriggerType:    rec.TriggerType,
		TriggerData:    rec.TriggerData,
		Class:          queue.ClassManual,
		CorrelationID:  rec.ID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"executionId": execID})
}

type resumeRequest struct {
	TokenID   string          `json:"tokenId"`
	Signature string          `json:"signature"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// handleResume consumes a resume token and re-enqueues the waiting
// execution on the resume class.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.resumes == nil {
		s.error(w, http.StatusNotFound, "resume is not enabled")
		return
	}
	id, _ := IdentityFrom(r.Context())
	execID := chi.URLParam(r, "execID")
	nodeID := chi.URLParam(r, "nodeID")
	var req resumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TokenID == "" || req.Signature == "" {
		s.error(w, http.StatusBadRequest, "tokenId and signature are required")
		return
	}

	tok, err := s.resumes.Consume(r.Context(), req.TokenID, req.Signature)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.InvalidToken:
			s.error(w, http.StatusBadRequest, "invalid resume token")
		case fault.TokenExpired, fault.TokenConsumed:
			s.error(w, http.StatusGone, "resume token expired or already used")
		default:
			s.fail(w, r, err)
		}
		return
	}
	if tok.OrganizationID != id.OrganizationID {
		s.error(w, http.StatusNotFound, "execution not found")
		return
	}
	if tok.ExecutionID != execID || tok.NodeID != nodeID {
		s.error(w, http.StatusBadRequest, "token does not match this run")
		return
	}

	var state engine.ResumeState
	if err := json.Unmarshal(tok.ResumeState, &state); err != nil {
		s.fail(w, r, err)
		return
	}
	state.Payload = req.Payload
	rawState, err := json.Marshal(state)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.queue.EnqueueResume(r.Context(), tok.ExecutionID, tok.NodeID, rawState); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executionId": tok.ExecutionID})
}

// handleListExecutions returns the organization's executions with
// status/workflow filters and limit/offset pagination.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	q := r.URL.Query()

	f := execution.Filter{
		OrganizationID: id.OrganizationID,
		WorkflowID:     q.Get("workflowId"),
		Limit:          50,
	}
	if raw := q.Get("status"); raw != "" {
		status := execution.Status(raw)
		switch status {
		case execution.StatusPending, execution.StatusRunning, execution.StatusWaiting,
			execution.StatusCompleted, execution.StatusFailed, execution.StatusCancelled:
			f.Status = status
		default:
			s.error(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			s.error(w, http.StatusBadRequest, "limit must be 1-200")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.error(w, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		f.Offset = n
	}

	recs, total, err := s.execs.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"executions": recs,
		"total":      total,
		"limit":      f.Limit,
		"offset":     f.Offset,
	})
}

// handleGetExecution returns one owned execution. Cross-organization
// reads are indistinguishable from missing records.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	rec, ok := s.ownedExecution(w, r, id)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleWorkersStatus reports heartbeats and queue depths.
func (s *Server) handleWorkersStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if s.monitor != nil {
		probe, err := s.monitor.Probe(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		body["workers"] = probe.Workers
		body["status"] = probe.Status
	} else {
		body["workers"] = []any{}
		body["status"] = "fail"
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body["queue"] = stats
	s.writeJSON(w, http.StatusOK, body)
}

// handleQueueHeartbeat is the unauthenticated liveness probe.
func (s *Server) handleQueueHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":  "fail",
			"message": "no worker monitor configured",
		})
		return
	}
	probe, err := s.monitor.Probe(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":  "fail",
			"message": "heartbeat map unavailable",
		})
		return
	}
	body := map[string]any{
		"status":  probe.Status,
		"message": probe.Message,
	}
	if probe.LatestBeatAt != nil {
		body["latestHeartbeatAt"] = probe.LatestBeatAt.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, body)
}

// ownedExecution loads the path execution and hides records owned by
// other organizations.
func (s *Server) ownedExecution(w http.ResponseWriter, r *http.Request, id Identity) (*execution.Record, bool) {
	rec, err := s.execs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			s.error(w, http.StatusNotFound, "execution not found")
			return nil, false
		}
		s.fail(w, r, err)
		return nil, false
	}
	if rec.OrganizationID != id.OrganizationID {
		s.error(w, http.StatusNotFound, "execution not found")
		return nil, false
	}
	return rec, true
}

// fail maps unexpected errors to a 503 for queue outages and a 500
// otherwise, logging the cause.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error(r.Context(), "request failed",
		"path", r.URL.Path, "kind", string(fault.KindOf(err)), "err", err)
	if fault.KindOf(err) == fault.QueueUnavailable {
		s.error(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.error(w, http.StatusInternalServerError, "internal error")
}
