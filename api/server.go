// Package api exposes the HTTP surface: webhook intake, execution
// management, resume endpoints, and the public queue heartbeat probe.
// All routes except intake, the probe, and the operational endpoints
// sit behind JWT auth and are organization-scoped.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/queue"
	"github.com/relaykit/relaykit/resume"
	"github.com/relaykit/relaykit/telemetry"
	"github.com/relaykit/relaykit/webhook"
	"github.com/relaykit/relaykit/worker"
	"github.com/relaykit/relaykit/workflow"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// Server wires the handlers over the platform services.
type Server struct {
	webhooks  *webhook.Service
	queue     *queue.Service
	execs     execution.Store
	workflows workflow.Store
	resumes   *resume.Service
	monitor   *worker.Monitor

	jwtSecret []byte
	logger    telemetry.Logger
	health    http.Handler
	metrics   http.Handler
	debug     bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHealth mounts the handler at /healthz.
func WithHealth(h http.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics mounts the handler at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithDebug mounts the pprof handlers under /debug.
func WithDebug(enabled bool) Option {
	return func(s *Server) { s.debug = enabled }
}

// New builds a Server. The webhook service, monitor, and resume service
// may be nil when the deployment does not use them; their routes then
// report 404 or a failing probe.
func New(webhooks *webhook.Service, q *queue.Service, execs execution.Store, workflows workflow.Store, resumes *resume.Service, monitor *worker.Monitor, jwtSecret []byte, opts ...Option) (*Server, error) {
	if q == nil {
		return nil, errors.New("api: queue is required")
	}
	if execs == nil {
		return nil, errors.New("api: execution store is required")
	}
	if workflows == nil {
		return nil, errors.New("api: workflow store is required")
	}
	if len(jwtSecret) == 0 {
		return nil, errors.New("api: jwt secret is required")
	}
	s := &Server{
		webhooks:  webhooks,
		queue:     q,
		execs:     execs,
		workflows: workflows,
		resumes:   resumes,
		monitor:   monitor,
		jwtSecret: jwtSecret,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/{id}", s.handleWebhook)
	r.Get("/production/queue/heartbeat", s.handleQueueHeartbeat)
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.health != nil {
		r.Method(http.MethodGet, "/healthz", s.health)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.debug {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)
		pr.Post("/executions", s.handleCreateExecution)
		pr.Get("/executions", s.handleListExecutions)
		pr.Get("/executions/{id}", s.handleGetExecution)
		pr.Post("/executions/{id}/retry", s.handleRetryExecution)
		pr.Post("/runs/{execID}/nodes/{nodeID}/resume", s.handleResume)
		pr.Get("/workers/status", s.handleWorkersStatus)
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Warn(context.Background(), "encode response", "err", err)
		}
	}
}

func (s *Server) error(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		s.error(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
