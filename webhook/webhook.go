// Package webhook implements the inbound delivery pipeline behind
// POST /webhooks/{webhookID}: trigger lookup, provider signature
// verification, rate limiting, duplicate suppression, audit logging,
// and enqueue. The pipeline is transport-agnostic; the HTTP handler
// only translates an Outcome into a response.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/audit"
	"github.com/relaykit/relaykit/dedupe"
	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/queue"
	"github.com/relaykit/relaykit/telemetry"
	"github.com/relaykit/relaykit/trigger"
)

// Delivery is one inbound webhook request.
type Delivery struct {
	WebhookID string
	Header    http.Header
	Body      []byte
}

// Outcome is the transport-agnostic result of a delivery.
type Outcome struct {
	Status int
	Body   map[string]any
}

// Enqueuer is the slice of the queue service ingress needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Service runs the ingress pipeline.
type Service struct {
	triggers  *trigger.Registry
	dedupes   dedupe.Store
	queue     Enqueuer
	audits    audit.Store
	limits    *limiterSet
	tolerance time.Duration
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithReplayTolerance overrides the signature freshness window.
func WithReplayTolerance(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// WithRateLimit overrides the per-trigger ingress rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		if ls, err := newLimiterSet(perSecond, burst); err == nil {
			s.limits = ls
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the ingress pipeline.
func NewService(triggers *trigger.Registry, dedupes dedupe.Store, q Enqueuer, audits audit.Store, opts ...Option) (*Service, error) {
	if triggers == nil || dedupes == nil || q == nil || audits == nil {
		return nil, errors.New("webhook: registry, dedupe store, queue, and audit store are required")
	}
	limits, err := newLimiterSet(DefaultRatePerSecond, DefaultBurst)
	if err != nil {
		return nil, err
	}
	s := &Service{
		triggers:  triggers,
		dedupes:   dedupes,
		queue:     q,
		audits:    audits,
		limits:    limits,
		tolerance: DefaultReplayTolerance,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle runs one delivery through the pipeline. Every path leaves an
// audit entry; only an accepted delivery enqueues an execution.
func (s *Service) Handle(ctx context.Context, d Delivery) Outcome {
	rec, err := s.triggers.Lookup(ctx, d.WebhookID)
	if err != nil || !rec.Active {
		s.auditOrphan(ctx, d, "unknown or inactive webhook")
		return Outcome{Status: http.StatusNotFound, Body: map[string]any{"error": "unknown webhook"}}
	}

	entry := s.newEntry(rec, d)

	present, err := s.verifySignature(rec, d)
	entry.SignaturePresent = present
	if err != nil {
		entry.Source = audit.SourceRejected
		entry.Error = fault.Redact(err.Error())
		s.append(ctx, entry)
		s.metrics.IncCounter("webhook_rejected", 1, "reason", "signature")
		return Outcome{Status: http.StatusBadRequest, Body: map[string]any{"error": "invalid signature"}}
	}

	if !s.limits.Allow(d.WebhookID) {
		entry.Source = audit.SourceRejected
		entry.Error = "rate limited"
		s.append(ctx, entry)
		s.metrics.IncCounter("webhook_rejected", 1, "reason", "rate")
		return Outcome{Status: http.StatusTooManyRequests, Body: map[string]any{"error": "rate limited"}}
	}

	token := dedupeToken(rec.Provider, d)
	ttl := rec.DedupeTTL()
	outcome, err := s.dedupes.RecordIfAbsent(ctx, rec.DedupeScope(), token, ttl)
	if err != nil {
		entry.Source = audit.SourceRejected
		entry.Error = fault.Redact(err.Error())
		s.append(ctx, entry)
		return Outcome{Status: http.StatusServiceUnavailable, Body: map[string]any{"error": "try again"}}
	}
	if outcome == dedupe.Duplicate {
		entry.Source = audit.SourceDuplicate
		s.append(ctx, entry)
		s.metrics.IncCounter("webhook_duplicates", 1, "webhook_id", d.WebhookID)
		status := http.StatusOK
		// Providers retry on non-2xx, so duplicates return 200 unless the
		// caller explicitly asks for conflict semantics.
		if strings.EqualFold(d.Header.Get("X-Dedupe-Strict"), "true") {
			status = http.StatusConflict
		}
		return Outcome{Status: status, Body: map[string]any{"status": "duplicate"}}
	}
	// Persist the token on the trigger so in-process dedupe survives a
	// restart. Best-effort: the live store already holds the gate.
	if err := s.triggers.RecordDedupeToken(ctx, rec.ID, token, s.now().Add(ttl)); err != nil {
		s.logger.Debug(ctx, "persist dedupe token", "trigger_id", rec.ID, "err", err)
	}

	s.append(ctx, entry)

	execID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		TriggerType:    execution.TriggerWebhook,
		TriggerData:    triggerData(d),
	})
	if err != nil {
		// Release the gate so the provider's retry is not swallowed as a
		// duplicate of a delivery that never ran.
		if rerr := s.dedupes.Release(ctx, rec.DedupeScope(), token); rerr != nil {
			s.logger.Warn(ctx, "release dedupe token", "webhook_id", d.WebhookID, "err", rerr)
		}
		s.logger.Error(ctx, "enqueue webhook execution", "webhook_id", d.WebhookID, "err", err)
		s.metrics.IncCounter("webhook_rejected", 1, "reason", "queue")
		return Outcome{Status: http.StatusServiceUnavailable, Body: map[string]any{"error": "queue unavailable"}}
	}

	if err := s.audits.MarkProcessed(ctx, entry.ID, execID); err != nil {
		s.logger.Warn(ctx, "mark audit processed", "entry_id", entry.ID, "err", err)
	}
	s.metrics.IncCounter("webhook_accepted", 1, "webhook_id", d.WebhookID)
	s.logger.Info(ctx, "webhook accepted",
		"webhook_id", d.WebhookID, "trigger_id", rec.ID, "execution_id", execID)
	return Outcome{Status: http.StatusOK, Body: map[string]any{"executionId": execID}}
}

// verifySignature applies the trigger's provider strategy. Triggers
// without a secret accept unsigned deliveries.
func (s *Service) verifySignature(rec *trigger.Record, d Delivery) (bool, error) {
	if rec.Secret == "" {
		return false, nil
	}
	return StrategyFor(rec.Provider).Verify(rec.Secret, d.Header, d.Body, s.now(), s.tolerance)
}

func (s *Service) newEntry(rec *trigger.Record, d Delivery) *audit.Entry {
	return &audit.Entry{
		ID:             uuid.NewString(),
		WebhookID:      d.WebhookID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		AppID:          rec.AppID,
		TriggerID:      rec.ID,
		PayloadDigest:  audit.Digest(d.Body),
		Headers:        redactHeaders(d.Header),
		ReceivedAt:     s.now().UTC(),
		Source:         audit.SourceWebhook,
	}
}

func (s *Service) auditOrphan(ctx context.Context, d Delivery, cause string) {
	s.append(ctx, &audit.Entry{
		ID:            uuid.NewString(),
		WebhookID:     d.WebhookID,
		PayloadDigest: audit.Digest(d.Body),
		Headers:       redactHeaders(d.Header),
		ReceivedAt:    s.now().UTC(),
		Source:        audit.SourceRejected,
		Error:         cause,
	})
}

func (s *Service) append(ctx context.Context, e *audit.Entry) {
	if err := s.audits.Append(ctx, e); err != nil {
		s.logger.Warn(ctx, "append audit entry", "webhook_id", e.WebhookID, "err", err)
	}
}

// dedupeToken picks the provider's event id when one is delivered, and
// falls back to the body digest so identical retries still collapse.
func dedupeToken(provider string, d Delivery) string {
	switch provider {
	case ProviderGitHub, "github":
		if id := d.Header.Get("X-GitHub-Delivery"); id != "" {
			return id
		}
	case ProviderSlack, "slack":
		if id := bodyField(d.Body, "event_id"); id != "" {
			return id
		}
	case ProviderStripe, "stripe":
		if id := bodyField(d.Body, "id"); id != "" {
			return id
		}
	}
	return audit.Digest(d.Body)
}

func bodyField(body []byte, field string) string {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(body, &decoded); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(decoded[field], &v); err != nil {
		return ""
	}
	return v
}

// triggerData builds the execution's trigger payload envelope.
func triggerData(d Delivery) json.RawMessage {
	var payload any
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		payload = string(d.Body)
	}
	raw, err := json.Marshal(map[string]any{
		"payload": payload,
		"headers": redactHeaders(d.Header),
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// redactHeaders flattens headers to single values and strips credentials
// before they reach storage or execution scope.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", "Cookie", "Proxy-Authorization":
			out[name] = "[REDACTED]"
		default:
			out[name] = values[0]
		}
	}
	return out
}
