// Package connector defines the boundary between the execution core and
// the connector invocation layer. The core never speaks to a SaaS API
// directly: action and trigger nodes hand an InvokeRequest to an
// Invoker and operate on the typed InvokeResponse that comes back.
// Connector implementations live outside this module; a Registry built
// at startup routes each app id to its invoker.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/relaykit/relaykit/credential"
	"github.com/relaykit/relaykit/fault"
)

// ErrUnknownApp is returned when no invoker serves an app id.
var ErrUnknownApp = errors.New("connector: unknown app")

// DefaultTimeout bounds a single connector call unless the request
// overrides it.
const DefaultTimeout = 30 * time.Second

type (
	// InvokeRequest is one connector operation call.
	InvokeRequest struct {
		AppID       string               `json:"appId"`
		OperationID string               `json:"operationId"`
		Parameters  map[string]any       `json:"parameters,omitempty"`
		Credentials *credential.Material `json:"credentials,omitempty"`

		// ExecutionID and NodeID identify the calling node.
		ExecutionID string `json:"executionId"`
		NodeID      string `json:"nodeId"`
		// IdempotencyKey is executionID:nodeID. Connectors propagate it
		// to SaaS APIs that support idempotent writes.
		IdempotencyKey string `json:"idempotencyKey"`

		// Cursor carries the opaque polling position for poll operations.
		Cursor string `json:"cursor,omitempty"`
		// Timeout overrides DefaultTimeout when positive.
		Timeout time.Duration `json:"-"`
	}

	// CallError describes a failed connector call.
	CallError struct {
		// StatusCode is the provider HTTP status, zero for transport
		// failures.
		StatusCode int `json:"statusCode,omitempty"`
		Message    string `json:"message"`
		// RetryAfterMs is the provider-supplied backoff for 429s.
		RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
	}

	// ResponseMeta carries side-band data returned by a connector.
	ResponseMeta struct {
		// Rotated is fresh credential material the provider returned
		// mid-call (refresh-on-401 inside the connector). The engine
		// persists it through the credential store.
		Rotated *credential.Material `json:"rotated,omitempty"`
	}

	// InvokeResponse is the outcome of a connector call.
	InvokeResponse struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data,omitempty"`
		Error   *CallError      `json:"error,omitempty"`
		Meta    *ResponseMeta   `json:"meta,omitempty"`
	}

	// Invoker executes connector operations. Implementations honor the
	// context deadline and return transport failures as errors; provider
	// rejections come back as a response with Success=false.
	Invoker interface {
		Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
	}

	// InvokerFunc adapts a function to Invoker.
	InvokerFunc func(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	return f(ctx, req)
}

// IdempotencyKey builds the key connectors propagate to SaaS APIs.
func IdempotencyKey(executionID, nodeID string) string {
	return executionID + ":" + nodeID
}

// ClassifyStatus maps a provider HTTP status to the error taxonomy.
func ClassifyStatus(status int) fault.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return fault.RateLimited
	case status >= 500:
		return fault.ConnectorHTTP5xx
	case status >= 400:
		return fault.ConnectorHTTP4xx
	}
	return fault.Internal
}

// Err converts a failed response into a classified error, nil for
// successful responses.
func (r *InvokeResponse) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return fault.New(fault.Internal, "connector reported failure without detail")
	}
	kind := ClassifyStatus(r.Error.StatusCode)
	return fault.New(kind, "%s", fault.Redact(r.Error.Message))
}

// PollResult is the decoded payload of a polling operation: the events
// observed since the cursor, in provider order, and the next cursor.
type PollResult struct {
	Events []json.RawMessage `json:"events"`
	Cursor string            `json:"cursor,omitempty"`
}

// DecodePoll parses a poll response body.
func DecodePoll(data json.RawMessage) (*PollResult, error) {
	var res PollResult
	if len(data) == 0 {
		return &res, nil
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "decode poll result")
	}
	return &res, nil
}

// Registry routes app ids to invokers. It is a plain value constructed
// at startup and handed to the engine and scheduler; there is no
// default-instance machinery.
type Registry struct {
	invokers map[string]Invoker
	fallback Invoker
}

// NewRegistry builds a registry over a static app table. An optional
// fallback serves apps without a dedicated invoker.
func NewRegistry(invokers map[string]Invoker, fallback Invoker) *Registry {
	byApp := make(map[string]Invoker, len(invokers))
	for app, inv := range invokers {
		byApp[app] = inv
	}
	return &Registry{invokers: byApp, fallback: fallback}
}

// Compile-time check that Registry implements Invoker.
var _ Invoker = (*Registry)(nil)

// Apps returns the registered app ids, sorted.
func (r *Registry) Apps() []string {
	apps := make([]string, 0, len(r.invokers))
	for app := range r.invokers {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// Invoke dispatches to the app's invoker under the request timeout.
func (r *Registry) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	inv, ok := r.invokers[req.AppID]
	if !ok {
		inv = r.fallback
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, req.AppID)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := inv.Invoke(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.ConnectorTimeout, err,
				"connector %s.%s exceeded %s", req.AppID, req.OperationID, timeout)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fault.Wrap(fault.ConnectorNetwork, err,
			"connector %s.%s transport failure", req.AppID, req.OperationID)
	}
	return res, nil
}
