package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPInvoker calls an out-of-process connector service: the request
// envelope is POSTed to {baseURL}/invoke and the response envelope read
// back. Provider rejections travel inside the envelope; only transport
// and protocol failures surface as errors.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

var _ Invoker = (*HTTPInvoker)(nil)

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient overrides the HTTP client. The per-call timeout still
// comes from the request context.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) {
		if c != nil {
			h.client = c
		}
	}
}

// NewHTTPInvoker builds an invoker against a connector service base
// URL.
func NewHTTPInvoker(baseURL string, opts ...HTTPOption) (*HTTPInvoker, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("connector: base url is required")
	}
	h := &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// maxResponseBytes bounds connector response bodies.
const maxResponseBytes = 4 << 20

// Invoke posts the request envelope and decodes the response envelope.
func (h *HTTPInvoker) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("connector: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("connector: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	httpRes, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("connector: read response: %w", err)
	}
	if httpRes.StatusCode != http.StatusOK {
		// The connector service itself failed; treat as a provider error
		// with its status so retry classification applies.
		return &InvokeResponse{
			Success: false,
			Error: &CallError{
				StatusCode: httpRes.StatusCode,
				Message:    fmt.Sprintf("connector service returned %d", httpRes.StatusCode),
			},
		}, nil
	}
	var res InvokeResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("connector: decode response: %w", err)
	}
	return &res, nil
}
