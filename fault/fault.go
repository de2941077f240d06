// Package fault defines the error taxonomy shared by the ingress,
// scheduler, queue, and execution engine. Every failure that crosses a
// package boundary is classified with a Kind so callers can decide
// between retrying, dead-lettering, and surfacing a client error
// without string matching.
package fault

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies a failure. The zero value is not a valid kind.
type Kind string

const (
	// Validation covers malformed input. Reported as a 4xx, never retried.
	Validation Kind = "VALIDATION"
	// Signature covers webhook signature and freshness failures.
	Signature Kind = "SIGNATURE"
	// Duplicate marks a delivery absorbed by the dedupe store.
	Duplicate Kind = "DUPLICATE"
	// MissingReference marks a parameter referencing a node output that
	// does not exist in the captured results.
	MissingReference Kind = "MISSING_REFERENCE"
	// ConnectorHTTP4xx is a definitive provider rejection.
	ConnectorHTTP4xx Kind = "CONNECTOR_HTTP_4XX"
	// ConnectorHTTP5xx is a transient provider failure.
	ConnectorHTTP5xx Kind = "CONNECTOR_HTTP_5XX"
	// ConnectorTimeout is a connector call that exceeded its deadline.
	ConnectorTimeout Kind = "CONNECTOR_TIMEOUT"
	// ConnectorNetwork is a transport-level connector failure.
	ConnectorNetwork Kind = "CONNECTOR_NETWORK"
	// RateLimited is a provider 429; retried with the provider-supplied
	// or default backoff.
	RateLimited Kind = "RATE_LIMITED"
	// QuotaExceeded marks an organization over its API or token budget.
	QuotaExceeded Kind = "QUOTA_EXCEEDED"
	// TokenRefreshFailed marks a credential whose refresh flow failed.
	TokenRefreshFailed Kind = "TOKEN_REFRESH_FAILED"
	// QueueUnavailable means the execution queue rejected an enqueue.
	// Ingress surfaces it as a 5xx so providers redeliver.
	QueueUnavailable Kind = "QUEUE_UNAVAILABLE"
	// SchedulerLockLost means the polling leader lost its lock mid-tick.
	SchedulerLockLost Kind = "SCHEDULER_LOCK_LOST"
	// ExecutionTimeout marks an execution past its wall-clock deadline.
	ExecutionTimeout Kind = "EXECUTION_TIMEOUT"
	// Internal is the catch-all for unexpected failures.
	Internal Kind = "INTERNAL"

	// InvalidToken marks a resume token whose signature does not verify.
	InvalidToken Kind = "INVALID_SIGNATURE"
	// TokenExpired marks a resume token past expiry or already consumed
	// on a prior request.
	TokenExpired Kind = "TOKEN_EXPIRED"
	// TokenConsumed marks a resume token lost to a concurrent consume.
	TokenConsumed Kind = "TOKEN_CONSUMED"
)

// Error is a classified failure. It wraps an optional cause so callers
// can use errors.Is and errors.As through it.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. The cause remains reachable via
// errors.Unwrap. A nil cause returns nil so call sites can wrap
// unconditionally.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind so sentinel comparisons such as
// errors.Is(err, &Error{Kind: Duplicate}) work across wrapping.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report Internal; a nil error reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure of this kind may succeed on a
// later attempt. The mapping follows the recovery policy: transient
// connector and infrastructure failures retry, definitive rejections
// and validation failures do not.
func (k Kind) Retryable() bool {
	switch k {
	case ConnectorHTTP5xx, ConnectorTimeout, ConnectorNetwork, RateLimited, QueueUnavailable:
		return true
	default:
		return false
	}
}

// Retryable reports whether err may succeed on a later attempt.
// Unclassified errors are treated as non-retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind.Retryable()
	}
	return false
}

var (
	authHeaderPattern = regexp.MustCompile(`(?i)(authorization[:=]\s*)(?:bearer\s+)?[^\s,;]+`)
	secretPairPattern = regexp.MustCompile(`(?i)((?:access_token|refresh_token|api_key|apikey|token|secret|password)["']?\s*[:=]\s*)["']?[^\s,;"'}]+`)
)

// Redact strips credential material from a message before it is stored
// or returned to a caller. Authorization headers and token-like
// key/value pairs are replaced wholesale.
func Redact(msg string) string {
	msg = authHeaderPattern.ReplaceAllString(msg, "${1}[redacted]")
	msg = secretPairPattern.ReplaceAllString(msg, "${1}[redacted]")
	return msg
}
