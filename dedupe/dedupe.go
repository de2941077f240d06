// Package dedupe defines the duplicate-suppression store used by
// webhook ingress and the polling scheduler. A store maps
// (scope, token) pairs to expiry times; recording is atomic so that
// concurrent deliveries of the same token yield exactly one Recorded
// outcome. Available implementations:
//
//   - memory: in-process store for development and single-node runs
//   - redis: shared store for multi-process deployments
//   - postgres: durable store backed by the dedupe_entries table
package dedupe

import (
	"context"
	"time"
)

// DefaultTTL is how long a token suppresses duplicates unless the
// trigger overrides it. Expressed in milliseconds on the wire and in
// storage.
const DefaultTTL = 60 * time.Minute

// DefaultMaxPerScope bounds retained entries per scope. The oldest
// entries by creation time are evicted beyond the cap.
const DefaultMaxPerScope = 500

// Outcome reports whether a token was new for its scope.
type Outcome string

const (
	// Recorded means the token was absent and is now stored.
	Recorded Outcome = "recorded"
	// Duplicate means a live entry for the token already exists.
	Duplicate Outcome = "duplicate"
)

// Store suppresses duplicate trigger deliveries. Implementations must
// be safe for concurrent use, ignore expired entries during lookup, and
// reclaim them opportunistically on writes.
type Store interface {
	// RecordIfAbsent stores (scope, token) with the given TTL unless a
	// live entry exists. A non-positive TTL falls back to DefaultTTL.
	// Exactly one of any set of concurrent calls with the same pair
	// observes Recorded.
	RecordIfAbsent(ctx context.Context, scope, token string, ttl time.Duration) (Outcome, error)

	// Release drops a recorded token so a retried delivery can pass the
	// gate again. Ingress calls it when the enqueue after a Recorded
	// outcome fails. Releasing an absent token is not an error.
	Release(ctx context.Context, scope, token string) error
}
