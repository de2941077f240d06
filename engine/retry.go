package engine

import (
	"math/rand"
	"time"

	"github.com/relaykit/relaykit/workflow"
)

// Backoff computes retry delays for a node retry policy.
type Backoff struct {
	policy workflow.RetryPolicy
	// jitter is the fraction of the delay added as randomness, in
	// [0, 1). Zero disables jitter for deterministic tests.
	jitter float64
	rand   *rand.Rand
}

// DefaultJitter is the jitter fraction applied to node retry delays.
const DefaultJitter = 0.1

// maxRetryDelay caps node retry delay growth.
const maxRetryDelay = 5 * time.Minute

// NewBackoff builds a delay calculator for the policy.
func NewBackoff(policy workflow.RetryPolicy, jitter float64) *Backoff {
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitter
	}
	return &Backoff{
		policy: policy,
		jitter: jitter,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before the given retry. attempt counts failed
// tries, so the first retry passes 1. Exponential policies double the
// base delay per attempt; fixed policies repeat it. The result is
// capped and jittered.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.policy.BaseDelay()
	if b.policy.Backoff != workflow.BackoffFixed {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxRetryDelay {
				d = maxRetryDelay
				break
			}
		}
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	if b.jitter > 0 {
		d += time.Duration(b.rand.Float64() * b.jitter * float64(d))
	}
	return d
}
