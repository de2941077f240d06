// Package quota enforces per-organization usage limits with windowed
// counters. The engine checks a cost before every connector call; exceeding
// a limit fails the node with a non-retryable fault.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/relaykit/relaykit/fault"
)

// CostKind names a consumable unit.
type CostKind string

const (
	// KindAPICall counts connector invocations.
	KindAPICall CostKind = "api_call"
	// KindTokens counts model tokens consumed by connector calls.
	KindTokens CostKind = "tokens"
)

// Cost is an amount of a consumable unit.
type Cost struct {
	Kind   CostKind
	Amount int64
}

// CostAPICall is the cost of one connector invocation.
func CostAPICall() Cost {
	return Cost{Kind: KindAPICall, Amount: 1}
}

// CostTokens is the cost of n model tokens.
func CostTokens(n int64) Cost {
	return Cost{Kind: KindTokens, Amount: n}
}

// Process defaults, applied when the resolver returns no override. A zero
// limit means unlimited.
const (
	DefaultMaxAPICalls int64 = 10000
	DefaultMaxTokens   int64 = 1000000
	DefaultWindow            = time.Hour
)

// Limits bounds an organization's usage within a window.
type Limits struct {
	MaxAPICalls int64
	MaxTokens   int64
	Window      time.Duration
}

// DefaultLimits returns the process defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxAPICalls: DefaultMaxAPICalls,
		MaxTokens:   DefaultMaxTokens,
		Window:      DefaultWindow,
	}
}

func (l Limits) limitFor(kind CostKind) int64 {
	switch kind {
	case KindAPICall:
		return l.MaxAPICalls
	case KindTokens:
		return l.MaxTokens
	}
	return 0
}

// Resolver returns the limits for an organization. Returning the zero value
// with a nil error applies the guard defaults.
type Resolver func(ctx context.Context, orgID string) (Limits, error)

// Static returns a resolver that applies the same limits to every
// organization.
func Static(l Limits) Resolver {
	return func(context.Context, string) (Limits, error) { return l, nil }
}

// Counter is a windowed counter. Add increments key by amount within the
// window and returns the running total; the window starts at the first
// increment and resets when it elapses.
type Counter interface {
	Add(ctx context.Context, key string, amount int64, window time.Duration) (int64, error)
}

// Guard checks costs against per-organization limits.
type Guard struct {
	counter  Counter
	resolver Resolver
	defaults Limits
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithResolver sets the per-organization limit source.
func WithResolver(r Resolver) GuardOption {
	return func(g *Guard) { g.resolver = r }
}

// WithDefaults overrides the process default limits.
func WithDefaults(l Limits) GuardOption {
	return func(g *Guard) { g.defaults = l }
}

// NewGuard wires a Guard over the given counter.
func NewGuard(counter Counter, opts ...GuardOption) (*Guard, error) {
	if counter == nil {
		return nil, errors.New("quota: counter is required")
	}
	g := &Guard{counter: counter, defaults: DefaultLimits()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Check consumes cost for the organization. Returns fault.QuotaExceeded when
// the windowed total passes the limit; the rejected increment still counts,
// so a burst cannot squeeze through by retrying.
func (g *Guard) Check(ctx context.Context, orgID string, cost Cost) error {
	if orgID == "" {
		return fault.New(fault.Validation, "organization id is required")
	}
	if cost.Amount <= 0 {
		return nil
	}
	limits, err := g.limits(ctx, orgID)
	if err != nil {
		return err
	}
	limit := limits.limitFor(cost.Kind)
	if limit <= 0 {
		return nil
	}
	window := limits.Window
	if window <= 0 {
		window = DefaultWindow
	}
	total, err := g.counter.Add(ctx, counterKey(orgID, cost.Kind), cost.Amount, window)
	if err != nil {
		return fault.New(fault.Internal, "quota counter: %v", err)
	}
	if total > limit {
		return fault.New(fault.QuotaExceeded,
			"organization %s exceeded %s quota (%d of %d per %s)",
			orgID, cost.Kind, total, limit, window)
	}
	return nil
}

func (g *Guard) limits(ctx context.Context, orgID string) (Limits, error) {
	if g.resolver == nil {
		return g.defaults, nil
	}
	l, err := g.resolver(ctx, orgID)
	if err != nil {
		return Limits{}, fault.New(fault.Internal, "resolve quota limits: %v", err)
	}
	if l == (Limits{}) {
		return g.defaults, nil
	}
	if l.Window <= 0 {
		l.Window = g.defaults.Window
	}
	return l, nil
}

func counterKey(orgID string, kind CostKind) string {
	return "quota:" + orgID + ":" + string(kind)
}
