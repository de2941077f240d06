package webhook

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Per-trigger ingress limits applied when the service is not configured
// otherwise.
const (
	DefaultRatePerSecond = 10
	DefaultBurst         = 30
	limiterCacheSize     = 1024
)

// limiterSet holds one token bucket per webhook id, bounded by an LRU so
// abandoned endpoints do not pin memory. An evicted limiter comes back
// with a full bucket, which briefly over-admits; acceptable for an
// abuse guard.
type limiterSet struct {
	cache *lru.Cache[string, *rate.Limiter]
	limit rate.Limit
	burst int
}

func newLimiterSet(perSecond float64, burst int) (*limiterSet, error) {
	cache, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("webhook: limiter cache: %w", err)
	}
	return &limiterSet{
		cache: cache,
		limit: rate.Limit(perSecond),
		burst: burst,
	}, nil
}

// Allow consumes one token for the webhook id.
func (l *limiterSet) Allow(webhookID string) bool {
	limiter, ok := l.cache.Get(webhookID)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.cache.Add(webhookID, limiter)
	}
	return limiter.Allow()
}
