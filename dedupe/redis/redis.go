// Package redis provides a Redis-backed implementation of the dedupe
// store for multi-process deployments. Entries are plain keys with a
// millisecond TTL; atomicity of recordIfAbsent comes from SET NX. A
// per-scope sorted set indexes creation times so the retention cap can
// evict oldest entries.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/dedupe"
)

// Store is a Redis-backed implementation of dedupe.Store.
type Store struct {
	rdb      *redis.Client
	maxScope int
	now      func() time.Time
}

// Compile-time check that Store implements dedupe.Store.
var _ dedupe.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithMaxPerScope overrides the per-scope retention cap.
func WithMaxPerScope(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxScope = n
		}
	}
}

// WithClock overrides the time source used for index scores.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a dedupe store on the given Redis client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:      rdb,
		maxScope: dedupe.DefaultMaxPerScope,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordIfAbsent stores the token unless a live entry exists. The SET NX
// on the entry key decides the outcome; index maintenance runs after and
// its failure is reported without undoing the record, so a retried call
// converges on Duplicate.
func (s *Store) RecordIfAbsent(ctx context.Context, scope, token string, ttl time.Duration) (dedupe.Outcome, error) {
	if ttl <= 0 {
		ttl = dedupe.DefaultTTL
	}
	nowMs := s.now().UnixMilli()

	set, err := s.rdb.SetNX(ctx, entryKey(scope, token), strconv.FormatInt(nowMs, 10), ttl).Result()
	if err != nil {
		return "", fmt.Errorf("dedupe record: %w", err)
	}
	if !set {
		return dedupe.Duplicate, nil
	}

	idx := indexKey(scope)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(nowMs), Member: token})
	// Entries recorded more than one TTL ago have expired; drop their
	// index members opportunistically.
	pipe.ZRemRangeByScore(ctx, idx, "-inf", strconv.FormatInt(nowMs-ttl.Milliseconds(), 10))
	pipe.Expire(ctx, idx, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("dedupe index: %w", err)
	}

	if err := s.enforceCap(ctx, scope, idx); err != nil {
		return "", err
	}
	return dedupe.Recorded, nil
}

// enforceCap evicts oldest entries past the per-scope retention cap.
func (s *Store) enforceCap(ctx context.Context, scope, idx string) error {
	card, err := s.rdb.ZCard(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("dedupe cap: %w", err)
	}
	over := card - int64(s.maxScope)
	if over <= 0 {
		return nil
	}
	oldest, err := s.rdb.ZRange(ctx, idx, 0, over-1).Result()
	if err != nil {
		return fmt.Errorf("dedupe cap: %w", err)
	}
	if len(oldest) == 0 {
		return nil
	}
	keys := make([]string, len(oldest))
	members := make([]interface{}, len(oldest))
	for i, tok := range oldest {
		keys[i] = entryKey(scope, tok)
		members[i] = tok
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, idx, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedupe evict: %w", err)
	}
	return nil
}

// Release drops the entry key and its index member.
func (s *Store) Release(ctx context.Context, scope, token string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, entryKey(scope, token))
	pipe.ZRem(ctx, indexKey(scope), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}

func entryKey(scope, token string) string {
	return "dedupe:" + scope + ":" + token
}

func indexKey(scope string) string {
	return "dedupe:" + scope + ":index"
}
