package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/config"
)

func TestSelect(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	raw, _, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "postgres")

	cases := []struct {
		name          string
		strategy      config.Strategy
		rdb           *redis.Client
		db            *sqlx.DB
		singleProcess bool
		wantMode      string
		wantErr       bool
	}{
		{name: "explicit redis", strategy: config.StrategyRedis, rdb: rdb, wantMode: "redis"},
		{name: "redis without client", strategy: config.StrategyRedis, wantErr: true},
		{name: "explicit postgres", strategy: config.StrategyPostgres, db: db, wantMode: "postgres"},
		{name: "postgres without db", strategy: config.StrategyPostgres, wantErr: true},
		{name: "memory without assertion", strategy: config.StrategyMemory, wantErr: true},
		{name: "memory single process", strategy: config.StrategyMemory, singleProcess: true, wantMode: "memory"},
		{name: "auto prefers redis", strategy: config.StrategyAuto, rdb: rdb, db: db, singleProcess: true, wantMode: "redis"},
		{name: "auto falls back to postgres", strategy: config.StrategyAuto, db: db, wantMode: "postgres"},
		{name: "auto memory needs assertion", strategy: config.StrategyAuto, wantErr: true},
		{name: "auto memory single process", strategy: config.StrategyAuto, singleProcess: true, wantMode: "memory"},
		{name: "unknown strategy", strategy: config.Strategy("zookeeper"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, mode, err := Select(tc.strategy, tc.rdb, tc.db, tc.singleProcess)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, svc)
			require.Equal(t, tc.wantMode, mode)
		})
	}
}

func TestMemoryAcquireContention(t *testing.T) {
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := NewMemory()
	svc.now = func() time.Time { return current }
	ctx := context.Background()

	lease, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, current.Add(time.Minute), lease.ExpiresAt)

	second, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)
	require.Nil(t, second)

	// A different resource is independent.
	other, err := svc.Acquire(ctx, "polling:cleanup", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)

	// Expiry frees the resource without a release.
	current = current.Add(2 * time.Minute)
	third, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, third)
	require.NotEqual(t, lease.Owner, third.Owner)
}

func TestMemoryRenew(t *testing.T) {
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := NewMemory()
	svc.now = func() time.Time { return current }
	ctx := context.Background()

	lease, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)

	current = current.Add(30 * time.Second)
	require.NoError(t, svc.Renew(ctx, lease))
	require.Equal(t, current.Add(time.Minute), lease.ExpiresAt)

	// A lease that expired cannot be renewed.
	current = current.Add(2 * time.Minute)
	require.ErrorIs(t, svc.Renew(ctx, lease), ErrNotHeld)

	// Nor can a lease whose resource was taken by another owner.
	taken, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, taken)
	require.ErrorIs(t, svc.Renew(ctx, lease), ErrNotHeld)
}

func TestMemoryReleaseWrongOwner(t *testing.T) {
	svc := NewMemory()
	ctx := context.Background()

	lease, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)

	stale := &Lease{Resource: "polling:loop", Owner: "not-the-holder", TTL: time.Minute}
	require.NoError(t, svc.Release(ctx, stale))

	// The real holder still owns the resource.
	blocked, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)
	require.Nil(t, blocked)

	require.NoError(t, svc.Release(ctx, lease))
	freed, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, freed)
}

func TestMemorySingleWinner(t *testing.T) {
	svc := NewMemory()
	ctx := context.Background()

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := svc.Acquire(ctx, "polling:loop", time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if lease != nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), won.Load())
}

func TestMemoryCancelledContext(t *testing.T) {
	svc := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Acquire(ctx, "polling:loop", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
