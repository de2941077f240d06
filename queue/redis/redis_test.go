package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/queue"
)

func newBrokerTest(t *testing.T) (*Broker, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b, err := New(context.Background(), rdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, rdb
}

func entry(id string, class queue.Class, attempt int) *queue.Entry {
	return &queue.Entry{
		ExecutionID:    id,
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		Class:          class,
		Attempt:        attempt,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestNewToleratesExistingGroups(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	_, err := New(context.Background(), rdb)
	require.NoError(t, err)
	_, err = New(context.Background(), rdb)
	require.NoError(t, err)
}

func TestAppendClaimAck(t *testing.T) {
	ctx := context.Background()
	b, rdb := newBrokerTest(t)

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))
	require.NoError(t, b.Append(ctx, entry("exec-2", queue.ClassDefault, 1)))

	first, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "exec-1", first.ExecutionID)
	require.Equal(t, "w1", first.Consumer)
	require.NotEmpty(t, first.ID)

	second, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "exec-2", second.ExecutionID)

	require.NoError(t, b.Ack(ctx, first))
	require.NoError(t, b.Ack(ctx, second))

	// Acked entries are deleted from the stream.
	length, err := rdb.XLen(ctx, streamKey(queue.ClassDefault)).Result()
	require.NoError(t, err)
	require.Zero(t, length)
}

func TestClaimPriorityOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := newBrokerTest(t)

	require.NoError(t, b.Append(ctx, entry("exec-default", queue.ClassDefault, 1)))
	require.NoError(t, b.Append(ctx, entry("exec-manual", queue.ClassManual, 1)))
	require.NoError(t, b.Append(ctx, entry("exec-resume", queue.ClassResume, 1)))

	want := []string{"exec-resume", "exec-manual", "exec-default"}
	for _, id := range want {
		lease, err := b.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, lease)
		require.Equal(t, id, lease.ExecutionID)
	}
}

func TestClaimEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	b, _ := newBrokerTest(t)

	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, lease)
}

func TestClaimRetiresUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	b, rdb := newBrokerTest(t)

	require.NoError(t, rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey(queue.ClassDefault),
		Values: map[string]any{"entry": "not json"},
	}).Err())
	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))

	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "exec-1", lease.ExecutionID)

	// The garbage entry was acked and deleted.
	length, err := rdb.XLen(ctx, streamKey(queue.ClassDefault)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), length)
}

func TestPromoteDueMovesOnlyDueEntries(t *testing.T) {
	ctx := context.Background()
	b, rdb := newBrokerTest(t)
	now := time.Now().UTC()

	require.NoError(t, b.AppendDelayed(ctx, entry("exec-due", queue.ClassDefault, 2), now.Add(-time.Second)))
	require.NoError(t, b.AppendDelayed(ctx, entry("exec-later", queue.ClassDefault, 2), now.Add(time.Hour)))

	b.promoteDue(ctx)

	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "exec-due", lease.ExecutionID)
	require.Equal(t, 2, lease.Attempt)

	none, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, none)

	delayed, err := rdb.ZCard(ctx, retryKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), delayed)
}

func TestPromoteDueDropsUndecodableMember(t *testing.T) {
	ctx := context.Background()
	b, rdb := newBrokerTest(t)

	require.NoError(t, rdb.ZAdd(ctx, retryKey, goredis.Z{Score: 0, Member: "not json"}).Err())
	b.promoteDue(ctx)

	delayed, err := rdb.ZCard(ctx, retryKey).Result()
	require.NoError(t, err)
	require.Zero(t, delayed)
}

func TestBuryAppendsDeadLetter(t *testing.T) {
	ctx := context.Background()
	b, _ := newBrokerTest(t)

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassManual, 3)))
	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.Bury(ctx, lease, "connector rejected request"))

	dead, err := b.Dead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "exec-1", dead[0].ExecutionID)
	require.Equal(t, 3, dead[0].Attempt)
	require.Equal(t, "connector rejected request", dead[0].Cause)
	require.False(t, dead[0].BuriedAt.IsZero())
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	b, _ := newBrokerTest(t)
	now := time.Now().UTC()

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))
	require.NoError(t, b.Append(ctx, entry("exec-2", queue.ClassManual, 1)))
	require.NoError(t, b.AppendDelayed(ctx, entry("exec-3", queue.ClassDefault, 2), now.Add(time.Minute)))

	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, queue.ClassManual, lease.Class)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Depths[queue.ClassDefault])
	require.Zero(t, stats.Depths[queue.ClassManual])
	require.Equal(t, int64(1), stats.InFlight)
	require.Equal(t, int64(1), stats.Delayed)
	require.Zero(t, stats.DeadLettered)

	require.NoError(t, b.Bury(ctx, lease, "boom"))
	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.InFlight)
	require.Equal(t, int64(1), stats.DeadLettered)
}

func TestMaintenanceLoopPromotes(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tick := make(chan time.Time, 1)
	factory := func(ctx context.Context, name string, interval time.Duration) (<-chan time.Time, func(), error) {
		return tick, func() {}, nil
	}
	b, err := New(ctx, rdb, WithTicker(factory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	require.NoError(t, b.AppendDelayed(ctx, entry("exec-1", queue.ClassDefault, 2), time.Now().UTC().Add(-time.Second)))
	require.NoError(t, b.Start(ctx))
	tick <- time.Now()

	require.Eventually(t, func() bool {
		lease, err := b.Claim(ctx, "w1")
		return err == nil && lease != nil && lease.ExecutionID == "exec-1"
	}, 2*time.Second, 10*time.Millisecond)
}
