package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/queue"
)

func entry(id string, class queue.Class, attempt int) *queue.Entry {
	return &queue.Entry{
		ExecutionID:    id,
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		Class:          class,
		Attempt:        attempt,
	}
}

func TestClaimFIFOWithinClass(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))
	require.NoError(t, b.Append(ctx, entry("exec-2", queue.ClassDefault, 1)))

	first, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "exec-1", first.ExecutionID)

	second, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "exec-2", second.ExecutionID)

	third, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestClaimPriorityOrder(t *testing.T) {
	ctx := context.Background()
	b := New()

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

func TestDelayedEntryNotClaimableUntilDue(t *testing.T) {
	ctx := context.Background()
	b := New()
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	require.NoError(t, b.AppendDelayed(ctx, entry("exec-1", queue.ClassDefault, 2), current.Add(30*time.Second)))

	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, lease)

	current = current.Add(31 * time.Second)
	lease, err = b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, 2, lease.Attempt)
}

func TestVisibilityExpiryRequeuesSameAttempt(t *testing.T) {
	ctx := context.Background()
	b := New(WithVisibility(time.Minute))
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))

	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Still leased, nothing to claim.
	current = current.Add(30 * time.Second)
	other, err := b.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, other)

	current = current.Add(31 * time.Second)
	recovered, err := b.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.Equal(t, "exec-1", recovered.ExecutionID)
	require.Equal(t, 1, recovered.Attempt)
	require.Equal(t, "w2", recovered.Consumer)

	// The original lease is gone.
	require.ErrorIs(t, b.Extend(ctx, lease), queue.ErrLeaseExpired)
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	b := New(WithVisibility(time.Minute))
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))
	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)

	current = current.Add(50 * time.Second)
	require.NoError(t, b.Extend(ctx, lease))
	require.Equal(t, current.Add(time.Minute), lease.Deadline)

	current = current.Add(50 * time.Second)
	other, err := b.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestExtendWrongConsumer(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))
	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)

	forged := *lease
	forged.Consumer = "w2"
	require.ErrorIs(t, b.Extend(ctx, &forged), queue.ErrLeaseExpired)
}

func TestAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 1)))
	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, lease))
	require.NoError(t, b.Ack(ctx, lease))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.InFlight)
	require.Zero(t, stats.Depths[queue.ClassDefault])
}

func TestBuryRecordsDeadEntry(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Append(ctx, entry("exec-1", queue.ClassDefault, 3)))
	lease, err := b.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.Bury(ctx, lease, "connector returned 500"))

	dead := b.Dead()
	require.Len(t, dead, 1)
	require.Equal(t, "exec-1", dead[0].ExecutionID)
	require.Equal(t, 3, dead[0].Attempt)
	require.Equal(t, "connector returned 500", dead[0].Cause)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.DeadLettered)
	require.Zero(t, stats.InFlight)
}

func TestStatsCountsDelayedSeparately(t *testing.T) {
	ctx := context.Background()
	b := New()
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	require.NoError(t, b.Append(ctx, entry("exec-ready", queue.ClassDefault, 1)))
	require.NoError(t, b.AppendDelayed(ctx, entry("exec-later", queue.ClassDefault, 2), current.Add(time.Minute)))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Depths[queue.ClassDefault])
	require.Equal(t, int64(1), stats.Delayed)
}

func TestClaimCancelledContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Claim(ctx, "w1")
	require.ErrorIs(t, err, context.Canceled)
}
