// Package redis provides the Redis-backed queue broker. Each priority class
// is a Redis Stream read through a shared consumer group; retry delays live
// in a sorted set promoted by a maintenance loop, and dead-lettered entries
// land in their own stream.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/lock"
	"github.com/relaykit/relaykit/queue"
	"github.com/relaykit/relaykit/telemetry"
)

const (
	streamPrefix = "relaykit:queue:"
	groupName    = "relaykit-workers"
	retryKey     = "relaykit:queue:retry"
	dlqKey       = "relaykit:queue:dlq"

	// maintenanceResource guards the retry promotion loop so only one node
	// promotes at a time even without a distributed ticker.
	maintenanceResource = "queue:maintenance"

	// DefaultMaintenanceInterval is how often due retries are promoted.
	DefaultMaintenanceInterval = 5 * time.Second

	promoteBatch    = 100
	recoverScan     = 16
	decodeBudget    = 4
	promoteMaxLoops = 10
)

// TickerFactory produces the tick source for the maintenance loop. The
// returned stop function releases the ticker.
type TickerFactory func(ctx context.Context, name string, interval time.Duration) (<-chan time.Time, func(), error)

// LocalTicker returns a process-local ticker. It is the default; the lock
// keeps concurrent nodes from promoting twice.
func LocalTicker() TickerFactory {
	return func(ctx context.Context, name string, interval time.Duration) (<-chan time.Time, func(), error) {
		t := time.NewTicker(interval)
		return t.C, t.Stop, nil
	}
}

// Broker is a queue.Broker backed by Redis Streams.
type Broker struct {
	rdb        *redis.Client
	logger     telemetry.Logger
	visibility time.Duration
	interval   time.Duration
	locks      lock.Service
	newTicker  TickerFactory
	now        func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

var _ queue.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithVisibility overrides the visibility timeout used for idle recovery.
func WithVisibility(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.visibility = d
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithLock guards the maintenance loop with the given lock service.
func WithLock(svc lock.Service) Option {
	return func(b *Broker) { b.locks = svc }
}

// WithTicker overrides the maintenance tick source, typically with a Pulse
// pool distributed ticker so one node ticks per interval.
func WithTicker(factory TickerFactory) Option {
	return func(b *Broker) { b.newTicker = factory }
}

// WithMaintenanceInterval overrides the retry promotion cadence.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.interval = d
		}
	}
}

// New creates the class streams and their consumer group and returns the
// broker. Call Start to run the maintenance loop and Close to stop it.
func New(ctx context.Context, rdb *redis.Client, opts ...Option) (*Broker, error) {
	if rdb == nil {
		return nil, errors.New("queue: redis client is required")
	}
	b := &Broker{
		rdb:        rdb,
		logger:     telemetry.NewNoopLogger(),
		visibility: queue.DefaultVisibility,
		interval:   DefaultMaintenanceInterval,
		newTicker:  LocalTicker(),
		now:        time.Now,
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, class := range queue.Classes() {
		err := rdb.XGroupCreateMkStream(ctx, streamKey(class), groupName, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("queue: create consumer group for %s: %w", class, err)
		}
	}
	return b, nil
}

// Start launches the maintenance loop that promotes due retries. Safe to
// call once; subsequent calls are no-ops.
func (b *Broker) Start(ctx context.Context) error {
	var startErr error
	b.startOnce.Do(func() {
		tick, stop, err := b.newTicker(ctx, maintenanceResource, b.interval)
		if err != nil {
			startErr = fmt.Errorf("queue: create maintenance ticker: %w", err)
			return
		}
		b.wg.Add(1)
		go b.maintain(tick, stop)
	})
	return startErr
}

func (b *Broker) maintain(tick <-chan time.Time, stop func()) {
	defer b.wg.Done()
	defer stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-tick:
			ctx := context.Background()
			if b.locks != nil {
				lease, err := b.locks.Acquire(ctx, maintenanceResource, 2*b.interval)
				if err != nil {
					b.logger.Warn(ctx, "queue maintenance lock", "err", err)
					continue
				}
				if lease == nil {
					continue
				}
				b.promoteDue(ctx)
				if err := b.locks.Release(ctx, lease); err != nil {
					b.logger.Warn(ctx, "release queue maintenance lock", "err", err)
				}
				continue
			}
			b.promoteDue(ctx)
		}
	}
}

// promoteDue moves retry entries whose backoff elapsed onto their class
// stream. Promotion is not atomic with removal; a crash in between means a
// second promotion later, which the attempt check on dequeue absorbs.
func (b *Broker) promoteDue(ctx context.Context) {
	max := strconv.FormatInt(b.now().UTC().UnixMilli(), 10)
	for i := 0; i < promoteMaxLoops; i++ {
		members, err := b.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
			Min: "-inf", Max: max, Offset: 0, Count: promoteBatch,
		}).Result()
		if err != nil {
			b.logger.Warn(ctx, "scan retry set", "err", err)
			return
		}
		if len(members) == 0 {
			return
		}
		for _, member := range members {
			var entry queue.Entry
			if err := json.Unmarshal([]byte(member), &entry); err != nil || !entry.Class.Valid() {
				b.logger.Error(ctx, "drop undecodable retry entry", "err", err)
				b.rdb.ZRem(ctx, retryKey, member)
				continue
			}
			if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: streamKey(entry.Class),
				Values: map[string]any{"entry": member},
			}).Err(); err != nil {
				b.logger.Warn(ctx, "promote retry entry", "execution_id", entry.ExecutionID, "err", err)
				continue
			}
			b.rdb.ZRem(ctx, retryKey, member)
		}
		if len(members) < promoteBatch {
			return
		}
	}
}

// Append adds the entry to its class stream.
func (b *Broker) Append(ctx context.Context, entry *queue.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: encode entry: %w", err)
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(entry.Class),
		Values: map[string]any{"entry": string(payload)},
	}).Err()
}

// AppendDelayed parks the entry in the retry set until readyAt.
func (b *Broker) AppendDelayed(ctx context.Context, entry *queue.Entry, readyAt time.Time) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: encode entry: %w", err)
	}
	return b.rdb.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(readyAt.UTC().UnixMilli()),
		Member: string(payload),
	}).Err()
}

// Claim returns the next entry in priority order: first any entry whose
// holder went idle past the visibility timeout, then the oldest unread one.
func (b *Broker) Claim(ctx context.Context, consumer string) (*queue.Lease, error) {
	for _, class := range queue.Classes() {
		if lease, err := b.claimIdle(ctx, class, consumer); err != nil {
			return nil, err
		} else if lease != nil {
			return lease, nil
		}
		if lease, err := b.readNew(ctx, class, consumer); err != nil {
			return nil, err
		} else if lease != nil {
			return lease, nil
		}
	}
	return nil, nil
}

// claimIdle recovers entries stuck past the visibility timeout.
func (b *Broker) claimIdle(ctx context.Context, class queue.Class, consumer string) (*queue.Lease, error) {
	stream := streamKey(class)
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  groupName,
		Start:  "-",
		End:    "+",
		Count:  recoverScan,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan pending %s: %w", class, err)
	}
	for _, p := range pending {
		if p.Idle < b.visibility {
			continue
		}
		claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    groupName,
			Consumer: consumer,
			MinIdle:  b.visibility,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: claim idle entry: %w", err)
		}
		if len(claimed) == 0 {
			continue
		}
		lease, ok := b.leaseFrom(ctx, class, consumer, claimed[0])
		if !ok {
			continue
		}
		return lease, nil
	}
	return nil, nil
}

// readNew claims the oldest unread entry of the class.
func (b *Broker) readNew(ctx context.Context, class queue.Class, consumer string) (*queue.Lease, error) {
	stream := streamKey(class)
	for i := 0; i < decodeBudget; i++ {
		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: read %s: %w", class, err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			return nil, nil
		}
		lease, ok := b.leaseFrom(ctx, class, consumer, streams[0].Messages[0])
		if !ok {
			continue
		}
		return lease, nil
	}
	return nil, nil
}

// leaseFrom decodes a stream message into a lease. Undecodable messages are
// retired so they cannot wedge the stream.
func (b *Broker) leaseFrom(ctx context.Context, class queue.Class, consumer string, msg redis.XMessage) (*queue.Lease, bool) {
	raw, _ := msg.Values["entry"].(string)
	var entry queue.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		b.logger.Error(ctx, "drop undecodable queue entry", "stream", streamKey(class), "id", msg.ID, "err", err)
		b.rdb.XAck(ctx, streamKey(class), groupName, msg.ID)
		b.rdb.XDel(ctx, streamKey(class), msg.ID)
		return nil, false
	}
	return &queue.Lease{
		Entry:    entry,
		ID:       msg.ID,
		Consumer: consumer,
		Deadline: b.now().UTC().Add(b.visibility),
	}, true
}

// Extend resets the idle clock on the lease's pending entry. The consumer
// check keeps a late heartbeat from stealing an entry another worker already
// recovered.
func (b *Broker) Extend(ctx context.Context, lease *queue.Lease) error {
	stream := streamKey(lease.Class)
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  groupName,
		Start:  lease.ID,
		End:    lease.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: check lease: %w", err)
	}
	if len(pending) == 0 || pending[0].Consumer != lease.Consumer {
		return queue.ErrLeaseExpired
	}
	ids, err := b.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    groupName,
		Consumer: lease.Consumer,
		MinIdle:  0,
		Messages: []string{lease.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: extend lease: %w", err)
	}
	if len(ids) == 0 {
		return queue.ErrLeaseExpired
	}
	lease.Deadline = b.now().UTC().Add(b.visibility)
	return nil
}

// Ack retires the delivered entry. Acking an already-settled lease succeeds.
func (b *Broker) Ack(ctx context.Context, lease *queue.Lease) error {
	stream := streamKey(lease.Class)
	if err := b.rdb.XAck(ctx, stream, groupName, lease.ID).Err(); err != nil {
		return fmt.Errorf("queue: ack entry: %w", err)
	}
	if err := b.rdb.XDel(ctx, stream, lease.ID).Err(); err != nil {
		return fmt.Errorf("queue: delete acked entry: %w", err)
	}
	return nil
}

// Bury moves the entry to the dead letter stream.
func (b *Broker) Bury(ctx context.Context, lease *queue.Lease, cause string) error {
	payload, err := json.Marshal(&lease.Entry)
	if err != nil {
		return fmt.Errorf("queue: encode dead entry: %w", err)
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey,
		Values: map[string]any{
			"entry":     string(payload),
			"cause":     cause,
			"buried_at": b.now().UTC().Format(time.RFC3339Nano),
		},
	}).Err(); err != nil {
		return fmt.Errorf("queue: bury entry: %w", err)
	}
	return b.Ack(ctx, lease)
}

// Dead returns up to limit dead-lettered entries, oldest first.
func (b *Broker) Dead(ctx context.Context, limit int64) ([]*queue.DeadEntry, error) {
	msgs, err := b.rdb.XRangeN(ctx, dlqKey, "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read dead letters: %w", err)
	}
	out := make([]*queue.DeadEntry, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["entry"].(string)
		var entry queue.Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		dead := &queue.DeadEntry{Entry: entry}
		dead.Cause, _ = msg.Values["cause"].(string)
		if at, ok := msg.Values["buried_at"].(string); ok {
			dead.BuriedAt, _ = time.Parse(time.RFC3339Nano, at)
		}
		out = append(out, dead)
	}
	return out, nil
}

// Stats reports stream depths, in-flight counts, delayed retries, and dead
// letters.
func (b *Broker) Stats(ctx context.Context) (*queue.Stats, error) {
	stats := &queue.Stats{Depths: make(map[queue.Class]int64, 3)}
	for _, class := range queue.Classes() {
		stream := streamKey(class)
		depth, err := b.rdb.XLen(ctx, stream).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: stream length %s: %w", class, err)
		}
		pending, err := b.rdb.XPending(ctx, stream, groupName).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: pending count %s: %w", class, err)
		}
		stats.Depths[class] = depth - pending.Count
		if stats.Depths[class] < 0 {
			stats.Depths[class] = 0
		}
		stats.InFlight += pending.Count
	}
	delayed, err := b.rdb.ZCard(ctx, retryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: retry set size: %w", err)
	}
	stats.Delayed = delayed
	dead, err := b.rdb.XLen(ctx, dlqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dead letter size: %w", err)
	}
	stats.DeadLettered = dead
	return stats, nil
}

// Close stops the maintenance loop. The Redis connection stays with the
// caller.
func (b *Broker) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	b.wg.Wait()
	return nil
}

func streamKey(class queue.Class) string {
	return streamPrefix + string(class)
}
