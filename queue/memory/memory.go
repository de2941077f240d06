// Package memory provides an in-process queue broker for single-process
// deployments and tests.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/queue"
)

// Broker is an in-memory queue.Broker: one min-heap per priority class
// ordered by ready time, plus a lease table for claimed entries. Expired
// leases flow back to their heap on the next Claim.
type Broker struct {
	mu         sync.Mutex
	heaps      map[queue.Class]*entryHeap
	leases     map[string]*heldLease
	dead       []*queue.DeadEntry
	seq        uint64
	visibility time.Duration
	now        func() time.Time
}

var _ queue.Broker = (*Broker)(nil)

type heldLease struct {
	entry    queue.Entry
	consumer string
	deadline time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithVisibility overrides the visibility timeout.
func WithVisibility(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.visibility = d
		}
	}
}

// New returns an empty in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		heaps:      make(map[queue.Class]*entryHeap),
		leases:     make(map[string]*heldLease),
		visibility: queue.DefaultVisibility,
		now:        time.Now,
	}
	for _, c := range queue.Classes() {
		h := &entryHeap{}
		heap.Init(h)
		b.heaps[c] = h
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append makes the entry claimable now.
func (b *Broker) Append(ctx context.Context, entry *queue.Entry) error {
	return b.AppendDelayed(ctx, entry, b.now())
}

// AppendDelayed makes the entry claimable at readyAt.
func (b *Broker) AppendDelayed(ctx context.Context, entry *queue.Entry, readyAt time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.heaps[entry.Class]
	if !ok {
		h = &entryHeap{}
		heap.Init(h)
		b.heaps[entry.Class] = h
	}
	b.seq++
	heap.Push(h, &queued{entry: *entry, readyAt: readyAt, seq: b.seq})
	return nil
}

// Claim returns the oldest ready entry, scanning classes in priority order.
func (b *Broker) Claim(ctx context.Context, consumer string) (*queue.Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.recoverExpiredLocked(now)
	for _, class := range queue.Classes() {
		h := b.heaps[class]
		if h.Len() == 0 || (*h)[0].readyAt.After(now) {
			continue
		}
		q := heap.Pop(h).(*queued)
		id := uuid.NewString()
		deadline := now.Add(b.visibility)
		b.leases[id] = &heldLease{entry: q.entry, consumer: consumer, deadline: deadline}
		return &queue.Lease{Entry: q.entry, ID: id, Consumer: consumer, Deadline: deadline}, nil
	}
	return nil, nil
}

// recoverExpiredLocked requeues entries whose lease deadline passed. The
// attempt count is untouched: visibility expiry is a redelivery, not a nack.
func (b *Broker) recoverExpiredLocked(now time.Time) {
	for id, l := range b.leases {
		if l.deadline.After(now) {
			continue
		}
		delete(b.leases, id)
		h := b.heaps[l.entry.Class]
		b.seq++
		heap.Push(h, &queued{entry: l.entry, readyAt: now, seq: b.seq})
	}
}

// Extend pushes the lease deadline out by the visibility timeout.
func (b *Broker) Extend(ctx context.Context, lease *queue.Lease) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[lease.ID]
	if !ok || l.consumer != lease.Consumer {
		return queue.ErrLeaseExpired
	}
	l.deadline = b.now().Add(b.visibility)
	lease.Deadline = l.deadline
	return nil
}

// Ack retires a claimed entry. Acking a lease that already expired or was
// settled is a no-op.
func (b *Broker) Ack(ctx context.Context, lease *queue.Lease) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leases, lease.ID)
	return nil
}

// Bury moves the entry to the dead letter buffer.
func (b *Broker) Bury(ctx context.Context, lease *queue.Lease, cause string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leases, lease.ID)
	b.dead = append(b.dead, &queue.DeadEntry{Entry: lease.Entry, Cause: cause, BuriedAt: b.now().UTC()})
	return nil
}

// Stats reports current depths.
func (b *Broker) Stats(ctx context.Context) (*queue.Stats, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	stats := &queue.Stats{Depths: make(map[queue.Class]int64, len(b.heaps))}
	for class, h := range b.heaps {
		var ready int64
		for _, q := range *h {
			if q.readyAt.After(now) {
				stats.Delayed++
				continue
			}
			ready++
		}
		stats.Depths[class] = ready
	}
	stats.InFlight = int64(len(b.leases))
	stats.DeadLettered = int64(len(b.dead))
	return stats, nil
}

// Dead returns a snapshot of the dead letter buffer, oldest first.
func (b *Broker) Dead() []*queue.DeadEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*queue.DeadEntry, len(b.dead))
	copy(out, b.dead)
	return out
}

// Close is a no-op for the in-memory broker.
func (b *Broker) Close(ctx context.Context) error {
	return nil
}

// Reset drops all state. Intended for tests.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range queue.Classes() {
		h := &entryHeap{}
		heap.Init(h)
		b.heaps[c] = h
	}
	b.leases = make(map[string]*heldLease)
	b.dead = nil
	b.seq = 0
}

type queued struct {
	entry   queue.Entry
	readyAt time.Time
	seq     uint64
}

// entryHeap orders by ready time, breaking ties by insertion order so
// same-time entries stay FIFO.
type entryHeap []*queued

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
