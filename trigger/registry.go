package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/pulse/rmap"

	"github.com/relaykit/relaykit/dedupe"
	"github.com/relaykit/relaykit/telemetry"
)

// Marks is the subset of rmap.Map used for cross-node cache
// invalidation. It is defined here so the registry stays unit-testable
// without Redis; *rmap.Map satisfies it.
type Marks interface {
	Set(ctx context.Context, key, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
	Unsubscribe(c <-chan rmap.EventKind)
}

// Registered is the handle returned by Register: the public endpoint
// path for webhook triggers, the schedule handle for the rest.
type Registered struct {
	TriggerID      string `json:"triggerId"`
	Endpoint       string `json:"endpoint,omitempty"`
	ScheduleHandle string `json:"scheduleHandle,omitempty"`
}

// PollState carries the scheduler's per-tick mutations of a polling
// trigger.
type PollState struct {
	Cursor       string
	NextPollAt   time.Time
	LastPollAt   time.Time
	BackoffCount int
	LastStatus   string
}

type (
	// Registry keeps a process-local cache of trigger records over a
	// durable Store. Writes go through the store first, then the cache.
	// When a Marks map is configured, every mutation publishes a change
	// mark and peer nodes reload their cache on observing it.
	Registry struct {
		store  Store
		dedupe dedupe.Store
		marks  Marks
		logger telemetry.Logger
		now    func() time.Time

		mu        sync.RWMutex
		byID      map[string]*Record
		byWebhook map[string]string

		closeCh   chan struct{}
		closeOnce sync.Once
		wg        sync.WaitGroup
	}

	// RegistryOption configures optional registry collaborators.
	RegistryOption func(*Registry)
)

// WithDedupe wires the dedupe store seeded during Rehydrate.
func WithDedupe(d dedupe.Store) RegistryOption {
	return func(r *Registry) { r.dedupe = d }
}

// WithMarks wires the replicated map used for cross-node cache
// invalidation. Single-process deployments leave it unset.
func WithMarks(m Marks) RegistryOption {
	return func(r *Registry) { r.marks = m }
}

// WithLogger sets the logger used by the background watch loop.
func WithLogger(l telemetry.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// markKeyPrefix namespaces registry change marks in the replicated map.
const markKeyPrefix = "trigger:mark:"

// NewRegistry creates a registry over the given store. When a Marks map
// is configured a background watcher reloads the cache on peer changes;
// Close stops it.
func NewRegistry(store Store, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("trigger: store is required")
	}
	r := &Registry{
		store:     store,
		logger:    telemetry.NewNoopLogger(),
		now:       time.Now,
		byID:      make(map[string]*Record),
		byWebhook: make(map[string]string),
		closeCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.marks != nil {
		r.wg.Add(1)
		go r.watchMarks()
	}
	return r, nil
}

// Close stops the mark watcher. Safe to call more than once.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	r.wg.Wait()
	return nil
}

// Register validates and persists a trigger, then publishes it to the
// cache. The record's ID and webhook id are generated when absent.
func (r *Registry) Register(ctx context.Context, rec *Record) (*Registered, error) {
	if rec == nil {
		return nil, fmt.Errorf("trigger: record is required")
	}
	if rec.WorkflowID == "" || rec.OrganizationID == "" {
		return nil, fmt.Errorf("trigger: workflow and organization ids are required")
	}
	if !rec.Kind.Valid() {
		return nil, fmt.Errorf("trigger: unknown kind %q", rec.Kind)
	}
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Active = true

	switch rec.Kind {
	case KindWebhook:
		if rec.WebhookID == "" {
			rec.WebhookID = uuid.NewString()
		}
		r.mu.RLock()
		taken := false
		if id, ok := r.byWebhook[rec.WebhookID]; ok {
			if cur, ok := r.byID[id]; ok && cur.Active {
				taken = true
			}
		}
		r.mu.RUnlock()
		if taken {
			return nil, ErrEndpointTaken
		}
	case KindPolling:
		if rec.IntervalMs <= 0 && rec.Schedule == "" {
			return nil, fmt.Errorf("trigger: polling trigger needs an interval or schedule")
		}
		if rec.NextPollAt == nil {
			rec.NextPollAt = &now
		}
	case KindSchedule:
		if rec.Schedule == "" {
			return nil, fmt.Errorf("trigger: schedule trigger needs a cron expression")
		}
		if rec.NextPollAt == nil {
			rec.NextPollAt = &now
		}
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	r.publish(rec)
	r.mark(ctx, rec.ID)

	reg := &Registered{TriggerID: rec.ID}
	if rec.Kind == KindWebhook {
		reg.Endpoint = "/webhooks/" + rec.WebhookID
	} else {
		reg.ScheduleHandle = rec.ID
	}
	return reg, nil
}

// Deactivate flips a trigger inactive, durably and in cache. Events for
// the trigger are rejected from the moment the cache observes the flip.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Active {
		return nil
	}
	rec.Active = false
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.Update(ctx, rec); err != nil {
		return err
	}
	r.publish(rec)
	r.mark(ctx, id)
	return nil
}

// Get retrieves a trigger by id, from cache when possible.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.publish(rec)
	return rec.Clone(), nil
}

// Lookup resolves a webhook id to its trigger record. Inactive records
// are returned so ingress can audit the rejection.
func (r *Registry) Lookup(ctx context.Context, webhookID string) (*Record, error) {
	r.mu.RLock()
	id, ok := r.byWebhook[webhookID]
	var rec *Record
	if ok {
		rec = r.byID[id]
	}
	r.mu.RUnlock()
	if rec != nil {
		return rec.Clone(), nil
	}
	found, err := r.store.GetByWebhookID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	r.publish(found)
	return found.Clone(), nil
}

// ListActive returns the cached active triggers of the given kind,
// every kind when kind is empty, ordered by id.
func (r *Registry) ListActive(_ context.Context, kind Kind) ([]*Record, error) {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		if !rec.Active {
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Due returns active polling triggers due at or before now, oldest
// first. It reads the store, not the cache, so peer scheduler updates
// are observed.
func (r *Registry) Due(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	recs, err := r.store.ListDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		r.publish(rec)
	}
	out := make([]*Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out, nil
}

// AdvancePoll applies the scheduler's poll-state mutation. NextPollAt
// never regresses: an earlier value than the stored one is clamped.
func (r *Registry) AdvancePoll(ctx context.Context, id string, st PollState) (*Record, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := st.NextPollAt
	if rec.NextPollAt != nil && rec.NextPollAt.After(next) {
		next = *rec.NextPollAt
	}
	rec.NextPollAt = &next
	last := st.LastPollAt
	rec.LastPollAt = &last
	rec.Cursor = st.Cursor
	rec.BackoffCount = st.BackoffCount
	rec.LastStatus = st.LastStatus
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	r.publish(rec)
	return rec.Clone(), nil
}

// RecordDedupeToken persists a dedupe token on the trigger record so a
// restarted in-process dedupe store can be reseeded by Rehydrate.
func (r *Registry) RecordDedupeToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	return r.store.SaveDedupeToken(ctx, id, token, expiresAt)
}

// Rehydrate replaces the cache with every active trigger from the
// store and replays persisted dedupe tokens that have not expired into
// the dedupe store. Called once at startup before serving traffic.
func (r *Registry) Rehydrate(ctx context.Context) error {
	recs, err := r.store.ListActive(ctx, "")
	if err != nil {
		return fmt.Errorf("trigger: rehydrate: %w", err)
	}

	byID := make(map[string]*Record, len(recs))
	byWebhook := make(map[string]string)
	for _, rec := range recs {
		cp := rec.Clone()
		byID[cp.ID] = cp
		if cp.Kind == KindWebhook && cp.WebhookID != "" {
			byWebhook[cp.WebhookID] = cp.ID
		}
	}
	r.mu.Lock()
	r.byID = byID
	r.byWebhook = byWebhook
	r.mu.Unlock()

	if r.dedupe == nil {
		return nil
	}
	now := r.now()
	for _, rec := range recs {
		scope := rec.DedupeScope()
		for token, expiresAtMs := range rec.DedupeState {
			expiresAt := time.UnixMilli(expiresAtMs)
			remaining := expiresAt.Sub(now)
			if remaining <= 0 {
				continue
			}
			if _, err := r.dedupe.RecordIfAbsent(ctx, scope, token, remaining); err != nil {
				return fmt.Errorf("trigger: seed dedupe for %s: %w", rec.ID, err)
			}
		}
	}
	return nil
}

// publish inserts or replaces a record in the cache.
func (r *Registry) publish(rec *Record) {
	cp := rec.Clone()
	r.mu.Lock()
	r.byID[cp.ID] = cp
	if cp.Kind == KindWebhook && cp.WebhookID != "" {
		// Inactive records stay mapped so Lookup can report them and
		// ingress audits the rejection; ingress checks Active itself.
		r.byWebhook[cp.WebhookID] = cp.ID
	}
	r.mu.Unlock()
}

// mark publishes a change mark for peer nodes. Failures are logged and
// otherwise ignored: the durable store is already correct and peers
// converge on their next reload.
func (r *Registry) mark(ctx context.Context, id string) {
	if r.marks == nil {
		return
	}
	if _, err := r.marks.Set(ctx, markKeyPrefix+id, fmt.Sprintf("%d", r.now().UnixMilli())); err != nil {
		r.logger.Warn(ctx, "trigger: publish change mark", "triggerID", id, "err", err)
	}
}

// watchMarks reloads the cache whenever a peer publishes a change mark.
func (r *Registry) watchMarks() {
	defer r.wg.Done()
	events := r.marks.Subscribe()
	defer r.marks.Unsubscribe(events)

	for {
		select {
		case <-r.closeCh:
			return
		case <-events:
			ctx := context.Background()
			if err := r.Rehydrate(ctx); err != nil {
				r.logger.Error(ctx, "trigger: reload after change mark", "err", err)
			}
		}
	}
}
