package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/pulse/rmap"
)

// Beat is one worker's latest heartbeat.
type Beat struct {
	WorkerID   string    `json:"workerId"`
	Type       string    `json:"type"`
	LastBeatAt time.Time `json:"lastBeatAt"`
	Stale      bool      `json:"stale"`
}

// Beats is the shared heartbeat map. Workers write their own entry;
// monitors read all of them.
type Beats interface {
	// Set records a beat for the worker.
	Set(ctx context.Context, workerID, workerType string, at time.Time) error
	// All returns every recorded beat.
	All(ctx context.Context) ([]Beat, error)
}

// beatValue is the stored map value.
type beatValue struct {
	Type       string `json:"type"`
	LastBeatMs int64  `json:"lastBeatMs"`
}

func encodeBeat(workerType string, at time.Time) (string, error) {
	raw, err := json.Marshal(beatValue{Type: workerType, LastBeatMs: at.UnixMilli()})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeBeat(workerID, raw string) (Beat, error) {
	var v beatValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Beat{}, fmt.Errorf("worker: decode beat for %s: %w", workerID, err)
	}
	return Beat{
		WorkerID:   workerID,
		Type:       v.Type,
		LastBeatAt: time.UnixMilli(v.LastBeatMs).UTC(),
	}, nil
}

// RmapBeats stores beats in a Pulse replicated map so every node sees
// every worker.
type RmapBeats struct {
	m *rmap.Map
}

var _ Beats = (*RmapBeats)(nil)

// NewRmapBeats wraps an already-joined replicated map.
func NewRmapBeats(m *rmap.Map) *RmapBeats {
	return &RmapBeats{m: m}
}

// HeartbeatMapName is the replicated map carrying worker heartbeats.
const HeartbeatMapName = "relaykit:heartbeats"

// Set records a beat.
func (b *RmapBeats) Set(ctx context.Context, workerID, workerType string, at time.Time) error {
	val, err := encodeBeat(workerType, at)
	if err != nil {
		return err
	}
	if _, err := b.m.Set(ctx, workerID, val); err != nil {
		return fmt.Errorf("worker: set heartbeat: %w", err)
	}
	return nil
}

// All returns every beat in the map. Undecodable entries are skipped.
func (b *RmapBeats) All(_ context.Context) ([]Beat, error) {
	keys := b.m.Keys()
	out := make([]Beat, 0, len(keys))
	for _, workerID := range keys {
		raw, ok := b.m.Get(workerID)
		if !ok {
			continue
		}
		beat, err := decodeBeat(workerID, raw)
		if err != nil {
			continue
		}
		out = append(out, beat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// MemoryBeats is the in-process fallback for single-node deployments
// without Redis.
type MemoryBeats struct {
	mu      sync.Mutex
	entries map[string]string
}

var _ Beats = (*MemoryBeats)(nil)

// NewMemoryBeats creates an empty in-process heartbeat map.
func NewMemoryBeats() *MemoryBeats {
	return &MemoryBeats{entries: make(map[string]string)}
}

// Set records a beat.
func (b *MemoryBeats) Set(ctx context.Context, workerID, workerType string, at time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	val, err := encodeBeat(workerType, at)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.entries[workerID] = val
	b.mu.Unlock()
	return nil
}

// All returns every beat.
func (b *MemoryBeats) All(_ context.Context) ([]Beat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Beat, 0, len(b.entries))
	for workerID, raw := range b.entries {
		beat, err := decodeBeat(workerID, raw)
		if err != nil {
			continue
		}
		out = append(out, beat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
