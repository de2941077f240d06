// Package events publishes execution lifecycle events to a Pulse stream
// so external consumers (UIs, audit pipelines) can follow runs without
// polling the execution store. Publishing is best-effort: a stream
// failure is logged and never fails the execution that produced it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/relaykit/relaykit/telemetry"
)

// StreamName is the Pulse stream carrying execution events.
const StreamName = "relaykit:executions"

// DefaultMaxLen bounds retained stream entries.
const DefaultMaxLen = 10000

// Type names an execution lifecycle event.
type Type string

const (
	ExecutionStarted   Type = "execution_started"
	NodeStarted        Type = "node_started"
	NodeCompleted      Type = "node_completed"
	ExecutionCompleted Type = "execution_completed"
	ExecutionFailed    Type = "execution_failed"
	ExecutionWaiting   Type = "execution_waiting"
)

// Event is the published envelope.
type Event struct {
	Type           Type            `json:"type"`
	ExecutionID    string          `json:"executionId"`
	WorkflowID     string          `json:"workflowId"`
	OrganizationID string          `json:"organizationId"`
	NodeID         string          `json:"nodeId,omitempty"`
	At             time.Time       `json:"at"`
	Detail         json.RawMessage `json:"detail,omitempty"`
}

// Publisher writes events to the stream. A nil Publisher is valid and
// publishes nothing, which is how single-process deployments without
// Redis run.
type Publisher struct {
	stream *streaming.Stream
	logger telemetry.Logger
	now    func() time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	maxLen int
	logger telemetry.Logger
	now    func() time.Time
}

// WithMaxLen overrides the retained entry bound.
func WithMaxLen(n int) PublisherOption {
	return func(c *publisherConfig) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) PublisherOption {
	return func(c *publisherConfig) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) PublisherOption {
	return func(c *publisherConfig) { c.now = now }
}

// NewPublisher opens the execution event stream on the given Redis
// connection.
func NewPublisher(rdb *redis.Client, opts ...PublisherOption) (*Publisher, error) {
	if rdb == nil {
		return nil, errors.New("events: redis client is required")
	}
	cfg := publisherConfig{
		maxLen: DefaultMaxLen,
		logger: telemetry.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	stream, err := streaming.NewStream(StreamName, rdb, streamopts.WithStreamMaxLen(cfg.maxLen))
	if err != nil {
		return nil, fmt.Errorf("events: open stream: %w", err)
	}
	return &Publisher{stream: stream, logger: cfg.logger, now: cfg.now}, nil
}

// Publish appends the event to the stream. Best-effort: failures are
// logged and swallowed so execution progress never depends on the event
// stream. Safe on a nil receiver.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = p.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn(ctx, "encode execution event", "type", string(ev.Type), "err", err)
		return
	}
	if _, err := p.stream.Add(ctx, string(ev.Type), payload); err != nil {
		p.logger.Warn(ctx, "publish execution event",
			"type", string(ev.Type), "execution_id", ev.ExecutionID, "err", err)
	}
}

// Subscriber consumes the execution event stream through a named sink
// (consumer group), acking events as they are handed to the caller.
type Subscriber struct {
	rdb    *redis.Client
	buffer int
	logger telemetry.Logger
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithBuffer overrides the event channel capacity.
func WithBuffer(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithSubscriberLogger sets the logger. Defaults to a no-op logger.
func WithSubscriberLogger(l telemetry.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// NewSubscriber builds a subscriber over the given Redis connection.
func NewSubscriber(rdb *redis.Client, opts ...SubscriberOption) (*Subscriber, error) {
	if rdb == nil {
		return nil, errors.New("events: redis client is required")
	}
	s := &Subscriber{rdb: rdb, buffer: 64, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Subscribe opens the sink and returns event and error channels plus a
// cancel function that stops consumption and closes both. Decode
// failures are reported on the error channel and end the subscription.
func (s *Subscriber) Subscribe(ctx context.Context, sinkName string) (<-chan Event, <-chan error, context.CancelFunc, error) {
	stream, err := streaming.NewStream(StreamName, s.rdb)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("events: open stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, sinkName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("events: open sink %q: %w", sinkName, err)
	}

	out := make(chan Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

func (s *Subscriber) consume(ctx context.Context, sink *streaming.Sink, out chan<- Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var decoded Event
			if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
				errs <- fmt.Errorf("events: decode payload: %w", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- decoded:
			}
			if err := sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
				s.logger.Warn(ctx, "ack execution event", "event_id", evt.ID, "err", err)
			}
		}
	}
}
