package relaykit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relaykit/relaykit/config"
	"github.com/relaykit/relaykit/connector"
	"github.com/relaykit/relaykit/events"
	"github.com/relaykit/relaykit/execution"
)

var (
	testRedisAddr      string
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("docker not available, redis integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisAddr = host + ":" + port.Port()
			}
		}
	}

	code := m.Run()

	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// redisURL skips the test when Docker is unavailable and flushes the
// database for isolation.
func redisURL(t *testing.T) string {
	t.Helper()
	if skipIntegration {
		t.Skip("docker not available, skipping redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	defer rdb.Close()
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	return "redis://" + testRedisAddr
}

// TestPlatformRedisModeEndToEnd drives a manual run through the shared
// Redis backends: the stream-backed queue, the replicated heartbeat
// map, the redis leader lock, and the execution event stream.
func TestPlatformRedisModeEndToEnd(t *testing.T) {
	url := redisURL(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.RedisURL = url
	cfg.SchedulerStrategy = config.StrategyRedis
	cfg.SingleProcess = false

	p, err := New(ctx, cfg, WithInvoker(okInvoker()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	sub, err := events.NewSubscriber(p.rdb)
	require.NoError(t, err)
	evCh, _, stopSub, err := sub.Subscribe(ctx, "integration-sink")
	require.NoError(t, err)
	t.Cleanup(stopSub)

	go func() { _ = p.pool.Run(ctx) }()
	require.NoError(t, p.pool.WaitReady(ctx, 5*time.Second))

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	auth := bearer(t, cfg.JWTSecret, "org-1", "user-1")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/executions", strings.NewReader(`{"workflowId":"wf-welcome"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	deadline := time.Now().Add(15 * time.Second)
	var final execution.Record
	for {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/executions/"+created.ExecutionID, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", auth)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(res.Body).Decode(&final))
		res.Body.Close()
		if final.Status.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.Equal(t, execution.StatusCompleted, final.Status)

	// The lifecycle events for this run arrive on the shared stream.
	seen := map[events.Type]bool{}
	waitEvents := time.After(10 * time.Second)
	for !(seen[events.ExecutionStarted] && seen[events.ExecutionCompleted]) {
		select {
		case ev := <-evCh:
			if ev.ExecutionID == created.ExecutionID {
				seen[ev.Type] = true
			}
		case <-waitEvents:
			t.Fatalf("lifecycle events not observed, saw %v", seen)
		}
	}

	// Worker heartbeats land in the replicated map and surface on the
	// public probe.
	res, err = http.Get(srv.URL + "/production/queue/heartbeat")
	require.NoError(t, err)
	var probe struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&probe))
	res.Body.Close()
	require.Equal(t, "pass", probe.Status)
}

func failingInvoker() connector.Invoker {
	return connector.InvokerFunc(func(ctx context.Context, req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return &connector.InvokeResponse{
			Error: &connector.CallError{StatusCode: 400, Message: "no such channel"},
		}, nil
	})
}

// TestPlatformRedisDeadLetters exercises the redis broker burial path:
// a provider rejection fails the run without retries and the entry
// lands in the dead letter buffer.
func TestPlatformRedisDeadLetters(t *testing.T) {
	url := redisURL(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.RedisURL = url
	cfg.SchedulerStrategy = config.StrategyRedis
	cfg.SingleProcess = false

	p, err := New(ctx, cfg, WithInvoker(failingInvoker()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	go func() { _ = p.pool.Run(ctx) }()
	require.NoError(t, p.pool.WaitReady(ctx, 5*time.Second))

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	auth := bearer(t, cfg.JWTSecret, "org-1", "user-1")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/executions", strings.NewReader(`{"workflowId":"wf-welcome"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	res.Body.Close()

	deadline := time.Now().Add(30 * time.Second)
	var final execution.Record
	for {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/executions/"+created.ExecutionID, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", auth)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(res.Body).Decode(&final))
		res.Body.Close()
		if final.Status == execution.StatusFailed || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Equal(t, execution.StatusFailed, final.Status)
	require.NotEmpty(t, final.Error)

	stats, err := p.queue.Stats(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.DeadLettered, int64(1))
}

// flakyInvoker fails its first call with a retryable provider error and
// succeeds afterwards.
func flakyInvoker() connector.Invoker {
	var calls atomic.Int64
	return connector.InvokerFunc(func(ctx context.Context, req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		if calls.Add(1) == 1 {
			return &connector.InvokeResponse{
				Error: &connector.CallError{StatusCode: 503, Message: "provider overloaded"},
			}, nil
		}
		return &connector.InvokeResponse{Success: true, Data: json.RawMessage(`{"delivered":true}`)}, nil
	})
}

// TestPlatformRedisRetryRedelivery drives the redis broker retry path end
// to end: a retryable provider failure parks the entry in the delay set,
// the maintenance loop promotes it back onto the stream, and the second
// attempt completes the run.
func TestPlatformRedisRetryRedelivery(t *testing.T) {
	url := redisURL(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.RedisURL = url
	cfg.SchedulerStrategy = config.StrategyRedis
	cfg.SingleProcess = false

	p, err := New(ctx, cfg, WithInvoker(flakyInvoker()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	go func() { _ = p.pool.Run(ctx) }()
	require.NoError(t, p.pool.WaitReady(ctx, 5*time.Second))

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	auth := bearer(t, cfg.JWTSecret, "org-1", "user-1")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/executions", strings.NewReader(`{"workflowId":"wf-welcome"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	// The retry waits out the backoff delay plus a maintenance tick
	// before the second attempt can run.
	deadline := time.Now().Add(45 * time.Second)
	var final execution.Record
	for {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/executions/"+created.ExecutionID, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", auth)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(res.Body).Decode(&final))
		res.Body.Close()
		if final.Status.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.Equal(t, execution.StatusCompleted, final.Status)
	require.Equal(t, 2, final.Attempt)
}
