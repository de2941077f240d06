package relaykit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/config"
	"github.com/relaykit/relaykit/connector"
	"github.com/relaykit/relaykit/execution"
)

const platformSeed = `
workflows:
  - id: wf-welcome
    organizationId: org-1
    name: Welcome message
    version: 1
    nodes:
      - id: start
        kind: trigger
        appId: forms
        operationId: submission
      - id: notify
        kind: action
        appId: slack
        operationId: post_message
        parameters:
          channel: "#signups"
    edges:
      - from: start
        to: notify
triggers:
  - id: trig-poll
    workflowId: wf-welcome
    organizationId: org-1
    kind: polling
    appId: crm
    triggerId: poll_contacts
    intervalMs: 60000
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(platformSeed), 0o600))
	return config.Config{
		Port:                          0,
		JWTSecret:                     "platform-secret",
		ResumeTokenSecret:             "resume-secret",
		EnableInlineWorker:            true,
		WorkerCount:                   1,
		WorkerHeartbeatStartupTimeout: 2 * time.Second,
		SchedulerStrategy:             config.StrategyMemory,
		WebhookReplayTolerance:        5 * time.Minute,
		ExecutionTimeout:              time.Minute,
		SingleProcess:                 true,
		SeedFile:                      seedPath,
		Format:                        config.LogAuto,
	}
}

func okInvoker() connector.Invoker {
	return connector.InvokerFunc(func(ctx context.Context, req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return &connector.InvokeResponse{Success: true, Data: json.RawMessage(`{"delivered":true}`)}, nil
	})
}

func bearer(t *testing.T, secret, org, user string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"org_id":  org,
		"user_id": user,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestNewRequiresJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = ""
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "JWT_SECRET")
}

func TestNewMemoryLockRequiresSingleProcess(t *testing.T) {
	cfg := testConfig(t)
	cfg.SingleProcess = false
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SINGLE_PROCESS")
}

func TestPlatformMemoryModeEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	p, err := New(ctx, cfg, WithInvoker(okInvoker()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	// Seeded fixtures are visible through the registry.
	rec, err := p.Triggers().Get(ctx, "trig-poll")
	require.NoError(t, err)
	require.True(t, rec.Active)

	go func() { _ = p.pool.Run(ctx) }()
	require.NoError(t, p.pool.WaitReady(ctx, 2*time.Second))

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	auth := bearer(t, cfg.JWTSecret, "org-1", "user-1")

	res, err := http.Get(srv.URL + "/livez")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/production/queue/heartbeat")
	require.NoError(t, err)
	probe, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(probe), `"status":"pass"`)

	// Manual run of the seeded workflow completes through the inline
	// worker.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/executions", strings.NewReader(`{"workflowId":"wf-welcome"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.NotEmpty(t, created.ExecutionID)

	deadline := time.Now().Add(5 * time.Second)
	var final execution.Record
	for {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/executions/"+created.ExecutionID, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", auth)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.NoError(t, json.NewDecoder(res.Body).Decode(&final))
		res.Body.Close()
		if final.Status.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, execution.StatusCompleted, final.Status)
	require.Contains(t, final.NodeResults, "notify")
}

func TestRunShutsDownGracefully(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	p, err := New(ctx, cfg, WithInvoker(okInvoker()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
