package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/connector"
	"github.com/relaykit/relaykit/credential"
	credmem "github.com/relaykit/relaykit/credential/memory"
	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/quota"
	quotamem "github.com/relaykit/relaykit/quota/memory"
	"github.com/relaykit/relaykit/resume"
	resumemem "github.com/relaykit/relaykit/resume/memory"
	"github.com/relaykit/relaykit/workflow"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []*connector.InvokeRequest
	fn    func(req *connector.InvokeRequest) (*connector.InvokeResponse, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func okResponse(data string) *connector.InvokeResponse {
	return &connector.InvokeResponse{Success: true, Data: json.RawMessage(data)}
}

func newRecord(triggerData string) *execution.Record {
	started := time.Now().UTC().Add(-time.Second)
	return &execution.Record{
		ID:             "exec-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		Status:         execution.StatusRunning,
		TriggerType:    execution.TriggerManual,
		TriggerData:    json.RawMessage(triggerData),
		CreatedAt:      started,
		StartedAt:      &started,
	}
}

func linearGraph(nodes []workflow.Node) *workflow.Graph {
	g := &workflow.Graph{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Version:        1,
		Nodes:          nodes,
	}
	for i := 1; i < len(nodes); i++ {
		g.Edges = append(g.Edges, workflow.Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return g
}

func TestRunLinear(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{"sent":true}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "slack", OperationID: "message"},
		{ID: "notify", Kind: workflow.KindAction, AppID: "slack", OperationID: "post", Parameters: map[string]workflow.Param{
			"channel": workflow.Static("#ops"),
			"user":    workflow.Ref("start", "user.name"),
		}},
	})
	rec := newRecord(`{"user":{"name":"ada"}}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.NotNil(t, rec.CompletedAt)
	require.GreaterOrEqual(t, rec.DurationMs, int64(0))
	require.Nil(t, rec.ResumeState)

	require.Len(t, inv.calls, 1)
	require.Equal(t, "exec-1:notify", inv.calls[0].IdempotencyKey)
	require.Equal(t, "ada", inv.calls[0].Parameters["user"])

	res := rec.NodeResults["notify"]
	require.NotNil(t, res)
	require.Equal(t, execution.NodeSuccess, res.Status)
	require.JSONEq(t, `{"sent":true}`, string(res.Output))
	require.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Metadata)
	require.Equal(t, "object", res.Metadata.Kind)

	trig := rec.NodeResults["start"]
	require.NotNil(t, trig)
	require.JSONEq(t, `{"user":{"name":"ada"}}`, string(trig.Output))
}

func TestRunNodeOrdering(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "a", Kind: workflow.KindAction, AppID: "app", OperationID: "one"},
		{ID: "b", Kind: workflow.KindAction, AppID: "app", OperationID: "two"},
	})
	rec := newRecord(`{}`)

	_, err = eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.False(t, rec.NodeResults["b"].StartedAt.Before(rec.NodeResults["a"].EndedAt))
}

func TestRunMissingReference(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "act", Kind: workflow.KindAction, AppID: "app", OperationID: "op", Parameters: map[string]workflow.Param{
			"v": workflow.Ref("start", "no.such.path"),
		}},
	})
	rec := newRecord(`{"present":1}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.MissingReference, fault.KindOf(out.Err))
	require.Equal(t, fault.MissingReference, rec.ErrorKind)
	require.Equal(t, execution.NodeFailed, rec.NodeResults["act"].Status)
}

func TestRunExpressionParameter(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "act", Kind: workflow.KindAction, AppID: "app", OperationID: "op", Parameters: map[string]workflow.Param{
			"greeting": workflow.Expression("hello {{trigger.name}}"),
			"count":    workflow.Expression("{{trigger.count}}"),
		}},
	})
	rec := newRecord(`{"name":"ada","count":3}`)

	_, err = eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, "hello ada", inv.calls[0].Parameters["greeting"])
	require.Equal(t, float64(3), inv.calls[0].Parameters["count"])
}

func TestRunConditionBranches(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{"op":"` + req.OperationID + `"}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := &workflow.Graph{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Version:        1,
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
			{ID: "gate", Kind: workflow.KindCondition, Expression: `trigger.amount > 100`},
			{ID: "big", Kind: workflow.KindAction, AppID: "app", OperationID: "big"},
			{ID: "small", Kind: workflow.KindAction, AppID: "app", OperationID: "small"},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "big", Branch: workflow.BranchTrue},
			{From: "gate", To: "small", Branch: workflow.BranchFalse},
		},
	}
	rec := newRecord(`{"amount":250}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Equal(t, execution.NodeSuccess, rec.NodeResults["big"].Status)
	require.Equal(t, execution.NodeSkipped, rec.NodeResults["small"].Status)
	require.Equal(t, "branch not taken", rec.NodeResults["small"].Summary)
	require.JSONEq(t, `{"result":true}`, string(rec.NodeResults["gate"].Output))
}

func TestRunConditionNonBoolean(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "gate", Kind: workflow.KindCondition, Expression: `trigger.amount`},
	})
	rec := newRecord(`{"amount":250}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.Validation, fault.KindOf(out.Err))
}

func TestRunTransform(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{"rows":[{"id":1},{"id":2}]}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "fetch", Kind: workflow.KindAction, AppID: "app", OperationID: "list"},
		{ID: "shape", Kind: workflow.KindTransform, Parameters: map[string]workflow.Param{
			"first": workflow.Ref("fetch", "rows.0.id"),
			"label": workflow.Static("batch"),
		}},
	})
	rec := newRecord(`{}`)

	_, err = eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.JSONEq(t, `{"first":1,"label":"batch"}`, string(rec.NodeResults["shape"].Output))
}

func TestRunRetryThenSuccess(t *testing.T) {
	attempts := 0
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		attempts++
		if attempts < 3 {
			return &connector.InvokeResponse{
				Success: false,
				Error:   &connector.CallError{StatusCode: 502, Message: "upstream unavailable"},
			}, nil
		}
		return okResponse(`{"ok":true}`), nil
	}}

	var slept []time.Duration
	eng, err := New(inv,
		WithRetryJitter(0),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "flaky", Kind: workflow.KindAction, AppID: "app", OperationID: "op",
			Retry: &workflow.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 10}},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Equal(t, 3, rec.NodeResults["flaky"].Attempts)
	require.Len(t, rec.NodeResults["flaky"].Logs, 2)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestRunNonRetryableFailsFast(t *testing.T) {
	calls := 0
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		calls++
		return &connector.InvokeResponse{
			Success: false,
			Error:   &connector.CallError{StatusCode: 404, Message: "no such channel"},
		}, nil
	}}
	eng, err := New(inv, WithRetryJitter(0))
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "act", Kind: workflow.KindAction, AppID: "app", OperationID: "op",
			Retry: &workflow.RetryPolicy{MaxAttempts: 5, BaseDelayMs: 1}},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.ConnectorHTTP4xx, fault.KindOf(out.Err))
	require.Equal(t, 1, calls)
}

func TestRunErrorBranch(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		if req.OperationID == "boom" {
			return &connector.InvokeResponse{
				Success: false,
				Error:   &connector.CallError{StatusCode: 400, Message: "bad request"},
			}, nil
		}
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := &workflow.Graph{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Version:        1,
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
			{ID: "risky", Kind: workflow.KindAction, AppID: "app", OperationID: "boom"},
			{ID: "happy", Kind: workflow.KindAction, AppID: "app", OperationID: "next"},
			{ID: "cleanup", Kind: workflow.KindAction, AppID: "app", OperationID: "alert"},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "risky"},
			{From: "risky", To: "happy"},
			{From: "risky", To: "cleanup", Branch: workflow.BranchError},
		},
	}
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Equal(t, execution.NodeFailed, rec.NodeResults["risky"].Status)
	require.Equal(t, execution.NodeSuccess, rec.NodeResults["cleanup"].Status)
	require.Equal(t, execution.NodeSkipped, rec.NodeResults["happy"].Status)
}

func TestRunLoop(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		raw, _ := json.Marshal(map[string]any{"echoed": req.Parameters["value"]})
		return okResponse(string(raw)), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	collection := workflow.Ref("start", "items")
	g := &workflow.Graph{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Version:        1,
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
			{ID: "each", Kind: workflow.KindLoop, Collection: &collection},
			{ID: "send", Kind: workflow.KindAction, AppID: "app", OperationID: "op", Parameters: map[string]workflow.Param{
				"value": workflow.Expression("{{item}}"),
			}},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "each"},
			{From: "each", To: "send"},
			{From: "send", To: "each", Branch: workflow.BranchBack},
		},
	}
	rec := newRecord(`{"items":["a","b","c"]}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, inv.calls, 3)
	require.Equal(t, "b", inv.calls[1].Parameters["value"])

	var loopOut struct {
		Iterations int              `json:"iterations"`
		Results    []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.NodeResults["each"].Output, &loopOut))
	require.Equal(t, 3, loopOut.Iterations)
	require.Equal(t, "c", loopOut.Results[2]["echoed"])
}

func TestRunLoopMaxIterations(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	collection := workflow.Ref("start", "items")
	g := &workflow.Graph{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Version:        1,
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
			{ID: "each", Kind: workflow.KindLoop, Collection: &collection, MaxIterations: 2},
			{ID: "send", Kind: workflow.KindAction, AppID: "app", OperationID: "op"},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "each"},
			{From: "each", To: "send"},
			{From: "send", To: "each", Branch: workflow.BranchBack},
		},
	}
	rec := newRecord(`{"items":[1,2,3,4,5]}`)

	_, err = eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Len(t, inv.calls, 2)
}

func TestRunLoopNonArrayCollection(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	collection := workflow.Ref("start", "items")
	g := &workflow.Graph{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Version:        1,
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
			{ID: "each", Kind: workflow.KindLoop, Collection: &collection},
			{ID: "send", Kind: workflow.KindAction, AppID: "app", OperationID: "op"},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "each"},
			{From: "each", To: "send"},
			{From: "send", To: "each", Branch: workflow.BranchBack},
		},
	}
	rec := newRecord(`{"items":"not-a-list"}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.Validation, fault.KindOf(out.Err))
}

func TestRunWaitThenResume(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{"op":"` + req.OperationID + `"}`), nil
	}}
	resumes, err := resume.NewService([]byte("test-secret"), resumemem.New())
	require.NoError(t, err)
	eng, err := New(inv, WithResume(resumes))
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "prep", Kind: workflow.KindAction, AppID: "app", OperationID: "prepare"},
		{ID: "approval", Kind: workflow.KindWait},
		{ID: "finish", Kind: workflow.KindAction, AppID: "app", OperationID: "complete", Parameters: map[string]workflow.Param{
			"approver": workflow.Ref("approval", "approvedBy"),
		}},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusWaiting, out.Status)
	require.NotNil(t, out.Wait)
	require.Equal(t, "approval", out.Wait.NodeID)
	require.NotEmpty(t, out.Wait.TokenID)
	require.NotEmpty(t, out.Wait.Signature)
	require.NotEmpty(t, rec.ResumeState)
	require.Nil(t, rec.CompletedAt)
	// Finish never ran.
	require.Nil(t, rec.NodeResults["finish"])

	// Consume the token the way the resume ingress does, then attach the
	// payload to the saved frontier and re-enter the engine.
	tok, err := resumes.Consume(context.Background(), out.Wait.TokenID, out.Wait.Signature)
	require.NoError(t, err)

	var state ResumeState
	require.NoError(t, json.Unmarshal(tok.ResumeState, &state))
	state.Payload = json.RawMessage(`{"approvedBy":"grace"}`)
	rec.ResumeState, err = json.Marshal(state)
	require.NoError(t, err)

	out, err = eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Nil(t, rec.ResumeState)
	require.Equal(t, "resumed", rec.NodeResults["approval"].Summary)
	require.JSONEq(t, `{"approvedBy":"grace"}`, string(rec.NodeResults["approval"].Output))
	require.Equal(t, "grace", inv.calls[len(inv.calls)-1].Parameters["approver"])
	// Prep ran once: the resumed pass restored its output instead of
	// re-invoking it.
	prepCalls := 0
	for _, c := range inv.calls {
		if c.OperationID == "prepare" {
			prepCalls++
		}
	}
	require.Equal(t, 1, prepCalls)
}

func TestRunWaitWithoutResumeService(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "approval", Kind: workflow.KindWait},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.Validation, fault.KindOf(out.Err))
}

func TestRunWaitInsideLoopRejected(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	resumes, err := resume.NewService([]byte("test-secret"), resumemem.New())
	require.NoError(t, err)
	eng, err := New(inv, WithResume(resumes))
	require.NoError(t, err)

	collection := workflow.Static([]any{"a"})
	g := &workflow.Graph{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Version:        1,
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
			{ID: "each", Kind: workflow.KindLoop, Collection: &collection},
			{ID: "pause", Kind: workflow.KindWait},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "each"},
			{From: "each", To: "pause"},
			{From: "pause", To: "each", Branch: workflow.BranchBack},
		},
	}
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.Validation, fault.KindOf(out.Err))
}

func TestRunQuotaExceeded(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	guard, err := quota.NewGuard(quotamem.New(), quota.WithDefaults(quota.Limits{
		MaxAPICalls: 1,
		MaxTokens:   quota.DefaultMaxTokens,
		Window:      time.Hour,
	}))
	require.NoError(t, err)
	eng, err := New(inv, WithQuota(guard))
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "one", Kind: workflow.KindAction, AppID: "app", OperationID: "a"},
		{ID: "two", Kind: workflow.KindAction, AppID: "app", OperationID: "b"},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.QuotaExceeded, fault.KindOf(out.Err))
	require.Equal(t, execution.NodeSuccess, rec.NodeResults["one"].Status)
	require.Equal(t, execution.NodeFailed, rec.NodeResults["two"].Status)
}

func TestRunCredentialInjectionAndRotation(t *testing.T) {
	store := credmem.New()
	expires := time.Now().Add(time.Hour)
	require.NoError(t, store.Put(context.Background(), &credential.Record{
		ConnectionID:   "conn-1",
		UserID:         "user-1",
		OrganizationID: "org-1",
		Material:       credential.Material{Type: "oauth2", Token: "tok-old", Refresh: "ref-1", ExpiresAt: &expires},
	}))
	svc, err := credential.NewService(store)
	require.NoError(t, err)

	rotatedExpiry := time.Now().Add(2 * time.Hour)
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		require.NotNil(t, req.Credentials)
		require.Equal(t, "tok-old", req.Credentials.Token)
		return &connector.InvokeResponse{
			Success: true,
			Data:    json.RawMessage(`{}`),
			Meta: &connector.ResponseMeta{Rotated: &credential.Material{
				Type: "oauth2", Token: "tok-new", ExpiresAt: &rotatedExpiry,
			}},
		}, nil
	}}
	eng, err := New(inv, WithCredentials(svc, svc))
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "act", Kind: workflow.KindAction, AppID: "app", OperationID: "op",
			Auth: &workflow.AuthRef{ConnectionID: "conn-1"}},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(context.Background(), g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)

	stored, err := store.Get(context.Background(), "conn-1")
	require.NoError(t, err)
	require.Equal(t, "tok-new", stored.Material.Token)
	// Rotation without a new refresh token keeps the prior one.
	require.Equal(t, "ref-1", stored.Material.Refresh)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		cancel()
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "one", Kind: workflow.KindAction, AppID: "app", OperationID: "a"},
		{ID: "two", Kind: workflow.KindAction, AppID: "app", OperationID: "b"},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(ctx, g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCancelled, out.Status)
	require.NotNil(t, rec.CompletedAt)
	require.Nil(t, rec.NodeResults["two"])
}

func TestRunDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := linearGraph([]workflow.Node{
		{ID: "start", Kind: workflow.KindTrigger, AppID: "app", OperationID: "event"},
		{ID: "one", Kind: workflow.KindAction, AppID: "app", OperationID: "a"},
	})
	rec := newRecord(`{}`)

	out, err := eng.Run(ctx, g, rec)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, out.Status)
	require.Equal(t, fault.ExecutionTimeout, fault.KindOf(out.Err))
}

func TestRunInvalidGraph(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *connector.InvokeRequest) (*connector.InvokeResponse, error) {
		return okResponse(`{}`), nil
	}}
	eng, err := New(inv)
	require.NoError(t, err)

	g := &workflow.Graph{ID: "wf-1", OrganizationID: "org-1", Version: 1}
	_, err = eng.Run(context.Background(), g, newRecord(`{}`))
	require.Error(t, err)
	require.Equal(t, fault.Validation, fault.KindOf(err))
}
