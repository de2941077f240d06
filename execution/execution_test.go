package execution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/relaykit/relaykit/fault"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusWaiting, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, true},
		{StatusWaiting, StatusRunning, true},
		{StatusWaiting, StatusCompleted, false},
		{StatusWaiting, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusWaiting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	rec := &Record{ID: "exec-1", Status: StatusPending}
	if err := rec.Transition(StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if rec.Status != StatusRunning {
		t.Fatalf("status = %s, want running", rec.Status)
	}
	err := rec.Transition(StatusPending)
	if err != nil {
		t.Fatalf("running -> pending should be allowed for requeue: %v", err)
	}
	if err := rec.Transition(StatusCompleted); !fault.IsKind(err, fault.Internal) {
		t.Fatalf("pending -> completed should fail with internal kind, got %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("failed transition must not mutate status, got %s", rec.Status)
	}
}

func TestCloneIsolation(t *testing.T) {
	started := time.Now()
	rec := &Record{
		ID:          "exec-1",
		Status:      StatusRunning,
		TriggerData: json.RawMessage(`{"a":1}`),
		StartedAt:   &started,
		NodeResults: map[string]*NodeResult{
			"n1": {Status: NodeSuccess, Output: json.RawMessage(`1`)},
		},
	}
	cp := rec.Clone()
	cp.NodeResults["n1"].Status = NodeFailed
	cp.TriggerData[2] = 'b'
	*cp.StartedAt = started.Add(time.Hour)

	if rec.NodeResults["n1"].Status != NodeSuccess {
		t.Fatal("clone shares node results")
	}
	if string(rec.TriggerData) != `{"a":1}` {
		t.Fatal("clone shares trigger data")
	}
	if !rec.StartedAt.Equal(started) {
		t.Fatal("clone shares started-at pointer")
	}
}
