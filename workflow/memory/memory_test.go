package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/relaykit/relaykit/workflow"
)

func graph(id, org string, version int) *workflow.Graph {
	return &workflow.Graph{
		ID:             id,
		OrganizationID: org,
		Version:        version,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, AppID: "slack"},
		},
	}
}

func TestPutAndGetLatest(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Put(ctx, graph("wf-1", "org-1", 1)); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := s.Put(ctx, graph("wf-1", "org-1", 2)); err != nil {
		t.Fatalf("put v2: %v", err)
	}

	g, err := s.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.Version != 2 {
		t.Fatalf("latest version = %d, want 2", g.Version)
	}

	g, err = s.GetVersion(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if g.Version != 1 {
		t.Fatalf("version = %d, want 1", g.Version)
	}
}

func TestPutDuplicateVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Put(ctx, graph("wf-1", "org-1", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, graph("wf-1", "org-1", 1)); !errors.Is(err, workflow.ErrVersionExists) {
		t.Fatalf("duplicate put = %v, want ErrVersionExists", err)
	}
}

func TestGetUnknown(t *testing.T) {
	s := New()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("get = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Put(ctx, graph("wf-1", "org-1", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	g1, _ := s.Get(ctx, "wf-1")
	g1.Nodes[0].AppID = "mutated"
	g2, _ := s.Get(ctx, "wf-1")
	if g2.Nodes[0].AppID != "slack" {
		t.Fatalf("store leaked mutable state: %q", g2.Nodes[0].AppID)
	}
}

func TestListByOrganization(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, g := range []*workflow.Graph{
		graph("wf-b", "org-1", 1),
		graph("wf-a", "org-1", 1),
		graph("wf-c", "org-2", 1),
	} {
		if err := s.Put(ctx, g); err != nil {
			t.Fatalf("put %s: %v", g.ID, err)
		}
	}

	got, err := s.ListByOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "wf-a" || got[1].ID != "wf-b" {
		t.Fatalf("list = %v", got)
	}
}
