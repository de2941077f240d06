package engine

import (
	"context"
	"encoding/json"

	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/workflow"
)

// loopOwned returns the set of nodes owned by a loop body. Owned nodes
// are skipped by the main walk; their loop runs them once per item.
func loopOwned(g *workflow.Graph) map[string]bool {
	owned := make(map[string]bool)
	for i := range g.Nodes {
		if g.Nodes[i].Kind != workflow.KindLoop {
			continue
		}
		for _, id := range loopBody(g, g.Nodes[i].ID) {
			owned[id] = true
		}
	}
	return owned
}

// loopBody returns the nodes between the loop node and its back-edge
// source: every node reachable forward from the loop that can still
// reach the back-edge tail. Loops without a back-edge have no body.
func loopBody(g *workflow.Graph, loopID string) []string {
	var tail string
	for _, e := range g.Edges {
		if e.Branch == workflow.BranchBack && e.To == loopID {
			tail = e.From
			break
		}
	}
	if tail == "" {
		return nil
	}

	forward := reachableFrom(g, loopID)
	delete(forward, loopID)
	// Keep only nodes that reach the tail, so branches exiting the loop
	// are not treated as body.
	reverse := reachesTo(g, tail)

	var body []string
	order, err := workflow.TopoSort(g)
	if err != nil {
		return nil
	}
	for _, id := range order {
		if forward[id] && reverse[id] {
			body = append(body, id)
		}
	}
	return body
}

func reachableFrom(g *workflow.Graph, start string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Edges {
			if e.From != cur || e.Branch == workflow.BranchBack || seen[e.To] {
				continue
			}
			seen[e.To] = true
			stack = append(stack, e.To)
		}
	}
	return seen
}

func reachesTo(g *workflow.Graph, target string) map[string]bool {
	seen := map[string]bool{target: true}
	stack := []string{target}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Edges {
			if e.To != cur || e.Branch == workflow.BranchBack || seen[e.From] {
				continue
			}
			seen[e.From] = true
			stack = append(stack, e.From)
		}
	}
	return seen
}

// runLoop iterates the loop body over the resolved collection. Each
// iteration runs the body nodes in topological order against a child
// scope carrying item and index; the loop output collects the tail
// node's output per iteration. The body's NodeResults keep their last
// iteration.
func (e *Engine) runLoop(ctx context.Context, r *run, node *workflow.Node) (json.RawMessage, string, error) {
	if node.Collection == nil {
		return nil, "", fault.New(fault.Validation, "loop node %s has no collection", node.ID)
	}
	value, err := resolveParam(*node.Collection, r.scope)
	if err != nil {
		return nil, "", err
	}
	items, ok := value.([]any)
	if !ok {
		return nil, "", fault.New(fault.Validation,
			"loop node %s collection resolved to %T, want array", node.ID, value)
	}
	maxIterations := node.MaxIterations
	if maxIterations <= 0 {
		maxIterations = workflow.DefaultMaxIterations
	}
	if len(items) > maxIterations {
		items = items[:maxIterations]
	}

	body := loopBody(r.graph, node.ID)
	var tail string
	if len(body) > 0 {
		tail = body[len(body)-1]
	}

	results := make([]any, 0, len(items))
	for index, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		child := r.scope.Child(item, index)
		iter := &run{
			graph:  r.graph,
			rec:    r.rec,
			scope:  child,
			owned:  map[string]bool{},
			done:   map[string]bool{},
			choice: map[string]string{},
			failed: map[string]bool{},
		}
		// The loop node reads as done inside the body so edges from it
		// activate; its per-iteration output is the current item.
		iter.done[node.ID] = true
		child[node.ID] = item

		var tailOut json.RawMessage
		for _, bodyID := range body {
			bodyNode, _ := r.graph.NodeByID(bodyID)
			if bodyNode.Kind == workflow.KindWait {
				return nil, "", fault.New(fault.Validation,
					"wait node %s inside loop body is not supported", bodyID)
			}
			if !e.loopRunnable(iter, bodyNode, node.ID) {
				continue
			}
			if _, err := e.runNode(ctx, iter, bodyNode); err != nil {
				return nil, "", fault.Wrap(fault.KindOf(err), err,
					"loop %s iteration %d", node.ID, index)
			}
			if bodyID == tail {
				tailOut = r.rec.NodeResults[bodyID].Output
			}
		}
		var decoded any
		if len(tailOut) > 0 {
			_ = json.Unmarshal(tailOut, &decoded)
		} else {
			decoded = item
		}
		results = append(results, decoded)
	}

	raw, err := json.Marshal(map[string]any{
		"iterations": len(results),
		"results":    results,
	})
	if err != nil {
		return nil, "", fault.Wrap(fault.Internal, err, "marshal loop output")
	}
	return raw, "loop", nil
}

// loopRunnable mirrors runnable for body nodes: an edge from the loop
// node itself is active, everything else follows the iteration state.
func (e *Engine) loopRunnable(iter *run, node *workflow.Node, loopID string) bool {
	for _, edge := range iter.graph.Edges {
		if edge.To != node.ID || edge.Branch == workflow.BranchBack {
			continue
		}
		if edge.From == loopID {
			return true
		}
		if e.edgeActive(iter, edge) {
			return true
		}
	}
	return false
}
