// Package workflow defines the workflow graph model shared by the
// trigger registry, the execution engine, and the HTTP surface. A graph
// is a directed set of typed nodes and labeled edges owned by one
// organization. Validation enforces the structural invariants the
// engine relies on: unique node ids, edges over known nodes, trigger
// nodes without predecessors, and acyclicity outside loop back-edges.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what a node does when the engine reaches it.
type Kind string

const (
	// KindTrigger marks the entry node carrying the trigger payload.
	KindTrigger Kind = "trigger"
	// KindAction calls a connector operation.
	KindAction Kind = "action"
	// KindTransform reshapes data without external calls.
	KindTransform Kind = "transform"
	// KindCondition evaluates a boolean expression and picks a branch.
	KindCondition Kind = "condition"
	// KindLoop iterates a body over an input sequence.
	KindLoop Kind = "loop"
	// KindWait suspends the execution until a resume token is consumed.
	KindWait Kind = "wait"
)

// Valid reports whether k is a recognized node kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTrigger, KindAction, KindTransform, KindCondition, KindLoop, KindWait:
		return true
	}
	return false
}

// Edge branch labels. The empty branch is the default flow.
const (
	// BranchTrue and BranchFalse route condition results.
	BranchTrue  = "true"
	BranchFalse = "false"
	// BranchError routes a node's failure to a handler instead of
	// failing the execution.
	BranchError = "error"
	// BranchBack closes a loop body back onto its loop node. Such edges
	// are the only permitted cycles.
	BranchBack = "back"
)

// DefaultMaxIterations bounds loop nodes that do not set their own cap.
const DefaultMaxIterations = 1000

// ParamMode discriminates how a parameter value is produced at runtime.
type ParamMode string

const (
	// ParamStatic uses the stored value as-is.
	ParamStatic ParamMode = "static"
	// ParamRef dereferences a path inside a prior node's output.
	ParamRef ParamMode = "ref"
	// ParamExpression renders a {{path}} template over the input scope.
	ParamExpression ParamMode = "expression"
)

// Param is one parameter leaf. Raw literals decode as static params, so
// stored graphs may mix plain JSON values with explicit envelopes.
type Param struct {
	Mode ParamMode `json:"mode"`
	// Value holds the literal for static params. Decoded JSON, so nested
	// objects and arrays stay walkable.
	Value any `json:"value,omitempty"`
	// NodeID and Path locate the referenced output for ref params.
	NodeID string `json:"nodeId,omitempty"`
	Path   string `json:"path,omitempty"`
	// Template is the {{path}} template for expression params.
	Template string `json:"template,omitempty"`
}

// Static wraps a literal value as a static parameter.
func Static(v any) Param { return Param{Mode: ParamStatic, Value: v} }

// Ref builds a reference parameter to a prior node's output path.
func Ref(nodeID, path string) Param { return Param{Mode: ParamRef, NodeID: nodeID, Path: path} }

// Expression builds a template parameter.
func Expression(template string) Param { return Param{Mode: ParamExpression, Template: template} }

// UnmarshalJSON treats any JSON value without a recognized mode envelope
// as a static literal.
func (p *Param) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Mode     ParamMode `json:"mode"`
		Value    any       `json:"value"`
		NodeID   string    `json:"nodeId"`
		Path     string    `json:"path"`
		Template string    `json:"template"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		switch envelope.Mode {
		case ParamStatic:
			*p = Param{Mode: ParamStatic, Value: envelope.Value}
			return nil
		case ParamRef:
			*p = Param{Mode: ParamRef, NodeID: envelope.NodeID, Path: envelope.Path}
			return nil
		case ParamExpression:
			*p = Param{Mode: ParamExpression, Template: envelope.Template}
			return nil
		}
	}
	var literal any
	if err := json.Unmarshal(data, &literal); err != nil {
		return err
	}
	*p = Param{Mode: ParamStatic, Value: literal}
	return nil
}

// BackoffKind selects how retry delays grow between node attempts.
type BackoffKind string

const (
	// BackoffExponential doubles the delay each attempt.
	BackoffExponential BackoffKind = "exp"
	// BackoffFixed repeats the base delay.
	BackoffFixed BackoffKind = "fixed"
)

// RetryPolicy bounds per-node retries for transient connector failures.
// Delays are stored as millisecond counts so the wire and storage forms
// stay unit-unambiguous.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Zero means a single attempt.
	MaxAttempts int `json:"maxAttempts"`
	// Backoff selects the delay growth. Defaults to exponential.
	Backoff BackoffKind `json:"backoff,omitempty"`
	// BaseDelayMs is the first retry delay in milliseconds. Defaults to
	// one second.
	BaseDelayMs int64 `json:"baseDelayMs,omitempty"`
}

// BaseDelay returns the first retry delay as a duration.
func (p RetryPolicy) BaseDelay() time.Duration {
	if p.BaseDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

// AuthRef points a connector-backed node at a stored connection.
type AuthRef struct {
	ConnectionID string `json:"connectionId"`
}

// Node is one vertex of the graph.
type Node struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Name string `json:"name,omitempty"`

	// AppID and OperationID select the connector operation for trigger
	// and action nodes.
	AppID       string `json:"appId,omitempty"`
	OperationID string `json:"operationId,omitempty"`

	// Parameters feed the operation after reference resolution.
	Parameters map[string]Param `json:"parameters,omitempty"`

	// Auth selects the credential used for connector calls.
	Auth *AuthRef `json:"auth,omitempty"`

	// Retry overrides the default node retry policy.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Expression is the boolean source for condition nodes.
	Expression string `json:"expression,omitempty"`

	// Collection names the input sequence for loop nodes.
	Collection *Param `json:"collection,omitempty"`
	// MaxIterations caps loop nodes. Zero means DefaultMaxIterations.
	MaxIterations int `json:"maxIterations,omitempty"`

	// ResumeTTLMs overrides the resume token lifetime for wait nodes,
	// in milliseconds.
	ResumeTTLMs int64 `json:"resumeTtlMs,omitempty"`
}

// ResumeTTL returns the wait node's resume token lifetime, or zero when
// the service default applies.
func (n *Node) ResumeTTL() time.Duration {
	if n.ResumeTTLMs <= 0 {
		return 0
	}
	return time.Duration(n.ResumeTTLMs) * time.Millisecond
}

// Edge is a directed connection between two nodes with an optional
// branch label.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Branch string `json:"branch,omitempty"`
}

// Graph is a versioned workflow owned by one organization.
type Graph struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name,omitempty"`
	Version        int    `json:"version"`
	Nodes          []Node `json:"nodes"`
	Edges          []Edge `json:"edges"`
}

// NodeByID returns the node with the given id.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// TriggerNode returns the graph's trigger node, if any.
func (g *Graph) TriggerNode() (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].Kind == KindTrigger {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Successors returns outbound edges from the node, all branches.
func (g *Graph) Successors(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Predecessors returns the ids of nodes with a forward edge into nodeID.
// Loop back-edges do not count.
func (g *Graph) Predecessors(nodeID string) []string {
	var in []string
	for _, e := range g.Edges {
		if e.To == nodeID && e.Branch != BranchBack {
			in = append(in, e.From)
		}
	}
	return in
}

// Validate checks the structural invariants. It returns the first
// violation found.
func (g *Graph) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("graph: missing id")
	}
	if g.OrganizationID == "" {
		return fmt.Errorf("graph %s: missing organization", g.ID)
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %s: no nodes", g.ID)
	}
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("graph %s: node with empty id", g.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("graph %s: duplicate node id %q", g.ID, n.ID)
		}
		seen[n.ID] = true
		if !n.Kind.Valid() {
			return fmt.Errorf("graph %s: node %q has unknown kind %q", g.ID, n.ID, n.Kind)
		}
		if (n.Kind == KindAction || n.Kind == KindTrigger) && n.AppID == "" {
			return fmt.Errorf("graph %s: node %q needs an appId", g.ID, n.ID)
		}
		if n.Kind == KindCondition && n.Expression == "" {
			return fmt.Errorf("graph %s: condition node %q needs an expression", g.ID, n.ID)
		}
		if n.Kind == KindLoop && n.Collection == nil {
			return fmt.Errorf("graph %s: loop node %q needs a collection", g.ID, n.ID)
		}
	}
	for _, e := range g.Edges {
		if !seen[e.From] {
			return fmt.Errorf("graph %s: edge from unknown node %q", g.ID, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("graph %s: edge to unknown node %q", g.ID, e.To)
		}
		if e.Branch == BranchBack {
			to, _ := g.NodeByID(e.To)
			if to.Kind != KindLoop {
				return fmt.Errorf("graph %s: back-edge %s->%s must target a loop node", g.ID, e.From, e.To)
			}
		}
	}
	for _, n := range g.Nodes {
		preds := g.Predecessors(n.ID)
		if n.Kind == KindTrigger && len(preds) > 0 {
			return fmt.Errorf("graph %s: trigger node %q has predecessors", g.ID, n.ID)
		}
		if n.Kind != KindTrigger && len(preds) == 0 {
			return fmt.Errorf("graph %s: node %q is unreachable", g.ID, n.ID)
		}
	}
	if _, err := TopoSort(g); err != nil {
		return fmt.Errorf("graph %s: %w", g.ID, err)
	}
	return nil
}
