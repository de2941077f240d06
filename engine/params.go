package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/relaykit/relaykit/fault"
	"github.com/relaykit/relaykit/workflow"
)

// Scope is the data visible to parameter resolution at one node: the
// decoded trigger payload under "trigger" and every captured node
// output under its node id. Loop iterations layer "item" and "index"
// on top.
type Scope map[string]any

// NewScope builds the base scope for an execution.
func NewScope(triggerData json.RawMessage) Scope {
	s := Scope{}
	if len(triggerData) > 0 {
		var decoded any
		if err := json.Unmarshal(triggerData, &decoded); err == nil {
			s["trigger"] = decoded
		}
	}
	return s
}

// SetOutput records a node's decoded output in the scope.
func (s Scope) SetOutput(nodeID string, output json.RawMessage) {
	if len(output) == 0 {
		s[nodeID] = nil
		return
	}
	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		s[nodeID] = string(output)
		return
	}
	s[nodeID] = decoded
}

// Child layers loop-iteration bindings over the scope without mutating
// the parent.
func (s Scope) Child(item any, index int) Scope {
	child := make(Scope, len(s)+2)
	for k, v := range s {
		child[k] = v
	}
	child["item"] = item
	child["index"] = index
	return child
}

// lookupPath walks a dot-separated path through decoded JSON values.
// Numeric segments index arrays.
func lookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// renderTemplate substitutes {{path}} references over the scope. A
// template that is exactly one reference yields the referenced value
// with its type intact; mixed templates render to a string.
func renderTemplate(template string, scope Scope) (any, error) {
	matches := templateVarPattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	// Single whole-string reference keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(template) {
		path := strings.TrimSpace(template[matches[0][2]:matches[0][3]])
		v, ok := lookupPath(map[string]any(scope), path)
		if !ok {
			return nil, fault.New(fault.MissingReference, "template references unknown path %q", path)
		}
		return v, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(template[last:m[0]])
		path := strings.TrimSpace(template[m[2]:m[3]])
		v, ok := lookupPath(map[string]any(scope), path)
		if !ok {
			return nil, fault.New(fault.MissingReference, "template references unknown path %q", path)
		}
		sb.WriteString(stringify(v))
		last = m[1]
	}
	sb.WriteString(template[last:])
	return sb.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

// resolveParam produces the runtime value of one parameter leaf.
func resolveParam(p workflow.Param, scope Scope) (any, error) {
	switch p.Mode {
	case workflow.ParamStatic, "":
		return p.Value, nil
	case workflow.ParamRef:
		output, ok := scope[p.NodeID]
		if !ok {
			return nil, fault.New(fault.MissingReference,
				"parameter references node %q which has no recorded output", p.NodeID)
		}
		v, ok := lookupPath(output, p.Path)
		if !ok {
			return nil, fault.New(fault.MissingReference,
				"parameter references missing path %q in node %q output", p.Path, p.NodeID)
		}
		return v, nil
	case workflow.ParamExpression:
		return renderTemplate(p.Template, scope)
	default:
		return nil, fault.New(fault.Validation, "unknown parameter mode %q", p.Mode)
	}
}

// ResolveParameters resolves every parameter of a node against the
// scope. Resolution is pure over the captured outputs: the same scope
// always yields the same values.
func ResolveParameters(node *workflow.Node, scope Scope) (map[string]any, error) {
	if len(node.Parameters) == 0 {
		return map[string]any{}, nil
	}
	resolved := make(map[string]any, len(node.Parameters))
	for name, p := range node.Parameters {
		v, err := resolveParam(p, scope)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}
