package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// graphSchema is the JSON Schema enforced on graph documents arriving
// over the API before they are decoded into Graph values. Structural
// invariants beyond shape (reachability, cycles) are left to Validate.
const graphSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "organizationId", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "organizationId": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "version": {"type": "integer", "minimum": 0},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["trigger", "action", "transform", "condition", "loop", "wait"]},
          "appId": {"type": "string"},
          "operationId": {"type": "string"},
          "parameters": {"type": "object"},
          "expression": {"type": "string"},
          "maxIterations": {"type": "integer", "minimum": 1}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "branch": {"type": "string"}
        }
      }
    }
  }
}`

// SchemaValidator validates raw graph documents against the canonical
// JSON Schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the graph schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	var doc any
	if err := json.Unmarshal([]byte(graphSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("graph.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// ValidateDocument checks a raw JSON graph document against the schema.
func (v *SchemaValidator) ValidateDocument(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal graph document: %w", err)
	}
	return v.schema.Validate(doc)
}

// ParseGraph validates a raw document and decodes it into a Graph,
// running structural validation on the result.
func ParseGraph(data []byte) (*Graph, error) {
	v, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	if err := v.ValidateDocument(data); err != nil {
		return nil, fmt.Errorf("graph document: %w", err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
