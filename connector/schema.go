package connector

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relaykit/relaykit/fault"
)

// SchemaSet validates operation parameters against per-operation JSON
// Schemas before they cross the connector boundary. Operations without
// a registered schema pass through unvalidated.
type SchemaSet struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaSet compiles the given schemas, keyed "appID/operationID".
func NewSchemaSet(raw map[string]json.RawMessage) (*SchemaSet, error) {
	c := jsonschema.NewCompiler()
	names := make(map[string]string, len(raw))
	for key, schema := range raw {
		var doc any
		if err := json.Unmarshal(schema, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", key, err)
		}
		name := key + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", key, err)
		}
		names[key] = name
	}
	set := &SchemaSet{schemas: make(map[string]*jsonschema.Schema, len(raw))}
	for key, name := range names {
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", key, err)
		}
		set.schemas[key] = schema
	}
	return set, nil
}

// Validate checks resolved parameters against the operation's schema.
func (s *SchemaSet) Validate(appID, operationID string, params map[string]any) error {
	if s == nil {
		return nil
	}
	schema, ok := s.schemas[appID+"/"+operationID]
	if !ok {
		return nil
	}
	doc := make(map[string]any, len(params))
	for k, v := range params {
		doc[k] = v
	}
	if err := schema.Validate(any(doc)); err != nil {
		return fault.Wrap(fault.Validation, err, "parameters for %s.%s", appID, operationID)
	}
	return nil
}
