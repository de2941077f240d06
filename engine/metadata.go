package engine

import (
	"encoding/json"
	"sort"

	"github.com/relaykit/relaykit/execution"
)

// snapshotMetadata infers the shape of a node output so downstream
// reference resolution can offer field pickers without re-running the
// node. Objects report their columns; arrays of objects report the
// union of element columns plus a count; everything else reports its
// JSON kind.
func snapshotMetadata(output json.RawMessage) *execution.Metadata {
	if len(output) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		return &execution.Metadata{Kind: "opaque"}
	}
	switch v := decoded.(type) {
	case map[string]any:
		return &execution.Metadata{Kind: "object", Columns: columnsOf(v)}
	case []any:
		meta := &execution.Metadata{Kind: "array", Count: len(v)}
		meta.Columns = arrayColumns(v)
		return meta
	case string:
		return &execution.Metadata{Kind: "string"}
	case float64:
		return &execution.Metadata{Kind: "number"}
	case bool:
		return &execution.Metadata{Kind: "boolean"}
	case nil:
		return &execution.Metadata{Kind: "null"}
	}
	return &execution.Metadata{Kind: "opaque"}
}

func columnsOf(obj map[string]any) []execution.Column {
	cols := make([]execution.Column, 0, len(obj))
	for name, v := range obj {
		cols = append(cols, execution.Column{
			Name:     name,
			Type:     jsonType(v),
			Nullable: v == nil,
		})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

// arrayColumns unions the columns of object elements. A column is
// nullable when any element misses it or carries null.
func arrayColumns(items []any) []execution.Column {
	byName := make(map[string]*execution.Column)
	objects := 0
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		objects++
		for name, v := range obj {
			col, seen := byName[name]
			if !seen {
				byName[name] = &execution.Column{
					Name:     name,
					Type:     jsonType(v),
					Nullable: v == nil || objects > 1,
				}
				continue
			}
			if v == nil {
				col.Nullable = true
			} else if col.Type != jsonType(v) {
				col.Type = "mixed"
			}
		}
		for name, col := range byName {
			if _, present := obj[name]; !present {
				col.Nullable = true
			}
		}
	}
	if objects == 0 {
		return nil
	}
	cols := make([]execution.Column, 0, len(byName))
	for _, col := range byName {
		cols = append(cols, *col)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return "opaque"
}
