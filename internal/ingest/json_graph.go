package ingest

import (
	"fmt"
	"os"
	"sort"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/federa/internal/graph"
)

// matchName names the children created when a selector matches more than
// one value.
const matchName = "match"

// LoadJSONGraph parses the JSON document at path and builds a graph from
// the values selected by selector (a JSONPath; "" means "$").
func LoadJSONGraph(path, selector string) (*graph.MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	g := graph.NewMemoryStore()
	if err := BuildJSONGraph(g, doc, selector); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// BuildJSONGraph writes the values selected from doc into g under the root.
// A single selected object becomes the root itself; several matches become
// same-name "match" children.
func BuildJSONGraph(g graph.WritableGraph, doc any, selector string) error {
	if selector == "" {
		selector = "$"
	}
	x, err := jp.ParseString(selector)
	if err != nil {
		return fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	results := x.Get(doc)
	if len(results) == 1 {
		if obj, ok := results[0].(map[string]any); ok {
			return writeObject(g, graph.RootPath(), obj)
		}
	}
	for _, r := range results {
		if err := writeChild(g, graph.RootPath(), matchName, r); err != nil {
			return err
		}
	}
	return nil
}

// writeObject stores the scalar fields of obj as properties of the node at
// at and its nested objects as children, in key order.
func writeObject(g graph.WritableGraph, at graph.Path, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var props []graph.Property
	for _, k := range keys {
		if p, ok := scalarProperty(k, obj[k]); ok {
			props = append(props, p)
		}
	}
	if len(props) > 0 {
		if err := g.SetProperties(at, props, nil); err != nil {
			return fmt.Errorf("set properties on %s: %w", at, err)
		}
	}
	for _, k := range keys {
		switch v := obj[k].(type) {
		case map[string]any:
			if err := writeChild(g, at, k, v); err != nil {
				return err
			}
		case []any:
			if isScalarList(v) {
				continue
			}
			for _, elem := range v {
				if err := writeChild(g, at, k, elem); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// writeChild appends a node named name under parent holding v. Scalars are
// kept in a "value" property.
func writeChild(g graph.WritableGraph, parent graph.Path, name string, v any) error {
	child, err := g.CreateNode(parent, SafeName(name), nil)
	if err != nil {
		return fmt.Errorf("create %s under %s: %w", name, parent, err)
	}
	switch x := v.(type) {
	case map[string]any:
		return writeObject(g, child, x)
	case []any:
		return writeObject(g, child, map[string]any{"value": x})
	default:
		if p, ok := scalarProperty("value", x); ok {
			return g.SetProperties(child, []graph.Property{p}, nil)
		}
	}
	return nil
}

// scalarProperty converts a scalar or a list of scalars into a property.
// Nulls, objects and lists holding objects are not properties.
func scalarProperty(name string, v any) (graph.Property, bool) {
	switch x := v.(type) {
	case nil, map[string]any:
		return graph.Property{}, false
	case []any:
		if len(x) == 0 || !isScalarList(x) {
			return graph.Property{}, false
		}
		return graph.NewProperty(name, x...), true
	}
	return graph.NewProperty(name, v), true
}

func isScalarList(v []any) bool {
	for _, e := range v {
		switch e.(type) {
		case nil, map[string]any, []any:
			return false
		}
	}
	return true
}
