package translator

import (
	"fmt"
	"sort"
	"strings"
)

// Keys removed from tool schemas everywhere; the upstream validator
// rejects them.
var droppedKeys = []string{"$schema", "additionalProperties", "uniqueItems", "exclusiveMinimum", "exclusiveMaximum"}

// Validation facets removed everywhere and summarized into the root
// description so the model still sees the constraints.
var droppedFacets = []string{
	"minLength", "maxLength", "minimum", "maximum",
	"minItems", "maxItems", "minProperties", "maxProperties",
	"pattern", "format", "multipleOf",
}

// CleanSchema strips unsupported JSON-schema keywords in place and returns
// the schema. Stripped validation facets are appended to the root
// description as a "name: value" list; "no additional properties" is added
// last when additionalProperties=false was removed anywhere. The operation
// is a fixed point: cleaning a cleaned schema changes nothing. Callers
// needing the original must pass a deep copy.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	var notes []string
	sealed := false
	cleanNode(schema, &notes, &sealed)
	if sealed {
		notes = append(notes, "no additional properties")
	}
	if len(notes) > 0 {
		annotation := "(" + strings.Join(notes, ", ") + ")"
		if desc, _ := schema["description"].(string); strings.TrimSpace(desc) != "" {
			schema["description"] = desc + " " + annotation
		} else {
			schema["description"] = annotation
		}
	}
	return schema
}

func cleanNode(node map[string]interface{}, notes *[]string, sealed *bool) {
	if v, ok := node["additionalProperties"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			*sealed = true
		}
	}
	for _, k := range droppedKeys {
		delete(node, k)
	}
	for _, facet := range droppedFacets {
		if v, ok := node[facet]; ok {
			*notes = append(*notes, fmt.Sprintf("%s: %v", facet, v))
			delete(node, facet)
		}
	}

	// required must only name keys that survive in properties.
	props, _ := node["properties"].(map[string]interface{})
	if rawRequired, ok := node["required"].([]interface{}); ok {
		var kept []interface{}
		for _, entry := range rawRequired {
			name, isString := entry.(string)
			if !isString {
				continue
			}
			if props != nil {
				if _, exists := props[name]; !exists {
					continue
				}
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(node, "required")
		} else {
			node["required"] = kept
		}
	}

	// Recurse deterministically so the annotation order is stable.
	if props != nil {
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if child, ok := props[k].(map[string]interface{}); ok {
				cleanNode(child, notes, sealed)
			}
		}
	}
	for _, k := range []string{"items", "contains", "propertyNames", "not"} {
		if child, ok := node[k].(map[string]interface{}); ok {
			cleanNode(child, notes, sealed)
		}
	}
	for _, k := range []string{"anyOf", "oneOf", "allOf", "prefixItems"} {
		if list, ok := node[k].([]interface{}); ok {
			for _, entry := range list {
				if child, ok := entry.(map[string]interface{}); ok {
					cleanNode(child, notes, sealed)
				}
			}
		}
	}
	if defs, ok := node["$defs"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(defs))
		for k := range defs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if child, ok := defs[k].(map[string]interface{}); ok {
				cleanNode(child, notes, sealed)
			}
		}
	}
}
