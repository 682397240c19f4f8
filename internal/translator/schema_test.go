package translator

import (
	"encoding/json"
	"reflect"
	"testing"
)

func schemaFromJSON(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return out
}

func TestCleanSchemaStripsFacetsIntoDescription(t *testing.T) {
	schema := schemaFromJSON(t, `{
		"type": "object",
		"properties": {"x": {"type": "string", "minLength": 3}},
		"required": ["x", "y"],
		"additionalProperties": false,
		"$schema": "http://json-schema.org/draft-07/schema#"
	}`)

	got := CleanSchema(schema)

	if _, ok := got["$schema"]; ok {
		t.Errorf("$schema not removed")
	}
	if _, ok := got["additionalProperties"]; ok {
		t.Errorf("additionalProperties not removed")
	}
	x := got["properties"].(map[string]interface{})["x"].(map[string]interface{})
	if _, ok := x["minLength"]; ok {
		t.Errorf("minLength not removed from property")
	}
	required, _ := got["required"].([]interface{})
	if !reflect.DeepEqual(required, []interface{}{"x"}) {
		t.Errorf("required = %v, want [x]", required)
	}
	if desc, _ := got["description"].(string); desc != "(minLength: 3, no additional properties)" {
		t.Errorf("description = %q", desc)
	}
}

func TestCleanSchemaKeepsExistingDescription(t *testing.T) {
	schema := schemaFromJSON(t, `{
		"type": "object",
		"description": "widget input",
		"properties": {"n": {"type": "integer", "minimum": 1, "maximum": 10}}
	}`)

	got := CleanSchema(schema)
	if desc, _ := got["description"].(string); desc != "widget input (minimum: 1, maximum: 10)" {
		t.Errorf("description = %q", desc)
	}
}

func TestCleanSchemaDropsEmptiedRequired(t *testing.T) {
	schema := schemaFromJSON(t, `{
		"type": "object",
		"properties": {"a": {"type": "string"}},
		"required": ["b", "c"]
	}`)

	got := CleanSchema(schema)
	if _, ok := got["required"]; ok {
		t.Errorf("required should be dropped when emptied, got %v", got["required"])
	}
}

func TestCleanSchemaRecursesNestedNodes(t *testing.T) {
	schema := schemaFromJSON(t, `{
		"type": "object",
		"properties": {
			"list": {
				"type": "array",
				"items": {"type": "string", "pattern": "^a"},
				"uniqueItems": true
			}
		},
		"anyOf": [{"format": "uri"}]
	}`)

	got := CleanSchema(schema)
	items := got["properties"].(map[string]interface{})["list"].(map[string]interface{})["items"].(map[string]interface{})
	if _, ok := items["pattern"]; ok {
		t.Errorf("pattern not removed from items")
	}
	branch := got["anyOf"].([]interface{})[0].(map[string]interface{})
	if _, ok := branch["format"]; ok {
		t.Errorf("format not removed from anyOf branch")
	}
	if desc, _ := got["description"].(string); desc == "" {
		t.Errorf("expected facet annotation on root description")
	}
}

func TestCleanSchemaIsFixedPoint(t *testing.T) {
	raw := `{
		"type": "object",
		"properties": {"x": {"type": "string", "minLength": 3}},
		"required": ["x", "y"],
		"additionalProperties": false
	}`

	once := CleanSchema(schemaFromJSON(t, raw))

	// Cleaning the already-clean result must change nothing.
	data, err := json.Marshal(once)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var copied map[string]interface{}
	if err := json.Unmarshal(data, &copied); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	twice := CleanSchema(copied)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("clean(clean(s)) != clean(s)\nonce:  %v\ntwice: %v", once, twice)
	}
}

func TestCleanSchemaNil(t *testing.T) {
	if got := CleanSchema(nil); got != nil {
		t.Errorf("CleanSchema(nil) = %v, want nil", got)
	}
}
