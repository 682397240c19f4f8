package anthropic

import (
	"encoding/json"
	"testing"
)

func TestContentUnmarshalString(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Content.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(msg.Content.Blocks))
	}
	if b := msg.Content.Blocks[0]; b.Type != "text" || b.Text != "hello" {
		t.Errorf("block = %+v", b)
	}
}

func TestContentUnmarshalBlockArray(t *testing.T) {
	raw := `{"role":"assistant","content":[
		{"type":"thinking","thinking":"plan","signature":"sig"},
		{"type":"text","text":"answer"},
		{"type":"tool_use","id":"c1","name":"lookup","input":{"q":"x"}}
	]}`
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Content.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(msg.Content.Blocks))
	}
	if b := msg.Content.Blocks[0]; b.Thinking != "plan" || b.Signature != "sig" {
		t.Errorf("thinking block = %+v", b)
	}
	if b := msg.Content.Blocks[2]; b.ID != "c1" || b.Name != "lookup" || b.Input["q"] != "x" {
		t.Errorf("tool_use block = %+v", b)
	}
}

func TestToolResultContentShapes(t *testing.T) {
	var stringForm ContentBlock
	if err := json.Unmarshal([]byte(`{"type":"tool_result","tool_use_id":"c1","content":"done"}`), &stringForm); err != nil {
		t.Fatal(err)
	}
	if len(stringForm.Content) != 1 || stringForm.Content[0].Text != "done" {
		t.Errorf("string content = %+v", stringForm.Content)
	}

	var arrayForm ContentBlock
	if err := json.Unmarshal([]byte(`{"type":"tool_result","tool_use_id":"c1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`), &arrayForm); err != nil {
		t.Fatal(err)
	}
	if len(arrayForm.Content) != 2 {
		t.Errorf("array content = %+v", arrayForm.Content)
	}

	var objectForm ContentBlock
	if err := json.Unmarshal([]byte(`{"type":"tool_result","tool_use_id":"c1","is_error":true,"content":{"exit_code":1}}`), &objectForm); err != nil {
		t.Fatal(err)
	}
	if !objectForm.IsError {
		t.Errorf("is_error lost")
	}
	if string(objectForm.RawContent) != `{"exit_code":1}` {
		t.Errorf("RawContent = %s", objectForm.RawContent)
	}
	if len(objectForm.Content) != 0 {
		t.Errorf("object content should stay raw, got %+v", objectForm.Content)
	}
}

func TestSystemFieldShapes(t *testing.T) {
	var req MessagesRequest
	if err := json.Unmarshal([]byte(`{"model":"m","system":"be terse","messages":[]}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.System.Flatten() != "be terse" {
		t.Errorf("Flatten = %q", req.System.Flatten())
	}

	var blockReq MessagesRequest
	raw := `{"model":"m","system":[{"type":"text","text":"part one. "},{"type":"text","text":"part two."}],"messages":[]}`
	if err := json.Unmarshal([]byte(raw), &blockReq); err != nil {
		t.Fatal(err)
	}
	if got := blockReq.System.Flatten(); got != "part one. part two." {
		t.Errorf("Flatten = %q", got)
	}
}

func TestContentMarshalAlwaysArray(t *testing.T) {
	out, err := json.Marshal(Message{Role: "user", Content: Content{}})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"role":"user","content":[]}` {
		t.Errorf("marshal = %s", out)
	}
}

func TestRedactedThinkingBlock(t *testing.T) {
	var b ContentBlock
	if err := json.Unmarshal([]byte(`{"type":"redacted_thinking","data":"opaque"}`), &b); err != nil {
		t.Fatal(err)
	}
	if b.Type != "redacted_thinking" || b.Data != "opaque" {
		t.Errorf("block = %+v", b)
	}
}
