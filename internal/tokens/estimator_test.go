package tokens

import (
	"strings"
	"testing"

	"github.com/skyrelay/antigravity-gateway/internal/anthropic"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 40), 10},
	}
	for _, tc := range cases {
		if got := Estimate(tc.text); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimateRequestRendersAllSources(t *testing.T) {
	base := anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.Content{Blocks: []anthropic.ContentBlock{{Type: "text", Text: "hello there"}}}},
		},
	}
	withTool := base
	withTool.Messages = append(withTool.Messages,
		anthropic.Message{Role: "assistant", Content: anthropic.Content{Blocks: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "c1", Name: "lookup", Input: map[string]interface{}{"q": "x"}},
		}}},
		anthropic.Message{Role: "user", Content: anthropic.Content{Blocks: []anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "c1", Content: []anthropic.ContentBlock{{Type: "text", Text: "result body"}}},
		}}},
	)

	if EstimateRequest(withTool) <= EstimateRequest(base) {
		t.Errorf("tool turns should increase the estimate")
	}

	withSystem := base
	withSystem.System = anthropic.SystemField{Text: strings.Repeat("system prompt ", 10)}
	if EstimateRequest(withSystem) <= EstimateRequest(base) {
		t.Errorf("system prompt should increase the estimate")
	}
}

func TestNewCountResultAliases(t *testing.T) {
	got := NewCountResult(42)
	if got.InputTokens != 42 || got.TokenCount != 42 || got.Tokens != 42 {
		t.Errorf("aliases disagree: %+v", got)
	}
}

func TestLedgerCounts(t *testing.T) {
	l := NewLedger()
	if got := l.CountWithinWindow("p1"); got != 0 {
		t.Fatalf("empty ledger count = %d", got)
	}
	for i := 0; i < 5; i++ {
		l.Record("p1")
	}
	l.Record("p2")
	if got := l.CountWithinWindow("p1"); got != 5 {
		t.Errorf("p1 count = %d, want 5", got)
	}
	if got := l.CountWithinWindow("p2"); got != 1 {
		t.Errorf("p2 count = %d, want 1", got)
	}
}

func TestLedgerPrunesOldEntries(t *testing.T) {
	l := NewLedger()
	l.window = 0 // everything is immediately stale
	l.Record("p1")
	if got := l.CountWithinWindow("p1"); got != 0 {
		t.Errorf("count = %d, want 0 after window elapsed", got)
	}
}
