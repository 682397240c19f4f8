package antigravity

import "testing"

func TestModelNameRoundTrip(t *testing.T) {
	cases := []struct {
		public string
		wire   string
	}{
		{"gemini-2.5-flash", "rev19-f1-1p"},
		{"gemini-2.5-flash-lite", "rev19-f1-lite-1p"},
		{"gemini-2.5-computer-use-preview-10-2025", "rev19-uic3-1p"},
		{"gemini-3-pro-preview", "gemini-3-pro-high"},
		{"gemini-3-flash-preview", "gemini-3-flash"},
		{"claude-sonnet-4-5", "antigravity-claude-sonnet-4-5"},
		{"claude-opus-4-5-thinking", "antigravity-claude-opus-4-5-thinking"},
		{"gemini-2.5-pro", "gemini-2.5-pro"},
	}
	for _, tc := range cases {
		if got := WireModelName(tc.public); got != tc.wire {
			t.Errorf("WireModelName(%q) = %q, want %q", tc.public, got, tc.wire)
		}
		if got := PublicModelName(tc.wire); got != tc.public {
			t.Errorf("PublicModelName(%q) = %q, want %q", tc.wire, got, tc.public)
		}
	}
}

func TestGroupFor(t *testing.T) {
	group := GroupFor("gemini-2.5-pro")
	if len(group) != 5 {
		t.Fatalf("group size = %d, want 5", len(group))
	}
	members := map[string]bool{}
	for _, m := range group {
		members[m] = true
	}
	for _, want := range []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.5-flash-thinking",
		"gemini-2.5-computer-use-preview-10-2025",
	} {
		if !members[want] {
			t.Errorf("group missing %s", want)
		}
	}

	if got := GroupFor("claude-sonnet-4-5"); len(got) != 3 {
		t.Errorf("claude group size = %d, want 3", len(got))
	}
	if got := GroupFor("not-a-model"); got != nil {
		t.Errorf("unknown model grouped: %v", got)
	}
}

func TestModelClassification(t *testing.T) {
	cases := []struct {
		model    string
		claude   bool
		gemini3  bool
		thinking bool
	}{
		{"gemini-2.5-pro", false, false, false},
		{"gemini-2.5-flash-thinking", false, false, true},
		{"gemini-3-pro-high", false, true, true},
		{"gemini-3-pro-preview", false, true, true},
		{"gemini-3-flash", false, true, true},
		{"claude-sonnet-4-5", true, false, true},
		{"claude-opus-4-5-thinking", true, false, true},
		{"antigravity-claude-sonnet-4-5", true, false, true},
	}
	for _, tc := range cases {
		if got := IsClaudeModel(tc.model); got != tc.claude {
			t.Errorf("IsClaudeModel(%q) = %v, want %v", tc.model, got, tc.claude)
		}
		if got := IsGemini3Model(tc.model); got != tc.gemini3 {
			t.Errorf("IsGemini3Model(%q) = %v, want %v", tc.model, got, tc.gemini3)
		}
		if got := SupportsThinking(tc.model); got != tc.thinking {
			t.Errorf("SupportsThinking(%q) = %v, want %v", tc.model, got, tc.thinking)
		}
	}
}
