package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skyrelay/antigravity-gateway/internal/anthropic"
)

// Estimate approximates a token count at four characters per token.
func Estimate(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CountResult is the accounting reply. All three fields carry the same
// value; clients read whichever alias they expect.
type CountResult struct {
	InputTokens int `json:"input_tokens"`
	TokenCount  int `json:"token_count"`
	Tokens      int `json:"tokens"`
}

// NewCountResult wraps a count in the aliased reply shape.
func NewCountResult(n int) CountResult {
	return CountResult{InputTokens: n, TokenCount: n, Tokens: n}
}

// EstimateRequest renders the whole request to plain text and counts it:
// message content, the system prompt, and the tools JSON.
func EstimateRequest(req anthropic.MessagesRequest) int {
	var b strings.Builder
	for _, msg := range req.Messages {
		for _, block := range msg.Content.Blocks {
			renderBlock(&b, block)
		}
	}
	b.WriteString(req.System.Flatten())
	if len(req.Tools) > 0 {
		if raw, err := json.Marshal(req.Tools); err == nil {
			b.Write(raw)
		}
	}
	return Estimate(b.String())
}

func renderBlock(b *strings.Builder, block anthropic.ContentBlock) {
	switch strings.ToLower(block.Type) {
	case "text":
		b.WriteString(block.Text)
	case "thinking":
		b.WriteString(block.Thinking)
	case "tool_use":
		args := "{}"
		if block.Input != nil {
			if raw, err := json.Marshal(block.Input); err == nil {
				args = string(raw)
			}
		}
		fmt.Fprintf(b, "<invoke name=%q>%s</invoke>", block.Name, args)
	case "tool_result":
		var content strings.Builder
		for _, inner := range block.Content {
			if strings.EqualFold(inner.Type, "text") {
				content.WriteString(inner.Text)
			}
		}
		if content.Len() == 0 && len(block.RawContent) > 0 {
			content.Write(block.RawContent)
		}
		fmt.Fprintf(b, "<tool_result id=%q>%s</tool_result>", block.ToolUseID, content.String())
	default:
		b.WriteString(block.Text)
	}
}

// Ledger records successful selections per project for the rolling
// hourly-cap check.
type Ledger struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewLedger builds a ledger with a one-hour window.
func NewLedger() *Ledger {
	return &Ledger{window: time.Hour, entries: make(map[string][]time.Time)}
}

// Record notes one selection for the project.
func (l *Ledger) Record(projectID string) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[projectID] = append(l.pruneLocked(projectID, now), now)
}

// CountWithinWindow returns selections within the rolling window.
func (l *Ledger) CountWithinWindow(projectID string) int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := l.pruneLocked(projectID, now)
	if len(pruned) == 0 {
		delete(l.entries, projectID)
		return 0
	}
	l.entries[projectID] = pruned
	return len(pruned)
}

func (l *Ledger) pruneLocked(projectID string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	stamps := l.entries[projectID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
