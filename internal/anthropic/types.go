package anthropic

import (
	"encoding/json"
	"strings"
)

// MessagesRequest represents the /v1/messages payload.
type MessagesRequest struct {
	Model         string      `json:"model"`
	Messages      []Message   `json:"messages"`
	System        SystemField `json:"system,omitempty"`
	Tools         []Tool      `json:"tools,omitempty"`
	MaxTokens     int         `json:"max_tokens,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	TopK          *int        `json:"top_k,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	Thinking      *Thinking   `json:"thinking,omitempty"`
}

// Thinking carries the extended-reasoning request options.
type Thinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Tool mirrors the client tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Message represents one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content supports string or array of blocks.
type Content struct {
	Blocks []ContentBlock
}

// ImageSource holds base64 or URL image payloads.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock captures text/image/thinking/tool_use/tool_result blocks.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image fields
	Source *ImageSource `json:"source,omitempty"`

	// thinking fields
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	// redacted_thinking payload
	Data string `json:"data,omitempty"`

	// tool_use fields
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	// RawContent preserves object-shaped tool_result content verbatim.
	RawContent json.RawMessage `json:"-"`
}

// SystemField supports string or array<content_block>.
type SystemField struct {
	Text   string
	Blocks []ContentBlock
}

// Usage reports token accounting on responses.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse models the non-stream reply.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Flatten renders the system field into plain text.
func (s SystemField) Flatten() string {
	if strings.TrimSpace(s.Text) != "" {
		return s.Text
	}
	var b strings.Builder
	for _, block := range s.Blocks {
		if strings.EqualFold(block.Type, "text") {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// MarshalJSON ensures messages carry an array of content blocks.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Blocks) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON for Content supports string or block-array shapes.
func (c *Content) UnmarshalJSON(b []byte) error {
	btrim := strings.TrimSpace(string(b))
	if len(btrim) > 0 && btrim[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		c.Blocks = []ContentBlock{{Type: "text", Text: s}}
		return nil
	}
	var arr []ContentBlock
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	c.Blocks = arr
	return nil
}

// UnmarshalJSON for ContentBlock tolerates flexible tool_result shapes:
// string content, block arrays, or bare objects.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		_ = json.Unmarshal(v, &b.Type)
	}
	if v, ok := raw["text"]; ok {
		_ = json.Unmarshal(v, &b.Text)
	}
	if v, ok := raw["source"]; ok {
		_ = json.Unmarshal(v, &b.Source)
	}
	if v, ok := raw["thinking"]; ok {
		_ = json.Unmarshal(v, &b.Thinking)
	}
	if v, ok := raw["signature"]; ok {
		_ = json.Unmarshal(v, &b.Signature)
	}
	if v, ok := raw["data"]; ok {
		_ = json.Unmarshal(v, &b.Data)
	}
	if v, ok := raw["id"]; ok {
		_ = json.Unmarshal(v, &b.ID)
	}
	if v, ok := raw["name"]; ok {
		_ = json.Unmarshal(v, &b.Name)
	}
	if v, ok := raw["input"]; ok {
		var anyv interface{}
		if err := json.Unmarshal(v, &anyv); err == nil {
			if m, ok := anyv.(map[string]interface{}); ok {
				b.Input = m
			}
		}
	}
	if v, ok := raw["tool_use_id"]; ok {
		_ = json.Unmarshal(v, &b.ToolUseID)
	}
	if v, ok := raw["is_error"]; ok {
		_ = json.Unmarshal(v, &b.IsError)
	}
	if v, ok := raw["content"]; ok && len(v) > 0 && string(v) != "null" {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			b.Content = []ContentBlock{{Type: "text", Text: s}}
			return nil
		}
		var arr []ContentBlock
		if err := json.Unmarshal(v, &arr); err == nil {
			b.Content = arr
			return nil
		}
		// Object-shaped content is kept raw for JSON stringification later.
		b.RawContent = append(json.RawMessage(nil), v...)
	}
	return nil
}

// MarshalJSON encodes the system field in client-compatible form.
func (s SystemField) MarshalJSON() ([]byte, error) {
	text := strings.TrimSpace(s.Text)
	switch {
	case len(s.Blocks) > 0:
		return json.Marshal(s.Blocks)
	case text != "":
		return json.Marshal(text)
	default:
		return []byte("[]"), nil
	}
}

// UnmarshalJSON for SystemField allows string or array of blocks.
func (s *SystemField) UnmarshalJSON(b []byte) error {
	btrim := strings.TrimSpace(string(b))
	if btrim == "" || btrim == "null" {
		return nil
	}
	if btrim[0] == '"' {
		var text string
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		s.Text = text
		return nil
	}
	var arr []ContentBlock
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	s.Blocks = arr
	return nil
}
