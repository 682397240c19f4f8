package translator

import (
	"github.com/google/uuid"

	"github.com/skyrelay/antigravity-gateway/internal/anthropic"
	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
)

// BlocksFromResponse converts an upstream reply into client content
// blocks and a stop reason. Signatures seen on the way out are cached for
// re-attachment on the next turn.
func (t *Translator) BlocksFromResponse(resp *antigravity.GenerateResponse) ([]anthropic.ContentBlock, string) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, "end_turn"
	}
	candidate := resp.Candidates[0]
	var blocks []anthropic.ContentBlock
	sawToolUse := false

	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			if part.ThoughtSignature != "" {
				t.sigs.RememberToolCall(id, part.ThoughtSignature)
			}
			input := part.FunctionCall.Args
			if input == nil {
				input = map[string]interface{}{}
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: input,
			})
			sawToolUse = true
		case part.Thought:
			if part.ThoughtSignature != "" {
				t.sigs.RememberText(part.Text, part.ThoughtSignature)
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			})
		case part.Text != "":
			if part.ThoughtSignature != "" {
				t.sigs.RememberText(part.Text, part.ThoughtSignature)
			}
			blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: part.Text})
		}
	}

	stopReason := "end_turn"
	switch candidate.FinishReason {
	case "MAX_TOKENS":
		stopReason = "max_tokens"
	case "STOP", "":
		stopReason = "end_turn"
	}
	if sawToolUse {
		stopReason = "tool_use"
	}
	return blocks, stopReason
}
