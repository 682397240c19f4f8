package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
	"github.com/skyrelay/antigravity-gateway/internal/translator"
)

// Relay reads the upstream SSE body and drives the emitter with its
// deltas. Signatures seen in flight are cached for the next turn. The
// returned usage reflects the last usageMetadata chunk.
func Relay(ctx context.Context, r io.Reader, em *Emitter, sigs *translator.SignatureCache, logger *log.Logger) (Usage, error) {
	if logger == nil {
		logger = log.Default()
	}
	reader := bufio.NewReader(r)
	var usage Usage

	for {
		select {
		case <-ctx.Done():
			return usage, ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return usage, nil
			}
			return usage, err
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			return usage, nil
		}

		resp, err := antigravity.ParseResponse([]byte(payload))
		if err != nil {
			logger.Printf("[WARN] stream: unable to parse upstream chunk: %v", err)
			continue
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = resp.UsageMetadata.PromptTokenCount
			usage.OutputTokens = resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount
		}
		if len(resp.Candidates) == 0 {
			continue
		}

		var calls []ToolCall
		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				id := part.FunctionCall.ID
				if id == "" {
					id = "toolu_" + uuid.NewString()
				}
				if part.ThoughtSignature != "" {
					sigs.RememberToolCall(id, part.ThoughtSignature)
				}
				args := "{}"
				if part.FunctionCall.Args != nil {
					if raw, err := json.Marshal(part.FunctionCall.Args); err == nil {
						args = string(raw)
					}
				}
				calls = append(calls, ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: args})
			case part.Thought:
				if part.ThoughtSignature != "" {
					sigs.RememberText(part.Text, part.ThoughtSignature)
				}
				em.SendThinking(part.Text)
			case part.Text != "":
				if part.ThoughtSignature != "" {
					sigs.RememberText(part.Text, part.ThoughtSignature)
				}
				em.SendText(part.Text)
			}
		}
		if len(calls) > 0 {
			em.SendToolCalls(calls)
		}
		if em.Err() != nil {
			return usage, em.Err()
		}
	}
}
