package translator

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/skyrelay/antigravity-gateway/internal/anthropic"
	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
	"github.com/skyrelay/antigravity-gateway/internal/credential"
)

// redactedThinkingText replaces redacted thinking payloads on the wire.
const redactedThinkingText = "[思考内容已隐藏]"

// thinkingBudget is the fixed reasoning budget sent upstream.
const thinkingBudget = 1024

var defaultStopSequences = []string{"<|user|>", "<|bot|>", "<|context_request|>", "<|endoftext|>", "<|end_of_turn|>"}

// InputError flags a client schema violation and names the field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid request field %s: %s", e.Field, e.Message)
}

// Options carries the deployment-level translation defaults.
type Options struct {
	UserAgent          string
	SystemInstruction  string
	DefaultTemperature *float64
	DefaultTopP        *float64
	DefaultTopK        *int
	DefaultMaxTokens   int
	MaxImages          int
}

// Translator maps client message envelopes into upstream request bodies.
type Translator struct {
	opts Options
	sigs *SignatureCache
	log  *log.Logger
}

// New builds a translator sharing the process-wide signature cache.
func New(opts Options, sigs *SignatureCache, logger *log.Logger) *Translator {
	if logger == nil {
		logger = log.Default()
	}
	if sigs == nil {
		sigs = NewSignatureCache()
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 64000
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 16
	}
	return &Translator{opts: opts, sigs: sigs, log: logger}
}

// Signatures exposes the shared cache for the stream relay.
func (t *Translator) Signatures() *SignatureCache {
	return t.sigs
}

// Build produces the upstream envelope for one client request.
func (t *Translator) Build(req anthropic.MessagesRequest, cred *credential.Credential) (*antigravity.Envelope, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, &InputError{Field: "model", Message: "required"}
	}
	if len(req.Messages) == 0 {
		return nil, &InputError{Field: "messages", Message: "at least one message required"}
	}

	isClaude := antigravity.IsClaudeModel(model)
	isGemini3 := antigravity.IsGemini3Model(model)
	enableThinking := antigravity.SupportsThinking(model)

	state := &buildState{
		toolNames: make(map[string]string),
		maxImages: t.opts.MaxImages,
	}

	var contents []antigravity.Content
	for i, msg := range req.Messages {
		role := "user"
		if strings.EqualFold(msg.Role, "assistant") {
			role = "model"
		} else if !strings.EqualFold(msg.Role, "user") {
			return nil, &InputError{Field: fmt.Sprintf("messages[%d].role", i), Message: "must be user or assistant"}
		}
		parts, turnSig := t.buildParts(msg, role == "model", state)
		if len(parts) == 0 {
			continue
		}
		if role == "model" && isGemini3 && turnSig != "" {
			attachSignature(parts, turnSig)
		}
		// Consecutive same-role turns collapse into one upstream content.
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		} else {
			contents = append(contents, antigravity.Content{Role: role, Parts: parts})
		}
	}
	if len(contents) == 0 {
		return nil, &InputError{Field: "messages", Message: "no usable content blocks"}
	}

	// The upstream refuses to continue reasoning without a valid
	// signature, and wants thoughts first in the final assistant turn.
	switch {
	case state.missingSignature:
		enableThinking = false
	default:
		if last := lastModelTurn(contents); last != nil {
			if !hasThought(last.Parts) {
				enableThinking = false
			} else {
				last.Parts = thoughtsFirst(last.Parts)
			}
		}
	}

	inner := antigravity.InnerRequest{
		Contents:  contents,
		SessionID: sessionID(req, cred),
	}

	if sys := strings.TrimSpace(firstNonEmpty(req.System.Flatten(), t.opts.SystemInstruction)); sys != "" {
		inner.SystemInstruction = &antigravity.Content{
			Role:  "user",
			Parts: []antigravity.Part{{Text: sys}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]antigravity.FunctionDeclaration, 0, len(req.Tools))
		for i, tool := range req.Tools {
			if strings.TrimSpace(tool.Name) == "" {
				return nil, &InputError{Field: fmt.Sprintf("tools[%d].name", i), Message: "required"}
			}
			decls = append(decls, antigravity.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanSchema(deepCopySchema(tool.InputSchema)),
			})
		}
		inner.Tools = []antigravity.Tool{{FunctionDeclarations: decls}}
		inner.ToolConfig = &antigravity.ToolConfig{
			FunctionCallingConfig: antigravity.FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}

	gen := &antigravity.GenerationConfig{
		Temperature:    firstFloat(req.Temperature, t.opts.DefaultTemperature),
		TopP:           firstFloat(req.TopP, t.opts.DefaultTopP),
		TopK:           firstInt(req.TopK, t.opts.DefaultTopK),
		CandidateCount: 1,
	}
	if req.MaxTokens > 0 {
		gen.MaxOutputTokens = req.MaxTokens
	} else {
		gen.MaxOutputTokens = t.opts.DefaultMaxTokens
	}
	if len(req.StopSequences) > 0 {
		gen.StopSequences = req.StopSequences
	} else {
		gen.StopSequences = append([]string(nil), defaultStopSequences...)
	}
	if enableThinking {
		gen.ThinkingConfig = &antigravity.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: thinkingBudget}
	} else {
		gen.ThinkingConfig = &antigravity.ThinkingConfig{IncludeThoughts: false, ThinkingBudget: 0}
	}
	// The Claude family rejects topP alongside thinking.
	if isClaude && enableThinking {
		gen.TopP = nil
	}
	inner.GenerationConfig = gen

	return &antigravity.Envelope{
		Project:   cred.Project(),
		RequestID: "agent-" + uuid.NewString(),
		Model:     antigravity.WireModelName(model),
		UserAgent: t.opts.UserAgent,
		Request:   inner,
	}, nil
}

type buildState struct {
	toolNames        map[string]string
	imageCount       int
	maxImages        int
	missingSignature bool
}

// buildParts maps one client message into upstream parts. For assistant
// turns it also resolves the turn's thought signature: the first signed
// thinking block wins, then the tool-call cache.
func (t *Translator) buildParts(msg anthropic.Message, assistant bool, state *buildState) ([]antigravity.Part, string) {
	var parts []antigravity.Part
	var turnSig string
	var toolIDs []string

	for _, block := range msg.Content.Blocks {
		switch strings.ToLower(block.Type) {
		case "text":
			if block.Text == "" {
				continue
			}
			parts = append(parts, antigravity.Part{Text: block.Text})
		case "image":
			part, ok := t.imagePart(block, state)
			if ok {
				parts = append(parts, part)
			}
		case "thinking":
			sig := block.Signature
			if sig == "" {
				sig = t.sigs.LookupText(block.Thinking)
			}
			if sig != "" {
				t.sigs.RememberText(block.Thinking, sig)
				if turnSig == "" {
					turnSig = sig
				}
			} else if assistant {
				state.missingSignature = true
			}
			parts = append(parts, antigravity.Part{Text: block.Thinking, Thought: true})
		case "redacted_thinking":
			parts = append(parts, antigravity.Part{Text: redactedThinkingText, Thought: true})
		case "tool_use":
			state.toolNames[block.ID] = block.Name
			toolIDs = append(toolIDs, block.ID)
			parts = append(parts, antigravity.Part{FunctionCall: &antigravity.FunctionCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			}})
		case "tool_result":
			parts = append(parts, antigravity.Part{FunctionResponse: t.functionResponse(block, state)})
		default:
			if block.Text != "" {
				parts = append(parts, antigravity.Part{Text: block.Text})
			}
		}
	}

	if assistant {
		if turnSig == "" {
			for _, id := range toolIDs {
				if sig := t.sigs.LookupToolCall(id); sig != "" {
					turnSig = sig
					break
				}
			}
		}
		if turnSig != "" {
			for _, id := range toolIDs {
				t.sigs.RememberToolCall(id, turnSig)
			}
		}
	}
	return parts, turnSig
}

func (t *Translator) imagePart(block anthropic.ContentBlock, state *buildState) (antigravity.Part, bool) {
	if block.Source == nil {
		t.log.Printf("[WARN] translator: image block without source, dropping")
		return antigravity.Part{}, false
	}
	if !strings.EqualFold(block.Source.Type, "base64") {
		t.log.Printf("[WARN] translator: URL image sources are unsupported, dropping")
		return antigravity.Part{}, false
	}
	if state.imageCount >= state.maxImages {
		t.log.Printf("[WARN] translator: image limit %d reached, dropping extra image", state.maxImages)
		return antigravity.Part{}, false
	}
	state.imageCount++
	return antigravity.Part{InlineData: &antigravity.InlineData{
		MimeType: block.Source.MediaType,
		Data:     block.Source.Data,
	}}, true
}

// functionResponse builds the upstream reply part for a tool_result. The
// name comes from the matching prior functionCall; unknown ids keep an
// empty name.
func (t *Translator) functionResponse(block anthropic.ContentBlock, state *buildState) *antigravity.FunctionResponse {
	payload := stringifyToolResult(block)
	response := map[string]interface{}{"result": payload}
	if block.IsError {
		response = map[string]interface{}{"error": payload}
	}
	return &antigravity.FunctionResponse{
		ID:       block.ToolUseID,
		Name:     state.toolNames[block.ToolUseID],
		Response: response,
	}
}

func stringifyToolResult(block anthropic.ContentBlock) string {
	if len(block.Content) > 0 {
		var b strings.Builder
		for _, inner := range block.Content {
			if strings.EqualFold(inner.Type, "text") {
				b.WriteString(inner.Text)
			}
		}
		return b.String()
	}
	if len(block.RawContent) > 0 {
		return string(block.RawContent)
	}
	return block.Text
}

// attachSignature pins the signature to exactly one part: the first
// functionCall, else the last non-thought text, else the last thought.
func attachSignature(parts []antigravity.Part, sig string) {
	for i := range parts {
		if parts[i].FunctionCall != nil {
			parts[i].ThoughtSignature = sig
			return
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Text != "" && !parts[i].Thought {
			parts[i].ThoughtSignature = sig
			return
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Thought {
			parts[i].ThoughtSignature = sig
			return
		}
	}
}

func lastModelTurn(contents []antigravity.Content) *antigravity.Content {
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role == "model" {
			return &contents[i]
		}
	}
	return nil
}

func hasThought(parts []antigravity.Part) bool {
	for _, p := range parts {
		if p.Thought {
			return true
		}
	}
	return false
}

// thoughtsFirst stably moves thought parts ahead of the rest.
func thoughtsFirst(parts []antigravity.Part) []antigravity.Part {
	if len(parts) == 0 || parts[0].Thought {
		ordered := true
		seenOther := false
		for _, p := range parts {
			if !p.Thought {
				seenOther = true
			} else if seenOther {
				ordered = false
				break
			}
		}
		if ordered {
			return parts
		}
	}
	out := make([]antigravity.Part, 0, len(parts))
	for _, p := range parts {
		if p.Thought {
			out = append(out, p)
		}
	}
	for _, p := range parts {
		if !p.Thought {
			out = append(out, p)
		}
	}
	return out
}

// sessionID derives a stable id from the first user text so a continued
// conversation lands on the same upstream session; otherwise the
// credential's ephemeral id is used.
func sessionID(req anthropic.MessagesRequest, cred *credential.Credential) string {
	for _, msg := range req.Messages {
		if !strings.EqualFold(msg.Role, "user") {
			continue
		}
		for _, block := range msg.Content.Blocks {
			if strings.EqualFold(block.Type, "text") && strings.TrimSpace(block.Text) != "" {
				sum := sha256.Sum256([]byte(block.Text))
				n := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
				return strconv.FormatInt(n, 10)
			}
		}
	}
	return cred.SessionID()
}

func deepCopySchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
