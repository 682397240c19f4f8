package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/skyrelay/antigravity-gateway/internal/tokens"
)

// ToolCall is one complete tool invocation ready for emission.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage carries final token accounting into Finish.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Emitter converts model deltas into the client's content-block SSE
// protocol. At most one text and one thinking block are open at a time;
// tool_use blocks never overlap anything.
type Emitter struct {
	w       io.Writer
	flusher http.Flusher

	requestID   string
	model       string
	inputTokens int

	nextIndex          int
	textBlockIndex     *int
	thinkingBlockIndex *int
	totalOutputTokens  int
	finished           bool
	writeErr           error
}

// NewEmitter builds an emitter writing SSE frames to w. The flusher may
// be nil (tests, buffers).
func NewEmitter(w io.Writer, requestID, model string, inputTokens int) *Emitter {
	flusher, _ := w.(http.Flusher)
	return &Emitter{
		w:           w,
		flusher:     flusher,
		requestID:   requestID,
		model:       model,
		inputTokens: inputTokens,
	}
}

// Err returns the first write failure, if any. Writing stops after it.
func (e *Emitter) Err() error {
	return e.writeErr
}

// Start emits message_start with the empty message envelope.
func (e *Emitter) Start() {
	e.emit("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":          "msg_" + e.requestID,
			"type":        "message",
			"role":        "assistant",
			"model":       e.model,
			"content":     []interface{}{},
			"stop_reason": nil,
			"usage": map[string]int{
				"input_tokens":  e.inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

// SendText streams a text delta, closing any open thinking block first.
func (e *Emitter) SendText(chunk string) {
	if chunk == "" || e.finished {
		return
	}
	e.closeThinking()
	if e.textBlockIndex == nil {
		idx := e.openBlock(map[string]interface{}{"type": "text", "text": ""})
		e.textBlockIndex = &idx
	}
	e.emit("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": *e.textBlockIndex,
		"delta": map[string]interface{}{"type": "text_delta", "text": chunk},
	})
	e.totalOutputTokens += tokens.Estimate(chunk)
}

// SendThinking streams a thinking delta, closing any open text block first.
func (e *Emitter) SendThinking(chunk string) {
	if chunk == "" || e.finished {
		return
	}
	e.closeText()
	if e.thinkingBlockIndex == nil {
		idx := e.openBlock(map[string]interface{}{"type": "thinking", "thinking": ""})
		e.thinkingBlockIndex = &idx
	}
	e.emit("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": *e.thinkingBlockIndex,
		"delta": map[string]interface{}{"type": "thinking_delta", "thinking": chunk},
	})
	e.totalOutputTokens += tokens.Estimate(chunk)
}

// SendToolCalls closes open blocks and emits each call as its own
// tool_use block: start, one input_json_delta, stop.
func (e *Emitter) SendToolCalls(calls []ToolCall) {
	if len(calls) == 0 || e.finished {
		return
	}
	e.closeThinking()
	e.closeText()
	for _, call := range calls {
		idx := e.openBlock(map[string]interface{}{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Name,
			"input": map[string]interface{}{},
		})
		args := call.Arguments
		if args == "" {
			args = "{}"
		}
		e.emit("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": args},
		})
		e.closeBlock(idx)
		e.totalOutputTokens += tokens.Estimate(args)
	}
}

// Finish closes any open blocks and ends the message. Safe to call twice.
func (e *Emitter) Finish(usage Usage) {
	if e.finished {
		return
	}
	e.finished = true
	e.closeThinking()
	e.closeText()

	input := usage.InputTokens
	if input == 0 {
		input = e.inputTokens
	}
	output := usage.OutputTokens
	if output == 0 {
		output = e.totalOutputTokens
	}
	e.emit("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		"usage": map[string]int{
			"input_tokens":  input,
			"output_tokens": output,
		},
	})
	e.emit("message_stop", map[string]interface{}{"type": "message_stop"})
}

// OutputTokens returns the running estimated output total.
func (e *Emitter) OutputTokens() int {
	return e.totalOutputTokens
}

func (e *Emitter) openBlock(contentBlock map[string]interface{}) int {
	idx := e.nextIndex
	e.nextIndex++
	e.emit("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": contentBlock,
	})
	return idx
}

func (e *Emitter) closeBlock(idx int) {
	e.emit("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": idx,
	})
}

func (e *Emitter) closeText() {
	if e.textBlockIndex != nil {
		e.closeBlock(*e.textBlockIndex)
		e.textBlockIndex = nil
	}
}

func (e *Emitter) closeThinking() {
	if e.thinkingBlockIndex != nil {
		e.closeBlock(*e.thinkingBlockIndex)
		e.thinkingBlockIndex = nil
	}
}

func (e *Emitter) emit(event string, payload interface{}) {
	if e.writeErr != nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.writeErr = err
		return
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		// Client is gone; abandon the rest of the stream.
		e.writeErr = err
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
