package antigravity

import "encoding/json"

// Envelope is the outer upstream request body.
type Envelope struct {
	Project   string       `json:"project"`
	RequestID string       `json:"requestId"`
	Model     string       `json:"model"`
	UserAgent string       `json:"userAgent"`
	Request   InnerRequest `json:"request"`
}

// InnerRequest carries the generation payload.
type InnerRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// Content is one conversation turn in upstream form.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is the union of text / inlineData / functionCall / functionResponse.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// InlineData carries base64 image payloads.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is an upstream tool invocation.
type FunctionCall struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// FunctionResponse is the reply to a prior FunctionCall.
type FunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// Tool wraps function declarations.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig selects the function-calling mode.
type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

type FunctionCallingConfig struct {
	Mode string `json:"mode"`
}

// ThinkingConfig toggles reasoning output.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget"`
}

// GenerationConfig mirrors the upstream sampling options.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	CandidateCount  int             `json:"candidateCount,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// UsageMetadata is the upstream token accounting block.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Candidate is one generated alternative.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// GenerateResponse is a single upstream response or SSE chunk. The
// v1internal surface wraps the payload under "response"; bare payloads are
// accepted too.
type GenerateResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

type responseWrapper struct {
	Response *GenerateResponse `json:"response"`
}

// ParseResponse decodes an upstream JSON payload, unwrapping the
// "response" envelope when present.
func ParseResponse(data []byte) (*GenerateResponse, error) {
	var wrapped responseWrapper
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Response != nil {
		return wrapped.Response, nil
	}
	var resp GenerateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ModelQuota is the per-model slice of a credential's daily allotment.
type ModelQuota struct {
	// Remaining is a fraction of the daily allotment in [0,1].
	Remaining float64
	ResetTime string
}
