// Package format translates between the Anthropic Messages wire format and
// the Google generateContent wire format spoken by the Cloud Code API. The
// Translator is constructed once in main and shared; it owns the signature
// and schema caches but keeps no per-request state.
package format

import "encoding/json"

// GoogleContent is one conversation turn in Google format.
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GooglePart is a single content part. Exactly one of the payload fields is
// set; Thought marks thinking text.
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is a tool invocation emitted by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model. Name echoes the
// tool_use id so upstream can pair call and result.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// InlineData is base64 inline media.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references media by URI.
type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// GoogleRequest is the inner request object of the Cloud Code payload.
// SessionID scopes upstream prompt caching to one conversation; the transport
// layer fills it in.
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// GenerationConfig maps the Anthropic sampling knobs onto Google's names.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables thought output. The wire casing differs per model
// family: Claude models expect snake_case keys, Gemini models camelCase.
// Only one pair is populated for a given request.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsCamel bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetCamel  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool wraps the function declarations of a request.
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolConfig carries the function calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig selects how the model may call functions.
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// GoogleResponse is a complete (or accumulated) generateContent response.
type GoogleResponse struct {
	Candidates    []GoogleCandidate `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata    `json:"usageMetadata,omitempty"`
}

// GoogleCandidate is one response candidate; only the first is used.
type GoogleCandidate struct {
	Content      *GoogleContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

// UsageMetadata is Google's token accounting block.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
}

// streamFrame is one decoded SSE data payload. Upstream sometimes wraps the
// response object and sometimes sends candidates at the top level; both
// shapes are accepted. Error frames abort the stream.
type streamFrame struct {
	Response      *GoogleResponse   `json:"response,omitempty"`
	Candidates    []GoogleCandidate `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata    `json:"usageMetadata,omitempty"`
	Error         *frameError       `json:"error,omitempty"`
}

// frameError is the error object of a mid-stream failure frame.
type frameError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// inner returns the effective response payload of a frame regardless of
// wrapping.
func (f *streamFrame) inner() *GoogleResponse {
	if f.Response != nil {
		return f.Response
	}
	return &GoogleResponse{Candidates: f.Candidates, UsageMetadata: f.UsageMetadata}
}

// DecodeGoogleResponse parses a buffered generateContent body, which may or
// may not be wrapped in a {"response": ...} envelope.
func DecodeGoogleResponse(data []byte) (*GoogleResponse, error) {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Error != nil {
		return nil, streamFrameError(frame.Error)
	}
	return frame.inner(), nil
}
