// Package anthropic defines the Anthropic Messages API wire types used on the
// relay's public surface.
package anthropic

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// MinSignatureLength is the shortest thinking-block signature upstream will
// accept as valid; shorter signatures are treated as absent.
const MinSignatureLength = 50

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// message mirrors Message for two-phase decoding.
type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// UnmarshalJSON accepts both the block-array form and the plain-string
// shorthand the Messages API allows for content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw message
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil
	if len(raw.Content) == 0 {
		return nil
	}
	if raw.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(raw.Content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: "text", Text: text}}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

// ContentBlock is a single content block. Type discriminates which field
// group is populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking; Data carries redacted_thinking payloads
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use; ThoughtSignature is the Gemini-style signature attached to
	// tool calls, echoed back so follow-up turns can be validated upstream.
	ID               string          `json:"id,omitempty"`
	Name             string          `json:"name,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`

	// tool_result; Content is a string or a nested block array
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// prompt caching directive, stripped before upstream conversion
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource describes an image block payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// CacheControl is the prompt-caching directive attached to blocks.
type CacheControl struct {
	Type string `json:"type"`
}

// Tool declares a callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice expresses the caller's tool selection preference.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// ThinkingConfig enables extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessagesRequest is the body of POST /v1/messages. System is either a string
// or a list of text blocks; it is decoded lazily by the converter.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries opaque request tracking info.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// SystemText flattens the system field into plain text, joining text blocks
// with blank lines.
func (r *MessagesRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	if r.System[0] == '"' {
		var s string
		if json.Unmarshal(r.System, &s) == nil {
			return s
		}
		return ""
	}
	var blocks []ContentBlock
	if json.Unmarshal(r.System, &blocks) != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += b.Text
	}
	return out
}

// MessagesResponse is the buffered response body of POST /v1/messages.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// NewMessagesResponse assembles a response envelope with a fresh message ID.
func NewMessagesResponse(model string, content []ContentBlock, stopReason string, usage *Usage) *MessagesResponse {
	return &MessagesResponse{
		ID:         GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReason,
		Usage:      usage,
	}
}

// Usage is the token accounting block.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// DeltaUsage is the reduced usage block carried by message_delta.
type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// SSEEventType names a streaming event.
type SSEEventType string

const (
	SSEEventMessageStart      SSEEventType = "message_start"
	SSEEventContentBlockStart SSEEventType = "content_block_start"
	SSEEventContentBlockDelta SSEEventType = "content_block_delta"
	SSEEventContentBlockStop  SSEEventType = "content_block_stop"
	SSEEventMessageDelta      SSEEventType = "message_delta"
	SSEEventMessageStop       SSEEventType = "message_stop"
	SSEEventPing              SSEEventType = "ping"
	SSEEventError             SSEEventType = "error"
)

// SSEEvent is one streaming event. Index is a pointer so block index 0 is
// still serialized.
type SSEEvent struct {
	Type         SSEEventType      `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        *int              `json:"index,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *ContentDelta     `json:"delta,omitempty"`
	Usage        *DeltaUsage       `json:"usage,omitempty"`
	Error        *ErrorDetail      `json:"error,omitempty"`
}

// ContentDelta is the delta payload inside content_block_delta and
// message_delta events.
type ContentDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// Delta type discriminators.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeSignature = "signature_delta"
)

// CountTokensRequest is the body of POST /v1/messages/count_tokens.
type CountTokensRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
	Tools    []Tool          `json:"tools,omitempty"`
}

// CountTokensResponse is the count_tokens result.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Model is one entry of the GET /v1/models response.
type Model struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name,omitempty"`
}

// ModelsResponse is the GET /v1/models response body.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorResponse is the public error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errorType, message string) *ErrorResponse {
	return &ErrorResponse{Type: "error", Error: ErrorDetail{Type: errorType, Message: message}}
}

// IsText reports whether the block is a text block.
func (cb *ContentBlock) IsText() bool { return cb.Type == "text" }

// IsThinking reports whether the block is a thinking block.
func (cb *ContentBlock) IsThinking() bool { return cb.Type == "thinking" }

// IsToolUse reports whether the block is a tool_use block.
func (cb *ContentBlock) IsToolUse() bool { return cb.Type == "tool_use" }

// IsToolResult reports whether the block is a tool_result block.
func (cb *ContentBlock) IsToolResult() bool { return cb.Type == "tool_result" }

// IsImage reports whether the block is an image block.
func (cb *ContentBlock) IsImage() bool { return cb.Type == "image" }

// HasValidSignature reports whether a thinking block carries a signature long
// enough for upstream validation.
func (cb *ContentBlock) HasValidSignature() bool {
	return cb.IsThinking() && len(cb.Signature) >= MinSignatureLength
}

// GenerateMessageID returns a fresh message identifier.
func GenerateMessageID() string { return "msg_" + randomHex(12) }

// GenerateToolUseID returns a fresh tool_use identifier.
func GenerateToolUseID() string { return "toolu_" + randomHex(12) }

func randomHex(nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for ID generation
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// IntPtr returns a pointer to i. Helper for SSEEvent.Index.
func IntPtr(i int) *int { return &i }

// CloneContentBlock deep-copies a content block.
func CloneContentBlock(cb ContentBlock) ContentBlock {
	clone := cb
	if cb.Input != nil {
		clone.Input = make(json.RawMessage, len(cb.Input))
		copy(clone.Input, cb.Input)
	}
	if cb.Source != nil {
		src := *cb.Source
		clone.Source = &src
	}
	if cb.CacheControl != nil {
		cc := *cb.CacheControl
		clone.CacheControl = &cc
	}
	return clone
}

// CloneMessage deep-copies a message.
func CloneMessage(msg Message) Message {
	clone := msg
	clone.Content = make([]ContentBlock, len(msg.Content))
	for i, cb := range msg.Content {
		clone.Content[i] = CloneContentBlock(cb)
	}
	return clone
}
