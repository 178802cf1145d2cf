package format

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/relayerr"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// mapFinishReason maps Google finish reasons onto Anthropic stop reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "TOOL_USE":
		return "tool_use"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	case "STOP":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// ConvertGoogleResponse converts a complete Google response into an
// Anthropic message. model names the model the client asked for; responses
// echo it even when fallback served a different one. Signatures observed in
// the response are cached for later turns.
func (t *Translator) ConvertGoogleResponse(resp *GoogleResponse, model string) *anthropic.MessagesResponse {
	family := string(config.ModelFamily(model))
	blocks := make([]anthropic.ContentBlock, 0)
	hasToolUse := false
	finishReason := ""

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		finishReason = candidate.FinishReason
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				switch {
				case part.Thought:
					block := anthropic.ContentBlock{Type: "thinking", Thinking: part.Text}
					if len(part.ThoughtSignature) >= anthropic.MinSignatureLength {
						block.Signature = part.ThoughtSignature
						t.sigs.CacheThinkingSignature(part.ThoughtSignature, family)
					}
					blocks = append(blocks, block)

				case part.FunctionCall != nil:
					hasToolUse = true
					toolID := part.FunctionCall.ID
					if toolID == "" {
						toolID = anthropic.GenerateToolUseID()
					}
					block := anthropic.ContentBlock{
						Type:  "tool_use",
						ID:    toolID,
						Name:  part.FunctionCall.Name,
						Input: marshalArgs(part.FunctionCall.Args),
					}
					if len(part.ThoughtSignature) >= anthropic.MinSignatureLength {
						block.ThoughtSignature = part.ThoughtSignature
						t.sigs.CacheSignature(toolID, part.ThoughtSignature)
					}
					blocks = append(blocks, block)

				case part.InlineData != nil:
					blocks = append(blocks, anthropic.ContentBlock{
						Type: "image",
						Source: &anthropic.ImageSource{
							Type:      "base64",
							MediaType: part.InlineData.MimeType,
							Data:      part.InlineData.Data,
						},
					})

				case part.Text != "":
					blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: part.Text})
				}
			}
		}
	}

	// The Messages schema requires a non-empty content array.
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	stopReason := mapFinishReason(finishReason)
	if hasToolUse {
		stopReason = "tool_use"
	}

	return anthropic.NewMessagesResponse(model, blocks, stopReason, usageFromMetadata(resp.UsageMetadata))
}

// usageFromMetadata converts Google token counts. Cached prompt tokens are
// reported separately, so the input count excludes them.
func usageFromMetadata(meta *UsageMetadata) *anthropic.Usage {
	usage := &anthropic.Usage{}
	if meta == nil {
		return usage
	}
	input := meta.PromptTokenCount - meta.CachedContentTokenCount
	if input < 0 {
		input = 0
	}
	usage.InputTokens = input
	usage.OutputTokens = meta.CandidatesTokenCount
	usage.CacheReadInputTokens = meta.CachedContentTokenCount
	return usage
}

func marshalArgs(args map[string]any) json.RawMessage {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// CollectResponse reads an upstream SSE body to completion and returns the
// accumulated Anthropic message. Consecutive thinking and text deltas merge
// into single blocks; a stream that ends without any content reports an
// EmptyResponseError so the caller can retry elsewhere.
func (t *Translator) CollectResponse(reader io.Reader, model string) (*anthropic.MessagesResponse, error) {
	var thinkingText strings.Builder
	var thinkingSignature string
	var text strings.Builder
	parts := make([]GooglePart, 0)
	var usage *UsageMetadata
	finishReason := "STOP"

	flushThinking := func() {
		if thinkingText.Len() > 0 {
			parts = append(parts, GooglePart{
				Text:             thinkingText.String(),
				Thought:          true,
				ThoughtSignature: thinkingSignature,
			})
			thinkingText.Reset()
			thinkingSignature = ""
		}
	}
	flushText := func() {
		if text.Len() > 0 {
			parts = append(parts, GooglePart{Text: text.String()})
			text.Reset()
		}
	}

	err := t.forEachFrame(reader, func(frame *streamFrame) error {
		inner := frame.inner()
		if inner.UsageMetadata != nil {
			usage = inner.UsageMetadata
		}
		if len(inner.Candidates) == 0 {
			return nil
		}
		candidate := inner.Candidates[0]
		if candidate.FinishReason != "" {
			finishReason = candidate.FinishReason
		}
		if candidate.Content == nil {
			return nil
		}
		for _, part := range candidate.Content.Parts {
			switch {
			case part.Thought:
				flushText()
				thinkingText.WriteString(part.Text)
				if part.ThoughtSignature != "" {
					thinkingSignature = part.ThoughtSignature
				}
			case part.FunctionCall != nil:
				flushThinking()
				flushText()
				parts = append(parts, GooglePart{FunctionCall: part.FunctionCall, ThoughtSignature: part.ThoughtSignature})
			case part.InlineData != nil:
				flushThinking()
				flushText()
				parts = append(parts, GooglePart{InlineData: part.InlineData})
			case part.Text != "":
				flushThinking()
				text.WriteString(part.Text)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	flushThinking()
	flushText()

	if len(parts) == 0 {
		return nil, &relayerr.EmptyResponseError{Message: "No content parts received from upstream"}
	}

	accumulated := &GoogleResponse{
		Candidates:    []GoogleCandidate{{Content: &GoogleContent{Parts: parts}, FinishReason: finishReason}},
		UsageMetadata: usage,
	}
	response := t.ConvertGoogleResponse(accumulated, model)
	response.Content = t.processBlockTags(response.Content)
	return response, nil
}
