package format

import (
	"encoding/json"
	"strings"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// ConvertRole maps an Anthropic role onto Google's. Anything unexpected
// becomes user.
func ConvertRole(role string) string {
	if role == "assistant" || role == "model" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts converts one message's content blocks into Google
// parts for the given target family. Images inside tool results are split
// out and appended after all other parts, which is where upstream expects
// them.
func (t *Translator) ConvertContentToParts(content []anthropic.ContentBlock, family config.Family) []GooglePart {
	parts := make([]GooglePart, 0, len(content))
	var deferredImages []GooglePart

	isClaude := family == config.FamilyClaude
	isGemini := family == config.FamilyGemini

	for _, block := range content {
		switch block.Type {
		case "text":
			// Empty text parts are rejected upstream.
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image", "document":
			if part, ok := mediaPart(block); ok {
				parts = append(parts, part)
			}

		case "tool_use":
			call := &FunctionCall{Name: block.Name, Args: decodeArgs(block.Input)}
			if isClaude && block.ID != "" {
				call.ID = block.ID
			}
			part := GooglePart{FunctionCall: call}

			if isGemini {
				// Priority: inbound thoughtSignature, then the cache,
				// then the validator-skip sentinel.
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					signature = t.sigs.GetCachedSignature(block.ID)
					if signature != "" {
						t.log.Debug("[Format] Restored signature from cache for %s", block.ID)
					}
				}
				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}
			parts = append(parts, part)

		case "tool_result":
			part, images := t.toolResultPart(block, isClaude)
			parts = append(parts, part)
			deferredImages = append(deferredImages, images...)

		case "thinking":
			if part, ok := t.thinkingPart(block, family); ok {
				parts = append(parts, part)
			}
		}
	}

	return append(parts, deferredImages...)
}

// mediaPart converts an image or document block. Base64 sources become
// inlineData, URL sources fileData.
func mediaPart(block anthropic.ContentBlock) (GooglePart, bool) {
	if block.Source == nil {
		return GooglePart{}, false
	}
	switch block.Source.Type {
	case "base64":
		return GooglePart{InlineData: &InlineData{MimeType: block.Source.MediaType, Data: block.Source.Data}}, true
	case "url":
		mimeType := block.Source.MediaType
		if mimeType == "" {
			if block.Type == "document" {
				mimeType = "application/pdf"
			} else {
				mimeType = "image/jpeg"
			}
		}
		return GooglePart{FileData: &FileData{MimeType: mimeType, FileURI: block.Source.URL}}, true
	}
	return GooglePart{}, false
}

// toolResultPart converts a tool_result block into a functionResponse part.
// The function name echoes the tool_use id so upstream can pair them; text
// items join with newlines and any image items are returned separately for
// deferred placement.
func (t *Translator) toolResultPart(block anthropic.ContentBlock, isClaude bool) (GooglePart, []GooglePart) {
	var texts []string
	var images []GooglePart

	switch c := block.Content.(type) {
	case string:
		texts = append(texts, c)
	case []any:
		for _, item := range c {
			itemMap, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "text":
				if text, ok := itemMap["text"].(string); ok {
					texts = append(texts, text)
				}
			case "image":
				if source, ok := itemMap["source"].(map[string]any); ok && source["type"] == "base64" {
					mimeType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					images = append(images, GooglePart{InlineData: &InlineData{MimeType: mimeType, Data: data}})
				}
			}
		}
	case []anthropic.ContentBlock:
		for _, item := range c {
			switch {
			case item.Type == "text":
				texts = append(texts, item.Text)
			case item.Type == "image" && item.Source != nil && item.Source.Type == "base64":
				images = append(images, GooglePart{InlineData: &InlineData{MimeType: item.Source.MediaType, Data: item.Source.Data}})
			}
		}
	}

	result := strings.Join(texts, "\n")
	if result == "" && len(images) > 0 {
		result = "Image attached"
	}

	name := block.ToolUseID
	if name == "" {
		name = "unknown"
	}
	response := &FunctionResponse{Name: name, Response: map[string]any{"result": result}}
	if isClaude && block.ToolUseID != "" {
		response.ID = block.ToolUseID
	}
	return GooglePart{FunctionResponse: response}, images
}

// thinkingPart converts a signed thinking block, enforcing family
// compatibility for Gemini targets. Claude validates its own signatures, so
// cross-family checks only gate the Gemini path; unsigned thinking is always
// dropped.
func (t *Translator) thinkingPart(block anthropic.ContentBlock, family config.Family) (GooglePart, bool) {
	if len(block.Signature) < anthropic.MinSignatureLength {
		return GooglePart{}, false
	}

	if family == config.FamilyGemini {
		signatureFamily := t.sigs.GetCachedSignatureFamily(block.Signature)
		if signatureFamily == "" {
			// Cold cache: origin unknown, dropping is the safe default.
			t.log.Debug("[Format] Dropping thinking with unknown signature origin")
			return GooglePart{}, false
		}
		if signatureFamily != string(config.FamilyGemini) {
			t.log.Debug("[Format] Dropping incompatible %s thinking for gemini model", signatureFamily)
			return GooglePart{}, false
		}
	}

	return GooglePart{Text: block.Thinking, Thought: true, ThoughtSignature: block.Signature}, true
}

// decodeArgs unmarshals a tool_use input object; malformed input degrades to
// an empty args map rather than failing the request.
func decodeArgs(input json.RawMessage) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
