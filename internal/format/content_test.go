package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

func TestConvertRole(t *testing.T) {
	assert.Equal(t, "model", ConvertRole("assistant"))
	assert.Equal(t, "model", ConvertRole("model"))
	assert.Equal(t, "user", ConvertRole("user"))
	assert.Equal(t, "user", ConvertRole("system"))
	assert.Equal(t, "user", ConvertRole(""))
}

func TestConvertContentTextBlocks(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "text", Text: "hello"},
		{Type: "text", Text: ""},
		{Type: "text", Text: "world"},
	}, config.FamilyClaude)

	require.Len(t, parts, 2)
	assert.Equal(t, "hello", parts[0].Text)
	assert.Equal(t, "world", parts[1].Text)
}

func TestConvertContentMedia(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	t.Run("base64_image", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "image", Source: &anthropic.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
		}, config.FamilyClaude)
		require.Len(t, parts, 1)
		require.NotNil(t, parts[0].InlineData)
		assert.Equal(t, "image/png", parts[0].InlineData.MimeType)
		assert.Equal(t, "aGk=", parts[0].InlineData.Data)
	})

	t.Run("url_image_defaults_to_jpeg", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "image", Source: &anthropic.ImageSource{Type: "url", URL: "https://example.com/a"}},
		}, config.FamilyClaude)
		require.Len(t, parts, 1)
		require.NotNil(t, parts[0].FileData)
		assert.Equal(t, "image/jpeg", parts[0].FileData.MimeType)
		assert.Equal(t, "https://example.com/a", parts[0].FileData.FileURI)
	})

	t.Run("url_document_defaults_to_pdf", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "document", Source: &anthropic.ImageSource{Type: "url", URL: "https://example.com/d"}},
		}, config.FamilyClaude)
		require.Len(t, parts, 1)
		require.NotNil(t, parts[0].FileData)
		assert.Equal(t, "application/pdf", parts[0].FileData.MimeType)
	})

	t.Run("missing_source_dropped", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{{Type: "image"}}, config.FamilyClaude)
		assert.Empty(t, parts)
	})
}

func TestConvertContentToolUseClaude(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "tool_use", ID: "toolu_abc", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)},
	}, config.FamilyClaude)

	require.Len(t, parts, 1)
	call := parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "toolu_abc", call.ID)
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, map[string]any{"city": "Paris"}, call.Args)
	assert.Empty(t, parts[0].ThoughtSignature)
}

func TestConvertContentToolUseGeminiSignaturePriority(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	t.Run("inbound_signature_wins", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "f", ThoughtSignature: validSignature},
		}, config.FamilyGemini)
		require.Len(t, parts, 1)
		assert.Equal(t, validSignature, parts[0].ThoughtSignature)
	})

	t.Run("cache_fills_missing_signature", func(t *testing.T) {
		xlate.sigs.CacheSignature("toolu_2", validSignature)
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_2", Name: "f"},
		}, config.FamilyGemini)
		require.Len(t, parts, 1)
		assert.Equal(t, validSignature, parts[0].ThoughtSignature)
	})

	t.Run("sentinel_when_nothing_known", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_unknown", Name: "f"},
		}, config.FamilyGemini)
		require.Len(t, parts, 1)
		assert.Equal(t, config.GeminiSkipSignature, parts[0].ThoughtSignature)
	})
}

func TestConvertContentToolResult(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	t.Run("string_content", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_r", Content: "42 degrees"},
		}, config.FamilyClaude)
		require.Len(t, parts, 1)
		resp := parts[0].FunctionResponse
		require.NotNil(t, resp)
		assert.Equal(t, "toolu_r", resp.ID)
		assert.Equal(t, "toolu_r", resp.Name)
		assert.Equal(t, map[string]any{"result": "42 degrees"}, resp.Response)
	})

	t.Run("block_list_joins_text", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_r", Content: []any{
				map[string]any{"type": "text", "text": "line one"},
				map[string]any{"type": "text", "text": "line two"},
			}},
		}, config.FamilyGemini)
		require.Len(t, parts, 1)
		resp := parts[0].FunctionResponse
		require.NotNil(t, resp)
		assert.Empty(t, resp.ID)
		assert.Equal(t, map[string]any{"result": "line one\nline two"}, resp.Response)
	})

	t.Run("images_deferred_to_end", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_r", Content: []any{
				map[string]any{"type": "image", "source": map[string]any{"type": "base64", "media_type": "image/png", "data": "aGk="}},
			}},
			{Type: "text", Text: "done"},
		}, config.FamilyClaude)

		require.Len(t, parts, 3)
		require.NotNil(t, parts[0].FunctionResponse)
		assert.Equal(t, map[string]any{"result": "Image attached"}, parts[0].FunctionResponse.Response)
		assert.Equal(t, "done", parts[1].Text)
		require.NotNil(t, parts[2].InlineData)
		assert.Equal(t, "image/png", parts[2].InlineData.MimeType)
	})

	t.Run("missing_tool_use_id", func(t *testing.T) {
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "tool_result", Content: "orphan"},
		}, config.FamilyClaude)
		require.Len(t, parts, 1)
		assert.Equal(t, "unknown", parts[0].FunctionResponse.Name)
		assert.Empty(t, parts[0].FunctionResponse.ID)
	})
}

func TestConvertContentThinking(t *testing.T) {
	t.Run("claude_keeps_signed_thinking", func(t *testing.T) {
		xlate := newPassthroughTranslator(t)
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "thinking", Thinking: "step one", Signature: validSignature},
		}, config.FamilyClaude)
		require.Len(t, parts, 1)
		assert.True(t, parts[0].Thought)
		assert.Equal(t, "step one", parts[0].Text)
		assert.Equal(t, validSignature, parts[0].ThoughtSignature)
	})

	t.Run("short_signature_dropped", func(t *testing.T) {
		xlate := newPassthroughTranslator(t)
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "thinking", Thinking: "step one", Signature: "short"},
		}, config.FamilyClaude)
		assert.Empty(t, parts)
	})

	t.Run("gemini_drops_unknown_origin", func(t *testing.T) {
		xlate := newPassthroughTranslator(t)
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "thinking", Thinking: "step one", Signature: validSignature},
		}, config.FamilyGemini)
		assert.Empty(t, parts)
	})

	t.Run("gemini_drops_claude_origin", func(t *testing.T) {
		xlate := newPassthroughTranslator(t)
		xlate.sigs.CacheThinkingSignature(validSignature, string(config.FamilyClaude))
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "thinking", Thinking: "step one", Signature: validSignature},
		}, config.FamilyGemini)
		assert.Empty(t, parts)
	})

	t.Run("gemini_keeps_gemini_origin", func(t *testing.T) {
		xlate := newPassthroughTranslator(t)
		xlate.sigs.CacheThinkingSignature(validSignature, string(config.FamilyGemini))
		parts := xlate.ConvertContentToParts([]anthropic.ContentBlock{
			{Type: "thinking", Thinking: "step one", Signature: validSignature},
		}, config.FamilyGemini)
		require.Len(t, parts, 1)
		assert.True(t, parts[0].Thought)
	})
}

func TestDecodeArgs(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, decodeArgs(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, map[string]any{}, decodeArgs(nil))
	assert.Equal(t, map[string]any{}, decodeArgs(json.RawMessage(`not json`)))
	assert.Equal(t, map[string]any{}, decodeArgs(json.RawMessage(`null`)))
}
