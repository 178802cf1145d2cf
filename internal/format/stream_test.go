package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorre/antigravity-relay/internal/relayerr"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// drainStream collects all events and the terminal error from a stream.
func drainStream(events <-chan *anthropic.SSEEvent, errs <-chan error) ([]*anthropic.SSEEvent, error) {
	var got []*anthropic.SSEEvent
	for ev := range events {
		got = append(got, ev)
	}
	return got, <-errs
}

func TestStreamResponseEventSequence(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	body := sseBody(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"think1","thought":true}]}}],"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":20}}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":" more","thought":true,"thoughtSignature":"`+validSignature+`"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}},"thoughtSignature":"`+validSignature+`"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":42,"cachedContentTokenCount":20}}}`,
	)

	events, errs := xlate.StreamResponse(body, "claude-sonnet-4-5-thinking")
	got, err := drainStream(events, errs)
	require.NoError(t, err)
	require.Len(t, got, 14)

	start := got[0]
	assert.Equal(t, anthropic.SSEEventMessageStart, start.Type)
	require.NotNil(t, start.Message)
	assert.True(t, strings.HasPrefix(start.Message.ID, "msg_"))
	assert.Equal(t, "claude-sonnet-4-5-thinking", start.Message.Model)
	assert.Equal(t, 80, start.Message.Usage.InputTokens)
	assert.Equal(t, 20, start.Message.Usage.CacheReadInputTokens)

	assert.Equal(t, anthropic.SSEEventContentBlockStart, got[1].Type)
	assert.Equal(t, 0, *got[1].Index)
	assert.Equal(t, "thinking", got[1].ContentBlock.Type)

	assert.Equal(t, anthropic.SSEEventContentBlockDelta, got[2].Type)
	assert.Equal(t, anthropic.DeltaTypeThinking, got[2].Delta.Type)
	assert.Equal(t, "think1", got[2].Delta.Thinking)

	assert.Equal(t, anthropic.SSEEventContentBlockDelta, got[3].Type)
	assert.Equal(t, " more", got[3].Delta.Thinking)

	// The signature lands right before the block closes.
	assert.Equal(t, anthropic.SSEEventContentBlockDelta, got[4].Type)
	assert.Equal(t, anthropic.DeltaTypeSignature, got[4].Delta.Type)
	assert.Equal(t, validSignature, got[4].Delta.Signature)
	assert.Equal(t, 0, *got[4].Index)

	assert.Equal(t, anthropic.SSEEventContentBlockStop, got[5].Type)
	assert.Equal(t, 0, *got[5].Index)

	assert.Equal(t, anthropic.SSEEventContentBlockStart, got[6].Type)
	assert.Equal(t, 1, *got[6].Index)
	assert.Equal(t, "text", got[6].ContentBlock.Type)

	assert.Equal(t, anthropic.SSEEventContentBlockDelta, got[7].Type)
	assert.Equal(t, anthropic.DeltaTypeText, got[7].Delta.Type)
	assert.Equal(t, "Hello", got[7].Delta.Text)

	assert.Equal(t, anthropic.SSEEventContentBlockStop, got[8].Type)
	assert.Equal(t, 1, *got[8].Index)

	toolStart := got[9]
	assert.Equal(t, anthropic.SSEEventContentBlockStart, toolStart.Type)
	assert.Equal(t, 2, *toolStart.Index)
	require.NotNil(t, toolStart.ContentBlock)
	assert.Equal(t, "tool_use", toolStart.ContentBlock.Type)
	assert.True(t, strings.HasPrefix(toolStart.ContentBlock.ID, "toolu_"))
	assert.Equal(t, "get_weather", toolStart.ContentBlock.Name)
	assert.Equal(t, "{}", string(toolStart.ContentBlock.Input))

	// Args arrive in one delta carrying the whole payload.
	assert.Equal(t, anthropic.SSEEventContentBlockDelta, got[10].Type)
	assert.Equal(t, anthropic.DeltaTypeInputJSON, got[10].Delta.Type)
	assert.JSONEq(t, `{"city":"Paris"}`, got[10].Delta.PartialJSON)

	assert.Equal(t, anthropic.SSEEventContentBlockStop, got[11].Type)
	assert.Equal(t, 2, *got[11].Index)

	delta := got[12]
	assert.Equal(t, anthropic.SSEEventMessageDelta, delta.Type)
	assert.Equal(t, "tool_use", delta.Delta.StopReason)
	assert.Equal(t, 42, delta.Usage.OutputTokens)

	assert.Equal(t, anthropic.SSEEventMessageStop, got[13].Type)

	// Signatures observed on the stream are filed for the following turns.
	assert.Equal(t, "claude", xlate.sigs.GetCachedSignatureFamily(validSignature))
	assert.Equal(t, validSignature, xlate.sigs.GetCachedSignature(toolStart.ContentBlock.ID))
}

func TestStreamResponseIndicesMonotonic(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	body := sseBody(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aGk="}}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"b"}]},"finishReason":"STOP"}]}}`,
	)
	events, errs := xlate.StreamResponse(body, "gemini-3-flash")
	got, err := drainStream(events, errs)
	require.NoError(t, err)

	lastStart := -1
	for _, ev := range got {
		if ev.Type == anthropic.SSEEventContentBlockStart {
			require.NotNil(t, ev.Index)
			assert.Equal(t, lastStart+1, *ev.Index)
			lastStart = *ev.Index
		}
	}
	assert.Equal(t, 2, lastStart)
}

func TestStreamResponseTextOnlyDefaultsEndTurn(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	body := sseBody(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`)
	events, errs := xlate.StreamResponse(body, "claude-sonnet-4-5")
	got, err := drainStream(events, errs)
	require.NoError(t, err)

	require.Len(t, got, 6)
	assert.Equal(t, anthropic.SSEEventMessageStart, got[0].Type)
	assert.Equal(t, anthropic.SSEEventContentBlockStart, got[1].Type)
	assert.Equal(t, anthropic.SSEEventContentBlockDelta, got[2].Type)
	assert.Equal(t, anthropic.SSEEventContentBlockStop, got[3].Type)
	assert.Equal(t, anthropic.SSEEventMessageDelta, got[4].Type)
	assert.Equal(t, "end_turn", got[4].Delta.StopReason)
	assert.Equal(t, anthropic.SSEEventMessageStop, got[5].Type)
}

func TestStreamResponseSignatureOnlyFrame(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	// A frame may carry only the signature, with no thinking text.
	body := sseBody(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"","thought":true,"thoughtSignature":"`+validSignature+`"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"done"}]},"finishReason":"STOP"}]}}`,
	)
	events, errs := xlate.StreamResponse(body, "claude-sonnet-4-5-thinking")
	got, err := drainStream(events, errs)
	require.NoError(t, err)

	// thinking start, signature delta, stop, then the text block. No empty
	// thinking_delta is emitted.
	require.Len(t, got, 9)
	assert.Equal(t, "thinking", got[1].ContentBlock.Type)
	assert.Equal(t, anthropic.DeltaTypeSignature, got[2].Delta.Type)
	assert.Equal(t, anthropic.SSEEventContentBlockStop, got[3].Type)
	assert.Equal(t, "text", got[4].ContentBlock.Type)
}

func TestStreamResponseEmptyStream(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	body := sseBody(`{"response":{"candidates":[{"finishReason":"STOP"}]}}`)
	events, errs := xlate.StreamResponse(body, "claude-sonnet-4-5")
	got, err := drainStream(events, errs)

	assert.Empty(t, got)
	var emptyErr *relayerr.EmptyResponseError
	require.ErrorAs(t, err, &emptyErr)
}

func TestStreamResponseMidStreamError(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	body := sseBody(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}}`,
		`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
	)
	events, errs := xlate.StreamResponse(body, "claude-sonnet-4-5")
	got, err := drainStream(events, errs)

	var rateErr *relayerr.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	for _, ev := range got {
		assert.NotEqual(t, anthropic.SSEEventMessageStop, ev.Type)
	}
}

func TestStreamResponseEchoesRequestedModel(t *testing.T) {
	xlate := newPassthroughTranslator(t)

	body := sseBody(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}}`)
	events, errs := xlate.StreamResponse(body, "claude-opus-4-6-thinking")
	got, err := drainStream(events, errs)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "claude-opus-4-6-thinking", got[0].Message.Model)
}
