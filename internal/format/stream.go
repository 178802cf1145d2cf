package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/relayerr"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// forEachFrame scans an upstream SSE body and invokes fn for every parsed
// frame. Lines without a data: prefix and lines that fail to parse are
// skipped. An error frame embedded in the stream aborts iteration with a
// classified error.
func (t *Translator) forEachFrame(reader io.Reader, fn func(*streamFrame) error) error {
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var frame streamFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.log.Debug("[Format] Skipping malformed stream line: %v", err)
			continue
		}
		if frame.Error != nil {
			return streamFrameError(frame.Error)
		}
		if err := fn(&frame); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// streamFrameError classifies an error object delivered inside a 200 stream.
func streamFrameError(fe *frameError) error {
	msg := fe.Message
	if msg == "" {
		msg = fmt.Sprintf("Upstream stream error (code %d)", fe.Code)
	}
	switch {
	case fe.Code == 429 || fe.Status == "RESOURCE_EXHAUSTED":
		return relayerr.NewRateLimitError(msg, 0, "")
	case fe.Code == 401 || fe.Status == "UNAUTHENTICATED":
		return relayerr.New(relayerr.KindAuth, "%s", msg)
	case fe.Code == 403 || fe.Status == "PERMISSION_DENIED":
		return relayerr.New(relayerr.KindPermissionDenied, "%s", msg)
	case fe.Code == 503 || fe.Status == "UNAVAILABLE":
		return relayerr.New(relayerr.KindServiceUnavailable, "%s", msg)
	default:
		return &relayerr.UpstreamError{Kind: relayerr.KindServerError, StatusCode: fe.Code, Message: msg}
	}
}

// StreamResponse converts an upstream SSE body into Anthropic streaming
// events: message_start, block events, message_delta, message_stop. Events
// arrive on the first channel and a terminal failure, if any, on the second;
// both close when the stream ends. The caller must drain the event channel.
//
// model is the model the client asked for; it is echoed in message_start even
// when fallback served a different one.
func (t *Translator) StreamResponse(reader io.Reader, model string) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		family := string(config.ModelFamily(model))
		proc := newTagProcessor(t.tagMode)
		emit := func(ev *anthropic.SSEEvent) {
			for _, out := range proc.Process(ev) {
				events <- out
			}
		}

		messageID := anthropic.GenerateMessageID()
		started := false
		blockIndex := 0
		blockType := ""
		thinkingSignature := ""
		stopReason := ""
		var inputTokens, outputTokens, cachedTokens int

		// closeBlock ends the open block. A signed thinking block gets its
		// signature_delta first, and the signature's origin is recorded so
		// later turns can tell whose it is.
		closeBlock := func() {
			if blockType == "" {
				return
			}
			if blockType == "thinking" && len(thinkingSignature) >= anthropic.MinSignatureLength {
				t.sigs.CacheThinkingSignature(thinkingSignature, family)
				emit(&anthropic.SSEEvent{
					Type:  anthropic.SSEEventContentBlockDelta,
					Index: anthropic.IntPtr(blockIndex),
					Delta: &anthropic.ContentDelta{Type: anthropic.DeltaTypeSignature, Signature: thinkingSignature},
				})
			}
			thinkingSignature = ""
			emit(&anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: anthropic.IntPtr(blockIndex)})
			blockIndex++
			blockType = ""
		}

		openBlock := func(typ string, block *anthropic.ContentBlock) {
			closeBlock()
			emit(&anthropic.SSEEvent{
				Type:         anthropic.SSEEventContentBlockStart,
				Index:        anthropic.IntPtr(blockIndex),
				ContentBlock: block,
			})
			blockType = typ
		}

		err := t.forEachFrame(reader, func(frame *streamFrame) error {
			resp := frame.inner()
			if meta := resp.UsageMetadata; meta != nil {
				// Counts repeat cumulatively across frames.
				inputTokens = max(inputTokens, meta.PromptTokenCount)
				outputTokens = max(outputTokens, meta.CandidatesTokenCount)
				cachedTokens = max(cachedTokens, meta.CachedContentTokenCount)
			}
			if len(resp.Candidates) == 0 {
				return nil
			}
			cand := resp.Candidates[0]

			if cand.Content != nil && len(cand.Content.Parts) > 0 {
				if !started {
					emit(&anthropic.SSEEvent{
						Type: anthropic.SSEEventMessageStart,
						Message: &anthropic.MessagesResponse{
							ID:      messageID,
							Type:    "message",
							Role:    "assistant",
							Content: []anthropic.ContentBlock{},
							Model:   model,
							Usage: &anthropic.Usage{
								InputTokens:          max(inputTokens-cachedTokens, 0),
								CacheReadInputTokens: cachedTokens,
							},
						},
					})
					started = true
				}

				for _, part := range cand.Content.Parts {
					switch {
					case part.Thought:
						if blockType != "thinking" {
							openBlock("thinking", &anthropic.ContentBlock{Type: "thinking"})
						}
						if part.Text != "" {
							emit(&anthropic.SSEEvent{
								Type:  anthropic.SSEEventContentBlockDelta,
								Index: anthropic.IntPtr(blockIndex),
								Delta: &anthropic.ContentDelta{Type: anthropic.DeltaTypeThinking, Thinking: part.Text},
							})
						}
						if len(part.ThoughtSignature) >= anthropic.MinSignatureLength {
							thinkingSignature = part.ThoughtSignature
						}

					case part.FunctionCall != nil:
						fc := part.FunctionCall
						toolID := fc.ID
						if toolID == "" {
							toolID = anthropic.GenerateToolUseID()
						}
						block := &anthropic.ContentBlock{Type: "tool_use", ID: toolID, Name: fc.Name, Input: json.RawMessage("{}")}
						if len(part.ThoughtSignature) >= anthropic.MinSignatureLength {
							block.ThoughtSignature = part.ThoughtSignature
							t.sigs.CacheSignature(toolID, part.ThoughtSignature)
						}
						openBlock("tool_use", block)
						// Args arrive whole, not incrementally, so a single
						// input_json_delta carries the full payload.
						emit(&anthropic.SSEEvent{
							Type:  anthropic.SSEEventContentBlockDelta,
							Index: anthropic.IntPtr(blockIndex),
							Delta: &anthropic.ContentDelta{Type: anthropic.DeltaTypeInputJSON, PartialJSON: string(marshalArgs(fc.Args))},
						})
						stopReason = "tool_use"

					case part.InlineData != nil:
						openBlock("image", &anthropic.ContentBlock{
							Type: "image",
							Source: &anthropic.ImageSource{
								Type:      "base64",
								MediaType: part.InlineData.MimeType,
								Data:      part.InlineData.Data,
							},
						})
						closeBlock()

					case part.Text != "":
						if blockType != "text" {
							openBlock("text", &anthropic.ContentBlock{Type: "text"})
						}
						emit(&anthropic.SSEEvent{
							Type:  anthropic.SSEEventContentBlockDelta,
							Index: anthropic.IntPtr(blockIndex),
							Delta: &anthropic.ContentDelta{Type: anthropic.DeltaTypeText, Text: part.Text},
						})
					}
				}
			}

			if cand.FinishReason != "" && stopReason == "" {
				stopReason = mapFinishReason(cand.FinishReason)
			}
			return nil
		})
		if err != nil {
			errs <- err
			return
		}
		if !started {
			errs <- &relayerr.EmptyResponseError{Message: "No content received from upstream stream"}
			return
		}

		closeBlock()
		if stopReason == "" {
			stopReason = "end_turn"
		}
		emit(&anthropic.SSEEvent{
			Type:  anthropic.SSEEventMessageDelta,
			Delta: &anthropic.ContentDelta{StopReason: stopReason},
			Usage: &anthropic.DeltaUsage{OutputTokens: outputTokens},
		})
		emit(&anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
	}()

	return events, errs
}
