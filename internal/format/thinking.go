package format

import (
	"fmt"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// isThinkingBlock reports whether a block carries thinking content in any of
// the shapes clients send it.
func isThinkingBlock(block anthropic.ContentBlock) bool {
	return block.Type == "thinking" || block.Type == "redacted_thinking" || block.Thinking != ""
}

// hasValidThinkingSignature checks for a signature long enough to pass
// upstream validation. Clients may put it in either the Claude-style
// signature field or the Gemini-style thoughtSignature field.
func hasValidThinkingSignature(block anthropic.ContentBlock) bool {
	if len(block.Signature) >= anthropic.MinSignatureLength {
		return true
	}
	return len(block.ThoughtSignature) >= anthropic.MinSignatureLength
}

// HasGeminiHistory reports whether any tool_use block in the conversation
// carries a Gemini-style thoughtSignature. Gemini attaches signatures to
// tool calls, Claude to thinking blocks.
func HasGeminiHistory(messages []anthropic.Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant turn contains
// thinking that would be dropped for lack of a valid signature.
func HasUnsignedThinkingBlocks(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, block := range msg.Content {
			if isThinkingBlock(block) && !hasValidThinkingSignature(block) {
				return true
			}
		}
	}
	return false
}

// CleanCacheControl strips cache_control from every content block. Claude
// Code attaches prompt-caching directives that the Cloud Code API rejects
// with "Extra inputs are not permitted".
func (t *Translator) CleanCacheControl(messages []anthropic.Message) []anthropic.Message {
	if len(messages) == 0 {
		return messages
	}

	removed := 0
	cleaned := make([]anthropic.Message, 0, len(messages))
	for _, message := range messages {
		if len(message.Content) == 0 {
			cleaned = append(cleaned, message)
			continue
		}
		content := make([]anthropic.ContentBlock, 0, len(message.Content))
		for _, block := range message.Content {
			if block.CacheControl != nil {
				block.CacheControl = nil
				removed++
			}
			content = append(content, block)
		}
		cleaned = append(cleaned, anthropic.Message{Role: message.Role, Content: content})
	}

	if removed > 0 {
		t.log.Debug("[Format] Removed cache_control from %d block(s)", removed)
	}
	return cleaned
}

// sanitizeThinkingBlock reduces a thinking block to the fields upstream
// accepts.
func sanitizeThinkingBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	switch block.Type {
	case "thinking":
		return anthropic.ContentBlock{Type: "thinking", Thinking: block.Thinking, Signature: block.Signature}
	case "redacted_thinking":
		return anthropic.ContentBlock{Type: "redacted_thinking", Data: block.Data}
	default:
		return block
	}
}

func sanitizeTextBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "text" {
		return block
	}
	return anthropic.ContentBlock{Type: "text", Text: block.Text}
}

func sanitizeToolUseBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "tool_use" {
		return block
	}
	return anthropic.ContentBlock{
		Type:             "tool_use",
		ID:               block.ID,
		Name:             block.Name,
		Input:            block.Input,
		ThoughtSignature: block.ThoughtSignature,
	}
}

// RestoreThinkingSignatures keeps only thinking blocks whose signature passes
// validation, sanitized down to the accepted fields. Unsigned thinking is
// dropped rather than sent upstream where it would be rejected.
func (t *Translator) RestoreThinkingSignatures(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	filtered := make([]anthropic.ContentBlock, 0, len(content))
	for _, block := range content {
		if block.Type != "thinking" {
			filtered = append(filtered, block)
			continue
		}
		if len(block.Signature) >= anthropic.MinSignatureLength {
			filtered = append(filtered, sanitizeThinkingBlock(block))
		}
	}

	if dropped := len(content) - len(filtered); dropped > 0 {
		t.log.Debug("[Format] Dropped %d unsigned thinking block(s)", dropped)
	}
	return filtered
}

// RemoveTrailingThinkingBlocks trims unsigned thinking blocks off the end of
// an assistant message, stopping at the first signed thinking block or
// non-thinking block.
func (t *Translator) RemoveTrailingThinkingBlocks(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	end := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		if !isThinkingBlock(content[i]) {
			break
		}
		if hasValidThinkingSignature(content[i]) {
			break
		}
		end = i
	}

	if end < len(content) {
		t.log.Debug("[Format] Removed %d trailing unsigned thinking block(s)", len(content)-end)
		return content[:end]
	}
	return content
}

// ReorderAssistantContent rewrites an assistant message into the order
// upstream requires when thinking is enabled: thinking blocks first, then
// text, then tool_use. Ordering within each bucket is preserved; empty text
// blocks are dropped.
func (t *Translator) ReorderAssistantContent(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}
	if len(content) == 1 {
		if content[0].Type == "thinking" || content[0].Type == "redacted_thinking" {
			return []anthropic.ContentBlock{sanitizeThinkingBlock(content[0])}
		}
		return content
	}

	var thinking, text, toolUse []anthropic.ContentBlock
	droppedEmpty := 0
	for _, block := range content {
		switch block.Type {
		case "thinking", "redacted_thinking":
			thinking = append(thinking, sanitizeThinkingBlock(block))
		case "tool_use":
			toolUse = append(toolUse, sanitizeToolUseBlock(block))
		case "text":
			if block.Text != "" {
				text = append(text, sanitizeTextBlock(block))
			} else {
				droppedEmpty++
			}
		default:
			text = append(text, block)
		}
	}

	if droppedEmpty > 0 {
		t.log.Debug("[Format] Dropped %d empty text block(s)", droppedEmpty)
	}

	reordered := make([]anthropic.ContentBlock, 0, len(thinking)+len(text)+len(toolUse))
	reordered = append(reordered, thinking...)
	reordered = append(reordered, text...)
	reordered = append(reordered, toolUse...)
	return reordered
}

// conversationShape summarizes where a conversation stands relative to tool
// calling, used to decide whether the transcript needs repair before a
// thinking model will accept it.
type conversationShape struct {
	inToolLoop       bool
	interruptedTool  bool
	turnHasThinking  bool
	toolResultCount  int
	lastAssistantIdx int
}

func analyzeConversation(messages []anthropic.Message) conversationShape {
	shape := conversationShape{lastAssistantIdx: -1}
	if len(messages) == 0 {
		return shape
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			shape.lastAssistantIdx = i
			break
		}
	}
	if shape.lastAssistantIdx == -1 {
		return shape
	}

	lastAssistant := messages[shape.lastAssistantIdx]
	hasToolUse := messageHasToolUse(lastAssistant)

	hasPlainUserAfter := false
	for i := shape.lastAssistantIdx + 1; i < len(messages); i++ {
		if messageHasToolResult(messages[i]) {
			shape.toolResultCount++
		}
		if isPlainUserMessage(messages[i]) {
			hasPlainUserAfter = true
		}
	}

	shape.inToolLoop = hasToolUse && shape.toolResultCount > 0
	shape.interruptedTool = hasToolUse && shape.toolResultCount == 0 && hasPlainUserAfter
	shape.turnHasThinking = messageHasValidThinking(lastAssistant)
	return shape
}

func messageHasValidThinking(message anthropic.Message) bool {
	for _, block := range message.Content {
		if isThinkingBlock(block) && hasValidThinkingSignature(block) {
			return true
		}
	}
	return false
}

func messageHasToolUse(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}

func messageHasToolResult(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_result" {
			return true
		}
	}
	return false
}

func isPlainUserMessage(message anthropic.Message) bool {
	if message.Role != "user" {
		return false
	}
	return !messageHasToolResult(message)
}

// NeedsThinkingRecovery reports whether the conversation sits inside a tool
// loop (or behind an interrupted tool call) without any validly signed
// thinking in the current turn. Upstream refuses such transcripts for
// thinking models.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	shape := analyzeConversation(messages)
	if !shape.inToolLoop && !shape.interruptedTool {
		return false
	}
	return !shape.turnHasThinking
}

// stripInvalidThinkingBlocks drops thinking blocks that are unsigned, and,
// for Gemini targets, ones whose signature came from a different family.
// Claude validates its own signatures so only generic validity is checked
// there.
func (t *Translator) stripInvalidThinkingBlocks(messages []anthropic.Message, family config.Family) []anthropic.Message {
	stripped := 0
	result := make([]anthropic.Message, 0, len(messages))

	for _, msg := range messages {
		if len(msg.Content) == 0 {
			result = append(result, msg)
			continue
		}

		filtered := make([]anthropic.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if !isThinkingBlock(block) {
				filtered = append(filtered, block)
				continue
			}
			if !hasValidThinkingSignature(block) {
				stripped++
				continue
			}
			if family == config.FamilyGemini {
				signature := block.Signature
				if signature == "" {
					signature = block.ThoughtSignature
				}
				if t.sigs.GetCachedSignatureFamily(signature) != string(config.FamilyGemini) {
					stripped++
					continue
				}
			}
			filtered = append(filtered, block)
		}

		// Claude models reject empty text parts, hence "." not "".
		if len(filtered) == 0 {
			filtered = []anthropic.ContentBlock{{Type: "text", Text: "."}}
		}
		result = append(result, anthropic.Message{Role: msg.Role, Content: filtered})
	}

	if stripped > 0 {
		t.log.Debug("[Format] Stripped %d invalid or incompatible thinking block(s)", stripped)
	}
	return result
}

// CloseToolLoopForThinking repairs a transcript whose current turn cannot be
// continued by a thinking model: invalid thinking blocks are stripped and
// synthetic bridge messages close the open tool loop so the model starts a
// fresh turn.
func (t *Translator) CloseToolLoopForThinking(messages []anthropic.Message, family config.Family) []anthropic.Message {
	shape := analyzeConversation(messages)
	if !shape.inToolLoop && !shape.interruptedTool {
		return messages
	}

	modified := t.stripInvalidThinkingBlocks(messages, family)

	if shape.interruptedTool {
		// Acknowledge the dangling tool call right after the assistant
		// message, before the user's new message.
		insertIdx := shape.lastAssistantIdx + 1
		synthetic := anthropic.Message{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}
		withBridge := make([]anthropic.Message, 0, len(modified)+1)
		withBridge = append(withBridge, modified[:insertIdx]...)
		withBridge = append(withBridge, synthetic)
		withBridge = append(withBridge, modified[insertIdx:]...)
		modified = withBridge
		t.log.Debug("[Format] Applied thinking recovery for interrupted tool")
		return modified
	}

	syntheticText := "[Tool execution completed.]"
	if shape.toolResultCount > 1 {
		syntheticText = fmt.Sprintf("[%d tool executions completed.]", shape.toolResultCount)
	}
	modified = append(modified, anthropic.Message{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "text", Text: syntheticText}},
	})
	modified = append(modified, anthropic.Message{
		Role:    "user",
		Content: []anthropic.ContentBlock{{Type: "text", Text: "[Continue]"}},
	})
	t.log.Debug("[Format] Applied thinking recovery for tool loop")
	return modified
}
