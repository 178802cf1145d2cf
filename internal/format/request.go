package format

import (
	"fmt"
	"strings"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// interleavedThinkingHint is appended to the system instruction for Claude
// thinking models used with tools.
const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// BuildGoogleRequest converts an Anthropic Messages request into the inner
// Google request object for the given target model. The target may differ
// from the model named in the request when fallback rerouting is active.
func (t *Translator) BuildGoogleRequest(req *anthropic.MessagesRequest, modelID string) *GoogleRequest {
	family := config.ModelFamily(modelID)
	isClaude := family == config.FamilyClaude
	isGemini := family == config.FamilyGemini
	isThinking := config.IsThinkingModel(modelID)

	messages := t.CleanCacheControl(req.Messages)

	out := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	// System instruction, with the interleaved-thinking hint appended for
	// Claude thinking models that have tools.
	system := req.SystemText()
	if isClaude && isThinking && len(req.Tools) > 0 {
		if system != "" {
			system += "\n\n" + interleavedThinkingHint
		} else {
			system = interleavedThinkingHint
		}
	}
	if system != "" {
		out.SystemInstruction = &GoogleContent{Parts: []GooglePart{{Text: system}}}
	}

	// Transcript repair: close open tool loops the thinking validator would
	// reject. Claude only needs it when the history carries foreign or
	// unsigned thinking.
	if isThinking {
		if isGemini && NeedsThinkingRecovery(messages) {
			t.log.Debug("[Format] Applying thinking recovery for Gemini")
			messages = t.CloseToolLoopForThinking(messages, config.FamilyGemini)
		} else if isClaude && (HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)) && NeedsThinkingRecovery(messages) {
			t.log.Debug("[Format] Applying thinking recovery for Claude")
			messages = t.CloseToolLoopForThinking(messages, config.FamilyClaude)
		}
	}

	for _, msg := range messages {
		content := msg.Content
		if (msg.Role == "assistant" || msg.Role == "model") && len(content) > 0 {
			content = t.RestoreThinkingSignatures(content)
			content = t.RemoveTrailingThinkingBlocks(content)
			content = t.ReorderAssistantContent(content)
		}

		parts := t.ConvertContentToParts(content, family)
		if len(parts) == 0 {
			// Upstream requires at least one part per content entry.
			t.log.Warn("[Format] Empty parts array after filtering, adding placeholder")
			parts = append(parts, GooglePart{Text: "."})
		}

		out.Contents = append(out.Contents, GoogleContent{Role: ConvertRole(msg.Role), Parts: parts})
	}

	if isClaude {
		out.Contents = filterUnsignedThinkingParts(out.Contents)
	}

	if req.MaxTokens > 0 {
		out.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	out.GenerationConfig.Temperature = req.Temperature
	out.GenerationConfig.TopP = req.TopP
	out.GenerationConfig.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		out.GenerationConfig.StopSequences = req.StopSequences
	}

	if isGemini && out.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		t.log.Debug("[Format] Capping Gemini max_tokens from %d to %d",
			out.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
		out.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	if isThinking {
		out.GenerationConfig.ThinkingConfig = t.thinkingConfig(req, family, out.GenerationConfig.MaxOutputTokens)
	}

	if len(req.Tools) > 0 {
		out.Tools = []GoogleTool{{FunctionDeclarations: t.convertTools(req.Tools, family)}}
		if isClaude {
			out.ToolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"}}
		}
	}

	return out
}

// thinkingConfig builds the thinkingConfig for a thinking model. The budget
// must stay below maxOutputTokens; it is clamped to maxTokens-1 and the
// whole config is dropped when no room for thinking remains. Key casing
// differs by family.
func (t *Translator) thinkingConfig(req *anthropic.MessagesRequest, family config.Family, maxTokens int) *ThinkingConfig {
	budget := 0
	if req.Thinking != nil {
		budget = req.Thinking.BudgetTokens
	}
	if family == config.FamilyGemini && budget <= 0 {
		budget = config.GeminiDefaultThinkingBudget
	}

	if budget > 0 && maxTokens > 0 && budget >= maxTokens {
		budget = maxTokens - 1
		if budget <= 0 {
			t.log.Debug("[Format] max_tokens leaves no room for thinking, dropping thinking config")
			return nil
		}
		t.log.Warn("[Format] thinking budget >= max_tokens (%d), clamping to %d", maxTokens, budget)
	}

	if family == config.FamilyClaude {
		cfg := &ThinkingConfig{IncludeThoughts: true}
		if budget > 0 {
			cfg.ThinkingBudget = budget
			t.log.Debug("[Format] Claude thinking enabled with budget: %d", budget)
		} else {
			t.log.Debug("[Format] Claude thinking enabled (no budget specified)")
		}
		return cfg
	}

	t.log.Debug("[Format] Gemini thinking enabled with budget: %d", budget)
	return &ThinkingConfig{IncludeThoughtsCamel: true, ThinkingBudgetCamel: budget}
}

// convertTools maps tool declarations, sanitizing both names and schemas.
func (t *Translator) convertTools(tools []anthropic.Tool, family config.Family) []FunctionDeclaration {
	declarations := make([]FunctionDeclaration, 0, len(tools))
	for idx, tool := range tools {
		name := tool.Name
		if name == "" {
			name = fmt.Sprintf("tool-%d", idx)
		}
		declarations = append(declarations, FunctionDeclaration{
			Name:        cleanToolName(name),
			Description: tool.Description,
			Parameters:  t.SanitizeToolSchema(tool.InputSchema, family),
		})
	}
	return declarations
}

// cleanToolName replaces characters outside [A-Za-z0-9_-] with underscores
// and truncates to 64 characters.
func cleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

// filterUnsignedThinkingParts removes thought parts without a usable
// signature from every content entry, substituting a "." text part when a
// message would otherwise become empty.
func filterUnsignedThinkingParts(contents []GoogleContent) []GoogleContent {
	result := make([]GoogleContent, 0, len(contents))
	for _, content := range contents {
		filtered := make([]GooglePart, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part.Thought && len(part.ThoughtSignature) < anthropic.MinSignatureLength {
				continue
			}
			filtered = append(filtered, part)
		}
		if len(filtered) == 0 {
			filtered = append(filtered, GooglePart{Text: "."})
		}
		result = append(result, GoogleContent{Role: content.Role, Parts: filtered})
	}
	return result
}
