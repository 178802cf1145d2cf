// Package tokenizer estimates input token counts locally, so count_tokens
// requests never spend upstream quota.
package tokenizer

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// cl100k_base tracks Claude and Gemini tokenization closely enough for
// budget estimates, which is all count_tokens promises.
const encodingName = "cl100k_base"

// Chat scaffolding costs: every message carries role markers and separators,
// and every exchange is primed with an assistant role.
const (
	perMessageTokens  = 4
	replyPrimerTokens = 3
)

// Image blocks carry no encodable text. Claude bills up to 1568 tokens per
// image, Gemini a flat 258 per tile.
const (
	claudeImageTokens = 1568
	geminiImageTokens = 258
)

// Counter counts tokens with a lazily initialized process-wide encoder.
// If the encoder cannot be built (the BPE ranks are fetched on first use),
// counting degrades to a chars/4 estimate instead of failing.
type Counter struct {
	log *logging.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewCounter(log *logging.Logger) *Counter {
	return &Counter{log: log}
}

// Warmup initializes the encoder eagerly so the first count_tokens request
// does not pay the load cost.
func (c *Counter) Warmup() {
	c.encoder()
}

func (c *Counter) encoder() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			c.log.Warn("[Tokenizer] %s unavailable, using character estimate: %v", encodingName, err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// CountText returns the token count of text.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// CountRequest estimates the input tokens of a count_tokens request:
// system prompt, message content, and tool declarations.
func (c *Counter) CountRequest(req *anthropic.CountTokensRequest) int {
	modelID, _ := config.NormalizeModelID(req.Model)
	family := config.ModelFamily(modelID)
	total := replyPrimerTokens

	system := anthropic.MessagesRequest{System: req.System}
	total += c.CountText(system.SystemText())

	for i := range req.Messages {
		total += perMessageTokens
		total += c.countBlocks(req.Messages[i].Content, family)
	}

	for i := range req.Tools {
		tool := &req.Tools[i]
		total += c.CountText(tool.Name)
		total += c.CountText(tool.Description)
		total += c.countJSON(tool.InputSchema)
	}
	return total
}

func (c *Counter) countBlocks(blocks []anthropic.ContentBlock, family config.Family) int {
	n := 0
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case "text":
			n += c.CountText(b.Text)
		case "thinking":
			n += c.CountText(b.Thinking)
		case "redacted_thinking":
			n += c.CountText(b.Data)
		case "tool_use":
			n += c.CountText(b.Name)
			n += c.countJSON(b.Input)
		case "tool_result":
			n += c.countToolResult(b.Content, family)
		case "image":
			n += imageTokens(family)
		}
	}
	return n
}

// countToolResult handles the string-or-block-array shape of tool_result
// content. Decoded request bodies leave it as whatever json.Unmarshal
// produced for an any, so it is re-marshaled before inspection.
func (c *Counter) countToolResult(content any, family config.Family) int {
	switch v := content.(type) {
	case nil:
		return 0
	case string:
		return c.CountText(v)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	var blocks []anthropic.ContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		return c.countBlocks(blocks, family)
	}
	return c.CountText(string(raw))
}

func (c *Counter) countJSON(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	return c.CountText(string(raw))
}

func imageTokens(family config.Family) int {
	if family == config.FamilyGemini {
		return geminiImageTokens
	}
	return claudeImageTokens
}
