package format

import (
	"sync"
	"time"

	"github.com/vantorre/antigravity-relay/internal/config"
)

// signatureEntry is one cached value with its write timestamp.
type signatureEntry struct {
	value string
	ts    int64
}

// SignatureCache remembers thought signatures across turns. Clients such as
// Claude Code strip the thoughtSignature field from tool_use blocks before
// echoing them back, so responses cache (toolUseID -> signature) here and
// request conversion restores them. A second map records which model family
// produced a signature so Gemini targets can reject foreign ones.
//
// Both maps are bounded: entries expire after a TTL and the oldest entry is
// evicted when a map is full. Construct one in main and share it; Sweep is
// called periodically by the janitor.
type SignatureCache struct {
	mu       sync.RWMutex
	tools    map[string]signatureEntry // toolUseID -> signature
	families map[string]signatureEntry // signature -> model family

	ttlMs   int64
	maxSize int
	nowFn   func() int64
}

// NewSignatureCache creates an empty cache with the default TTL and size cap.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		tools:    make(map[string]signatureEntry),
		families: make(map[string]signatureEntry),
		ttlMs:    config.SignatureCacheTTLMs,
		maxSize:  config.SignatureCacheMaxSize,
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}
}

// CacheSignature stores the signature attached to a tool call.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	putBounded(c.tools, toolUseID, signatureEntry{value: signature, ts: c.nowFn()}, c.maxSize)
}

// GetCachedSignature returns the signature cached for a tool_use id, or ""
// when absent or expired.
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tools[toolUseID]
	if !ok || c.expired(entry) {
		return ""
	}
	return entry.value
}

// CacheThinkingSignature records which model family produced a signature.
func (c *SignatureCache) CacheThinkingSignature(signature, family string) {
	if signature == "" || family == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	putBounded(c.families, signature, signatureEntry{value: family, ts: c.nowFn()}, c.maxSize)
}

// GetCachedSignatureFamily returns the model family a signature came from, or
// "" when unknown or expired.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.families[signature]
	if !ok || c.expired(entry) {
		return ""
	}
	return entry.value
}

// Sweep removes expired entries from both maps and returns how many were
// dropped.
func (c *SignatureCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.tools {
		if c.expired(entry) {
			delete(c.tools, key)
			removed++
		}
	}
	for key, entry := range c.families {
		if c.expired(entry) {
			delete(c.families, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry from both maps.
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = make(map[string]signatureEntry)
	c.families = make(map[string]signatureEntry)
}

// Size returns the current entry counts of the two maps.
func (c *SignatureCache) Size() (tools, families int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools), len(c.families)
}

func (c *SignatureCache) expired(entry signatureEntry) bool {
	return c.nowFn()-entry.ts > c.ttlMs
}

// putBounded inserts into m, evicting the oldest entry first when m is full
// and key is new.
func putBounded(m map[string]signatureEntry, key string, entry signatureEntry, maxSize int) {
	if _, exists := m[key]; !exists && len(m) >= maxSize {
		oldestKey := ""
		oldestTs := int64(0)
		for k, e := range m {
			if oldestKey == "" || e.ts < oldestTs {
				oldestKey = k
				oldestTs = e.ts
			}
		}
		if oldestKey != "" {
			delete(m, oldestKey)
		}
	}
	m[key] = entry
}
