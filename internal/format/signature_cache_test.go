package format

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignatureCacheRoundTrip(t *testing.T) {
	c := NewSignatureCache()

	c.CacheSignature("toolu_abc", validSignature)
	assert.Equal(t, validSignature, c.GetCachedSignature("toolu_abc"))
	assert.Empty(t, c.GetCachedSignature("toolu_other"))

	c.CacheThinkingSignature(validSignature, "gemini")
	assert.Equal(t, "gemini", c.GetCachedSignatureFamily(validSignature))
	assert.Empty(t, c.GetCachedSignatureFamily("unseen"))
}

func TestSignatureCacheIgnoresEmptyKeys(t *testing.T) {
	c := NewSignatureCache()
	c.CacheSignature("", validSignature)
	c.CacheSignature("toolu_abc", "")
	c.CacheThinkingSignature("", "gemini")

	tools, families := c.Size()
	assert.Zero(t, tools)
	assert.Zero(t, families)
}

func TestSignatureCacheTTLExpiry(t *testing.T) {
	c := NewSignatureCache()
	now := int64(1_000_000)
	c.nowFn = func() int64 { return now }

	c.CacheSignature("toolu_abc", validSignature)
	c.CacheThinkingSignature(validSignature, "claude")

	now += c.ttlMs - 1
	assert.Equal(t, validSignature, c.GetCachedSignature("toolu_abc"))

	now += 2
	assert.Empty(t, c.GetCachedSignature("toolu_abc"))
	assert.Empty(t, c.GetCachedSignatureFamily(validSignature))

	// Sweep drops both expired entries.
	assert.Equal(t, 2, c.Sweep())
	tools, families := c.Size()
	assert.Zero(t, tools)
	assert.Zero(t, families)
}

func TestSignatureCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewSignatureCache()
	c.maxSize = 3
	now := int64(0)
	c.nowFn = func() int64 { now++; return now }

	c.CacheSignature("toolu_1", "sig-1")
	c.CacheSignature("toolu_2", "sig-2")
	c.CacheSignature("toolu_3", "sig-3")
	c.CacheSignature("toolu_4", "sig-4")

	tools, _ := c.Size()
	assert.Equal(t, 3, tools)
	assert.Empty(t, c.GetCachedSignature("toolu_1"))
	assert.Equal(t, "sig-4", c.GetCachedSignature("toolu_4"))
}

func TestSignatureCacheOverwriteDoesNotEvict(t *testing.T) {
	c := NewSignatureCache()
	c.maxSize = 2
	c.CacheSignature("toolu_1", "sig-1")
	c.CacheSignature("toolu_2", "sig-2")

	// Rewriting an existing key at capacity keeps both entries.
	c.CacheSignature("toolu_2", "sig-2b")
	tools, _ := c.Size()
	assert.Equal(t, 2, tools)
	assert.Equal(t, "sig-1", c.GetCachedSignature("toolu_1"))
	assert.Equal(t, "sig-2b", c.GetCachedSignature("toolu_2"))
}

func TestSignatureCacheClear(t *testing.T) {
	c := NewSignatureCache()
	for i := 0; i < 5; i++ {
		c.CacheSignature(fmt.Sprintf("toolu_%d", i), validSignature)
	}
	c.CacheThinkingSignature(validSignature, "gemini")

	c.Clear()
	tools, families := c.Size()
	assert.Zero(t, tools)
	assert.Zero(t, families)
}
