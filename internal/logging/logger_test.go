package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.Info("hello %s", "relay")
	log.Success("saved")
	log.Warn("cooling down")
	log.Error("attempt %d failed", 2)

	out := buf.String()
	assert.Contains(t, out, "[INFO] hello relay")
	assert.Contains(t, out, "[SUCCESS] saved")
	assert.Contains(t, out, "[WARN] cooling down")
	assert.Contains(t, out, "[ERROR] attempt 2 failed")
	// Writer-backed loggers never emit ANSI escapes.
	assert.NotContains(t, out, "\033[")
	assert.Equal(t, 4, strings.Count(out, "\n"))
}

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf).Info("one line")

	line := strings.TrimSuffix(buf.String(), "\n")
	parts := strings.SplitN(line, " ", 3)
	assert.Len(t, parts, 3)
	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\]$`, parts[0])
	assert.Equal(t, "[INFO]", parts[1])
	assert.Equal(t, "one line", parts[2])
}

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	assert.False(t, log.DebugEnabled())
	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.SetDebug(true)
	assert.True(t, log.DebugEnabled())
	log.Debug("visible %d", 1)
	assert.Contains(t, buf.String(), "[DEBUG] visible 1")

	log.SetDebug(false)
	assert.False(t, log.DebugEnabled())
}

func TestHeader(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf).Header("Account Status")

	assert.Equal(t, "\n=== Account Status ===\n\n", buf.String())
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.SetDebug(true)
	assert.True(t, log.DebugEnabled())
	log.Info("dropped")
	log.Debug("dropped")
	log.Header("dropped")
}

func TestConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("line")
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, strings.Count(buf.String(), "\n"))
}
