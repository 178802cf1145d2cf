package sse

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// noFlushWriter satisfies http.ResponseWriter but not http.Flusher.
type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)             {}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

func TestNewWriterRequiresFlusher(t *testing.T) {
	sw, err := NewWriter(httptest.NewRecorder())
	require.NoError(t, err)
	assert.NotNil(t, sw)

	sw, err = NewWriter(&noFlushWriter{})
	assert.Nil(t, sw)
	assert.EqualError(t, err, "response writer does not support streaming")
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	require.NoError(t, err)

	sw.SetHeaders()

	h := rec.Header()
	assert.Equal(t, "text/event-stream", h.Get("Content-Type"))
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "keep-alive", h.Get("Connection"))
	assert.Equal(t, "no", h.Get("X-Accel-Buffering"))
}

func TestWriteRaw(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sw.WriteRaw("ping", []byte(`{"type":"ping"}`)))

	assert.Equal(t, "event: ping\ndata: {\"type\":\"ping\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriteEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	require.NoError(t, err)

	idx := 0
	require.NoError(t, sw.WriteEvent(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: &idx,
		Delta: &anthropic.ContentDelta{Type: "text_delta", Text: "hi"},
	}))

	body := rec.Body.String()
	assert.Contains(t, body, "event: content_block_delta\n")
	assert.Contains(t, body, `"type":"content_block_delta"`)
	// Block index zero must survive serialization.
	assert.Contains(t, body, `"index":0`)
	assert.Contains(t, body, `"text":"hi"`)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sw.WriteError("rate_limit_error", "upstream is saturated"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"error":{"type":"rate_limit_error","message":"upstream is saturated"}`)
}

func TestWritePropagatesFailure(t *testing.T) {
	sw, err := NewWriter(&failingWriter{httptest.NewRecorder()})
	require.NoError(t, err)

	assert.EqualError(t, sw.WriteRaw("ping", []byte("{}")), "client went away")
}
