// Package sse writes Anthropic-style Server-Sent Events to an HTTP response.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// Writer emits SSE frames, flushing after each one so events reach the
// client as they are produced.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w. It fails when the underlying writer cannot flush,
// which makes streaming impossible.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders marks the response as an event stream. Must be called before
// the first frame.
func (sw *Writer) SetHeaders() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one protocol event, using ev.Type as the frame's event
// name.
func (sw *Writer) WriteEvent(ev *anthropic.SSEEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return sw.WriteRaw(string(ev.Type), data)
}

// WriteRaw writes a frame with pre-serialized data.
func (sw *Writer) WriteRaw(event string, data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError emits the Anthropic error envelope as a terminal stream event.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventError,
		Error: &anthropic.ErrorDetail{Type: errorType, Message: message},
	})
}

// Flush forces out any buffered frames.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
