package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrStreamClosed is returned by EventWriter after the stream's context ended.
var ErrStreamClosed = errors.New("event stream closed")

// EventWriter frames Server-Sent Events onto a response. It serializes
// concurrent writers and refuses to write once ctx is done.
type EventWriter struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// NewEventWriter returns an EventWriter for w, or false when w cannot flush.
func NewEventWriter(ctx context.Context, w http.ResponseWriter) (*EventWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &EventWriter{w: w, f: f, ctx: ctx}, true
}

// StartEventStream commits the event-stream response headers.
func StartEventStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", EventStreamMediaType.String())
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Event writes one frame. Multi-line data is split across data fields.
func (e *EventWriter) Event(event, id string, data []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return e.write(buf.Bytes())
}

// Comment writes an SSE comment line, used as a keep-alive.
func (e *EventWriter) Comment(text string) error {
	return e.write([]byte(": " + text + "\n\n"))
}

func (e *EventWriter) write(p []byte) error {
	if e.ctx.Err() != nil {
		return ErrStreamClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Re-check under the lock; the stream may have closed while waiting.
	if e.ctx.Err() != nil {
		return ErrStreamClosed
	}
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	e.f.Flush()
	return nil
}
