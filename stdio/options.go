package stdio

import (
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-bridge-go/internal/engine"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMaxMessageBytes bounds a single line of input.
func WithMaxMessageBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLine = n
		}
	}
}

// WithEngineOptions configures the protocol engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, opts...) }
}
