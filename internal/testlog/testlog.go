// Package testlog routes slog output into testing.T logs.
package testlog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
)

// Bridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type Bridge struct {
	slog.Handler
	t    testing.TB
	buf  *bytes.Buffer
	mu   *sync.Mutex
	done *bool
}

// Handle implements slog.Handler.
func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Background goroutines may outlive the test.
	if *b.done {
		return nil
	}

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		done:    b.done,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		done:    b.done,
		Handler: b.Handler.WithGroup(name),
	}
}

// Handler returns a Bridge writing debug-level text records to t.
func Handler(t testing.TB) *Bridge {
	b := &Bridge{
		t:    t,
		buf:  &bytes.Buffer{},
		mu:   &sync.Mutex{},
		done: new(bool),
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	})
	t.Cleanup(func() {
		b.mu.Lock()
		*b.done = true
		b.mu.Unlock()
	})
	return b
}

// Logger returns a logger that decorates records with logctx data and
// writes them to t.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(logctx.Handler{Handler: Handler(t)})
}
