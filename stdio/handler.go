package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/ggoodman/mcp-bridge-go/envelope"
	"github.com/ggoodman/mcp-bridge-go/internal/engine"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/operations"
)

const (
	transportName         = "stdio"
	defaultMaxLine        = 4 << 20
	initialScanBufferSize = 64 << 10
)

// Handler reads JSON-RPC messages from an io.Reader and writes responses to
// an io.Writer, by default os.Stdin and os.Stdout.
type Handler struct {
	ops        *operations.Registry
	source     auth.Source
	r          io.Reader
	w          io.Writer
	log        *slog.Logger
	maxLine    int
	engineOpts []engine.Option

	writeMu sync.Mutex
}

// NewHandler returns a Handler serving ops with the credential supplied by
// src.
func NewHandler(ops *operations.Registry, src auth.Source, opts ...Option) *Handler {
	h := &Handler{
		ops:     ops,
		source:  src,
		r:       os.Stdin,
		w:       os.Stdout,
		log:     slog.Default(),
		maxLine: defaultMaxLine,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs until the reader reaches EOF, in which case it waits for
// in-flight calls and returns nil, or until ctx ends, in which case in-flight
// calls are cancelled and ctx.Err() is returned. Serve must be called at most
// once.
func (h *Handler) Serve(ctx context.Context) error {
	eng := engine.New(h.ops, append([]engine.Option{engine.WithLogger(h.log)}, h.engineOpts...)...)
	defer eng.Close()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, initialScanBufferSize), h.maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	h.log.InfoContext(ctx, "stdio.serve.start")
	for {
		select {
		case <-ctx.Done():
			eng.Close()
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("read stdin: %w", err)
			}
			h.log.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			h.dispatch(ctx, eng, &wg, line)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, eng *engine.Engine, wg *sync.WaitGroup, line []byte) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		h.log.InfoContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		reason := "invalid JSON-RPC message"
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			reason = err.Error()
		}
		h.write(ctx, envelope.Response(nil, envelope.NewProtocol(reason)))
		return
	}

	cred, err := h.credential(ctx)
	if err == nil && cred.IsZero() {
		err = auth.ErrNoCredential
	}
	if err != nil {
		h.log.WarnContext(ctx, "stdio.credential.fail", slog.String("err", err.Error()))
		if msg.Type() == jsonrpc.TypeRequest {
			h.write(ctx, envelope.Response(msg.ID, envelope.Wrap(envelope.MissingCredential, "", err)))
		}
		return
	}

	callCtx := credentials.WithCredential(ctx, cred)
	callCtx = logctx.WithSessionData(callCtx, &logctx.SessionData{
		Transport:             transportName,
		CredentialFingerprint: cred.Fingerprint(),
	})

	// Notifications, including cancellations, are handled in order. Requests
	// run concurrently so that a later cancellation can reach them.
	if msg.Type() != jsonrpc.TypeRequest {
		eng.Handle(callCtx, msg)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if resp := eng.Handle(callCtx, msg); resp != nil {
			h.write(callCtx, resp)
		}
	}()
}

func (h *Handler) credential(ctx context.Context) (credentials.Credential, error) {
	if h.source == nil {
		return credentials.Credential{}, auth.ErrNoCredential
	}
	return h.source.Credential(ctx)
}

func (h *Handler) write(ctx context.Context, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.encode.fail", slog.String("err", err.Error()))
		return
	}
	b = append(b, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
