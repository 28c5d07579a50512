// Package stateless implements the request/response transport: every POST
// carries one JSON-RPC message and its response is written to the same HTTP
// response. Nothing survives the request; each call gets a fresh protocol
// engine and runs inside the request's own credential scope.
package stateless

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/ggoodman/mcp-bridge-go/internal/engine"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/internal/wire"
	"github.com/ggoodman/mcp-bridge-go/operations"
)

const transportName = "stateless"

// Handler serves POST <base>/mcp.
type Handler struct {
	ops        *operations.Registry
	resolver   *auth.Resolver
	log        *slog.Logger
	path       string
	maxBody    int64
	engineOpts []engine.Option
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithResolver sets how credentials are read from requests.
func WithResolver(r *auth.Resolver) Option {
	return func(h *Handler) {
		if r != nil {
			h.resolver = r
		}
	}
}

// WithBasePath mounts the endpoint at prefix + "/mcp".
func WithBasePath(prefix string) Option {
	return func(h *Handler) { h.path = strings.TrimRight(prefix, "/") + "/mcp" }
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// WithEngineOptions configures the engine created for each request.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, opts...) }
}

// New returns a Handler serving ops.
func New(ops *operations.Registry, opts ...Option) *Handler {
	h := &Handler{
		ops:      ops,
		resolver: auth.NewResolver(),
		log:      slog.Default(),
		path:     "/mcp",
		maxBody:  wire.DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Path is the endpoint path the handler answers on.
func (h *Handler) Path() string { return h.path }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.path {
		wire.WriteError(w, wire.Rejectf(http.StatusNotFound, "not found"))
		return
	}
	if r.Method != http.MethodPost {
		wire.MethodNotAllowed(w, http.MethodPost)
		return
	}
	h.handlePost(w, r)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := wire.RequestContext(r)

	cred, err := h.resolver.Resolve(r)
	if err != nil {
		if c := h.resolver.Challenge(err); c != "" {
			w.Header().Set(auth.WWWAuthenticateHeader, c)
		}
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		wire.WriteError(w, err)
		return
	}

	ctx = credentials.WithCredential(ctx, cred)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		Transport:             transportName,
		CredentialFingerprint: cred.Fingerprint(),
	})

	msg, err := wire.ReadMessage(w, r, h.maxBody)
	if err != nil {
		h.log.InfoContext(ctx, "http.post.message.invalid", slog.String("err", err.Error()))
		wire.WriteError(w, err)
		return
	}

	eng := engine.New(h.ops, append([]engine.Option{engine.WithLogger(h.log)}, h.engineOpts...)...)
	defer eng.Close()

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- eng.Handle(ctx, msg)
	}()

	var resp *jsonrpc.Response
	select {
	case resp = <-done:
	case <-ctx.Done():
		// The client is gone. Closing the engine cancels the call; its
		// result is discarded.
		eng.Close()
		h.log.InfoContext(ctx, "http.post.client_gone", slog.Duration("dur", time.Since(start)))
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	wire.WriteJSON(w, http.StatusOK, resp)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

var _ http.Handler = (*Handler)(nil)
