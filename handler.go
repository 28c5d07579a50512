package mcpbridge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/internal/engine"
	"github.com/ggoodman/mcp-bridge-go/internal/wire"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/operations"
	"github.com/ggoodman/mcp-bridge-go/sessions"
	"github.com/ggoodman/mcp-bridge-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-bridge-go/stateless"
	"github.com/ggoodman/mcp-bridge-go/streaming"
)

var _ http.Handler = (*Handler)(nil)

// Handler serves both transports.
type Handler struct {
	log       *slog.Logger
	sessions  *sessions.Registry
	streaming *streaming.Handler
	stateless *stateless.Handler
}

type config struct {
	log          *slog.Logger
	basePath     string
	resolver     *auth.Resolver
	host         sessions.Host
	queueDepth   int
	keepAlive    time.Duration
	maxBody      int64
	serverInfo   mcp.ImplementationInfo
	instructions string
}

// Option configures a Handler.
type Option func(*config)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithBasePath mounts every route under prefix.
func WithBasePath(prefix string) Option {
	return func(c *config) { c.basePath = strings.TrimRight(prefix, "/") }
}

// WithResolver sets how both transports read credentials.
func WithResolver(r *auth.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithSessionHost sets the session message queue. The default is an
// in-process memoryhost.
func WithSessionHost(h sessions.Host) Option {
	return func(c *config) { c.host = h }
}

// WithQueueDepth bounds the messages waiting for each session's worker.
func WithQueueDepth(n int) Option {
	return func(c *config) { c.queueDepth = n }
}

// WithKeepAlive sets the interval between keep-alive comments on streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithMaxBodyBytes bounds posted messages on both transports.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBody = n }
}

// WithServerInfo sets the implementation info reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(c *config) { c.serverInfo = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithInstructions sets the instructions reported by initialize.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// New returns a Handler serving ops.
func New(ops *operations.Registry, opts ...Option) *Handler {
	cfg := config{
		log:        slog.Default(),
		resolver:   auth.NewResolver(),
		keepAlive:  streaming.DefaultKeepAlive,
		maxBody:    wire.DefaultMaxBodyBytes,
		serverInfo: mcp.ImplementationInfo{Name: "mcp-bridge", Version: "dev"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.host == nil {
		cfg.host = memoryhost.New()
	}

	engineOpts := []engine.Option{
		engine.WithServerInfo(cfg.serverInfo),
		engine.WithInstructions(cfg.instructions),
	}

	reg := sessions.NewRegistry(cfg.host,
		sessions.WithLogger(cfg.log),
		sessions.WithQueueDepth(cfg.queueDepth),
	)

	return &Handler{
		log:      cfg.log,
		sessions: reg,
		streaming: streaming.New(ops, reg,
			streaming.WithLogger(cfg.log),
			streaming.WithResolver(cfg.resolver),
			streaming.WithBasePath(cfg.basePath),
			streaming.WithKeepAlive(cfg.keepAlive),
			streaming.WithMaxBodyBytes(cfg.maxBody),
			streaming.WithEngineOptions(engineOpts...),
		),
		stateless: stateless.New(ops,
			stateless.WithLogger(cfg.log),
			stateless.WithResolver(cfg.resolver),
			stateless.WithBasePath(cfg.basePath),
			stateless.WithMaxBodyBytes(cfg.maxBody),
			stateless.WithEngineOptions(engineOpts...),
		),
	}
}

// Sessions returns the registry of live streaming sessions.
func (h *Handler) Sessions() *sessions.Registry { return h.sessions }

// Shutdown terminates every streaming session, ending their streams.
func (h *Handler) Shutdown(ctx context.Context) {
	n := h.sessions.Len()
	h.sessions.Shutdown(ctx)
	h.log.InfoContext(ctx, "bridge.shutdown", slog.Int("sessions", n))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(wire.RequestContext(r))
	if r.URL.Path == h.stateless.Path() {
		h.stateless.ServeHTTP(w, r)
		return
	}
	h.streaming.ServeHTTP(w, r)
}
