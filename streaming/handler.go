package streaming

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/envelope"
	"github.com/ggoodman/mcp-bridge-go/internal/engine"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/internal/wire"
	"github.com/ggoodman/mcp-bridge-go/operations"
	"github.com/ggoodman/mcp-bridge-go/sessions"
)

// DefaultKeepAlive is the interval between keep-alive comments on an idle
// stream.
const DefaultKeepAlive = 25 * time.Second

const (
	endpointEvent = "endpoint"
	messageEvent  = "message"
)

// Handler serves the streaming transport.
type Handler struct {
	ops        *operations.Registry
	sessions   *sessions.Registry
	resolver   *auth.Resolver
	log        *slog.Logger
	basePath   string
	keepAlive  time.Duration
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

// WithResolver sets how credentials are read from requests. The default
// reads a bearer token from the Authorization header.
func WithResolver(r *auth.Resolver) Option {
	return func(h *Handler) {
		if r != nil {
			h.resolver = r
		}
	}
}

// WithBasePath mounts the routes under prefix, e.g. "/v1".
func WithBasePath(prefix string) Option {
	return func(h *Handler) { h.basePath = strings.TrimRight(prefix, "/") }
}

// WithKeepAlive sets the keep-alive interval. Zero or less disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithMaxBodyBytes bounds posted messages.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// WithEngineOptions configures the protocol engine created for each session.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(h *Handler) { h.engineOpts = append(h.engineOpts, opts...) }
}

// New returns a Handler serving ops, with sessions tracked in reg.
func New(ops *operations.Registry, reg *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		ops:       ops,
		sessions:  reg,
		resolver:  auth.NewResolver(),
		log:       slog.Default(),
		keepAlive: DefaultKeepAlive,
		maxBody:   wire.DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel, ok := strings.CutPrefix(r.URL.Path, h.basePath)
	if !ok {
		wire.WriteError(w, wire.Rejectf(http.StatusNotFound, "not found"))
		return
	}

	switch {
	case rel == "/sse":
		if r.Method != http.MethodGet {
			wire.MethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleEstablish(w, r)
	case rel == "/sse/status":
		if r.Method != http.MethodGet {
			wire.MethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleStatus(w, r)
	case strings.HasPrefix(rel, "/sse/") && !strings.Contains(rel[len("/sse/"):], "/"):
		if r.Method != http.MethodDelete {
			wire.MethodNotAllowed(w, http.MethodDelete)
			return
		}
		h.handleTerminate(w, r, rel[len("/sse/"):])
	case rel == "/messages":
		if r.Method != http.MethodPost {
			wire.MethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handlePost(w, r)
	default:
		wire.WriteError(w, wire.Rejectf(http.StatusNotFound, "not found"))
	}
}

// endpointURL is the message endpoint announced to the client.
func (h *Handler) endpointURL(sessionID string) string {
	return h.basePath + "/messages?" + url.Values{"sessionId": {sessionID}}.Encode()
}

func (h *Handler) rejectCredential(ctx context.Context, w http.ResponseWriter, err error) {
	if c := h.resolver.Challenge(err); c != "" {
		w.Header().Set(auth.WWWAuthenticateHeader, c)
	}
	h.log.InfoContext(ctx, "auth.fail", slog.String("kind", envelope.KindOf(err).String()))
	wire.WriteError(w, err)
}

func (h *Handler) handleEstablish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := wire.RequestContext(r)

	cred, err := h.resolver.Resolve(r)
	if err != nil {
		h.rejectCredential(ctx, w, err)
		return
	}

	if !wire.AcceptsEventStream(r) {
		h.log.WarnContext(ctx, "sse.establish.not_acceptable")
		wire.WriteError(w, wire.Rejectf(http.StatusNotAcceptable, "client must accept text/event-stream"))
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		wire.WriteError(w, envelope.NewUpstream(0, "streaming unsupported", nil))
		return
	}

	eng := engine.New(h.ops, append([]engine.Option{engine.WithLogger(h.log)}, h.engineOpts...)...)
	sess, err := h.sessions.Establish(ctx, cred, eng)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.establish.fail", slog.String("err", err.Error()))
		wire.WriteError(w, envelope.Wrap(envelope.UpstreamFailure, "session unavailable", err))
		return
	}
	ctx = sess.Context(ctx)

	// The stream ends with the request or with the session, whichever is
	// first. Either way the session is torn down, and no goroutine may touch
	// w once this handler returns.
	streamCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	defer h.sessions.Terminate(context.WithoutCancel(ctx), sess.ID())
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-sess.Closing():
			cancel()
		case <-streamCtx.Done():
		}
	}()

	ew, _ := wire.NewEventWriter(streamCtx, w)

	wire.StartEventStream(w)
	if err := ew.Event(endpointEvent, "", []byte(h.endpointURL(sess.ID()))); err != nil {
		h.log.InfoContext(ctx, "sse.write.after_close", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.establish.ok")

	if h.keepAlive > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.keepAliveLoop(streamCtx, ew)
		}()
	}

	err = sess.Subscribe(streamCtx, func(cbCtx context.Context, eventID string, data []byte) error {
		if err := ew.Event(messageEvent, eventID, data); err != nil {
			h.log.InfoContext(ctx, "sse.write.after_close", slog.String("event_id", eventID), slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.String("event_id", eventID))
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, wire.ErrStreamClosed):
	default:
		h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) keepAliveLoop(ctx context.Context, ew *wire.EventWriter) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := ew.Comment("keepalive"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := wire.RequestContext(r)

	id := r.URL.Query().Get("sessionId")
	if id == "" {
		h.log.InfoContext(ctx, "sse.post.session_id.missing")
		wire.WriteError(w, wire.Rejectf(http.StatusBadRequest, "missing sessionId query parameter"))
		return
	}

	sess, err := h.sessions.Lookup(id)
	if err != nil {
		h.log.InfoContext(ctx, "sse.post.session.miss", slog.String("session_id", id))
		wire.WriteError(w, wire.Rejectf(http.StatusNotFound, "%s", sessions.ErrSessionNotFound.Error()))
		return
	}
	ctx = sess.Context(ctx)

	// Posts may omit the credential; when present it must be the session's.
	if h.resolver.Present(r) {
		cred, err := h.resolver.Resolve(r)
		if err != nil {
			h.rejectCredential(ctx, w, err)
			return
		}
		if !cred.Equal(sess.Credential()) {
			h.log.WarnContext(ctx, "sse.post.credential.mismatch")
			wire.WriteError(w, wire.Rejectf(http.StatusForbidden, "credential does not match session"))
			return
		}
	}

	msg, err := wire.ReadMessage(w, r, h.maxBody)
	if err != nil {
		h.log.InfoContext(ctx, "sse.post.message.invalid", slog.String("err", err.Error()))
		wire.WriteError(w, err)
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	if err := sess.Post(ctx, msg); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			h.log.InfoContext(ctx, "sse.post.session.closed")
			wire.WriteError(w, wire.Rejectf(http.StatusNotFound, "%s", sessions.ErrSessionNotFound.Error()))
		case errors.Is(err, sessions.ErrSessionBusy):
			h.log.WarnContext(ctx, "sse.post.session.busy")
			wire.WriteError(w, wire.Rejectf(http.StatusServiceUnavailable, "session busy"))
		default:
			h.log.ErrorContext(ctx, "sse.post.fail", slog.String("err", err.Error()))
			wire.WriteError(w, err)
		}
		return
	}

	h.log.InfoContext(ctx, "sse.post.accepted")
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request, id string) {
	ctx := wire.RequestContext(r)

	cred, err := h.resolver.Resolve(r)
	if err != nil {
		h.rejectCredential(ctx, w, err)
		return
	}

	if sess, err := h.sessions.Lookup(id); err == nil {
		ctx = sess.Context(ctx)
		if !cred.Equal(sess.Credential()) {
			h.log.WarnContext(ctx, "sse.terminate.credential.mismatch")
			wire.WriteError(w, wire.Rejectf(http.StatusForbidden, "credential does not match session"))
			return
		}
	}

	found := h.sessions.Terminate(ctx, id)
	h.log.InfoContext(ctx, "sse.terminate", slog.String("session_id", id), slog.Bool("found", found))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	wire.WriteJSON(w, http.StatusOK, h.sessions.Status())
}
