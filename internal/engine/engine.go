package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-bridge-go/envelope"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/operations"
)

var (
	// ErrClosed is reported for requests handled after Close.
	ErrClosed = errors.New("engine closed")
	// ErrCancelledByClient is the cancellation cause recorded when the client
	// sends notifications/cancelled for an in-flight call.
	ErrCancelledByClient = errors.New("cancelled by client")
)

// Engine speaks the MCP tools protocol on behalf of one logical client: a
// single stateless request or a single streaming session. It is safe for
// concurrent use.
type Engine struct {
	reg          *operations.Registry
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string

	mu              sync.Mutex
	closed          bool
	protocolVersion string
	inflight        map[string]context.CancelCauseFunc // reqID -> cancel
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the optional instructions returned from initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// New returns an engine serving the operations in reg.
func New(reg *operations.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		log:      slog.Default(),
		info:     mcp.ImplementationInfo{Name: "mcp-bridge", Version: "dev"},
		inflight: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProtocolVersion returns the version negotiated by initialize, if any.
func (e *Engine) ProtocolVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocolVersion
}

// Close cancels every in-flight call. Subsequent requests fail with ErrClosed.
// Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(e.inflight))
	for _, c := range e.inflight {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c(ErrClosed)
	}
}

// Cancel aborts the in-flight call with the given request id. It reports
// whether such a call was found.
func (e *Engine) Cancel(requestID string) bool {
	e.mu.Lock()
	c, ok := e.inflight[requestID]
	e.mu.Unlock()
	if ok {
		c(ErrCancelledByClient)
	}
	return ok
}

// Handle processes one inbound message. It returns the response to deliver
// for requests and nil for notifications and client responses. Handle never
// panics.
func (e *Engine) Handle(ctx context.Context, msg *jsonrpc.AnyMessage) (resp *jsonrpc.Response) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	defer func() {
		if p := recover(); p != nil {
			e.log.ErrorContext(ctx, "engine.handle.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			if msg.Type() == jsonrpc.TypeRequest {
				resp = envelope.Response(msg.ID, envelope.Wrap(envelope.UpstreamFailure, "", fmt.Errorf("panic: %v", p)))
			} else {
				resp = nil
			}
		}
	}()

	switch msg.Type() {
	case jsonrpc.TypeNotification:
		e.handleNotification(ctx, msg.AsRequest())
		return nil
	case jsonrpc.TypeResponse:
		// The server never issues requests of its own.
		e.log.InfoContext(ctx, "engine.response.ignored")
		return nil
	}

	req := msg.AsRequest()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		e.log.InfoContext(ctx, "engine.handle_request.closed")
		return envelope.Response(req.ID, envelope.Wrap(envelope.TransportProtocolError, "session closed", ErrClosed))
	}

	return e.handleRequest(ctx, req)
}

func (e *Engine) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return e.result(ctx, req, time.Now(), mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
	return envelope.Response(req.ID, envelope.NewOperationNotFound(req.Method))
}

func (e *Engine) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.cancel.invalid", slog.String("err", err.Error()))
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			e.log.InfoContext(ctx, "engine.cancel.invalid", slog.String("err", err.Error()))
			return
		}
		found := e.Cancel(id.String())
		e.log.InfoContext(ctx, "engine.cancel", slog.String("request_id", id.String()), slog.Bool("found", found), slog.String("reason", params.Reason))
	default:
		e.log.InfoContext(ctx, "engine.notification.ignored")
	}
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return e.fail(ctx, req, start, envelope.NewValidation("invalid params", nil))
	}

	version := mcp.LatestProtocolVersion
	if slices.Contains(mcp.SupportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	e.mu.Lock()
	e.protocolVersion = version
	e.mu.Unlock()

	return e.result(ctx, req, start, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{},
		},
		ServerInfo:   e.info,
		Instructions: e.instructions,
	})
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	if len(req.Params) > 0 {
		var params mcp.ListToolsRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return e.fail(ctx, req, start, envelope.NewValidation("invalid params", nil))
		}
	}

	tools := e.reg.Tools()
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(tools)))
	return e.encode(ctx, req, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return e.fail(ctx, req, start, envelope.NewValidation("invalid params", nil))
	}
	if params.Name == "" {
		return e.fail(ctx, req, start, envelope.NewValidation("missing operation name", nil))
	}

	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Name: params.Name})

	reqID := req.ID.String()
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	e.mu.Lock()
	if _, exists := e.inflight[reqID]; exists {
		e.mu.Unlock()
		return e.fail(ctx, req, start, envelope.NewProtocol("duplicate request id"))
	}
	e.inflight[reqID] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, reqID)
		e.mu.Unlock()
	}()

	res, err := e.reg.Dispatch(callCtx, params.Name, params.Arguments)
	if err != nil {
		if cause := context.Cause(callCtx); cause != nil && errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		return e.fail(ctx, req, start, err)
	}

	out, err := toolResult(res)
	if err != nil {
		return e.fail(ctx, req, start, envelope.Wrap(envelope.UpstreamFailure, "", err))
	}
	return e.result(ctx, req, start, out)
}

// toolResult adapts an operation's result to a CallToolResult. Object
// results are also exposed as structured content.
func toolResult(v any) (*mcp.CallToolResult, error) {
	if r, ok := v.(*mcp.CallToolResult); ok && r != nil {
		return r, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	res := &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: string(b)}},
	}
	if s, ok := v.(string); ok {
		res.Content[0].Text = s
	}
	if len(b) > 0 && b[0] == '{' {
		res.StructuredContent = b
	}
	return res, nil
}

func (e *Engine) result(ctx context.Context, req *jsonrpc.Request, start time.Time, v any) *jsonrpc.Response {
	resp := e.encode(ctx, req, v)
	if resp.Error == nil {
		e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	return resp
}

func (e *Engine) encode(ctx context.Context, req *jsonrpc.Request, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.encode.fail", slog.String("err", err.Error()))
		return envelope.Response(req.ID, envelope.Wrap(envelope.UpstreamFailure, "", err))
	}
	return resp
}

func (e *Engine) fail(ctx context.Context, req *jsonrpc.Request, start time.Time, err error) *jsonrpc.Response {
	kind := envelope.KindOf(err)
	attrs := []any{
		slog.String("kind", kind.String()),
		slog.String("err", err.Error()),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	}
	if kind == envelope.UpstreamFailure {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", attrs...)
	} else {
		e.log.InfoContext(ctx, "engine.handle_request.fail", attrs...)
	}
	return envelope.Response(req.ID, err)
}
