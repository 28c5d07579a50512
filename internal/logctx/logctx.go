// Package logctx carries per-request log data on a context and adds it to
// every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request, session, RPC and operation data
// found on the context. Each kind of data becomes one group; empty values
// are left out, as is a group with nothing in it.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := RequestDataFrom(ctx); ok {
		addGroup(&r, "req",
			"id", rd.RequestID,
			"method", rd.Method,
			"path", rd.Path,
			"user_agent", rd.UserAgent,
			"remote_addr", rd.RemoteAddr,
		)
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		addGroup(&r, "sess",
			"id", sd.SessionID,
			"transport", sd.Transport,
			"credential", sd.CredentialFingerprint,
		)
	}
	if msg, ok := ctx.Value(rpcMessageKey{}).(*RPCMessage); ok {
		addGroup(&r, "rpc",
			"method", msg.Method,
			"id", msg.ID,
			"type", msg.Type,
		)
	}
	if od, ok := ctx.Value(operationDataKey{}).(*OperationData); ok {
		addGroup(&r, "op", "name", od.Name)
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

// addGroup adds the non-empty key/value pairs in kv as group name.
func addGroup(r *slog.Record, name string, kv ...string) {
	attrs := make([]any, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			attrs = append(attrs, slog.String(kv[i], kv[i+1]))
		}
	}
	if len(attrs) > 0 {
		r.AddAttrs(slog.Group(name, attrs...))
	}
}

type (
	requestDataKey   struct{}
	sessionDataKey   struct{}
	rpcMessageKey    struct{}
	operationDataKey struct{}
)

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	UserAgent  string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestDataFrom returns the request data attached to ctx, if any.
func RequestDataFrom(ctx context.Context) (*RequestData, bool) {
	rd, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return rd, ok
}

// SessionData identifies the session (if any) and caller behind a log line.
// Stateless and stdio calls carry only the transport and fingerprint.
type SessionData struct {
	SessionID             string
	Transport             string
	CredentialFingerprint string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

// RPCMessage describes the JSON-RPC message being handled.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMessageKey{}, msg)
}

type OperationData struct {
	Name string
}

func WithOperationData(ctx context.Context, data *OperationData) context.Context {
	return context.WithValue(ctx, operationDataKey{}, data)
}
