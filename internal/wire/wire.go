// Package wire holds the HTTP framing shared by the streaming and stateless
// transports: media type negotiation, bounded body decoding, SSE framing and
// error envelopes written at the HTTP boundary.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-bridge-go/envelope"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/google/uuid"
)

// DefaultMaxBodyBytes bounds a posted JSON-RPC message.
const DefaultMaxBodyBytes int64 = 4 << 20

var (
	JSONMediaType         = contenttype.NewMediaType("application/json")
	EventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{EventStreamMediaType}
)

// Reject pairs a failure with the HTTP status it is answered with. Without a
// Reject the status is derived from the failure's kind.
type Reject struct {
	Status int
	Err    error
}

func (r *Reject) Error() string { return r.Err.Error() }
func (r *Reject) Unwrap() error { return r.Err }

// Rejectf returns a Reject carrying a TransportProtocolError.
func Rejectf(status int, format string, args ...any) error {
	return &Reject{Status: status, Err: envelope.Errorf(envelope.TransportProtocolError, format, args...)}
}

// StatusOf returns the HTTP status used to answer err.
func StatusOf(err error) int {
	var rj *Reject
	if errors.As(err, &rj) && rj.Status > 0 {
		return rj.Status
	}
	return envelope.KindOf(err).HTTPStatus()
}

// WriteError answers with a single error envelope whose id is null.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusOf(err), envelope.Response(nil, err))
}

// WriteJSON writes v as an application/json body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", JSONMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MethodNotAllowed answers a request made with an unsupported method.
func MethodNotAllowed(w http.ResponseWriter, allow ...string) {
	for _, m := range allow {
		w.Header().Add("Allow", m)
	}
	WriteError(w, Rejectf(http.StatusMethodNotAllowed, "method not allowed"))
}

// AcceptsEventStream reports whether the request's Accept header allows
// text/event-stream. A missing Accept header allows anything.
func AcceptsEventStream(r *http.Request) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

// ReadMessage decodes the request body as one JSON-RPC message. Failures are
// returned as a Reject ready for WriteError.
func ReadMessage(w http.ResponseWriter, r *http.Request, maxBytes int64) (*jsonrpc.AnyMessage, error) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(JSONMediaType) {
		return nil, Rejectf(http.StatusUnsupportedMediaType, "content-type must be application/json")
	}

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, Rejectf(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxBytes)
		}
		return nil, Rejectf(http.StatusBadRequest, "read request body: %v", err)
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			return nil, Rejectf(http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		}
		return nil, Rejectf(http.StatusBadRequest, "invalid JSON-RPC message")
	}
	return msg, nil
}

// RequestContext returns the request's context carrying log data for it.
// Data already attached upstream is kept.
func RequestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if _, ok := logctx.RequestDataFrom(ctx); ok {
		return ctx
	}
	return logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
}

