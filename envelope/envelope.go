// Package envelope turns every failure into exactly one JSON-RPC error
// object with a stable code, a human message and optional structured data.
//
// Handlers report failures by returning an *Error built with one of the
// constructors below. Anything else reaching FromError is treated as an
// unexpected fault and reported as a generic internal UpstreamFailure so that
// internal details are never leaked to callers.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	// Status is the vendor status code for ResourceNotFound, RateLimited and
	// UpstreamFailure. Zero means the kind's default code.
	Status int
	// RetryAfter is the vendor's retry hint for RateLimited.
	RetryAfter time.Duration
	Data       any
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.DefaultMessage()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// RPCError renders the failure as a JSON-RPC error object.
func (e *Error) RPCError() *jsonrpc.Error {
	out := Build(e.Kind, e.Message, e.detail())
	switch e.Kind {
	case ResourceNotFound, RateLimited, UpstreamFailure:
		if e.Status > 0 {
			out.Code = jsonrpc.ErrorCode(e.Status)
		}
	}
	return out
}

func (e *Error) detail() any {
	extra := map[string]any{}
	if e.Kind == RateLimited && e.RetryAfter > 0 {
		extra["retryAfterSeconds"] = int64(math.Ceil(e.RetryAfter.Seconds()))
	}
	if (e.Kind == UpstreamFailure || e.Kind == ResourceNotFound) && e.Status > 0 {
		extra["status"] = e.Status
	}
	if len(extra) == 0 {
		return e.Data
	}
	switch d := e.Data.(type) {
	case nil:
		return extra
	case map[string]any:
		merged := make(map[string]any, len(d)+len(extra))
		for k, v := range d {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		return merged
	default:
		extra["detail"] = d
		return extra
	}
}

// Build produces the error object for kind. An empty message selects the
// kind's default. An undefined kind yields a generic internal error. Build
// never panics.
func Build(kind Kind, message string, detail any) *jsonrpc.Error {
	if !kind.Valid() {
		return &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInternalError,
			Message: UpstreamFailure.DefaultMessage(),
		}
	}
	if message == "" {
		message = kind.DefaultMessage()
	}
	return &jsonrpc.Error{Code: kind.Code(), Message: message, Data: detail}
}

// FromError converts any error into an error object. It returns nil for a
// nil error.
func FromError(err error) *jsonrpc.Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.RPCError()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Build(UpstreamFailure, "request timed out", nil)
	case errors.Is(err, context.Canceled):
		return Build(UpstreamFailure, "request cancelled", nil)
	}
	return Build(UpstreamFailure, "", nil)
}

// KindOf classifies err. Unclassified errors are UpstreamFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.Kind.Valid() {
		return e.Kind
	}
	return UpstreamFailure
}

// Response wraps err in a complete JSON-RPC response. id may be nil.
func Response(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	rpcErr := FromError(err)
	if rpcErr == nil {
		rpcErr = Build(UpstreamFailure, "", nil)
	}
	return &jsonrpc.Response{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Error:          rpcErr,
		ID:             id,
	}
}

// Errorf builds an *Error of kind with a formatted message. A %w verb in
// format is honored for unwrapping.
func Errorf(kind Kind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// Wrap classifies err under kind with message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NewMissingCredential(message string) *Error {
	return &Error{Kind: MissingCredential, Message: message}
}

func NewInvalidCredentialFormat(message string) *Error {
	return &Error{Kind: InvalidCredentialFormat, Message: message}
}

// NewOperationNotFound echoes the requested name in the error data.
func NewOperationNotFound(name string) *Error {
	return &Error{
		Kind:    OperationNotFound,
		Message: fmt.Sprintf("operation not found: %s", name),
		Data:    map[string]any{"name": name},
	}
}

func NewValidation(message string, data any) *Error {
	return &Error{Kind: ValidationFailed, Message: message, Data: data}
}

func NewResourceNotFound(message string) *Error {
	return &Error{Kind: ResourceNotFound, Message: message}
}

// NewRateLimited carries the vendor's retry hint. A zero retryAfter means no
// hint was given.
func NewRateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: message, RetryAfter: retryAfter}
}

// NewUpstream mirrors a vendor failure. status is the vendor HTTP status, or
// zero when unknown.
func NewUpstream(status int, message string, data any) *Error {
	return &Error{Kind: UpstreamFailure, Status: status, Message: message, Data: data}
}

func NewProtocol(message string) *Error {
	return &Error{Kind: TransportProtocolError, Message: message}
}
