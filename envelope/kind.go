package envelope

import (
	"net/http"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
)

// Kind classifies a failure. The set is closed.
type Kind int

const (
	// MissingCredential: a call that needs a credential arrived without one.
	MissingCredential Kind = iota + 1
	// InvalidCredentialFormat: the credential is present but malformed.
	InvalidCredentialFormat
	// OperationNotFound: the requested operation is not registered.
	OperationNotFound
	// ValidationFailed: the arguments do not satisfy the operation.
	ValidationFailed
	// ResourceNotFound: the vendor reports the target does not exist.
	ResourceNotFound
	// RateLimited: the vendor or the client-side limiter refused the call.
	RateLimited
	// UpstreamFailure: the vendor failed, or an internal error occurred.
	UpstreamFailure
	// TransportProtocolError: the message or exchange itself is invalid.
	TransportProtocolError
)

// Application error codes outside the JSON-RPC reserved range.
const (
	CodeMissingCredential       jsonrpc.ErrorCode = -32001
	CodeInvalidCredentialFormat jsonrpc.ErrorCode = -32002
	CodeValidationFailed        jsonrpc.ErrorCode = -32003
	CodeResourceNotFound        jsonrpc.ErrorCode = http.StatusNotFound
	CodeRateLimited             jsonrpc.ErrorCode = http.StatusTooManyRequests
)

// kindNames doubles as the set of defined kinds.
var kindNames = map[Kind]string{
	MissingCredential:       "MissingCredential",
	InvalidCredentialFormat: "InvalidCredentialFormat",
	OperationNotFound:       "OperationNotFound",
	ValidationFailed:        "ValidationFailed",
	ResourceNotFound:        "ResourceNotFound",
	RateLimited:             "RateLimited",
	UpstreamFailure:         "UpstreamFailure",
	TransportProtocolError:  "TransportProtocolError",
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// String returns the kind's name, or "Unknown" for an undefined kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Code is the default JSON-RPC error code for the kind. ResourceNotFound,
// RateLimited and UpstreamFailure may be overridden by a vendor status.
func (k Kind) Code() jsonrpc.ErrorCode {
	switch k {
	case MissingCredential:
		return CodeMissingCredential
	case InvalidCredentialFormat:
		return CodeInvalidCredentialFormat
	case ValidationFailed:
		return CodeValidationFailed
	case TransportProtocolError:
		return jsonrpc.ErrorCodeInvalidRequest
	case OperationNotFound:
		return jsonrpc.ErrorCodeMethodNotFound
	case ResourceNotFound:
		return CodeResourceNotFound
	case RateLimited:
		return CodeRateLimited
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// DefaultMessage is used when a failure carries no message of its own.
func (k Kind) DefaultMessage() string {
	switch k {
	case MissingCredential:
		return "missing credential"
	case InvalidCredentialFormat:
		return "invalid credential format"
	case OperationNotFound:
		return "operation not found"
	case ValidationFailed:
		return "validation failed"
	case ResourceNotFound:
		return "resource not found"
	case RateLimited:
		return "rate limited"
	case TransportProtocolError:
		return "invalid request"
	default:
		return "internal error"
	}
}

// HTTPStatus is the status used when a failure of this kind terminates an
// HTTP exchange before any JSON-RPC response could be produced.
func (k Kind) HTTPStatus() int {
	switch k {
	case MissingCredential:
		return http.StatusUnauthorized
	case InvalidCredentialFormat, ValidationFailed, TransportProtocolError:
		return http.StatusBadRequest
	case OperationNotFound, ResourceNotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
