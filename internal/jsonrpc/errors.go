package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

// Reserved codes used by this server. Undecodable input, including a parse
// failure, is reported as ErrorCodeInvalidRequest.
const (
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInternalError  ErrorCode = -32603
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
