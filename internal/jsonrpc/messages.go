package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message type names reported by AnyMessage.Type.
const (
	TypeRequest      = "request"
	TypeNotification = "notification"
	TypeResponse     = "response"
)

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. The id member is always present
// and is null when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// ErrBatchUnsupported is returned by Decode for JSON arrays.
var ErrBatchUnsupported = errors.New("JSON-RPC batch arrays are not supported")

// Decode parses a single JSON-RPC message, rejecting batch arrays.
func Decode(raw []byte) (*AnyMessage, error) {
	for _, b := range raw {
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		if b == '[' {
			return nil, ErrBatchUnsupported
		}
		break
	}
	var msg AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UnmarshalJSON decodes one message and rejects shapes JSON-RPC 2.0 does
// not allow.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type plain AnyMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := (*AnyMessage)(&p).validate(); err != nil {
		return err
	}
	*m = AnyMessage(p)
	return nil
}

func (m *AnyMessage) validate() error {
	if m.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, m.JSONRPCVersion)
	}
	hasResult, hasError := len(m.Result) > 0, m.Error != nil
	switch {
	case m.Method != "" && (hasResult || hasError):
		return errors.New("request message cannot have result or error fields")
	case m.Method == "" && hasResult == hasError:
		return errors.New("response message must have exactly one of result and error")
	}
	return nil
}

// Type returns TypeRequest, TypeNotification or TypeResponse.
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return TypeNotification
		}
		return TypeRequest
	}
	return TypeResponse
}

// AsRequest returns the message as a Request if it is a request message, otherwise nil.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}
