package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
)

// PaginatedRequest carries a cursor for paginated list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult carries a cursor for continuing pagination.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// CancelledNotification informs the peer that a request was canceled. The
// request id may be a string or a number.
type CancelledNotification struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitzero"`
}

// InitializeRequest starts the MCP initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// ListToolsRequest requests the set of available tools.
type ListToolsRequest struct {
	PaginatedRequest
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
	BaseMetadata
}

// CallToolRequestReceived is the server-received representation for a tool call.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// EmptyResult is returned by methods without a meaningful result.
type EmptyResult struct {
	BaseMetadata
}
