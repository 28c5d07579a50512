package mcp

import "encoding/json"

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Logging *struct{}        `json:"logging,omitempty"`
	Tools   *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability is the tools member of ServerCapabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientCapabilities advertises client features. The server records but
// does not act on them.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentTypeText is the type of a text ContentBlock.
const ContentTypeText = "text"

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitzero"`
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// Tool describes a callable operation and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitzero"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`
}

// SchemaProperty is a simplified schema node.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
}

// BaseMetadata carries optional metadata for responses.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	// StructuredContent holds the operation's result when it is a JSON object.
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	BaseMetadata
}

// LatestProtocolVersion is the latest version of the protocol.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions are accepted during initialize, newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}
