// Package mcp contains the protocol data types and method names exchanged
// over both transports. It mirrors the wire representation of the Model
// Context Protocol tools surface and carries no transport logic.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// SupportedProtocolVersions lists the protocol dates the server accepts
// during initialize, newest first.
package mcp
