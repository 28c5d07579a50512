// Package mcpbridge exposes a fixed set of operations to MCP clients over two
// HTTP transports that share one base path:
//
//	GET    <base>/sse                       event-stream sessions (package streaming)
//	POST   <base>/messages?sessionId=<id>
//	DELETE <base>/sse/<id>
//	GET    <base>/sse/status
//	POST   <base>/mcp                       stateless calls (package stateless)
//
// Every call runs inside the scope of the credential presented by its
// caller, so operation handlers can forward it to a vendor API with
// credentials.FromContext without ever seeing another caller's secret.
//
// Example:
//
//	ops := operations.MustRegistry(echo.Operations()...)
//	h := mcpbridge.New(ops, mcpbridge.WithLogger(log))
//	defer h.Shutdown(context.Background())
//	http.ListenAndServe(":8080", h)
package mcpbridge
