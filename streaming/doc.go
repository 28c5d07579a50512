// Package streaming implements the long-lived event-stream transport. A
// client opens an SSE stream, learns its session's message endpoint from the
// first "endpoint" event, and POSTs JSON-RPC messages to that endpoint.
// Responses are never written to the POST; they arrive on the stream as
// "message" events.
//
// Routes, relative to the configured base path:
//
//	GET    /sse                       establish a session and stream its messages
//	POST   /messages?sessionId=<id>   enqueue one JSON-RPC message (202 Accepted)
//	DELETE /sse/<id>                  terminate a session (204, idempotent)
//	GET    /sse/status                live session count and ids
//
// # Sessions
//
// Every session is bound to the credential presented when it was
// established. Calls posted to the session run inside that credential's
// scope, one at a time and in the order they were posted. A session ends
// when its stream disconnects, when it is deleted, or when the registry
// shuts down; later posts fail with 404 "session not found or expired".
//
// Example (mount in net/http):
//
//	ops := operations.MustRegistry(echo.Operation())
//	reg := sessions.NewRegistry(memoryhost.New())
//	mux := http.NewServeMux()
//	mux.Handle("/", streaming.New(ops, reg))
package streaming
