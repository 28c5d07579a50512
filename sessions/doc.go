// Package sessions tracks the live sessions of the streaming transport.
//
// A Session is one client's long-lived event channel plus the credential it
// established with. Its lifecycle is a one-way state machine:
//
//	Connecting -> Open -> Closing -> Closed
//
// Establish mints a fresh id, opens the session's message queue on the Host,
// and inserts the session into the Registry before returning, so the id is
// resolvable by the time the client learns it. Terminate removes the session
// from the Registry in the same critical section that moves it to Closing;
// from that instant posts fail with ErrSessionNotFound. Teardown (stopping
// the worker, releasing host resources) follows and ends in Closed.
//
// Each session owns a single worker goroutine that consumes posted messages
// in FIFO order, so calls within one session never overlap. Calls in
// different sessions run concurrently. Responses are published to the Host
// and relayed to the client by whichever connection subscribes to the
// session, never written to the posting request.
//
// # Host Interface
//
// Host abstracts the per-session ordered message queue:
//   - OpenSession / CleanupSession   : queue lifetime
//   - PublishSession                 : append a message (fails once cleaned up)
//   - SubscribeSession               : ordered delivery with resume via lastEventID
//
// Implementations
//
//	memoryhost : in-memory, single process
//	redishost  : Redis Streams backed, survives the subscriber moving between processes
package sessions
