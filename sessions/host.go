package sessions

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session id is unknown, closing, or
// closed.
var ErrSessionNotFound = errors.New("session not found or expired")

// MessageHandlerFunction receives one message delivered from a session queue.
type MessageHandlerFunction func(ctx context.Context, eventID string, data []byte) error

// Host is the per-session message queue a Registry relies on.
type Host interface {
	// OpenSession creates the queue for sessionID. It is idempotent.
	OpenSession(ctx context.Context, sessionID string) error
	// PublishSession appends data to the session's queue and returns its event
	// id. It fails with ErrSessionNotFound once the session was cleaned up.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers messages in publish order, starting after
	// lastEventID or, when it is empty, with the oldest retained message. It
	// blocks until ctx ends (returning ctx.Err()), the handler fails
	// (returning that error), or the session is cleaned up (returning nil).
	// Subscribing to an unknown session fails with ErrSessionNotFound.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession releases the queue and ends active subscriptions. It is
	// idempotent.
	CleanupSession(ctx context.Context, sessionID string) error
}
