package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/google/uuid"
)

const defaultQueueDepth = 32

// Registry is the process-wide table of live sessions.
type Registry struct {
	host       Host
	log        *slog.Logger
	queueDepth int
	transport  string
	now        func() time.Time
	newID      func() string

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithQueueDepth bounds the number of posted messages waiting for a
// session's worker. Values below one are ignored.
func WithQueueDepth(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueDepth = n
		}
	}
}

// WithTransportName labels sessions in logs.
func WithTransportName(name string) Option {
	return func(r *Registry) { r.transport = name }
}

// NewRegistry returns an empty registry backed by host.
func NewRegistry(host Host, opts ...Option) *Registry {
	r := &Registry{
		host:       host,
		log:        slog.Default(),
		queueDepth: defaultQueueDepth,
		transport:  "sse",
		now:        time.Now,
		newID:      uuid.NewString,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Establish creates a session bound to cred and served by handler. The
// session is Open and resolvable by Lookup when Establish returns.
func (r *Registry) Establish(ctx context.Context, cred credentials.Credential, handler MessageHandler) (*Session, error) {
	id := r.newID()
	sess := newSession(id, cred, r.transport, handler, r.host, r.log, r.queueDepth, r.now())

	if err := r.host.OpenSession(ctx, id); err != nil {
		handler.Close()
		return nil, fmt.Errorf("open session queue: %w", err)
	}

	r.mu.Lock()
	if _, dup := r.sessions[id]; dup {
		r.mu.Unlock()
		handler.Close()
		return nil, fmt.Errorf("session id collision: %s", id)
	}
	r.sessions[id] = sess
	sess.state.Store(int32(StateOpen))
	r.mu.Unlock()

	go sess.run()

	r.log.InfoContext(sess.Context(ctx), "session.establish")
	return sess, nil
}

// Lookup returns the Open session with id or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || sess.State() != StateOpen {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Terminate closes the session with id. It is idempotent and reports whether
// this call performed the close.
func (r *Registry) Terminate(ctx context.Context, id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		sess.state.Store(int32(StateClosing))
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	sess.teardown(ctx)
	r.log.InfoContext(sess.Context(ctx), "session.terminate", slog.Duration("age", r.now().Sub(sess.createdAt)))
	return true
}

// Shutdown terminates every session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Terminate(ctx, id)
	}
}

// Len reports the number of Open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Status is a point-in-time snapshot of the registry.
type Status struct {
	ActiveConnections int       `json:"activeConnections"`
	Sessions          []string  `json:"sessions"`
	Timestamp         time.Time `json:"timestamp"`
}

// Status returns a snapshot of the registry. Session ids are sorted.
func (r *Registry) Status() Status {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	return Status{
		ActiveConnections: len(ids),
		Sessions:          ids,
		Timestamp:         r.now().UTC(),
	}
}
