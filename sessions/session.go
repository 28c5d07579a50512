package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// ErrSessionBusy is returned by Post when the session's queue stayed full
// until the posting context ended.
var ErrSessionBusy = errors.New("session busy")

const publishTimeout = 5 * time.Second

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageHandler processes the messages posted to a session. It is
// implemented by the protocol engine.
type MessageHandler interface {
	Handle(ctx context.Context, msg *jsonrpc.AnyMessage) *jsonrpc.Response
	Close()
}

// Session is one established streaming session.
type Session struct {
	id        string
	cred      credentials.Credential
	createdAt time.Time
	transport string
	state     atomic.Int32

	handler MessageHandler
	host    Host
	log     *slog.Logger

	queue     chan *jsonrpc.AnyMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{} // closed when teardown completes
}

func newSession(id string, cred credentials.Credential, transport string, handler MessageHandler, host Host, log *slog.Logger, depth int, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		cred:      cred,
		createdAt: now,
		transport: transport,
		handler:   handler,
		host:      host,
		log:       log,
		queue:     make(chan *jsonrpc.AnyMessage, depth),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Credential returns the credential the session was established with.
func (s *Session) Credential() credentials.Credential { return s.cred }

// CreatedAt returns when the session was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Closing returns a channel closed as soon as the session leaves Open.
func (s *Session) Closing() <-chan struct{} { return s.ctx.Done() }

// Done returns a channel closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context decorates ctx with the session's credential scope and log data.
func (s *Session) Context(ctx context.Context) context.Context {
	ctx = credentials.WithCredential(ctx, s.cred)
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:             s.id,
		Transport:             s.transport,
		CredentialFingerprint: s.cred.Fingerprint(),
	})
}

// Post queues msg for the session's worker. Cancellation notifications skip
// the queue so they can reach a call that is still running. Post blocks
// while the queue is full.
func (s *Session) Post(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if s.State() != StateOpen {
		return ErrSessionNotFound
	}

	if msg.Method == string(mcp.CancelledNotificationMethod) {
		s.handler.Handle(s.Context(s.ctx), msg)
		return nil
	}

	select {
	case s.queue <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrSessionNotFound
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSessionBusy, ctx.Err())
	}
}

// Subscribe relays the session's outbound messages to fn until ctx ends or
// the session is torn down.
func (s *Session) Subscribe(ctx context.Context, fn MessageHandlerFunction) error {
	return s.host.SubscribeSession(ctx, s.id, "", fn)
}

func (s *Session) run() {
	ctx := s.Context(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if resp := s.handler.Handle(ctx, msg); resp != nil {
				s.deliver(ctx, resp)
			}
		}
	}
}

// deliver publishes resp to the session channel. Failures, including writes
// after the session closed, are logged and dropped.
func (s *Session) deliver(ctx context.Context, resp *jsonrpc.Response) {
	if st := s.State(); st != StateOpen {
		s.log.InfoContext(ctx, "session.deliver.after_close", slog.String("state", st.String()), slog.String("response_id", resp.ID.String()))
		return
	}

	b, err := json.Marshal(resp)
	if err != nil {
		s.log.ErrorContext(ctx, "session.deliver.encode.fail", slog.String("err", err.Error()))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if _, err := s.host.PublishSession(pubCtx, s.id, b); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.log.InfoContext(ctx, "session.deliver.after_close", slog.String("response_id", resp.ID.String()))
			return
		}
		s.log.ErrorContext(ctx, "session.deliver.fail", slog.String("err", err.Error()))
	}
}

// teardown moves a Closing session to Closed. Only the caller that removed
// the session from its registry invokes it.
func (s *Session) teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.handler.Close()
		if err := s.host.CleanupSession(context.WithoutCancel(ctx), s.id); err != nil {
			s.log.ErrorContext(s.Context(ctx), "session.cleanup.fail", slog.String("err", err.Error()))
		}
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}
