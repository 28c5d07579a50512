package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-bridge-go/sessions"
)

const defaultMaxLen = 1024

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*stream
	counter  atomic.Int64
	maxLen   int
}

type stream struct {
	messages []message
	notify   chan struct{} // closed and replaced on every publish
	closed   chan struct{}
}

type message struct {
	seq  int64
	data []byte
}

// Option configures a Host.
type Option func(*Host)

// WithMaxLen bounds the number of messages retained per session.
func WithMaxLen(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxLen = n
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{
		sessions: make(map[string]*stream),
		maxLen:   defaultMaxLen,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ sessions.Host = (*Host)(nil)

func (h *Host) OpenSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = &stream{
			notify: make(chan struct{}),
			closed: make(chan struct{}),
		}
	}
	return nil
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[sessionID]
	if !ok {
		return "", sessions.ErrSessionNotFound
	}

	seq := h.counter.Add(1)
	st.messages = append(st.messages, message{seq: seq, data: append([]byte(nil), data...)})
	if over := len(st.messages) - h.maxLen; over > 0 {
		st.messages = append(st.messages[:0:0], st.messages[over:]...)
	}
	close(st.notify)
	st.notify = make(chan struct{})

	return strconv.FormatInt(seq, 10), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	var cursor int64
	if lastEventID != "" {
		n, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid last event id %q: %w", lastEventID, err)
		}
		cursor = n
	}

	h.mu.Lock()
	_, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return sessions.ErrSessionNotFound
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h.mu.Lock()
		st, ok := h.sessions[sessionID]
		if !ok {
			h.mu.Unlock()
			return nil
		}
		var batch []message
		for _, m := range st.messages {
			if m.seq > cursor {
				batch = append(batch, m)
			}
		}
		notify, closed := st.notify, st.closed
		h.mu.Unlock()

		for _, m := range batch {
			if err := handler(ctx, strconv.FormatInt(m.seq, 10), m.data); err != nil {
				return err
			}
			cursor = m.seq
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return nil
		case <-notify:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[sessionID]; ok {
		delete(h.sessions, sessionID)
		close(st.closed)
	}
	return nil
}
