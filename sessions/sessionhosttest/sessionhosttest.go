// Package sessionhosttest is a conformance suite for sessions.Host
// implementations.
package sessionhosttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/sessions"
	"github.com/google/uuid"
)

// HostFactory creates a new Host instance for testing.
type HostFactory func(t *testing.T) sessions.Host

// RunSessionHostTests runs the complete Host test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishBeforeSubscribeIsDelivered", func(t *testing.T) { testPublishBeforeSubscribe(t, factory) })
	t.Run("Messaging_PublishAndSubscribeInOrder", func(t *testing.T) { testPublishAndSubscribeInOrder(t, factory) })
	t.Run("Messaging_ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })

	t.Run("Lifecycle_UnknownSession", func(t *testing.T) { testUnknownSession(t, factory) })
	t.Run("Lifecycle_CleanupEndsSubscription", func(t *testing.T) { testCleanupEndsSubscription(t, factory) })
	t.Run("Lifecycle_PublishAfterCleanupFails", func(t *testing.T) { testPublishAfterCleanup(t, factory) })
}

type received struct {
	mu   sync.Mutex
	ids  []string
	data []string
}

func (r *received) add(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.data = append(r.data, string(data))
}

func (r *received) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), append([]string(nil), r.data...)
}

func openSession(t *testing.T, h sessions.Host) string {
	t.Helper()
	id := "sess-" + uuid.NewString()
	if err := h.OpenSession(t.Context(), id); err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = h.CleanupSession(context.Background(), id) })
	return id
}

func publish(t *testing.T, h sessions.Host, id, payload string) string {
	t.Helper()
	evID, err := h.PublishSession(t.Context(), id, []byte(payload))
	if err != nil {
		t.Fatalf("publish %q: %v", payload, err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}
	return evID
}

// collect subscribes until n messages have arrived, then cancels.
func collect(t *testing.T, h sessions.Host, id, lastEventID string, n int) *received {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var got received
	err := h.SubscribeSession(ctx, id, lastEventID, func(ctx context.Context, evID string, data []byte) error {
		got.add(evID, data)
		if ids, _ := got.snapshot(); len(ids) >= n {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v", err)
	}
	return &got
}

func testPublishBeforeSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := openSession(t, h)

	evID := publish(t, h, id, "early")

	got := collect(t, h, id, "", 1)
	ids, data := got.snapshot()
	if want, have := 1, len(data); want != have {
		t.Fatalf("want %d messages, got %d", want, have)
	}
	if want, have := "early", data[0]; want != have {
		t.Fatalf("want %q, got %q", want, have)
	}
	if want, have := evID, ids[0]; want != have {
		t.Fatalf("want event id %q, got %q", want, have)
	}
}

func testPublishAndSubscribeInOrder(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := openSession(t, h)

	pubErr := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		for _, p := range []string{"m1", "m2", "m3"} {
			if _, err := h.PublishSession(context.Background(), id, []byte(p)); err != nil {
				pubErr <- err
				return
			}
		}
		pubErr <- nil
	}()

	got := collect(t, h, id, "", 3)
	if err := <-pubErr; err != nil {
		t.Fatalf("publish: %v", err)
	}
	_, data := got.snapshot()
	if len(data) != 3 || data[0] != "m1" || data[1] != "m2" || data[2] != "m3" {
		t.Fatalf("unexpected delivery order: %v", data)
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := openSession(t, h)

	ev1 := publish(t, h, id, "m1")
	publish(t, h, id, "m2")
	publish(t, h, id, "m3")

	got := collect(t, h, id, ev1, 2)
	_, data := got.snapshot()
	if len(data) != 2 || data[0] != "m2" || data[1] != "m3" {
		t.Fatalf("expected [m2 m3], got %v", data)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	a := openSession(t, h)
	b := openSession(t, h)

	publish(t, h, a, "for-a")
	publish(t, h, b, "for-b")

	_, data := collect(t, h, a, "", 1).snapshot()
	if len(data) != 1 || data[0] != "for-a" {
		t.Fatalf("session a received %v", data)
	}
	_, data = collect(t, h, b, "", 1).snapshot()
	if len(data) != 1 || data[0] != "for-b" {
		t.Fatalf("session b received %v", data)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := openSession(t, h)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, id, "", func(context.Context, string, []byte) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop on cancel")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := openSession(t, h)

	boom := errors.New("boom")
	publish(t, h, id, "m1")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err := h.SubscribeSession(ctx, id, "", func(context.Context, string, []byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testUnknownSession(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := "sess-" + uuid.NewString()

	if _, err := h.PublishSession(t.Context(), id, []byte("x")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("publish: expected ErrSessionNotFound, got %v", err)
	}
	err := h.SubscribeSession(t.Context(), id, "", func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("subscribe: expected ErrSessionNotFound, got %v", err)
	}
}

func testCleanupEndsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := openSession(t, h)

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(t.Context(), id, "", func(context.Context, string, []byte) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	if err := h.CleanupSession(t.Context(), id); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := h.CleanupSession(t.Context(), id); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cleanup, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end after cleanup")
	}
}

func testPublishAfterCleanup(t *testing.T, factory HostFactory) {
	h := factory(t)
	id := openSession(t, h)

	if err := h.CleanupSession(t.Context(), id); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := h.PublishSession(t.Context(), id, []byte("late")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
