package memoryhost

import (
	"testing"

	"github.com/ggoodman/mcp-bridge-go/sessions"
	"github.com/ggoodman/mcp-bridge-go/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.Host {
		return New()
	})
}

func TestMaxLenTrimsOldest(t *testing.T) {
	h := New(WithMaxLen(2))
	ctx := t.Context()
	if err := h.OpenSession(ctx, "s"); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if _, err := h.PublishSession(ctx, "s", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if want, got := 2, len(h.sessions["s"].messages); want != got {
		t.Fatalf("want %d retained, got %d", want, got)
	}
	if want, got := "b", string(h.sessions["s"].messages[0].data); want != got {
		t.Fatalf("want oldest %q, got %q", want, got)
	}
}
