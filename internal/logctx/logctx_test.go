package logctx

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := WithRequestData(t.Context(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", Transport: "sse", CredentialFingerprint: "abc"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	ctx = WithOperationData(ctx, &OperationData{Name: "echo"})

	log.InfoContext(ctx, "rpc.handle.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
	for _, group := range []string{"req", "sess", "rpc", "op"} {
		if _, ok := rec[group].(map[string]any); !ok {
			t.Fatalf("expected group %q in %s", group, buf.String())
		}
	}
	if want, got := "echo", rec["op"].(map[string]any)["name"]; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestHandlerOmitsEmptyValues(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)})

	ctx := WithSessionData(t.Context(), &SessionData{Transport: "stateless", CredentialFingerprint: "abc"})
	ctx = WithRPCMessage(ctx, &RPCMessage{})

	log.InfoContext(ctx, "http.post.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok {
		t.Fatalf("expected group sess in %s", buf.String())
	}
	if _, ok := sess["id"]; ok {
		t.Fatalf("empty session id logged: %s", buf.String())
	}
	if want, got := "stateless", sess["transport"]; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
	if _, ok := rec["rpc"]; ok {
		t.Fatalf("empty rpc group logged: %s", buf.String())
	}
}
