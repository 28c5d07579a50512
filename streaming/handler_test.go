package streaming_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/ggoodman/mcp-bridge-go/examples/echo"
	"github.com/ggoodman/mcp-bridge-go/internal/ssetest"
	"github.com/ggoodman/mcp-bridge-go/internal/testlog"
	"github.com/ggoodman/mcp-bridge-go/operations"
	"github.com/ggoodman/mcp-bridge-go/sessions"
	"github.com/ggoodman/mcp-bridge-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-bridge-go/streaming"
)

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result struct {
		StructuredContent json.RawMessage `json:"structuredContent"`
	} `json:"result"`
	Error *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

type testServer struct {
	*httptest.Server
	reg *sessions.Registry
}

func newServer(t *testing.T, extra []operations.Operation, opts ...streaming.Option) *testServer {
	t.Helper()
	log := testlog.Logger(t)
	ops := operations.MustRegistry(append(echo.Operations(), extra...)...)
	reg := sessions.NewRegistry(memoryhost.New(), sessions.WithLogger(log))
	h := streaming.New(ops, reg, append([]streaming.Option{streaming.WithLogger(log)}, opts...)...)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	// Sessions end before the server so that open streams return.
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return &testServer{Server: srv, reg: reg}
}

func callBody(id int, name string, args string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, name, args)
}

func errorBody(t *testing.T, resp *http.Response) rpcResponse {
	t.Helper()
	var out rpcResponse
	b, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	if out.Error == nil {
		t.Fatalf("expected error envelope, got %s", b)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEchoOverSession(t *testing.T) {
	srv := newServer(t, nil)
	s := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok-a"))

	resp := s.Post(t, srv.URL, "", callBody(1, "echo", `{"x":1}`))
	if want, got := http.StatusAccepted, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if b, _ := io.ReadAll(resp.Body); len(b) != 0 {
		t.Fatalf("responses belong on the stream, POST body was %s", b)
	}

	var msg rpcResponse
	s.Message(t, &msg)
	if msg.Error != nil {
		t.Fatalf("unexpected error %+v", msg.Error)
	}
	if want, got := "1", string(msg.ID); want != got {
		t.Fatalf("want id %s, got %s", want, got)
	}
	if want, got := `{"x":1}`, string(msg.Result.StructuredContent); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestEstablishRejectsCredentials(t *testing.T) {
	srv := newServer(t, nil)

	tests := []struct {
		name      string
		auth      string
		status    int
		code      int
		challenge string
	}{
		{"missing", "", http.StatusUnauthorized, -32001, "Bearer"},
		{"malformed", "Token abc", http.StatusBadRequest, -32002, `Bearer error="invalid_request"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/sse", nil)
			req.Header.Set("Accept", "text/event-stream")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()

			if want, got := tt.status, resp.StatusCode; want != got {
				t.Fatalf("want %d, got %d", want, got)
			}
			if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, tt.challenge) {
				t.Fatalf("want challenge starting %q, got %q", tt.challenge, got)
			}
			if want, got := tt.code, errorBody(t, resp).Error.Code; want != got {
				t.Fatalf("want code %d, got %d", want, got)
			}
		})
	}

	if want, got := 0, srv.reg.Len(); want != got {
		t.Fatalf("want %d sessions, got %d", want, got)
	}
}

func TestEstablishRequiresEventStream(t *testing.T) {
	srv := newServer(t, nil)
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/sse", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusNotAcceptable, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
}

func TestEstablishUniqueIDs(t *testing.T) {
	srv := newServer(t, nil)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		s := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok"))
		if seen[s.SessionID] {
			t.Fatalf("duplicate session id %s", s.SessionID)
		}
		seen[s.SessionID] = true
	}
	if want, got := 5, srv.reg.Len(); want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
}

func TestPostErrors(t *testing.T) {
	srv := newServer(t, nil)
	s := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok-a"))
	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	t.Run("missing session id", func(t *testing.T) {
		resp := ssetest.Post(t, srv.URL+"/messages", "", ping)
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		resp := ssetest.Post(t, srv.URL+"/messages?sessionId=nope", "", ping)
		if want, got := http.StatusNotFound, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
		if want, got := "session not found or expired", errorBody(t, resp).Error.Message; want != got {
			t.Fatalf("want %q, got %q", want, got)
		}
	})

	t.Run("credential mismatch", func(t *testing.T) {
		resp := s.Post(t, srv.URL, ssetest.Bearer("tok-b"), ping)
		if want, got := http.StatusForbidden, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
	})

	t.Run("matching credential", func(t *testing.T) {
		resp := s.Post(t, srv.URL, ssetest.Bearer("tok-a"), ping)
		if want, got := http.StatusAccepted, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
		var msg rpcResponse
		s.Message(t, &msg)
		if msg.Error != nil {
			t.Fatalf("unexpected error %+v", msg.Error)
		}
	})

	t.Run("batch", func(t *testing.T) {
		resp := s.Post(t, srv.URL, "", "["+ping+"]")
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
	})

	t.Run("content type", func(t *testing.T) {
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+s.Endpoint, strings.NewReader(ping))
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer resp.Body.Close()
		if want, got := http.StatusUnsupportedMediaType, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
	})

	t.Run("unknown operation", func(t *testing.T) {
		resp := s.Post(t, srv.URL, "", callBody(9, "nope", `{}`))
		if want, got := http.StatusAccepted, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
		var msg rpcResponse
		s.Message(t, &msg)
		if msg.Error == nil {
			t.Fatal("expected error")
		}
		if want, got := -32601, msg.Error.Code; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
		if want, got := `{"name":"nope"}`, string(msg.Error.Data); want != got {
			t.Fatalf("want %s, got %s", want, got)
		}
	})
}

func TestTerminateThenPost(t *testing.T) {
	srv := newServer(t, nil)
	s := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok-a"))

	del := func(auth string) *http.Response {
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodDelete, srv.URL+"/sse/"+s.SessionID, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if want, got := http.StatusUnauthorized, del("").StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := http.StatusForbidden, del(ssetest.Bearer("tok-b")).StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := http.StatusNoContent, del(ssetest.Bearer("tok-a")).StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	// Idempotent.
	if want, got := http.StatusNoContent, del(ssetest.Bearer("tok-a")).StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}

	s.Ended(t)

	resp := s.Post(t, srv.URL, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := "session not found or expired", errorBody(t, resp).Error.Message; want != got {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestDisconnectTerminatesSession(t *testing.T) {
	srv := newServer(t, nil)
	s := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok"))
	if want, got := 1, srv.reg.Len(); want != got {
		t.Fatalf("want %d, got %d", want, got)
	}

	_ = s.Resp.Body.Close()
	waitFor(t, func() bool { return srv.reg.Len() == 0 })
}

func TestStatus(t *testing.T) {
	srv := newServer(t, nil)
	a := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok-a"))
	b := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok-b"))
	ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok-c"))

	_ = b.Resp.Body.Close()
	waitFor(t, func() bool { return srv.reg.Len() == 2 })

	resp, err := http.Get(srv.URL + "/sse/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var st struct {
		ActiveConnections int      `json:"activeConnections"`
		Sessions          []string `json:"sessions"`
		Timestamp         string   `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want, got := 2, st.ActiveConnections; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	found := false
	for _, id := range st.Sessions {
		if id == a.SessionID {
			found = true
		}
		if id == b.SessionID {
			t.Fatalf("disconnected session %s still listed", id)
		}
	}
	if !found {
		t.Fatalf("session %s missing from %v", a.SessionID, st.Sessions)
	}
	if _, err := time.Parse(time.RFC3339, st.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", st.Timestamp, err)
	}
}

func TestSessionCredentialIsolation(t *testing.T) {
	srv := newServer(t, nil)
	tokens := []string{"tok-a", "tok-b", "tok-c"}

	streams := make([]*ssetest.Stream, len(tokens))
	for i, tok := range tokens {
		streams[i] = ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer(tok))
	}
	for i := range tokens {
		resp := streams[i].Post(t, srv.URL, "", callBody(1, "whoami", `{}`))
		if want, got := http.StatusAccepted, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
	}
	for i, tok := range tokens {
		var msg rpcResponse
		streams[i].Message(t, &msg)
		var who echo.WhoAmIResult
		if err := json.Unmarshal(msg.Result.StructuredContent, &who); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := credentials.New(tok, credentials.SourceHeader).Fingerprint(), who.Fingerprint; want != got {
			t.Fatalf("session %d ran under the wrong credential: want %s, got %s", i, want, got)
		}
	}
}

func TestPostsRunInOrder(t *testing.T) {
	var running atomic.Int32
	slow := operations.New("slow", "sleeps, then returns its index",
		func(ctx context.Context, a struct {
			N     int `json:"n"`
			Sleep int `json:"sleep"`
		}) (map[string]int, error) {
			if running.Add(1) > 1 {
				return nil, fmt.Errorf("overlapping calls")
			}
			defer running.Add(-1)
			time.Sleep(time.Duration(a.Sleep) * time.Millisecond)
			return map[string]int{"n": a.N}, nil
		})
	srv := newServer(t, []operations.Operation{slow})
	s := ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok"))

	for i := 1; i <= 3; i++ {
		resp := s.Post(t, srv.URL, "", callBody(i, "slow", fmt.Sprintf(`{"n":%d,"sleep":%d}`, i, 40-10*i)))
		if want, got := http.StatusAccepted, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
	}
	for i := 1; i <= 3; i++ {
		var msg rpcResponse
		s.Message(t, &msg)
		if msg.Error != nil {
			t.Fatalf("unexpected error %+v", msg.Error)
		}
		if want, got := fmt.Sprint(i), string(msg.ID); want != got {
			t.Fatalf("want id %s, got %s", want, got)
		}
	}
}

func TestKeepAlive(t *testing.T) {
	srv := newServer(t, nil, streaming.WithKeepAlive(20*time.Millisecond))

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/sse", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 128)
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(string(buf), ": keepalive\n\n") {
		if time.Now().After(deadline) {
			t.Fatalf("no keep-alive in %q", buf)
		}
		n, err := resp.Body.Read(chunk)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

func TestTerminateWhileKeepAliveRuns(t *testing.T) {
	srv := newServer(t, nil, streaming.WithKeepAlive(50*time.Microsecond))

	streams := make([]*ssetest.Stream, 40)
	for i := range streams {
		streams[i] = ssetest.Open(t, srv.URL+"/sse", ssetest.Bearer("tok"))
	}
	for _, s := range streams {
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodDelete, srv.URL+"/sse/"+s.SessionID, nil)
		req.Header.Set("Authorization", ssetest.Bearer("tok"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusNoContent, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
	}
	for _, s := range streams {
		s.Ended(t)
	}
	waitFor(t, func() bool { return srv.reg.Len() == 0 })
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, nil)
	tests := []struct {
		method, path, allow string
	}{
		{http.MethodPost, "/sse", http.MethodGet},
		{http.MethodGet, "/messages", http.MethodPost},
		{http.MethodPut, "/sse/abc", http.MethodDelete},
		{http.MethodDelete, "/sse/status", http.MethodGet},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(t.Context(), tt.method, srv.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			if want, got := http.StatusMethodNotAllowed, resp.StatusCode; want != got {
				t.Fatalf("want %d, got %d", want, got)
			}
			if want, got := tt.allow, resp.Header.Get("Allow"); want != got {
				t.Fatalf("want %q, got %q", want, got)
			}
			if want, got := -32600, errorBody(t, resp).Error.Code; want != got {
				t.Fatalf("want %d, got %d", want, got)
			}
		})
	}
}

func TestBasePath(t *testing.T) {
	srv := newServer(t, nil, streaming.WithBasePath("/v1/"))
	s := ssetest.Open(t, srv.URL+"/v1/sse", ssetest.Bearer("tok"))
	if !strings.HasPrefix(s.Endpoint, "/v1/messages?sessionId=") {
		t.Fatalf("unexpected endpoint %q", s.Endpoint)
	}
	resp := s.Post(t, srv.URL, "", `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	if want, got := http.StatusAccepted, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	var msg rpcResponse
	s.Message(t, &msg)
	if want, got := `"p"`, string(msg.ID); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}
