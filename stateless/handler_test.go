package stateless_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/ggoodman/mcp-bridge-go/examples/echo"
	"github.com/ggoodman/mcp-bridge-go/internal/testlog"
	"github.com/ggoodman/mcp-bridge-go/operations"
	"github.com/ggoodman/mcp-bridge-go/stateless"
)

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func newServer(t *testing.T, ops []operations.Operation, opts ...stateless.Option) *httptest.Server {
	t.Helper()
	reg := operations.MustRegistry(ops...)
	h := stateless.New(reg, append([]stateless.Option{stateless.WithLogger(testlog.Logger(t))}, opts...)...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, auth, body string) (*http.Response, rpcResponse) {
	t.Helper()
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	var out rpcResponse
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
	}
	return resp, out
}

func TestEcho(t *testing.T) {
	srv := newServer(t, echo.Operations())

	resp, out := post(t, srv.URL+"/mcp", "Bearer tok",
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if out.Error != nil {
		t.Fatalf("unexpected error %+v", out.Error)
	}
	if want, got := "7", string(out.ID); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != `{"message":"hi"}` {
		t.Fatalf("unexpected content %+v", res.Content)
	}
}

func TestMissingCredentialSkipsHandler(t *testing.T) {
	var calls atomic.Int32
	counter := operations.Raw("count", "counts calls", func(ctx context.Context, _ json.RawMessage) (any, error) {
		calls.Add(1)
		return "ok", nil
	})
	srv := newServer(t, []operations.Operation{counter})

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"count"}}`
	resp, out := post(t, srv.URL+"/mcp", "", body)
	if want, got := http.StatusUnauthorized, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if out.Error == nil {
		t.Fatal("expected error envelope")
	}
	if want, got := -32001, out.Error.Code; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if want, got := "null", string(out.ID); want != got {
		t.Fatalf("want id %s, got %s", want, got)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
		t.Fatalf("want bare Bearer challenge, got %q", got)
	}

	resp, _ = post(t, srv.URL+"/mcp", "Bearer", body)
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}

	if want, got := int32(0), calls.Load(); want != got {
		t.Fatalf("handler ran %d times", got)
	}
}

func TestConcurrentCallsAreIsolated(t *testing.T) {
	srv := newServer(t, echo.Operations())

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := fmt.Sprintf("tok-%d", i)
			_, out := post(t, srv.URL+"/mcp", "Bearer "+tok,
				`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"whoami"}}`)
			if out.Error != nil {
				errs <- fmt.Errorf("call %d: %s", i, out.Error.Message)
				return
			}
			var res struct {
				StructuredContent echo.WhoAmIResult `json:"structuredContent"`
			}
			if err := json.Unmarshal(out.Result, &res); err != nil {
				errs <- err
				return
			}
			if want, got := credentials.New(tok, credentials.SourceHeader).Fingerprint(), res.StructuredContent.Fingerprint; want != got {
				errs <- fmt.Errorf("call %d saw credential %s, want %s", i, got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv := newServer(t, echo.Operations())
	resp, _ := post(t, srv.URL+"/mcp", "Bearer tok", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if want, got := http.StatusAccepted, resp.StatusCode; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
}

func TestProtocolErrors(t *testing.T) {
	srv := newServer(t, echo.Operations(), stateless.WithMaxBodyBytes(256))

	t.Run("unknown method", func(t *testing.T) {
		_, out := post(t, srv.URL+"/mcp", "Bearer tok", `{"jsonrpc":"2.0","id":"x","method":"resources/list"}`)
		if out.Error == nil || out.Error.Code != -32601 {
			t.Fatalf("want -32601, got %+v", out.Error)
		}
		if want, got := `{"name":"resources/list"}`, string(out.Error.Data); want != got {
			t.Fatalf("want %s, got %s", want, got)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, out := post(t, srv.URL+"/mcp", "Bearer tok",
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":[1]}}`)
		if out.Error == nil || out.Error.Code != -32003 {
			t.Fatalf("want -32003, got %+v", out.Error)
		}
	})

	t.Run("body too large", func(t *testing.T) {
		resp, out := post(t, srv.URL+"/mcp", "Bearer tok",
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"`+strings.Repeat("x", 512)+`"}}}`)
		if want, got := http.StatusRequestEntityTooLarge, resp.StatusCode; want != got {
			t.Fatalf("want %d, got %d", want, got)
		}
		if out.Error == nil || out.Error.Code != -32600 {
			t.Fatalf("want -32600, got %+v", out.Error)
		}
	})
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, echo.Operations())
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req, _ := http.NewRequestWithContext(t.Context(), method, srv.URL+"/mcp", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if want, got := http.StatusMethodNotAllowed, resp.StatusCode; want != got {
			t.Fatalf("%s: want %d, got %d", method, want, got)
		}
		if want, got := http.MethodPost, resp.Header.Get("Allow"); want != got {
			t.Fatalf("%s: want Allow %q, got %q", method, want, got)
		}
		if !strings.Contains(string(b), "method not allowed") {
			t.Fatalf("%s: unexpected body %s", method, b)
		}
	}
}

func TestClientDisconnectCancelsCall(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	block := operations.Raw("block", "blocks until cancelled", func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	srv := newServer(t, []operations.Operation{block})

	ctx, cancel := context.WithCancel(t.Context())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"block"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")

	go func() {
		<-started
		cancel()
	}()
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("expected the request to be cancelled")
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("operation was not cancelled after the client disconnected")
	}
}
