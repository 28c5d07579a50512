package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
)

var allKinds = []Kind{
	MissingCredential,
	InvalidCredentialFormat,
	OperationNotFound,
	ValidationFailed,
	ResourceNotFound,
	RateLimited,
	UpstreamFailure,
	TransportProtocolError,
}

func TestBuildIsTotal(t *testing.T) {
	seen := map[jsonrpc.ErrorCode]Kind{}
	for _, k := range allKinds {
		t.Run(k.String(), func(t *testing.T) {
			e := Build(k, "", nil)
			if e == nil {
				t.Fatal("nil envelope")
			}
			if want, got := k.DefaultMessage(), e.Message; want != got {
				t.Fatalf("want message %q, got %q", want, got)
			}
			if prev, dup := seen[e.Code]; dup {
				t.Fatalf("code %d shared by %s and %s", e.Code, prev, k)
			}
			seen[e.Code] = k
		})
	}

	e := Build(Kind(99), "whatever", "detail")
	if want, got := jsonrpc.ErrorCodeInternalError, e.Code; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if e.Data != nil {
		t.Fatalf("unknown kind must not leak detail, got %v", e.Data)
	}
}

func TestOperationNotFoundEchoesName(t *testing.T) {
	e := NewOperationNotFound("nope/op").RPCError()
	if want, got := jsonrpc.ErrorCodeMethodNotFound, e.Code; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	b, _ := json.Marshal(e)
	var decoded struct {
		Data struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := "nope/op", decoded.Data.Name; want != got {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestRateLimitedRetryHint(t *testing.T) {
	e := NewRateLimited("slow down", 1500*time.Millisecond).RPCError()
	if want, got := CodeRateLimited, e.Code; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	data, ok := e.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected map data, got %T", e.Data)
	}
	if want, got := int64(2), data["retryAfterSeconds"]; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestUpstreamMirrorsVendorStatus(t *testing.T) {
	e := NewUpstream(http.StatusServiceUnavailable, "vendor down", map[string]any{"region": "eu"}).RPCError()
	if want, got := jsonrpc.ErrorCode(503), e.Code; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	data := e.Data.(map[string]any)
	if want, got := 503, data["status"]; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
	if want, got := "eu", data["region"]; want != got {
		t.Fatalf("want %v, got %v", want, got)
	}

	e = NewUpstream(0, "", nil).RPCError()
	if want, got := jsonrpc.ErrorCodeInternalError, e.Code; want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    jsonrpc.ErrorCode
		message string
	}{
		{"typed", NewValidation("bad arg", nil), CodeValidationFailed, "bad arg"},
		{"wrapped typed", fmt.Errorf("ctx: %w", NewResourceNotFound("no such repo")), CodeResourceNotFound, "no such repo"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), jsonrpc.ErrorCodeInternalError, "request timed out"},
		{"canceled", context.Canceled, jsonrpc.ErrorCodeInternalError, "request cancelled"},
		{"opaque", errors.New("db password is hunter2"), jsonrpc.ErrorCodeInternalError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromError(tt.err)
			if want, got := tt.code, e.Code; want != got {
				t.Fatalf("want code %d, got %d", want, got)
			}
			if want, got := tt.message, e.Message; want != got {
				t.Fatalf("want message %q, got %q", want, got)
			}
		})
	}

	if FromError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestResponseWireShape(t *testing.T) {
	b, err := json.Marshal(Response(nil, NewMissingCredential("")))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want, got := `{"jsonrpc":"2.0","error":{"code":-32001,"message":"missing credential"},"id":null}`, string(b); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestErrorfUnwraps(t *testing.T) {
	cause := errors.New("root")
	e := Errorf(UpstreamFailure, "fetch issue %d: %w", 7, cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if want, got := UpstreamFailure, KindOf(fmt.Errorf("outer: %w", e)); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestKindNames(t *testing.T) {
	for _, k := range allKinds {
		if !k.Valid() {
			t.Fatalf("%d should be valid", int(k))
		}
		if k.String() == "Unknown" {
			t.Fatalf("%d has no name", int(k))
		}
	}
	if Kind(0).Valid() {
		t.Fatal("zero kind should not be valid")
	}
	if want, got := "Unknown", Kind(99).String(); want != got {
		t.Fatalf("want %q, got %q", want, got)
	}
}
