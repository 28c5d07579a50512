package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestErrorResponseNullID(t *testing.T) {
	resp := NewErrorResponse(nil, ErrorCodeInvalidRequest, "bad", nil)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want, got := `{"jsonrpc":"2.0","error":{"code":-32600,"message":"bad"},"id":null}`, string(b); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestDecode(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := TypeRequest, msg.Type(); want != got {
			t.Fatalf("want %s, got %s", want, got)
		}
		if want, got := "7", msg.ID.String(); want != got {
			t.Fatalf("want id %s, got %s", want, got)
		}
	})

	t.Run("notification", func(t *testing.T) {
		msg, err := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := TypeNotification, msg.Type(); want != got {
			t.Fatalf("want %s, got %s", want, got)
		}
	})

	t.Run("batch", func(t *testing.T) {
		_, err := Decode([]byte("  \n[{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}]"))
		if !errors.Is(err, ErrBatchUnsupported) {
			t.Fatalf("expected ErrBatchUnsupported, got %v", err)
		}
	})

	t.Run("wrong version", func(t *testing.T) {
		if _, err := Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("string id round trip", func(t *testing.T) {
		msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"abc","method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp, err := NewResultResponse(msg.ID, struct{}{})
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		b, _ := json.Marshal(resp)
		if want, got := `{"jsonrpc":"2.0","result":{},"id":"abc"}`, string(b); want != got {
			t.Fatalf("want %s, got %s", want, got)
		}
	})

	t.Run("large numeric id kept verbatim", func(t *testing.T) {
		msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp, err := NewResultResponse(msg.ID, struct{}{})
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		b, _ := json.Marshal(resp)
		if want, got := `{"jsonrpc":"2.0","result":{},"id":9007199254740993}`, string(b); want != got {
			t.Fatalf("want %s, got %s", want, got)
		}
	})

	invalid := []struct {
		name, raw string
	}{
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`},
		{"response with result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"ping"}`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
