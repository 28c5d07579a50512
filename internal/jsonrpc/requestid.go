package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC id: a string, a number or null. Numbers keep
// their literal text so that a response echoes exactly what the client sent.
type RequestID struct {
	str    string
	num    json.Number
	isText bool
}

// String returns the id's text, or "" for a null id. A numeric id and a
// string id with the same text are not distinguished.
func (id *RequestID) String() string {
	switch {
	case id.IsNil():
		return ""
	case id.isText:
		return id.str
	default:
		return id.num.String()
	}
}

// IsNil reports whether the id is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || (!id.isText && id.num == "")
}

// MarshalJSON encodes a nil id as null.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsNil():
		return []byte("null"), nil
	case id.isText:
		return json.Marshal(id.str)
	default:
		return []byte(id.num), nil
	}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*id = RequestID{}
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '"':
		id.isText = true
		return json.Unmarshal(data, &id.str)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if n, ok := v.(json.Number); ok {
			id.num = n
			return nil
		}
	}
	return fmt.Errorf("JSON-RPC id must be a string or number, got %s", data)
}
