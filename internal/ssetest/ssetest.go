// Package ssetest is a minimal client for the streaming transport, for use
// in tests.
package ssetest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

// Event is one parsed SSE frame.
type Event struct {
	Event string
	ID    string
	Data  []byte
}

// ReadEvent reads the next frame carrying data. Comment-only frames such as
// keep-alives are skipped.
func ReadEvent(br *bufio.Reader) (Event, error) {
	var (
		ev      Event
		dataBuf bytes.Buffer
		hasData bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return Event{}, io.ErrUnexpectedEOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if hasData {
				ev.Data = append([]byte(nil), dataBuf.Bytes()...)
				return ev, nil
			}
			ev = Event{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			if hasData {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			hasData = true
		}
	}
}

// Stream is an established event stream.
type Stream struct {
	Resp      *http.Response
	Endpoint  string
	SessionID string

	events chan Event
	errs   chan error
}

// Open establishes a stream at url with the given Authorization value and
// reads the endpoint event. The stream is closed when the test ends.
func Open(t testing.TB, streamURL, authorization string) *Stream {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, streamURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("open stream: status %d: %s", resp.StatusCode, body)
	}

	s := &Stream{Resp: resp, events: make(chan Event, 16), errs: make(chan error, 1)}
	go func() {
		br := bufio.NewReader(resp.Body)
		for {
			ev, err := ReadEvent(br)
			if err != nil {
				s.errs <- err
				return
			}
			s.events <- ev
		}
	}()

	ev := s.Next(t)
	if ev.Event != "endpoint" {
		t.Fatalf("want endpoint event first, got %q", ev.Event)
	}
	s.Endpoint = string(ev.Data)
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		t.Fatalf("parse endpoint %q: %v", s.Endpoint, err)
	}
	s.SessionID = u.Query().Get("sessionId")
	if s.SessionID == "" {
		t.Fatalf("endpoint %q has no sessionId", s.Endpoint)
	}
	return s
}

// Next returns the next event or fails the test after a timeout.
func (s *Stream) Next(t testing.TB) Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case err := <-s.errs:
		t.Fatalf("read event: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// Message returns the next "message" event's data decoded into v.
func (s *Stream) Message(t testing.TB, v any) {
	t.Helper()
	ev := s.Next(t)
	if ev.Event != "message" {
		t.Fatalf("want message event, got %q", ev.Event)
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		t.Fatalf("decode message %s: %v", ev.Data, err)
	}
}

// Ended waits for the server to end the stream.
func (s *Stream) Ended(t testing.TB) {
	t.Helper()
	for {
		select {
		case ev := <-s.events:
			t.Logf("ignoring event %q before end of stream", ev.Event)
		case <-s.errs:
			return
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not end")
		}
	}
}

// Post sends a JSON-RPC message to the stream's endpoint on server base.
func (s *Stream) Post(t testing.TB, base, authorization, body string) *http.Response {
	t.Helper()
	return Post(t, base+s.Endpoint, authorization, body)
}

// Post sends body as application/json to url.
func Post(t testing.TB, url, authorization, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// Bearer formats an Authorization header value.
func Bearer(token string) string { return fmt.Sprintf("Bearer %s", token) }
