// Package upstream is the HTTP client operation handlers use to reach the
// vendor API behind an operation. It forwards the credential of the current
// call, honours an optional client-side rate limit, and classifies vendor
// failures into envelope kinds so handlers can return them unchanged.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/ggoodman/mcp-bridge-go/envelope"
	"golang.org/x/time/rate"
)

const (
	defaultMaxResponseBytes int64 = 8 << 20
	maxMessageLen                 = 200
)

// Authorizer attaches cred to an outbound request.
type Authorizer func(req *http.Request, cred credentials.Credential)

// Bearer sends the credential as "Authorization: Bearer <token>".
func Bearer(req *http.Request, cred credentials.Credential) {
	req.Header.Set("Authorization", "Bearer "+cred.Token())
}

// Header sends the credential verbatim in the named header.
func Header(name string) Authorizer {
	return func(req *http.Request, cred credentials.Credential) {
		req.Header.Set(name, cred.Token())
	}
}

// Client calls one vendor API.
type Client struct {
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	authorize Authorizer
	maxBody   int64
	userAgent string
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit allows r requests per second with the given burst across
// all callers of the Client.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithLimiter shares an existing limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithAuthorizer replaces the default Bearer authorizer.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Client) {
		if a != nil {
			c.authorize = a
		}
	}
}

// WithMaxResponseBytes bounds how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	// Relative paths resolve beneath the base, never beside it.
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	c := &Client{
		base:      u,
		http:      http.DefaultClient,
		authorize: Bearer,
		maxBody:   defaultMaxResponseBytes,
		userAgent: "mcp-bridge",
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Do performs one request under the credential found on ctx. body, when
// non-nil, is sent as JSON; out, when non-nil, receives the decoded response.
// Failures are *envelope.Error values, or the context's error.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	cred, err := credentials.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("upstream call: %w", err)
	}
	if cred.IsZero() {
		return envelope.NewMissingCredential("")
	}

	ref, err := url.Parse(path)
	if err != nil {
		return envelope.Wrap(envelope.ValidationFailed, "invalid upstream path", err)
	}
	target := c.base.ResolveReference(ref)

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return envelope.Wrap(envelope.UpstreamFailure, "", fmt.Errorf("encode request: %w", err))
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return envelope.Wrap(envelope.UpstreamFailure, "", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.authorize(req, cred)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return envelope.Wrap(envelope.RateLimited, "client rate limit exceeded", err)
		}
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WarnContext(ctx, "upstream.request.fail", slog.String("method", method), slog.String("path", target.Path), slog.String("err", err.Error()))
		return envelope.Wrap(envelope.UpstreamFailure, "upstream unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return envelope.Wrap(envelope.UpstreamFailure, "read upstream response", err)
	}
	if int64(len(payload)) > c.maxBody {
		return envelope.NewUpstream(resp.StatusCode, fmt.Sprintf("upstream response exceeds %d bytes", c.maxBody), nil)
	}

	c.log.DebugContext(ctx, "upstream.request", slog.String("method", method), slog.String("path", target.Path), slog.Int("status", resp.StatusCode), slog.Duration("dur", c.now().Sub(start)))

	if err := c.classify(resp, payload); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return envelope.Wrap(envelope.UpstreamFailure, "invalid upstream response", err)
	}
	return nil
}

// classify maps a non-2xx response to an *envelope.Error.
func (c *Client) classify(resp *http.Response, payload []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := vendorMessage(payload)
	switch resp.StatusCode {
	case http.StatusNotFound:
		e := envelope.NewResourceNotFound(msg)
		e.Status = resp.StatusCode
		return e
	case http.StatusTooManyRequests:
		retry, _ := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		e := envelope.NewRateLimited(msg, retry)
		e.Status = resp.StatusCode
		return e
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned %d", resp.StatusCode)
	}
	return envelope.NewUpstream(resp.StatusCode, msg, nil)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now), true
	}
	return 0, false
}

// vendorMessage extracts a human message from a vendor error body.
func vendorMessage(payload []byte) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return truncate(body.Message)
		}
		var s string
		if err := json.Unmarshal(body.Error, &s); err == nil && s != "" {
			return truncate(s)
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			return truncate(nested.Message)
		}
		return ""
	}
	return truncate(strings.TrimSpace(string(payload)))
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}
