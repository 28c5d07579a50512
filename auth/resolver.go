package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-bridge-go/credentials"
	"github.com/ggoodman/mcp-bridge-go/envelope"
)

const (
	AuthorizationHeader   = "Authorization"
	WWWAuthenticateHeader = "WWW-Authenticate"
	BearerScheme          = "Bearer"
)

// Resolver extracts a credential from inbound requests.
type Resolver struct {
	header   string
	scheme   string
	fallback Source
	check    Check
	realm    string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHeader reads the credential from header. A non-empty scheme requires
// the value to be "<scheme> <token>"; an empty scheme takes the whole value
// as the token (e.g. X-API-Key).
func WithHeader(header, scheme string) Option {
	return func(r *Resolver) {
		if header != "" {
			r.header = http.CanonicalHeaderKey(header)
		}
		r.scheme = strings.TrimSpace(scheme)
	}
}

// WithFallback supplies a credential when the request carries none.
func WithFallback(s Source) Option {
	return func(r *Resolver) { r.fallback = s }
}

// WithCheck rejects credentials that do not have the expected shape.
func WithCheck(c Check) Option {
	return func(r *Resolver) { r.check = c }
}

// WithRealm sets the realm advertised in challenges.
func WithRealm(realm string) Option {
	return func(r *Resolver) { r.realm = strings.TrimSpace(realm) }
}

// NewResolver returns a Resolver that by default reads a bearer token from
// the Authorization header.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{header: AuthorizationHeader, scheme: BearerScheme}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Header is the request header the Resolver reads.
func (r *Resolver) Header() string { return r.header }

// Present reports whether req carries the credential header at all.
func (r *Resolver) Present(req *http.Request) bool {
	return req.Header.Get(r.header) != ""
}

// Resolve returns the request's credential or an *envelope.Error.
func (r *Resolver) Resolve(req *http.Request) (credentials.Credential, error) {
	raw := req.Header.Get(r.header)
	if raw == "" {
		return r.resolveFallback(req)
	}

	token, err := r.parse(raw)
	if err != nil {
		return credentials.Credential{}, err
	}
	return r.validate(credentials.New(token, credentials.SourceHeader))
}

func (r *Resolver) resolveFallback(req *http.Request) (credentials.Credential, error) {
	if r.fallback != nil {
		cred, err := r.fallback.Credential(req.Context())
		switch {
		case err == nil && !cred.IsZero():
			return r.validate(cred)
		case err != nil && !errors.Is(err, ErrNoCredential):
			return credentials.Credential{}, envelope.Wrap(envelope.MissingCredential, "credential source unavailable", err)
		}
	}
	return credentials.Credential{}, envelope.NewMissingCredential(fmt.Sprintf("missing credential: provide the %s header", r.header))
}

func (r *Resolver) parse(raw string) (string, error) {
	token := raw
	if r.scheme != "" {
		scheme, rest, ok := strings.Cut(raw, " ")
		if !ok || !strings.EqualFold(scheme, r.scheme) {
			return "", envelope.NewInvalidCredentialFormat(fmt.Sprintf("malformed %s header: expected %q scheme", r.header, r.scheme))
		}
		token = rest
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", envelope.NewInvalidCredentialFormat("empty credential")
	}
	if strings.ContainsFunc(token, func(c rune) bool { return c <= ' ' || c == 0x7f }) {
		return "", envelope.NewInvalidCredentialFormat("credential contains whitespace or control characters")
	}
	return token, nil
}

func (r *Resolver) validate(cred credentials.Credential) (credentials.Credential, error) {
	if r.check == nil {
		return cred, nil
	}
	if err := r.check(cred.Token()); err != nil {
		return credentials.Credential{}, envelope.Wrap(envelope.InvalidCredentialFormat, "invalid credential format: "+err.Error(), err)
	}
	return cred, nil
}

// Challenge returns the WWW-Authenticate value for a Resolve failure, or ""
// when the Resolver does not use an authentication scheme.
func (r *Resolver) Challenge(err error) string {
	if r.scheme == "" {
		return ""
	}
	// A request without any credential gets a bare challenge.
	if envelope.KindOf(err) == envelope.MissingCredential {
		return buildChallenge(r.scheme, r.realm, nil)
	}
	desc := "malformed credential"
	var e *envelope.Error
	if errors.As(err, &e) && e.Message != "" {
		desc = e.Message
	}
	return buildChallenge(r.scheme, r.realm, map[string]string{
		"error":             "invalid_request",
		"error_description": desc,
	})
}
