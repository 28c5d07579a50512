// Package credentials carries an inbound caller's credential through the call
// graph of exactly one request.
//
// A credential is bound to a context.Context with WithCredential (or Run) and
// read back with FromContext. Because the binding lives on the context, it
// follows every goroutine and callback that receives the derived context and
// is invisible to everything else. Two concurrent requests never observe each
// other's credential, and there is no process-wide "current credential".
//
// Credential values are immutable, never persisted, and redact themselves
// when formatted or logged.
package credentials

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
)

// ErrNoCredentialScope is returned by FromContext when called outside of any
// credential scope. It signals a programming error: operation handlers are
// only ever invoked inside a scope.
var ErrNoCredentialScope = errors.New("no credential scope")

// Source records where a credential came from.
type Source string

const (
	SourceHeader Source = "header"
	SourceStatic Source = "static"
	SourceEnv    Source = "env"
	SourceFile   Source = "file"
)

// Credential is an opaque bearer secret presented by a caller.
type Credential struct {
	token  string
	source Source
}

// New returns a credential for token.
func New(token string, source Source) Credential {
	return Credential{token: token, source: source}
}

// Token returns the raw secret. Only code that forwards the credential to an
// upstream service should call it.
func (c Credential) Token() string { return c.token }

// Source reports where the credential was obtained.
func (c Credential) Source() Source { return c.source }

// IsZero reports whether the credential carries no secret.
func (c Credential) IsZero() bool { return c.token == "" }

// Equal compares two credentials' secrets in constant time.
func (c Credential) Equal(o Credential) bool {
	return subtle.ConstantTimeCompare([]byte(c.token), []byte(o.token)) == 1
}

// Fingerprint returns a short stable digest of the secret suitable for logs.
func (c Credential) Fingerprint() string {
	if c.token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.token))
	return hex.EncodeToString(sum[:6])
}

// String never reveals the secret.
func (c Credential) String() string {
	if c.token == "" {
		return "credential(none)"
	}
	return "credential(" + c.Fingerprint() + ")"
}

// GoString never reveals the secret either.
func (c Credential) GoString() string { return c.String() }

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("fingerprint", c.Fingerprint()),
		slog.String("source", string(c.source)),
	)
}

type scopeKey struct{}

// WithCredential returns a child of ctx bound to cred.
func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, scopeKey{}, cred)
}

// Run invokes fn with a context bound to cred. The binding ends when fn
// returns, whether it returns normally, with an error, or by panicking.
func Run(ctx context.Context, cred Credential, fn func(ctx context.Context) error) error {
	return fn(WithCredential(ctx, cred))
}

// FromContext returns the credential bound to ctx, or ErrNoCredentialScope.
func FromContext(ctx context.Context) (Credential, error) {
	cred, ok := ctx.Value(scopeKey{}).(Credential)
	if !ok {
		return Credential{}, ErrNoCredentialScope
	}
	return cred, nil
}
