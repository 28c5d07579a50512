// Package auth resolves and shape-checks the credential an inbound request
// presents. It deliberately stops short of authentication policy: tokens
// are never verified against an issuer, only required to be present and well
// formed before they are scoped to the call and forwarded upstream.
//
// A Resolver reads the credential from a header (by default
// "Authorization: Bearer <token>") and, when the header is absent, from an
// optional single-tenant Source (a static value, an environment variable or
// a file that is re-read whenever it changes on disk).
//
// Failures are *envelope.Error values of kind MissingCredential or
// InvalidCredentialFormat. Transports use Challenge to build the matching
// WWW-Authenticate header.
//
// Example:
//
//	res := auth.NewResolver(
//	    auth.WithCheck(auth.All(auth.MinLength(20), auth.Prefix("ghp_", "github_pat_"))),
//	    auth.WithFallback(auth.EnvSource("GITHUB_TOKEN")),
//	)
//	cred, err := res.Resolve(r)
package auth
