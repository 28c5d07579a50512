// Package stdio implements a single-connection transport over stdin/stdout.
// It is intended for running the bridge as a subprocess of a local client,
// where spawning a child process and piping JSON is simpler than running an
// HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Credential       : single-tenant, from an auth.Source (static, env or file)
//	Sessions         : one implicit session for the life of the process
//	Framing          : newline-delimited JSON-RPC
//
// The credential is resolved again for every message, so a rotated
// credential file takes effect without a restart.
//
// Example:
//
//	ops := operations.MustRegistry(echo.Operations()...)
//	h := stdio.NewHandler(ops, auth.EnvSource("VENDOR_TOKEN"))
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
