// Package memoryhost provides an in-memory implementation of sessions.Host.
//
// Use it for single-process deployments and tests. Every session retains up
// to a bounded number of recent messages so a subscriber that attaches after
// a response was published still receives it. Nothing survives a restart.
//
// Example:
//
//	host := memoryhost.New(memoryhost.WithMaxLen(256))
//	reg := sessions.NewRegistry(host)
package memoryhost
