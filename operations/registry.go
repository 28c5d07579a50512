// Package operations holds the named operations a server exposes and
// dispatches calls to them.
//
// A Registry is built once, at program initialisation, from a fixed list of
// operations and is immutable afterwards. Both transports share the same
// instance, so every caller observes the same set of operations and lookups
// need no locking.
//
//	reg := operations.MustRegistry(
//		operations.New("echo", "Echo the message back", echo),
//	)
//	result, err := reg.Dispatch(ctx, "echo", json.RawMessage(`{"message":"hi"}`))
package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ggoodman/mcp-bridge-go/envelope"
	"github.com/ggoodman/mcp-bridge-go/mcp"
)

var (
	ErrDuplicateOperation = errors.New("duplicate operation name")
	ErrInvalidOperation   = errors.New("invalid operation")
)

// Registry maps operation names to handlers.
type Registry struct {
	ops   map[string]Operation
	order []string
}

// NewRegistry builds a registry from ops. Registering two operations with
// the same name, an empty name, or a nil handler is an error.
func NewRegistry(ops ...Operation) (*Registry, error) {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if op.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidOperation)
		}
		if op.Handler == nil {
			return nil, fmt.Errorf("%w: %q has no handler", ErrInvalidOperation, op.Name)
		}
		if _, dup := r.ops[op.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateOperation, op.Name)
		}
		r.ops[op.Name] = op
		r.order = append(r.order, op.Name)
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error. Use it from package
// initialisation or main.
func MustRegistry(ops ...Operation) *Registry {
	r, err := NewRegistry(ops...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// Len reports the number of registered operations.
func (r *Registry) Len() int { return len(r.order) }

// List returns the operations in registration order.
func (r *Registry) List() []Operation {
	out := make([]Operation, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.ops[name])
	}
	return out
}

// Tools returns protocol descriptors for every operation in registration order.
func (r *Registry) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.ops[name].Tool())
	}
	return out
}

// Dispatch invokes the operation registered under name with ctx, which
// carries the caller's credential scope. An unknown name yields an
// OperationNotFound failure echoing name. A panicking handler is reported
// as an internal UpstreamFailure.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, envelope.NewOperationNotFound(name)
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = envelope.Wrap(envelope.UpstreamFailure, "", &PanicError{Operation: name, Value: p, Stack: debug.Stack()})
		}
	}()

	return op.Handler(ctx, args)
}

// PanicError records a recovered handler panic.
type PanicError struct {
	Operation string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation %q panicked: %v", e.Operation, e.Value)
}
