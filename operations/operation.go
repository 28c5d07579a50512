package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/ggoodman/mcp-bridge-go/envelope"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/invopop/jsonschema"
)

// Handler is the uniform contract every operation implements. args is the
// raw JSON argument object (possibly empty). Failures should be
// *envelope.Error values; anything else is reported as an internal error.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Operation is a named, invocable unit of work.
type Operation struct {
	Name        string
	Title       string
	Description string
	InputSchema mcp.ToolInputSchema
	Handler     Handler
}

// Validator may be implemented by typed argument structs to reject
// semantically invalid input after decoding.
type Validator interface {
	Validate() error
}

// Option customises an Operation at construction.
type Option func(*opConfig)

type opConfig struct {
	title                     string
	allowAdditionalProperties bool
	schema                    *mcp.ToolInputSchema
}

// WithTitle sets a human-readable display title.
func WithTitle(title string) Option {
	return func(c *opConfig) { c.title = title }
}

// WithAllowAdditionalProperties relaxes strict argument decoding for typed
// operations and advertises additionalProperties in the schema.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *opConfig) { c.allowAdditionalProperties = allow }
}

// WithInputSchema overrides the advertised input schema.
func WithInputSchema(schema mcp.ToolInputSchema) Option {
	return func(c *opConfig) { c.schema = &schema }
}

// Raw builds an operation from an untyped handler. Without WithInputSchema
// it advertises an open object schema.
func Raw(name, description string, h Handler, opts ...Option) Operation {
	cfg := opConfig{allowAdditionalProperties: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema := mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           map[string]mcp.SchemaProperty{},
		AdditionalProperties: cfg.allowAdditionalProperties,
	}
	if cfg.schema != nil {
		schema = *cfg.schema
	}
	return Operation{
		Name:        name,
		Title:       cfg.title,
		Description: description,
		InputSchema: schema,
		Handler:     h,
	}
}

// New builds an operation from a typed function. Arguments are decoded into
// A, strictly unless WithAllowAdditionalProperties(true) is given, and
// checked with A's Validate method when present. Both failures are reported
// as ValidationFailed. The input schema is reflected from A.
func New[A any, R any](name, description string, fn func(ctx context.Context, args A) (R, error), opts ...Option) Operation {
	var cfg opConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	schema := reflectInputSchema[A](cfg.allowAdditionalProperties)
	if cfg.schema != nil {
		schema = *cfg.schema
	}

	h := func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a A
		if err := decodeArgs(raw, &a, cfg.allowAdditionalProperties); err != nil {
			return nil, envelope.NewValidation("invalid arguments: "+err.Error(), nil)
		}
		if v, ok := any(&a).(Validator); ok {
			if err := v.Validate(); err != nil {
				var env *envelope.Error
				if errors.As(err, &env) {
					return nil, env
				}
				return nil, envelope.NewValidation(err.Error(), nil)
			}
		}
		return fn(ctx, a)
	}

	return Operation{
		Name:        name,
		Title:       cfg.title,
		Description: description,
		InputSchema: schema,
		Handler:     h,
	}
}

func decodeArgs(raw json.RawMessage, dst any, allowAdditional bool) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if allowAdditional {
		return json.Unmarshal(trimmed, dst)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after arguments")
	}
	return nil
}

// Tool returns the protocol descriptor for the operation.
func (o Operation) Tool() mcp.Tool {
	return mcp.Tool{
		Name:        o.Name,
		Title:       o.Title,
		Description: o.Description,
		InputSchema: o.InputSchema,
	}
}

func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Non-object argument types cannot be expressed as a tool input schema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
