package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/reckon"
)

// Options configures per-type submission defaults.
type Options struct {
	// MaxAttempts caps total executions of a job of this type. Zero defers
	// to the queue default.
	MaxAttempts int

	// Priority is the default priority for submissions that do not set one.
	Priority int

	// Schema is an optional JSON schema that submitted input must satisfy.
	Schema string
}

// Option is a functional option for configuring a handler registration.
type Option func(*Options)

// WithMaxAttempts sets the maximum number of executions.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithPriority sets the default priority. Higher values are leased first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithSchema sets the JSON schema used to validate input at submit time.
func WithSchema(schema string) Option {
	return func(o *Options) { o.Schema = schema }
}

// Definition is a typed handler for one job type. In and Out must be
// JSON-serializable.
type Definition[In, Out any] struct {
	Type   Type
	Handle func(ctx context.Context, in In, r Reporter) (Out, error)
	Opts   Options
}

// NewDefinition creates a typed handler definition.
func NewDefinition[In, Out any](t Type, fn func(ctx context.Context, in In, r Reporter) (Out, error), opts ...Option) *Definition[In, Out] {
	def := &Definition[In, Out]{Type: t, Handle: fn}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// Handler returns a type-erased Handler that decodes input into In and
// encodes the result as JSON. Undecodable input is a fatal error.
func (d *Definition[In, Out]) Handler() Handler {
	return HandlerFunc(func(ctx context.Context, input json.RawMessage, r Reporter) (json.RawMessage, error) {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, reckon.Fatal(fmt.Errorf("decode input for %s: %w", d.Type, err))
			}
		}
		out, err := d.Handle(ctx, in, r)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, reckon.Fatal(fmt.Errorf("encode output for %s: %w", d.Type, err))
		}
		return b, nil
	})
}
