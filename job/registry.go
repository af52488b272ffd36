package job

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xraph/reckon"
)

type entry struct {
	handler Handler
	opts    Options
	schema  *jsonschema.Schema
}

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[Type]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Type]*entry)}
}

// Register binds h to t, replacing any previous handler. It fails when t is
// unknown or the schema option does not compile.
func (r *Registry) Register(t Type, h Handler, opts ...Option) error {
	if !t.Valid() {
		return fmt.Errorf("register %q: unknown job type", t)
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	e := &entry{handler: h, opts: o}
	if o.Schema != "" {
		schema, err := compileSchema(t, o.Schema)
		if err != nil {
			return err
		}
		e.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t] = e
	return nil
}

// RegisterDefinition registers a typed definition.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[In, Out any](r *Registry, def *Definition[In, Out]) error {
	opts := []Option{WithMaxAttempts(def.Opts.MaxAttempts), WithPriority(def.Opts.Priority)}
	if def.Opts.Schema != "" {
		opts = append(opts, WithSchema(def.Opts.Schema))
	}
	return r.Register(def.Type, def.Handler(), opts...)
}

// Get returns the handler for t.
func (r *Registry) Get(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Options returns the registration options for t.
func (r *Registry) Options(t Type) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	if !ok {
		return Options{}, false
	}
	return e.opts, true
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Slice(types, func(i, k int) bool { return types[i] < types[k] })
	return types
}

// Validate checks input for a job of type t. Input must be valid JSON when
// present, and must satisfy the registered schema if there is one.
func (r *Registry) Validate(t Type, input []byte) error {
	if len(input) > 0 && !json.Valid(input) {
		return reckon.NewValidationError("input", "not valid JSON")
	}

	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok || e.schema == nil {
		return nil
	}

	var v any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &v); err != nil {
			return reckon.NewValidationError("input", err.Error())
		}
	}
	if err := e.schema.Validate(v); err != nil {
		return reckon.NewValidationError("input", "does not match schema: "+err.Error())
	}
	return nil
}

func compileSchema(t Type, schema string) (*jsonschema.Schema, error) {
	name := strings.ToLower(string(t)) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", t, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", t, err)
	}
	return compiled, nil
}
