// Package backend maps step types to the components that execute them.
package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/xeipuuv/gojsonschema"
)

// Result is what a backend hands back for one successful step
type Result struct {
	// Output is stored verbatim under the step id and output key. Structured
	// outputs are JSON so later steps can address their fields.
	Output string
	// LLM is set by backends that called a language model
	LLM *talkflow.LLMMetadata
}

// Backend executes one step type. Execute receives the fully resolved step
// configuration; it never sees unresolved placeholders.
type Backend interface {
	Type() talkflow.StepType
	// Schema is a JSON schema the resolved input must satisfy, or nil
	Schema() map[string]any
	// Timeout bounds one Execute call; zero means the engine default
	Timeout() time.Duration
	Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error)
}

// Registry is a lookup from step type to backend
type Registry struct {
	mu       sync.RWMutex
	backends map[talkflow.StepType]Backend
	schemas  map[talkflow.StepType]*gojsonschema.Schema
	logger   zerolog.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		backends: make(map[talkflow.StepType]Backend),
		schemas:  make(map[talkflow.StepType]*gojsonschema.Schema),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a backend. The step type must be part of the fixed vocabulary
// and may only be registered once.
func (r *Registry) Register(b Backend) error {
	t := b.Type()
	if !t.Known() {
		return fmt.Errorf("step type '%s' is not part of the step vocabulary", t)
	}

	var compiled *gojsonschema.Schema
	if schema := b.Schema(); schema != nil {
		var err error
		compiled, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return fmt.Errorf("invalid schema for step type '%s': %w", t, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[t]; exists {
		return fmt.Errorf("step type '%s' already registered", t)
	}
	r.backends[t] = b
	if compiled != nil {
		r.schemas[t] = compiled
	}

	r.logger.Debug().
		Str("step_type", string(t)).
		Dur("timeout", b.Timeout()).
		Msg("Registered step backend")

	return nil
}

// MustRegister registers every backend and panics on error
func (r *Registry) MustRegister(backends ...Backend) {
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
}

// Has reports whether a backend is registered for t
func (r *Registry) Has(t talkflow.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[t]
	return ok
}

// Lookup returns the backend for t. An unregistered type is a configuration
// error.
func (r *Registry) Lookup(t talkflow.StepType) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[t]
	if !ok {
		return nil, talkflow.NewConfigError("", "", fmt.Sprintf("no backend registered for step type '%s'", t), nil)
	}
	return b, nil
}

// Types lists registered step types in vocabulary order
func (r *Registry) Types() []talkflow.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order := make(map[talkflow.StepType]int, len(talkflow.StepTypes))
	for i, t := range talkflow.StepTypes {
		order[t] = i
	}

	types := make([]talkflow.StepType, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return order[types[i]] < order[types[j]]
	})
	return types
}

// Validate checks a resolved input against the backend schema for t.
// Violations are configuration errors.
func (r *Registry) Validate(t talkflow.StepType, input map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[t]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if input == nil {
		input = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return talkflow.NewConfigError("", "", fmt.Sprintf("cannot validate input for step type '%s'", t), err)
	}
	if !result.Valid() {
		var violations []string
		for _, e := range result.Errors() {
			violations = append(violations, e.String())
		}
		return talkflow.NewConfigError("", "",
			fmt.Sprintf("input does not match schema of step type '%s': %s", t, strings.Join(violations, "; ")), nil)
	}
	return nil
}
