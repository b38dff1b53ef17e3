package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Option configures a flow at registration.
type Option func(*Flow)

// WithDescription sets a human readable description.
func WithDescription(desc string) Option {
	return func(f *Flow) {
		f.Description = desc
	}
}

// Registry is the catalogue of flows. It is filled at process start, then
// frozen; after that it is read-only and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	flows  map[string]*Flow
	frozen bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Register adds a flow. A nil contract accepts any JSON.
func (r *Registry) Register(name string, input, output *Contract, executor Executor, opts ...Option) error {
	if name == "" {
		return errors.New("flow name is required")
	}
	if executor == nil {
		return fmt.Errorf("flow %s: executor is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, name)
	}
	if _, exists := r.flows[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFlow, name)
	}

	flow := &Flow{
		Name:     name,
		Input:    input,
		Output:   output,
		executor: executor,
	}
	for _, opt := range opts {
		opt(flow)
	}
	r.flows[name] = flow
	return nil
}

// Freeze closes the catalogue to further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns a registered flow.
func (r *Registry) Lookup(name string) (*Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

// Names returns all registered flow names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named flow. Input is validated before the executor is
// called and output is validated before it is returned.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	flow, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, name)
	}

	if err := flow.Input.Validate(input); err != nil {
		return nil, &InputValidationError{Flow: name, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &ExecutorError{Flow: name, Err: err}
	}

	output, err := flow.executor.Execute(ctx, input)
	if err != nil {
		return nil, &ExecutorError{Flow: name, Err: err}
	}

	if err := flow.Output.Validate(output); err != nil {
		return nil, &OutputValidationError{Flow: name, Err: err}
	}
	return output, nil
}
