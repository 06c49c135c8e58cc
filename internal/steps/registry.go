// Package steps holds the registries that map step and factory names used in
// definitions to their implementations, plus the built-in generic steps.
package steps

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/stepflow/model"
)

// Registry maps names to steps and object factories. Registration happens
// at wiring time; afterwards the registry is only read.
type Registry struct {
	mu        sync.RWMutex
	steps     map[string]model.Step
	factories map[string]model.ObjectFactory
}

// NewRegistry creates a registry pre-populated with the built-in steps.
func NewRegistry() *Registry {
	r := &Registry{
		steps:     make(map[string]model.Step),
		factories: make(map[string]model.ObjectFactory),
	}
	for name, s := range builtins() {
		r.steps[name] = s
	}
	return r
}

// RegisterStep adds a step. Registering a name twice is an error.
func (r *Registry) RegisterStep(name string, step model.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	if _, dup := r.steps[name]; dup {
		return fmt.Errorf("step %q already registered", name)
	}
	r.steps[name] = step
	return nil
}

// RegisterFactory adds an object factory. The empty name is reserved for
// the unspecified factory.
func (r *Registry) RegisterFactory(name string, f model.ObjectFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return fmt.Errorf("factory name is required")
	}
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("factory %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// LookupStep returns the step registered under name.
func (r *Registry) LookupStep(name string) (model.Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	return s, ok
}

// LookupFactory returns the factory registered under name. The empty name
// resolves to the unspecified factory.
func (r *Registry) LookupFactory(name string) (model.ObjectFactory, bool) {
	if name == "" {
		return Unspecified, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// HasFactory reports whether name resolves to a factory.
func (r *Registry) HasFactory(name string) bool {
	_, ok := r.LookupFactory(name)
	return ok
}

// StepNames returns the registered step names, sorted.
func (r *Registry) StepNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FactoryNames returns the registered factory names, sorted.
func (r *Registry) FactoryNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
