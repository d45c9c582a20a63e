package operation

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// Registry maps operation type names to their factories. Registration
// happens once at startup; lookups are read-mostly and safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	destroys  map[string]DestroyBuilder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		destroys:  make(map[string]DestroyBuilder),
	}
}

// Register adds a factory under name. A second registration of the same
// name fails fast rather than silently shadowing the first; re-registering
// the identical factory is a no-op so a plugin can reload safely.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return geperrors.NewPluginError(name, fmt.Errorf("operation name must not be empty"))
	}
	if factory == nil {
		return geperrors.NewPluginError(name, fmt.Errorf("factory must not be nil"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, exists := r.factories[name]; exists {
		if reflect.ValueOf(existing).Pointer() == reflect.ValueOf(factory).Pointer() {
			return nil
		}
		return geperrors.NewPluginError(name, fmt.Errorf("operation %q already registered", name))
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for init-time wiring of built-ins, where a
// collision is a programming error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// RegisterDestroy attaches the teardown transform for a type. Types without
// one are skipped during teardown.
func (r *Registry) RegisterDestroy(name string, builder DestroyBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys[name] = builder
}

// Resolve returns the factory for a type name.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, geperrors.NewPluginError(name, fmt.Errorf("unknown operation type %q", name))
	}
	return factory, nil
}

// DestroyFor returns the teardown transform for a type, if one exists.
func (r *Registry) DestroyFor(name string) (DestroyBuilder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	builder, ok := r.destroys[name]
	return builder, ok && builder != nil
}

// Names lists registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
