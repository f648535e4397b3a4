package backends

import (
	"fmt"
	"sync"
)

// Factory constructs a fresh backend instance for one loaded network. Each
// network gets its own instance so that memory managers and workload scratch
// state are never shared across networks.
type Factory func() (Backend, error)

// Registry maps backend ids to factories. It is an explicit object passed
// into engine construction rather than process-global state, so tests can
// build independent registries with fake backends.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a backend factory under the given id. Registering the same
// id twice is an error.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("backend id is required")
	}
	if factory == nil {
		return fmt.Errorf("backend %s: factory is required", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("backend %s is already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// Instantiate builds a fresh backend for the given id.
func (r *Registry) Instantiate(id string) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %s is not registered", id)
	}
	backend, err := factory()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", id, err)
	}
	if backend.ID() != id {
		return nil, fmt.Errorf("backend factory for %s produced backend with id %s", id, backend.ID())
	}
	return backend, nil
}

// IDs returns the registered backend ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}
