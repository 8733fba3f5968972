package transformer

import (
	"sync"

	"github.com/mcowger/llms/internal/models"
)

// Registry holds every registered transformation unit keyed by name.
// Built-in and dynamically loaded units are stored identically; nothing in
// the gateway distinguishes them after registration.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Transformer
	order []string
}

// NewRegistry constructs an empty transformer registry.
func NewRegistry() *Registry {
	return &Registry{
		units: make(map[string]Transformer),
	}
}

// Register stores the unit, failing when the name is already taken.
func (r *Registry) Register(t Transformer) error {
	if t == nil {
		return models.NewError(models.ErrInvalidRequest, "transformer must not be nil")
	}
	name := t.Name()
	if name == "" {
		return models.NewError(models.ErrInvalidRequest, "transformer name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[name]; exists {
		return models.NewErrorf(models.ErrDuplicateTransformer, "transformer %q already registered", name)
	}
	r.units[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns the unit registered under name.
func (r *Registry) Get(name string) (Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.units[name]
	if !ok {
		return nil, models.NewErrorf(models.ErrTransformerNotFound, "transformer %q is not registered", name)
	}
	return t, nil
}

// EndpointBound returns every unit carrying an endpoint path, in
// registration order, for the HTTP layer to mount.
func (r *Registry) EndpointBound() []Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bound []Transformer
	for _, name := range r.order {
		if t := r.units[name]; t.Endpoint() != "" {
			bound = append(bound, t)
		}
	}
	return bound
}

// Names returns every registered unit name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve maps a list of unit names to their registered units, preserving
// order. The first unknown name fails the whole lookup.
func (r *Registry) Resolve(names []string) ([]Transformer, error) {
	out := make([]Transformer, 0, len(names))
	for _, name := range names {
		t, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
