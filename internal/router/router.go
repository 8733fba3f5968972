package router

import (
	"strings"
	"sync"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

// Route is the resolved target for one request: the provider record, the
// model to ask it for, and the ordered transformer chain to run. The chain is
// a single list traversed forward on the request pass and backward on the
// response pass.
type Route struct {
	Provider *models.Provider
	Model    string
	Chain    []transformer.Transformer
}

// Router owns the provider records and resolves inbound model fields into
// routes. Records are mutated only through the explicit CRUD operations;
// resolution reads run concurrently with occasional writes.
type Router struct {
	registry *transformer.Registry

	mu        sync.RWMutex
	providers map[string]*models.Provider
	order     []string
}

// New constructs a router backed by the transformer registry.
func New(registry *transformer.Registry) *Router {
	return &Router{
		registry:  registry,
		providers: make(map[string]*models.Provider),
	}
}

// Register stores a new provider record.
func (r *Router) Register(p *models.Provider) error {
	if p == nil {
		return models.NewError(models.ErrInvalidRequest, "provider must not be nil")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name]; exists {
		return models.NewErrorf(models.ErrProviderExists, "provider %q already registered", p.Name)
	}

	stored := *p
	r.providers[p.Name] = &stored
	r.order = append(r.order, p.Name)
	return nil
}

// Update applies a partial patch to an existing provider record. The record
// is swapped atomically, so concurrent readers see either the old or the new
// state, never a half-applied patch.
func (r *Router) Update(name string, patch *models.ProviderPatch) (*models.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.providers[name]
	if !ok {
		return nil, models.NewErrorf(models.ErrProviderNotFound, "provider %q is not registered", name)
	}

	next := *current
	if patch != nil {
		if patch.BaseURL != nil {
			next.BaseURL = *patch.BaseURL
		}
		if patch.APIKey != nil {
			next.APIKey = *patch.APIKey
		}
		if patch.Enabled != nil {
			next.Enabled = *patch.Enabled
		}
		if patch.Models != nil {
			next.Models = patch.Models
		}
		if patch.Transformers != nil {
			next.Transformers = *patch.Transformers
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	r.providers[name] = &next
	copied := next
	return &copied, nil
}

// Remove deletes a provider record.
func (r *Router) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; !ok {
		return models.NewErrorf(models.ErrProviderNotFound, "provider %q is not registered", name)
	}
	delete(r.providers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Toggle flips the enabled flag and returns the new state.
func (r *Router) Toggle(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.providers[name]
	if !ok {
		return false, models.NewErrorf(models.ErrProviderNotFound, "provider %q is not registered", name)
	}

	next := *current
	next.Enabled = !current.Enabled
	r.providers[name] = &next
	return next.Enabled, nil
}

// Get returns a copy of the named provider record.
func (r *Router) Get(name string) (*models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, models.NewErrorf(models.ErrProviderNotFound, "provider %q is not registered", name)
	}
	copied := *p
	return &copied, nil
}

// List returns copies of every provider record in registration order.
func (r *Router) List() []*models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Provider, 0, len(r.order))
	for _, name := range r.order {
		if p, ok := r.providers[name]; ok {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out
}

// ResolveModelRoute resolves a request's model field into a route. A field
// of the form "provider,model" routes explicitly; a bare model infers its
// provider from the entry transformer that received the request. The chain is
// the provider-level unit list followed by any per-model override units for
// the exact resolved model, each in registration order.
func (r *Router) ResolveModelRoute(modelField string, entry transformer.Transformer) (*Route, error) {
	modelField = strings.TrimSpace(modelField)
	if modelField == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "model must be provided")
	}

	var provider *models.Provider
	var model string

	if providerName, rest, ok := strings.Cut(modelField, ","); ok {
		p, err := r.enabledProvider(strings.TrimSpace(providerName))
		if err != nil {
			return nil, err
		}
		provider = p
		model = strings.TrimSpace(rest)
	} else {
		p, err := r.inferProvider(entry, modelField)
		if err != nil {
			return nil, err
		}
		provider = p
		model = modelField
	}

	if !provider.HasModel(model) {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "model %q is not available on provider %q", model, provider.Name)
	}

	chain, err := r.assembleChain(provider, model)
	if err != nil {
		return nil, err
	}

	return &Route{
		Provider: provider,
		Model:    model,
		Chain:    chain,
	}, nil
}

func (r *Router) enabledProvider(name string) (*models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok || !p.Enabled {
		return nil, models.NewErrorf(models.ErrProviderNotFound, "provider %q is not registered or disabled", name)
	}
	copied := *p
	return &copied, nil
}

// inferProvider picks the provider bound to the entry transformer: the first
// enabled provider, in registration order, whose chain names the entry unit.
// Among several such providers, one that also lists the requested model wins.
func (r *Router) inferProvider(entry transformer.Transformer, model string) (*models.Provider, error) {
	if entry == nil {
		return nil, models.NewError(models.ErrProviderNotFound, "no provider encoded in model and no entry transformer to infer one from")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *models.Provider
	for _, name := range r.order {
		p, ok := r.providers[name]
		if !ok || !p.Enabled || !p.UsesTransformer(entry.Name()) {
			continue
		}
		if p.HasModel(model) {
			copied := *p
			return &copied, nil
		}
		if fallback == nil {
			fallback = p
		}
	}
	if fallback != nil {
		copied := *fallback
		return &copied, nil
	}
	return nil, models.NewErrorf(models.ErrProviderNotFound, "no enabled provider is bound to endpoint transformer %q", entry.Name())
}

func (r *Router) assembleChain(provider *models.Provider, model string) ([]transformer.Transformer, error) {
	names := make([]string, 0, len(provider.Transformers.Use))
	names = append(names, provider.Transformers.Use...)
	if overrides, ok := provider.Transformers.PerModel[model]; ok {
		names = append(names, overrides...)
	}
	return r.registry.Resolve(names)
}
