package transformer

import (
	"plugin"
	"strings"

	"github.com/mcowger/llms/internal/models"
)

// Factory instantiates a unit from an options value taken from configuration.
type Factory func(options map[string]any) (Transformer, error)

// factorySymbol is the exported symbol a transformer plugin must provide.
const factorySymbol = "New"

// Loader instantiates transformer units from configuration references and
// registers them. A reference is either the name of a known factory or a
// filesystem path to a Go plugin exporting `New`.
type Loader struct {
	registry  *Registry
	factories map[string]Factory
}

// NewLoader builds a loader over the registry with the given named factories.
func NewLoader(registry *Registry, factories map[string]Factory) *Loader {
	if factories == nil {
		factories = make(map[string]Factory)
	}
	return &Loader{registry: registry, factories: factories}
}

// Load resolves the reference, instantiates the unit with options and
// registers it. The loaded unit's own declared name and endpoint are used;
// the loader never renames or privileges anything.
func (l *Loader) Load(ref string, options map[string]any) (Transformer, error) {
	factory, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}

	unit, err := factory(options)
	if err != nil {
		return nil, models.NewErrorf(models.ErrTransformer, "instantiate transformer %q: %v", ref, err)
	}
	if unit == nil {
		return nil, models.NewErrorf(models.ErrTransformer, "transformer factory %q returned nil", ref)
	}

	if err := l.registry.Register(unit); err != nil {
		return nil, err
	}
	return unit, nil
}

func (l *Loader) resolve(ref string) (Factory, error) {
	if factory, ok := l.factories[ref]; ok {
		return factory, nil
	}
	if strings.HasSuffix(ref, ".so") {
		return l.openPlugin(ref)
	}
	return nil, models.NewErrorf(models.ErrTransformerNotFound, "unknown transformer reference %q", ref)
}

func (l *Loader) openPlugin(path string) (Factory, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, models.NewErrorf(models.ErrTransformer, "open transformer plugin %q: %v", path, err)
	}

	sym, err := p.Lookup(factorySymbol)
	if err != nil {
		return nil, models.NewErrorf(models.ErrTransformer, "plugin %q does not export %s", path, factorySymbol)
	}

	factory, ok := sym.(func(map[string]any) (Transformer, error))
	if !ok {
		return nil, models.NewErrorf(models.ErrTransformer, "plugin %q: %s has the wrong signature", path, factorySymbol)
	}
	return Factory(factory), nil
}
