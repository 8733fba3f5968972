package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

type unit struct {
	transformer.Base
}

func newUnit(name string) *unit {
	return &unit{Base: transformer.NewBase(name, "/v1/"+name, transformer.CapRequestOut)}
}

func testRegistry(t *testing.T, names ...string) *transformer.Registry {
	t.Helper()
	r := transformer.NewRegistry()
	for _, name := range names {
		require.NoError(t, r.Register(newUnit(name)))
	}
	return r
}

func provider(name string, enabled bool, chain []string, models_ ...string) *models.Provider {
	return &models.Provider{
		Name:         name,
		BaseURL:      "https://api.example.com/v1",
		APIKey:       "sk-test",
		Enabled:      enabled,
		Models:       models_,
		Transformers: models.ChainSpec{Use: chain},
	}
}

func TestRegisterAndDuplicate(t *testing.T) {
	rt := New(testRegistry(t, "openai"))

	require.NoError(t, rt.Register(provider("acme", true, []string{"openai"}, "m1")))

	err := rt.Register(provider("acme", true, []string{"openai"}, "m2"))
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrProviderExists))
}

func TestRegisterInvalidProvider(t *testing.T) {
	rt := New(testRegistry(t))

	err := rt.Register(&models.Provider{Name: "bad"})
	assert.True(t, models.IsCode(err, models.ErrInvalidRequest))
}

func TestUpdatePatchesAndValidates(t *testing.T) {
	rt := New(testRegistry(t, "openai"))
	require.NoError(t, rt.Register(provider("acme", true, []string{"openai"}, "m1")))

	url := "https://other.example.com"
	updated, err := rt.Update("acme", &models.ProviderPatch{BaseURL: &url, Models: []string{"m2"}})
	require.NoError(t, err)
	assert.Equal(t, url, updated.BaseURL)
	assert.Equal(t, []string{"m2"}, updated.Models)

	// Untouched fields survive the patch.
	assert.Equal(t, "sk-test", updated.APIKey)
	assert.True(t, updated.Enabled)

	_, err = rt.Update("acme", &models.ProviderPatch{Models: []string{""}})
	assert.True(t, models.IsCode(err, models.ErrInvalidRequest))

	_, err = rt.Update("ghost", nil)
	assert.True(t, models.IsCode(err, models.ErrProviderNotFound))
}

func TestRemoveAndToggle(t *testing.T) {
	rt := New(testRegistry(t, "openai"))
	require.NoError(t, rt.Register(provider("acme", true, []string{"openai"}, "m1")))

	enabled, err := rt.Toggle("acme")
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = rt.Toggle("acme")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, rt.Remove("acme"))
	err = rt.Remove("acme")
	assert.True(t, models.IsCode(err, models.ErrProviderNotFound))
}

func TestListRegistrationOrder(t *testing.T) {
	rt := New(testRegistry(t, "openai"))
	require.NoError(t, rt.Register(provider("beta", true, []string{"openai"}, "m1")))
	require.NoError(t, rt.Register(provider("alpha", true, []string{"openai"}, "m1")))

	list := rt.List()
	require.Len(t, list, 2)
	assert.Equal(t, "beta", list[0].Name)
	assert.Equal(t, "alpha", list[1].Name)
}

func TestResolveExplicitProviderModel(t *testing.T) {
	rt := New(testRegistry(t, "openai"))
	require.NoError(t, rt.Register(provider("acme", true, []string{"openai"}, "gpt-x")))

	route, err := rt.ResolveModelRoute("acme,gpt-x", nil)
	require.NoError(t, err)
	assert.Equal(t, "acme", route.Provider.Name)
	assert.Equal(t, "gpt-x", route.Model)
	require.Len(t, route.Chain, 1)
	assert.Equal(t, "openai", route.Chain[0].Name())
}

func TestResolveRejectsDisabledAndUnknown(t *testing.T) {
	rt := New(testRegistry(t, "openai"))
	require.NoError(t, rt.Register(provider("acme", false, []string{"openai"}, "gpt-x")))

	_, err := rt.ResolveModelRoute("acme,gpt-x", nil)
	assert.True(t, models.IsCode(err, models.ErrProviderNotFound))

	_, err = rt.ResolveModelRoute("ghost,gpt-x", nil)
	assert.True(t, models.IsCode(err, models.ErrProviderNotFound))

	_, err = rt.ResolveModelRoute("  ", nil)
	assert.True(t, models.IsCode(err, models.ErrInvalidRequest))
}

func TestResolveRejectsUnlistedModel(t *testing.T) {
	rt := New(testRegistry(t, "openai"))
	require.NoError(t, rt.Register(provider("acme", true, []string{"openai"}, "gpt-x")))

	_, err := rt.ResolveModelRoute("acme,gpt-y", nil)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrInvalidRequest))
}

func TestResolveInfersProviderFromEntry(t *testing.T) {
	registry := testRegistry(t, "openai", "anthropic")
	rt := New(registry)
	require.NoError(t, rt.Register(provider("claude-shop", true, []string{"anthropic"}, "claude-3")))
	require.NoError(t, rt.Register(provider("oai-shop", true, []string{"openai"}, "gpt-x")))

	entry, err := registry.Get("anthropic")
	require.NoError(t, err)

	route, err := rt.ResolveModelRoute("claude-3", entry)
	require.NoError(t, err)
	assert.Equal(t, "claude-shop", route.Provider.Name)
	assert.Equal(t, "claude-3", route.Model)
}

func TestResolveInferPrefersProviderListingModel(t *testing.T) {
	registry := testRegistry(t, "openai")
	rt := New(registry)
	require.NoError(t, rt.Register(provider("first", true, []string{"openai"}, "other-model")))
	require.NoError(t, rt.Register(provider("second", true, []string{"openai"}, "wanted-model")))

	entry, err := registry.Get("openai")
	require.NoError(t, err)

	route, err := rt.ResolveModelRoute("wanted-model", entry)
	require.NoError(t, err)
	assert.Equal(t, "second", route.Provider.Name)
}

func TestResolveInferFailsWithoutBinding(t *testing.T) {
	registry := testRegistry(t, "openai", "gemini")
	rt := New(registry)
	require.NoError(t, rt.Register(provider("oai-shop", true, []string{"openai"}, "gpt-x")))

	entry, err := registry.Get("gemini")
	require.NoError(t, err)

	_, err = rt.ResolveModelRoute("gpt-x", entry)
	assert.True(t, models.IsCode(err, models.ErrProviderNotFound))
}

func TestResolveChainAppendsPerModelOverrides(t *testing.T) {
	registry := testRegistry(t, "openai", "maxtoken", "reasoning")
	rt := New(registry)

	p := provider("acme", true, []string{"openai"}, "gpt-x", "gpt-y")
	p.Transformers.PerModel = map[string][]string{
		"gpt-x": {"maxtoken", "reasoning"},
	}
	require.NoError(t, rt.Register(p))

	route, err := rt.ResolveModelRoute("acme,gpt-x", nil)
	require.NoError(t, err)
	require.Len(t, route.Chain, 3)
	assert.Equal(t, "openai", route.Chain[0].Name())
	assert.Equal(t, "maxtoken", route.Chain[1].Name())
	assert.Equal(t, "reasoning", route.Chain[2].Name())

	// The sibling model keeps the bare provider chain.
	route, err = rt.ResolveModelRoute("acme,gpt-y", nil)
	require.NoError(t, err)
	require.Len(t, route.Chain, 1)
}

func TestResolveChainUnknownUnit(t *testing.T) {
	registry := testRegistry(t, "openai")
	rt := New(registry)
	require.NoError(t, rt.Register(provider("acme", true, []string{"openai", "ghost"}, "gpt-x")))

	_, err := rt.ResolveModelRoute("acme,gpt-x", nil)
	assert.True(t, models.IsCode(err, models.ErrTransformerNotFound))
}

func TestRouteIsolatedFromLaterMutation(t *testing.T) {
	rt := New(testRegistry(t, "openai"))
	require.NoError(t, rt.Register(provider("acme", true, []string{"openai"}, "gpt-x")))

	route, err := rt.ResolveModelRoute("acme,gpt-x", nil)
	require.NoError(t, err)

	url := "https://changed.example.com"
	_, err = rt.Update("acme", &models.ProviderPatch{BaseURL: &url})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1", route.Provider.BaseURL)
}
