package models

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider is the stored record for one upstream provider. It is owned by
// the router and mutated only through its register/update/remove operations.
type Provider struct {
	Name         string    `json:"name" yaml:"name"`
	BaseURL      string    `json:"base_url" yaml:"base_url"`
	APIKey       string    `json:"-" yaml:"api_key"`
	Enabled      bool      `json:"enabled" yaml:"enabled"`
	Models       []string  `json:"models" yaml:"models"`
	Transformers ChainSpec `json:"transformers" yaml:"transformers"`
}

// ChainSpec names the transformer units applied for a provider, with
// optional per-model override lists keyed by exact model name.
type ChainSpec struct {
	Use      []string            `json:"use,omitempty" yaml:"use,omitempty"`
	PerModel map[string][]string `json:"per_model,omitempty" yaml:"per_model,omitempty"`
}

// UnmarshalYAML defaults enabled to true for records loaded from
// configuration; disabling a configured provider takes an explicit
// enabled: false.
func (p *Provider) UnmarshalYAML(value *yaml.Node) error {
	type plain Provider
	record := plain{Enabled: true}
	if err := value.Decode(&record); err != nil {
		return err
	}
	*p = Provider(record)
	return nil
}

// HasModel reports whether the model appears in the permitted list.
func (p *Provider) HasModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// UsesTransformer reports whether the provider-level chain names the unit.
func (p *Provider) UsesTransformer(name string) bool {
	for _, u := range p.Transformers.Use {
		if u == name {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a provider record.
func (p *Provider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return NewError(ErrInvalidRequest, "provider name must not be empty")
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		return NewErrorf(ErrInvalidRequest, "provider %s: base_url must be provided", p.Name)
	}
	if len(p.Models) == 0 {
		return NewErrorf(ErrInvalidRequest, "provider %s: at least one model must be configured", p.Name)
	}
	for _, m := range p.Models {
		if strings.TrimSpace(m) == "" {
			return NewErrorf(ErrInvalidRequest, "provider %s: model name must not be empty", p.Name)
		}
	}
	return nil
}

// ProviderPatch is a partial update applied by the router's update
// operation. Nil fields are left untouched.
type ProviderPatch struct {
	BaseURL      *string    `json:"base_url,omitempty"`
	APIKey       *string    `json:"api_key,omitempty"`
	Enabled      *bool      `json:"enabled,omitempty"`
	Models       []string   `json:"models,omitempty"`
	Transformers *ChainSpec `json:"transformers,omitempty"`
}
