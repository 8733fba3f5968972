// Package maxtoken implements a chain-only unit that caps the request token
// budget. Providers with hard output limits keep a chain entry like
// {use: maxtoken, options: {max_tokens: 8192}} ahead of the provider unit.
package maxtoken

import (
	"fmt"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const name = "maxtoken"

// Transformer clamps max_tokens on the outbound request.
type Transformer struct {
	transformer.Base
	limit int
}

// New constructs the unit from its chain options. The max_tokens option is
// required.
func New(options map[string]any) (transformer.Transformer, error) {
	limit, err := intOption(options, "max_tokens")
	if err != nil {
		return nil, err
	}
	return &Transformer{
		Base:  transformer.NewBase(name, "", transformer.CapRequestIn),
		limit: limit,
	}, nil
}

// TransformRequestIn lowers max_tokens to the configured ceiling. A request
// with no explicit budget gets the ceiling so the provider never rejects it
// for exceeding its own default.
func (t *Transformer) TransformRequestIn(_ *transformer.Context, env *transformer.Envelope, _ *models.Provider) (*transformer.Envelope, error) {
	if env.Unified == nil {
		return env, nil
	}
	if env.Unified.MaxTokens == nil || *env.Unified.MaxTokens > t.limit {
		limit := t.limit
		env.Unified.MaxTokens = &limit
	}
	return env, nil
}

func intOption(options map[string]any, key string) (int, error) {
	v, ok := options[key]
	if !ok {
		return 0, models.NewErrorf(models.ErrInvalidRequest, "%s: option %q is required", name, key)
	}
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n, nil
		}
	case int64:
		if n > 0 {
			return int(n), nil
		}
	case float64:
		if n > 0 && n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, models.NewErrorf(models.ErrInvalidRequest, "%s: option %q must be a positive integer, got %v", name, key, fmt.Sprintf("%v", v))
}
