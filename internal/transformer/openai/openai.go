// Package openai implements the OpenAI chat-completions transformer. It is
// endpoint-bound on /v1/chat/completions and implements the full capability
// set, so it serves both as an entry format and as a provider chain unit for
// any OpenAI-compatible upstream.
package openai

import (
	"encoding/json"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const (
	name         = "openai"
	endpoint     = "/v1/chat/completions"
	upstreamPath = "/chat/completions"
)

// Transformer converts between the OpenAI chat-completions wire format and
// the unified model.
type Transformer struct {
	transformer.Base
}

// New constructs the unit. The options value is accepted for loader
// uniformity; the unit takes none.
func New(_ map[string]any) (transformer.Transformer, error) {
	return &Transformer{
		Base: transformer.NewBase(name, endpoint,
			transformer.CapRequestOut|transformer.CapRequestIn|
				transformer.CapResponseOut|transformer.CapResponseIn|
				transformer.CapAuth),
	}, nil
}

// TransformRequestOut parses a native chat-completions body into the
// unified request.
func (t *Transformer) TransformRequestOut(_ *transformer.Context, body []byte) (*models.UnifiedChatRequest, error) {
	var req goopenai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "decode chat completion request: %v", err)
	}

	unified := &models.UnifiedChatRequest{
		Model:      req.Model,
		Messages:   messagesToUnified(req.Messages),
		Stop:       req.Stop,
		Tools:      toolsToUnified(req.Tools),
		ToolChoice: req.ToolChoice,
		Stream:     req.Stream,
	}
	if req.MaxTokens > 0 {
		unified.MaxTokens = intPtr(req.MaxTokens)
	} else if req.MaxCompletionTokens > 0 {
		unified.MaxTokens = intPtr(req.MaxCompletionTokens)
	}
	if req.Temperature != 0 {
		unified.Temperature = floatPtr(float64(req.Temperature))
	}
	if req.TopP != 0 {
		unified.TopP = floatPtr(float64(req.TopP))
	}
	if req.ReasoningEffort != "" {
		unified.Reasoning = &models.ReasoningConfig{Effort: req.ReasoningEffort}
	}

	if err := unified.Validate(); err != nil {
		return nil, err
	}
	return unified, nil
}

// TransformRequestIn establishes the upstream wire location and, unless the
// bypass fast path already supplied a body, marshals the unified request
// into the native payload.
func (t *Transformer) TransformRequestIn(_ *transformer.Context, env *transformer.Envelope, _ *models.Provider) (*transformer.Envelope, error) {
	env.Method = http.MethodPost
	env.Path = upstreamPath
	env.Header.Set("Content-Type", "application/json")

	if env.Body != nil {
		return env, nil
	}

	native := goopenai.ChatCompletionRequest{
		Model:      env.Unified.Model,
		Messages:   messagesFromUnified(env.Unified.Messages),
		Stop:       env.Unified.Stop,
		Tools:      toolsFromUnified(env.Unified.Tools),
		ToolChoice: env.Unified.ToolChoice,
		Stream:     env.Unified.Stream,
	}
	if env.Unified.MaxTokens != nil {
		native.MaxTokens = *env.Unified.MaxTokens
	}
	if env.Unified.Temperature != nil {
		native.Temperature = float32(*env.Unified.Temperature)
	}
	if env.Unified.TopP != nil {
		native.TopP = float32(*env.Unified.TopP)
	}
	if env.Unified.Reasoning != nil && env.Unified.Reasoning.Effort != "" {
		native.ReasoningEffort = env.Unified.Reasoning.Effort
	}
	if native.Stream {
		native.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}

	body, err := transformer.MarshalBody(native)
	if err != nil {
		return nil, err
	}
	env.Body = body
	return env, nil
}

// TransformResponseOut normalizes a native response body, or one native
// stream event, into the unified shape.
func (t *Transformer) TransformResponseOut(_ *transformer.Context, resp *transformer.Response, _ *models.Provider) (*transformer.Response, error) {
	if resp.Done || resp.Unified != nil || resp.Chunk != nil {
		return resp, nil
	}

	if resp.Stream {
		chunk, err := chunkFromNative(resp.Native)
		if err != nil {
			return nil, err
		}
		resp.Chunk = chunk
		resp.Native = nil
		return resp, nil
	}

	var native goopenai.ChatCompletionResponse
	if err := json.Unmarshal(resp.Native, &native); err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "decode chat completion response: %v", err)
	}

	unified := &models.UnifiedChatResponse{
		ID:      native.ID,
		Model:   native.Model,
		Created: native.Created,
		Usage: models.Usage{
			PromptTokens:     native.Usage.PromptTokens,
			CompletionTokens: native.Usage.CompletionTokens,
			TotalTokens:      native.Usage.TotalTokens,
		},
	}
	if len(native.Choices) > 0 {
		choice := native.Choices[0]
		if choice.Message.Content != "" {
			content := choice.Message.Content
			unified.Content = &content
		}
		unified.ToolCalls = toolCallsToUnified(choice.Message.ToolCalls)
		unified.FinishReason = string(choice.FinishReason)
	}

	resp.Unified = unified
	resp.Native = nil
	return resp, nil
}

// TransformResponseIn renders the unified response, or one unified chunk,
// in the caller's chat-completions convention. The end-of-stream signal
// becomes the [DONE] marker.
func (t *Transformer) TransformResponseIn(_ *transformer.Context, resp *transformer.Response) (*transformer.Response, error) {
	if resp.Done {
		resp.Events = []transformer.OutEvent{{Data: []byte(sseDone)}}
		return resp, nil
	}

	if resp.Chunk != nil {
		data, err := transformer.MarshalBody(chunkToNative(resp.Chunk))
		if err != nil {
			return nil, err
		}
		resp.Events = []transformer.OutEvent{{Data: data}}
		return resp, nil
	}

	if resp.Unified == nil {
		return resp, nil
	}

	native := goopenai.ChatCompletionResponse{
		ID:      resp.Unified.ID,
		Object:  "chat.completion",
		Created: resp.Unified.Created,
		Model:   resp.Unified.Model,
		Usage: goopenai.Usage{
			PromptTokens:     resp.Unified.Usage.PromptTokens,
			CompletionTokens: resp.Unified.Usage.CompletionTokens,
			TotalTokens:      resp.Unified.Usage.TotalTokens,
		},
	}
	if native.Created == 0 {
		native.Created = time.Now().Unix()
	}

	message := goopenai.ChatCompletionMessage{Role: models.RoleAssistant}
	if resp.Unified.Content != nil {
		message.Content = *resp.Unified.Content
	}
	message.ToolCalls = toolCallsFromUnified(resp.Unified.ToolCalls)
	native.Choices = []goopenai.ChatCompletionChoice{{
		Index:        0,
		Message:      message,
		FinishReason: goopenai.FinishReason(resp.Unified.FinishReason),
	}}

	body, err := transformer.MarshalBody(native)
	if err != nil {
		return nil, err
	}
	resp.Native = body
	return resp, nil
}

// Auth injects the provider credential as a bearer token.
func (t *Transformer) Auth(_ *transformer.Context, env *transformer.Envelope, provider *models.Provider) (*transformer.Envelope, error) {
	if provider.APIKey == "" {
		return nil, models.NewErrorf(models.ErrAuth, "provider %q has no credential configured", provider.Name)
	}
	env.Header.Set("Authorization", "Bearer "+provider.APIKey)
	return env, nil
}
