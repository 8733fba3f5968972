// Package responses implements the OpenAI responses-style transformer used
// for batch/async completions, mounted on /v1/responses.
package responses

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const (
	name         = "responses"
	endpoint     = "/v1/responses"
	upstreamPath = "/responses"

	encodeStateKey = "responses.encode"
)

type responseRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []responseTool  `json:"tools,omitempty"`
}

type responseTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type inputItem struct {
	Role    string                `json:"role"`
	Content models.MessageContent `json:"content"`
}

type responseBody struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	CreatedAt int64        `json:"created_at"`
	Status    string       `json:"status"`
	Model     string       `json:"model"`
	Output    []outputItem `json:"output"`
	Usage     *usageBody   `json:"usage,omitempty"`
}

type outputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Status    string          `json:"status,omitempty"`
	Content   []outputContent `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
}

type outputContent struct {
	Type        string              `json:"type"`
	Text        string              `json:"text,omitempty"`
	Annotations []models.Annotation `json:"annotations,omitempty"`
}

type usageBody struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type streamEvent struct {
	Type     string        `json:"type"`
	Delta    string        `json:"delta,omitempty"`
	Item     *outputItem   `json:"item,omitempty"`
	Response *responseBody `json:"response,omitempty"`
}

// Transformer converts between the responses wire format and the unified
// model.
type Transformer struct {
	transformer.Base
}

// New constructs the unit.
func New(_ map[string]any) (transformer.Transformer, error) {
	return &Transformer{
		Base: transformer.NewBase(name, endpoint,
			transformer.CapRequestOut|transformer.CapRequestIn|
				transformer.CapResponseOut|transformer.CapResponseIn|
				transformer.CapAuth),
	}, nil
}

// TransformRequestOut parses a native responses body; a unified body posted
// to this endpoint is recognized by its messages field.
func (t *Transformer) TransformRequestOut(tc *transformer.Context, body []byte) (*models.UnifiedChatRequest, error) {
	if !bytes.Contains(body, []byte(`"input"`)) {
		return t.Base.TransformRequestOut(tc, body)
	}

	var req responseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "decode responses request: %v", err)
	}

	unified := &models.UnifiedChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.Instructions != "" {
		unified.Messages = append(unified.Messages, models.UnifiedMessage{
			Role:    models.RoleSystem,
			Content: models.TextContent(req.Instructions),
		})
	}

	var text string
	if err := json.Unmarshal(req.Input, &text); err == nil {
		unified.Messages = append(unified.Messages, models.UnifiedMessage{
			Role:    models.RoleUser,
			Content: models.TextContent(text),
		})
	} else {
		var items []inputItem
		if err := json.Unmarshal(req.Input, &items); err != nil {
			return nil, models.NewError(models.ErrInvalidRequest, "input must be a string or a list of items")
		}
		for _, item := range items {
			role := item.Role
			if role == "" {
				role = models.RoleUser
			}
			unified.Messages = append(unified.Messages, models.UnifiedMessage{Role: role, Content: item.Content})
		}
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		unified.Tools = append(unified.Tools, models.UnifiedTool{
			Type: "function",
			Function: models.UnifiedFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if err := unified.Validate(); err != nil {
		return nil, err
	}
	return unified, nil
}

// TransformRequestIn establishes the upstream location and marshals the
// unified request unless the bypass fast path already supplied a body.
func (t *Transformer) TransformRequestIn(_ *transformer.Context, env *transformer.Envelope, _ *models.Provider) (*transformer.Envelope, error) {
	env.Method = http.MethodPost
	env.Path = upstreamPath
	env.Header.Set("Content-Type", "application/json")

	if env.Body != nil {
		return env, nil
	}

	native := responseRequest{
		Model:           env.Unified.Model,
		MaxOutputTokens: env.Unified.MaxTokens,
		Temperature:     env.Unified.Temperature,
		TopP:            env.Unified.TopP,
		Stream:          env.Unified.Stream,
	}

	var items []inputItem
	for _, msg := range env.Unified.Messages {
		if msg.Role == models.RoleSystem && native.Instructions == "" {
			native.Instructions = msg.Content.PlainText()
			continue
		}
		items = append(items, inputItem{Role: msg.Role, Content: msg.Content})
	}
	input, err := transformer.MarshalBody(items)
	if err != nil {
		return nil, err
	}
	native.Input = input

	for _, tool := range env.Unified.Tools {
		native.Tools = append(native.Tools, responseTool{
			Type:        "function",
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	body, err := transformer.MarshalBody(native)
	if err != nil {
		return nil, err
	}
	env.Body = body
	return env, nil
}

// TransformResponseOut normalizes a native response body or stream event.
func (t *Transformer) TransformResponseOut(_ *transformer.Context, resp *transformer.Response, _ *models.Provider) (*transformer.Response, error) {
	if resp.Done || resp.Unified != nil || resp.Chunk != nil {
		return resp, nil
	}

	if resp.Stream {
		return t.eventToChunk(resp)
	}

	var native responseBody
	if err := json.Unmarshal(resp.Native, &native); err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "decode responses body: %v", err)
	}
	resp.Unified = bodyToUnified(&native)
	resp.Native = nil
	return resp, nil
}

func (t *Transformer) eventToChunk(resp *transformer.Response) (*transformer.Response, error) {
	var event streamEvent
	if err := json.Unmarshal(resp.Native, &event); err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "decode stream event: %v", err)
	}

	chunk := &models.StreamChunk{Created: time.Now().Unix()}
	switch event.Type {
	case "response.output_text.delta":
		chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{Content: event.Delta}}}
	case "response.reasoning_summary_text.delta":
		chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{
			Thinking: &models.ThinkingBlock{Content: event.Delta},
		}}}
	case "response.output_item.added":
		if event.Item == nil || event.Item.Type != "function_call" {
			return nil, nil
		}
		slot := 0
		chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{
			ToolCalls: []models.UnifiedToolCall{{
				ID:       event.Item.CallID,
				Type:     "function",
				Index:    &slot,
				Function: models.UnifiedFunctionCall{Name: event.Item.Name},
			}},
		}}}
	case "response.function_call_arguments.delta":
		slot := 0
		chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{
			ToolCalls: []models.UnifiedToolCall{{
				Index:    &slot,
				Type:     "function",
				Function: models.UnifiedFunctionCall{Arguments: event.Delta},
			}},
		}}}
	case "response.completed":
		reason := "stop"
		chunk.Choices = []models.ChunkChoice{{FinishReason: &reason}}
		if event.Response != nil {
			chunk.ID = event.Response.ID
			chunk.Model = event.Response.Model
			if event.Response.Usage != nil {
				chunk.Usage = &models.Usage{
					PromptTokens:     event.Response.Usage.InputTokens,
					CompletionTokens: event.Response.Usage.OutputTokens,
					TotalTokens:      event.Response.Usage.TotalTokens,
				}
			}
		}
	default:
		return nil, nil
	}

	resp.Chunk = chunk
	resp.Native = nil
	return resp, nil
}

// TransformResponseIn renders the unified response in the responses
// convention; chunks become typed delta events and the end-of-stream signal
// becomes response.completed.
func (t *Transformer) TransformResponseIn(tc *transformer.Context, resp *transformer.Response) (*transformer.Response, error) {
	if resp.Stream {
		return t.encodeStream(tc, resp)
	}
	if resp.Unified == nil {
		return resp, nil
	}

	body, err := transformer.MarshalBody(bodyFromUnified(resp.Unified))
	if err != nil {
		return nil, err
	}
	resp.Native = body
	return resp, nil
}

func (t *Transformer) encodeStream(tc *transformer.Context, resp *transformer.Response) (*transformer.Response, error) {
	var events []transformer.OutEvent
	add := func(name string, payload any) error {
		data, err := transformer.MarshalBody(payload)
		if err != nil {
			return err
		}
		events = append(events, transformer.OutEvent{Name: name, Data: data})
		return nil
	}

	if resp.Done {
		var final *responseBody
		if v, ok := tc.Get(encodeStateKey); ok {
			final, _ = v.(*responseBody)
		}
		if final == nil {
			final = &responseBody{
				ID:        "resp_" + uuid.NewString(),
				Object:    "response",
				CreatedAt: time.Now().Unix(),
			}
		}
		final.Status = "completed"
		if err := add("response.completed", streamEvent{Type: "response.completed", Response: final}); err != nil {
			return nil, err
		}
		resp.Events = events
		return resp, nil
	}

	chunk := resp.Chunk
	if chunk == nil {
		return resp, nil
	}

	// Remember identity and usage for the terminal event.
	final := &responseBody{ID: chunk.ID, Object: "response", CreatedAt: chunk.Created, Model: chunk.Model}
	if chunk.Usage != nil {
		final.Usage = &usageBody{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
	}
	if prev, ok := tc.Get(encodeStateKey); ok {
		if prevBody, ok := prev.(*responseBody); ok {
			if final.ID == "" {
				final.ID = prevBody.ID
			}
			if final.Model == "" {
				final.Model = prevBody.Model
			}
			if final.Usage == nil {
				final.Usage = prevBody.Usage
			}
		}
	}
	tc.Set(encodeStateKey, final)

	for _, choice := range chunk.Choices {
		if choice.Delta.Thinking != nil && choice.Delta.Thinking.Content != "" {
			if err := add("response.reasoning_summary_text.delta", streamEvent{
				Type:  "response.reasoning_summary_text.delta",
				Delta: choice.Delta.Thinking.Content,
			}); err != nil {
				return nil, err
			}
		}
		if choice.Delta.Content != "" {
			if err := add("response.output_text.delta", streamEvent{
				Type:  "response.output_text.delta",
				Delta: choice.Delta.Content,
			}); err != nil {
				return nil, err
			}
		}
		for _, call := range choice.Delta.ToolCalls {
			if call.Function.Name != "" {
				if err := add("response.output_item.added", streamEvent{
					Type: "response.output_item.added",
					Item: &outputItem{Type: "function_call", CallID: call.ID, Name: call.Function.Name},
				}); err != nil {
					return nil, err
				}
			}
			if call.Function.Arguments != "" {
				if err := add("response.function_call_arguments.delta", streamEvent{
					Type:  "response.function_call_arguments.delta",
					Delta: call.Function.Arguments,
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	resp.Events = events
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

func bodyToUnified(native *responseBody) *models.UnifiedChatResponse {
	unified := &models.UnifiedChatResponse{
		ID:      native.ID,
		Model:   native.Model,
		Created: native.CreatedAt,
	}
	if native.Usage != nil {
		unified.Usage = models.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.TotalTokens,
		}
	}

	var text string
	for _, item := range native.Output {
		switch item.Type {
		case "message":
			for _, content := range item.Content {
				if content.Type == "output_text" {
					text += content.Text
					unified.Annotations = append(unified.Annotations, content.Annotations...)
				}
			}
		case "function_call":
			index := len(unified.ToolCalls)
			unified.ToolCalls = append(unified.ToolCalls, models.UnifiedToolCall{
				ID:       item.CallID,
				Type:     "function",
				Index:    &index,
				Function: models.UnifiedFunctionCall{Name: item.Name, Arguments: item.Arguments},
			})
		}
	}
	if text != "" {
		unified.Content = &text
	}
	if len(unified.ToolCalls) > 0 {
		unified.FinishReason = "tool_calls"
	} else {
		unified.FinishReason = "stop"
	}
	return unified
}

func bodyFromUnified(unified *models.UnifiedChatResponse) responseBody {
	native := responseBody{
		ID:        unified.ID,
		Object:    "response",
		CreatedAt: unified.Created,
		Status:    "completed",
		Model:     unified.Model,
		Usage: &usageBody{
			InputTokens:  unified.Usage.PromptTokens,
			OutputTokens: unified.Usage.CompletionTokens,
			TotalTokens:  unified.Usage.TotalTokens,
		},
	}
	if native.ID == "" {
		native.ID = "resp_" + uuid.NewString()
	}
	if native.CreatedAt == 0 {
		native.CreatedAt = time.Now().Unix()
	}

	if unified.Content != nil {
		native.Output = append(native.Output, outputItem{
			Type:   "message",
			ID:     "msg_" + uuid.NewString(),
			Role:   models.RoleAssistant,
			Status: "completed",
			Content: []outputContent{{
				Type:        "output_text",
				Text:        *unified.Content,
				Annotations: unified.Annotations,
			}},
		})
	}
	for _, call := range unified.ToolCalls {
		native.Output = append(native.Output, outputItem{
			Type:      "function_call",
			ID:        "fc_" + uuid.NewString(),
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
			Status:    "completed",
		})
	}
	if native.Output == nil {
		native.Output = []outputItem{}
	}
	return native
}
