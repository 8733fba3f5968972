// Package anthropic implements the Claude messages transformer, mounted on
// /v1/messages. Like the openai unit it implements the full capability set.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const (
	name         = "anthropic"
	endpoint     = "/v1/messages"
	upstreamPath = "/v1/messages"

	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Transformer converts between the Anthropic messages wire format and the
// unified model.
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

// TransformRequestOut parses a native messages body into the unified request.
func (t *Transformer) TransformRequestOut(_ *transformer.Context, body []byte) (*models.UnifiedChatRequest, error) {
	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "decode messages request: %v", err)
	}

	system, err := parseSystem(req.System)
	if err != nil {
		return nil, err
	}

	messages := make([]models.UnifiedMessage, 0, len(req.Messages)+len(system))
	messages = append(messages, system...)
	for i, msg := range req.Messages {
		converted, err := blocksToUnified(msg.Role, msg.Content)
		if err != nil {
			return nil, models.NewErrorf(models.ErrInvalidRequest, "messages[%d]: %v", i, err)
		}
		messages = append(messages, converted...)
	}

	unified := &models.UnifiedChatRequest{
		Model:       strings.TrimSpace(req.Model),
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		unified.MaxTokens = &maxTokens
	}
	for _, tool := range req.Tools {
		unified.Tools = append(unified.Tools, models.UnifiedTool{
			Type: "function",
			Function: models.UnifiedFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if req.ToolChoice != nil {
		unified.ToolChoice = toolChoiceToUnified(req.ToolChoice)
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		enabled := true
		unified.Reasoning = &models.ReasoningConfig{Enabled: &enabled}
		if req.Thinking.BudgetTokens > 0 {
			budget := req.Thinking.BudgetTokens
			unified.Reasoning.MaxTokens = &budget
		}
	}

	if err := unified.Validate(); err != nil {
		return nil, err
	}
	return unified, nil
}

// TransformRequestIn establishes the upstream location and marshals the
// unified request into the native payload unless a body is already present.
func (t *Transformer) TransformRequestIn(_ *transformer.Context, env *transformer.Envelope, _ *models.Provider) (*transformer.Envelope, error) {
	env.Method = http.MethodPost
	env.Path = upstreamPath
	env.Header.Set("Content-Type", "application/json")
	env.Header.Set("anthropic-version", apiVersion)

	if env.Body != nil {
		return env, nil
	}

	native := messageRequest{
		Model:         env.Unified.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   env.Unified.Temperature,
		TopP:          env.Unified.TopP,
		StopSequences: env.Unified.Stop,
		Stream:        env.Unified.Stream,
	}
	if env.Unified.MaxTokens != nil {
		native.MaxTokens = *env.Unified.MaxTokens
	}

	var systemBlocks []wireBlock
	for _, msg := range env.Unified.Messages {
		switch msg.Role {
		case models.RoleSystem:
			systemBlocks = append(systemBlocks, wireBlock{
				Type:         "text",
				Text:         msg.Content.PlainText(),
				CacheControl: msg.CacheControl,
			})
		case models.RoleTool:
			content, err := transformer.MarshalBody([]wireBlock{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   json.RawMessage(mustJSONString(msg.Content.PlainText())),
			}})
			if err != nil {
				return nil, err
			}
			native.Messages = append(native.Messages, wireMessage{Role: models.RoleUser, Content: content})
		default:
			blocks := blocksFromUnified(msg)
			if len(blocks) == 0 {
				blocks = []wireBlock{{Type: "text", Text: ""}}
			}
			content, err := transformer.MarshalBody(blocks)
			if err != nil {
				return nil, err
			}
			native.Messages = append(native.Messages, wireMessage{Role: msg.Role, Content: content})
		}
	}
	if len(systemBlocks) > 0 {
		system, err := transformer.MarshalBody(systemBlocks)
		if err != nil {
			return nil, err
		}
		native.System = system
	}

	for _, tool := range env.Unified.Tools {
		native.Tools = append(native.Tools, wireTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	native.ToolChoice = toolChoiceFromUnified(env.Unified.ToolChoice)
	if rc := env.Unified.Reasoning; rc != nil && (rc.Enabled == nil || *rc.Enabled) && (rc.MaxTokens != nil || rc.Enabled != nil) {
		native.Thinking = &wireThinkingCfg{Type: "enabled"}
		if rc.MaxTokens != nil {
			native.Thinking.BudgetTokens = *rc.MaxTokens
		}
	}

	body, err := transformer.MarshalBody(native)
	if err != nil {
		return nil, err
	}
	env.Body = body
	return env, nil
}

// TransformResponseOut normalizes a native response body or stream event.
func (t *Transformer) TransformResponseOut(tc *transformer.Context, resp *transformer.Response, _ *models.Provider) (*transformer.Response, error) {
	if resp.Done || resp.Unified != nil || resp.Chunk != nil {
		return resp, nil
	}

	if resp.Stream {
		return t.eventToChunk(tc, resp)
	}

	var native messageResponse
	if err := json.Unmarshal(resp.Native, &native); err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "decode messages response: %v", err)
	}

	unified := &models.UnifiedChatResponse{
		ID:    native.ID,
		Model: native.Model,
		Usage: models.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		},
	}
	if native.StopReason != nil {
		unified.FinishReason = stopReasonToUnified(*native.StopReason)
	}

	var text strings.Builder
	for _, block := range native.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			index := len(unified.ToolCalls)
			unified.ToolCalls = append(unified.ToolCalls, models.UnifiedToolCall{
				ID:    block.ID,
				Type:  "function",
				Index: &index,
				Function: models.UnifiedFunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		case "thinking":
			unified.Thinking = &models.ThinkingBlock{Content: block.Thinking, Signature: block.Signature}
		}
	}
	if text.Len() > 0 {
		content := text.String()
		unified.Content = &content
	}

	resp.Unified = unified
	resp.Native = nil
	return resp, nil
}

// TransformResponseIn renders the unified response in the caller's messages
// convention; streaming chunks are re-framed as Anthropic events.
func (t *Transformer) TransformResponseIn(tc *transformer.Context, resp *transformer.Response) (*transformer.Response, error) {
	if resp.Stream {
		return t.encodeStream(tc, resp)
	}
	if resp.Unified == nil {
		return resp, nil
	}

	native := messageResponse{
		ID:    resp.Unified.ID,
		Type:  "message",
		Role:  models.RoleAssistant,
		Model: resp.Unified.Model,
		Usage: wireUsage{
			InputTokens:  resp.Unified.Usage.PromptTokens,
			OutputTokens: resp.Unified.Usage.CompletionTokens,
		},
	}
	if native.ID == "" {
		native.ID = "msg_" + uuid.NewString()
	}
	if resp.Unified.FinishReason != "" {
		reason := stopReasonFromUnified(resp.Unified.FinishReason)
		native.StopReason = &reason
	}
	if resp.Unified.Thinking != nil {
		native.Content = append(native.Content, wireBlock{
			Type:      "thinking",
			Thinking:  resp.Unified.Thinking.Content,
			Signature: resp.Unified.Thinking.Signature,
		})
	}
	if resp.Unified.Content != nil {
		native.Content = append(native.Content, wireBlock{Type: "text", Text: *resp.Unified.Content})
	}
	for _, call := range resp.Unified.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		native.Content = append(native.Content, wireBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	if native.Content == nil {
		native.Content = []wireBlock{}
	}

	body, err := transformer.MarshalBody(native)
	if err != nil {
		return nil, err
	}
	resp.Native = body
	return resp, nil
}

// Auth injects the provider credential in Anthropic's header convention.
func (t *Transformer) Auth(_ *transformer.Context, env *transformer.Envelope, provider *models.Provider) (*transformer.Envelope, error) {
	if provider.APIKey == "" {
		return nil, models.NewErrorf(models.ErrAuth, "provider %q has no credential configured", provider.Name)
	}
	env.Header.Set("x-api-key", provider.APIKey)
	env.Header.Del("Authorization")
	return env, nil
}

func toolChoiceToUnified(choice *wireToolChoice) any {
	switch choice.Type {
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		}
	default:
		return "auto"
	}
}

func toolChoiceFromUnified(choice any) *wireToolChoice {
	switch v := choice.(type) {
	case string:
		switch v {
		case "required":
			return &wireToolChoice{Type: "any"}
		case "auto":
			return &wireToolChoice{Type: "auto"}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &wireToolChoice{Type: "tool", Name: name}
			}
		}
	}
	return nil
}

func mustJSONString(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%q", s)
	}
	return string(data)
}

func nowUnix() int64 {
	return time.Now().Unix()
}
