// Package gemini implements the Gemini generateContent transformer, mounted
// on the model+action path used by Google's API. The target model and action
// live in the URL rather than the body, so the unit builds its upstream path
// from the resolved model and the stream flag.
package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const (
	name     = "gemini"
	endpoint = "/v1beta/models/:modelAction"

	actionGenerate = "generateContent"
	actionStream   = "streamGenerateContent"
)

// Transformer converts between the Gemini wire format and the unified model.
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

// TransformRequestOut parses a native generateContent body. A unified-format
// body posted to the Gemini endpoint is recognized by its messages field and
// decoded as-is.
func (t *Transformer) TransformRequestOut(tc *transformer.Context, body []byte) (*models.UnifiedChatRequest, error) {
	if !bytes.Contains(body, []byte(`"contents"`)) {
		return t.Base.TransformRequestOut(tc, body)
	}

	var req generateContentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "decode generateContent request: %v", err)
	}

	unified := &models.UnifiedChatRequest{Model: tc.Model}
	if req.SystemInstruction != nil {
		if text := partsText(req.SystemInstruction.Parts); text != "" {
			unified.Messages = append(unified.Messages, models.UnifiedMessage{
				Role:    models.RoleSystem,
				Content: models.TextContent(text),
			})
		}
	}
	for _, content := range req.Contents {
		unified.Messages = append(unified.Messages, contentToUnified(content))
	}
	if gc := req.GenerationConfig; gc != nil {
		unified.Temperature = gc.Temperature
		unified.TopP = gc.TopP
		unified.Stop = gc.StopSequences
		if gc.MaxOutputTokens > 0 {
			maxTokens := gc.MaxOutputTokens
			unified.MaxTokens = &maxTokens
		}
		if tcfg := gc.ThinkingConfig; tcfg != nil && tcfg.ThinkingBudget > 0 {
			budget := tcfg.ThinkingBudget
			unified.Reasoning = &models.ReasoningConfig{MaxTokens: &budget}
		}
	}
	for _, tool := range req.Tools {
		for _, decl := range tool.FunctionDeclarations {
			unified.Tools = append(unified.Tools, models.UnifiedTool{
				Type: "function",
				Function: models.UnifiedFunction{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  decl.Parameters,
				},
			})
		}
	}

	if err := unified.Validate(); err != nil {
		return nil, err
	}
	return unified, nil
}

// TransformRequestIn builds the model+action upstream path and marshals the
// body unless the bypass fast path already supplied one.
func (t *Transformer) TransformRequestIn(tc *transformer.Context, env *transformer.Envelope, _ *models.Provider) (*transformer.Envelope, error) {
	action := actionGenerate
	suffix := ""
	if env.Stream {
		action = actionStream
		suffix = "?alt=sse"
	}
	env.Method = http.MethodPost
	env.Path = fmt.Sprintf("/v1beta/models/%s:%s%s", tc.Model, action, suffix)
	env.Header.Set("Content-Type", "application/json")

	if env.Body != nil {
		return env, nil
	}

	native := generateContentRequest{}
	var systemTexts []string
	for _, msg := range env.Unified.Messages {
		if msg.Role == models.RoleSystem {
			systemTexts = append(systemTexts, msg.Content.PlainText())
			continue
		}
		native.Contents = append(native.Contents, contentFromUnified(msg))
	}
	if len(systemTexts) > 0 {
		native.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(systemTexts, "\n")}},
		}
	}

	gc := &generationConfig{
		Temperature:   env.Unified.Temperature,
		TopP:          env.Unified.TopP,
		StopSequences: env.Unified.Stop,
	}
	if env.Unified.MaxTokens != nil {
		gc.MaxOutputTokens = *env.Unified.MaxTokens
	}
	if rc := env.Unified.Reasoning; rc != nil && rc.MaxTokens != nil {
		gc.ThinkingConfig = &thinkingConfig{ThinkingBudget: *rc.MaxTokens, IncludeThoughts: true}
	}
	native.GenerationConfig = gc

	if len(env.Unified.Tools) > 0 {
		tool := geminiTool{}
		for _, unified := range env.Unified.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, functionDeclaration{
				Name:        unified.Function.Name,
				Description: unified.Function.Description,
				Parameters:  scrubSchema(unified.Function.Parameters),
			})
		}
		native.Tools = []geminiTool{tool}
	}
	if mode := callingMode(env.Unified.ToolChoice); mode != "" {
		native.ToolConfig = &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: mode}}
	}

	body, err := transformer.MarshalBody(native)
	if err != nil {
		return nil, err
	}
	env.Body = body
	return env, nil
}

// TransformResponseOut normalizes a native response body or stream event.
// Gemini streams repeat the full response shape per event, so both paths
// share one decoder.
func (t *Transformer) TransformResponseOut(tc *transformer.Context, resp *transformer.Response, _ *models.Provider) (*transformer.Response, error) {
	if resp.Done || resp.Unified != nil || resp.Chunk != nil {
		return resp, nil
	}

	var native generateContentResponse
	if err := json.Unmarshal(resp.Native, &native); err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "decode generateContent response: %v", err)
	}

	if resp.Stream {
		resp.Chunk = chunkFromNative(tc, &native)
		resp.Native = nil
		return resp, nil
	}

	resp.Unified = responseToUnified(tc, &native)
	resp.Native = nil
	return resp, nil
}

// TransformResponseIn renders the unified response, or one chunk, in the
// Gemini convention. Gemini streams carry no explicit done marker, so the
// end-of-stream signal produces no event.
func (t *Transformer) TransformResponseIn(tc *transformer.Context, resp *transformer.Response) (*transformer.Response, error) {
	if resp.Done {
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
	body, err := transformer.MarshalBody(responseFromUnified(resp.Unified))
	if err != nil {
		return nil, err
	}
	resp.Native = body
	return resp, nil
}

// Auth injects the provider credential in Google's header convention.
func (t *Transformer) Auth(_ *transformer.Context, env *transformer.Envelope, provider *models.Provider) (*transformer.Envelope, error) {
	if provider.APIKey == "" {
		return nil, models.NewErrorf(models.ErrAuth, "provider %q has no credential configured", provider.Name)
	}
	env.Header.Set("x-goog-api-key", provider.APIKey)
	env.Header.Del("Authorization")
	return env, nil
}

// SplitModelAction parses the "model:action" path segment of the endpoint.
func SplitModelAction(segment string) (model, action string, stream bool, err error) {
	model, action, found := strings.Cut(segment, ":")
	if !found || model == "" || action == "" {
		return "", "", false, models.NewErrorf(models.ErrInvalidRequest, "path segment %q must be model:action", segment)
	}
	switch action {
	case actionGenerate:
		return model, action, false, nil
	case actionStream:
		return model, action, true, nil
	default:
		return "", "", false, models.NewErrorf(models.ErrInvalidRequest, "unsupported action %q", action)
	}
}
