package gemini

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

func newUnit(t *testing.T) *Transformer {
	t.Helper()
	unit, err := New(nil)
	require.NoError(t, err)
	return unit.(*Transformer)
}

func TestSplitModelAction(t *testing.T) {
	model, action, stream, err := SplitModelAction("gemini-1.5-pro:generateContent")
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", model)
	assert.Equal(t, "generateContent", action)
	assert.False(t, stream)

	model, _, stream, err = SplitModelAction("gemini-1.5-pro:streamGenerateContent")
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", model)
	assert.True(t, stream)

	_, _, _, err = SplitModelAction("no-action")
	assert.True(t, models.IsCode(err, models.ErrInvalidRequest))

	_, _, _, err = SplitModelAction("gemini:badAction")
	assert.True(t, models.IsCode(err, models.ErrInvalidRequest))
}

func TestRequestOutParsesNativeBody(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "be brief"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hello"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "lookup", "args": {"q": 1}}}]}
		],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 256, "stopSequences": ["END"]},
		"tools": [{"functionDeclarations": [{"name": "lookup", "parameters": {"type": "object"}}]}]
	}`)

	unified, err := unit.TransformRequestOut(tc, body)
	require.NoError(t, err)

	assert.Equal(t, "gemini-1.5-pro", unified.Model)
	require.Len(t, unified.Messages, 3)
	assert.Equal(t, models.RoleSystem, unified.Messages[0].Role)
	assert.Equal(t, models.RoleUser, unified.Messages[1].Role)
	assert.Equal(t, models.RoleAssistant, unified.Messages[2].Role)
	require.Len(t, unified.Messages[2].ToolCalls, 1)
	assert.Equal(t, "lookup", unified.Messages[2].ToolCalls[0].Function.Name)

	require.NotNil(t, unified.MaxTokens)
	assert.Equal(t, 256, *unified.MaxTokens)
	assert.Equal(t, []string{"END"}, unified.Stop)
	require.Len(t, unified.Tools, 1)
}

func TestRequestOutFallsBackToUnifiedBody(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	unified, err := unit.TransformRequestOut(tc, []byte(`{"model":"gemini-1.5-pro","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", unified.Model)
}

func TestRequestInBuildsModelActionPath(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	env := &transformer.Envelope{
		Unified: &models.UnifiedChatRequest{
			Model: "gemini-1.5-pro",
			Messages: []models.UnifiedMessage{
				{Role: models.RoleSystem, Content: models.TextContent("be brief")},
				{Role: models.RoleUser, Content: models.TextContent("hi")},
			},
		},
		Header: make(http.Header),
	}

	env, err := unit.TransformRequestIn(tc, env, &models.Provider{Name: "goog"})
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-1.5-pro:generateContent", env.Path)

	var sent generateContentRequest
	require.NoError(t, json.Unmarshal(env.Body, &sent))
	require.NotNil(t, sent.SystemInstruction)
	assert.Equal(t, "be brief", sent.SystemInstruction.Parts[0].Text)
	require.Len(t, sent.Contents, 1)
	assert.Equal(t, "user", sent.Contents[0].Role)
	// The body itself carries no model field; the path addresses the model.
	assert.NotContains(t, string(env.Body), `"model"`)
}

func TestRequestInStreamPathUsesSSE(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	env := &transformer.Envelope{
		Unified: &models.UnifiedChatRequest{
			Model:    "gemini-1.5-pro",
			Messages: []models.UnifiedMessage{{Role: models.RoleUser, Content: models.TextContent("hi")}},
			Stream:   true,
		},
		Header: make(http.Header),
		Stream: true,
	}

	env, err := unit.TransformRequestIn(tc, env, &models.Provider{Name: "goog"})
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-1.5-pro:streamGenerateContent?alt=sse", env.Path)
}

func TestRequestInScrubsToolSchemas(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	env := &transformer.Envelope{
		Unified: &models.UnifiedChatRequest{
			Model:    "gemini-1.5-pro",
			Messages: []models.UnifiedMessage{{Role: models.RoleUser, Content: models.TextContent("hi")}},
			Tools: []models.UnifiedTool{{
				Type: "function",
				Function: models.UnifiedFunction{
					Name: "lookup",
					Parameters: map[string]any{
						"$schema":              "http://json-schema.org/draft-07/schema#",
						"type":                 "object",
						"additionalProperties": false,
						"properties": map[string]any{
							"q": map[string]any{"type": "string", "strict": true},
						},
					},
				},
			}},
			ToolChoice: "required",
		},
		Header: make(http.Header),
	}

	env, err := unit.TransformRequestIn(tc, env, &models.Provider{Name: "goog"})
	require.NoError(t, err)

	body := string(env.Body)
	assert.NotContains(t, body, "$schema")
	assert.NotContains(t, body, "additionalProperties")
	assert.NotContains(t, body, "strict")
	assert.Contains(t, body, `"mode":"ANY"`)
}

func TestResponseOutNormalizesBodyAndUsage(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	resp := &transformer.Response{Native: []byte(`{
		"responseId": "resp-1",
		"modelVersion": "gemini-1.5-pro-002",
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "hello"}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 11, "candidatesTokenCount": 4, "totalTokenCount": 15}
	}`)}

	out, err := unit.TransformResponseOut(tc, resp, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Unified)

	assert.Equal(t, "resp-1", out.Unified.ID)
	assert.Equal(t, "gemini-1.5-pro-002", out.Unified.Model)
	require.NotNil(t, out.Unified.Content)
	assert.Equal(t, "hello", *out.Unified.Content)
	assert.Equal(t, "stop", out.Unified.FinishReason)

	// Usage total always equals prompt plus completion.
	assert.Equal(t, 11, out.Unified.Usage.PromptTokens)
	assert.Equal(t, 4, out.Unified.Usage.CompletionTokens)
	assert.Equal(t, out.Unified.Usage.PromptTokens+out.Unified.Usage.CompletionTokens, out.Unified.Usage.TotalTokens)
}

func TestResponseOutFunctionCallBecomesToolCall(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	resp := &transformer.Response{Native: []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"functionCall": {"name": "lookup", "args": {"q": "x"}}}]},
			"finishReason": "STOP"
		}]
	}`)}

	out, err := unit.TransformResponseOut(tc, resp, nil)
	require.NoError(t, err)
	require.Len(t, out.Unified.ToolCalls, 1)
	assert.Equal(t, "lookup", out.Unified.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"x"}`, out.Unified.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool_calls", out.Unified.FinishReason)
}

func TestStreamConcatenationMatchesContent(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)
	tc.Model = "gemini-1.5-pro"

	pieces := []string{"hel", "lo ", "world"}
	var got strings.Builder
	for i, piece := range pieces {
		finish := ""
		if i == len(pieces)-1 {
			finish = `,"finishReason":"STOP"`
		}
		payload := `{"candidates":[{"content":{"role":"model","parts":[{"text":"` + piece + `"}]}` + finish + `}]}`
		out, err := unit.TransformResponseOut(tc, &transformer.Response{Native: []byte(payload), Stream: true}, nil)
		require.NoError(t, err)
		require.NotNil(t, out.Chunk)
		got.WriteString(out.Chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "hello world", got.String())
}

func TestResponseInRendersChunkAndIgnoresDone(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)

	reason := "stop"
	out, err := unit.TransformResponseIn(tc, &transformer.Response{
		Stream: true,
		Chunk: &models.StreamChunk{
			Model: "gemini-1.5-pro",
			Choices: []models.ChunkChoice{{
				Delta:        models.ChunkDelta{Content: "hi"},
				FinishReason: &reason,
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Contains(t, string(out.Events[0].Data), `"text":"hi"`)
	assert.Contains(t, string(out.Events[0].Data), `"finishReason":"STOP"`)

	// Gemini streams simply end; the done signal produces no event.
	done, err := unit.TransformResponseIn(tc, &transformer.Response{Stream: true, Done: true})
	require.NoError(t, err)
	assert.Empty(t, done.Events)
}

func TestAuthUsesGoogleHeader(t *testing.T) {
	unit := newUnit(t)

	env := &transformer.Envelope{Header: make(http.Header)}
	env.Header.Set("Authorization", "Bearer inbound")

	env, err := unit.Auth(nil, env, &models.Provider{Name: "goog", APIKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, "key-1", env.Header.Get("x-goog-api-key"))
	assert.Empty(t, env.Header.Get("Authorization"))
}
