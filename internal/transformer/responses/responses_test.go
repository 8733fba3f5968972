package responses

import (
	"encoding/json"
	"net/http"
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

func TestRequestOutStringInput(t *testing.T) {
	unit := newUnit(t)

	body := []byte(`{
		"model": "gpt-x",
		"input": "say hello",
		"instructions": "be brief",
		"max_output_tokens": 50
	}`)

	unified, err := unit.TransformRequestOut(nil, body)
	require.NoError(t, err)

	assert.Equal(t, "gpt-x", unified.Model)
	require.Len(t, unified.Messages, 2)
	assert.Equal(t, models.RoleSystem, unified.Messages[0].Role)
	assert.Equal(t, "be brief", unified.Messages[0].Content.PlainText())
	assert.Equal(t, models.RoleUser, unified.Messages[1].Role)
	assert.Equal(t, "say hello", unified.Messages[1].Content.PlainText())
	require.NotNil(t, unified.MaxTokens)
	assert.Equal(t, 50, *unified.MaxTokens)
}

func TestRequestOutItemListInput(t *testing.T) {
	unit := newUnit(t)

	body := []byte(`{
		"model": "gpt-x",
		"input": [
			{"role": "user", "content": [{"type": "text", "text": "part one"}]},
			{"role": "assistant", "content": "earlier answer"}
		],
		"tools": [{"type": "function", "name": "lookup", "parameters": {"type": "object"}}]
	}`)

	unified, err := unit.TransformRequestOut(nil, body)
	require.NoError(t, err)
	require.Len(t, unified.Messages, 2)
	assert.Equal(t, "part one", unified.Messages[0].Content.PlainText())
	assert.Equal(t, models.RoleAssistant, unified.Messages[1].Role)
	require.Len(t, unified.Tools, 1)
	assert.Equal(t, "lookup", unified.Tools[0].Function.Name)
}

func TestRequestInMarshalsResponsesShape(t *testing.T) {
	unit := newUnit(t)

	env := &transformer.Envelope{
		Unified: &models.UnifiedChatRequest{
			Model: "gpt-x",
			Messages: []models.UnifiedMessage{
				{Role: models.RoleSystem, Content: models.TextContent("be brief")},
				{Role: models.RoleUser, Content: models.TextContent("hello")},
			},
		},
		Header: make(http.Header),
	}

	env, err := unit.TransformRequestIn(nil, env, &models.Provider{Name: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "/responses", env.Path)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(env.Body, &sent))
	assert.Equal(t, "gpt-x", sent["model"])
	assert.Equal(t, "be brief", sent["instructions"])

	input, ok := sent["input"].([]any)
	require.True(t, ok)
	require.Len(t, input, 1)
}

func TestResponseOutCollectsOutputItems(t *testing.T) {
	unit := newUnit(t)

	resp := &transformer.Response{Native: []byte(`{
		"id": "resp_1",
		"object": "response",
		"status": "completed",
		"model": "gpt-x",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "hello"}]},
			{"type": "function_call", "call_id": "call_1", "name": "lookup", "arguments": "{\"q\":1}"}
		],
		"usage": {"input_tokens": 8, "output_tokens": 2, "total_tokens": 10}
	}`)}

	out, err := unit.TransformResponseOut(nil, resp, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Unified)

	assert.Equal(t, "resp_1", out.Unified.ID)
	require.NotNil(t, out.Unified.Content)
	assert.Equal(t, "hello", *out.Unified.Content)
	require.Len(t, out.Unified.ToolCalls, 1)
	assert.Equal(t, "call_1", out.Unified.ToolCalls[0].ID)
	assert.Equal(t, "tool_calls", out.Unified.FinishReason)
	assert.Equal(t, 10, out.Unified.Usage.TotalTokens)
}

func TestResponseRoundTrip(t *testing.T) {
	unit := newUnit(t)

	content := "round trip"
	rendered, err := unit.TransformResponseIn(transformer.NewContext(nil, nil), &transformer.Response{
		Unified: &models.UnifiedChatResponse{
			ID:           "resp_2",
			Model:        "gpt-x",
			Content:      &content,
			FinishReason: "stop",
			Usage:        models.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, rendered.Native)
	assert.Contains(t, string(rendered.Native), `"status":"completed"`)

	back, err := unit.TransformResponseOut(nil, &transformer.Response{Native: rendered.Native}, nil)
	require.NoError(t, err)
	assert.Equal(t, "resp_2", back.Unified.ID)
	assert.Equal(t, "round trip", *back.Unified.Content)
	assert.Equal(t, 3, back.Unified.Usage.TotalTokens)
}

func TestStreamEventsDecode(t *testing.T) {
	unit := newUnit(t)

	out, err := unit.TransformResponseOut(nil, &transformer.Response{
		Native: []byte(`{"type":"response.output_text.delta","delta":"hel"}`),
		Stream: true,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Chunk)
	assert.Equal(t, "hel", out.Chunk.Choices[0].Delta.Content)

	// Framing events without payload are suppressed.
	suppressed, err := unit.TransformResponseOut(nil, &transformer.Response{
		Native: []byte(`{"type":"response.created"}`),
		Stream: true,
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	final, err := unit.TransformResponseOut(nil, &transformer.Response{
		Native: []byte(`{"type":"response.completed","response":{"id":"resp_3","model":"gpt-x","usage":{"input_tokens":5,"output_tokens":7,"total_tokens":12}}}`),
		Stream: true,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, final.Chunk)
	require.NotNil(t, final.Chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *final.Chunk.Choices[0].FinishReason)
	assert.Equal(t, 12, final.Chunk.Usage.TotalTokens)
}

func TestStreamEncodeEmitsTypedEvents(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)

	out, err := unit.TransformResponseIn(tc, &transformer.Response{
		Stream: true,
		Chunk: &models.StreamChunk{
			ID:      "resp_4",
			Model:   "gpt-x",
			Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: "hi"}}},
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "response.output_text.delta", out.Events[0].Name)

	done, err := unit.TransformResponseIn(tc, &transformer.Response{Stream: true, Done: true})
	require.NoError(t, err)
	require.Len(t, done.Events, 1)
	assert.Equal(t, "response.completed", done.Events[0].Name)
	assert.Contains(t, string(done.Events[0].Data), `"resp_4"`)
}
