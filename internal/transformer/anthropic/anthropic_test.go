package anthropic

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

func TestRequestOutParsesNativeBody(t *testing.T) {
	unit := newUnit(t)

	body := []byte(`{
		"model": "claude-3",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [{"role": "user", "content": "hello"}],
		"stream": true,
		"thinking": {"type": "enabled", "budget_tokens": 2048}
	}`)

	unified, err := unit.TransformRequestOut(nil, body)
	require.NoError(t, err)

	assert.Equal(t, "claude-3", unified.Model)
	assert.True(t, unified.Stream)
	require.NotNil(t, unified.MaxTokens)
	assert.Equal(t, 1024, *unified.MaxTokens)

	require.Len(t, unified.Messages, 2)
	assert.Equal(t, models.RoleSystem, unified.Messages[0].Role)
	assert.Equal(t, "be brief", unified.Messages[0].Content.PlainText())
	assert.Equal(t, models.RoleUser, unified.Messages[1].Role)

	require.NotNil(t, unified.Reasoning)
	require.NotNil(t, unified.Reasoning.MaxTokens)
	assert.Equal(t, 2048, *unified.Reasoning.MaxTokens)
}

func TestRequestOutToolResultBecomesToolMessage(t *testing.T) {
	unit := newUnit(t)

	body := []byte(`{
		"model": "claude-3",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "42"}
			]}
		]
	}`)

	unified, err := unit.TransformRequestOut(nil, body)
	require.NoError(t, err)
	require.Len(t, unified.Messages, 1)
	assert.Equal(t, models.RoleTool, unified.Messages[0].Role)
	assert.Equal(t, "toolu_1", unified.Messages[0].ToolCallID)
	assert.Equal(t, "42", unified.Messages[0].Content.PlainText())
}

func TestRequestInAppliesDefaultsAndConversion(t *testing.T) {
	unit := newUnit(t)

	env := &transformer.Envelope{
		Unified: &models.UnifiedChatRequest{
			Model: "claude-3",
			Messages: []models.UnifiedMessage{
				{Role: models.RoleSystem, Content: models.TextContent("be brief")},
				{Role: models.RoleUser, Content: models.TextContent("hi")},
				{Role: models.RoleTool, ToolCallID: "toolu_1", Content: models.TextContent("42")},
			},
		},
		Header: make(http.Header),
	}

	env, err := unit.TransformRequestIn(nil, env, &models.Provider{Name: "ant"})
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", env.Path)
	assert.Equal(t, apiVersion, env.Header.Get("anthropic-version"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(env.Body, &sent))
	assert.Equal(t, "claude-3", sent["model"])
	assert.Equal(t, float64(defaultMaxTokens), sent["max_tokens"])

	// The system turn moved into the dedicated field; the tool turn became a
	// user message carrying a tool_result block.
	system, ok := sent["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)

	messages, ok := sent["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	last := messages[1].(map[string]any)
	assert.Equal(t, "user", last["role"])
	blocks := last["content"].([]any)
	block := blocks[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])
}

func TestResponseOutSumsUsageAndMapsStopReason(t *testing.T) {
	unit := newUnit(t)

	resp := &transformer.Response{Native: []byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-3",
		"content": [
			{"type": "thinking", "thinking": "hmm", "signature": "sig"},
			{"type": "text", "text": "hello"},
			{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": 1}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 7, "output_tokens": 3}
	}`)}

	out, err := unit.TransformResponseOut(nil, resp, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Unified)

	assert.Equal(t, "msg_1", out.Unified.ID)
	assert.Equal(t, "tool_calls", out.Unified.FinishReason)
	assert.Equal(t, 7, out.Unified.Usage.PromptTokens)
	assert.Equal(t, 3, out.Unified.Usage.CompletionTokens)
	assert.Equal(t, 10, out.Unified.Usage.TotalTokens)

	require.NotNil(t, out.Unified.Content)
	assert.Equal(t, "hello", *out.Unified.Content)
	require.NotNil(t, out.Unified.Thinking)
	assert.Equal(t, "hmm", out.Unified.Thinking.Content)
	require.Len(t, out.Unified.ToolCalls, 1)
	assert.JSONEq(t, `{"q":1}`, out.Unified.ToolCalls[0].Function.Arguments)
}

func TestResponseInRendersMessageShape(t *testing.T) {
	unit := newUnit(t)

	content := "hi there"
	resp := &transformer.Response{Unified: &models.UnifiedChatResponse{
		ID:           "msg_2",
		Model:        "claude-3",
		Content:      &content,
		FinishReason: "stop",
		Usage:        models.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
	}}

	out, err := unit.TransformResponseIn(transformer.NewContext(nil, nil), resp)
	require.NoError(t, err)

	var native map[string]any
	require.NoError(t, json.Unmarshal(out.Native, &native))
	assert.Equal(t, "msg_2", native["id"])
	assert.Equal(t, "message", native["type"])
	assert.Equal(t, "end_turn", native["stop_reason"])

	usage := native["usage"].(map[string]any)
	assert.Equal(t, float64(4), usage["input_tokens"])
	assert.Equal(t, float64(6), usage["output_tokens"])
}

func decodeEvent(t *testing.T, unit *Transformer, tc *transformer.Context, payload string) *transformer.Response {
	t.Helper()
	out, err := unit.TransformResponseOut(tc, &transformer.Response{
		Native: []byte(payload),
		Stream: true,
	}, nil)
	require.NoError(t, err)
	return out
}

func TestStreamDecodeSequence(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)

	out := decodeEvent(t, unit, tc, `{"type":"message_start","message":{"id":"msg_3","model":"claude-3","usage":{"input_tokens":9}}}`)
	require.NotNil(t, out.Chunk)
	assert.Equal(t, "msg_3", out.Chunk.ID)
	assert.Equal(t, models.RoleAssistant, out.Chunk.Choices[0].Delta.Role)
	require.NotNil(t, out.Chunk.Usage)
	assert.Equal(t, 9, out.Chunk.Usage.PromptTokens)

	// Framing events carry no delta and are suppressed.
	suppressed, err := unit.TransformResponseOut(tc, &transformer.Response{Native: []byte(`{"type":"ping"}`), Stream: true}, nil)
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	out = decodeEvent(t, unit, tc, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`)
	require.NotNil(t, out.Chunk)
	assert.Equal(t, "msg_3", out.Chunk.ID)
	assert.Equal(t, "hel", out.Chunk.Choices[0].Delta.Content)

	out = decodeEvent(t, unit, tc, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"lookup"}}`)
	require.NotNil(t, out.Chunk)
	calls := out.Chunk.Choices[0].Delta.ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_9", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].Function.Name)

	out = decodeEvent(t, unit, tc, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`)
	require.NotNil(t, out.Chunk)
	assert.Equal(t, `{"q":`, out.Chunk.Choices[0].Delta.ToolCalls[0].Function.Arguments)

	out = decodeEvent(t, unit, tc, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`)
	require.NotNil(t, out.Chunk)
	require.NotNil(t, out.Chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *out.Chunk.Choices[0].FinishReason)
	assert.Equal(t, 12, out.Chunk.Usage.CompletionTokens)
}

func eventNames(events []transformer.OutEvent) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Name)
	}
	return names
}

func TestStreamEncodeSequence(t *testing.T) {
	unit := newUnit(t)
	tc := transformer.NewContext(nil, nil)

	first, err := unit.TransformResponseIn(tc, &transformer.Response{
		Stream: true,
		Chunk: &models.StreamChunk{
			ID:      "msg_4",
			Model:   "claude-3",
			Usage:   &models.Usage{PromptTokens: 5},
			Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Role: models.RoleAssistant}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"message_start"}, eventNames(first.Events))

	second, err := unit.TransformResponseIn(tc, &transformer.Response{
		Stream: true,
		Chunk: &models.StreamChunk{
			Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: "hello"}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"content_block_start", "content_block_delta"}, eventNames(second.Events))

	reason := "stop"
	third, err := unit.TransformResponseIn(tc, &transformer.Response{
		Stream: true,
		Chunk: &models.StreamChunk{
			Usage:   &models.Usage{CompletionTokens: 8},
			Choices: []models.ChunkChoice{{FinishReason: &reason}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"content_block_stop", "message_delta"}, eventNames(third.Events))
	assert.Contains(t, string(third.Events[1].Data), `"end_turn"`)

	done, err := unit.TransformResponseIn(tc, &transformer.Response{Stream: true, Done: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"message_stop"}, eventNames(done.Events))

	// The terminal event is emitted exactly once.
	again, err := unit.TransformResponseIn(tc, &transformer.Response{Stream: true, Done: true})
	require.NoError(t, err)
	assert.Empty(t, again.Events)
}

func TestAuthUsesAPIKeyHeader(t *testing.T) {
	unit := newUnit(t)

	env := &transformer.Envelope{Header: make(http.Header)}
	env.Header.Set("Authorization", "Bearer inbound")

	env, err := unit.Auth(nil, env, &models.Provider{Name: "ant", APIKey: "sk-ant"})
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", env.Header.Get("x-api-key"))
	assert.Empty(t, env.Header.Get("Authorization"))
}
