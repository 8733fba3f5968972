// Package toolenhance implements a chain-only unit that recovers tool calls
// from models that answer a tool request with plain text. Some providers
// ignore the tools field and print the invocation as a JSON snippet; this
// unit parses that snippet back into a structured tool call. Applies to
// whole responses only, stream chunks pass through untouched.
package toolenhance

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const name = "toolenhance"

type textCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Input     json.RawMessage `json:"input"`
}

// Transformer extracts tool calls embedded in response text.
type Transformer struct {
	transformer.Base
}

// New constructs the unit.
func New(_ map[string]any) (transformer.Transformer, error) {
	return &Transformer{
		Base: transformer.NewBase(name, "", transformer.CapResponseOut),
	}, nil
}

// TransformResponseOut scans the response text for a JSON tool invocation.
// When one is found it replaces the text content and the finish reason
// flips to tool_calls.
func (t *Transformer) TransformResponseOut(_ *transformer.Context, resp *transformer.Response, _ *models.Provider) (*transformer.Response, error) {
	unified := resp.Unified
	if unified == nil || len(unified.ToolCalls) > 0 || unified.Content == nil {
		return resp, nil
	}

	call, rest, ok := extractCall(*unified.Content)
	if !ok {
		return resp, nil
	}

	index := 0
	unified.ToolCalls = []models.UnifiedToolCall{{
		ID:    "call_" + uuid.NewString(),
		Type:  "function",
		Index: &index,
		Function: models.UnifiedFunctionCall{
			Name:      call.Name,
			Arguments: callArguments(call),
		},
	}}
	unified.FinishReason = "tool_calls"
	if rest == "" {
		unified.Content = nil
	} else {
		unified.Content = &rest
	}
	return resp, nil
}

// extractCall finds a fenced or bare JSON object carrying a function name and
// arguments. Returns the surrounding text with the snippet removed.
func extractCall(text string) (textCall, string, bool) {
	candidate, before, after, found := fencedJSON(text)
	if !found {
		trimmed := strings.TrimSpace(text)
		if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
			return textCall{}, "", false
		}
		candidate, before, after = trimmed, "", ""
	}

	var call textCall
	if err := json.Unmarshal([]byte(candidate), &call); err != nil || call.Name == "" {
		return textCall{}, "", false
	}
	if len(call.Arguments) == 0 && len(call.Input) == 0 {
		return textCall{}, "", false
	}
	return call, strings.TrimSpace(before + after), true
}

// fencedJSON pulls the first ```json fenced block out of the text.
func fencedJSON(text string) (body, before, after string, found bool) {
	start := strings.Index(text, "```json")
	if start < 0 {
		return "", "", "", false
	}
	rest := text[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", "", "", false
	}
	return strings.TrimSpace(rest[:end]), text[:start], rest[end+len("```"):], true
}

func callArguments(call textCall) string {
	raw := call.Arguments
	if len(raw) == 0 {
		raw = call.Input
	}
	// Arguments may arrive double-encoded as a JSON string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
