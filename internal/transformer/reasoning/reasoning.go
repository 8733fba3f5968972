// Package reasoning implements a chain-only unit that shapes extended
// thinking. On the way out it can force or strip the reasoning config; on the
// way back it coalesces thinking deltas into larger chunks, or drops thinking
// content entirely when the caller should not see it.
package reasoning

import (
	"strings"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const (
	name     = "reasoning"
	stateKey = "reasoning.buffer"

	defaultCoalesce = 256
)

// Transformer adjusts reasoning configuration and thinking output.
type Transformer struct {
	transformer.Base
	suppress bool
	effort   string
	coalesce int
}

// New constructs the unit from its chain options. All options are optional:
// suppress (bool) removes thinking from responses, effort (string) pins the
// request effort level, coalesce (int) sets the minimum thinking delta size
// emitted downstream.
func New(options map[string]any) (transformer.Transformer, error) {
	t := &Transformer{
		Base: transformer.NewBase(name, "",
			transformer.CapRequestIn|transformer.CapResponseOut),
		coalesce: defaultCoalesce,
	}
	if v, ok := options["suppress"].(bool); ok {
		t.suppress = v
	}
	if v, ok := options["effort"].(string); ok {
		switch v {
		case "low", "medium", "high":
			t.effort = v
		default:
			return nil, models.NewErrorf(models.ErrInvalidRequest, "%s: effort must be low, medium or high, got %q", name, v)
		}
	}
	if v, ok := options["coalesce"]; ok {
		switch n := v.(type) {
		case int:
			t.coalesce = n
		case float64:
			t.coalesce = int(n)
		default:
			return nil, models.NewErrorf(models.ErrInvalidRequest, "%s: coalesce must be an integer", name)
		}
		if t.coalesce < 1 {
			return nil, models.NewErrorf(models.ErrInvalidRequest, "%s: coalesce must be positive", name)
		}
	}
	return t, nil
}

// TransformRequestIn applies the configured effort, or strips the reasoning
// request entirely when thinking is suppressed.
func (t *Transformer) TransformRequestIn(_ *transformer.Context, env *transformer.Envelope, _ *models.Provider) (*transformer.Envelope, error) {
	if env.Unified == nil {
		return env, nil
	}
	if t.suppress {
		env.Unified.Reasoning = nil
		return env, nil
	}
	if t.effort != "" {
		if env.Unified.Reasoning == nil {
			env.Unified.Reasoning = &models.ReasoningConfig{}
		}
		env.Unified.Reasoning.Effort = t.effort
	}
	return env, nil
}

// TransformResponseOut rewrites thinking output. Whole responses have their
// thinking block removed under suppression; stream chunks are either dropped
// (suppression) or buffered until the coalescing threshold is reached.
// Returning nil for a chunk suppresses the event.
func (t *Transformer) TransformResponseOut(tc *transformer.Context, resp *transformer.Response, _ *models.Provider) (*transformer.Response, error) {
	if resp.Unified != nil {
		if t.suppress {
			resp.Unified.Thinking = nil
		}
		return resp, nil
	}
	if resp.Chunk == nil {
		return resp, nil
	}

	thinking := chunkThinking(resp.Chunk)
	if thinking == nil {
		// A content chunk ends the thinking phase: prepend any buffered
		// thinking so nothing is lost.
		if buf := t.takeBuffer(tc); buf != "" && !t.suppress {
			prependThinking(resp.Chunk, buf)
		}
		return resp, nil
	}

	if t.suppress {
		if stripThinking(resp.Chunk) {
			return nil, nil
		}
		return resp, nil
	}

	buf := t.buffer(tc)
	buf.WriteString(thinking.Content)
	if thinking.Signature == "" && buf.Len() < t.coalesce {
		if stripThinking(resp.Chunk) {
			return nil, nil
		}
		return resp, nil
	}

	thinking.Content = buf.String()
	buf.Reset()
	return resp, nil
}

func (t *Transformer) buffer(tc *transformer.Context) *strings.Builder {
	if v, ok := tc.Get(stateKey); ok {
		if buf, ok := v.(*strings.Builder); ok {
			return buf
		}
	}
	buf := &strings.Builder{}
	tc.Set(stateKey, buf)
	return buf
}

func (t *Transformer) takeBuffer(tc *transformer.Context) string {
	buf := t.buffer(tc)
	s := buf.String()
	buf.Reset()
	return s
}

// chunkThinking returns the thinking delta of a chunk, or nil when the chunk
// carries anything besides thinking.
func chunkThinking(chunk *models.StreamChunk) *models.ThinkingBlock {
	for i := range chunk.Choices {
		choice := &chunk.Choices[i]
		if choice.Delta.Thinking == nil {
			return nil
		}
		if choice.Delta.Content != "" || len(choice.Delta.ToolCalls) > 0 || choice.FinishReason != nil {
			return nil
		}
		return choice.Delta.Thinking
	}
	return nil
}

// stripThinking removes thinking deltas and reports whether the chunk became
// empty as a result.
func stripThinking(chunk *models.StreamChunk) bool {
	empty := true
	for i := range chunk.Choices {
		chunk.Choices[i].Delta.Thinking = nil
		if !chunk.Choices[i].Delta.Empty() || chunk.Choices[i].FinishReason != nil {
			empty = false
		}
	}
	return empty && chunk.Usage == nil
}

func prependThinking(chunk *models.StreamChunk, content string) {
	if len(chunk.Choices) == 0 {
		chunk.Choices = []models.ChunkChoice{{}}
	}
	choice := &chunk.Choices[0]
	if choice.Delta.Thinking == nil {
		choice.Delta.Thinking = &models.ThinkingBlock{}
	}
	choice.Delta.Thinking.Content = content + choice.Delta.Thinking.Content
}
