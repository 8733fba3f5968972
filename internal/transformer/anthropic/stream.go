package anthropic

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const (
	decodeStateKey = "anthropic.decode"
	encodeStateKey = "anthropic.encode"
)

// decodeState tracks the provider-side stream while native events are
// re-framed into unified chunks. Content block indices are mapped onto
// tool-call slots as tool_use blocks open.
type decodeState struct {
	id       string
	model    string
	toolSlot map[int]int
	tools    int
}

// eventToChunk converts one native stream event into a unified chunk.
// Framing-only events (ping, content_block_stop, message_stop) are
// suppressed; the stream's own termination is handled by the normalizer.
func (t *Transformer) eventToChunk(tc *transformer.Context, resp *transformer.Response) (*transformer.Response, error) {
	var event streamEvent
	if err := json.Unmarshal(resp.Native, &event); err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "decode stream event: %v", err)
	}

	var state *decodeState
	if v, ok := tc.Get(decodeStateKey); ok {
		state, _ = v.(*decodeState)
	}
	if state == nil {
		state = &decodeState{toolSlot: make(map[int]int)}
		tc.Set(decodeStateKey, state)
	}

	chunk := &models.StreamChunk{
		ID:      state.id,
		Model:   state.model,
		Created: nowUnix(),
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			state.id = event.Message.ID
			state.model = event.Message.Model
			chunk.ID = state.id
			chunk.Model = state.model
			chunk.Usage = &models.Usage{
				PromptTokens: event.Message.Usage.InputTokens,
				TotalTokens:  event.Message.Usage.InputTokens,
			}
		}
		chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{Role: models.RoleAssistant}}}

	case "content_block_start":
		if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		slot := state.tools
		state.tools++
		state.toolSlot[event.Index] = slot
		chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{
			ToolCalls: []models.UnifiedToolCall{{
				ID:       event.ContentBlock.ID,
				Type:     "function",
				Index:    &slot,
				Function: models.UnifiedFunctionCall{Name: event.ContentBlock.Name},
			}},
		}}}

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{Content: event.Delta.Text}}}
		case "thinking_delta":
			chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{
				Thinking: &models.ThinkingBlock{Content: event.Delta.Thinking},
			}}}
		case "signature_delta":
			chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{
				Thinking: &models.ThinkingBlock{Signature: event.Delta.Signature},
			}}}
		case "input_json_delta":
			slot, ok := state.toolSlot[event.Index]
			if !ok {
				return nil, nil
			}
			chunk.Choices = []models.ChunkChoice{{Delta: models.ChunkDelta{
				ToolCalls: []models.UnifiedToolCall{{
					Index:    &slot,
					Type:     "function",
					Function: models.UnifiedFunctionCall{Arguments: event.Delta.PartialJSON},
				}},
			}}}
		default:
			return nil, nil
		}

	case "message_delta":
		choice := models.ChunkChoice{}
		if event.Delta != nil && event.Delta.StopReason != nil {
			reason := stopReasonToUnified(*event.Delta.StopReason)
			choice.FinishReason = &reason
		}
		chunk.Choices = []models.ChunkChoice{choice}
		if event.Usage != nil {
			chunk.Usage = &models.Usage{
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      event.Usage.OutputTokens,
			}
		}

	case "error":
		return nil, models.NewErrorf(models.ErrProviderResponse, "upstream stream error: %s", string(resp.Native))

	default:
		// ping, content_block_stop, message_stop carry no delta.
		return nil, nil
	}

	resp.Chunk = chunk
	resp.Native = nil
	return resp, nil
}

// Open-block kinds on the encode side.
const (
	blockNone     = ""
	blockText     = "text"
	blockThinking = "thinking"
	blockTool     = "tool_use"
)

// encodeState tracks the caller-side event framing: which content block is
// open and whether the message envelope has been started or finished.
type encodeState struct {
	started    bool
	finished   bool
	blockIndex int
	openType   string
	inputTok   int
}

// encodeStream renders one unified chunk (or the end-of-stream signal) as
// the Anthropic event sequence the caller expects: message_start, content
// block framing, message_delta with the stop reason and a final
// message_stop, emitted exactly once.
func (t *Transformer) encodeStream(tc *transformer.Context, resp *transformer.Response) (*transformer.Response, error) {
	var state *encodeState
	if v, ok := tc.Get(encodeStateKey); ok {
		state, _ = v.(*encodeState)
	}
	if state == nil {
		state = &encodeState{openType: blockNone}
		tc.Set(encodeStateKey, state)
	}

	var events []transformer.OutEvent
	add := func(name string, payload any) error {
		data, err := transformer.MarshalBody(payload)
		if err != nil {
			return err
		}
		events = append(events, transformer.OutEvent{Name: name, Data: data})
		return nil
	}
	closeBlock := func() error {
		if state.openType == blockNone {
			return nil
		}
		err := add("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": state.blockIndex,
		})
		state.openType = blockNone
		state.blockIndex++
		return err
	}
	openBlock := func(kind string, block map[string]any) error {
		if state.openType == kind && kind != blockTool {
			return nil
		}
		if err := closeBlock(); err != nil {
			return err
		}
		state.openType = kind
		return add("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         state.blockIndex,
			"content_block": block,
		})
	}

	if resp.Done {
		if !state.finished {
			if err := closeBlock(); err != nil {
				return nil, err
			}
			if err := add("message_stop", map[string]any{"type": "message_stop"}); err != nil {
				return nil, err
			}
			state.finished = true
		}
		resp.Events = events
		return resp, nil
	}

	chunk := resp.Chunk
	if chunk == nil {
		return resp, nil
	}

	if !state.started {
		state.started = true
		id := chunk.ID
		if id == "" {
			id = "msg_" + uuid.NewString()
		}
		usage := wireUsage{}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			state.inputTok = chunk.Usage.PromptTokens
		}
		if err := add("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          models.RoleAssistant,
				"model":         chunk.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         usage,
			},
		}); err != nil {
			return nil, err
		}
	}

	for _, choice := range chunk.Choices {
		delta := choice.Delta

		if delta.Thinking != nil {
			if err := openBlock(blockThinking, map[string]any{"type": "thinking", "thinking": ""}); err != nil {
				return nil, err
			}
			payload := map[string]any{"type": "thinking_delta", "thinking": delta.Thinking.Content}
			if delta.Thinking.Signature != "" {
				payload = map[string]any{"type": "signature_delta", "signature": delta.Thinking.Signature}
			}
			if err := add("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": state.blockIndex,
				"delta": payload,
			}); err != nil {
				return nil, err
			}
		}

		if delta.Content != "" {
			if err := openBlock(blockText, map[string]any{"type": "text", "text": ""}); err != nil {
				return nil, err
			}
			if err := add("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": state.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": delta.Content},
			}); err != nil {
				return nil, err
			}
		}

		for _, call := range delta.ToolCalls {
			if call.Function.Name != "" {
				if err := openBlock(blockTool, map[string]any{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Function.Name,
					"input": map[string]any{},
				}); err != nil {
					return nil, err
				}
			}
			if call.Function.Arguments != "" {
				if err := add("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": state.blockIndex,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": call.Function.Arguments},
				}); err != nil {
					return nil, err
				}
			}
		}

		if choice.FinishReason != nil {
			if err := closeBlock(); err != nil {
				return nil, err
			}
			usage := map[string]any{"output_tokens": 0}
			if chunk.Usage != nil {
				usage["output_tokens"] = chunk.Usage.CompletionTokens
			}
			if err := add("message_delta", map[string]any{
				"type": "message_delta",
				"delta": map[string]any{
					"stop_reason":   stopReasonFromUnified(*choice.FinishReason),
					"stop_sequence": nil,
				},
				"usage": usage,
			}); err != nil {
				return nil, err
			}
		}
	}

	resp.Events = events
	return resp, nil
}
