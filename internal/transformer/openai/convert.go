package openai

import (
	"encoding/json"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/mcowger/llms/internal/models"
)

const sseDone = "[DONE]"

func messagesToUnified(in []goopenai.ChatCompletionMessage) []models.UnifiedMessage {
	out := make([]models.UnifiedMessage, 0, len(in))
	for _, msg := range in {
		unified := models.UnifiedMessage{
			Role:       msg.Role,
			ToolCalls:  toolCallsToUnified(msg.ToolCalls),
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.MultiContent) > 0 {
			parts := make([]models.ContentPart, 0, len(msg.MultiContent))
			for _, part := range msg.MultiContent {
				parts = append(parts, partToUnified(part))
			}
			unified.Content = models.PartsContent(parts...)
		} else {
			unified.Content = models.TextContent(msg.Content)
		}
		if msg.ReasoningContent != "" {
			unified.Thinking = &models.ThinkingBlock{Content: msg.ReasoningContent}
		}
		out = append(out, unified)
	}
	return out
}

func messagesFromUnified(in []models.UnifiedMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(in))
	for _, msg := range in {
		native := goopenai.ChatCompletionMessage{
			Role:       msg.Role,
			ToolCalls:  toolCallsFromUnified(msg.ToolCalls),
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.Content.Parts) > 0 {
			native.MultiContent = make([]goopenai.ChatMessagePart, 0, len(msg.Content.Parts))
			for _, part := range msg.Content.Parts {
				native.MultiContent = append(native.MultiContent, partFromUnified(part))
			}
		} else if msg.Content.Text != nil {
			native.Content = *msg.Content.Text
		}
		out = append(out, native)
	}
	return out
}

func partToUnified(part goopenai.ChatMessagePart) models.ContentPart {
	switch part.Type {
	case goopenai.ChatMessagePartTypeImageURL:
		unified := models.ContentPart{Type: models.ContentTypeImageURL}
		if part.ImageURL != nil {
			unified.ImageURL = &models.ImageURL{
				URL:    part.ImageURL.URL,
				Detail: string(part.ImageURL.Detail),
			}
		}
		return unified
	default:
		return models.ContentPart{Type: models.ContentTypeText, Text: part.Text}
	}
}

func partFromUnified(part models.ContentPart) goopenai.ChatMessagePart {
	switch part.Type {
	case models.ContentTypeImageURL:
		native := goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeImageURL}
		if part.ImageURL != nil {
			native.ImageURL = &goopenai.ChatMessageImageURL{
				URL:    part.ImageURL.URL,
				Detail: goopenai.ImageURLDetail(part.ImageURL.Detail),
			}
		}
		return native
	default:
		return goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: part.Text}
	}
}

func toolsToUnified(in []goopenai.Tool) []models.UnifiedTool {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.UnifiedTool, 0, len(in))
	for _, tool := range in {
		unified := models.UnifiedTool{Type: string(tool.Type)}
		if tool.Function != nil {
			unified.Function = models.UnifiedFunction{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  schemaToMap(tool.Function.Parameters),
			}
		}
		out = append(out, unified)
	}
	return out
}

func toolsFromUnified(in []models.UnifiedTool) []goopenai.Tool {
	if len(in) == 0 {
		return nil
	}
	out := make([]goopenai.Tool, 0, len(in))
	for _, tool := range in {
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolType(tool.Type),
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	return out
}

func toolCallsToUnified(in []goopenai.ToolCall) []models.UnifiedToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.UnifiedToolCall, 0, len(in))
	for _, call := range in {
		out = append(out, models.UnifiedToolCall{
			ID:    call.ID,
			Type:  string(call.Type),
			Index: call.Index,
			Function: models.UnifiedFunctionCall{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out
}

func toolCallsFromUnified(in []models.UnifiedToolCall) []goopenai.ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]goopenai.ToolCall, 0, len(in))
	for _, call := range in {
		out = append(out, goopenai.ToolCall{
			ID:    call.ID,
			Type:  goopenai.ToolType(call.Type),
			Index: call.Index,
			Function: goopenai.FunctionCall{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out
}

func chunkFromNative(payload []byte) (*models.StreamChunk, error) {
	var native goopenai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &native); err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "decode stream event: %v", err)
	}

	chunk := &models.StreamChunk{
		ID:      native.ID,
		Model:   native.Model,
		Created: native.Created,
	}
	if native.Usage != nil {
		chunk.Usage = &models.Usage{
			PromptTokens:     native.Usage.PromptTokens,
			CompletionTokens: native.Usage.CompletionTokens,
			TotalTokens:      native.Usage.TotalTokens,
		}
	}
	for _, choice := range native.Choices {
		unified := models.ChunkChoice{
			Index: choice.Index,
			Delta: models.ChunkDelta{
				Role:      choice.Delta.Role,
				Content:   choice.Delta.Content,
				ToolCalls: toolCallsToUnified(choice.Delta.ToolCalls),
			},
		}
		if choice.Delta.ReasoningContent != "" {
			unified.Delta.Thinking = &models.ThinkingBlock{Content: choice.Delta.ReasoningContent}
		}
		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			unified.FinishReason = &reason
		}
		chunk.Choices = append(chunk.Choices, unified)
	}
	return chunk, nil
}

func chunkToNative(chunk *models.StreamChunk) goopenai.ChatCompletionStreamResponse {
	native := goopenai.ChatCompletionStreamResponse{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	if chunk.Usage != nil {
		native.Usage = &goopenai.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	for _, choice := range chunk.Choices {
		nativeChoice := goopenai.ChatCompletionStreamChoice{
			Index: choice.Index,
			Delta: goopenai.ChatCompletionStreamChoiceDelta{
				Role:      choice.Delta.Role,
				Content:   choice.Delta.Content,
				ToolCalls: toolCallsFromUnified(choice.Delta.ToolCalls),
			},
		}
		if choice.Delta.Thinking != nil {
			nativeChoice.Delta.ReasoningContent = choice.Delta.Thinking.Content
		}
		if choice.FinishReason != nil {
			nativeChoice.FinishReason = goopenai.FinishReason(*choice.FinishReason)
		}
		native.Choices = append(native.Choices, nativeChoice)
	}
	return native
}

func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
