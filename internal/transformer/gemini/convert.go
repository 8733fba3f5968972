package gemini

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

type generateContentRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig *functionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type functionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

type generateContentResponse struct {
	Candidates    []candidate    `json:"candidates,omitempty"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
	ResponseID    string         `json:"responseId,omitempty"`
}

type candidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func partsText(parts []geminiPart) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Text == "" || part.Thought {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func contentToUnified(content geminiContent) models.UnifiedMessage {
	role := models.RoleUser
	if content.Role == "model" {
		role = models.RoleAssistant
	}
	msg := models.UnifiedMessage{Role: role}

	var parts []models.ContentPart
	for _, part := range content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			index := len(msg.ToolCalls)
			msg.ToolCalls = append(msg.ToolCalls, models.UnifiedToolCall{
				ID:    "call_" + uuid.NewString(),
				Type:  "function",
				Index: &index,
				Function: models.UnifiedFunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		case part.FunctionResponse != nil:
			payload, _ := json.Marshal(part.FunctionResponse.Response)
			msg.Role = models.RoleTool
			msg.ToolCallID = part.FunctionResponse.Name
			parts = append(parts, models.ContentPart{Type: models.ContentTypeText, Text: string(payload)})
		case part.Thought:
			msg.Thinking = &models.ThinkingBlock{Content: part.Text, Signature: part.ThoughtSignature}
		case part.InlineData != nil:
			parts = append(parts, models.ContentPart{
				Type: models.ContentTypeImageURL,
				ImageURL: &models.ImageURL{
					URL: "data:" + part.InlineData.MimeType + ";base64," + part.InlineData.Data,
				},
			})
		default:
			parts = append(parts, models.ContentPart{Type: models.ContentTypeText, Text: part.Text})
		}
	}
	msg.Content = models.MessageContent{Parts: parts}
	return msg
}

func contentFromUnified(msg models.UnifiedMessage) geminiContent {
	role := "user"
	if msg.Role == models.RoleAssistant {
		role = "model"
	}
	content := geminiContent{Role: role}

	if msg.Role == models.RoleTool {
		var response map[string]any
		if err := json.Unmarshal([]byte(msg.Content.PlainText()), &response); err != nil {
			response = map[string]any{"result": msg.Content.PlainText()}
		}
		content.Parts = append(content.Parts, geminiPart{
			FunctionResponse: &functionResponse{Name: msg.ToolCallID, Response: response},
		})
		return content
	}

	if msg.Thinking != nil {
		content.Parts = append(content.Parts, geminiPart{
			Text:             msg.Thinking.Content,
			Thought:          true,
			ThoughtSignature: msg.Thinking.Signature,
		})
	}
	if msg.Content.Text != nil && *msg.Content.Text != "" {
		content.Parts = append(content.Parts, geminiPart{Text: *msg.Content.Text})
	}
	for _, part := range msg.Content.Parts {
		switch part.Type {
		case models.ContentTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			if rest, ok := strings.CutPrefix(part.ImageURL.URL, "data:"); ok {
				if mimeType, data, found := strings.Cut(rest, ";base64,"); found {
					content.Parts = append(content.Parts, geminiPart{
						InlineData: &inlineData{MimeType: mimeType, Data: data},
					})
				}
			}
		default:
			if part.Text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: part.Text})
			}
		}
	}
	for _, call := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		content.Parts = append(content.Parts, geminiPart{
			FunctionCall: &functionCall{Name: call.Function.Name, Args: args},
		})
	}
	if len(content.Parts) == 0 {
		content.Parts = []geminiPart{{Text: ""}}
	}
	return content
}

func responseToUnified(tc *transformer.Context, native *generateContentResponse) *models.UnifiedChatResponse {
	unified := &models.UnifiedChatResponse{
		ID:      native.ResponseID,
		Model:   tc.Model,
		Created: time.Now().Unix(),
	}
	if unified.ID == "" {
		unified.ID = "chatcmpl-" + uuid.NewString()
	}
	if native.ModelVersion != "" {
		unified.Model = native.ModelVersion
	}
	if native.UsageMetadata != nil {
		unified.Usage = models.Usage{
			PromptTokens:     native.UsageMetadata.PromptTokenCount,
			CompletionTokens: native.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      native.UsageMetadata.PromptTokenCount + native.UsageMetadata.CandidatesTokenCount,
		}
	}
	if len(native.Candidates) == 0 {
		return unified
	}

	first := native.Candidates[0]
	var text strings.Builder
	for _, part := range first.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			index := len(unified.ToolCalls)
			unified.ToolCalls = append(unified.ToolCalls, models.UnifiedToolCall{
				ID:    "call_" + uuid.NewString(),
				Type:  "function",
				Index: &index,
				Function: models.UnifiedFunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		case part.Thought:
			unified.Thinking = &models.ThinkingBlock{Content: part.Text, Signature: part.ThoughtSignature}
		default:
			text.WriteString(part.Text)
		}
	}
	if text.Len() > 0 {
		content := text.String()
		unified.Content = &content
	}
	unified.FinishReason = finishToUnified(first.FinishReason, len(unified.ToolCalls) > 0)
	return unified
}

func responseFromUnified(unified *models.UnifiedChatResponse) generateContentResponse {
	content := geminiContent{Role: "model"}
	if unified.Thinking != nil {
		content.Parts = append(content.Parts, geminiPart{
			Text:             unified.Thinking.Content,
			Thought:          true,
			ThoughtSignature: unified.Thinking.Signature,
		})
	}
	if unified.Content != nil {
		content.Parts = append(content.Parts, geminiPart{Text: *unified.Content})
	}
	for _, call := range unified.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		content.Parts = append(content.Parts, geminiPart{
			FunctionCall: &functionCall{Name: call.Function.Name, Args: args},
		})
	}

	return generateContentResponse{
		ResponseID: unified.ID,
		Candidates: []candidate{{
			Content:      content,
			FinishReason: finishFromUnified(unified.FinishReason),
		}},
		UsageMetadata: &usageMetadata{
			PromptTokenCount:     unified.Usage.PromptTokens,
			CandidatesTokenCount: unified.Usage.CompletionTokens,
			TotalTokenCount:      unified.Usage.TotalTokens,
		},
		ModelVersion: unified.Model,
	}
}

func chunkFromNative(tc *transformer.Context, native *generateContentResponse) *models.StreamChunk {
	chunk := &models.StreamChunk{
		ID:      native.ResponseID,
		Model:   tc.Model,
		Created: time.Now().Unix(),
	}
	if native.ModelVersion != "" {
		chunk.Model = native.ModelVersion
	}
	if native.UsageMetadata != nil {
		chunk.Usage = &models.Usage{
			PromptTokens:     native.UsageMetadata.PromptTokenCount,
			CompletionTokens: native.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      native.UsageMetadata.PromptTokenCount + native.UsageMetadata.CandidatesTokenCount,
		}
	}

	for _, cand := range native.Candidates {
		choice := models.ChunkChoice{Index: cand.Index}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				slot := 0
				choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, models.UnifiedToolCall{
					ID:    "call_" + uuid.NewString(),
					Type:  "function",
					Index: &slot,
					Function: models.UnifiedFunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					},
				})
			case part.Thought:
				choice.Delta.Thinking = &models.ThinkingBlock{Content: part.Text, Signature: part.ThoughtSignature}
			default:
				choice.Delta.Content += part.Text
			}
		}
		if cand.FinishReason != "" {
			reason := finishToUnified(cand.FinishReason, len(choice.Delta.ToolCalls) > 0)
			choice.FinishReason = &reason
		}
		chunk.Choices = append(chunk.Choices, choice)
	}
	return chunk
}

func chunkToNative(chunk *models.StreamChunk) generateContentResponse {
	native := generateContentResponse{ResponseID: chunk.ID, ModelVersion: chunk.Model}
	if chunk.Usage != nil {
		native.UsageMetadata = &usageMetadata{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}
	for _, choice := range chunk.Choices {
		cand := candidate{Index: choice.Index, Content: geminiContent{Role: "model"}}
		if choice.Delta.Thinking != nil {
			cand.Content.Parts = append(cand.Content.Parts, geminiPart{
				Text:             choice.Delta.Thinking.Content,
				Thought:          true,
				ThoughtSignature: choice.Delta.Thinking.Signature,
			})
		}
		if choice.Delta.Content != "" {
			cand.Content.Parts = append(cand.Content.Parts, geminiPart{Text: choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
			cand.Content.Parts = append(cand.Content.Parts, geminiPart{
				FunctionCall: &functionCall{Name: call.Function.Name, Args: args},
			})
		}
		if choice.FinishReason != nil {
			cand.FinishReason = finishFromUnified(*choice.FinishReason)
		}
		native.Candidates = append(native.Candidates, cand)
	}
	return native
}

func finishToUnified(reason string, hasToolCalls bool) string {
	switch reason {
	case "STOP":
		if hasToolCalls {
			return "tool_calls"
		}
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

func finishFromUnified(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	case "":
		return ""
	default:
		return "STOP"
	}
}

func callingMode(choice any) string {
	switch v := choice.(type) {
	case string:
		switch v {
		case "required":
			return "ANY"
		case "none":
			return "NONE"
		case "auto":
			return "AUTO"
		}
	case map[string]any:
		return "ANY"
	}
	return ""
}

// scrubSchema strips JSON-schema keywords Gemini's declaration format
// rejects, recursively.
func scrubSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		switch key {
		case "$schema", "additionalProperties", "strict":
			continue
		}
		switch typed := value.(type) {
		case map[string]any:
			out[key] = scrubSchema(typed)
		default:
			out[key] = value
		}
	}
	return out
}
