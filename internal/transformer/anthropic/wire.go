package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcowger/llms/internal/models"
)

// messageRequest models the /v1/messages payload.
type messageRequest struct {
	Model         string           `json:"model"`
	MaxTokens     int              `json:"max_tokens"`
	Messages      []wireMessage    `json:"messages"`
	System        json.RawMessage  `json:"system,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Tools         []wireTool       `json:"tools,omitempty"`
	ToolChoice    *wireToolChoice  `json:"tool_choice,omitempty"`
	Thinking      *wireThinkingCfg `json:"thinking,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type         string               `json:"type"`
	Text         string               `json:"text,omitempty"`
	Source       *wireImageSource     `json:"source,omitempty"`
	ID           string               `json:"id,omitempty"`
	Name         string               `json:"name,omitempty"`
	Input        json.RawMessage      `json:"input,omitempty"`
	ToolUseID    string               `json:"tool_use_id,omitempty"`
	Content      json.RawMessage      `json:"content,omitempty"`
	Thinking     string               `json:"thinking,omitempty"`
	Signature    string               `json:"signature,omitempty"`
	CacheControl *models.CacheControl `json:"cache_control,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type wireThinkingCfg struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// messageResponse models the non-streaming response payload.
type messageResponse struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Role         string      `json:"role"`
	Model        string      `json:"model"`
	Content      []wireBlock `json:"content"`
	StopReason   *string     `json:"stop_reason"`
	StopSequence *string     `json:"stop_sequence"`
	Usage        wireUsage   `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Streaming event payloads.
type streamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index,omitempty"`
	Message      *messageResponse `json:"message,omitempty"`
	ContentBlock *wireBlock      `json:"content_block,omitempty"`
	Delta        *streamDelta    `json:"delta,omitempty"`
	Usage        *wireUsage      `json:"usage,omitempty"`
}

type streamDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// stopReasonFromUnified maps a unified finish reason onto Anthropic's
// stop_reason vocabulary.
func stopReasonFromUnified(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "", "stop":
		return "end_turn"
	default:
		return reason
	}
}

// stopReasonToUnified maps an Anthropic stop_reason onto the unified
// finish reason vocabulary.
func stopReasonToUnified(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

// parseSystem accepts the system field as a string or a list of text blocks.
func parseSystem(raw json.RawMessage) ([]models.UnifiedMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []models.UnifiedMessage{{Role: models.RoleSystem, Content: models.TextContent(single)}}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, models.NewError(models.ErrInvalidRequest, "invalid system prompt")
	}
	out := make([]models.UnifiedMessage, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "" && block.Type != "text" {
			return nil, models.NewErrorf(models.ErrInvalidRequest, "unsupported system block type %q", block.Type)
		}
		if strings.TrimSpace(block.Text) == "" {
			continue
		}
		msg := models.UnifiedMessage{Role: models.RoleSystem, Content: models.TextContent(block.Text)}
		msg.CacheControl = block.CacheControl
		out = append(out, msg)
	}
	return out, nil
}

// blocksToUnified converts a message's content blocks into a unified
// message body, splitting tool_result blocks into tool-role messages.
func blocksToUnified(role string, raw json.RawMessage) ([]models.UnifiedMessage, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []models.UnifiedMessage{{Role: role, Content: models.TextContent(text)}}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, models.NewError(models.ErrInvalidRequest, "invalid message content")
	}

	current := models.UnifiedMessage{Role: role}
	var parts []models.ContentPart
	var out []models.UnifiedMessage

	flush := func() {
		if len(parts) > 0 || len(current.ToolCalls) > 0 || current.Thinking != nil {
			current.Content = models.MessageContent{Parts: parts}
			out = append(out, current)
			current = models.UnifiedMessage{Role: role}
			parts = nil
		}
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			parts = append(parts, models.ContentPart{
				Type:         models.ContentTypeText,
				Text:         block.Text,
				CacheControl: block.CacheControl,
			})
		case "image":
			part := models.ContentPart{Type: models.ContentTypeImageURL}
			if block.Source != nil {
				if block.Source.Type == "url" {
					part.ImageURL = &models.ImageURL{URL: block.Source.URL}
				} else {
					part.ImageURL = &models.ImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data),
					}
				}
			}
			parts = append(parts, part)
		case "tool_use":
			index := len(current.ToolCalls)
			current.ToolCalls = append(current.ToolCalls, models.UnifiedToolCall{
				ID:    block.ID,
				Type:  "function",
				Index: &index,
				Function: models.UnifiedFunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		case "tool_result":
			flush()
			result := models.UnifiedMessage{
				Role:       models.RoleTool,
				ToolCallID: block.ToolUseID,
				Content:    models.TextContent(flattenToolResult(block.Content)),
			}
			out = append(out, result)
		case "thinking":
			current.Thinking = &models.ThinkingBlock{Content: block.Thinking, Signature: block.Signature}
		default:
			return nil, models.NewErrorf(models.ErrInvalidRequest, "unsupported content block type %q", block.Type)
		}
	}
	flush()

	if len(out) == 0 {
		out = append(out, models.UnifiedMessage{Role: role})
	}
	return out, nil
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// blocksFromUnified renders a unified assistant/user message body as
// Anthropic content blocks.
func blocksFromUnified(msg models.UnifiedMessage) []wireBlock {
	var blocks []wireBlock
	if msg.Thinking != nil {
		blocks = append(blocks, wireBlock{
			Type:      "thinking",
			Thinking:  msg.Thinking.Content,
			Signature: msg.Thinking.Signature,
		})
	}
	if msg.Content.Text != nil {
		if *msg.Content.Text != "" {
			blocks = append(blocks, wireBlock{Type: "text", Text: *msg.Content.Text, CacheControl: msg.CacheControl})
		}
	}
	for _, part := range msg.Content.Parts {
		switch part.Type {
		case models.ContentTypeText:
			blocks = append(blocks, wireBlock{Type: "text", Text: part.Text, CacheControl: part.CacheControl})
		case models.ContentTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			blocks = append(blocks, wireBlock{Type: "image", Source: imageSourceFromURL(part.ImageURL.URL)})
		}
	}
	for _, call := range msg.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, wireBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return blocks
}

func imageSourceFromURL(url string) *wireImageSource {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		mediaType, data, found := strings.Cut(rest, ";base64,")
		if found {
			return &wireImageSource{Type: "base64", MediaType: mediaType, Data: data}
		}
	}
	return &wireImageSource{Type: "url", URL: url}
}
