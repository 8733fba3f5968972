package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role values accepted in a unified message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// UnifiedChatRequest is the canonical representation of a chat completion
// request. Every transformer converts to and from this shape.
type UnifiedChatRequest struct {
	Model       string           `json:"model"`
	Messages    []UnifiedMessage `json:"messages"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Tools       []UnifiedTool    `json:"tools,omitempty"`
	ToolChoice  any              `json:"tool_choice,omitempty"`
	Reasoning   *ReasoningConfig `json:"reasoning,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// Validate enforces the request invariants shared by every entry format.
func (r *UnifiedChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return NewError(ErrInvalidRequest, "model must be provided")
	}
	if len(r.Messages) == 0 {
		return NewError(ErrInvalidRequest, "at least one message is required")
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return NewError(ErrInvalidRequest, fmt.Sprintf("messages[%d]: %v", i, err))
		}
	}
	return nil
}

// UnifiedMessage is a single conversational turn. Content is either a plain
// string, null, or an ordered list of typed parts.
type UnifiedMessage struct {
	Role         string            `json:"role"`
	Content      MessageContent    `json:"content"`
	ToolCalls    []UnifiedToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty"`
	CacheControl *CacheControl     `json:"cache_control,omitempty"`
	Thinking     *ThinkingBlock    `json:"thinking,omitempty"`
}

func (m *UnifiedMessage) validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if m.Role == RoleTool && strings.TrimSpace(m.ToolCallID) == "" {
		return fmt.Errorf("tool message requires tool_call_id")
	}
	return nil
}

// MessageContent holds either a text payload or a sequence of content parts.
// Exactly one of Text and Parts is meaningful; both empty means null content.
type MessageContent struct {
	Text  *string
	Parts []ContentPart
}

// TextContent builds plain string content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: &s}
}

// PartsContent builds multi-part content.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// PlainText flattens the content into a single string, joining text parts
// with newlines. Non-text parts are skipped.
func (c MessageContent) PlainText() string {
	if c.Text != nil {
		return *c.Text
	}
	var b strings.Builder
	for _, part := range c.Parts {
		if part.Type != ContentTypeText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// IsNull reports whether the content carries neither text nor parts.
func (c MessageContent) IsNull() bool {
	return c.Text == nil && len(c.Parts) == 0
}

// MarshalJSON renders string content as a JSON string, parts as an array and
// empty content as null.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*c = MessageContent{}
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = &text
		c.Parts = nil
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode message content: %w", err)
	}
	c.Text = nil
	c.Parts = parts
	return nil
}

// Content part discriminators.
const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// ContentPart is one typed element of a multi-part message body.
type ContentPart struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	ImageURL     *ImageURL     `json:"image_url,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageURL carries an image reference or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// CacheControl is a provider cache hint attached to a message or part.
type CacheControl struct {
	Type string `json:"type"`
}

// ThinkingBlock carries reasoning content attached to an assistant message.
type ThinkingBlock struct {
	Content   string `json:"content,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ReasoningConfig requests extended reasoning from providers that support it.
type ReasoningConfig struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// UnifiedTool describes one callable function exposed to the model.
type UnifiedTool struct {
	Type     string          `json:"type"`
	Function UnifiedFunction `json:"function"`
}

// UnifiedFunction is the schema-typed function definition inside a tool.
type UnifiedFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// UnifiedToolCall records a model-initiated function invocation.
type UnifiedToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Index    *int                `json:"index,omitempty"`
	Function UnifiedFunctionCall `json:"function"`
}

// UnifiedFunctionCall carries the function name and raw JSON arguments.
type UnifiedFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Annotation is a provider-attached content annotation, e.g. a citation.
type Annotation struct {
	Type        string       `json:"type"`
	URLCitation *URLCitation `json:"url_citation,omitempty"`
}

// URLCitation points a span of output text at a source URL.
type URLCitation struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	EndIndex   int    `json:"end_index,omitempty"`
}

// Usage records token accounting. TotalTokens equals PromptTokens plus
// CompletionTokens whenever both are present.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UnifiedChatResponse is the canonical final (non-streaming) response.
type UnifiedChatResponse struct {
	ID           string            `json:"id"`
	Model        string            `json:"model"`
	Created      int64             `json:"created,omitempty"`
	Content      *string           `json:"content"`
	Thinking     *ThinkingBlock    `json:"thinking,omitempty"`
	ToolCalls    []UnifiedToolCall `json:"tool_calls,omitempty"`
	Annotations  []Annotation      `json:"annotations,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        Usage             `json:"usage"`
}
