package models

// StreamChunk is one unified streaming event. Provider transformers produce
// chunks from native events on the response pass; the entry transformer turns
// them back into the caller's event convention.
type StreamChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Created int64         `json:"created"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is the per-index delta inside a stream chunk. FinishReason is
// set on at most one chunk per index, always the last one for that index.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental fragments of one choice.
type ChunkDelta struct {
	Role        string            `json:"role,omitempty"`
	Content     string            `json:"content,omitempty"`
	Thinking    *ThinkingBlock    `json:"thinking,omitempty"`
	ToolCalls   []UnifiedToolCall `json:"tool_calls,omitempty"`
	Annotations []Annotation      `json:"annotations,omitempty"`
}

// Empty reports whether the delta carries no fragment at all.
func (d ChunkDelta) Empty() bool {
	return d.Role == "" && d.Content == "" && d.Thinking == nil &&
		len(d.ToolCalls) == 0 && len(d.Annotations) == 0
}

// FinishReason returns the finish reason of the first choice carrying one,
// or nil when the chunk is not terminal.
func (c *StreamChunk) FinishReason() *string {
	for _, choice := range c.Choices {
		if choice.FinishReason != nil {
			return choice.FinishReason
		}
	}
	return nil
}
