package openai

import "time"

// ChatCompletionChunk represents a chunk in an SSE streaming response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
	Logprobs     interface{}      `json:"logprobs"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
// ReasoningContent carries chain-of-thought deltas when the output mode
// is "openai"; think-tag mode folds reasoning into Content instead.
type ChatMessageDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// NewChunk builds an empty chunk envelope for the given stream.
func NewChunk(id, model string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{Index: 0}},
	}
}

// ContentChunk builds a chunk carrying a content delta.
func ContentChunk(id, model, content string) ChatCompletionChunk {
	c := NewChunk(id, model)
	c.Choices[0].Delta.Content = content
	return c
}

// ReasoningChunk builds a chunk carrying a reasoning delta.
func ReasoningChunk(id, model, reasoning string) ChatCompletionChunk {
	c := NewChunk(id, model)
	c.Choices[0].Delta.ReasoningContent = reasoning
	return c
}

// FinishChunk builds the terminal chunk with the given finish reason.
func FinishChunk(id, model, reason string) ChatCompletionChunk {
	c := NewChunk(id, model)
	c.Choices[0].FinishReason = &reason
	return c
}
