package openai

import "time"

// ChatCompletionRequest captures the subset of OpenAI's request the bridge supports.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	N           *int          `json:"n,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema. Content may be plain
// text or a list of multimodal parts; see MessageContent.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// AssistantMessage is the message object returned in a completion choice.
// ReasoningContent is populated when the upstream produced a reasoning
// segment and the output mode is "openai".
type AssistantMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   UsageBreakdown         `json:"usage"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int              `json:"index"`
	FinishReason string           `json:"finish_reason"`
	Message      AssistantMessage `json:"message"`
	Logprobs     interface{}      `json:"logprobs"`
}

// UsageBreakdown provides token accounting estimates (4 chars ~ 1 token).
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletionResponse builds a non-streaming response with the provided message.
func NewCompletionResponse(id, model string, message AssistantMessage, finishReason string) ChatCompletionResponse {
	completion := len(message.Content) / 4
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			FinishReason: finishReason,
			Message:      message,
		}},
		Usage: UsageBreakdown{
			CompletionTokens: completion,
			TotalTokens:      completion,
		},
	}
}

// ErrorDetail is the error object OpenAI clients expect.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorPayload wraps an ErrorDetail for JSON bodies and terminal SSE chunks.
type ErrorPayload struct {
	Error ErrorDetail `json:"error"`
}
