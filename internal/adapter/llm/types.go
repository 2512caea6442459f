package llm

import "github.com/xiaot623/archetype/internal/domain"

// Request is one streaming turn request.
type Request struct {
	Model           string           `json:"model,omitempty"`
	System          string           `json:"system,omitempty"`
	Messages        []domain.Message `json:"messages"`
	Tools           []ToolSpec       `json:"tools,omitempty"`
	Temperature     float32          `json:"temperature"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
}

// ToolSpec declares a callable tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// FinishReason is the normalized reason a provider ended the stream.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishSafety        FinishReason = "safety"
	FinishMalformedCall FinishReason = "malformed_function_call"
	FinishOther         FinishReason = "other"
)

// Chunk is one streamed increment. Exactly one of the content fields is
// usually set; FinishReason arrives on the last chunk of a candidate.
type Chunk struct {
	Text          string                  `json:"text,omitempty"`
	Thought       string                  `json:"thought,omitempty"`
	ToolCall      *domain.ToolCallRequest `json:"tool_call,omitempty"`
	FinishReason  FinishReason            `json:"finish_reason,omitempty"`
	FinishMessage string                  `json:"finish_message,omitempty"`
}
