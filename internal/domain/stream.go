package domain

// DeltaEventData is pushed for each streamed text fragment.
type DeltaEventData struct {
	Text string `json:"text"`
}

// ThoughtEventData is pushed when the agent's reasoning is surfaced.
type ThoughtEventData struct {
	Text string `json:"text"`
}

// ActionEventData is pushed when the model requests a tool.
type ActionEventData struct {
	ToolCallID  string `json:"tool_call_id"`
	ToolName    string `json:"tool_name"`
	Description string `json:"description"`
}

// DoneEventData is pushed when a chat request finishes.
type DoneEventData struct {
	Usage        *UsageData `json:"usage,omitempty"`
	FinalMessage string     `json:"final_message,omitempty"`
	Paused       bool       `json:"paused,omitempty"`
}

// UsageData represents token usage information.
type UsageData struct {
	PromptTokens     int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens int64 `json:"completion_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *UsageData) Add(other *UsageData) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ErrorEventData is pushed when a chat request fails.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
