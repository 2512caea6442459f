package domain

import "time"

// Message is one entry of a session's conversation log.
type Message struct {
	MessageID   string            `json:"message_id"`
	SessionID   string            `json:"session_id"`
	RunID       string            `json:"run_id,omitempty"`
	Role        string            `json:"role"`
	Content     string            `json:"content,omitempty"`
	ToolCalls   []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
