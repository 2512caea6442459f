package domain

import (
	"encoding/json"
	"strings"
)

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of one tool call, correlated by ToolCallID.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// ToolError represents a tool error.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CoerceArgs turns whatever the model sent as tool arguments into an object.
// Strings are parsed as JSON, arrays are wrapped under "items", and anything
// else that is not an object becomes an empty object.
func CoerceArgs(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case []any:
		return map[string]any{"items": val}
	case string:
		return coerceJSON([]byte(strings.TrimSpace(val)))
	case json.RawMessage:
		return coerceJSON(val)
	case []byte:
		return coerceJSON(val)
	default:
		return map[string]any{}
	}
}

func coerceJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return map[string]any{}
	}
	if _, isString := decoded.(string); isString {
		return map[string]any{}
	}
	return CoerceArgs(decoded)
}
