package domain

// RunStartedPayload is the payload for run_started event.
type RunStartedPayload struct {
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
	CreditsReserved int64  `json:"credits_reserved"`
	FreeAccess      bool   `json:"free_access"`
}

// RunCompletedPayload is the payload for run_completed event.
type RunCompletedPayload struct {
	CreditsUsed      int64    `json:"credits_used"`
	Overage          int64    `json:"overage,omitempty"`
	WorkflowComplete bool     `json:"workflow_complete"`
	WorkflowUnmet    []string `json:"workflow_unmet,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// UserInputPayload is the payload for user_input event.
type UserInputPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// RunPausedPayload is the payload for run_paused event.
type RunPausedPayload struct {
	CreditsReserved int64  `json:"credits_reserved"`
	CreditsConsumed int64  `json:"credits_consumed"`
	Reason          string `json:"reason"`
}

// RunResumedPayload is the payload for run_resumed event.
type RunResumedPayload struct {
	AdditionalCredits int64 `json:"additional_credits"`
	CreditsReserved   int64 `json:"credits_reserved"`
}

// TurnDonePayload is the payload for turn_done event.
type TurnDonePayload struct {
	Iteration    int        `json:"iteration"`
	Continuation bool       `json:"continuation"`
	Degraded     bool       `json:"degraded,omitempty"`
	ToolCalls    int        `json:"tool_calls"`
	Usage        *UsageData `json:"usage,omitempty"`
}

// TurnFailedPayload is the payload for turn_failed event.
type TurnFailedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MalformedCallPayload is the payload for malformed_call_retry event.
type MalformedCallPayload struct {
	Attempt       int    `json:"attempt"`
	RecoveredName string `json:"recovered_name,omitempty"`
	FinishMessage string `json:"finish_message,omitempty"`
}

// ToolResultPayload is the payload for tool_result event.
type ToolResultPayload struct {
	ToolCallID    string `json:"tool_call_id"`
	ToolName      string `json:"tool_name"`
	IsError       bool   `json:"is_error"`
	Truncated     bool   `json:"truncated"`
	OriginalSize  int    `json:"original_size"`
	TruncatedSize int    `json:"truncated_size"`
	DurationMs    int64  `json:"duration_ms"`
}

// PolicyDecisionPayload is the payload for policy_decision event.
type PolicyDecisionPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
}

// WorkflowTransitionPayload is the payload for workflow_transition event.
type WorkflowTransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowViolationPayload is the payload for workflow_violation event.
type WorkflowViolationPayload struct {
	Phase    string `json:"phase"`
	ToolName string `json:"tool_name,omitempty"`
	Reason   string `json:"reason"`
	Enforced bool   `json:"enforced"`
}

// BillingEstimatePayload is pushed when a run's reservation is made.
type BillingEstimatePayload struct {
	RunID            string  `json:"run_id"`
	SessionID        string  `json:"session_id,omitempty"`
	EstimatedTokens  int64   `json:"estimated_tokens"`
	EstimatedCredits int64   `json:"estimated_credits"`
	EstimatedCost    float64 `json:"estimated_cost"`
	CurrentBalance   int64   `json:"current_balance"`
	FreeAccess       bool    `json:"free_access"`
}

// BillingWarningPayload is pushed when a usage threshold is crossed.
type BillingWarningPayload struct {
	Level            WarningLevel `json:"level"`
	Threshold        int          `json:"threshold"`
	PercentageUsed   float64      `json:"percentage_used"`
	CreditsRemaining int64        `json:"credits_remaining"`
	Message          string       `json:"message"`
}

// BillingReconciledPayload is pushed once a run's credits are settled.
type BillingReconciledPayload struct {
	RunID           string  `json:"run_id"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	TotalTokens     int64   `json:"total_tokens"`
	CreditsReserved int64   `json:"credits_reserved"`
	CreditsUsed     int64   `json:"credits_used"`
	CreditsRefunded int64   `json:"credits_refunded"`
	FinalCost       float64 `json:"final_cost"`
	NewBalance      int64   `json:"new_balance"`
}
