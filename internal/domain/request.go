package domain

import (
	"encoding/json"
	"time"
)

// StartRunInput describes a run to start and how to size its reservation.
type StartRunInput struct {
	UserID                string          `json:"user_id"`
	SessionID             string          `json:"session_id,omitempty"`
	ProjectID             string          `json:"project_id,omitempty"`
	TargetContext         string          `json:"target_context,omitempty"`
	EstimatedInputTokens  int64           `json:"estimated_input_tokens,omitempty"`
	EstimatedOutputTokens int64           `json:"estimated_output_tokens,omitempty"`
	EstimatedCredits      int64           `json:"estimated_credits,omitempty"`
	Context               json.RawMessage `json:"context,omitempty"`
	Workflow              *WorkflowMode   `json:"workflow,omitempty"`
}

// WorkflowMode overrides the deployment's workflow enforcement for one run.
// Unset fields keep the deployment default.
type WorkflowMode struct {
	Strict         *bool `json:"strict,omitempty"`
	StallThreshold int   `json:"stall_threshold,omitempty"`
	RequireCommit  *bool `json:"require_commit,omitempty"`
}

// StartRunResult is returned after a successful reservation.
type StartRunResult struct {
	Run        *AgentRun              `json:"run"`
	FreeAccess bool                   `json:"free_access"`
	Balance    int64                  `json:"balance"`
	Warning    *BillingWarningPayload `json:"warning,omitempty"`
}

// CompleteRunInput settles a run. ActualCreditsUsed wins when positive;
// otherwise the credits are derived from the token counts, and failing that
// from the consumption already recorded on the run.
type CompleteRunInput struct {
	RunID             string `json:"run_id"`
	ActualCreditsUsed int64  `json:"actual_credits_used,omitempty"`
	InputTokens       int64  `json:"input_tokens,omitempty"`
	OutputTokens      int64  `json:"output_tokens,omitempty"`
}

// Reconciliation is the settled outcome of a completed run.
type Reconciliation struct {
	RunID           string    `json:"run_id"`
	UserID          string    `json:"user_id"`
	SessionID       string    `json:"session_id,omitempty"`
	CreditsReserved int64     `json:"credits_reserved"`
	CreditsUsed     int64     `json:"credits_used"`
	CreditsRefunded int64     `json:"credits_refunded"`
	Overage         int64     `json:"overage,omitempty"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	FinalCost       float64   `json:"final_cost"`
	NewBalance      int64     `json:"new_balance"`
	ReservedBalance int64     `json:"reserved_balance"`
	LedgerEntryID   string    `json:"ledger_entry_id"`
	CompletedAt     time.Time `json:"completed_at"`
}

// PauseRunRequest carries the opaque context to persist while paused.
type PauseRunRequest struct {
	Context json.RawMessage `json:"context,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// ResumeRunRequest re-reserves credits for a paused run.
type ResumeRunRequest struct {
	AdditionalCredits int64 `json:"additional_credits,omitempty"`
}

// ResumeRunResponse returns the restored context.
type ResumeRunResponse struct {
	Run     *AgentRun       `json:"run"`
	Context json.RawMessage `json:"context,omitempty"`
}

// CreateWalletRequest opens a wallet with an initial monthly allowance.
type CreateWalletRequest struct {
	UserID         string `json:"user_id"`
	MonthlyCredits int64  `json:"monthly_credits"`
}

// AddCreditsRequest tops up a wallet.
type AddCreditsRequest struct {
	Credits     int64           `json:"credits"`
	Source      LedgerSource    `json:"source,omitempty"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// ChatRequest drives one user message through the agent loop.
type ChatRequest struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	ProjectID     string        `json:"project_id,omitempty"`
	TargetContext string        `json:"target_context,omitempty"`
	Content       string        `json:"content"`
	RunID         string        `json:"run_id,omitempty"` // resume a paused run
	RequestID     string        `json:"request_id,omitempty"`
	Workflow      *WorkflowMode `json:"workflow,omitempty"`
}

// ChatResponse summarizes a finished chat request.
type ChatResponse struct {
	RunID          string          `json:"run_id"`
	SessionID      string          `json:"session_id"`
	Status         RunStatus       `json:"status"`
	FinalMessage   string          `json:"final_message,omitempty"`
	Iterations     int             `json:"iterations"`
	Usage          UsageData       `json:"usage"`
	Reconciliation *Reconciliation `json:"reconciliation,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
}

// ToolInvokeRequest represents the request to invoke a tool directly.
type ToolInvokeRequest struct {
	RunID      string          `json:"run_id"`
	SessionID  string          `json:"session_id,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Args       json.RawMessage `json:"args"`
}

// ToolInvokeResponse represents the response from invoking a tool.
type ToolInvokeResponse struct {
	Status     string     `json:"status"` // succeeded, failed
	ToolCallID string     `json:"tool_call_id"`
	Result     string     `json:"result,omitempty"`
	Truncated  bool       `json:"truncated,omitempty"`
	Error      *ToolError `json:"error,omitempty"`
}

// ToolListItem represents a tool in the list response.
type ToolListItem struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ListToolsResponse represents the response for listing tools.
type ListToolsResponse struct {
	Tools []ToolListItem `json:"tools"`
}
