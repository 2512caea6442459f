// Package protocol defines the WebSocket message protocol between clients and ingress.
package protocol

// Message types from client to ingress
const (
	TypeHello     = "hello"
	TypeChat      = "chat"
	TypeCancelRun = "cancel_run"
)

// Message types from ingress to client. Run events pushed by the
// orchestrator (turn_delta, turn_action, billing.*, workflow_*, done, ...)
// are forwarded as-is.
const (
	TypeHelloAck  = "hello_ack"
	TypeChatAck   = "chat_ack"
	TypeDone      = "done"
	TypeTurnDelta = "turn_delta"
	TypeError     = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// HelloMessage is sent by client to establish connection. UserID is
// required; every chat on the connection is billed to it.
type HelloMessage struct {
	BaseMessage
	UserID     string            `json:"user_id,omitempty"`
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage is sent by ingress after successful hello.
type HelloAckMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
}

// WorkflowOptions overrides workflow enforcement for one chat.
type WorkflowOptions struct {
	Strict         *bool `json:"strict,omitempty"`
	StallThreshold int   `json:"stall_threshold,omitempty"`
	RequireCommit  *bool `json:"require_commit,omitempty"`
}

// ChatMessage sends user input to the agent. Setting RunID resumes a
// paused run.
type ChatMessage struct {
	BaseMessage
	Content       string           `json:"content"`
	ProjectID     string           `json:"project_id,omitempty"`
	TargetContext string           `json:"target_context,omitempty"`
	Workflow      *WorkflowOptions `json:"workflow,omitempty"`
}

// ChatAckMessage confirms a chat was accepted for processing.
type ChatAckMessage struct {
	BaseMessage
}

// CancelRunMessage is sent by client to cancel a run.
type CancelRunMessage struct {
	BaseMessage
}

// ErrorMessage is sent by ingress when an error occurs.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeSessionRequired  = "session_required"
	ErrorCodeInternalError    = "internal_error"
	ErrorCodeOrchestratorFail = "orchestrator_fail"
	ErrorCodeInsufficient     = "insufficient_credits"
	ErrorCodeNotFound         = "not_found"
	ErrorCodeConflict         = "conflict"
)
