// Package domain defines the core domain models for the orchestrator.
package domain

// RunStatus represents the status of an agent run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
)

// EventType represents the type of an event.
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeUserInput    EventType = "user_input"
	EventTypeRunPaused    EventType = "run_paused"
	EventTypeRunResumed   EventType = "run_resumed"
	EventTypeRunCompleted EventType = "run_completed"
	EventTypeRunCancelled EventType = "run_cancelled"

	// Turn events
	EventTypeTurnStarted        EventType = "turn_started"
	EventTypeTurnDelta          EventType = "turn_delta"
	EventTypeTurnThought        EventType = "turn_thought"
	EventTypeTurnAction         EventType = "turn_action"
	EventTypeTurnDone           EventType = "turn_done"
	EventTypeTurnFailed         EventType = "turn_failed"
	EventTypeMalformedCallRetry EventType = "malformed_call_retry"

	// Tool events
	EventTypeToolResult     EventType = "tool_result"
	EventTypePolicyDecision EventType = "policy_decision"

	// Workflow events
	EventTypeWorkflowTransition EventType = "workflow_transition"
	EventTypeWorkflowViolation  EventType = "workflow_violation"

	// Billing notifications
	EventTypeBillingEstimate   EventType = "billing.estimate"
	EventTypeBillingWarning    EventType = "billing.warning"
	EventTypeBillingReconciled EventType = "billing.reconciled"

	// EventTypeDone closes a chat on the session stream. It is pushed, not recorded.
	EventTypeDone EventType = "done"
)

// Valid reports whether t is an event type the orchestrator produces.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeRunStarted, EventTypeUserInput, EventTypeRunPaused, EventTypeRunResumed,
		EventTypeRunCompleted, EventTypeRunCancelled,
		EventTypeTurnStarted, EventTypeTurnDelta, EventTypeTurnThought, EventTypeTurnAction,
		EventTypeTurnDone, EventTypeTurnFailed, EventTypeMalformedCallRetry,
		EventTypeToolResult, EventTypePolicyDecision,
		EventTypeWorkflowTransition, EventTypeWorkflowViolation,
		EventTypeBillingEstimate, EventTypeBillingWarning, EventTypeBillingReconciled,
		EventTypeDone:
		return true
	}
	return false
}

// IsBilling reports whether t is one of the billing.* notifications.
func (t EventType) IsBilling() bool {
	switch t {
	case EventTypeBillingEstimate, EventTypeBillingWarning, EventTypeBillingReconciled:
		return true
	}
	return false
}

// LedgerSource is the business reason behind a ledger entry.
type LedgerSource string

const (
	LedgerSourceConsumption       LedgerSource = "reservation-consumption"
	LedgerSourceMonthlyAllocation LedgerSource = "monthly-allocation"
	LedgerSourcePurchase          LedgerSource = "purchase"
	LedgerSourceRefund            LedgerSource = "refund"
	LedgerSourceAdjustment        LedgerSource = "adjustment"
)

// Valid reports whether s is a known ledger source.
func (s LedgerSource) Valid() bool {
	switch s {
	case LedgerSourceConsumption, LedgerSourceMonthlyAllocation, LedgerSourcePurchase,
		LedgerSourceRefund, LedgerSourceAdjustment:
		return true
	}
	return false
}

// WarningLevel is the severity of a billing.warning notification.
type WarningLevel string

const (
	WarningLevelInfo     WarningLevel = "info"
	WarningLevelWarning  WarningLevel = "warning"
	WarningLevelCritical WarningLevel = "critical"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
