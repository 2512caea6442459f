package domain

import (
	"encoding/json"
	"time"
)

// AgentRun is one execution of the agent loop and the unit of credit accounting.
// An empty ProjectID means the platform-wide context.
type AgentRun struct {
	RunID           string          `json:"run_id"`
	UserID          string          `json:"user_id"`
	SessionID       string          `json:"session_id,omitempty"`
	ProjectID       string          `json:"project_id,omitempty"`
	Status          RunStatus       `json:"status"`
	CreditsReserved int64           `json:"credits_reserved"`
	CreditsConsumed int64           `json:"credits_consumed"`
	Context         json.RawMessage `json:"context,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	PausedAt        *time.Time      `json:"paused_at,omitempty"`
	ResumedAt       *time.Time      `json:"resumed_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Free reports whether the run holds no reservation.
func (r *AgentRun) Free() bool {
	return r.CreditsReserved == 0
}

// Event represents a trace event for replay.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
