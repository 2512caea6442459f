package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/archetype/internal/domain"
)

// ErrUnknownEvent is returned for frames whose type the orchestrator never emits.
var ErrUnknownEvent = errors.New("unknown event type")

// PushedEvent is the envelope of a run event forwarded from the orchestrator.
// The rest of the frame is passed through untouched.
type PushedEvent struct {
	Type  domain.EventType `json:"type"`
	RunID string           `json:"run_id,omitempty"`
}

// DecodeEvent reads the envelope of raw and checks its type against the
// orchestrator's event vocabulary.
func DecodeEvent(raw json.RawMessage) (PushedEvent, error) {
	var ev PushedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("event must be a JSON object: %w", err)
	}
	if ev.Type == "" {
		return ev, errors.New("event type is required")
	}
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Type)
	}
	return ev, nil
}
