package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/archetype/internal/adapter/ingress"
	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/repository"
)

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: payloadBytes,
	}

	return s.store.CreateEvent(ctx, event)
}

// push sends a frame to the session's clients. Delivery is best effort.
func (s *Service) push(ctx context.Context, sessionID, runID string, eventType domain.EventType, data any) {
	if s.notifier == nil || sessionID == "" {
		return
	}
	err := s.notifier.PushEvent(ctx, sessionID, ingress.Event{
		Type:  string(eventType),
		Ts:    time.Now().UnixMilli(),
		RunID: runID,
		Data:  data,
	})
	if err != nil {
		slog.Warn("failed to push event", "session_id", sessionID, "run_id", runID, "type", eventType, "error", err)
	}
}

// emit records an event and pushes it to the run's session.
func (s *Service) emit(ctx context.Context, run *domain.AgentRun, eventType domain.EventType, payload any) {
	if err := s.recordEvent(ctx, run.RunID, eventType, payload); err != nil {
		slog.Error("failed to record event", "run_id", run.RunID, "type", eventType, "error", err)
	}
	s.push(ctx, run.SessionID, run.RunID, eventType, payload)
}

// GetRunEvents returns the recorded events of a run.
func (s *Service) GetRunEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, store.ErrRunNotFound
	}
	return s.store.GetEvents(ctx, runID, afterTs, types, limit)
}
