package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/archetype/internal/domain"
)

// GetMessages returns the latest messages of a session, oldest first.
func (s *Service) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	messages, err := s.store.GetMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

func (s *Service) saveMessage(ctx context.Context, msg *domain.Message) error {
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}
