package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/repository"
)

// CreateWallet opens a wallet. A zero allowance falls back to the configured
// monthly allocation.
func (s *Service) CreateWallet(ctx context.Context, req domain.CreateWalletRequest) (*domain.CreditWallet, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.MonthlyCredits < 0 {
		return nil, fmt.Errorf("%w: monthly_credits must not be negative", ErrInvalidRequest)
	}
	credits := req.MonthlyCredits
	if credits == 0 {
		credits = s.config.MonthlyAllocationCredits
	}
	return s.store.CreateWallet(ctx, req.UserID, credits)
}

// GetWallet returns a user's wallet.
func (s *Service) GetWallet(ctx context.Context, userID string) (*domain.CreditWallet, error) {
	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	if wallet == nil {
		return nil, store.ErrWalletNotFound
	}
	return wallet, nil
}

// AddCredits applies a credit movement. Purchases are the default source;
// consumption entries are written only by run completion.
func (s *Service) AddCredits(ctx context.Context, userID string, req domain.AddCreditsRequest) (*domain.LedgerEntry, *domain.CreditWallet, error) {
	if req.Credits == 0 {
		return nil, nil, fmt.Errorf("%w: credits must not be zero", ErrInvalidRequest)
	}
	source := req.Source
	if source == "" {
		source = domain.LedgerSourcePurchase
	}
	if !source.Valid() || source == domain.LedgerSourceConsumption {
		return nil, nil, fmt.Errorf("%w: unsupported source %q", ErrInvalidRequest, source)
	}
	if req.Credits < 0 && source != domain.LedgerSourceAdjustment {
		return nil, nil, fmt.Errorf("%w: only adjustments may remove credits", ErrInvalidRequest)
	}
	return s.store.AddCredits(ctx, userID, req.Credits, source, req.ReferenceID, req.Metadata)
}

// ListLedger returns a user's ledger, oldest first.
func (s *Service) ListLedger(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, userID, limit)
}
