package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xiaot623/archetype/internal/repository"
)

// StartAllocationScheduler grants the monthly allowance on the configured
// cron schedule until ctx is done.
func (s *Service) StartAllocationScheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(s.config.MonthlyAllocationSchedule, func() {
		if _, err := s.AllocateMonthlyCredits(ctx, time.Now()); err != nil {
			slog.Error("monthly allocation failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid allocation schedule %q: %w", s.config.MonthlyAllocationSchedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	slog.Info("monthly allocation scheduled", "schedule", s.config.MonthlyAllocationSchedule, "credits", s.config.MonthlyAllocationCredits)
	return c, nil
}

// AllocateMonthlyCredits resets every wallet's allowance for the month of
// now. Wallets already granted for that month are skipped. It returns the
// number of wallets granted.
func (s *Service) AllocateMonthlyCredits(ctx context.Context, now time.Time) (int, error) {
	period := now.UTC().Format("2006-01")
	userIDs, err := s.store.ListWalletUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list wallets: %w", err)
	}
	granted := 0
	var errs []error
	for _, userID := range userIDs {
		_, err := s.store.ResetMonthlyAllowance(ctx, userID, s.config.MonthlyAllocationCredits, period)
		switch {
		case errors.Is(err, store.ErrAlreadyAllocated):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", userID, err))
			continue
		}
		granted++
	}
	slog.Info("monthly allocation granted", "period", period, "wallets", granted)
	return granted, errors.Join(errs...)
}
