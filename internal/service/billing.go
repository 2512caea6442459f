package service

import (
	"fmt"
	"math"

	"github.com/xiaot623/archetype/internal/domain"
)

// threshold is a percentage of the monthly allowance that triggers a
// billing.warning once crossed.
type threshold struct {
	percent int
	level   domain.WarningLevel
}

// thresholds are ordered from highest to lowest.
var thresholds = []threshold{
	{100, domain.WarningLevelCritical},
	{90, domain.WarningLevelWarning},
	{80, domain.WarningLevelInfo},
}

// IsFreeAccess reports whether runs for userID in targetContext hold no
// reservation.
func (s *Service) IsFreeAccess(userID, targetContext string) bool {
	if s.config.FreeContext != "" && targetContext == s.config.FreeContext {
		return true
	}
	return s.config.IsOwner(userID)
}

// CreditsNeeded sizes the reservation of a run. Token estimates win over a
// flat credit estimate, which wins over the configured default.
func (s *Service) CreditsNeeded(in domain.StartRunInput) (credits int64, free bool) {
	if s.IsFreeAccess(in.UserID, in.TargetContext) {
		return 0, true
	}
	if tokens := in.EstimatedInputTokens + in.EstimatedOutputTokens; tokens > 0 {
		return creditsForTokens(tokens, s.config.TokensPerCredit), false
	}
	if in.EstimatedCredits > 0 {
		return in.EstimatedCredits, false
	}
	return s.config.DefaultReservationCredits, false
}

// creditsForTokens is ceil(tokens / perCredit).
func creditsForTokens(tokens, perCredit int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if perCredit <= 0 {
		perCredit = 1
	}
	return (tokens + perCredit - 1) / perCredit
}

func (s *Service) cost(credits int64) float64 {
	return math.Round(float64(credits)*s.config.USDPerCredit*10000) / 10000
}

// crossedThreshold returns the highest threshold crossed by moving the
// available balance from before to after, or nil. Percentages are taken
// against the wallet's monthly allowance.
func crossedThreshold(initial, before, after int64) *domain.BillingWarningPayload {
	if initial <= 0 || after >= before {
		return nil
	}
	usedBefore := percentUsed(initial, before)
	usedAfter := percentUsed(initial, after)
	for _, t := range thresholds {
		p := float64(t.percent)
		if usedAfter >= p && usedBefore < p {
			return &domain.BillingWarningPayload{
				Level:            t.level,
				Threshold:        t.percent,
				PercentageUsed:   math.Round(usedAfter*100) / 100,
				CreditsRemaining: after,
				Message:          warningMessage(t, after),
			}
		}
	}
	return nil
}

func percentUsed(initial, available int64) float64 {
	return float64(initial-available) / float64(initial) * 100
}

func warningMessage(t threshold, remaining int64) string {
	switch t.level {
	case domain.WarningLevelCritical:
		return fmt.Sprintf("Monthly credits exhausted: %d credits remaining. Add credits to keep agents running.", remaining)
	case domain.WarningLevelWarning:
		return fmt.Sprintf("%d%% of monthly credits used, %d credits remaining.", t.percent, remaining)
	default:
		return fmt.Sprintf("You have used %d%% of your monthly credits.", t.percent)
	}
}
