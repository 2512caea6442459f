package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/repository"
)

// StartRun reserves credits for a new run and emits billing.estimate, plus a
// billing.warning when the reservation crosses a usage threshold.
func (s *Service) StartRun(ctx context.Context, in domain.StartRunInput) (*domain.StartRunResult, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if in.EstimatedInputTokens < 0 || in.EstimatedOutputTokens < 0 || in.EstimatedCredits < 0 {
		return nil, fmt.Errorf("%w: estimates must not be negative", ErrInvalidRequest)
	}

	needed, free := s.CreditsNeeded(in)
	ctx, span := s.tracer.Start(ctx, "service.StartRun", trace.WithAttributes(
		attribute.String("user_id", in.UserID),
		attribute.Int64("credits.needed", needed),
	))
	defer span.End()

	run := &domain.AgentRun{
		RunID:           "run_" + uuid.New().String()[:8],
		UserID:          in.UserID,
		SessionID:       in.SessionID,
		ProjectID:       in.ProjectID,
		Status:          domain.RunStatusRunning,
		CreditsReserved: needed,
		Context:         in.Context,
	}
	if err := s.store.CreateRunWithReservation(ctx, run); err != nil {
		s.metrics.ReservationFailed(reservationFailure(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to reserve credits: %w", err)
	}
	s.metrics.Reserved(needed)
	s.startWorkflow(ctx, run.RunID, in.Workflow)

	result := &domain.StartRunResult{Run: run, FreeAccess: free}
	wallet, err := s.store.GetWallet(ctx, in.UserID)
	if err != nil {
		slog.Warn("failed to read wallet after reservation", "user_id", in.UserID, "error", err)
	}
	if wallet != nil {
		result.Balance = wallet.AvailableCredits
	}

	s.emit(ctx, run, domain.EventTypeRunStarted, domain.RunStartedPayload{
		UserID:          run.UserID,
		SessionID:       run.SessionID,
		ProjectID:       run.ProjectID,
		CreditsReserved: needed,
		FreeAccess:      free,
	})

	estimatedTokens := in.EstimatedInputTokens + in.EstimatedOutputTokens
	if estimatedTokens == 0 {
		estimatedTokens = needed * s.config.TokensPerCredit
	}
	s.emit(ctx, run, domain.EventTypeBillingEstimate, domain.BillingEstimatePayload{
		RunID:            run.RunID,
		SessionID:        run.SessionID,
		EstimatedTokens:  estimatedTokens,
		EstimatedCredits: needed,
		EstimatedCost:    s.cost(needed),
		CurrentBalance:   result.Balance,
		FreeAccess:       free,
	})

	if !free && wallet != nil {
		result.Warning = s.checkThresholds(ctx, run, wallet, needed)
	}

	slog.Info("run started", "run_id", run.RunID, "user_id", run.UserID, "reserved", needed, "free", free)
	return result, nil
}

// checkThresholds emits billing.warning when reserving credits moved the
// wallet across a usage threshold.
func (s *Service) checkThresholds(ctx context.Context, run *domain.AgentRun, wallet *domain.CreditWallet, reserved int64) *domain.BillingWarningPayload {
	warning := crossedThreshold(wallet.InitialMonthlyCredits, wallet.AvailableCredits+reserved, wallet.AvailableCredits)
	if warning == nil {
		return nil
	}
	s.metrics.Warning(string(warning.Level))
	s.emit(ctx, run, domain.EventTypeBillingWarning, warning)
	return warning
}

func reservationFailure(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, store.ErrWalletNotFound):
		return "wallet_not_found"
	default:
		return "error"
	}
}

// ShouldPause reports whether a run used up its reservation. Runs without a
// reservation never pause.
func (s *Service) ShouldPause(run *domain.AgentRun) bool {
	if run == nil || run.CreditsReserved == 0 {
		return false
	}
	return run.CreditsConsumed >= run.CreditsReserved
}

// RecordUsage adds consumed credits to a running run.
func (s *Service) RecordUsage(ctx context.Context, runID string, credits int64) (*domain.AgentRun, error) {
	run, err := s.store.RecordRunUsage(ctx, runID, credits)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	return run, nil
}

// PauseRun parks a running run with its resumable context.
func (s *Service) PauseRun(ctx context.Context, runID string, req domain.PauseRunRequest) (*domain.AgentRun, error) {
	run, err := s.store.PauseRun(ctx, runID, req.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to pause run: %w", err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "credits_depleted"
	}
	s.emit(ctx, run, domain.EventTypeRunPaused, domain.RunPausedPayload{
		CreditsReserved: run.CreditsReserved,
		CreditsConsumed: run.CreditsConsumed,
		Reason:          reason,
	})
	s.releaseWorkflow(ctx, runID)
	slog.Info("run paused", "run_id", runID, "reason", reason)
	return run, nil
}

// ResumeRun reserves another credit block for a paused run and returns its
// stored context.
func (s *Service) ResumeRun(ctx context.Context, runID string, req domain.ResumeRunRequest) (*domain.ResumeRunResponse, error) {
	if req.AdditionalCredits < 0 {
		return nil, fmt.Errorf("%w: additional_credits must not be negative", ErrInvalidRequest)
	}
	current, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if current == nil {
		return nil, store.ErrRunNotFound
	}

	additional := req.AdditionalCredits
	if current.Free() {
		additional = 0
	} else if additional == 0 {
		additional = s.config.ResumeReservationCredits
	}

	run, err := s.store.ResumeRun(ctx, runID, additional)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			s.metrics.ReservationFailed(reservationFailure(err))
		}
		return nil, fmt.Errorf("failed to resume run: %w", err)
	}
	s.metrics.Reserved(additional)

	s.emit(ctx, run, domain.EventTypeRunResumed, domain.RunResumedPayload{
		AdditionalCredits: additional,
		CreditsReserved:   run.CreditsReserved,
	})
	if additional > 0 {
		if wallet, err := s.store.GetWallet(ctx, run.UserID); err == nil && wallet != nil {
			s.checkThresholds(ctx, run, wallet, additional)
		}
	}
	return &domain.ResumeRunResponse{Run: run, Context: run.Context}, nil
}

// CompleteRun settles a run and emits billing.reconciled. The credits used
// come from ActualCreditsUsed, else from the token counts, else from the
// consumption already recorded on the run.
func (s *Service) CompleteRun(ctx context.Context, in domain.CompleteRunInput) (*domain.Reconciliation, error) {
	if in.RunID == "" {
		return nil, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if in.ActualCreditsUsed < 0 || in.InputTokens < 0 || in.OutputTokens < 0 {
		return nil, fmt.Errorf("%w: usage must not be negative", ErrInvalidRequest)
	}

	ctx, span := s.tracer.Start(ctx, "service.CompleteRun", trace.WithAttributes(attribute.String("run_id", in.RunID)))
	defer span.End()

	run, err := s.store.GetRun(ctx, in.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, store.ErrRunNotFound
	}

	used := in.ActualCreditsUsed
	if used == 0 {
		used = creditsForTokens(in.InputTokens+in.OutputTokens, s.config.TokensPerCredit)
	}
	if used == 0 {
		used = run.CreditsConsumed
	}

	rec, err := s.store.CompleteRun(ctx, store.Settlement{
		RunID:        in.RunID,
		CreditsUsed:  used,
		InputTokens:  in.InputTokens,
		OutputTokens: in.OutputTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to complete run: %w", err)
	}
	rec.FinalCost = s.cost(rec.CreditsUsed)
	s.metrics.Settled(rec.CreditsUsed, rec.CreditsRefunded)
	if rec.Overage > 0 && rec.CreditsReserved > 0 {
		slog.Warn("run used more credits than reserved", "run_id", rec.RunID, "reserved", rec.CreditsReserved, "overage", rec.Overage)
	}

	completed := &domain.AgentRun{RunID: run.RunID, SessionID: run.SessionID}
	s.emit(ctx, completed, domain.EventTypeBillingReconciled, domain.BillingReconciledPayload{
		RunID:           rec.RunID,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		TotalTokens:     rec.InputTokens + rec.OutputTokens,
		CreditsReserved: rec.CreditsReserved,
		CreditsUsed:     rec.CreditsUsed,
		CreditsRefunded: rec.CreditsRefunded,
		FinalCost:       rec.FinalCost,
		NewBalance:      rec.NewBalance,
	})

	payload := domain.RunCompletedPayload{CreditsUsed: rec.CreditsUsed, Overage: rec.Overage}
	if v, err := s.validator(ctx, run.RunID); err == nil {
		completion := v.ValidateWorkflowCompletion()
		payload.WorkflowComplete = completion.Complete
		for _, u := range completion.Unmet {
			payload.WorkflowUnmet = append(payload.WorkflowUnmet, u.Message)
		}
	}
	s.emit(ctx, completed, domain.EventTypeRunCompleted, payload)
	s.releaseWorkflow(ctx, run.RunID)

	slog.Info("run completed", "run_id", rec.RunID, "used", rec.CreditsUsed, "refunded", rec.CreditsRefunded, "balance", rec.NewBalance)
	return rec, nil
}

// CancelRun stops a run. A run currently driven by Chat is cancelled through
// its context and settled by the loop; an idle run is settled here.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	if cancel, ok := s.active.Load(runID); ok {
		cancel.(context.CancelFunc)()
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return store.ErrRunNotFound
	}
	if run.Status == domain.RunStatusCompleted {
		return nil // Already terminal
	}

	s.emit(ctx, run, domain.EventTypeRunCancelled, map[string]interface{}{
		"reason": "cancelled by user",
	})
	_, err = s.CompleteRun(ctx, domain.CompleteRunInput{RunID: runID, ActualCreditsUsed: run.CreditsConsumed})
	if errors.Is(err, store.ErrRunCompleted) {
		return nil
	}
	return err
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.AgentRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}
