package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/archetype/internal/domain"
)

const runColumns = `run_id, user_id, session_id, project_id, status, credits_reserved, credits_consumed, context, started_at, paused_at, resumed_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*domain.AgentRun, error) {
	var run domain.AgentRun
	var sessionID, projectID, runContext sql.NullString
	var pausedAt, resumedAt, completedAt sql.NullTime
	if err := row.Scan(&run.RunID, &run.UserID, &sessionID, &projectID, &run.Status,
		&run.CreditsReserved, &run.CreditsConsumed, &runContext,
		&run.StartedAt, &pausedAt, &resumedAt, &completedAt); err != nil {
		return nil, err
	}
	run.SessionID = sessionID.String
	run.ProjectID = projectID.String
	if runContext.Valid && runContext.String != "" {
		run.Context = json.RawMessage(runContext.String)
	}
	if pausedAt.Valid {
		run.PausedAt = &pausedAt.Time
	}
	if resumedAt.Valid {
		run.ResumedAt = &resumedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// CreateRunWithReservation inserts run and moves run.CreditsReserved from
// the user's available to reserved credits in one transaction. When the
// guarded decrement matches no row the run insert is rolled back too.
func (s *SQLStore) CreateRunWithReservation(ctx context.Context, run *domain.AgentRun) error {
	if run.CreditsReserved < 0 {
		return fmt.Errorf("reservation must not be negative")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var runContext sql.NullString
		if len(run.Context) > 0 {
			runContext = sql.NullString{String: string(run.Context), Valid: true}
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO runs (run_id, user_id, session_id, project_id, status, credits_reserved, credits_consumed, context, started_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			run.RunID, run.UserID, nullString(run.SessionID), nullString(run.ProjectID), string(run.Status),
			run.CreditsReserved, runContext, run.StartedAt); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if run.CreditsReserved == 0 {
			return nil
		}
		return s.reserve(ctx, tx, run.UserID, run.CreditsReserved)
	})
}

// reserve is the guarded available → reserved move.
func (s *SQLStore) reserve(ctx context.Context, tx *sql.Tx, userID string, credits int64) error {
	affected, err := s.exec(ctx, tx,
		`UPDATE wallets SET available_credits = available_credits - ?, reserved_credits = reserved_credits + ?, updated_at = ? WHERE user_id = ? AND available_credits >= ?`,
		credits, credits, time.Now().UTC(), userID, credits)
	if err != nil {
		return fmt.Errorf("reserve credits: %w", err)
	}
	if affected == 0 {
		existing, err := s.getWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrWalletNotFound
		}
		return ErrInsufficientCredits
	}
	return nil
}

// GetRun retrieves a run by ID, or nil when it does not exist.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*domain.AgentRun, error) {
	return s.getRun(ctx, s.db, runID)
}

func (s *SQLStore) getRun(ctx context.Context, q querier, runID string) (*domain.AgentRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`), runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// runStateError explains why a guarded run update matched no row.
func (s *SQLStore) runStateError(ctx context.Context, q querier, runID string, want error) error {
	run, err := s.getRun(ctx, q, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	if run.Status == domain.RunStatusCompleted {
		return ErrRunCompleted
	}
	return want
}

// RecordRunUsage adds consumed credits to a running run.
func (s *SQLStore) RecordRunUsage(ctx context.Context, runID string, credits int64) (*domain.AgentRun, error) {
	if credits < 0 {
		return nil, fmt.Errorf("usage must not be negative")
	}
	affected, err := s.exec(ctx, s.db,
		`UPDATE runs SET credits_consumed = credits_consumed + ? WHERE run_id = ? AND status = ?`,
		credits, runID, string(domain.RunStatusRunning))
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.runStateError(ctx, s.db, runID, ErrRunNotRunning)
	}
	return s.GetRun(ctx, runID)
}

// PauseRun parks a running run with its resumable context.
func (s *SQLStore) PauseRun(ctx context.Context, runID string, runContext json.RawMessage) (*domain.AgentRun, error) {
	var blob sql.NullString
	if len(runContext) > 0 {
		blob = sql.NullString{String: string(runContext), Valid: true}
	}
	affected, err := s.exec(ctx, s.db,
		`UPDATE runs SET status = ?, context = ?, paused_at = ? WHERE run_id = ? AND status = ?`,
		string(domain.RunStatusPaused), blob, time.Now().UTC(), runID, string(domain.RunStatusRunning))
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.runStateError(ctx, s.db, runID, ErrRunNotRunning)
	}
	return s.GetRun(ctx, runID)
}

// ResumeRun reserves additionalCredits through the guarded path and puts a
// paused run back to running.
func (s *SQLStore) ResumeRun(ctx context.Context, runID string, additionalCredits int64) (*domain.AgentRun, error) {
	if additionalCredits < 0 {
		return nil, fmt.Errorf("additional credits must not be negative")
	}
	var run *domain.AgentRun
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrRunNotFound
		}
		if current.Status != domain.RunStatusPaused {
			if current.Status == domain.RunStatusCompleted {
				return ErrRunCompleted
			}
			return ErrRunNotPaused
		}
		if additionalCredits > 0 {
			if err := s.reserve(ctx, tx, current.UserID, additionalCredits); err != nil {
				return err
			}
		}
		affected, err := s.exec(ctx, tx,
			`UPDATE runs SET status = ?, credits_reserved = credits_reserved + ?, resumed_at = ? WHERE run_id = ? AND status = ?`,
			string(domain.RunStatusRunning), additionalCredits, time.Now().UTC(), runID, string(domain.RunStatusPaused))
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrRunNotPaused
		}
		run, err = s.getRun(ctx, tx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun settles a run in one transaction: the unused reservation goes
// back to available, one ledger entry records the consumption, the run is
// marked completed and the resulting balance is read back. Usage above the
// reservation is first reserved from available through the guarded path, so
// the run never completes with more consumed than reserved; when the wallet
// cannot cover it the settlement fails with ErrInsufficientCredits. Runs
// without a reservation are free and settle at zero.
func (s *SQLStore) CompleteRun(ctx context.Context, st Settlement) (*domain.Reconciliation, error) {
	if st.CreditsUsed < 0 {
		return nil, fmt.Errorf("credits used must not be negative")
	}
	var rec *domain.Reconciliation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := s.getRun(ctx, tx, st.RunID)
		if err != nil {
			return err
		}
		if run == nil {
			return ErrRunNotFound
		}
		if run.Status == domain.RunStatusCompleted {
			return ErrRunCompleted
		}

		now := time.Now().UTC()
		reserved := run.CreditsReserved
		var used, overage int64
		if reserved > 0 {
			used = st.CreditsUsed
			overage = max(used-reserved, 0)
		}
		if overage > 0 {
			if err := s.reserve(ctx, tx, run.UserID, overage); err != nil {
				return fmt.Errorf("reserve overage: %w", err)
			}
			if _, err := s.exec(ctx, tx,
				`UPDATE runs SET credits_reserved = credits_reserved + ? WHERE run_id = ?`,
				overage, run.RunID); err != nil {
				return fmt.Errorf("extend reservation: %w", err)
			}
			reserved += overage
		}
		refund := reserved - used

		if reserved > 0 {
			affected, err := s.exec(ctx, tx,
				`UPDATE wallets SET available_credits = available_credits + ?, reserved_credits = reserved_credits - ?, updated_at = ? WHERE user_id = ? AND reserved_credits >= ?`,
				refund, reserved, now, run.UserID, reserved)
			if err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			if affected == 0 {
				return ErrInsufficientReserved
			}
		}

		metadata, err := json.Marshal(map[string]any{
			"credits_reserved": reserved,
			"credits_refunded": refund,
			"input_tokens":     st.InputTokens,
			"output_tokens":    st.OutputTokens,
			"overage":          overage,
			"free_access":      reserved == 0,
		})
		if err != nil {
			return err
		}
		entry, err := s.insertLedgerEntry(ctx, tx, &domain.LedgerEntry{
			UserID:       run.UserID,
			DeltaCredits: -used,
			Source:       domain.LedgerSourceConsumption,
			ReferenceID:  run.RunID,
			Metadata:     metadata,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}

		affected, err := s.exec(ctx, tx,
			`UPDATE runs SET status = ?, credits_consumed = ?, completed_at = ? WHERE run_id = ? AND status <> ?`,
			string(domain.RunStatusCompleted), used, now, run.RunID, string(domain.RunStatusCompleted))
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		if affected == 0 {
			return ErrRunCompleted
		}

		rec = &domain.Reconciliation{
			RunID:           run.RunID,
			UserID:          run.UserID,
			SessionID:       run.SessionID,
			CreditsReserved: reserved,
			CreditsUsed:     used,
			CreditsRefunded: refund,
			Overage:         overage,
			InputTokens:     st.InputTokens,
			OutputTokens:    st.OutputTokens,
			LedgerEntryID:   entry.EntryID,
			CompletedAt:     now,
		}
		wallet, err := s.getWallet(ctx, tx, run.UserID)
		if err != nil {
			return err
		}
		if wallet != nil {
			rec.NewBalance = wallet.AvailableCredits
			rec.ReservedBalance = wallet.ReservedCredits
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
