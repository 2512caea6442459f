package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/archetype/internal/domain"
)

const walletColumns = `user_id, available_credits, reserved_credits, initial_monthly_credits, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*domain.CreditWallet, error) {
	var w domain.CreditWallet
	if err := row.Scan(&w.UserID, &w.AvailableCredits, &w.ReservedCredits, &w.InitialMonthlyCredits, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet opens a wallet funded with its first monthly allowance.
func (s *SQLStore) CreateWallet(ctx context.Context, userID string, monthlyCredits int64) (*domain.CreditWallet, error) {
	if monthlyCredits < 0 {
		return nil, fmt.Errorf("monthly credits must not be negative")
	}
	now := time.Now().UTC()
	var wallet *domain.CreditWallet
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrWalletExists
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO wallets (user_id, available_credits, reserved_credits, initial_monthly_credits, updated_at) VALUES (?, ?, 0, ?, ?)`,
			userID, monthlyCredits, monthlyCredits, now); err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		if monthlyCredits > 0 {
			if _, err := s.insertLedgerEntry(ctx, tx, &domain.LedgerEntry{
				UserID:       userID,
				DeltaCredits: monthlyCredits,
				Source:       domain.LedgerSourceMonthlyAllocation,
				ReferenceID:  "wallet-open",
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}
		wallet, err = s.getWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// GetWallet retrieves a wallet, or nil when the user has none.
func (s *SQLStore) GetWallet(ctx context.Context, userID string) (*domain.CreditWallet, error) {
	return s.getWallet(ctx, s.db, userID)
}

func (s *SQLStore) getWallet(ctx context.Context, q querier, userID string) (*domain.CreditWallet, error) {
	w, err := scanWallet(q.QueryRowContext(ctx,
		s.rebind(`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`), userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWalletUserIDs returns every wallet owner.
func (s *SQLStore) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddCredits applies a signed credit movement and records it in the ledger.
// A negative movement never takes available credits below zero.
func (s *SQLStore) AddCredits(ctx context.Context, userID string, credits int64, source domain.LedgerSource, referenceID string, metadata json.RawMessage) (*domain.LedgerEntry, *domain.CreditWallet, error) {
	if credits == 0 {
		return nil, nil, fmt.Errorf("credits must not be zero")
	}
	if !source.Valid() {
		return nil, nil, fmt.Errorf("unknown ledger source: %s", source)
	}
	now := time.Now().UTC()
	var (
		entry  *domain.LedgerEntry
		wallet *domain.CreditWallet
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		affected, err := s.exec(ctx, tx,
			`UPDATE wallets SET available_credits = available_credits + ?, updated_at = ? WHERE user_id = ? AND available_credits + ? >= 0`,
			credits, now, userID, credits)
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
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
		entry, err = s.insertLedgerEntry(ctx, tx, &domain.LedgerEntry{
			UserID:       userID,
			DeltaCredits: credits,
			Source:       source,
			ReferenceID:  referenceID,
			Metadata:     metadata,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		wallet, err = s.getWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, wallet, nil
}

// ResetMonthlyAllowance grants credits for period and makes them the new
// baseline for usage thresholds. A period is granted at most once per user.
func (s *SQLStore) ResetMonthlyAllowance(ctx context.Context, userID string, credits int64, period string) (*domain.CreditWallet, error) {
	if credits < 0 {
		return nil, fmt.Errorf("credits must not be negative")
	}
	reference := "allocation:" + period
	now := time.Now().UTC()
	var wallet *domain.CreditWallet
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT COUNT(*) FROM ledger_entries WHERE user_id = ? AND source = ? AND reference_id = ?`),
			userID, string(domain.LedgerSourceMonthlyAllocation), reference).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyAllocated
		}
		affected, err := s.exec(ctx, tx,
			`UPDATE wallets SET available_credits = available_credits + ?, initial_monthly_credits = ?, updated_at = ? WHERE user_id = ?`,
			credits, credits, now, userID)
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		if affected == 0 {
			return ErrWalletNotFound
		}
		if credits > 0 {
			if _, err := s.insertLedgerEntry(ctx, tx, &domain.LedgerEntry{
				UserID:       userID,
				DeltaCredits: credits,
				Source:       domain.LedgerSourceMonthlyAllocation,
				ReferenceID:  reference,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}
		wallet, err = s.getWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *SQLStore) insertLedgerEntry(ctx context.Context, q querier, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if e.EntryID == "" {
		e.EntryID = "le_" + uuid.New().String()
	}
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		metadata = sql.NullString{String: string(e.Metadata), Valid: true}
	}
	if _, err := s.exec(ctx, q,
		`INSERT INTO ledger_entries (entry_id, user_id, delta_credits, source, reference_id, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.UserID, e.DeltaCredits, string(e.Source), nullString(e.ReferenceID), metadata, e.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return e, nil
}

// ListLedgerEntries returns a user's ledger, oldest first.
func (s *SQLStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT entry_id, user_id, delta_credits, source, reference_id, metadata, created_at FROM ledger_entries WHERE user_id = ? ORDER BY created_at ASC, entry_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var reference, metadata sql.NullString
		if err := rows.Scan(&e.EntryID, &e.UserID, &e.DeltaCredits, &e.Source, &reference, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ReferenceID = reference.String
		if metadata.Valid {
			e.Metadata = json.RawMessage(metadata.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumLedger returns the signed sum of a user's ledger entries.
func (s *SQLStore) SumLedger(ctx context.Context, userID string) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT SUM(delta_credits) FROM ledger_entries WHERE user_id = ?`), userID).Scan(&sum)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return sum.Int64, nil
}
