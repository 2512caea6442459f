package domain

import (
	"encoding/json"
	"time"
)

// CreditWallet holds a user's credit balances. AvailableCredits never goes negative.
type CreditWallet struct {
	UserID                string    `json:"user_id"`
	AvailableCredits      int64     `json:"available_credits"`
	ReservedCredits       int64     `json:"reserved_credits"`
	InitialMonthlyCredits int64     `json:"initial_monthly_credits"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// LedgerEntry is an immutable, append-only record of a credit movement.
type LedgerEntry struct {
	EntryID      string          `json:"entry_id"`
	UserID       string          `json:"user_id"`
	DeltaCredits int64           `json:"delta_credits"`
	Source       LedgerSource    `json:"source"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
