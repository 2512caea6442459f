package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/archetype/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewFundedStore returns a store with one wallet per entry of balances.
func NewFundedStore(t *testing.T, balances map[string]int64) *store.SQLStore {
	t.Helper()

	s := NewTestSQLiteStore(t)
	for userID, credits := range balances {
		if _, err := s.CreateWallet(context.Background(), userID, credits); err != nil {
			t.Fatalf("failed to create wallet %s: %v", userID, err)
		}
	}
	return s
}
