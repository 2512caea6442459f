// Package store persists wallets, runs, the credit ledger and run history.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xiaot623/archetype/internal/domain"
)

// Sentinel errors. Guarded updates that match zero rows map to one of these.
var (
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrWalletExists         = errors.New("wallet already exists")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrInsufficientReserved = errors.New("insufficient reserved credits")
	ErrRunNotFound          = errors.New("run not found")
	ErrRunNotRunning        = errors.New("run is not running")
	ErrRunNotPaused         = errors.New("run is not paused")
	ErrRunCompleted         = errors.New("run already completed")
	ErrAlreadyAllocated     = errors.New("allocation already granted for period")
)

// Settlement is the input of CompleteRun.
type Settlement struct {
	RunID        string
	CreditsUsed  int64
	InputTokens  int64
	OutputTokens int64
}

// Store defines the interface for data persistence.
type Store interface {
	// Wallet operations
	CreateWallet(ctx context.Context, userID string, monthlyCredits int64) (*domain.CreditWallet, error)
	GetWallet(ctx context.Context, userID string) (*domain.CreditWallet, error)
	ListWalletUserIDs(ctx context.Context) ([]string, error)
	AddCredits(ctx context.Context, userID string, credits int64, source domain.LedgerSource, referenceID string, metadata json.RawMessage) (*domain.LedgerEntry, *domain.CreditWallet, error)
	ResetMonthlyAllowance(ctx context.Context, userID string, credits int64, period string) (*domain.CreditWallet, error)

	// Ledger operations
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
	SumLedger(ctx context.Context, userID string) (int64, error)

	// Run operations
	CreateRunWithReservation(ctx context.Context, run *domain.AgentRun) error
	GetRun(ctx context.Context, runID string) (*domain.AgentRun, error)
	RecordRunUsage(ctx context.Context, runID string, credits int64) (*domain.AgentRun, error)
	PauseRun(ctx context.Context, runID string, runContext json.RawMessage) (*domain.AgentRun, error)
	ResumeRun(ctx context.Context, runID string, additionalCredits int64) (*domain.AgentRun, error)
	CompleteRun(ctx context.Context, s Settlement) (*domain.Reconciliation, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// Workflow state snapshots
	SaveWorkflowState(ctx context.Context, runID string, state json.RawMessage) error
	GetWorkflowState(ctx context.Context, runID string) (json.RawMessage, error)

	// Tool collaborators
	SaveKnowledge(ctx context.Context, entry *domain.KnowledgeEntry) error
	RecallKnowledge(ctx context.Context, userID, projectID, query string, limit int) ([]*domain.KnowledgeEntry, error)
	SaveTaskList(ctx context.Context, runID string, tasks []domain.TaskItem) error
	GetTaskList(ctx context.Context, runID string) ([]domain.TaskItem, error)

	// Lifecycle
	Close() error
}

var _ Store = (*SQLStore)(nil)
