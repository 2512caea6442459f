package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/archetype/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustWallet(t *testing.T, s *SQLStore, userID string, credits int64) {
	t.Helper()
	if _, err := s.CreateWallet(context.Background(), userID, credits); err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
}

func mustStart(t *testing.T, s *SQLStore, runID, userID string, credits int64) *domain.AgentRun {
	t.Helper()
	run := &domain.AgentRun{RunID: runID, UserID: userID, SessionID: "s1", ProjectID: "p1", CreditsReserved: credits}
	if err := s.CreateRunWithReservation(context.Background(), run); err != nil {
		t.Fatalf("CreateRunWithReservation failed: %v", err)
	}
	return run
}

func TestWalletLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.CreateWallet(ctx, "u1", 100)
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	if w.AvailableCredits != 100 || w.InitialMonthlyCredits != 100 || w.ReservedCredits != 0 {
		t.Fatalf("unexpected wallet: %+v", w)
	}
	if _, err := s.CreateWallet(ctx, "u1", 5); !errors.Is(err, ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists, got %v", err)
	}

	entry, w, err := s.AddCredits(ctx, "u1", 50, domain.LedgerSourcePurchase, "order-1", json.RawMessage(`{"sku":"pack-50"}`))
	if err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	if w.AvailableCredits != 150 || entry.DeltaCredits != 50 {
		t.Fatalf("unexpected top-up result: wallet=%+v entry=%+v", w, entry)
	}

	if _, _, err := s.AddCredits(ctx, "u1", -151, domain.LedgerSourceAdjustment, "", nil); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, _, err := s.AddCredits(ctx, "ghost", 10, domain.LedgerSourcePurchase, "", nil); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	if _, _, err := s.AddCredits(ctx, "u1", 10, "gift", "", nil); err == nil {
		t.Fatal("expected error for unknown source")
	}

	entries, err := s.ListLedgerEntries(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListLedgerEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	if entries[0].Source != domain.LedgerSourceMonthlyAllocation || entries[1].Source != domain.LedgerSourcePurchase {
		t.Fatalf("unexpected ledger order: %+v", entries)
	}
	if string(entries[1].Metadata) != `{"sku":"pack-50"}` {
		t.Fatalf("unexpected metadata: %s", entries[1].Metadata)
	}

	missing, err := s.GetWallet(ctx, "ghost")
	if err != nil || missing != nil {
		t.Fatalf("expected nil wallet, got %+v, %v", missing, err)
	}
}

func TestReserveCompleteConservesCredits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustWallet(t, s, "u1", 10)

	before, _ := s.GetWallet(ctx, "u1")
	mustStart(t, s, "r1", "u1", 2)

	w, _ := s.GetWallet(ctx, "u1")
	if w.AvailableCredits != 8 || w.ReservedCredits != 2 {
		t.Fatalf("unexpected wallet after reservation: %+v", w)
	}

	rec, err := s.CompleteRun(ctx, Settlement{RunID: "r1", CreditsUsed: 1, InputTokens: 700, OutputTokens: 200})
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if rec.CreditsUsed != 1 || rec.CreditsRefunded != 1 || rec.NewBalance != 9 || rec.ReservedBalance != 0 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}

	after, _ := s.GetWallet(ctx, "u1")
	if after.AvailableCredits+after.ReservedCredits != before.AvailableCredits+before.ReservedCredits-1 {
		t.Fatalf("credits not conserved: before=%+v after=%+v", before, after)
	}

	entries, _ := s.ListLedgerEntries(ctx, "u1", 0)
	last := entries[len(entries)-1]
	if last.DeltaCredits != -1 || last.Source != domain.LedgerSourceConsumption || last.ReferenceID != "r1" {
		t.Fatalf("unexpected consumption entry: %+v", last)
	}
	sum, err := s.SumLedger(ctx, "u1")
	if err != nil {
		t.Fatalf("SumLedger failed: %v", err)
	}
	if sum != after.AvailableCredits+after.ReservedCredits {
		t.Fatalf("ledger sum %d does not match wallet %+v", sum, after)
	}

	run, _ := s.GetRun(ctx, "r1")
	if run.Status != domain.RunStatusCompleted || run.CreditsConsumed != 1 || run.CompletedAt == nil {
		t.Fatalf("unexpected run: %+v", run)
	}

	if _, err := s.CompleteRun(ctx, Settlement{RunID: "r1", CreditsUsed: 1}); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("expected ErrRunCompleted, got %v", err)
	}
	if _, err := s.CompleteRun(ctx, Settlement{RunID: "nope"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestReservationFailureRollsBackRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustWallet(t, s, "u1", 1)

	err := s.CreateRunWithReservation(ctx, &domain.AgentRun{RunID: "r1", UserID: "u1", CreditsReserved: 2})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	run, err := s.GetRun(ctx, "r1")
	if err != nil || run != nil {
		t.Fatalf("run should not exist after failed reservation: %+v, %v", run, err)
	}
	w, _ := s.GetWallet(ctx, "u1")
	if w.AvailableCredits != 1 || w.ReservedCredits != 0 {
		t.Fatalf("wallet changed by failed reservation: %+v", w)
	}

	err = s.CreateRunWithReservation(ctx, &domain.AgentRun{RunID: "r2", UserID: "nobody", CreditsReserved: 1})
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestConcurrentReservationsDoNotDoubleSpend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustWallet(t, s, "u1", 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.CreateRunWithReservation(ctx, &domain.AgentRun{
				RunID:           []string{"ra", "rb"}[i],
				UserID:          "u1",
				CreditsReserved: 5,
			})
		}()
	}
	wg.Wait()

	succeeded, failed := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientCredits):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected one success and one failure, got %d/%d", succeeded, failed)
	}
	w, _ := s.GetWallet(ctx, "u1")
	if w.AvailableCredits != 0 || w.ReservedCredits != 5 {
		t.Fatalf("unexpected wallet: %+v", w)
	}
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustWallet(t, s, "u1", 10)
	mustStart(t, s, "r1", "u1", 2)

	run, err := s.RecordRunUsage(ctx, "r1", 2)
	if err != nil {
		t.Fatalf("RecordRunUsage failed: %v", err)
	}
	if run.CreditsConsumed != 2 {
		t.Fatalf("unexpected consumption: %d", run.CreditsConsumed)
	}

	if _, err := s.ResumeRun(ctx, "r1", 1); !errors.Is(err, ErrRunNotPaused) {
		t.Fatalf("expected ErrRunNotPaused, got %v", err)
	}

	blob := json.RawMessage(`{"messages":3}`)
	run, err = s.PauseRun(ctx, "r1", blob)
	if err != nil {
		t.Fatalf("PauseRun failed: %v", err)
	}
	if run.Status != domain.RunStatusPaused || string(run.Context) != string(blob) || run.PausedAt == nil {
		t.Fatalf("unexpected paused run: %+v", run)
	}
	if _, err := s.RecordRunUsage(ctx, "r1", 1); !errors.Is(err, ErrRunNotRunning) {
		t.Fatalf("expected ErrRunNotRunning, got %v", err)
	}
	if _, err := s.PauseRun(ctx, "r1", nil); !errors.Is(err, ErrRunNotRunning) {
		t.Fatalf("expected ErrRunNotRunning, got %v", err)
	}

	if _, err := s.ResumeRun(ctx, "r1", 100); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	run, err = s.ResumeRun(ctx, "r1", 3)
	if err != nil {
		t.Fatalf("ResumeRun failed: %v", err)
	}
	if run.Status != domain.RunStatusRunning || run.CreditsReserved != 5 || run.ResumedAt == nil {
		t.Fatalf("unexpected resumed run: %+v", run)
	}
	w, _ := s.GetWallet(ctx, "u1")
	if w.AvailableCredits != 5 || w.ReservedCredits != 5 {
		t.Fatalf("unexpected wallet: %+v", w)
	}

	rec, err := s.CompleteRun(ctx, Settlement{RunID: "r1", CreditsUsed: 4})
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if rec.CreditsRefunded != 1 || rec.NewBalance != 6 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
	if _, err := s.RecordRunUsage(ctx, "r1", 1); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("expected ErrRunCompleted, got %v", err)
	}
}

func TestCompleteChargesOverage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustWallet(t, s, "u1", 10)
	mustStart(t, s, "r1", "u1", 2)

	rec, err := s.CompleteRun(ctx, Settlement{RunID: "r1", CreditsUsed: 5})
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if rec.CreditsUsed != 5 || rec.CreditsReserved != 5 || rec.Overage != 3 || rec.CreditsRefunded != 0 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
	w, _ := s.GetWallet(ctx, "u1")
	if w.AvailableCredits+w.ReservedCredits != 10-5 || w.ReservedCredits != 0 {
		t.Fatalf("credits not conserved: %+v", w)
	}
	run, _ := s.GetRun(ctx, "r1")
	if run.CreditsConsumed != 5 || run.CreditsReserved != 5 {
		t.Fatalf("consumed exceeds reserved: %+v", run)
	}

	entries, _ := s.ListLedgerEntries(ctx, "u1", 0)
	last := entries[len(entries)-1]
	if last.DeltaCredits != -5 {
		t.Fatalf("ledger entry truncated: %d", last.DeltaCredits)
	}
	var meta map[string]any
	if err := json.Unmarshal(last.Metadata, &meta); err != nil {
		t.Fatalf("bad metadata: %v", err)
	}
	if meta["overage"] != float64(3) {
		t.Fatalf("overage not recorded: %v", meta)
	}
}

func TestCompleteOverageBeyondBalanceRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustWallet(t, s, "u1", 3)
	mustStart(t, s, "r1", "u1", 2)
	before, _ := s.ListLedgerEntries(ctx, "u1", 0)

	if _, err := s.CompleteRun(ctx, Settlement{RunID: "r1", CreditsUsed: 5}); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	w, _ := s.GetWallet(ctx, "u1")
	if w.AvailableCredits != 1 || w.ReservedCredits != 2 {
		t.Fatalf("wallet changed by failed settlement: %+v", w)
	}
	run, _ := s.GetRun(ctx, "r1")
	if run.Status != domain.RunStatusRunning || run.CreditsReserved != 2 {
		t.Fatalf("run changed by failed settlement: %+v", run)
	}
	after, _ := s.ListLedgerEntries(ctx, "u1", 0)
	if len(after) != len(before) {
		t.Fatalf("ledger entry written by failed settlement: %d -> %d", len(before), len(after))
	}
}

func TestFreeRunHasNoReservation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustStart(t, s, "r1", "owner", 0)
	rec, err := s.CompleteRun(ctx, Settlement{RunID: "r1", CreditsUsed: 3})
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if rec.CreditsUsed != 0 || rec.CreditsReserved != 0 || rec.LedgerEntryID == "" {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
}

func TestResetMonthlyAllowance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustWallet(t, s, "u1", 10)

	w, err := s.ResetMonthlyAllowance(ctx, "u1", 40, "2026-11")
	if err != nil {
		t.Fatalf("ResetMonthlyAllowance failed: %v", err)
	}
	if w.AvailableCredits != 50 || w.InitialMonthlyCredits != 40 {
		t.Fatalf("unexpected wallet: %+v", w)
	}
	if _, err := s.ResetMonthlyAllowance(ctx, "u1", 40, "2026-11"); !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
	}
	if _, err := s.ResetMonthlyAllowance(ctx, "ghost", 40, "2026-11"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}

	ids, err := s.ListWalletUserIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("unexpected wallet ids: %v, %v", ids, err)
	}
}

func TestEventsAndMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, "r1", "u1", 0)

	for i, typ := range []domain.EventType{domain.EventTypeRunStarted, domain.EventTypeBillingEstimate, domain.EventTypeToolResult} {
		if err := s.CreateEvent(ctx, &domain.Event{EventID: []string{"e1", "e2", "e3"}[i], RunID: "r1", Ts: int64(100 + i), Type: typ, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
	}
	events, err := s.GetEvents(ctx, "r1", 100, []string{string(domain.EventTypeToolResult), string(domain.EventTypeBillingEstimate)}, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e2" {
		t.Fatalf("unexpected events: %+v", events)
	}

	base := time.Now().UTC()
	msgs := []*domain.Message{
		{SessionID: "s1", RunID: "r1", Role: domain.RoleUser, Content: "fix the bug", CreatedAt: base},
		{SessionID: "s1", RunID: "r1", Role: domain.RoleAssistant, CreatedAt: base.Add(time.Millisecond), ToolCalls: []domain.ToolCallRequest{{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a.go"}}}},
		{SessionID: "s1", RunID: "r1", Role: domain.RoleTool, CreatedAt: base.Add(2 * time.Millisecond), ToolResults: []domain.ToolResult{{ToolCallID: "c1", Name: "read_file", Content: "package a"}}},
	}
	for _, m := range msgs {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}
	got, err := s.GetMessages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 2 || got[0].Role != domain.RoleAssistant || got[1].Role != domain.RoleTool {
		t.Fatalf("unexpected messages: %+v", got)
	}
	if got[0].ToolCalls[0].Args["path"] != "a.go" || got[1].ToolResults[0].ToolCallID != "c1" {
		t.Fatalf("tool payloads not restored: %+v", got)
	}
}

func TestWorkflowKnowledgeAndTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, "r1", "u1", 0)

	if state, err := s.GetWorkflowState(ctx, "r1"); err != nil || state != nil {
		t.Fatalf("expected no state, got %s, %v", state, err)
	}
	if err := s.SaveWorkflowState(ctx, "r1", json.RawMessage(`{"phase":"assess"}`)); err != nil {
		t.Fatalf("SaveWorkflowState failed: %v", err)
	}
	if err := s.SaveWorkflowState(ctx, "r1", json.RawMessage(`{"phase":"plan"}`)); err != nil {
		t.Fatalf("SaveWorkflowState failed: %v", err)
	}
	state, err := s.GetWorkflowState(ctx, "r1")
	if err != nil || string(state) != `{"phase":"plan"}` {
		t.Fatalf("unexpected state: %s, %v", state, err)
	}

	for _, e := range []*domain.KnowledgeEntry{
		{UserID: "u1", ProjectID: "p1", Key: "build", Content: "run make build", Tags: []string{"ci"}},
		{UserID: "u1", ProjectID: "p1", Key: "style", Content: "tabs not spaces"},
		{UserID: "u1", ProjectID: "p2", Key: "build", Content: "run bazel"},
	} {
		if err := s.SaveKnowledge(ctx, e); err != nil {
			t.Fatalf("SaveKnowledge failed: %v", err)
		}
	}
	found, err := s.RecallKnowledge(ctx, "u1", "p1", "BUILD", 10)
	if err != nil {
		t.Fatalf("RecallKnowledge failed: %v", err)
	}
	if len(found) != 1 || found[0].Content != "run make build" || len(found[0].Tags) != 1 {
		t.Fatalf("unexpected recall: %+v", found)
	}
	all, _ := s.RecallKnowledge(ctx, "u1", "p1", "", 10)
	if len(all) != 2 {
		t.Fatalf("expected 2 entries in scope, got %d", len(all))
	}

	tasks := []domain.TaskItem{{Title: "write test", Status: domain.TaskStatusDone}}
	if err := s.SaveTaskList(ctx, "r1", tasks); err != nil {
		t.Fatalf("SaveTaskList failed: %v", err)
	}
	got, err := s.GetTaskList(ctx, "r1")
	if err != nil || len(got) != 1 || got[0].Status != domain.TaskStatusDone {
		t.Fatalf("unexpected tasks: %+v, %v", got, err)
	}
}

func TestModerncDriver(t *testing.T) {
	ctx := context.Background()
	s, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	mustWallet(t, s, "u1", 3)
	mustStart(t, s, "r1", "u1", 3)
	rec, err := s.CompleteRun(ctx, Settlement{RunID: "r1", CreditsUsed: 2})
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if rec.NewBalance != 1 {
		t.Fatalf("unexpected balance: %d", rec.NewBalance)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	got := pg.rebind(`UPDATE wallets SET a = a - ? WHERE user_id = ? AND a >= ?`)
	want := `UPDATE wallets SET a = a - $1 WHERE user_id = $2 AND a >= $3`
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	lite := &SQLStore{driver: DriverSQLite3}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Fatalf("sqlite query rewritten: %q", q)
	}
}
