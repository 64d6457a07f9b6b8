package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "payouts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(from, purpose string, phase int, amount int64) PayoutRecord {
	return PayoutRecord{
		ID:       uuid.NewString(),
		DealID:   "deal-1",
		LegID:    "leg-1",
		LedgerID: "btc-main",
		FromAddr: from,
		ToAddr:   "bc1q-destination",
		Asset:    "BTC",
		Amount:   big.NewInt(amount),
		Purpose:  purpose,
		Phase:    phase,
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := record("bc1q-escrow", "swap", 0, 1000)
	inserted, err := store.Enqueue(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("first enqueue: inserted=%v err=%v", inserted, err)
	}
	dup := record("bc1q-escrow", "swap", 0, 9999)
	inserted, err = store.Enqueue(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate (from,purpose,phase) must not insert")
	}
	got, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount.Int64() != 1000 {
		t.Fatalf("existing row must win, amount = %s", got.Amount)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
}

func TestDueLeasing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	for i, from := range []string{"bc1q-one", "bc1q-two"} {
		if _, err := store.Enqueue(ctx, record(from, "swap", 0, int64(100+i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	due, err := store.Due(ctx, now, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due rows, got %d", len(due))
	}
	again, err := store.Due(ctx, now, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("due during lease: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased rows must not be handed out twice, got %d", len(again))
	}
	after, err := store.Due(ctx, now.Add(31*time.Second), 30*time.Second, 10)
	if err != nil {
		t.Fatalf("due after lease: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expired lease must release rows, got %d", len(after))
	}
}

func TestStatusFlow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := record("bc1q-escrow", "swap", 0, 1000)
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	txids := []string{"aa11", "bb22"}
	if err := store.MarkSubmitted(ctx, rec.ID, txids, now); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	submitted, err := store.Submitted(ctx)
	if err != nil {
		t.Fatalf("submitted: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected 1 submitted row, got %d", len(submitted))
	}
	if len(submitted[0].TxIDs) != 2 {
		t.Fatalf("expected 2 txids, got %v", submitted[0].TxIDs)
	}
	if submitted[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", submitted[0].Attempts)
	}
	if err := store.MarkConfirmed(ctx, rec.ID, now); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	unfinished, err := store.Unfinished(ctx, rec.FromAddr)
	if err != nil {
		t.Fatalf("unfinished: %v", err)
	}
	if unfinished != 0 {
		t.Fatalf("unfinished = %d, want 0", unfinished)
	}
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusConfirmed || got.CompletedAt.IsZero() {
		t.Fatalf("row not finalised: %+v", got)
	}
}

func TestAmountModeRoundTripAndUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	exact := record("bc1q-escrow", "swap", 0, 1000)
	if _, err := store.Enqueue(ctx, exact); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := store.Get(ctx, exact.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Mode != ModeExact {
		t.Fatalf("unset mode must default to exact, got %q", got.Mode)
	}

	remaining := record("bc1q-escrow", "refund", 2, 470_000)
	remaining.Mode = ModeRemaining
	if _, err := store.Enqueue(ctx, remaining); err != nil {
		t.Fatalf("enqueue remaining: %v", err)
	}
	got, err = store.Get(ctx, remaining.ID)
	if err != nil {
		t.Fatalf("get remaining: %v", err)
	}
	if got.Mode != ModeRemaining {
		t.Fatalf("mode = %q, want %q", got.Mode, ModeRemaining)
	}

	// The queue rewrites the amount with what the sweep actually moved.
	if err := store.UpdateAmount(ctx, remaining.ID, big.NewInt(469_096)); err != nil {
		t.Fatalf("update amount: %v", err)
	}
	got, err = store.Get(ctx, remaining.ID)
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if got.Amount.Int64() != 469_096 {
		t.Fatalf("amount = %s, want 469096", got.Amount)
	}
	if got.Mode != ModeRemaining {
		t.Fatalf("mode must survive the amount update, got %q", got.Mode)
	}
	if err := store.UpdateAmount(ctx, remaining.ID, big.NewInt(-1)); err == nil {
		t.Fatal("negative amount must be rejected")
	}
}

func TestPhaseGate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	swap := record("bc1q-escrow", "swap", 0, 1000)
	fee := record("bc1q-escrow", "fee", 1, 3)
	for _, rec := range []PayoutRecord{swap, fee} {
		if _, err := store.Enqueue(ctx, rec); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	open, err := store.PhaseComplete(ctx, "bc1q-escrow", 1)
	if err != nil {
		t.Fatalf("phase gate: %v", err)
	}
	if open {
		t.Fatalf("phase 1 must wait for phase 0")
	}
	if err := store.MarkConfirmed(ctx, swap.ID, now); err != nil {
		t.Fatalf("confirm swap: %v", err)
	}
	open, err = store.PhaseComplete(ctx, "bc1q-escrow", 1)
	if err != nil {
		t.Fatalf("phase gate: %v", err)
	}
	if !open {
		t.Fatalf("phase 1 should open once phase 0 confirmed")
	}
	// phase 0 is never gated
	open, err = store.PhaseComplete(ctx, "bc1q-other", 0)
	if err != nil || !open {
		t.Fatalf("phase 0 gate: open=%v err=%v", open, err)
	}
}

func TestRescheduleAndFail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	rec := record("bc1q-escrow", "swap", 0, 1000)
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Reschedule(ctx, rec.ID, now.Add(time.Minute), "rpc timeout"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	due, err := store.Due(ctx, now, time.Second, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("rescheduled row must wait, got %d", len(due))
	}
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 || got.LastError != "rpc timeout" {
		t.Fatalf("reschedule bookkeeping wrong: %+v", got)
	}
	if err := store.MarkFailed(ctx, rec.ID, "invalid address", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := store.Failed(ctx, rec.FromAddr)
	if err != nil || failed != 1 {
		t.Fatalf("failed count = %d err=%v", failed, err)
	}
}

func TestResubmitKeepsTxIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := record("bc1q-escrow", "swap", 0, 1000)
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkSubmitted(ctx, rec.ID, []string{"dead-tx"}, now); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := store.Resubmit(ctx, rec.ID, now, "transaction dropped"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	if len(got.TxIDs) != 1 || got.TxIDs[0] != "dead-tx" {
		t.Fatalf("dropped txid must stay on record, got %v", got.TxIDs)
	}
}

func TestReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payouts.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := record("bc1q-escrow", "swap", 0, 1000)
	if _, err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkSubmitted(ctx, rec.ID, []string{"aa11"}, time.Now()); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	submitted, err := reopened.Submitted(ctx)
	if err != nil {
		t.Fatalf("submitted after reopen: %v", err)
	}
	if len(submitted) != 1 || len(submitted[0].TxIDs) != 1 {
		t.Fatalf("in-flight work must survive restart, got %+v", submitted)
	}
	// replaying the same enqueue is a no-op
	inserted, err := reopened.Enqueue(ctx, record("bc1q-escrow", "swap", 0, 1000))
	if err != nil {
		t.Fatalf("replay enqueue: %v", err)
	}
	if inserted {
		t.Fatalf("replayed movement must not create a second row")
	}
}

func TestRecoveryAudit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	event := RecoveryEvent{
		PayoutID: "payout-1",
		DealID:   "deal-1",
		Kind:     "fee_bump",
		Detail:   "gas price raised 110%",
		OldTxID:  "aa11",
		NewTxID:  "bb22",
	}
	if err := store.RecordRecovery(ctx, event); err != nil {
		t.Fatalf("record recovery: %v", err)
	}
	events, err := store.RecoveryEvents(ctx, "deal-1")
	if err != nil {
		t.Fatalf("recovery events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != "fee_bump" || events[0].NewTxID != "bb22" {
		t.Fatalf("event round trip wrong: %+v", events[0])
	}
	if events[0].OccurredAt.IsZero() {
		t.Fatalf("occurred_at must default")
	}
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected path error")
	}
}
