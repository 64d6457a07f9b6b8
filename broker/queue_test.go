package broker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"otcbroker/broker/storage"
	"otcbroker/chain"
	"otcbroker/deal"
)

func testQueue(env *env, settings map[string]LedgerSettings) *Queue {
	return NewQueue(env.deals, env.payouts, env.registry, env.checkpoints, settings, testLogger())
}

func enqueueRow(t *testing.T, env *env, d *deal.Deal, leg deal.Leg, purpose string, phase int, amount int64) storage.PayoutRecord {
	t.Helper()
	rec := storage.PayoutRecord{
		ID:       uuid.NewString(),
		DealID:   d.ID.String(),
		LegID:    leg.ID.String(),
		LedgerID: leg.LedgerID,
		FromAddr: leg.EscrowAddress,
		ToAddr:   "dest-" + purpose,
		Asset:    leg.Asset,
		Amount:   big.NewInt(amount),
		Purpose:  purpose,
		Phase:    phase,
	}
	if _, err := env.payouts.Enqueue(context.Background(), rec); err != nil {
		t.Fatalf("enqueue %s: %v", purpose, err)
	}
	return rec
}

func submittedRow(t *testing.T, env *env, d *deal.Deal, leg deal.Leg, purpose string, txids ...string) storage.PayoutRecord {
	t.Helper()
	rec := enqueueRow(t, env, d, leg, purpose, 0, 1000)
	if err := env.payouts.MarkSubmitted(context.Background(), rec.ID, txids, time.Now()); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	rec.TxIDs = txids
	return rec
}

func enqueueRemainingRow(t *testing.T, env *env, d *deal.Deal, leg deal.Leg, phase int, amount int64) storage.PayoutRecord {
	t.Helper()
	rec := storage.PayoutRecord{
		ID:       uuid.NewString(),
		DealID:   d.ID.String(),
		LegID:    leg.ID.String(),
		LedgerID: leg.LedgerID,
		FromAddr: leg.EscrowAddress,
		ToAddr:   "dest-refund",
		Asset:    leg.Asset,
		Amount:   big.NewInt(amount),
		Purpose:  "refund",
		Phase:    phase,
		Mode:     storage.ModeRemaining,
	}
	if _, err := env.payouts.Enqueue(context.Background(), rec); err != nil {
		t.Fatalf("enqueue refund: %v", err)
	}
	return rec
}

func confirmedRow(t *testing.T, env *env, d *deal.Deal, leg deal.Leg, purpose string, phase int, amount int64, txid string) storage.PayoutRecord {
	t.Helper()
	rec := enqueueRow(t, env, d, leg, purpose, phase, amount)
	if err := env.payouts.MarkSubmitted(context.Background(), rec.ID, []string{txid}, time.Now()); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := env.payouts.MarkConfirmed(context.Background(), rec.ID, time.Now()); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	return rec
}

// sweepingAdapter layers the balance sweep and fee top-up capabilities on
// top of the plain fake. remaining is what a sweep of the escrow yields.
type sweepingAdapter struct {
	*fakeAdapter
	remaining *big.Int
	drains    []sendCall
	topUps    []sendCall
}

func newSweepingAdapter(id string, remaining int64) *sweepingAdapter {
	return &sweepingAdapter{fakeAdapter: newFakeAdapter(id), remaining: big.NewInt(remaining)}
}

func (f *sweepingAdapter) Drain(ctx context.Context, asset, from, to string) (chain.SubmittedTx, *big.Int, error) {
	total := new(big.Int).Set(f.remaining)
	if total.Sign() == 0 {
		return chain.SubmittedTx{}, total, nil
	}
	f.sendSeq++
	txid := fmt.Sprintf("%s-sweep-%d", f.id, f.sendSeq)
	f.drains = append(f.drains, sendCall{Asset: asset, From: from, To: to, Amount: total, TxID: txid})
	f.confirmations[txid] = 0
	f.remaining = big.NewInt(0)
	return chain.SubmittedTx{TxID: txid}, total, nil
}

func (f *sweepingAdapter) TopUpGas(ctx context.Context, to string, amount *big.Int) (chain.SubmittedTx, error) {
	f.sendSeq++
	txid := fmt.Sprintf("%s-topup-%d", f.id, f.sendSeq)
	f.topUps = append(f.topUps, sendCall{To: to, Amount: new(big.Int).Set(amount), TxID: txid})
	f.confirmations[txid] = 6
	return chain.SubmittedTx{TxID: txid}, nil
}

func payoutStatus(t *testing.T, env *env, id string) storage.Status {
	t.Helper()
	rec, err := env.payouts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load payout %s: %v", id, err)
	}
	return rec.Status
}

func TestQueueSettlesLegPhaseByPhase(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	leg := d.Legs[0]
	swap := enqueueRow(t, env, d, leg, "swap", 0, 100000)
	refund := enqueueRow(t, env, d, leg, "refund", 2, 750)

	q := testQueue(env, map[string]LedgerSettings{"utxo-main": {ConfirmTarget: 1}})
	now := time.Now().UTC()
	q.nowFn = func() time.Time { return now }

	// First pass: phase 0 broadcasts, phase 2 waits behind the gate, and the
	// fresh submission is still at depth 0.
	q.tick(ctx)
	if len(adapter.sends) != 1 {
		t.Fatalf("sends after first pass = %d, want 1", len(adapter.sends))
	}
	if adapter.sends[0].To != "dest-swap" || adapter.sends[0].Amount.Int64() != 100000 {
		t.Fatalf("unexpected send: %+v", adapter.sends[0])
	}
	if got := payoutStatus(t, env, swap.ID); got != storage.StatusSubmitted {
		t.Fatalf("swap status = %s", got)
	}
	if got := payoutStatus(t, env, refund.ID); got != storage.StatusPending {
		t.Fatalf("refund status = %s", got)
	}

	// The swap mines. Second pass: the refund's lease has expired but the swap
	// row only flips to CONFIRMED in the confirm stage of this pass, so the
	// gate still holds the refund.
	adapter.confirmations[adapter.sends[0].TxID] = 2
	now = now.Add(5 * time.Minute)
	q.tick(ctx)
	if got := payoutStatus(t, env, swap.ID); got != storage.StatusConfirmed {
		t.Fatalf("swap status = %s, want CONFIRMED", got)
	}
	if len(adapter.sends) != 1 {
		t.Fatalf("refund broadcast before its phase opened: %d sends", len(adapter.sends))
	}

	// Third pass: the gate is open.
	now = now.Add(5 * time.Minute)
	q.tick(ctx)
	if len(adapter.sends) != 2 {
		t.Fatalf("sends after third pass = %d, want 2", len(adapter.sends))
	}
	if adapter.sends[1].To != "dest-refund" {
		t.Fatalf("unexpected second send: %+v", adapter.sends[1])
	}

	// The refund mines; the last confirmation closes the leg.
	adapter.confirmations[adapter.sends[1].TxID] = 1
	now = now.Add(5 * time.Minute)
	q.tick(ctx)
	if got := payoutStatus(t, env, refund.ID); got != storage.StatusConfirmed {
		t.Fatalf("refund status = %s", got)
	}
	got, err := env.deals.GetLeg(ctx, leg.ID)
	if err != nil {
		t.Fatalf("reload leg: %v", err)
	}
	if got.State != deal.LegSettled {
		t.Fatalf("leg state = %s, want %s", got.State, deal.LegSettled)
	}
	if !hasAction(eventActions(t, env), "payout.confirmed") {
		t.Fatal("expected payout.confirmed audit events")
	}
}

func TestQueueNeverBroadcastsDriveRows(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("evm-main")
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegAwaitingDeposit, deal.LegSettling)
	leg := d.Legs[1]
	drive := enqueueRow(t, env, d, leg, "drive:swap", 0, 501200)

	q := testQueue(env, nil)
	q.tick(ctx)

	if len(adapter.sends) != 0 {
		t.Fatalf("drive row was broadcast as a plain send: %+v", adapter.sends)
	}
	if got := payoutStatus(t, env, drive.ID); got != storage.StatusPending {
		t.Fatalf("drive row status = %s, want PENDING", got)
	}
}

func TestSubmitFailsPermanentlyOnInvalidAddress(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	adapter.sendErr = chain.ErrInvalidAddress
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	rec := enqueueRow(t, env, d, d.Legs[0], "swap", 0, 100000)

	q := testQueue(env, nil)
	q.tick(ctx)

	if got := payoutStatus(t, env, rec.ID); got != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
	if !hasAction(eventActions(t, env), "payout.failed") {
		t.Fatal("expected payout.failed audit event")
	}
}

func TestSubmitReschedulesTransientError(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	adapter.sendErr = errors.New("node connection refused")
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	rec := enqueueRow(t, env, d, d.Legs[0], "swap", 0, 100000)

	q := testQueue(env, nil)
	q.tick(ctx)

	got, err := env.payouts.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if got.Status != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == "" {
		t.Fatal("expected last error recorded")
	}

	// Once the node recovers the deferred row goes out.
	adapter.sendErr = nil
	q.nowFn = func() time.Time { return time.Now().Add(15 * time.Minute) }
	q.tick(ctx)
	if got := payoutStatus(t, env, rec.ID); got != storage.StatusSubmitted {
		t.Fatalf("status after retry = %s, want SUBMITTED", got)
	}
}

func TestSubmitRecordsPartialSend(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	adapter.sendErr = &chain.PartialSendError{
		Submitted: []string{"utxo-part-1"},
		Err:       errors.New("fan-out interrupted"),
	}
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	rec := enqueueRow(t, env, d, d.Legs[0], "swap", 0, 100000)

	q := testQueue(env, nil)
	q.submitDue(ctx)

	got, err := env.payouts.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if got.Status != storage.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got.Status)
	}
	if len(got.TxIDs) != 1 || got.TxIDs[0] != "utxo-part-1" {
		t.Fatalf("txids = %v", got.TxIDs)
	}
	events, err := env.payouts.RecoveryEvents(ctx, rec.DealID)
	if err != nil {
		t.Fatalf("recovery events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "partial_send" {
		t.Fatalf("recovery log: %+v", events)
	}
}

func TestConfirmResubmitsWhenEverythingDropped(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	adapter.dropped["utxo-lost"] = true
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	rec := submittedRow(t, env, d, d.Legs[0], "swap", "utxo-lost")

	q := testQueue(env, nil)
	q.confirmSubmitted(ctx)

	got, err := env.payouts.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if got.Status != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	// The dropped txid stays on record for the audit trail.
	if len(got.TxIDs) != 1 || got.TxIDs[0] != "utxo-lost" {
		t.Fatalf("txids = %v", got.TxIDs)
	}
	events, err := env.payouts.RecoveryEvents(ctx, rec.DealID)
	if err != nil {
		t.Fatalf("recovery events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "resubmit" || events[0].OldTxID != "utxo-lost" {
		t.Fatalf("recovery log: %+v", events)
	}
}

func TestConfirmFailsOnUnreplacedPartialDrop(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	adapter.confirmations["utxo-alive"] = 6
	adapter.dropped["utxo-gone"] = true
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	rec := submittedRow(t, env, d, d.Legs[0], "swap", "utxo-alive", "utxo-gone")

	q := testQueue(env, nil)
	q.confirmSubmitted(ctx)

	if got := payoutStatus(t, env, rec.ID); got != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
	events, err := env.payouts.RecoveryEvents(ctx, rec.DealID)
	if err != nil {
		t.Fatalf("recovery events: %v", err)
	}
	found := false
	for _, event := range events {
		if event.Kind == "partial_drop" && event.OldTxID == "utxo-gone" {
			found = true
		}
	}
	if !found {
		t.Fatalf("partial_drop not recorded: %+v", events)
	}
}

func TestConfirmAcceptsFeeBumpedReplacement(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("evm-main")
	adapter.dropped["0xstuck"] = true
	adapter.confirmations["0xbumped"] = 4
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegAwaitingDeposit, deal.LegSettling)
	leg := d.Legs[1]
	rec := submittedRow(t, env, d, leg, "swap", "0xstuck", "0xbumped")

	// The recovery worker logged the fee bump that replaced the stuck
	// transaction; its disappearance is expected.
	err := env.payouts.RecordRecovery(ctx, storage.RecoveryEvent{
		PayoutID:   rec.ID,
		DealID:     rec.DealID,
		Kind:       "fee_bump",
		Detail:     "replacement broadcast",
		OldTxID:    "0xstuck",
		NewTxID:    "0xbumped",
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("record fee bump: %v", err)
	}

	q := testQueue(env, nil)
	q.confirmSubmitted(ctx)

	if got := payoutStatus(t, env, rec.ID); got != storage.StatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", got)
	}
}

func TestConfirmFailsRevertedTransaction(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("evm-main")
	adapter.reverted["0xreverted"] = true
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegAwaitingDeposit, deal.LegSettling)
	rec := submittedRow(t, env, d, d.Legs[1], "fee", "0xreverted")

	q := testQueue(env, nil)
	q.confirmSubmitted(ctx)

	if got := payoutStatus(t, env, rec.ID); got != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}

func TestConfirmWaitsBelowTarget(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	adapter.confirmations["utxo-shallow"] = 2
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	rec := submittedRow(t, env, d, d.Legs[0], "swap", "utxo-shallow")

	q := testQueue(env, map[string]LedgerSettings{"utxo-main": {ConfirmTarget: 3}})
	q.confirmSubmitted(ctx)
	if got := payoutStatus(t, env, rec.ID); got != storage.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}

	adapter.confirmations["utxo-shallow"] = 3
	q.confirmSubmitted(ctx)
	if got := payoutStatus(t, env, rec.ID); got != storage.StatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", got)
	}
}

func TestRemainingRefundDrainsFeeDepletedEscrow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newSweepingAdapter("utxo-main", 469_096)
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	leg := d.Legs[0]

	// Swap and fee already cleared their phases. Their broadcasts paid
	// network fees out of escrow change, so only 469096 of the 470000
	// surplus recorded at distribution time is still there.
	confirmedRow(t, env, d, leg, "swap", 0, 10_000_000, "utxo-swap")
	confirmedRow(t, env, d, leg, "fee", 1, 30_000, "utxo-fee")
	refund := enqueueRemainingRow(t, env, d, leg, 2, 470_000)

	q := testQueue(env, map[string]LedgerSettings{"utxo-main": {ConfirmTarget: 1}})
	now := time.Now().UTC()
	q.nowFn = func() time.Time { return now }

	q.tick(ctx)
	if len(adapter.sends) != 0 {
		t.Fatalf("remaining-mode row went out as a plain send: %+v", adapter.sends)
	}
	if len(adapter.drains) != 1 {
		t.Fatalf("drains = %d, want 1", len(adapter.drains))
	}
	if adapter.drains[0].To != "dest-refund" || adapter.drains[0].From != leg.EscrowAddress {
		t.Fatalf("unexpected drain: %+v", adapter.drains[0])
	}
	got, err := env.payouts.Get(ctx, refund.ID)
	if err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if got.Status != storage.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got.Status)
	}
	if got.Amount.Int64() != 469_096 {
		t.Fatalf("recorded amount = %s, want the drained 469096", got.Amount)
	}

	// The sweep mines and the leg closes.
	adapter.confirmations[adapter.drains[0].TxID] = 1
	now = now.Add(5 * time.Minute)
	q.tick(ctx)
	if got := payoutStatus(t, env, refund.ID); got != storage.StatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", got)
	}
	reloaded, err := env.deals.GetLeg(ctx, leg.ID)
	if err != nil {
		t.Fatalf("reload leg: %v", err)
	}
	if reloaded.State != deal.LegSettled {
		t.Fatalf("leg state = %s, want %s", reloaded.State, deal.LegSettled)
	}
}

func TestRemainingRefundConfirmsWhenFeesAteTheSurplus(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newSweepingAdapter("utxo-main", 0)
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	leg := d.Legs[0]
	refund := enqueueRemainingRow(t, env, d, leg, 0, 500)

	q := testQueue(env, nil)
	q.tick(ctx)

	if len(adapter.drains) != 0 || len(adapter.sends) != 0 {
		t.Fatalf("nothing may be broadcast for an empty escrow")
	}
	got, err := env.payouts.Get(ctx, refund.ID)
	if err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if got.Status != storage.StatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", got.Status)
	}
	if got.Amount.Sign() != 0 {
		t.Fatalf("recorded amount = %s, want 0", got.Amount)
	}
	reloaded, err := env.deals.GetLeg(ctx, leg.ID)
	if err != nil {
		t.Fatalf("reload leg: %v", err)
	}
	if reloaded.State != deal.LegSettled {
		t.Fatalf("leg state = %s, want %s", reloaded.State, deal.LegSettled)
	}
}

func TestSubmitTopsUpFeeShortfallOnce(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newSweepingAdapter("evm-main", 0)
	adapter.feeErr = &chain.InsufficientFundsError{
		Requested: big.NewInt(300_000),
		Sendable:  big.NewInt(120_000),
	}
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegAwaitingDeposit, deal.LegSettling)
	leg := d.Legs[1]
	rec := enqueueRow(t, env, d, leg, "swap", 0, 100000)

	q := testQueue(env, nil)
	q.tick(ctx)

	if len(adapter.topUps) != 1 {
		t.Fatalf("top-ups = %d, want 1", len(adapter.topUps))
	}
	if adapter.topUps[0].To != leg.EscrowAddress || adapter.topUps[0].Amount.Int64() != 180_000 {
		t.Fatalf("unexpected top-up: %+v", adapter.topUps[0])
	}
	if got := payoutStatus(t, env, rec.ID); got != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING while the top-up confirms", got)
	}
	events, err := env.payouts.RecoveryEvents(ctx, rec.DealID)
	if err != nil {
		t.Fatalf("recovery events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "gas_topup" {
		t.Fatalf("recovery log: %+v", events)
	}
	if !hasAction(eventActions(t, env), "escrow.gas_topup") {
		t.Fatal("expected escrow.gas_topup audit event")
	}

	// A shortfall that persists does not trigger a second top-up.
	q.nowFn = func() time.Time { return time.Now().Add(15 * time.Minute) }
	q.tick(ctx)
	if len(adapter.topUps) != 1 {
		t.Fatalf("top-ups after second pass = %d, want 1", len(adapter.topUps))
	}
	if got := payoutStatus(t, env, rec.ID); got != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}

	// Once the top-up lands and the budget check passes, the row goes out.
	adapter.feeErr = nil
	q.nowFn = func() time.Time { return time.Now().Add(45 * time.Minute) }
	q.tick(ctx)
	if len(adapter.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(adapter.sends))
	}
	if got := payoutStatus(t, env, rec.ID); got != storage.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got)
	}
}

func TestFailedRowBlocksLegClose(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	adapter := newFakeAdapter("utxo-main")
	adapter.confirmations["utxo-good"] = 5
	if err := env.registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	leg := d.Legs[0]
	good := submittedRow(t, env, d, leg, "swap", "utxo-good")
	bad := enqueueRow(t, env, d, leg, "fee", 1, 250)
	if err := env.payouts.MarkFailed(ctx, bad.ID, "invalid destination", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	q := testQueue(env, nil)
	q.confirmSubmitted(ctx)

	if got := payoutStatus(t, env, good.ID); got != storage.StatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", got)
	}
	reloaded, err := env.deals.GetLeg(ctx, leg.ID)
	if err != nil {
		t.Fatalf("reload leg: %v", err)
	}
	if reloaded.State != deal.LegSettling {
		t.Fatalf("leg closed despite failed payout: %s", reloaded.State)
	}
}
