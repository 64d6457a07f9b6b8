package broker

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"otcbroker/broker/storage"
	"otcbroker/deal"
	"otcbroker/escrow"
)

// fakeProgram substitutes the escrow program behind the orchestrator's
// programFn seam. latchState mimics a custodial engine, where a successful
// transition moves the observable state immediately; contract-hosted programs
// stay in COLLECTION until the driving transaction mines.
type fakeProgram struct {
	ensureErr  error
	state      escrow.State
	stateErr   error
	canSwap    bool
	canSwapErr error
	swapOut    *SettleOutcome
	swapErr    error
	revertOut  *SettleOutcome
	revertErr  error
	refundOut  *SettleOutcome
	sweepOut   *SettleOutcome
	replayOut  *SettleOutcome
	replayErr  error
	latchState bool

	swapCalls   int
	revertCalls int
	replayCalls int
}

func (f *fakeProgram) Ensure(ctx context.Context) error { return f.ensureErr }

func (f *fakeProgram) State(ctx context.Context) (escrow.State, error) {
	return f.state, f.stateErr
}

func (f *fakeProgram) CanSwap(ctx context.Context) (bool, error) {
	return f.canSwap, f.canSwapErr
}

func (f *fakeProgram) Swap(ctx context.Context) (*SettleOutcome, error) {
	if f.swapErr != nil {
		return nil, f.swapErr
	}
	f.swapCalls++
	if f.latchState {
		f.state = f.swapOut.State
	}
	return f.swapOut, nil
}

func (f *fakeProgram) Revert(ctx context.Context) (*SettleOutcome, error) {
	if f.revertErr != nil {
		return nil, f.revertErr
	}
	f.revertCalls++
	if f.latchState {
		f.state = f.revertOut.State
	}
	return f.revertOut, nil
}

func (f *fakeProgram) Refund(ctx context.Context) (*SettleOutcome, error) {
	return f.refundOut, nil
}

func (f *fakeProgram) Sweep(ctx context.Context, asset string) (*SettleOutcome, error) {
	return f.sweepOut, nil
}

func (f *fakeProgram) Replay(ctx context.Context) (*SettleOutcome, error) {
	if f.replayErr != nil {
		return nil, f.replayErr
	}
	f.replayCalls++
	return f.replayOut, nil
}

func testOrchestrator(env *env, cfg Config) *Orchestrator {
	return NewOrchestrator(env.deals, env.payouts, env.registry, env.checkpoints, cfg, testLogger())
}

func useFake(o *Orchestrator, fake *fakeProgram) {
	o.programFn = func(deal.Leg) (Program, error) { return fake, nil }
}

func reloadDeal(t *testing.T, env *env, d *deal.Deal) *deal.Deal {
	t.Helper()
	got, err := env.deals.GetDeal(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("reload deal: %v", err)
	}
	return got
}

func eventActions(t *testing.T, env *env) []string {
	t.Helper()
	events, err := env.deals.EventsAfter(context.Background(), 0, 500)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	actions := make([]string, 0, len(events))
	for _, event := range events {
		actions = append(actions, event.Action)
	}
	return actions
}

func hasAction(actions []string, want string) bool {
	for _, action := range actions {
		if action == want {
			return true
		}
	}
	return false
}

func TestTickPromotesFundedDeal(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegReadyToSettle, deal.LegReadyToSettle)
	o := testOrchestrator(env, Config{AutoSettle: true})
	useFake(o, &fakeProgram{state: escrow.StateCollection})

	o.tick(ctx)

	got := reloadDeal(t, env, d)
	if got.Status != deal.StatusSettling {
		t.Fatalf("deal status = %s, want %s", got.Status, deal.StatusSettling)
	}
	for _, leg := range got.Legs {
		if leg.State != deal.LegSettling {
			t.Fatalf("leg %s state = %s, want %s", leg.Party, leg.State, deal.LegSettling)
		}
	}
	if !hasAction(eventActions(t, env), "leg.settling") {
		t.Fatal("expected leg.settling audit events")
	}
}

func TestTickHoldsPartiallyFundedDeal(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegReadyToSettle, deal.LegAwaitingDeposit)
	o := testOrchestrator(env, Config{AutoSettle: true})
	useFake(o, &fakeProgram{state: escrow.StateCollection})

	o.tick(ctx)

	got := reloadDeal(t, env, d)
	if got.Status != deal.StatusOpen {
		t.Fatalf("deal status = %s, want %s", got.Status, deal.StatusOpen)
	}
	for _, leg := range got.Legs {
		if leg.State == deal.LegSettling {
			t.Fatal("half-funded deal must not enter settlement")
		}
	}
}

func TestManualSettleRequiresBothLegsFunded(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	o := testOrchestrator(env, Config{})
	useFake(o, &fakeProgram{state: escrow.StateCollection})

	partial := seedLegs(t, env.deals, deal.LegReadyToSettle, deal.LegAwaitingDeposit)
	if err := o.Settle(ctx, partial.ID); err == nil {
		t.Fatal("expected error settling a half-funded deal")
	}

	funded := seedLegs(t, env.deals, deal.LegReadyToSettle, deal.LegReadyToSettle)
	if err := o.Settle(ctx, funded.ID); err != nil {
		t.Fatalf("settle funded deal: %v", err)
	}
	got := reloadDeal(t, env, funded)
	if got.Status != deal.StatusSettling {
		t.Fatalf("deal status = %s, want %s", got.Status, deal.StatusSettling)
	}
}

func TestDriveSettleEnqueuesCustodialPayouts(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	leg := d.Legs[0]
	fake := &fakeProgram{
		state:      escrow.StateCollection,
		canSwap:    true,
		latchState: true,
		swapOut: &SettleOutcome{
			State: escrow.StateCompleted,
			Transfers: []escrow.Transfer{
				{To: "party-b-receive", Asset: "BTC", Amount: big.NewInt(100000), Purpose: escrow.PurposeSwap},
				{To: "fee-pool", Asset: "BTC", Amount: big.NewInt(250), Purpose: escrow.PurposeFee},
				{To: "party-a-payback", Asset: "BTC", Amount: big.NewInt(750), Purpose: escrow.PurposeRefund},
			},
		},
	}
	o := testOrchestrator(env, Config{})
	useFake(o, fake)

	o.tick(ctx)

	rows, err := env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d payout rows, want 3", len(rows))
	}
	wantPurposes := []string{"swap", "fee", "refund"}
	for i, row := range rows {
		if row.Purpose != wantPurposes[i] || row.Phase != i {
			t.Fatalf("row %d: purpose=%s phase=%d", i, row.Purpose, row.Phase)
		}
		if row.Status != storage.StatusPending {
			t.Fatalf("row %d status = %s, want PENDING", i, row.Status)
		}
		// The payback settles last, after earlier phases have spent escrow
		// change on network fees, so it must sweep rather than demand the
		// figure recorded here.
		wantMode := storage.ModeExact
		if row.Purpose == "refund" {
			wantMode = storage.ModeRemaining
		}
		if row.Mode != wantMode {
			t.Fatalf("row %d mode = %q, want %q", i, row.Mode, wantMode)
		}
	}
	if !hasAction(eventActions(t, env), "escrow.swap") {
		t.Fatal("expected escrow.swap audit event")
	}

	// The state latched, so the next pass sees COMPLETED with rows already
	// present and drives nothing.
	o.tick(ctx)
	if fake.swapCalls != 1 {
		t.Fatalf("swap called %d times, want 1", fake.swapCalls)
	}
	if fake.replayCalls != 0 {
		t.Fatalf("replay ran with rows present: %d calls", fake.replayCalls)
	}
	rows, _ = env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if len(rows) != 3 {
		t.Fatalf("second pass changed row count to %d", len(rows))
	}
}

func TestDriveSettleWaitsOnInFlightDrivingTx(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	leg := d.Legs[0]
	fake := &fakeProgram{
		state:   escrow.StateCollection,
		canSwap: true,
		swapOut: &SettleOutcome{State: escrow.StateCompleted, DrivingTxID: "0xdrive-1"},
	}
	o := testOrchestrator(env, Config{})
	useFake(o, fake)

	o.tick(ctx)
	if fake.swapCalls != 1 {
		t.Fatalf("swap calls = %d, want 1", fake.swapCalls)
	}
	rows, err := env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if err != nil || len(rows) != 1 {
		t.Fatalf("drive rows = %d err=%v", len(rows), err)
	}
	row := rows[0]
	if row.Purpose != "drive:swap" || row.Status != storage.StatusSubmitted {
		t.Fatalf("drive row: purpose=%s status=%s", row.Purpose, row.Status)
	}
	if len(row.TxIDs) != 1 || row.TxIDs[0] != "0xdrive-1" {
		t.Fatalf("drive row txids: %v", row.TxIDs)
	}

	// On-ledger state is still COLLECTION while the transaction mines. The
	// submitted drive row holds the pass off a second broadcast.
	o.tick(ctx)
	if fake.swapCalls != 1 {
		t.Fatalf("in-flight drive re-broadcast: %d calls", fake.swapCalls)
	}

	// The queue worker saw every transaction drop and put the row back to
	// PENDING; the next pass drives again and attaches the fresh txid.
	if err := env.payouts.Resubmit(ctx, row.ID, time.Now(), "all transactions dropped"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	fake.swapOut = &SettleOutcome{State: escrow.StateCompleted, DrivingTxID: "0xdrive-2"}
	o.tick(ctx)
	if fake.swapCalls != 2 {
		t.Fatalf("dropped drive not re-driven: %d calls", fake.swapCalls)
	}
	rows, _ = env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if len(rows) != 1 {
		t.Fatalf("re-drive duplicated the row: %d rows", len(rows))
	}
	if rows[0].Status != storage.StatusSubmitted {
		t.Fatalf("re-driven row status = %s", rows[0].Status)
	}
	seen := strings.Join(rows[0].TxIDs, ",")
	if !strings.Contains(seen, "0xdrive-1") || !strings.Contains(seen, "0xdrive-2") {
		t.Fatalf("re-driven row txids = %v", rows[0].TxIDs)
	}
}

func TestDriveRevertWithoutDepositsClosesLeg(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegReverting, deal.LegReverting)
	fake := &fakeProgram{
		state:     escrow.StateCollection,
		revertOut: &SettleOutcome{State: escrow.StateReverted},
	}
	o := testOrchestrator(env, Config{})
	useFake(o, fake)

	o.tick(ctx)

	got := reloadDeal(t, env, d)
	if got.Status != deal.StatusReverted {
		t.Fatalf("deal status = %s, want %s", got.Status, deal.StatusReverted)
	}
	for _, leg := range got.Legs {
		if leg.State != deal.LegReverted {
			t.Fatalf("leg %s state = %s", leg.Party, leg.State)
		}
	}
	if fake.revertCalls != 2 {
		t.Fatalf("revert calls = %d, want 2", fake.revertCalls)
	}
}

func TestDriveRevertClosesNeverInitializedEscrow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegReverting, deal.LegReverting)
	o := testOrchestrator(env, Config{})
	useFake(o, &fakeProgram{stateErr: escrow.ErrNotInitialized})

	o.tick(ctx)

	got := reloadDeal(t, env, d)
	if got.Status != deal.StatusReverted {
		t.Fatalf("deal status = %s, want %s", got.Status, deal.StatusReverted)
	}
}

func TestRevertRefusesOnceSwapFired(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	o := testOrchestrator(env, Config{})
	useFake(o, &fakeProgram{state: escrow.StateCollection})

	settling := seedLegs(t, env.deals, deal.LegSettling, deal.LegReadyToSettle)
	if err := o.Revert(ctx, settling.ID); err == nil {
		t.Fatal("expected revert of a settling deal to fail")
	}

	open := seedLegs(t, env.deals, deal.LegAwaitingDeposit, deal.LegReadyToSettle)
	if err := o.Revert(ctx, open.ID); err != nil {
		t.Fatalf("revert open deal: %v", err)
	}
	got := reloadDeal(t, env, open)
	if got.Status != deal.StatusReverting {
		t.Fatalf("deal status = %s, want %s", got.Status, deal.StatusReverting)
	}
	for _, leg := range got.Legs {
		if leg.State != deal.LegReverting {
			t.Fatalf("leg %s state = %s", leg.Party, leg.State)
		}
	}
}

func TestReplayRebuildsLostPayoutRows(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegSettling, deal.LegAwaitingDeposit)
	leg := d.Legs[0]
	// A crash after the swap latched left a COMPLETED escrow with no rows.
	fake := &fakeProgram{
		state: escrow.StateCompleted,
		replayOut: &SettleOutcome{
			State: escrow.StateCompleted,
			Transfers: []escrow.Transfer{
				{To: "party-b-receive", Asset: "BTC", Amount: big.NewInt(100000), Purpose: escrow.PurposeSwap},
				{To: "fee-pool", Asset: "BTC", Amount: big.NewInt(250), Purpose: escrow.PurposeFee},
			},
		},
	}
	o := testOrchestrator(env, Config{})
	useFake(o, fake)

	o.tick(ctx)
	if fake.replayCalls != 1 {
		t.Fatalf("replay calls = %d, want 1", fake.replayCalls)
	}
	rows, err := env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if err != nil || len(rows) != 2 {
		t.Fatalf("replayed rows = %d err=%v", len(rows), err)
	}

	// With rows restored, the next pass leaves the program alone.
	o.tick(ctx)
	if fake.replayCalls != 1 {
		t.Fatalf("replay re-ran with rows present: %d", fake.replayCalls)
	}
}

func TestRefundWaitsForInFlightPayouts(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegSettled, deal.LegSettled)
	leg := d.Legs[0]
	fake := &fakeProgram{
		state: escrow.StateCompleted,
		refundOut: &SettleOutcome{
			State: escrow.StateCompleted,
			Transfers: []escrow.Transfer{
				{To: "party-a-payback", Asset: "BTC", Amount: big.NewInt(600), Purpose: escrow.PurposeRefund},
			},
		},
	}
	o := testOrchestrator(env, Config{})
	useFake(o, fake)

	pending := storage.PayoutRecord{
		ID:        "payout-blocking",
		DealID:    d.ID.String(),
		LegID:     leg.ID.String(),
		LedgerID:  leg.LedgerID,
		FromAddr:  leg.EscrowAddress,
		ToAddr:    "party-b-receive",
		Asset:     "BTC",
		Amount:    big.NewInt(100000),
		Purpose:   "swap",
		Phase:     0,
		CreatedAt: time.Now(),
	}
	if _, err := env.payouts.Enqueue(ctx, pending); err != nil {
		t.Fatalf("enqueue blocking payout: %v", err)
	}

	if _, err := o.Refund(ctx, leg.ID); err == nil {
		t.Fatal("expected refund to wait for in-flight payouts")
	}

	if err := env.payouts.MarkConfirmed(ctx, pending.ID, time.Now()); err != nil {
		t.Fatalf("confirm blocking payout: %v", err)
	}
	outcome, err := o.Refund(ctx, leg.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(outcome.Transfers) != 1 {
		t.Fatalf("refund outcome: %+v", outcome)
	}
	rows, err := env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.Purpose == "refund:600" {
			found = true
		}
	}
	if !found {
		t.Fatalf("late refund row missing, rows: %+v", rows)
	}
}

func TestSweepEnqueuesForeignAssetRow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	d := seedLegs(t, env.deals, deal.LegSettled, deal.LegSettled)
	leg := d.Legs[0]
	fake := &fakeProgram{
		state: escrow.StateCompleted,
		sweepOut: &SettleOutcome{
			State: escrow.StateCompleted,
			Transfers: []escrow.Transfer{
				{To: "reserve-pool", Asset: "USDT", Amount: big.NewInt(5000), Purpose: escrow.PurposeSweep},
			},
		},
	}
	o := testOrchestrator(env, Config{})
	useFake(o, fake)

	if _, err := o.Sweep(ctx, leg.ID, "USDT"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	rows, err := env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if err != nil || len(rows) != 1 {
		t.Fatalf("sweep rows = %d err=%v", len(rows), err)
	}
	if rows[0].Purpose != "sweep:USDT:5000" || rows[0].ToAddr != "reserve-pool" {
		t.Fatalf("sweep row: %+v", rows[0])
	}

	// The same balance swept again after a crash dedupes onto the same key.
	if _, err := o.Sweep(ctx, leg.ID, "USDT"); err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}
	rows, _ = env.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if len(rows) != 1 {
		t.Fatalf("crash-replayed sweep duplicated rows: %d", len(rows))
	}
}
