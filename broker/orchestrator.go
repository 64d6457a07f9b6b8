// Package broker ties the settlement pipeline together. The watcher credits
// confirmed deposits and marks legs funded, the orchestrator drives escrow
// programs through their state machine and turns every outcome into durable
// payout rows, the queue worker broadcasts and confirms those rows, and the
// recovery worker unsticks submissions the ledger lost. Each worker is a
// separate loop over shared stores, so a crash in one tick never leaves
// partial state: everything re-derives from the deal store, the payout rows
// and the checkpoint database.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"otcbroker/broker/storage"
	"otcbroker/chain"
	"otcbroker/chain/evm"
	"otcbroker/deal"
	"otcbroker/escrow"
	"otcbroker/observability"
)

// Settlement operations as they appear in payout purposes and audit events.
const (
	opSwap   = "swap"
	opRevert = "revert"
	opRefund = "refund"
	opSweep  = "sweep"
)

// LedgerSettings are the operator-facing knobs of one ledger.
type LedgerSettings struct {
	// Operator is the identity authorized to drive swap and revert.
	Operator string
	// FeeRecipient receives escrow fees.
	FeeRecipient string
	// Reserve receives swept foreign assets.
	Reserve string
	// MinConfirmations gates deposit crediting.
	MinConfirmations uint64
	// ConfirmTarget is the depth an outbound payout needs before it counts
	// as final.
	ConfirmTarget uint64
	// NativeAsset is the ledger's fee currency, used to watch the reserve.
	NativeAsset string
	// ReserveFloor is the operational balance below which the reserve health
	// gauge degrades.
	ReserveFloor *big.Int
}

// Config wires the orchestrator.
type Config struct {
	// Settings maps lower-case ledger ids to their knobs.
	Settings map[string]LedgerSettings
	// DriveInterval is the pause between drive passes.
	DriveInterval time.Duration
	// AutoSettle promotes a deal into settlement as soon as both legs are
	// funded. When false an operator triggers settlement through the API.
	AutoSettle bool
}

// Orchestrator owns the escrow state machine side of the pipeline: promoting
// funded deals into settlement, driving SETTLING and REVERTING legs, and
// recording every outcome as payout rows before anything touches a ledger.
type Orchestrator struct {
	deals       *deal.Store
	payouts     *storage.Store
	registry    *chain.Registry
	checkpoints *Checkpoints
	cfg         Config
	log         *slog.Logger
	nowFn       func() time.Time

	mu       sync.Mutex
	runtimes map[string]*custodialRuntime

	// programFn builds the Program for a leg; tests substitute their own.
	programFn func(leg deal.Leg) (Program, error)
}

// NewOrchestrator wires an orchestrator over the shared stores.
func NewOrchestrator(deals *deal.Store, payouts *storage.Store, registry *chain.Registry, checkpoints *Checkpoints, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DriveInterval <= 0 {
		cfg.DriveInterval = 15 * time.Second
	}
	o := &Orchestrator{
		deals:       deals,
		payouts:     payouts,
		registry:    registry,
		checkpoints: checkpoints,
		cfg:         cfg,
		log:         log.With("component", "orchestrator"),
		nowFn:       func() time.Time { return time.Now().UTC() },
		runtimes:    make(map[string]*custodialRuntime),
	}
	o.programFn = o.buildProgram
	return o
}

func (o *Orchestrator) settings(ledgerID string) LedgerSettings {
	return o.cfg.Settings[strings.ToLower(strings.TrimSpace(ledgerID))]
}

func (o *Orchestrator) buildProgram(leg deal.Leg) (Program, error) {
	adapter, err := o.registry.Get(leg.LedgerID)
	if err != nil {
		return nil, err
	}
	if host, ok := adapter.(*evm.Adapter); ok {
		bound, err := host.Escrow(leg.EscrowAddress)
		if err != nil {
			return nil, err
		}
		return newContractProgram(host, bound, o.checkpoints, leg)
	}
	return o.runtime(adapter).program(leg)
}

func (o *Orchestrator) runtime(adapter chain.Adapter) *custodialRuntime {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := strings.ToLower(adapter.LedgerID())
	if rt, ok := o.runtimes[key]; ok {
		return rt
	}
	rt := newCustodialRuntime(adapter, o.checkpoints, o.settings(key), o.log)
	o.runtimes[key] = rt
	return rt
}

// Run drives settlement until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.DriveInterval)
	defer ticker.Stop()
	o.log.Info("orchestrator started",
		"interval", o.cfg.DriveInterval.String(),
		"auto_settle", o.cfg.AutoSettle,
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	legs, err := o.deals.ActiveLegs(ctx)
	if err != nil {
		o.log.Error("active leg scan failed", "error", err.Error())
		observability.Orchestrator().RecordDriveError("scan", "store")
		return
	}
	open := make(map[uuid.UUID]struct{})
	for _, leg := range legs {
		open[leg.DealID] = struct{}{}
	}
	observability.Orchestrator().SetOpenDeals(len(open))

	if o.cfg.AutoSettle {
		o.promoteReady(ctx, legs)
	}
	for _, leg := range legs {
		switch leg.State {
		case deal.LegSettling:
			o.driveSettle(ctx, leg)
		case deal.LegReverting:
			o.driveRevert(ctx, leg)
		}
	}
}

// promoteReady moves every deal whose legs are all funded into settlement.
func (o *Orchestrator) promoteReady(ctx context.Context, legs []deal.Leg) {
	byDeal := make(map[uuid.UUID][]deal.Leg)
	for _, leg := range legs {
		byDeal[leg.DealID] = append(byDeal[leg.DealID], leg)
	}
	for dealID, group := range byDeal {
		if len(group) < 2 {
			continue
		}
		ready := true
		for _, leg := range group {
			if leg.State != deal.LegReadyToSettle {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		o.log.Info("deal fully funded, entering settlement", "deal_id", dealID.String())
		o.beginSettle(ctx, group, "both legs funded")
	}
}

func (o *Orchestrator) beginSettle(ctx context.Context, legs []deal.Leg, details string) {
	for _, leg := range legs {
		err := o.deals.TransitionLeg(ctx, leg.ID, deal.LegReadyToSettle, deal.LegSettling, details)
		if err != nil {
			if errors.Is(err, deal.ErrStaleState) {
				continue
			}
			o.log.Error("settling transition failed", "leg_id", leg.ID.String(), "error", err.Error())
			observability.Orchestrator().RecordDriveError("promote", "store")
			return
		}
		observability.Orchestrator().RecordTransition(string(deal.LegSettling))
	}
}

// Settle moves both legs of a funded deal into settlement. This is the
// manual counterpart of the AutoSettle promotion.
func (o *Orchestrator) Settle(ctx context.Context, dealID uuid.UUID) error {
	d, err := o.deals.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	for _, leg := range d.Legs {
		if leg.State != deal.LegReadyToSettle {
			return fmt.Errorf("broker: leg %s is %s, want %s", leg.ID, leg.State, deal.LegReadyToSettle)
		}
	}
	o.beginSettle(ctx, d.Legs, "settlement requested")
	return nil
}

// Revert aborts a deal that has not begun settling: every leg still in its
// deposit window moves to REVERTING and collected deposits flow back to the
// payback addresses. A leg whose swap already fired refuses the revert.
func (o *Orchestrator) Revert(ctx context.Context, dealID uuid.UUID) error {
	d, err := o.deals.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	for _, leg := range d.Legs {
		switch leg.State {
		case deal.LegAwaitingDeposit, deal.LegReadyToSettle, deal.LegReverting, deal.LegReverted:
		default:
			return fmt.Errorf("broker: leg %s already %s, cannot revert", leg.ID, leg.State)
		}
	}
	for _, leg := range d.Legs {
		if leg.State != deal.LegAwaitingDeposit && leg.State != deal.LegReadyToSettle {
			continue
		}
		err := o.deals.TransitionLeg(ctx, leg.ID, leg.State, deal.LegReverting, "revert requested")
		if err != nil && !errors.Is(err, deal.ErrStaleState) {
			return err
		}
		observability.Orchestrator().RecordTransition(string(deal.LegReverting))
	}
	return nil
}

func (o *Orchestrator) driveSettle(ctx context.Context, leg deal.Leg) {
	program, err := o.programFn(leg)
	if err != nil {
		o.driveError("settle", leg, err)
		return
	}
	if err := program.Ensure(ctx); err != nil {
		if errors.Is(err, ErrEscrowPending) {
			return
		}
		o.driveError("settle", leg, err)
		return
	}
	state, err := program.State(ctx)
	if err != nil {
		if errors.Is(err, ErrEscrowPending) {
			return
		}
		o.driveError("settle", leg, err)
		return
	}
	switch state {
	case escrow.StateCollection:
		if wait, err := o.driveInFlight(ctx, leg, opSwap); err != nil {
			o.driveError("settle", leg, err)
			return
		} else if wait {
			return
		}
		funded, err := program.CanSwap(ctx)
		if err != nil {
			o.driveError("settle", leg, err)
			return
		}
		if !funded {
			// Funding regressed below the confirmation window, likely a
			// reorg. Hold position until deposits are confirmed again.
			o.log.Warn("escrow no longer funded, holding settlement",
				"leg_id", leg.ID.String(),
				"escrow", leg.EscrowAddress,
			)
			return
		}
		outcome, err := program.Swap(ctx)
		if err != nil {
			o.driveError("settle", leg, err)
			return
		}
		o.recordOutcome(ctx, leg, opSwap, outcome)
	case escrow.StateCompleted:
		o.replayIfBare(ctx, leg, program, opSwap)
	case escrow.StateReverted:
		// Someone drove the program out of band while the deal was settling.
		// Flag it; reconciliation picks the mismatch up.
		o.driveError("settle", leg, fmt.Errorf("escrow already reverted: %w", escrow.ErrInvalidState))
	}
}

func (o *Orchestrator) driveRevert(ctx context.Context, leg deal.Leg) {
	program, err := o.programFn(leg)
	if err != nil {
		o.driveError("revert", leg, err)
		return
	}
	state, err := program.State(ctx)
	if err != nil {
		// An escrow that was never initialized or deployed holds no value;
		// the leg can close without touching any ledger.
		if errors.Is(err, escrow.ErrNotInitialized) || errors.Is(err, ErrEscrowPending) {
			o.finishLeg(ctx, leg, deal.LegReverting, deal.LegReverted, "no escrow to revert")
			return
		}
		o.driveError("revert", leg, err)
		return
	}
	switch state {
	case escrow.StateCollection:
		if wait, err := o.driveInFlight(ctx, leg, opRevert); err != nil {
			o.driveError("revert", leg, err)
			return
		} else if wait {
			return
		}
		outcome, err := program.Revert(ctx)
		if err != nil {
			o.driveError("revert", leg, err)
			return
		}
		o.recordOutcome(ctx, leg, opRevert, outcome)
		if outcome.DrivingTxID == "" && len(outcome.Transfers) == 0 {
			// Reverted with zero deposits: terminal immediately, no payouts
			// for the queue worker to confirm.
			o.finishLeg(ctx, leg, deal.LegReverting, deal.LegReverted, "reverted with no deposits")
		}
	case escrow.StateReverted:
		if bare := o.replayIfBare(ctx, leg, program, opRevert); bare {
			return
		}
	case escrow.StateCompleted:
		o.driveError("revert", leg, fmt.Errorf("escrow already completed: %w", escrow.ErrInvalidState))
	}
}

// replayIfBare reconstructs payout rows for a terminal escrow that has none,
// the crash window between latching the state and persisting the rows.
// Reports whether a replay ran.
func (o *Orchestrator) replayIfBare(ctx context.Context, leg deal.Leg, program Program, op string) bool {
	rows, err := o.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if err != nil {
		o.driveError(op, leg, err)
		return false
	}
	if len(rows) > 0 {
		return false
	}
	outcome, err := program.Replay(ctx)
	if err != nil {
		o.driveError(op, leg, err)
		return false
	}
	o.log.Warn("replaying settlement with no payout records",
		"leg_id", leg.ID.String(),
		"escrow", leg.EscrowAddress,
		"state", outcome.State.String(),
	)
	o.recordOutcome(ctx, leg, op, outcome)
	if op == opRevert && outcome.DrivingTxID == "" && len(outcome.Transfers) == 0 {
		o.finishLeg(ctx, leg, deal.LegReverting, deal.LegReverted, "reverted with no deposits")
	}
	return true
}

// Refund pushes deposits that arrived after completion back to the payback
// address. It refuses to run while settlement payouts are still in flight so
// a late deposit cannot race the distribution.
func (o *Orchestrator) Refund(ctx context.Context, legID uuid.UUID) (*SettleOutcome, error) {
	leg, err := o.deals.GetLeg(ctx, legID)
	if err != nil {
		return nil, err
	}
	unfinished, err := o.payouts.Unfinished(ctx, leg.EscrowAddress)
	if err != nil {
		return nil, err
	}
	if unfinished > 0 {
		return nil, fmt.Errorf("broker: %d payouts still in flight for %s", unfinished, leg.EscrowAddress)
	}
	program, err := o.programFn(*leg)
	if err != nil {
		return nil, err
	}
	outcome, err := program.Refund(ctx)
	if err != nil {
		return nil, err
	}
	o.recordOutcome(ctx, *leg, opRefund, outcome)
	return outcome, nil
}

// Sweep forwards a foreign asset sitting at the escrow address to the
// operational reserve. The deal's own settlement asset is refused upstream by
// the program, so live funds cannot leave through this path.
func (o *Orchestrator) Sweep(ctx context.Context, legID uuid.UUID, asset string) (*SettleOutcome, error) {
	leg, err := o.deals.GetLeg(ctx, legID)
	if err != nil {
		return nil, err
	}
	program, err := o.programFn(*leg)
	if err != nil {
		return nil, err
	}
	outcome, err := program.Sweep(ctx, asset)
	if err != nil {
		return nil, err
	}
	o.recordOutcome(ctx, *leg, opSweep, outcome)
	return outcome, nil
}

// recordOutcome persists the payout rows for one settlement outcome and
// appends the audit event. Failures here are retried on the next drive pass;
// the idempotent enqueue keys make that safe.
func (o *Orchestrator) recordOutcome(ctx context.Context, leg deal.Leg, op string, outcome *SettleOutcome) {
	inserted, err := o.enqueueOutcome(ctx, leg, op, outcome)
	if err != nil {
		o.driveError(op, leg, err)
		return
	}
	o.appendEvent(ctx, leg, "escrow."+op, map[string]any{
		"state":     outcome.State.String(),
		"txid":      outcome.DrivingTxID,
		"transfers": len(outcome.Transfers),
		"enqueued":  inserted,
	})
	o.log.Info("settlement outcome recorded",
		"leg_id", leg.ID.String(),
		"escrow", leg.EscrowAddress,
		"action", op,
		"state", outcome.State.String(),
		"txid", outcome.DrivingTxID,
	)
}

// enqueueOutcome turns a settlement outcome into durable payout rows. A
// driving transaction becomes one already-submitted row; custodial transfers
// become pending rows the queue worker will broadcast phase by phase.
func (o *Orchestrator) enqueueOutcome(ctx context.Context, leg deal.Leg, op string, outcome *SettleOutcome) (int, error) {
	now := o.nowFn()
	inserted := 0
	if outcome.DrivingTxID != "" {
		rec := storage.PayoutRecord{
			ID:       uuid.NewString(),
			DealID:   leg.DealID.String(),
			LegID:    leg.ID.String(),
			LedgerID: leg.LedgerID,
			// The program distributes on ledger; the escrow address is both
			// source and nominal destination of the driving transaction.
			FromAddr:  leg.EscrowAddress,
			ToAddr:    leg.EscrowAddress,
			Asset:     leg.Asset,
			Amount:    driveAmount(leg, op),
			Purpose:   drivePurpose(op, outcome.DrivingTxID),
			Phase:     escrow.PurposeSwap.Phase(),
			Status:    storage.StatusSubmitted,
			TxIDs:     []string{outcome.DrivingTxID},
			CreatedAt: now,
		}
		ok, err := o.payouts.Enqueue(ctx, rec)
		if err != nil {
			return 0, err
		}
		if ok {
			inserted++
		} else {
			// The row survives from an earlier attempt whose transaction
			// dropped. Attach the fresh transaction and put it back in
			// flight.
			existing, found, err := o.driveRow(ctx, leg, op)
			if err != nil {
				return inserted, err
			}
			if found {
				if err := o.payouts.MarkSubmitted(ctx, existing.ID, []string{outcome.DrivingTxID}, now); err != nil {
					return inserted, err
				}
			}
		}
	}
	var recs []storage.PayoutRecord
	for _, t := range outcome.Transfers {
		if t.Amount == nil || t.Amount.Sign() == 0 {
			continue
		}
		mode := storage.ModeExact
		if t.Purpose == escrow.PurposeRefund {
			// Phase gating puts the payback last, and by then the earlier
			// phases have paid their network fees out of the escrow. The
			// surplus computed at distribution time overstates what remains,
			// so the queue drains the actual remainder instead.
			mode = storage.ModeRemaining
		}
		recs = append(recs, storage.PayoutRecord{
			ID:        uuid.NewString(),
			DealID:    leg.DealID.String(),
			LegID:     leg.ID.String(),
			LedgerID:  leg.LedgerID,
			FromAddr:  leg.EscrowAddress,
			ToAddr:    t.To,
			Asset:     t.Asset,
			Amount:    new(big.Int).Set(t.Amount),
			Purpose:   transferPurpose(op, t),
			Phase:     t.Purpose.Phase(),
			Mode:      mode,
			Status:    storage.StatusPending,
			CreatedAt: now,
		})
	}
	if len(recs) > 0 {
		n, err := o.payouts.EnqueueAll(ctx, recs)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// driveInFlight reports whether the leg's driving transaction is already
// submitted or terminally failed, in which case the drive pass must not call
// into the program again. A PENDING drive row means the previous transaction
// dropped and a fresh drive should replace it.
func (o *Orchestrator) driveInFlight(ctx context.Context, leg deal.Leg, op string) (bool, error) {
	rec, found, err := o.driveRow(ctx, leg, op)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	switch rec.Status {
	case storage.StatusSubmitted:
		return true, nil
	case storage.StatusFailed:
		// Operator territory: the driving transaction reverted or lost
		// value. Redriving automatically could double-distribute.
		return true, nil
	}
	return false, nil
}

func (o *Orchestrator) driveRow(ctx context.Context, leg deal.Leg, op string) (*storage.PayoutRecord, bool, error) {
	rows, err := o.payouts.ByEscrow(ctx, leg.EscrowAddress)
	if err != nil {
		return nil, false, err
	}
	purpose := drivePurpose(op, "")
	for i := range rows {
		if rows[i].Purpose == purpose {
			return &rows[i], true, nil
		}
	}
	return nil, false, nil
}

// drivePurpose keys a driving-transaction row. Swap and revert happen at most
// once per escrow, so their keys are fixed and a crash replay dedupes against
// them. Refund and sweep can recur, so the transaction id keeps each
// occurrence distinct.
func drivePurpose(op, txid string) string {
	switch op {
	case opSwap, opRevert:
		return "drive:" + op
	default:
		return "drive:" + op + ":" + txid
	}
}

func driveAmount(leg deal.Leg, op string) *big.Int {
	if op != opSwap {
		return big.NewInt(0)
	}
	required, err := requiredValue(leg)
	if err != nil {
		return big.NewInt(0)
	}
	return required
}

// transferPurpose keys a custodial payout row. Settlement distributions use
// the bare purpose so a crash replay regenerates identical keys. Standalone
// refunds and sweeps embed what made the occurrence unique: the balance being
// returned stays constant across a crash boundary but differs between
// occurrences, which is exactly the dedupe we want.
func transferPurpose(op string, t escrow.Transfer) string {
	switch t.Purpose {
	case escrow.PurposeSweep:
		return opSweep + ":" + t.Asset + ":" + bigString(t.Amount)
	case escrow.PurposeRefund:
		if op == opRefund {
			return opRefund + ":" + bigString(t.Amount)
		}
		return string(t.Purpose)
	default:
		return string(t.Purpose)
	}
}

func (o *Orchestrator) finishLeg(ctx context.Context, leg deal.Leg, from, to deal.LegState, details string) {
	if err := o.deals.TransitionLeg(ctx, leg.ID, from, to, details); err != nil {
		if !errors.Is(err, deal.ErrStaleState) {
			o.log.Error("terminal transition failed", "leg_id", leg.ID.String(), "error", err.Error())
			observability.Orchestrator().RecordDriveError("finish", "store")
		}
		return
	}
	observability.Orchestrator().RecordTransition(string(to))
	observability.Orchestrator().RecordOutcome(string(to))
	if err := o.checkpoints.DeleteCursor(leg.ID.String()); err != nil {
		o.log.Warn("cursor cleanup failed", "leg_id", leg.ID.String(), "error", err.Error())
	}
}

func (o *Orchestrator) driveError(stage string, leg deal.Leg, err error) {
	o.log.Error("drive failed",
		"stage", stage,
		"leg_id", leg.ID.String(),
		"escrow", leg.EscrowAddress,
		"ledger", leg.LedgerID,
		"error", err.Error(),
	)
	observability.Orchestrator().RecordDriveError(stage, classifyReason(err))
}

func (o *Orchestrator) appendEvent(ctx context.Context, leg deal.Leg, action string, payload map[string]any) {
	details, err := json.Marshal(payload)
	if err != nil {
		details = []byte("{}")
	}
	legID := leg.ID
	event := deal.Event{
		DealID:    leg.DealID,
		LegID:     &legID,
		Action:    action,
		Details:   string(details),
		CreatedAt: o.nowFn(),
	}
	if err := o.deals.AppendEvent(ctx, event); err != nil {
		o.log.Error("audit event append failed", "action", action, "error", err.Error())
	}
}

// classifyReason folds an error into a bounded metric label.
func classifyReason(err error) string {
	switch {
	case errors.Is(err, ErrEscrowPending):
		return "pending"
	case errors.Is(err, chain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, chain.ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, chain.ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, chain.ErrUnknownLedger):
		return "unknown_ledger"
	case errors.Is(err, chain.ErrTxDropped):
		return "dropped"
	case errors.Is(err, chain.ErrTxReverted):
		return "reverted"
	case errors.Is(err, escrow.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, escrow.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}
