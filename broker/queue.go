package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"otcbroker/broker/storage"
	"otcbroker/chain"
	"otcbroker/deal"
	"otcbroker/observability"
)

const drivePrefix = "drive:"

// drainer is the optional adapter capability to sweep an address's full
// spendable balance. Remaining-mode rows use it because the recorded amount
// no longer matches what the escrow holds once earlier phases paid their
// network fees.
type drainer interface {
	Drain(ctx context.Context, asset, from, to string) (chain.SubmittedTx, *big.Int, error)
}

// gasTopper is the optional adapter capability to fund an address's
// transaction fees from the operator account.
type gasTopper interface {
	TopUpGas(ctx context.Context, to string, amount *big.Int) (chain.SubmittedTx, error)
}

// Queue broadcasts pending payout rows and tracks submitted ones to their
// confirmation depth. On ledgers where one settlement spans several
// transactions, phase gating enforces the payout order: swap outputs first,
// then fees, then refunds, so change from an earlier phase exists before a
// later phase tries to spend it.
type Queue struct {
	deals       *deal.Store
	payouts     *storage.Store
	registry    *chain.Registry
	checkpoints *Checkpoints
	settings    map[string]LedgerSettings
	log         *slog.Logger

	interval   time.Duration
	lease      time.Duration
	batchSize  int
	retryDelay time.Duration
	nowFn      func() time.Time
}

// NewQueue constructs a queue worker with sane defaults.
func NewQueue(deals *deal.Store, payouts *storage.Store, registry *chain.Registry, checkpoints *Checkpoints, settings map[string]LedgerSettings, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		deals:       deals,
		payouts:     payouts,
		registry:    registry,
		checkpoints: checkpoints,
		settings:    settings,
		log:         log.With("component", "payout_queue"),
		interval:    10 * time.Second,
		lease:       2 * time.Minute,
		batchSize:   25,
		retryDelay:  30 * time.Second,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// SetInterval overrides the worker cadence.
func (q *Queue) SetInterval(d time.Duration) {
	if d > 0 {
		q.interval = d
	}
}

// Run processes the queue until the context is cancelled.
func (q *Queue) Run(ctx context.Context) {
	if q.payouts == nil || q.registry == nil {
		return
	}
	interval := q.interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	q.submitDue(ctx)
	q.confirmSubmitted(ctx)
	q.observeDepth(ctx)
	q.observeReserves(ctx)
}

func (q *Queue) submitDue(ctx context.Context) {
	recs, err := q.payouts.Due(ctx, q.nowFn(), q.lease, q.batchSize)
	if err != nil {
		q.log.Error("due scan failed", "error", err.Error())
		return
	}
	for _, rec := range recs {
		q.submit(ctx, rec)
	}
}

func (q *Queue) submit(ctx context.Context, rec storage.PayoutRecord) {
	if isDriveRow(rec) {
		// Driving transactions are rebroadcast by the orchestrator through
		// the escrow program, never as a plain send.
		return
	}
	for phase := 0; phase < rec.Phase; phase++ {
		done, err := q.payouts.PhaseComplete(ctx, rec.FromAddr, phase)
		if err != nil {
			q.log.Error("phase gate check failed", "payout_id", rec.ID, "error", err.Error())
			return
		}
		if !done {
			// The lease expiry naturally re-queues the row once the earlier
			// phase lands.
			return
		}
	}
	adapter, err := q.registry.Get(rec.LedgerID)
	if err != nil {
		q.fail(ctx, rec, err)
		return
	}
	if rec.Mode == storage.ModeRemaining {
		q.submitRemaining(ctx, rec, adapter)
		return
	}
	if err := adapter.EnsureFeeBudget(ctx, rec.FromAddr, rec.Asset, rec.Amount, nil); err != nil {
		q.topUpFeeBudget(ctx, rec, adapter, err)
		return
	}
	tx, err := adapter.Send(ctx, rec.Asset, rec.FromAddr, rec.ToAddr, rec.Amount)
	if err != nil {
		if q.handlePartialSend(ctx, rec, err) {
			return
		}
		q.handleSubmitError(ctx, rec, err)
		return
	}
	q.finishSubmit(ctx, rec, tx)
}

// submitRemaining broadcasts a payback row whose recorded amount was only an
// estimate. The adapter drains whatever the source still holds and the row's
// amount is rewritten to what actually moved. An escrow emptied entirely by
// network fees confirms with nothing to send, so the leg can still close.
func (q *Queue) submitRemaining(ctx context.Context, rec storage.PayoutRecord, adapter chain.Adapter) {
	dr, ok := adapter.(drainer)
	if !ok {
		// Ledgers whose sends do not consume the source balance keep the
		// recorded figure accurate; the plain path handles them.
		tx, err := adapter.Send(ctx, rec.Asset, rec.FromAddr, rec.ToAddr, rec.Amount)
		if err != nil {
			if q.handlePartialSend(ctx, rec, err) {
				return
			}
			q.handleSubmitError(ctx, rec, err)
			return
		}
		q.finishSubmit(ctx, rec, tx)
		return
	}
	tx, total, err := dr.Drain(ctx, rec.Asset, rec.FromAddr, rec.ToAddr)
	if err != nil {
		if q.handlePartialSend(ctx, rec, err) {
			return
		}
		q.handleSubmitError(ctx, rec, err)
		return
	}
	if err := q.payouts.UpdateAmount(ctx, rec.ID, total); err != nil {
		q.log.Error("amount update failed", "payout_id", rec.ID, "error", err.Error())
	}
	rec.Amount = total
	if total.Sign() == 0 {
		if err := q.payouts.MarkConfirmed(ctx, rec.ID, q.nowFn()); err != nil {
			q.log.Error("mark confirmed failed", "payout_id", rec.ID, "error", err.Error())
			return
		}
		observability.Payouts().RecordConfirmed(rec.LedgerID, rec.Purpose)
		q.appendPayoutEvent(ctx, rec, "payout.confirmed", nil)
		q.log.Info("payback emptied by network fees",
			"payout_id", rec.ID,
			"escrow", rec.FromAddr,
		)
		q.maybeFinishLeg(ctx, rec)
		return
	}
	q.finishSubmit(ctx, rec, tx)
}

// handlePartialSend records a send that only partially reached the network.
// Reports whether the error was handled. Rebroadcasting blind could
// double-pay, so the remainder waits for an operator.
func (q *Queue) handlePartialSend(ctx context.Context, rec storage.PayoutRecord, err error) bool {
	var partial *chain.PartialSendError
	if !errors.As(err, &partial) || len(partial.Submitted) == 0 {
		return false
	}
	if merr := q.payouts.MarkSubmitted(ctx, rec.ID, partial.Submitted, q.nowFn()); merr != nil {
		q.log.Error("partial submission record failed", "payout_id", rec.ID, "error", merr.Error())
	}
	q.recordRecovery(ctx, rec, "partial_send", err.Error(), "", strings.Join(partial.Submitted, ","))
	observability.Recovery().RecordIntervention("partial_send")
	q.log.Error("partial send",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"submitted", len(partial.Submitted),
		"error", err.Error(),
	)
	return true
}

func (q *Queue) finishSubmit(ctx context.Context, rec storage.PayoutRecord, tx chain.SubmittedTx) {
	if err := q.payouts.MarkSubmitted(ctx, rec.ID, tx.All(), q.nowFn()); err != nil {
		// The broadcast went out but the row still says PENDING. Flag it
		// loudly: a second broadcast of the same UTXOs will be rejected by
		// the ledger, but an operator should reconcile the row by hand.
		q.log.Error("submission record failed", "payout_id", rec.ID, "txid", tx.TxID, "error", err.Error())
		observability.Recovery().RecordIntervention("record_submission")
		return
	}
	observability.Payouts().RecordSubmitted(rec.LedgerID, rec.Purpose)
	q.appendPayoutEvent(ctx, rec, "payout.submitted", tx.All())
	q.log.Info("payout submitted",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"ledger", rec.LedgerID,
		"asset", rec.Asset,
		"purpose", rec.Purpose,
		"txid", tx.TxID,
	)
}

// topUpFeeBudget funds a fee shortfall from the operator account when the
// adapter can, then defers the row so the top-up confirms before the next
// attempt. One top-up per payout row; a shortfall that persists afterwards
// goes to an operator through the deferred row's error.
func (q *Queue) topUpFeeBudget(ctx context.Context, rec storage.PayoutRecord, adapter chain.Adapter, cause error) {
	topper, ok := adapter.(gasTopper)
	var insufficient *chain.InsufficientFundsError
	if !ok || !errors.As(cause, &insufficient) {
		q.handleSubmitError(ctx, rec, cause)
		return
	}
	needed := new(big.Int).Sub(insufficient.Requested, insufficient.Sendable)
	if needed.Sign() <= 0 {
		q.handleSubmitError(ctx, rec, cause)
		return
	}
	if events, err := q.payouts.RecoveryEvents(ctx, rec.DealID); err == nil {
		for _, event := range events {
			if event.PayoutID == rec.ID && event.Kind == "gas_topup" {
				q.reschedule(ctx, rec, cause)
				return
			}
		}
	}
	tx, err := topper.TopUpGas(ctx, rec.FromAddr, needed)
	if err != nil {
		q.log.Error("fee top-up failed", "payout_id", rec.ID, "escrow", rec.FromAddr, "error", err.Error())
		q.handleSubmitError(ctx, rec, cause)
		return
	}
	q.recordRecovery(ctx, rec, "gas_topup", "fee budget topped up by "+needed.String(), "", tx.TxID)
	observability.Recovery().RecordIntervention("gas_topup")
	q.appendTopUpEvent(ctx, rec, needed, tx.TxID)
	q.reschedule(ctx, rec, fmt.Errorf("fee budget topped up by %s, waiting for confirmation", needed.String()))
	q.log.Info("escrow fee budget topped up",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"txid", tx.TxID,
	)
}

func (q *Queue) appendTopUpEvent(ctx context.Context, rec storage.PayoutRecord, amount *big.Int, txid string) {
	dealID, err := uuid.Parse(rec.DealID)
	if err != nil {
		return
	}
	payload := map[string]any{
		"payoutId": rec.ID,
		"asset":    rec.Asset,
		"amount":   amount.String(),
		"txid":     txid,
	}
	details, err := json.Marshal(payload)
	if err != nil {
		return
	}
	event := deal.Event{
		DealID:    dealID,
		Action:    "escrow.gas_topup",
		Details:   string(details),
		CreatedAt: q.nowFn(),
	}
	if legID, err := uuid.Parse(rec.LegID); err == nil {
		event.LegID = &legID
	}
	if err := q.deals.AppendEvent(ctx, event); err != nil {
		q.log.Error("top-up event append failed", "payout_id", rec.ID, "error", err.Error())
	}
}

func (q *Queue) handleSubmitError(ctx context.Context, rec storage.PayoutRecord, err error) {
	switch {
	case errors.Is(err, chain.ErrInvalidAddress), errors.Is(err, chain.ErrUnsupportedAsset), errors.Is(err, chain.ErrUnknownLedger):
		// No retry fixes a malformed destination.
		q.fail(ctx, rec, err)
	default:
		q.reschedule(ctx, rec, err)
	}
}

func (q *Queue) reschedule(ctx context.Context, rec storage.PayoutRecord, cause error) {
	delay := q.retryDelay * time.Duration(rec.Attempts+1)
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}
	if err := q.payouts.Reschedule(ctx, rec.ID, q.nowFn().Add(delay), cause.Error()); err != nil {
		q.log.Error("reschedule failed", "payout_id", rec.ID, "error", err.Error())
		return
	}
	q.log.Warn("payout deferred",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"attempt", rec.Attempts+1,
		"error", cause.Error(),
	)
}

func (q *Queue) fail(ctx context.Context, rec storage.PayoutRecord, cause error) {
	if err := q.payouts.MarkFailed(ctx, rec.ID, cause.Error(), q.nowFn()); err != nil {
		q.log.Error("mark failed failed", "payout_id", rec.ID, "error", err.Error())
		return
	}
	observability.Payouts().RecordFailed(rec.LedgerID, classifyReason(cause))
	q.appendPayoutEvent(ctx, rec, "payout.failed", rec.TxIDs)
	q.log.Error("payout failed",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"purpose", rec.Purpose,
		"error", cause.Error(),
	)
}

func (q *Queue) confirmSubmitted(ctx context.Context) {
	recs, err := q.payouts.Submitted(ctx)
	if err != nil {
		q.log.Error("submitted scan failed", "error", err.Error())
		return
	}
	for _, rec := range recs {
		q.confirm(ctx, rec)
	}
}

func (q *Queue) confirm(ctx context.Context, rec storage.PayoutRecord) {
	adapter, err := q.registry.Get(rec.LedgerID)
	if err != nil {
		q.log.Error("no adapter for payout", "payout_id", rec.ID, "ledger", rec.LedgerID)
		return
	}
	if len(rec.TxIDs) == 0 {
		// A SUBMITTED row with no transactions cannot confirm; put it back.
		if err := q.payouts.Resubmit(ctx, rec.ID, q.nowFn(), "submitted without transactions"); err != nil {
			q.log.Error("resubmit failed", "payout_id", rec.ID, "error", err.Error())
		}
		return
	}
	target := q.settings[strings.ToLower(rec.LedgerID)].ConfirmTarget
	if target == 0 {
		target = 1
	}
	var dropped []string
	aliveMin := uint64(0)
	alive := 0
	for _, txid := range rec.TxIDs {
		conf, err := adapter.TxConfirmations(ctx, txid)
		switch {
		case errors.Is(err, chain.ErrTxReverted):
			q.fail(ctx, rec, err)
			return
		case errors.Is(err, chain.ErrTxDropped):
			dropped = append(dropped, txid)
			continue
		case err != nil:
			// Transient node trouble: try again next pass.
			return
		}
		if alive == 0 || conf < aliveMin {
			aliveMin = conf
		}
		alive++
	}
	if alive == 0 {
		q.resubmitDropped(ctx, rec)
		return
	}
	if aliveMin < target {
		return
	}
	if len(dropped) > 0 {
		// The surviving transactions are final. A dropped one is only
		// acceptable when the recovery log shows it was fee-bumped into a
		// replacement; otherwise part of the payout is missing.
		replaced := q.replacedTxids(ctx, rec)
		for _, txid := range dropped {
			if !replaced[txid] {
				q.recordRecovery(ctx, rec, "partial_drop", "transaction lost without replacement", txid, "")
				observability.Recovery().RecordIntervention("partial_drop")
				q.fail(ctx, rec, fmt.Errorf("transaction %s lost without replacement: %w", txid, chain.ErrTxDropped))
				return
			}
		}
	}
	if err := q.payouts.MarkConfirmed(ctx, rec.ID, q.nowFn()); err != nil {
		q.log.Error("mark confirmed failed", "payout_id", rec.ID, "error", err.Error())
		return
	}
	observability.Payouts().RecordConfirmed(rec.LedgerID, rec.Purpose)
	observability.Payouts().ObserveConfirmLatency(rec.LedgerID, q.nowFn().Sub(rec.CreatedAt))
	q.appendPayoutEvent(ctx, rec, "payout.confirmed", rec.TxIDs)
	q.log.Info("payout confirmed",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"purpose", rec.Purpose,
	)
	q.maybeFinishLeg(ctx, rec)
}

// resubmitDropped handles a payout whose every transaction vanished from the
// ledger. Nothing moved, so a fresh broadcast is safe. Drive rows flow back
// to the orchestrator; plain sends go back to PENDING for the next due scan.
func (q *Queue) resubmitDropped(ctx context.Context, rec storage.PayoutRecord) {
	if err := q.payouts.Resubmit(ctx, rec.ID, q.nowFn().Add(q.retryDelay), "all transactions dropped"); err != nil {
		q.log.Error("resubmit failed", "payout_id", rec.ID, "error", err.Error())
		return
	}
	observability.Recovery().RecordResubmit(rec.LedgerID)
	q.recordRecovery(ctx, rec, "resubmit", "all transactions dropped", rec.TxIDs[0], "")
	q.log.Warn("payout dropped from ledger, requeued",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"purpose", rec.Purpose,
	)
}

// replacedTxids returns the transactions of this payout that the recovery
// log records as superseded by a fee bump.
func (q *Queue) replacedTxids(ctx context.Context, rec storage.PayoutRecord) map[string]bool {
	events, err := q.payouts.RecoveryEvents(ctx, rec.DealID)
	if err != nil {
		q.log.Error("recovery log read failed", "payout_id", rec.ID, "error", err.Error())
		return nil
	}
	replaced := make(map[string]bool)
	for _, event := range events {
		if event.PayoutID == rec.ID && event.OldTxID != "" && event.NewTxID != "" {
			replaced[event.OldTxID] = true
		}
	}
	return replaced
}

// maybeFinishLeg closes the leg once its last payout confirms. Refunds and
// sweeps on already terminal legs confirm without any transition.
func (q *Queue) maybeFinishLeg(ctx context.Context, rec storage.PayoutRecord) {
	unfinished, err := q.payouts.Unfinished(ctx, rec.FromAddr)
	if err != nil {
		q.log.Error("unfinished count failed", "escrow", rec.FromAddr, "error", err.Error())
		return
	}
	if unfinished > 0 {
		return
	}
	failed, err := q.payouts.Failed(ctx, rec.FromAddr)
	if err != nil {
		q.log.Error("failed count failed", "escrow", rec.FromAddr, "error", err.Error())
		return
	}
	if failed > 0 {
		// The leg cannot close cleanly while failed rows need an operator.
		return
	}
	legID, err := uuid.Parse(rec.LegID)
	if err != nil {
		q.log.Error("malformed leg id on payout", "payout_id", rec.ID, "leg_id", rec.LegID)
		return
	}
	leg, err := q.deals.GetLeg(ctx, legID)
	if err != nil {
		q.log.Error("leg lookup failed", "leg_id", rec.LegID, "error", err.Error())
		return
	}
	switch leg.State {
	case deal.LegSettling:
		q.finishLeg(ctx, *leg, deal.LegSettling, deal.LegSettled)
	case deal.LegReverting:
		q.finishLeg(ctx, *leg, deal.LegReverting, deal.LegReverted)
	}
}

func (q *Queue) finishLeg(ctx context.Context, leg deal.Leg, from, to deal.LegState) {
	if err := q.deals.TransitionLeg(ctx, leg.ID, from, to, "all payouts confirmed"); err != nil {
		if !errors.Is(err, deal.ErrStaleState) {
			q.log.Error("terminal transition failed", "leg_id", leg.ID.String(), "error", err.Error())
		}
		return
	}
	observability.Orchestrator().RecordTransition(string(to))
	observability.Orchestrator().RecordOutcome(string(to))
	if err := q.checkpoints.DeleteCursor(leg.ID.String()); err != nil {
		q.log.Warn("cursor cleanup failed", "leg_id", leg.ID.String(), "error", err.Error())
	}
	q.log.Info("leg closed",
		"leg_id", leg.ID.String(),
		"escrow", leg.EscrowAddress,
		"state", string(to),
	)
}

func (q *Queue) observeDepth(ctx context.Context) {
	for _, status := range []storage.Status{storage.StatusPending, storage.StatusSubmitted, storage.StatusFailed} {
		recs, err := q.payouts.ByStatus(ctx, status, 500)
		if err != nil {
			continue
		}
		observability.Payouts().SetQueueDepth(string(status), len(recs))
	}
}

// observeReserves samples each configured operational reserve so dashboards
// can alert before a ledger runs out of top-up funds.
func (q *Queue) observeReserves(ctx context.Context) {
	for ledgerID, settings := range q.settings {
		if settings.Reserve == "" || settings.NativeAsset == "" {
			continue
		}
		adapter, err := q.registry.Get(ledgerID)
		if err != nil {
			continue
		}
		page, err := adapter.ListConfirmedDeposits(ctx, settings.NativeAsset, settings.Reserve, 1, 0)
		if err != nil {
			continue
		}
		observability.Payouts().RecordReserve(ledgerID, page.TotalConfirmed, settings.ReserveFloor)
	}
}

func (q *Queue) recordRecovery(ctx context.Context, rec storage.PayoutRecord, kind, detail, oldTxID, newTxID string) {
	event := storage.RecoveryEvent{
		PayoutID:   rec.ID,
		DealID:     rec.DealID,
		Kind:       kind,
		Detail:     detail,
		OldTxID:    oldTxID,
		NewTxID:    newTxID,
		OccurredAt: q.nowFn(),
	}
	if err := q.payouts.RecordRecovery(ctx, event); err != nil {
		q.log.Error("recovery record failed", "payout_id", rec.ID, "kind", kind, "error", err.Error())
	}
}

func (q *Queue) appendPayoutEvent(ctx context.Context, rec storage.PayoutRecord, action string, txids []string) {
	dealID, err := uuid.Parse(rec.DealID)
	if err != nil {
		return
	}
	payload := map[string]any{
		"payoutId": rec.ID,
		"purpose":  rec.Purpose,
		"asset":    rec.Asset,
		"amount":   rec.Amount.String(),
		"txids":    txids,
	}
	details, err := json.Marshal(payload)
	if err != nil {
		return
	}
	event := deal.Event{
		DealID:    dealID,
		Action:    action,
		Details:   string(details),
		CreatedAt: q.nowFn(),
	}
	if legID, err := uuid.Parse(rec.LegID); err == nil {
		event.LegID = &legID
	}
	if err := q.deals.AppendEvent(ctx, event); err != nil {
		q.log.Error("payout event append failed", "payout_id", rec.ID, "error", err.Error())
	}
}

func isDriveRow(rec storage.PayoutRecord) bool {
	return strings.HasPrefix(rec.Purpose, drivePrefix)
}
