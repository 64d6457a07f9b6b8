package broker

import (
	"context"
	"log/slog"
	"time"

	"otcbroker/broker/storage"
	"otcbroker/chain"
	"otcbroker/observability"
)

// feeBumper is implemented by adapters that can replace a pending
// transaction with a higher-fee copy at the same nonce.
type feeBumper interface {
	BumpFee(ctx context.Context, txid string) (string, error)
}

// Recovery watches in-flight submissions for ones the ledger has sat on for
// too long. Where the adapter supports replacement it bumps the fee and logs
// the swap in the recovery audit; everywhere else it raises the stuck gauge
// so an operator gets paged before funds idle for hours.
type Recovery struct {
	payouts  *storage.Store
	registry *chain.Registry
	log      *slog.Logger

	interval   time.Duration
	stuckAfter time.Duration
	nowFn      func() time.Time
}

// NewRecovery constructs a recovery worker with sane defaults.
func NewRecovery(payouts *storage.Store, registry *chain.Registry, log *slog.Logger) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	return &Recovery{
		payouts:    payouts,
		registry:   registry,
		log:        log.With("component", "recovery"),
		interval:   time.Minute,
		stuckAfter: 10 * time.Minute,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetStuckAfter overrides how long a submission may idle before recovery
// steps in.
func (r *Recovery) SetStuckAfter(d time.Duration) {
	if d > 0 {
		r.stuckAfter = d
	}
}

// Run scans for stuck submissions until the context is cancelled.
func (r *Recovery) Run(ctx context.Context) {
	if r.payouts == nil || r.registry == nil {
		return
	}
	interval := r.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Recovery) tick(ctx context.Context) {
	recs, err := r.payouts.Submitted(ctx)
	if err != nil {
		r.log.Error("submitted scan failed", "error", err.Error())
		return
	}
	now := r.nowFn()
	stuck := 0
	for _, rec := range recs {
		if now.Sub(rec.CreatedAt) < r.stuckAfter {
			continue
		}
		stuck++
		r.recover(ctx, rec)
	}
	observability.Recovery().SetStuck(stuck)
}

func (r *Recovery) recover(ctx context.Context, rec storage.PayoutRecord) {
	if len(rec.TxIDs) == 0 {
		return
	}
	// The recovery audit throttles repeated action on the same payout: one
	// bump, then wait out the stuck horizon again.
	if r.recentAction(ctx, rec) {
		return
	}
	adapter, err := r.registry.Get(rec.LedgerID)
	if err != nil {
		return
	}
	bumper, canBump := adapter.(feeBumper)
	if !canBump {
		r.log.Warn("payout stuck, ledger cannot replace transactions",
			"payout_id", rec.ID,
			"escrow", rec.FromAddr,
			"ledger", rec.LedgerID,
			"purpose", rec.Purpose,
		)
		observability.Recovery().RecordIntervention("stuck_no_replacement")
		r.recordRecovery(ctx, rec, "stuck", "no replacement support on ledger", "", "")
		return
	}
	last := rec.TxIDs[len(rec.TxIDs)-1]
	conf, err := adapter.TxConfirmations(ctx, last)
	if err != nil || conf > 0 {
		// Dropped and reverted transactions belong to the queue worker;
		// anything with depth is no longer stuck.
		return
	}
	newTxid, err := bumper.BumpFee(ctx, last)
	if err != nil {
		r.log.Warn("fee bump failed",
			"payout_id", rec.ID,
			"txid", last,
			"error", err.Error(),
		)
		return
	}
	if err := r.payouts.AddTxID(ctx, rec.ID, newTxid, r.nowFn()); err != nil {
		r.log.Error("replacement record failed", "payout_id", rec.ID, "txid", newTxid, "error", err.Error())
		return
	}
	r.recordRecovery(ctx, rec, "fee_bump", "replaced stuck transaction", last, newTxid)
	observability.Recovery().RecordFeeBump(rec.LedgerID)
	r.log.Info("fee bumped",
		"payout_id", rec.ID,
		"escrow", rec.FromAddr,
		"ledger", rec.LedgerID,
		"txid", newTxid,
	)
}

// recentAction reports whether the recovery audit shows action on this
// payout within the stuck horizon.
func (r *Recovery) recentAction(ctx context.Context, rec storage.PayoutRecord) bool {
	events, err := r.payouts.RecoveryEvents(ctx, rec.DealID)
	if err != nil {
		return false
	}
	cutoff := r.nowFn().Add(-r.stuckAfter)
	for _, event := range events {
		if event.PayoutID == rec.ID && event.OccurredAt.After(cutoff) {
			return true
		}
	}
	return false
}

func (r *Recovery) recordRecovery(ctx context.Context, rec storage.PayoutRecord, kind, detail, oldTxID, newTxID string) {
	event := storage.RecoveryEvent{
		PayoutID:   rec.ID,
		DealID:     rec.DealID,
		Kind:       kind,
		Detail:     detail,
		OldTxID:    oldTxID,
		NewTxID:    newTxID,
		OccurredAt: r.nowFn(),
	}
	if err := r.payouts.RecordRecovery(ctx, event); err != nil {
		r.log.Error("recovery record failed", "payout_id", rec.ID, "kind", kind, "error", err.Error())
	}
}
