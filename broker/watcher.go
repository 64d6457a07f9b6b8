package broker

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"otcbroker/chain"
	"otcbroker/deal"
	"otcbroker/observability"
)

// Watcher polls every deposit-window leg for confirmed escrow value and
// promotes a leg to READY_TO_SETTLE once the total covers swap plus fee.
// Deposits below the ledger's confirmation floor stay invisible, so a reorg
// inside the confirmation window never credits value that later vanishes.
type Watcher struct {
	deals        *deal.Store
	registry     *chain.Registry
	checkpoints  *Checkpoints
	settings     map[string]LedgerSettings
	log          *slog.Logger
	pollInterval time.Duration
	nowFn        func() time.Time
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(deals *deal.Store, registry *chain.Registry, checkpoints *Checkpoints, settings map[string]LedgerSettings, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		deals:        deals,
		registry:     registry,
		checkpoints:  checkpoints,
		settings:     settings,
		log:          log.With("component", "watcher"),
		pollInterval: 10 * time.Second,
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
}

// SetPollInterval overrides the scan cadence.
func (w *Watcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w.deals == nil || w.registry == nil {
		return
	}
	interval := w.pollInterval
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
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	legs, err := w.deals.ActiveLegs(ctx)
	if err != nil {
		w.log.Error("active leg scan failed", "error", err.Error())
		return
	}
	watched := make(map[string]int)
	for _, leg := range legs {
		if leg.State != deal.LegAwaitingDeposit {
			continue
		}
		watched[strings.ToLower(leg.LedgerID)]++
		w.scanLeg(ctx, leg)
	}
	for _, ledger := range w.registry.Ledgers() {
		observability.Watcher().SetWatchedLegs(ledger, watched[ledger])
	}
}

func (w *Watcher) scanLeg(ctx context.Context, leg deal.Leg) {
	started := time.Now()
	adapter, err := w.registry.Get(leg.LedgerID)
	if err != nil {
		w.log.Error("no adapter for leg",
			"ledger", leg.LedgerID,
			"leg_id", leg.ID.String(),
		)
		observability.Watcher().RecordPollError(leg.LedgerID, "unknown_ledger")
		return
	}
	minConf := w.settings[strings.ToLower(leg.LedgerID)].MinConfirmations
	page, err := adapter.ListConfirmedDeposits(ctx, leg.Asset, leg.EscrowAddress, minConf, 0)
	if err != nil {
		observability.Watcher().RecordPollError(leg.LedgerID, classifyReason(err))
		w.log.Warn("deposit listing failed",
			"ledger", leg.LedgerID,
			"escrow", leg.EscrowAddress,
			"error", err.Error(),
		)
		return
	}
	observability.Watcher().ObserveScan(leg.LedgerID, time.Since(started))

	fresh := w.advanceCursor(leg, page)
	for _, dep := range fresh {
		observability.Watcher().RecordDeposit(leg.LedgerID, dep.Asset)
		w.announceDeposit(ctx, leg, dep, page.TotalConfirmed)
	}

	required, err := requiredValue(leg)
	if err != nil {
		w.log.Error("malformed leg amounts", "leg_id", leg.ID.String(), "error", err.Error())
		return
	}
	if page.TotalConfirmed == nil || page.TotalConfirmed.Cmp(required) < 0 {
		return
	}
	err = w.deals.TransitionLeg(ctx, leg.ID, deal.LegAwaitingDeposit, deal.LegReadyToSettle, "deposits cover swap and fee")
	if err != nil {
		if !errors.Is(err, deal.ErrStaleState) {
			w.log.Error("funded transition failed", "leg_id", leg.ID.String(), "error", err.Error())
		}
		return
	}
	observability.Watcher().RecordLegFunded(leg.LedgerID)
	w.log.Info("leg funded",
		"leg_id", leg.ID.String(),
		"escrow", leg.EscrowAddress,
		"ledger", leg.LedgerID,
		"asset", leg.Asset,
	)
}

// advanceCursor folds the page into the leg's durable cursor and returns the
// deposits not announced before. A cursor write failure only risks a repeat
// announcement, never a missed one.
func (w *Watcher) advanceCursor(leg deal.Leg, page chain.DepositPage) []chain.Deposit {
	var fresh []chain.Deposit
	err := w.checkpoints.MutateCursor(leg.ID.String(), func(cursor *WatchCursor) error {
		for _, dep := range page.Deposits {
			key := depositKey(dep)
			if cursor.Seen[key] {
				continue
			}
			cursor.Seen[key] = true
			if dep.BlockHeight > cursor.TipHeight {
				cursor.TipHeight = dep.BlockHeight
			}
			fresh = append(fresh, dep)
		}
		cursor.Total = bigString(page.TotalConfirmed)
		return nil
	})
	if err != nil {
		w.log.Error("cursor update failed", "leg_id", leg.ID.String(), "error", err.Error())
	}
	return fresh
}

func (w *Watcher) announceDeposit(ctx context.Context, leg deal.Leg, dep chain.Deposit, total *big.Int) {
	w.log.Info("deposit confirmed",
		"leg_id", leg.ID.String(),
		"escrow", leg.EscrowAddress,
		"ledger", leg.LedgerID,
		"asset", dep.Asset,
		"txid", dep.TxID,
		"height", dep.BlockHeight,
	)
	legID := leg.ID
	details := `{"txid":` + strconv.Quote(dep.TxID) +
		`,"vout":` + strconv.FormatUint(uint64(dep.OutputIndex), 10) +
		`,"amount":"` + bigString(dep.Amount) +
		`","total":"` + bigString(total) + `"}`
	event := deal.Event{
		DealID:    leg.DealID,
		LegID:     &legID,
		Action:    "deposit.confirmed",
		Details:   details,
		CreatedAt: w.nowFn(),
	}
	if err := w.deals.AppendEvent(ctx, event); err != nil {
		w.log.Error("deposit event append failed", "leg_id", leg.ID.String(), "error", err.Error())
	}
}

func depositKey(dep chain.Deposit) string {
	return dep.TxID + ":" + strconv.FormatUint(uint64(dep.OutputIndex), 10)
}

func requiredValue(leg deal.Leg) (*big.Int, error) {
	swap, err := leg.SwapAmount()
	if err != nil {
		return nil, err
	}
	fee, err := leg.FeeAmount()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(swap, fee), nil
}
