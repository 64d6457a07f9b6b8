package utxo

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"otcbroker/chain"
	"otcbroker/wallet"
)

// Config carries the per-ledger constants of one UTXO adapter instance. The
// capability set of every UTXO ledger is identical; only these constants
// differ.
type Config struct {
	LedgerID         string
	NativeAsset      string
	Network          string
	CoinType         uint32
	MinConfirmations uint64
	// FallbackFeeRate is used when the backend cannot estimate, in base
	// units per byte.
	FallbackFeeRate int64
	// DustLimit is the smallest output the network relays, in base units.
	DustLimit   int64
	InitRetries int
	InitBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.NativeAsset == "" {
		c.NativeAsset = "BTC"
	}
	if c.FallbackFeeRate <= 0 {
		c.FallbackFeeRate = 2
	}
	if c.DustLimit <= 0 {
		c.DustLimit = 546
	}
	if c.InitRetries <= 0 {
		c.InitRetries = 3
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = 2 * time.Second
	}
	return c
}

// NetworkParams resolves the chaincfg parameters for a configured network
// name.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest", "regression":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("utxo: unknown network %q", network)
	}
}

// Adapter implements chain.Adapter for single-input-per-transaction ledgers.
type Adapter struct {
	cfg       Config
	params    *chaincfg.Params
	backend   Backend
	wallet    *wallet.Wallet
	directory *wallet.Directory
	log       *slog.Logger
	degraded  atomic.Bool
}

// New constructs the adapter. The wallet signs with deterministically derived
// escrow keys; the directory caches derived accounts and resolves signing
// keys by address.
func New(cfg Config, backend Backend, w *wallet.Wallet, directory *wallet.Directory, log *slog.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.LedgerID) == "" {
		return nil, fmt.Errorf("utxo: ledger id required")
	}
	if backend == nil {
		return nil, fmt.Errorf("utxo: backend required")
	}
	if w == nil {
		return nil, fmt.Errorf("utxo: wallet required")
	}
	if directory == nil {
		return nil, fmt.Errorf("utxo: account directory required")
	}
	params, err := NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		params:    params,
		backend:   backend,
		wallet:    w,
		directory: directory,
		log:       log.With("ledger", cfg.LedgerID),
	}, nil
}

// LedgerID implements chain.Adapter.
func (a *Adapter) LedgerID() string { return a.cfg.LedgerID }

// Init pings the backend with bounded retries. When every attempt fails the
// adapter starts degraded instead of blocking process startup; later calls
// retry the backend on their own.
func (a *Adapter) Init(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < a.cfg.InitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.InitBackoff * time.Duration(attempt)):
			}
		}
		if lastErr = a.backend.Ping(ctx); lastErr == nil {
			a.degraded.Store(false)
			return nil
		}
	}
	a.degraded.Store(true)
	a.log.Warn("utxo backend unreachable, starting degraded", "backend", a.backend.Name(), "err", lastErr)
	return nil
}

// Degraded reports whether the adapter failed its last connectivity check.
func (a *Adapter) Degraded() bool { return a.degraded.Load() }

// GenerateEscrowAccount implements chain.Adapter. The derivation index is a
// pure function of (dealID, party), so the call reproduces the same account
// for an existing deal across restarts; the directory is only a cache.
func (a *Adapter) GenerateEscrowAccount(asset, dealID, party string) (chain.EscrowAccountRef, error) {
	if err := a.checkAsset(asset); err != nil {
		return chain.EscrowAccountRef{}, err
	}
	if cached, ok, err := a.directory.Get(a.cfg.LedgerID, dealID, party); err != nil {
		return chain.EscrowAccountRef{}, err
	} else if ok {
		return chain.EscrowAccountRef{LedgerID: a.cfg.LedgerID, Address: cached.Address, KeyRef: cached.KeyRef}, nil
	}
	key, err := a.wallet.EscrowKey(dealID, party)
	if err != nil {
		return chain.EscrowAccountRef{}, fmt.Errorf("utxo: derive escrow key: %w", err)
	}
	addr, err := key.Address()
	if err != nil {
		return chain.EscrowAccountRef{}, err
	}
	record := wallet.AccountRecord{
		LedgerID: a.cfg.LedgerID,
		DealID:   strings.TrimSpace(dealID),
		Party:    strings.TrimSpace(party),
		Address:  addr.EncodeAddress(),
		KeyRef:   key.Path,
		Index:    key.Index,
	}
	if err := a.directory.Put(record); err != nil {
		return chain.EscrowAccountRef{}, err
	}
	return chain.EscrowAccountRef{LedgerID: a.cfg.LedgerID, Address: record.Address, KeyRef: record.KeyRef}, nil
}

// ListConfirmedDeposits implements chain.Adapter. A backend outage yields an
// empty page rather than an error so pollers simply try again next tick.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConf uint64, sinceHeight uint64) (chain.DepositPage, error) {
	page := chain.DepositPage{TotalConfirmed: big.NewInt(0)}
	if err := a.checkAsset(asset); err != nil {
		return page, err
	}
	if !a.ValidateAddress(address) {
		return page, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, address)
	}
	unspent, err := a.backend.ListUnspent(ctx, address)
	if err != nil {
		a.degraded.Store(true)
		a.log.Warn("deposit listing unavailable", "address", address, "err", err)
		return page, nil
	}
	a.degraded.Store(false)
	if minConf == 0 {
		minConf = a.cfg.MinConfirmations
	}
	for _, utxo := range unspent {
		if utxo.Confirmations < minConf {
			continue
		}
		if sinceHeight > 0 && utxo.BlockHeight < sinceHeight {
			continue
		}
		page.Deposits = append(page.Deposits, chain.Deposit{
			TxID:          utxo.TxID,
			OutputIndex:   utxo.Vout,
			Amount:        new(big.Int).Set(utxo.Amount),
			Asset:         a.cfg.NativeAsset,
			BlockHeight:   utxo.BlockHeight,
			BlockTime:     utxo.BlockTime,
			Confirmations: utxo.Confirmations,
		})
		page.TotalConfirmed.Add(page.TotalConfirmed, utxo.Amount)
	}
	return page, nil
}

// Send implements chain.Adapter. The request is first planned against the
// source's unspent outputs, so an uncoverable amount fails before anything
// is broadcast; then each planned transaction is signed and broadcast
// independently, and a failure on one input does not abort the rest.
func (a *Adapter) Send(ctx context.Context, asset, from, to string, amount *big.Int) (chain.SubmittedTx, error) {
	var submitted chain.SubmittedTx
	if err := a.checkAsset(asset); err != nil {
		return submitted, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return submitted, fmt.Errorf("utxo: send amount must be positive")
	}
	if !a.ValidateAddress(to) {
		return submitted, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, to)
	}
	key, sourceScript, err := a.signingKey(from)
	if err != nil {
		return submitted, err
	}
	unspent, err := a.backend.ListUnspent(ctx, from)
	if err != nil {
		return submitted, fmt.Errorf("utxo: list unspent: %w", err)
	}
	feeRate, err := a.feeRate(ctx)
	if err != nil {
		return submitted, err
	}
	destScript, err := payToAddrScript(to, a.params)
	if err != nil {
		return submitted, err
	}

	balance := big.NewInt(0)
	for _, u := range unspent {
		balance.Add(balance, u.Amount)
	}
	var plans []spendPlan
	if amount.Cmp(balance) == 0 {
		plans = a.planDrain(unspent, feeRate, destScript)
		if len(plans) == 0 {
			return submitted, &chain.InsufficientFundsError{Requested: amount, Sendable: big.NewInt(0)}
		}
	} else {
		plans, err = a.planPartial(unspent, amount, feeRate, destScript, sourceScript)
		if err != nil {
			return submitted, err
		}
	}

	return a.broadcastPlans(ctx, plans, sourceScript, key)
}

// Drain sends everything spendable at from to the destination, one transaction
// per unspent output, each paying its full value minus its own network fee.
// The returned total is the value planned to move; a zero total with a nil
// error means nothing above the fee floor remained and no broadcast happened.
func (a *Adapter) Drain(ctx context.Context, asset, from, to string) (chain.SubmittedTx, *big.Int, error) {
	var submitted chain.SubmittedTx
	total := big.NewInt(0)
	if err := a.checkAsset(asset); err != nil {
		return submitted, total, err
	}
	if !a.ValidateAddress(to) {
		return submitted, total, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, to)
	}
	key, sourceScript, err := a.signingKey(from)
	if err != nil {
		return submitted, total, err
	}
	unspent, err := a.backend.ListUnspent(ctx, from)
	if err != nil {
		return submitted, total, fmt.Errorf("utxo: list unspent: %w", err)
	}
	feeRate, err := a.feeRate(ctx)
	if err != nil {
		return submitted, total, err
	}
	destScript, err := payToAddrScript(to, a.params)
	if err != nil {
		return submitted, total, err
	}
	plans := a.planDrain(unspent, feeRate, destScript)
	for _, plan := range plans {
		total.Add(total, plan.sent)
	}
	if len(plans) == 0 {
		return submitted, total, nil
	}
	submitted, err = a.broadcastPlans(ctx, plans, sourceScript, key)
	return submitted, total, err
}

// broadcastPlans signs and broadcasts each planned transaction independently;
// a failure on one input does not abort the rest.
func (a *Adapter) broadcastPlans(ctx context.Context, plans []spendPlan, sourceScript []byte, key *wallet.DerivedKey) (chain.SubmittedTx, error) {
	var submitted chain.SubmittedTx
	var broadcastErrs []error
	for _, plan := range plans {
		tx, err := buildSignedSpend(plan, sourceScript, key.PrivKey())
		if err != nil {
			broadcastErrs = append(broadcastErrs, err)
			continue
		}
		txid, err := a.backend.Broadcast(ctx, tx)
		if err != nil {
			a.log.Warn("broadcast failed", "input", plan.input.TxID, "vout", plan.input.Vout, "err", err)
			broadcastErrs = append(broadcastErrs, fmt.Errorf("input %s:%d: %w", plan.input.TxID, plan.input.Vout, err))
			continue
		}
		if submitted.TxID == "" {
			submitted.TxID = txid
		} else {
			submitted.AdditionalTxIDs = append(submitted.AdditionalTxIDs, txid)
		}
	}
	if len(broadcastErrs) > 0 {
		return submitted, &chain.PartialSendError{Submitted: submitted.All(), Err: broadcastErrs[0]}
	}
	return submitted, nil
}

// planDrain builds one transaction per unspent output, each paying its full
// value minus a flat per-transaction fee. Outputs worth no more than the fee
// are skipped as dust.
func (a *Adapter) planDrain(unspent []Unspent, feeRate *big.Int, destScript []byte) []spendPlan {
	fee := estimateFee(feeRate, 1, 1)
	plans := make([]spendPlan, 0, len(unspent))
	for _, u := range unspent {
		if u.Amount.Cmp(fee) <= 0 {
			a.log.Debug("skipping dust output", "txid", u.TxID, "vout", u.Vout, "value", u.Amount)
			continue
		}
		sent := new(big.Int).Sub(u.Amount, fee)
		plans = append(plans, spendPlan{
			input:   u,
			outputs: []*wire.TxOut{wire.NewTxOut(sent.Int64(), destScript)},
			sent:    sent,
			change:  big.NewInt(0),
			fee:     new(big.Int).Set(fee),
		})
	}
	return plans
}

// planPartial consumes outputs largest-first until the requested amount is
// covered. Each transaction sends min(remaining, value−fee) to the
// destination and routes any remainder above the dust limit back to the
// source as change. An uncoverable request reports the sendable total.
func (a *Adapter) planPartial(unspent []Unspent, amount, feeRate *big.Int, destScript, sourceScript []byte) ([]spendPlan, error) {
	sorted := append([]Unspent(nil), unspent...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount.Cmp(sorted[j].Amount) > 0 })

	dust := big.NewInt(a.cfg.DustLimit)
	remaining := new(big.Int).Set(amount)
	sendable := big.NewInt(0)
	var plans []spendPlan
	for _, u := range sorted {
		if remaining.Sign() == 0 {
			break
		}
		fee := estimateFee(feeRate, 1, 2)
		usable := new(big.Int).Sub(u.Amount, fee)
		if usable.Sign() <= 0 {
			continue
		}
		sendable.Add(sendable, usable)
		sent := new(big.Int).Set(remaining)
		if sent.Cmp(usable) > 0 {
			sent.Set(usable)
		}
		change := new(big.Int).Sub(u.Amount, sent)
		change.Sub(change, fee)
		outputs := []*wire.TxOut{wire.NewTxOut(sent.Int64(), destScript)}
		if change.Cmp(dust) > 0 {
			outputs = append(outputs, wire.NewTxOut(change.Int64(), sourceScript))
		} else {
			// Sub-dust remainder is absorbed into the fee.
			fee = new(big.Int).Add(fee, change)
			change = big.NewInt(0)
		}
		plans = append(plans, spendPlan{input: u, outputs: outputs, sent: sent, change: change, fee: fee})
		remaining.Sub(remaining, sent)
	}
	if remaining.Sign() > 0 {
		return nil, &chain.InsufficientFundsError{Requested: new(big.Int).Set(amount), Sendable: sendable}
	}
	return plans, nil
}

// EnsureFeeBudget implements chain.Adapter. UTXO transactions pay their fee
// out of the value they move, so the check is that the source balance covers
// the intended amount plus one transaction's worth of fees.
func (a *Adapter) EnsureFeeBudget(ctx context.Context, from, asset string, amount, minNative *big.Int) error {
	if err := a.checkAsset(asset); err != nil {
		return err
	}
	unspent, err := a.backend.ListUnspent(ctx, from)
	if err != nil {
		return fmt.Errorf("utxo: list unspent: %w", err)
	}
	balance := big.NewInt(0)
	for _, u := range unspent {
		balance.Add(balance, u.Amount)
	}
	feeRate, err := a.feeRate(ctx)
	if err != nil {
		return err
	}
	required := estimateFee(feeRate, 1, 2)
	if amount != nil {
		required.Add(required, amount)
	}
	if minNative != nil && required.Cmp(minNative) < 0 {
		required.Set(minNative)
	}
	if balance.Cmp(required) < 0 {
		return &chain.InsufficientFundsError{Requested: required, Sendable: balance}
	}
	return nil
}

// TxConfirmations implements chain.Adapter. Callers only query ids they
// submitted themselves, so a transaction the backend no longer knows at all
// has been dropped (reorganized away or evicted) rather than never sent.
func (a *Adapter) TxConfirmations(ctx context.Context, txid string) (uint64, error) {
	status, err := a.backend.TxStatus(ctx, txid)
	if err != nil {
		return 0, fmt.Errorf("utxo: tx status: %w", err)
	}
	if !status.Known {
		return 0, chain.ErrTxDropped
	}
	if !status.Confirmed {
		return 0, nil
	}
	if status.Confirmations > 0 {
		return status.Confirmations, nil
	}
	tip, err := a.backend.TipHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("utxo: tip height: %w", err)
	}
	if tip < status.BlockHeight {
		return 0, nil
	}
	return tip - status.BlockHeight + 1, nil
}

// ValidateAddress implements chain.Adapter.
func (a *Adapter) ValidateAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(strings.TrimSpace(address), a.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(a.params)
}

func (a *Adapter) checkAsset(asset string) error {
	if !strings.EqualFold(strings.TrimSpace(asset), a.cfg.NativeAsset) {
		return fmt.Errorf("%w: %s on %s", chain.ErrUnsupportedAsset, asset, a.cfg.LedgerID)
	}
	return nil
}

func (a *Adapter) feeRate(ctx context.Context) (*big.Int, error) {
	rate, err := a.backend.FeeRate(ctx)
	if err != nil || rate == nil || rate.Sign() <= 0 {
		return big.NewInt(a.cfg.FallbackFeeRate), nil
	}
	return rate, nil
}

func (a *Adapter) signingKey(from string) (*wallet.DerivedKey, []byte, error) {
	record, ok, err := a.directory.GetByAddress(a.cfg.LedgerID, from)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("utxo: no key material for address %s", from)
	}
	key, err := a.wallet.KeyAt(record.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("utxo: rederive key %s: %w", record.KeyRef, err)
	}
	addr, err := key.Address()
	if err != nil {
		return nil, nil, err
	}
	if addr.EncodeAddress() != from {
		return nil, nil, fmt.Errorf("utxo: derived address mismatch for %s", record.KeyRef)
	}
	script, err := payToAddrScript(from, a.params)
	if err != nil {
		return nil, nil, err
	}
	return key, script, nil
}
