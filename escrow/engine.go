package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	errNilLedger         = errors.New("escrow engine: ledger not configured")
	errNilFeeRecipient   = errors.New("escrow engine: fee recipient not configured")
	errNilReserve        = errors.New("escrow engine: operational reserve not configured")
	errNonPositiveAmount = errors.New("escrow engine: swap value must be positive")
)

// Ledger is the custodial state the engine runs against: escrow records plus
// per-address, per-asset balances. On UTXO ledgers the broker's custodial
// bookkeeping implements it; in tests an in-memory ledger does.
type Ledger interface {
	EscrowPut(*Escrow) error
	EscrowGet(address string) (*Escrow, bool)
	BalanceOf(address, asset string) (*big.Int, error)
	Transfer(from, to, asset string, amount *big.Int) error
}

// Engine enforces the escrow program's transition rules, authorization and
// exact-value distribution against a Ledger. One engine serves every escrow
// instance on its ledger; instances are keyed by escrow address.
type Engine struct {
	ledger       Ledger
	emitter      Emitter
	feeRecipient string
	reserve      string
	nowFn        func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetLedger configures the custodial state backend used by the engine.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetFeeRecipient configures the address that receives escrow fees.
func (e *Engine) SetFeeRecipient(addr string) { e.feeRecipient = strings.TrimSpace(addr) }

// SetReserve configures the operational reserve address that receives swept
// foreign assets.
func (e *Engine) SetReserve(addr string) { e.reserve = strings.TrimSpace(addr) }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(address string) (*Escrow, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	esc, ok := e.ledger.EscrowGet(strings.TrimSpace(address))
	if !ok {
		return nil, ErrNotInitialized
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	return e.ledger.EscrowPut(esc)
}

func (e *Engine) balanceOf(address, asset string) (*big.Int, error) {
	balance, err := e.ledger.BalanceOf(address, asset)
	if err != nil {
		return nil, fmt.Errorf("escrow engine: balance lookup: %w", err)
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return cloneBigInt(balance), nil
}

// Initialize creates the escrow instance at the given address and opens the
// COLLECTION window. Callable exactly once per address; the parameters are
// immutable afterwards.
func (e *Engine) Initialize(address, ledgerID, operator, payback, recipient, currency string, swapValue, feeValue *big.Int) (*Escrow, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, &InvalidAddressError{Field: "escrow"}
	}
	if strings.TrimSpace(operator) == "" {
		return nil, &InvalidAddressError{Field: "operator"}
	}
	if strings.TrimSpace(payback) == "" {
		return nil, &InvalidAddressError{Field: "payback"}
	}
	if strings.TrimSpace(recipient) == "" {
		return nil, &InvalidAddressError{Field: "recipient"}
	}
	if strings.TrimSpace(currency) == "" {
		return nil, &InvalidCurrencyError{Asset: currency}
	}
	swap := cloneBigInt(swapValue)
	fee := cloneBigInt(feeValue)
	if swap.Sign() <= 0 {
		return nil, errNonPositiveAmount
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("escrow engine: fee value must be non-negative")
	}
	if swap.Cmp(maxProgramValue) > 0 {
		return nil, &ValueTooLargeError{Field: "swapValue"}
	}
	if fee.Cmp(maxProgramValue) > 0 {
		return nil, &ValueTooLargeError{Field: "feeValue"}
	}
	if _, ok := e.ledger.EscrowGet(address); ok {
		return nil, ErrAlreadyInitialized
	}
	esc := &Escrow{
		Address:   address,
		LedgerID:  strings.TrimSpace(ledgerID),
		Operator:  strings.TrimSpace(operator),
		Payback:   strings.TrimSpace(payback),
		Recipient: strings.TrimSpace(recipient),
		Currency:  strings.TrimSpace(currency),
		SwapValue: swap,
		FeeValue:  fee,
		State:     StateCollection,
		CreatedAt: e.now(),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewInitializedEvent(esc))
	return esc.Clone(), nil
}

// Get returns a copy of the escrow record, or ErrNotInitialized when no
// instance exists at the address.
func (e *Engine) Get(address string) (*Escrow, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// State returns the current lifecycle state of the escrow.
func (e *Engine) State(address string) (State, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return 0, err
	}
	return esc.State, nil
}

// CanSwap reports whether the escrow's custodial balance covers
// swapValue+feeValue.
func (e *Engine) CanSwap(address string) (bool, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return false, err
	}
	balance, err := e.balanceOf(esc.Address, esc.Currency)
	if err != nil {
		return false, err
	}
	return balance.Cmp(esc.RequiredValue()) >= 0, nil
}

// Swap settles the escrow: swapValue to the recipient, feeValue to the fee
// recipient, any surplus to payback, in that fixed order. Only the operator
// may call it and only from COLLECTION. The terminal state is persisted
// before the first outbound transfer so a reentrant caller observes COMPLETED
// and cannot trigger a second distribution.
func (e *Engine) Swap(address, caller string) (*Settlement, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(caller) != esc.Operator {
		return nil, ErrUnauthorizedOperator
	}
	if esc.State != StateCollection {
		return nil, &InvalidStateError{Have: esc.State, Want: StateCollection}
	}
	if esc.FeeValue.Sign() > 0 && e.feeRecipient == "" {
		return nil, errNilFeeRecipient
	}
	balance, err := e.balanceOf(esc.Address, esc.Currency)
	if err != nil {
		return nil, err
	}
	required := esc.RequiredValue()
	if balance.Cmp(required) < 0 {
		return nil, &InsufficientBalanceError{Required: required, Available: balance}
	}

	// Checks done. Latch the terminal state before any outbound transfer.
	esc.SwapExecuted = true
	esc.State = StateCompleted
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}

	transfers := SwapDistribution(esc, balance, e.feeRecipient)
	if err := e.applyTransfers(esc, transfers); err != nil {
		return nil, err
	}
	e.emit(NewCompletedEvent(esc))
	return &Settlement{Escrow: esc.Clone(), Transfers: transfers}, nil
}

// Revert abandons the deal from COLLECTION: the fee recipient keeps up to
// feeValue of whatever was deposited and the remainder returns to payback.
// Operator-only. The terminal state is persisted before any transfer.
func (e *Engine) Revert(address, caller string) (*Settlement, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(caller) != esc.Operator {
		return nil, ErrUnauthorizedOperator
	}
	if esc.State != StateCollection {
		return nil, &InvalidStateError{Have: esc.State, Want: StateCollection}
	}
	balance, err := e.balanceOf(esc.Address, esc.Currency)
	if err != nil {
		return nil, err
	}
	fee := cloneBigInt(esc.FeeValue)
	if fee.Cmp(balance) > 0 {
		fee = cloneBigInt(balance)
	}
	if fee.Sign() > 0 && e.feeRecipient == "" {
		return nil, errNilFeeRecipient
	}

	esc.State = StateReverted
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}

	transfers := RevertDistribution(esc, balance, e.feeRecipient)
	if err := e.applyTransfers(esc, transfers); err != nil {
		return nil, err
	}
	e.emit(NewRevertedEvent(esc))
	return &Settlement{Escrow: esc.Clone(), Transfers: transfers}, nil
}

// Refund sweeps any balance accrued after settlement (late or duplicate
// deposits) back to payback. Callable by anyone, only once the escrow is
// COMPLETED. A zero balance succeeds as a no-op.
func (e *Engine) Refund(address string) (*Settlement, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	if esc.State != StateCompleted {
		return nil, &InvalidStateError{Have: esc.State, Want: StateCompleted}
	}
	balance, err := e.balanceOf(esc.Address, esc.Currency)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return &Settlement{Escrow: esc.Clone()}, nil
	}
	transfers := []Transfer{{To: esc.Payback, Asset: esc.Currency, Amount: balance, Purpose: PurposeRefund}}
	if err := e.applyTransfers(esc, transfers); err != nil {
		return nil, err
	}
	e.emit(NewRefundedEvent(esc, balance))
	return &Settlement{Escrow: esc.Clone(), Transfers: transfers}, nil
}

// Sweep forwards a foreign asset accidentally sent to the escrow to the
// operational reserve. Callable by anyone in any state; the deal's own
// currency is refused so live funds cannot be drained.
func (e *Engine) Sweep(address, asset string) (*Settlement, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	asset = strings.TrimSpace(asset)
	if asset == "" || asset == esc.Currency {
		return nil, &InvalidCurrencyError{Asset: asset}
	}
	if e.reserve == "" {
		return nil, errNilReserve
	}
	balance, err := e.balanceOf(esc.Address, asset)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return &Settlement{Escrow: esc.Clone()}, nil
	}
	transfers := []Transfer{{To: e.reserve, Asset: asset, Amount: balance, Purpose: PurposeSweep}}
	if err := e.applyTransfers(esc, transfers); err != nil {
		return nil, err
	}
	e.emit(NewSweptEvent(esc, asset, balance))
	return &Settlement{Escrow: esc.Clone(), Transfers: transfers}, nil
}

func (e *Engine) applyTransfers(esc *Escrow, transfers []Transfer) error {
	for _, t := range transfers {
		if t.Amount == nil || t.Amount.Sign() == 0 {
			continue
		}
		if err := e.ledger.Transfer(esc.Address, t.To, t.Asset, t.Amount); err != nil {
			return &TransferFailedError{Asset: t.Asset, To: t.To, Amount: cloneBigInt(t.Amount), Err: err}
		}
		e.emit(NewTransferEvent(esc, t))
	}
	return nil
}
