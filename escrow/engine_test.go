package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
)

const (
	testOperator  = "op1qbroker"
	testPayback   = "addr1qpayback"
	testRecipient = "addr1qrecipient"
	testFeeAddr   = "addr1qfees"
	testReserve   = "addr1qreserve"
	testEscrow    = "esc1qdeal77a"
	testCurrency  = "BTC"
)

type memoryLedger struct {
	escrows    map[string]*Escrow
	balances   map[string]map[string]*big.Int
	onTransfer func(from, to, asset string, amount *big.Int) error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		escrows:  make(map[string]*Escrow),
		balances: make(map[string]map[string]*big.Int),
	}
}

func (m *memoryLedger) EscrowPut(e *Escrow) error {
	if e == nil {
		return fmt.Errorf("nil escrow")
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.Address] = sanitized.Clone()
	return nil
}

func (m *memoryLedger) EscrowGet(address string) (*Escrow, bool) {
	esc, ok := m.escrows[address]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *memoryLedger) BalanceOf(address, asset string) (*big.Int, error) {
	assets, ok := m.balances[address]
	if !ok {
		return big.NewInt(0), nil
	}
	balance, ok := assets[asset]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *memoryLedger) Transfer(from, to, asset string, amount *big.Int) error {
	balance, _ := m.BalanceOf(from, asset)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient funds at %s", from)
	}
	m.credit(from, asset, new(big.Int).Neg(amount))
	m.credit(to, asset, amount)
	if m.onTransfer != nil {
		return m.onTransfer(from, to, asset, amount)
	}
	return nil
}

func (m *memoryLedger) credit(address, asset string, amount *big.Int) {
	assets, ok := m.balances[address]
	if !ok {
		assets = make(map[string]*big.Int)
		m.balances[address] = assets
	}
	balance, ok := assets[asset]
	if !ok {
		balance = big.NewInt(0)
	}
	assets[asset] = new(big.Int).Add(balance, amount)
}

func (m *memoryLedger) balance(address, asset string) string {
	balance, _ := m.BalanceOf(address, asset)
	return balance.String()
}

type captureEmitter struct {
	events []*Event
}

func (c *captureEmitter) Emit(evt *Event) { c.events = append(c.events, evt) }

func newTestEngine(ledger *memoryLedger) *Engine {
	engine := NewEngine()
	engine.SetLedger(ledger)
	engine.SetFeeRecipient(testFeeAddr)
	engine.SetReserve(testReserve)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

func initTestEscrow(t *testing.T, engine *Engine, swapValue, feeValue int64) *Escrow {
	t.Helper()
	esc, err := engine.Initialize(testEscrow, "btc-testnet", testOperator, testPayback, testRecipient, testCurrency, big.NewInt(swapValue), big.NewInt(feeValue))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return esc
}

func TestInitializeOpensCollection(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	esc := initTestEscrow(t, engine, 1000, 3)
	if esc.State != StateCollection {
		t.Fatalf("expected COLLECTION, got %s", esc.State)
	}
	if esc.SwapExecuted {
		t.Fatalf("swapExecuted must start false")
	}
	if esc.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected createdAt %d", esc.CreatedAt)
	}
	stored, err := engine.Get(testEscrow)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.SwapValue.String() != "1000" || stored.FeeValue.String() != "3" {
		t.Fatalf("unexpected values %s/%s", stored.SwapValue, stored.FeeValue)
	}
	if stored.RequiredValue().String() != "1003" {
		t.Fatalf("unexpected required %s", stored.RequiredValue())
	}
	state, err := engine.State(testEscrow)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != StateCollection {
		t.Fatalf("expected COLLECTION, got %s", state)
	}
}

func TestInitializeRejectsSecondCall(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	_, err := engine.Initialize(testEscrow, "btc-testnet", testOperator, testPayback, testRecipient, testCurrency, big.NewInt(5), big.NewInt(0))
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected AlreadyInitialized, got %v", err)
	}
}

func TestInitializeValidations(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	cases := []struct {
		name      string
		operator  string
		payback   string
		recipient string
		currency  string
		swapValue *big.Int
		feeValue  *big.Int
		want      error
	}{
		{"missing payback", testOperator, "", testRecipient, testCurrency, big.NewInt(10), big.NewInt(1), ErrInvalidAddress},
		{"missing recipient", testOperator, testPayback, "  ", testCurrency, big.NewInt(10), big.NewInt(1), ErrInvalidAddress},
		{"missing operator", "", testPayback, testRecipient, testCurrency, big.NewInt(10), big.NewInt(1), ErrInvalidAddress},
		{"missing currency", testOperator, testPayback, testRecipient, "", big.NewInt(10), big.NewInt(1), ErrInvalidCurrency},
		{"oversized swap value", testOperator, testPayback, testRecipient, testCurrency, huge, big.NewInt(1), ErrValueTooLarge},
		{"oversized fee value", testOperator, testPayback, testRecipient, testCurrency, big.NewInt(10), huge, ErrValueTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestEngine(newMemoryLedger())
			_, err := engine.Initialize(testEscrow, "btc-testnet", tc.operator, tc.payback, tc.recipient, tc.currency, tc.swapValue, tc.feeValue)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestInitializeRejectsNonPositiveSwapValue(t *testing.T) {
	engine := newTestEngine(newMemoryLedger())
	if _, err := engine.Initialize(testEscrow, "btc-testnet", testOperator, testPayback, testRecipient, testCurrency, big.NewInt(0), big.NewInt(1)); err == nil {
		t.Fatalf("expected error for zero swap value")
	}
}

func TestAccessorsRequireInitialize(t *testing.T) {
	engine := newTestEngine(newMemoryLedger())
	if _, err := engine.Get("esc1qunknown"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("get: expected NotInitialized, got %v", err)
	}
	if _, err := engine.State("esc1qunknown"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("state: expected NotInitialized, got %v", err)
	}
	if _, err := engine.CanSwap("esc1qunknown"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("canSwap: expected NotInitialized, got %v", err)
	}
	if _, err := engine.Swap("esc1qunknown", testOperator); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("swap: expected NotInitialized, got %v", err)
	}
	if _, err := engine.Refund("esc1qunknown"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("refund: expected NotInitialized, got %v", err)
	}
	if _, err := engine.Sweep("esc1qunknown", "USDT"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("sweep: expected NotInitialized, got %v", err)
	}
}

func TestCanSwapTracksBalance(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ok, err := engine.CanSwap(testEscrow)
	if err != nil {
		t.Fatalf("canSwap: %v", err)
	}
	if ok {
		t.Fatalf("unfunded escrow must not be swappable")
	}
	ledger.credit(testEscrow, testCurrency, big.NewInt(1002))
	if ok, _ = engine.CanSwap(testEscrow); ok {
		t.Fatalf("1002 < 1003 must not be swappable")
	}
	ledger.credit(testEscrow, testCurrency, big.NewInt(1))
	if ok, _ = engine.CanSwap(testEscrow); !ok {
		t.Fatalf("exactly funded escrow must be swappable")
	}
}

func TestSwapRoutesSurplusToPayback(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1050))

	settlement, err := engine.Swap(testEscrow, testOperator)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := ledger.balance(testRecipient, testCurrency); got != "1000" {
		t.Fatalf("unexpected recipient balance: %s", got)
	}
	if got := ledger.balance(testFeeAddr, testCurrency); got != "3" {
		t.Fatalf("unexpected fee balance: %s", got)
	}
	if got := ledger.balance(testPayback, testCurrency); got != "47" {
		t.Fatalf("unexpected payback balance: %s", got)
	}
	if got := ledger.balance(testEscrow, testCurrency); got != "0" {
		t.Fatalf("escrow must be drained, got %s", got)
	}
	stored, _ := engine.Get(testEscrow)
	if stored.State != StateCompleted || !stored.SwapExecuted {
		t.Fatalf("expected COMPLETED/latched, got %s/%v", stored.State, stored.SwapExecuted)
	}
	if len(settlement.Transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(settlement.Transfers))
	}
	wantPurposes := []Purpose{PurposeSwap, PurposeFee, PurposeRefund}
	for i, transfer := range settlement.Transfers {
		if transfer.Purpose != wantPurposes[i] {
			t.Fatalf("transfer %d: expected purpose %s, got %s", i, wantPurposes[i], transfer.Purpose)
		}
	}
}

func TestSwapExactBalanceOmitsRefundLeg(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1003))

	settlement, err := engine.Swap(testEscrow, testOperator)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if len(settlement.Transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(settlement.Transfers))
	}
	if got := ledger.balance(testPayback, testCurrency); got != "0" {
		t.Fatalf("payback must stay empty, got %s", got)
	}
}

func TestSwapRequiresOperator(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1003))

	if _, err := engine.Swap(testEscrow, "addr1qintruder"); !errors.Is(err, ErrUnauthorizedOperator) {
		t.Fatalf("expected UnauthorizedOperator, got %v", err)
	}
	if got := ledger.balance(testEscrow, testCurrency); got != "1003" {
		t.Fatalf("balance must be untouched, got %s", got)
	}
	state, _ := engine.State(testEscrow)
	if state != StateCollection {
		t.Fatalf("state must remain COLLECTION, got %s", state)
	}
}

func TestSwapInsufficientBalance(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1002))

	_, err := engine.Swap(testEscrow, testOperator)
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Required.String() != "1003" || insufficient.Available.String() != "1002" {
		t.Fatalf("unexpected amounts %s/%s", insufficient.Required, insufficient.Available)
	}
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("error must unwrap to sentinel")
	}
	state, _ := engine.State(testEscrow)
	if state != StateCollection {
		t.Fatalf("state must remain COLLECTION, got %s", state)
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1003))
	if _, err := engine.Swap(testEscrow, testOperator); err != nil {
		t.Fatalf("swap: %v", err)
	}

	ledger.credit(testEscrow, testCurrency, big.NewInt(500))
	var invalid *InvalidStateError
	if _, err := engine.Swap(testEscrow, testOperator); !errors.As(err, &invalid) {
		t.Fatalf("second swap: expected InvalidStateError, got %v", err)
	} else if invalid.Have != StateCompleted || invalid.Want != StateCollection {
		t.Fatalf("unexpected states %s/%s", invalid.Have, invalid.Want)
	}
	if _, err := engine.Revert(testEscrow, testOperator); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("revert after swap: expected InvalidState, got %v", err)
	}
	if got := ledger.balance(testEscrow, testCurrency); got != "500" {
		t.Fatalf("late deposit must be untouched by rejected calls, got %s", got)
	}
}

func TestSwapReentrancyExecutesOnce(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1050))

	var reentrantErr error
	reentered := false
	ledger.onTransfer = func(from, to, asset string, amount *big.Int) error {
		if to == testRecipient && !reentered {
			reentered = true
			_, reentrantErr = engine.Swap(testEscrow, testOperator)
		}
		return nil
	}

	if _, err := engine.Swap(testEscrow, testOperator); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !reentered {
		t.Fatalf("reentrant transfer hook did not fire")
	}
	if !errors.Is(reentrantErr, ErrInvalidState) {
		t.Fatalf("reentrant swap must fail with InvalidState, got %v", reentrantErr)
	}
	if got := ledger.balance(testRecipient, testCurrency); got != "1000" {
		t.Fatalf("recipient must be paid exactly once, got %s", got)
	}
}

func TestRevertReturnsDepositMinusFee(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(500))

	settlement, err := engine.Revert(testEscrow, testOperator)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if got := ledger.balance(testFeeAddr, testCurrency); got != "3" {
		t.Fatalf("unexpected fee balance: %s", got)
	}
	if got := ledger.balance(testPayback, testCurrency); got != "497" {
		t.Fatalf("unexpected payback balance: %s", got)
	}
	stored, _ := engine.Get(testEscrow)
	if stored.State != StateReverted {
		t.Fatalf("expected REVERTED, got %s", stored.State)
	}
	if stored.SwapExecuted {
		t.Fatalf("revert must not latch swapExecuted")
	}
	if len(settlement.Transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(settlement.Transfers))
	}
}

func TestRevertFeeCappedByBalance(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(2))

	if _, err := engine.Revert(testEscrow, testOperator); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if got := ledger.balance(testFeeAddr, testCurrency); got != "2" {
		t.Fatalf("fee must be capped at balance, got %s", got)
	}
	if got := ledger.balance(testPayback, testCurrency); got != "0" {
		t.Fatalf("payback must stay empty, got %s", got)
	}
}

func TestRevertRequiresOperator(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	if _, err := engine.Revert(testEscrow, "addr1qintruder"); !errors.Is(err, ErrUnauthorizedOperator) {
		t.Fatalf("expected UnauthorizedOperator, got %v", err)
	}
}

func TestRefundSweepsLateDeposits(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1003))
	if _, err := engine.Swap(testEscrow, testOperator); err != nil {
		t.Fatalf("swap: %v", err)
	}

	ledger.credit(testEscrow, testCurrency, big.NewInt(25))
	settlement, err := engine.Refund(testEscrow)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(settlement.Transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(settlement.Transfers))
	}
	if got := ledger.balance(testPayback, testCurrency); got != "25" {
		t.Fatalf("unexpected payback balance: %s", got)
	}

	// Second call is a no-op on a drained escrow.
	settlement, err = engine.Refund(testEscrow)
	if err != nil {
		t.Fatalf("refund #2: %v", err)
	}
	if len(settlement.Transfers) != 0 {
		t.Fatalf("expected no transfers on empty escrow, got %d", len(settlement.Transfers))
	}
}

func TestRefundOnlyFromCompleted(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	var invalid *InvalidStateError
	if _, err := engine.Refund(testEscrow); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	} else if invalid.Want != StateCompleted {
		t.Fatalf("expected want COMPLETED, got %s", invalid.Want)
	}
}

func TestSweepForwardsForeignAsset(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, "USDT", big.NewInt(40))

	settlement, err := engine.Sweep(testEscrow, "USDT")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := ledger.balance(testReserve, "USDT"); got != "40" {
		t.Fatalf("unexpected reserve balance: %s", got)
	}
	if len(settlement.Transfers) != 1 || settlement.Transfers[0].Purpose != PurposeSweep {
		t.Fatalf("unexpected settlement transfers: %+v", settlement.Transfers)
	}
	state, _ := engine.State(testEscrow)
	if state != StateCollection {
		t.Fatalf("sweep must not change state, got %s", state)
	}
}

func TestSweepForbidsDealCurrency(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(100))

	if _, err := engine.Sweep(testEscrow, testCurrency); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected InvalidCurrency, got %v", err)
	}
	if got := ledger.balance(testEscrow, testCurrency); got != "100" {
		t.Fatalf("live funds must be untouched, got %s", got)
	}
}

func TestTransferFailureSurfacesDetails(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1003))
	ledger.onTransfer = func(from, to, asset string, amount *big.Int) error {
		if to == testFeeAddr {
			return fmt.Errorf("token program rejected transfer")
		}
		return nil
	}

	_, err := engine.Swap(testEscrow, testOperator)
	var failed *TransferFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TransferFailedError, got %v", err)
	}
	if failed.To != testFeeAddr || failed.Amount.String() != "3" {
		t.Fatalf("unexpected failure details %s/%s", failed.To, failed.Amount)
	}
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("error must unwrap to sentinel")
	}
}

func TestLifecycleEventsEmitted(t *testing.T) {
	ledger := newMemoryLedger()
	engine := newTestEngine(ledger)
	emitter := &captureEmitter{}
	engine.SetEmitter(emitter)
	initTestEscrow(t, engine, 1000, 3)
	ledger.credit(testEscrow, testCurrency, big.NewInt(1050))
	if _, err := engine.Swap(testEscrow, testOperator); err != nil {
		t.Fatalf("swap: %v", err)
	}

	var types []string
	for _, evt := range emitter.events {
		types = append(types, evt.Type)
	}
	want := []string{
		EventTypeEscrowInitialized,
		EventTypeEscrowTransfer,
		EventTypeEscrowTransfer,
		EventTypeEscrowTransfer,
		EventTypeEscrowCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	completed := emitter.events[len(emitter.events)-1]
	if completed.Attributes["state"] != "COMPLETED" || completed.Attributes["swapExecuted"] != "true" {
		t.Fatalf("unexpected completed attributes: %v", completed.Attributes)
	}
}
