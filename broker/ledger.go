package broker

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"otcbroker/escrow"
)

// custodialLedger implements escrow.Ledger for ledgers where the broker
// itself holds the keys. Escrow records persist in the checkpoint store so
// a latched terminal state survives restarts; balances are scratch state,
// re-seeded from the ledger's confirmed view before every transition, so a
// restart never trusts a stale number.
type custodialLedger struct {
	ledgerID    string
	checkpoints *Checkpoints
	log         *slog.Logger

	mu       sync.Mutex
	balances map[string]*big.Int
}

func newCustodialLedger(ledgerID string, checkpoints *Checkpoints, log *slog.Logger) *custodialLedger {
	if log == nil {
		log = slog.Default()
	}
	return &custodialLedger{
		ledgerID:    ledgerID,
		checkpoints: checkpoints,
		log:         log,
		balances:    make(map[string]*big.Int),
	}
}

func balanceKey(address, asset string) string {
	return address + "|" + asset
}

// EscrowPut persists the record through the checkpoint store.
func (l *custodialLedger) EscrowPut(esc *escrow.Escrow) error {
	return l.checkpoints.PutEscrow(esc)
}

// EscrowGet loads the record. A storage failure surfaces as absent to honour
// the interface; the error is logged so corruption is not silent.
func (l *custodialLedger) EscrowGet(address string) (*escrow.Escrow, bool) {
	esc, ok, err := l.checkpoints.GetEscrow(l.ledgerID, address)
	if err != nil {
		l.log.Error("escrow record load failed",
			"ledger", l.ledgerID,
			"escrow", address,
			"error", err.Error(),
		)
		return nil, false
	}
	return esc, ok
}

// SetBalance seeds the scratch balance for one address and asset, replacing
// any previous figure.
func (l *custodialLedger) SetBalance(address, asset string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == nil {
		amount = big.NewInt(0)
	}
	l.balances[balanceKey(address, asset)] = new(big.Int).Set(amount)
}

// BalanceOf returns the scratch balance, zero when never seeded.
func (l *custodialLedger) BalanceOf(address, asset string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[balanceKey(address, asset)]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

// Transfer moves scratch value between addresses. The engine calls this after
// latching a terminal state; the resulting movements become payout rows and
// the real sends happen later in the queue worker.
func (l *custodialLedger) Transfer(from, to, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("broker: invalid transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	have := l.balances[balanceKey(from, asset)]
	if have == nil || have.Cmp(amount) < 0 {
		short := big.NewInt(0)
		if have != nil {
			short = have
		}
		return fmt.Errorf("broker: %s holds %s of %s, cannot move %s", from, short, asset, amount)
	}
	have.Sub(have, amount)
	toKey := balanceKey(to, asset)
	if dest, ok := l.balances[toKey]; ok {
		dest.Add(dest, amount)
	} else {
		l.balances[toKey] = new(big.Int).Set(amount)
	}
	return nil
}
