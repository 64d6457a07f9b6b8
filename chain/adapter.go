// Package chain defines the contract every ledger integration implements and
// the registry the orchestration core resolves adapters through. A new ledger
// is added by implementing Adapter and registering it; the orchestrator never
// depends on anything below this boundary.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Sentinel errors shared by all adapters.
var (
	// ErrTxDropped reports a transaction that was observed on the ledger and
	// later vanished (reorganized away or evicted from the pending pool). It
	// is distinct from a zero confirmation count, which means "known but not
	// yet confirmed".
	ErrTxDropped = errors.New("chain: transaction dropped from ledger")

	// ErrTxReverted reports a transaction that was mined but failed on
	// execution. Waiting for more confirmations will not settle anything;
	// the caller must treat the submission as failed.
	ErrTxReverted = errors.New("chain: transaction reverted")

	// ErrUnsupportedAsset reports an asset this adapter cannot handle.
	ErrUnsupportedAsset = errors.New("chain: unsupported asset")

	// ErrInsufficientFunds reports a send or fee budget that the source
	// address cannot cover.
	ErrInsufficientFunds = errors.New("chain: insufficient funds")

	// ErrInvalidAddress reports an address that fails the ledger's encoding
	// rules.
	ErrInvalidAddress = errors.New("chain: invalid address")

	// ErrUnknownLedger reports a ledger identifier with no registered
	// adapter.
	ErrUnknownLedger = errors.New("chain: unknown ledger")
)

// InsufficientFundsError reports how much of a requested send was actually
// coverable, so callers can retry only the missing remainder.
type InsufficientFundsError struct {
	Requested *big.Int
	Sendable  *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("chain: insufficient funds: requested %s, sendable %s", e.Requested, e.Sendable)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PartialSendError reports a multi-transaction send where some per-input
// broadcasts succeeded and others failed. Submitted carries the transaction
// ids that did reach the network.
type PartialSendError struct {
	Submitted []string
	Err       error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("chain: partial send: %d transactions submitted, then: %v", len(e.Submitted), e.Err)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

// EscrowAccountRef identifies an escrow account on a ledger. KeyRef is an
// opaque derivation path or key handle; raw key material never leaves the
// adapter boundary.
type EscrowAccountRef struct {
	LedgerID string
	Address  string
	KeyRef   string
}

// Deposit is one confirmed incoming value observed at an escrow address.
// Immutable once produced; a reorg supersedes it with a fresh observation.
type Deposit struct {
	TxID          string
	OutputIndex   uint32
	Amount        *big.Int
	Asset         string
	BlockHeight   uint64
	BlockTime     time.Time
	Confirmations uint64
}

// DepositPage is the result of one confirmed-deposit listing.
type DepositPage struct {
	Deposits       []Deposit
	TotalConfirmed *big.Int
}

// SubmittedTx is the outcome of a send. Ledgers that need more than one
// underlying transaction to move the full amount report the primary id plus
// the rest; the caller tracks all of them as one logical payout leg.
type SubmittedTx struct {
	TxID            string
	AdditionalTxIDs []string
}

// All returns every transaction id of the submission, primary first.
func (s SubmittedTx) All() []string {
	if s.TxID == "" {
		return append([]string(nil), s.AdditionalTxIDs...)
	}
	return append([]string{s.TxID}, s.AdditionalTxIDs...)
}

// Adapter is the abstraction boundary between the settlement core and one
// ledger backend. Implementations must be safe for concurrent use.
type Adapter interface {
	// LedgerID returns the identifier the adapter is registered under.
	LedgerID() string

	// Init establishes connectivity. Called once per process lifetime; it
	// must not block startup indefinitely — bounded retries, then a degraded
	// state that later calls can recover from.
	Init(ctx context.Context) error

	// GenerateEscrowAccount deterministically derives the escrow account for
	// a (dealID, party) pair. The same inputs always yield the same
	// address and key reference, across restarts.
	GenerateEscrowAccount(asset, dealID, party string) (EscrowAccountRef, error)

	// ListConfirmedDeposits returns deposits at the address with at least
	// minConf confirmations, observed at or above sinceHeight. Idempotent and
	// side-effect free; when the ledger is unreachable it returns an empty
	// page so the caller can retry on the next poll.
	ListConfirmedDeposits(ctx context.Context, asset, address string, minConf uint64, sinceHeight uint64) (DepositPage, error)

	// Send moves amount of asset from one controlled address to another and
	// returns the transaction id(s).
	Send(ctx context.Context, asset, from, to string, amount *big.Int) (SubmittedTx, error)

	// EnsureFeeBudget verifies the source can pay for its own outbound
	// transaction of the given intent, topping up native currency from the
	// operational wallet where the adapter supports that, and fails with an
	// insufficient-funds error otherwise.
	EnsureFeeBudget(ctx context.Context, from, asset string, amount, minNative *big.Int) error

	// TxConfirmations returns the confirmation count for a transaction:
	// zero for known-but-unconfirmed and ErrTxDropped when the transaction
	// was reorganized away.
	TxConfirmations(ctx context.Context, txid string) (uint64, error)

	// ValidateAddress reports whether the address is well formed for this
	// ledger.
	ValidateAddress(address string) bool
}
