package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// State represents the lifecycle states of a single escrow program instance.
// The ordinal values are part of the program ABI: deployed programs must keep
// them stable across upgrades because off-ledger code compares them by value.
type State uint8

const (
	StateCollection State = 0
	StateSwap       State = 1
	StateCompleted  State = 2
	StateReverted   State = 3
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateCollection, StateSwap, StateCompleted, StateReverted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state permits no further balance-moving
// transition.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateReverted
}

func (s State) String() string {
	switch s {
	case StateCollection:
		return "COLLECTION"
	case StateSwap:
		return "SWAP"
	case StateCompleted:
		return "COMPLETED"
	case StateReverted:
		return "REVERTED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// maxProgramValue is the largest amount the program's packed storage can
// represent (uint256).
var maxProgramValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Escrow captures the immutable parameters and runtime state of a single
// escrow program instance. The payout, recipient, currency and value fields
// are set exactly once at initialization and never mutated afterwards; only
// State and SwapExecuted change over the instance's life. An uninitialized
// escrow has no record at all.
type Escrow struct {
	Address      string
	LedgerID     string
	Operator     string
	Payback      string
	Recipient    string
	Currency     string
	SwapValue    *big.Int
	FeeValue     *big.Int
	State        State
	SwapExecuted bool
	CreatedAt    int64
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.SwapValue != nil {
		clone.SwapValue = new(big.Int).Set(e.SwapValue)
	} else {
		clone.SwapValue = big.NewInt(0)
	}
	if e.FeeValue != nil {
		clone.FeeValue = new(big.Int).Set(e.FeeValue)
	} else {
		clone.FeeValue = big.NewInt(0)
	}
	return &clone
}

// RequiredValue returns swapValue+feeValue, the custodial balance the escrow
// must hold before Swap may execute.
func (e *Escrow) RequiredValue() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	required := big.NewInt(0)
	if e.SwapValue != nil {
		required.Add(required, e.SwapValue)
	}
	if e.FeeValue != nil {
		required.Add(required, e.FeeValue)
	}
	return required
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with non-nil value fields. The original is not
// mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	clone.Address = strings.TrimSpace(clone.Address)
	if clone.Address == "" {
		return nil, &InvalidAddressError{Field: "escrow"}
	}
	if clone.SwapValue.Sign() < 0 || clone.FeeValue.Sign() < 0 {
		return nil, fmt.Errorf("escrow values must be non-negative")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid escrow state: %d", clone.State)
	}
	return clone, nil
}

// Purpose labels one logical fund movement produced by a settlement
// transition.
type Purpose string

const (
	PurposeSwap   Purpose = "swap"
	PurposeFee    Purpose = "fee"
	PurposeRefund Purpose = "refund"
	PurposeSweep  Purpose = "sweep"
)

// Valid reports whether the purpose is one of the supported labels.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSwap, PurposeFee, PurposeRefund, PurposeSweep:
		return true
	default:
		return false
	}
}

// Phase returns the submission phase the purpose belongs to on ledgers where
// one logical settlement spans several transactions. Swap outputs move first,
// fees second, surplus refunds last.
func (p Purpose) Phase() int {
	switch p {
	case PurposeSwap:
		return 0
	case PurposeFee:
		return 1
	default:
		return 2
	}
}

// Transfer is one outbound fund movement produced by a settlement transition.
type Transfer struct {
	To      string
	Asset   string
	Amount  *big.Int
	Purpose Purpose
}

// Settlement is the full distribution produced by Swap, Revert, Refund or
// Sweep: the escrow snapshot after the transition plus the ordered transfers
// it issued.
type Settlement struct {
	Escrow    *Escrow
	Transfers []Transfer
}
