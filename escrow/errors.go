package escrow

import (
	"errors"
	"fmt"
	"math/big"
)

// Sentinel errors for the escrow program. The structured kinds below unwrap
// to one of these so callers can classify a failure with errors.Is regardless
// of which ledger surfaced it.
var (
	ErrNotInitialized       = errors.New("escrow engine: not initialized")
	ErrAlreadyInitialized   = errors.New("escrow engine: already initialized")
	ErrInvalidAddress       = errors.New("escrow engine: invalid address")
	ErrInvalidState         = errors.New("escrow engine: invalid state")
	ErrUnauthorizedOperator = errors.New("escrow engine: unauthorized operator")
	ErrInsufficientBalance  = errors.New("escrow engine: insufficient balance")
	ErrTransferFailed       = errors.New("escrow engine: transfer failed")
	ErrInvalidCurrency      = errors.New("escrow engine: invalid currency")
	ErrValueTooLarge        = errors.New("escrow engine: value too large")
)

// InvalidAddressError reports which address field failed validation.
type InvalidAddressError struct {
	Field string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("escrow engine: invalid address for %s", e.Field)
}

func (e *InvalidAddressError) Unwrap() error { return ErrInvalidAddress }

// InvalidStateError reports a transition attempted from the wrong lifecycle
// state.
type InvalidStateError struct {
	Have State
	Want State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("escrow engine: invalid state %s, want %s", e.Have, e.Want)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientBalanceError carries the required and available custodial
// balance at the moment the transition was attempted.
type InsufficientBalanceError struct {
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("escrow engine: insufficient balance: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// TransferFailedError reports an outbound transfer rejected by the ledger.
type TransferFailedError struct {
	Asset  string
	To     string
	Amount *big.Int
	Err    error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("escrow engine: transfer of %s %s to %s failed: %v", e.Amount, e.Asset, e.To, e.Err)
}

func (e *TransferFailedError) Unwrap() error { return ErrTransferFailed }

// InvalidCurrencyError rejects an operation on an asset the escrow refuses to
// touch, such as sweeping the deal's own settlement currency.
type InvalidCurrencyError struct {
	Asset string
}

func (e *InvalidCurrencyError) Error() string {
	return fmt.Sprintf("escrow engine: invalid currency %q", e.Asset)
}

func (e *InvalidCurrencyError) Unwrap() error { return ErrInvalidCurrency }

// ValueTooLargeError reports an amount that does not fit the program's packed
// storage width.
type ValueTooLargeError struct {
	Field string
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("escrow engine: value too large for %s", e.Field)
}

func (e *ValueTooLargeError) Unwrap() error { return ErrValueTooLarge }
