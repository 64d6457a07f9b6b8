package escrow

import (
	"math/big"
	"strconv"
)

const (
	EventTypeEscrowInitialized = "escrow.initialized"
	EventTypeEscrowCompleted   = "escrow.completed"
	EventTypeEscrowReverted    = "escrow.reverted"
	EventTypeEscrowRefunded    = "escrow.refunded"
	EventTypeEscrowSwept       = "escrow.swept"
	EventTypeEscrowTransfer    = "escrow.transfer"
)

// Event is the canonical audit payload emitted on every escrow transition and
// outbound transfer.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives engine events. Implementations must not block.
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter drops all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(*Event) {}

// NewInitializedEvent returns the canonical payload for a freshly initialized
// escrow.
func NewInitializedEvent(e *Escrow) *Event { return newEscrowEvent(EventTypeEscrowInitialized, e) }

// NewCompletedEvent returns the canonical payload emitted when a swap settles
// the escrow.
func NewCompletedEvent(e *Escrow) *Event { return newEscrowEvent(EventTypeEscrowCompleted, e) }

// NewRevertedEvent returns the canonical payload emitted when the escrow is
// reverted to its depositor.
func NewRevertedEvent(e *Escrow) *Event { return newEscrowEvent(EventTypeEscrowReverted, e) }

// NewRefundedEvent returns the payload for a post-settlement refund sweep.
func NewRefundedEvent(e *Escrow, amount *big.Int) *Event {
	evt := newEscrowEvent(EventTypeEscrowRefunded, e)
	if amount != nil {
		evt.Attributes["amount"] = amount.String()
	}
	return evt
}

// NewSweptEvent returns the payload for a foreign-asset sweep to the
// operational reserve.
func NewSweptEvent(e *Escrow, asset string, amount *big.Int) *Event {
	evt := newEscrowEvent(EventTypeEscrowSwept, e)
	evt.Attributes["sweptAsset"] = asset
	if amount != nil {
		evt.Attributes["amount"] = amount.String()
	}
	return evt
}

// NewTransferEvent returns the payload for a single outbound settlement
// transfer. Off-ledger bookkeeping reconstructs payout legs from these.
func NewTransferEvent(e *Escrow, t Transfer) *Event {
	evt := newEscrowEvent(EventTypeEscrowTransfer, e)
	evt.Attributes["to"] = t.To
	evt.Attributes["asset"] = t.Asset
	evt.Attributes["purpose"] = string(t.Purpose)
	if t.Amount != nil {
		evt.Attributes["amount"] = t.Amount.String()
	}
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *Event {
	attrs := make(map[string]string)
	if e == nil {
		return &Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &Event{Type: eventType, Attributes: attrs}
	}
	attrs["escrow"] = sanitized.Address
	attrs["ledger"] = sanitized.LedgerID
	attrs["payback"] = sanitized.Payback
	attrs["recipient"] = sanitized.Recipient
	attrs["currency"] = sanitized.Currency
	attrs["swapValue"] = sanitized.SwapValue.String()
	attrs["feeValue"] = sanitized.FeeValue.String()
	attrs["state"] = sanitized.State.String()
	attrs["swapExecuted"] = strconv.FormatBool(sanitized.SwapExecuted)
	return &Event{Type: eventType, Attributes: attrs}
}
