package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"otcbroker/chain"
	"otcbroker/escrow"
)

// escrowABIJSON is the deployed escrow program's interface. The state
// ordinals and error shapes are stable across upgrades; off-ledger code
// compares them by value.
const escrowABIJSON = `[
  {"type":"function","name":"initialize","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"payback","type":"address"},{"name":"recipient","type":"address"},{"name":"currency","type":"address"},{"name":"swapValue","type":"uint256"},{"name":"feeValue","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"canSwap","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"revertEscrow","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"sweep","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"}],"outputs":[]},
  {"type":"function","name":"state","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"swapExecuted","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"EscrowInitialized","anonymous":false,"inputs":[{"name":"operator","type":"address","indexed":true},{"name":"currency","type":"address","indexed":true},{"name":"swapValue","type":"uint256","indexed":false},{"name":"feeValue","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowTransfer","anonymous":false,"inputs":[{"name":"asset","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"purpose","type":"uint8","indexed":false}]},
  {"type":"event","name":"EscrowCompleted","anonymous":false,"inputs":[]},
  {"type":"event","name":"EscrowReverted","anonymous":false,"inputs":[]},
  {"type":"error","name":"NotInitialized","inputs":[]},
  {"type":"error","name":"AlreadyInitialized","inputs":[]},
  {"type":"error","name":"InvalidAddress","inputs":[{"name":"field","type":"string"}]},
  {"type":"error","name":"InvalidState","inputs":[{"name":"have","type":"uint8"},{"name":"want","type":"uint8"}]},
  {"type":"error","name":"UnauthorizedOperator","inputs":[]},
  {"type":"error","name":"InsufficientBalance","inputs":[{"name":"required","type":"uint256"},{"name":"available","type":"uint256"}]},
  {"type":"error","name":"TransferFailed","inputs":[{"name":"asset","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
  {"type":"error","name":"InvalidCurrency","inputs":[{"name":"asset","type":"address"}]},
  {"type":"error","name":"ValueTooLarge","inputs":[{"name":"field","type":"string"}]}
]`

var (
	escrowABI            = mustParseABI(escrowABIJSON)
	escrowTransferTopic  = escrowABI.Events["EscrowTransfer"].ID
	escrowCompletedTopic = escrowABI.Events["EscrowCompleted"].ID
	escrowRevertedTopic  = escrowABI.Events["EscrowReverted"].ID
)

// ErrSettlementNotFound reports that no terminal settlement event exists for
// the escrow in the scanned range.
var ErrSettlementNotFound = errors.New("evm: settlement event not found")

// EscrowParams are the immutable fields baked into an escrow at
// initialization. A zero Currency address selects the native coin.
type EscrowParams struct {
	Operator  common.Address
	Payback   common.Address
	Recipient common.Address
	Currency  common.Address
	SwapValue *big.Int
	FeeValue  *big.Int
}

// BoundEscrow drives one deployed escrow program through the adapter's
// operator account.
type BoundEscrow struct {
	adapter *Adapter
	address common.Address
}

// Escrow binds the program at the given address.
func (a *Adapter) Escrow(address string) (*BoundEscrow, error) {
	if !a.ValidateAddress(address) {
		return nil, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, address)
	}
	return &BoundEscrow{adapter: a, address: common.HexToAddress(address)}, nil
}

// Address returns the program's ledger address.
func (b *BoundEscrow) Address() string { return b.address.Hex() }

// State reads the program's lifecycle state ordinal.
func (b *BoundEscrow) State(ctx context.Context) (escrow.State, error) {
	out, err := b.call(ctx, "state")
	if err != nil {
		return 0, err
	}
	ordinal, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("evm: state has unexpected type %T", out[0])
	}
	return escrow.State(ordinal), nil
}

// CanSwap reads whether the program holds enough balance to settle.
func (b *BoundEscrow) CanSwap(ctx context.Context) (bool, error) {
	out, err := b.call(ctx, "canSwap")
	if err != nil {
		return false, err
	}
	ready, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("evm: canSwap has unexpected type %T", out[0])
	}
	return ready, nil
}

// SwapExecuted reads the settlement latch.
func (b *BoundEscrow) SwapExecuted(ctx context.Context) (bool, error) {
	out, err := b.call(ctx, "swapExecuted")
	if err != nil {
		return false, err
	}
	executed, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("evm: swapExecuted has unexpected type %T", out[0])
	}
	return executed, nil
}

// Initialize bakes the deal parameters into the program. It can succeed at
// most once per escrow.
func (b *BoundEscrow) Initialize(ctx context.Context, p EscrowParams) (string, error) {
	if p.SwapValue == nil || p.SwapValue.Sign() <= 0 {
		return "", fmt.Errorf("evm: swap value must be positive")
	}
	if p.FeeValue == nil || p.FeeValue.Sign() < 0 {
		return "", fmt.Errorf("evm: fee value must not be negative")
	}
	if _, overflow := uint256.FromBig(p.SwapValue); overflow {
		return "", &escrow.ValueTooLargeError{Field: "swapValue"}
	}
	if _, overflow := uint256.FromBig(p.FeeValue); overflow {
		return "", &escrow.ValueTooLargeError{Field: "feeValue"}
	}
	return b.transact(ctx, "initialize", p.Operator, p.Payback, p.Recipient, p.Currency, p.SwapValue, p.FeeValue)
}

// Swap triggers settlement distribution.
func (b *BoundEscrow) Swap(ctx context.Context) (string, error) {
	return b.transact(ctx, "swap")
}

// RevertEscrow returns the deposit to the payback address minus the fee.
func (b *BoundEscrow) RevertEscrow(ctx context.Context) (string, error) {
	return b.transact(ctx, "revertEscrow")
}

// Refund forwards late deposits out of a completed escrow.
func (b *BoundEscrow) Refund(ctx context.Context) (string, error) {
	return b.transact(ctx, "refund")
}

// Sweep forwards a stray asset that is not the deal currency.
func (b *BoundEscrow) Sweep(ctx context.Context, asset string) (string, error) {
	currency, err := b.adapter.currencyFor(asset)
	if err != nil {
		return "", err
	}
	return b.transact(ctx, "sweep", currency)
}

// FindSettlementTx locates the driving transaction that moved the escrow to
// its terminal state by scanning the program's EscrowCompleted and
// EscrowReverted events. Used when the recorded txid was lost, typically a
// crash between broadcasting the drive and persisting its id.
func (b *BoundEscrow) FindSettlementTx(ctx context.Context, sinceHeight uint64) (string, escrow.State, error) {
	logs, err := b.adapter.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(sinceHeight),
		Addresses: []common.Address{b.address},
		Topics: [][]common.Hash{
			{escrowCompletedTopic, escrowRevertedTopic},
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("evm: settlement event scan: %w", err)
	}
	for _, entry := range logs {
		if entry.Address != b.address || len(entry.Topics) == 0 {
			continue
		}
		switch entry.Topics[0] {
		case escrowCompletedTopic:
			return entry.TxHash.Hex(), escrow.StateCompleted, nil
		case escrowRevertedTopic:
			return entry.TxHash.Hex(), escrow.StateReverted, nil
		}
	}
	return "", 0, ErrSettlementNotFound
}

// SettlementTransfers reconstructs the payout legs a driving transaction
// produced from the program's transfer events. The funds have already moved
// on-ledger; callers use the legs for bookkeeping only.
func (b *BoundEscrow) SettlementTransfers(ctx context.Context, txid string) ([]escrow.Transfer, error) {
	receipt, err := b.adapter.client.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", chain.ErrTxDropped, txid)
		}
		return nil, fmt.Errorf("evm: receipt: %w", err)
	}
	nonIndexed := escrowABI.Events["EscrowTransfer"].Inputs.NonIndexed()
	var transfers []escrow.Transfer
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != b.address {
			continue
		}
		if len(entry.Topics) < 3 || entry.Topics[0] != escrowTransferTopic {
			continue
		}
		asset := common.BytesToAddress(entry.Topics[1].Bytes())
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		values, err := nonIndexed.Unpack(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("evm: decode transfer event: %w", err)
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("evm: transfer amount has unexpected type %T", values[0])
		}
		phase, ok := values[1].(uint8)
		if !ok {
			return nil, fmt.Errorf("evm: transfer purpose has unexpected type %T", values[1])
		}
		transfers = append(transfers, escrow.Transfer{
			To:      to.Hex(),
			Asset:   b.adapter.assetFor(asset),
			Amount:  amount,
			Purpose: purposeFromOrdinal(phase),
		})
	}
	return transfers, nil
}

func purposeFromOrdinal(ordinal uint8) escrow.Purpose {
	switch ordinal {
	case 0:
		return escrow.PurposeSwap
	case 1:
		return escrow.PurposeFee
	case 3:
		return escrow.PurposeSweep
	default:
		return escrow.PurposeRefund
	}
}

func (b *BoundEscrow) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	calldata, err := escrowABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	raw, err := b.adapter.client.CallContract(ctx, ethereum.CallMsg{
		From: b.adapter.opAddr,
		To:   &b.address,
		Data: calldata,
	}, nil)
	if err != nil {
		return nil, b.adapter.decodeCallError(err)
	}
	out, err := escrowABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("evm: decode %s: %w", method, err)
	}
	return out, nil
}

func (b *BoundEscrow) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	calldata, err := escrowABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("evm: pack %s: %w", method, err)
	}
	return b.adapter.submit(ctx, b.adapter.opKey, b.adapter.opAddr, b.address, big.NewInt(0), calldata)
}

// decodeCallError maps revert data from a call or gas estimate onto the
// escrow error kinds, so EVM-backed and custodial escrows fail with the same
// errors.
func (a *Adapter) decodeCallError(err error) error {
	var dataErr interface{ ErrorData() interface{} }
	if !errors.As(err, &dataErr) {
		return err
	}
	encoded, ok := dataErr.ErrorData().(string)
	if !ok {
		return err
	}
	data := common.FromHex(encoded)
	if len(data) < 4 {
		return err
	}
	if reason, uerr := abi.UnpackRevert(data); uerr == nil {
		return fmt.Errorf("evm: execution reverted: %s", reason)
	}
	for name, def := range escrowABI.Errors {
		if !bytes.Equal(def.ID.Bytes()[:4], data[:4]) {
			continue
		}
		raw, uerr := def.Unpack(data)
		if uerr != nil {
			return err
		}
		values, _ := raw.([]interface{})
		if mapped := mapProgramError(name, values); mapped != nil {
			return mapped
		}
	}
	return err
}

func mapProgramError(name string, values []interface{}) error {
	switch name {
	case "NotInitialized":
		return escrow.ErrNotInitialized
	case "AlreadyInitialized":
		return escrow.ErrAlreadyInitialized
	case "UnauthorizedOperator":
		return escrow.ErrUnauthorizedOperator
	case "InvalidAddress":
		if len(values) == 1 {
			if field, ok := values[0].(string); ok {
				return &escrow.InvalidAddressError{Field: field}
			}
		}
		return escrow.ErrInvalidAddress
	case "InvalidState":
		if len(values) == 2 {
			have, okHave := values[0].(uint8)
			want, okWant := values[1].(uint8)
			if okHave && okWant {
				return &escrow.InvalidStateError{Have: escrow.State(have), Want: escrow.State(want)}
			}
		}
		return escrow.ErrInvalidState
	case "InsufficientBalance":
		if len(values) == 2 {
			required, okReq := values[0].(*big.Int)
			available, okAvail := values[1].(*big.Int)
			if okReq && okAvail {
				return &escrow.InsufficientBalanceError{Required: required, Available: available}
			}
		}
		return escrow.ErrInsufficientBalance
	case "TransferFailed":
		if len(values) == 3 {
			asset, okAsset := values[0].(common.Address)
			to, okTo := values[1].(common.Address)
			amount, okAmount := values[2].(*big.Int)
			if okAsset && okTo && okAmount {
				return &escrow.TransferFailedError{
					Asset:  asset.Hex(),
					To:     to.Hex(),
					Amount: amount,
					Err:    errors.New("rejected on ledger"),
				}
			}
		}
		return escrow.ErrTransferFailed
	case "InvalidCurrency":
		if len(values) == 1 {
			if asset, ok := values[0].(common.Address); ok {
				return &escrow.InvalidCurrencyError{Asset: asset.Hex()}
			}
		}
		return escrow.ErrInvalidCurrency
	case "ValueTooLarge":
		if len(values) == 1 {
			if field, ok := values[0].(string); ok {
				return &escrow.ValueTooLargeError{Field: field}
			}
		}
		return escrow.ErrValueTooLarge
	}
	return nil
}
