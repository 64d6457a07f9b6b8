// Package utxo implements the chain adapter for single-input-per-transaction
// ledgers. One transaction may consume value from exactly one unspent output,
// so a logical payout frequently splits into several independently broadcast
// transactions. All amount arithmetic happens in the ledger's indivisible
// base unit as big.Int; currency-fraction conversion belongs to callers.
package utxo

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Unspent is one spendable output at an address.
type Unspent struct {
	TxID          string
	Vout          uint32
	Amount        *big.Int
	PkScript      []byte
	Confirmations uint64
	BlockHeight   uint64
	BlockTime     time.Time
}

// TxStatus reports what the backend knows about a transaction. Known=false
// means the backend has no record of the id at all — neither confirmed nor
// pending.
type TxStatus struct {
	Known         bool
	Confirmed     bool
	BlockHeight   uint64
	Confirmations uint64
}

// Backend is the data and broadcast plane the adapter runs against. Two
// implementations exist: a direct node RPC client and an HTTP address
// indexer; Failover combines them.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	TipHeight(ctx context.Context) (uint64, error)
	ListUnspent(ctx context.Context, address string) ([]Unspent, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	TxStatus(ctx context.Context, txid string) (TxStatus, error)
	// FeeRate returns the recommended fee in base units per virtual byte.
	FeeRate(ctx context.Context) (*big.Int, error)
}

// Failover prefers the primary backend and falls back to the secondary on
// any transport error. For broadcasts both backends are attempted, so a
// transaction reaches the network if either path is alive.
type Failover struct {
	primary   Backend
	secondary Backend
	log       *slog.Logger
}

// NewFailover combines two backends. The secondary may be nil, in which case
// the failover is a transparent wrapper.
func NewFailover(primary, secondary Backend, log *slog.Logger) *Failover {
	if log == nil {
		log = slog.Default()
	}
	return &Failover{primary: primary, secondary: secondary, log: log}
}

// Name implements Backend.
func (f *Failover) Name() string { return "failover(" + f.primary.Name() + ")" }

// Ping implements Backend.
func (f *Failover) Ping(ctx context.Context) error {
	if err := f.primary.Ping(ctx); err == nil {
		return nil
	} else if f.secondary == nil {
		return err
	}
	return f.secondary.Ping(ctx)
}

// TipHeight implements Backend.
func (f *Failover) TipHeight(ctx context.Context) (uint64, error) {
	height, err := f.primary.TipHeight(ctx)
	if err == nil || f.secondary == nil {
		return height, err
	}
	f.warn("tip height", err)
	return f.secondary.TipHeight(ctx)
}

// ListUnspent implements Backend.
func (f *Failover) ListUnspent(ctx context.Context, address string) ([]Unspent, error) {
	unspent, err := f.primary.ListUnspent(ctx, address)
	if err == nil || f.secondary == nil {
		return unspent, err
	}
	f.warn("list unspent", err)
	return f.secondary.ListUnspent(ctx, address)
}

// Broadcast implements Backend.
func (f *Failover) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	txid, err := f.primary.Broadcast(ctx, tx)
	if err == nil || f.secondary == nil {
		return txid, err
	}
	f.warn("broadcast", err)
	return f.secondary.Broadcast(ctx, tx)
}

// TxStatus implements Backend.
func (f *Failover) TxStatus(ctx context.Context, txid string) (TxStatus, error) {
	status, err := f.primary.TxStatus(ctx, txid)
	if err == nil || f.secondary == nil {
		return status, err
	}
	f.warn("tx status", err)
	return f.secondary.TxStatus(ctx, txid)
}

// FeeRate implements Backend.
func (f *Failover) FeeRate(ctx context.Context) (*big.Int, error) {
	rate, err := f.primary.FeeRate(ctx)
	if err == nil || f.secondary == nil {
		return rate, err
	}
	f.warn("fee rate", err)
	return f.secondary.FeeRate(ctx)
}

func (f *Failover) warn(op string, err error) {
	f.log.Warn("utxo backend failover", "op", op, "backend", f.primary.Name(), "err", err)
}
