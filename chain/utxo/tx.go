package utxo

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

const txVersion = 2

// Conservative per-component serialize sizes for pay-to-pubkey-hash spends
// with compressed keys.
const (
	txOverheadSize  = 10
	p2pkhInputSize  = 148
	p2pkhOutputSize = 34
)

// estimateTxSize returns the estimated serialized size in bytes of a
// transaction with the given input and output counts.
func estimateTxSize(inputs, outputs int) int64 {
	return txOverheadSize + int64(inputs)*p2pkhInputSize + int64(outputs)*p2pkhOutputSize
}

// estimateFee returns feeRate × estimated byte size.
func estimateFee(feeRate *big.Int, inputs, outputs int) *big.Int {
	return new(big.Int).Mul(feeRate, big.NewInt(estimateTxSize(inputs, outputs)))
}

// payToAddrScript builds the output script paying the given encoded address.
func payToAddrScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not valid for network %s", address, params.Name)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("build output script: %w", err)
	}
	return script, nil
}

// spendPlan is one fully determined single-input transaction: the output it
// consumes and the outputs it creates.
type spendPlan struct {
	input   Unspent
	outputs []*wire.TxOut
	sent    *big.Int
	change  *big.Int
	fee     *big.Int
}

// buildSignedSpend assembles and signs the transaction for one plan. The
// source script must match the key, which holds for the single-key escrow
// addresses this adapter derives.
func buildSignedSpend(plan spendPlan, sourceScript []byte, key *btcec.PrivateKey) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(plan.input.TxID)
	if err != nil {
		return nil, fmt.Errorf("parse outpoint txid: %w", err)
	}
	tx := wire.NewMsgTx(txVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, plan.input.Vout), nil, nil))
	for _, out := range plan.outputs {
		tx.AddTxOut(out)
	}
	sigScript, err := txscript.SignatureScript(tx, 0, sourceScript, txscript.SigHashAll, key, true)
	if err != nil {
		return nil, fmt.Errorf("sign input %s:%d: %w", plan.input.TxID, plan.input.Vout, err)
	}
	tx.TxIn[0].SignatureScript = sigScript
	return tx, nil
}

// serializeTx renders the wire encoding, used by backends that submit raw
// hex.
func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}
