package utxo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// NodeConfig identifies a full node's JSON-RPC endpoint.
type NodeConfig struct {
	Host string
	User string
	Pass string
}

// NodeBackend speaks JSON-RPC to a Bitcoin-family full node over HTTP POST.
// Unspent outputs come from scantxoutset, so watched addresses never have to
// be imported into the node's wallet.
type NodeBackend struct {
	client *rpcclient.Client
	host   string
}

// NewNodeBackend dials the node. The client retries internally, so a node
// that is down at construction time still yields a usable backend.
func NewNodeBackend(cfg NodeConfig) (*NodeBackend, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("utxo: node host required")
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		DisableTLS:   true,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("utxo: rpc connect: %w", err)
	}
	return &NodeBackend{client: client, host: cfg.Host}, nil
}

// Name implements Backend.
func (n *NodeBackend) Name() string { return "node:" + n.host }

// Close shuts the RPC client down and waits for in-flight calls.
func (n *NodeBackend) Close() {
	n.client.Shutdown()
	n.client.WaitForShutdown()
}

// Ping implements Backend.
func (n *NodeBackend) Ping(ctx context.Context) error {
	_, err := n.TipHeight(ctx)
	return err
}

// TipHeight implements Backend.
func (n *NodeBackend) TipHeight(_ context.Context) (uint64, error) {
	count, err := n.client.GetBlockCount()
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, nil
	}
	return uint64(count), nil
}

type scanResult struct {
	Success  bool   `json:"success"`
	Height   uint64 `json:"height"`
	Unspents []struct {
		TxID   string  `json:"txid"`
		Vout   uint32  `json:"vout"`
		Amount float64 `json:"amount"`
		Height uint64  `json:"height"`
	} `json:"unspents"`
}

// ListUnspent implements Backend via the scantxoutset RPC. The scan covers
// confirmed outputs only; mempool deposits surface once mined.
func (n *NodeBackend) ListUnspent(_ context.Context, address string) ([]Unspent, error) {
	descriptor, err := json.Marshal([]string{"addr(" + address + ")"})
	if err != nil {
		return nil, err
	}
	raw, err := n.client.RawRequest("scantxoutset", []json.RawMessage{
		json.RawMessage(`"start"`),
		json.RawMessage(descriptor),
	})
	if err != nil {
		return nil, fmt.Errorf("scantxoutset: %w", err)
	}
	var result scanResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("scantxoutset: decode: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("scantxoutset: scan did not complete")
	}
	unspent := make([]Unspent, 0, len(result.Unspents))
	for _, u := range result.Unspents {
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("scantxoutset: amount %v: %w", u.Amount, err)
		}
		var confirmations uint64
		if u.Height > 0 && result.Height >= u.Height {
			confirmations = result.Height - u.Height + 1
		}
		unspent = append(unspent, Unspent{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        big.NewInt(int64(amount)),
			Confirmations: confirmations,
			BlockHeight:   u.Height,
		})
	}
	return unspent, nil
}

// Broadcast implements Backend.
func (n *NodeBackend) Broadcast(_ context.Context, tx *wire.MsgTx) (string, error) {
	hash, err := n.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

type rawTxResult struct {
	Confirmations uint64 `json:"confirmations"`
	BlockHash     string `json:"blockhash"`
	BlockTime     int64  `json:"blocktime"`
}

// TxStatus implements Backend via getrawtransaction in verbose mode. A node
// that has never seen the id answers with ErrRPCNoTxInfo, which maps to an
// unknown status rather than an error.
func (n *NodeBackend) TxStatus(_ context.Context, txid string) (TxStatus, error) {
	id, err := json.Marshal(txid)
	if err != nil {
		return TxStatus{}, err
	}
	raw, err := n.client.RawRequest("getrawtransaction", []json.RawMessage{
		json.RawMessage(id),
		json.RawMessage("true"),
	})
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return TxStatus{Known: false}, nil
		}
		return TxStatus{}, fmt.Errorf("getrawtransaction: %w", err)
	}
	var result rawTxResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return TxStatus{}, fmt.Errorf("getrawtransaction: decode: %w", err)
	}
	status := TxStatus{Known: true}
	if result.BlockHash != "" {
		status.Confirmed = true
		status.Confirmations = result.Confirmations
	}
	return status, nil
}

type smartFeeResult struct {
	FeeRate *float64 `json:"feerate"`
	Errors  []string `json:"errors"`
}

// FeeRate implements Backend via estimatesmartfee with a six block target.
// The node reports BTC per kilobyte; the result is converted to base units
// per byte, never below one.
func (n *NodeBackend) FeeRate(_ context.Context) (*big.Int, error) {
	raw, err := n.client.RawRequest("estimatesmartfee", []json.RawMessage{json.RawMessage("6")})
	if err != nil {
		return nil, fmt.Errorf("estimatesmartfee: %w", err)
	}
	var result smartFeeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("estimatesmartfee: decode: %w", err)
	}
	if result.FeeRate == nil || *result.FeeRate <= 0 {
		if len(result.Errors) > 0 {
			return nil, fmt.Errorf("estimatesmartfee: %s", strings.Join(result.Errors, "; "))
		}
		return nil, fmt.Errorf("estimatesmartfee: no estimate available")
	}
	perKB, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil {
		return nil, err
	}
	perByte := int64(perKB) / 1000
	if perByte < 1 {
		perByte = 1
	}
	return big.NewInt(perByte), nil
}
