package utxo

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

const indexerMaxBody = 1 << 20

// IndexerConfig identifies an Esplora-compatible block explorer API.
type IndexerConfig struct {
	BaseURL string
	// RequestsPerSecond throttles outbound calls; public explorers ban
	// aggressive clients.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// IndexerBackend reads chain state from an Esplora-compatible HTTP API. It is
// the usual secondary behind a Failover: slower and externally operated, but
// it answers address queries without a local txindex.
type IndexerBackend struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewIndexerBackend constructs the backend.
func NewIndexerBackend(cfg IndexerConfig) (*IndexerBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("utxo: indexer base url required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &IndexerBackend{
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

// Name implements Backend.
func (ix *IndexerBackend) Name() string { return "indexer:" + ix.baseURL }

// Ping implements Backend.
func (ix *IndexerBackend) Ping(ctx context.Context) error {
	_, err := ix.TipHeight(ctx)
	return err
}

// TipHeight implements Backend.
func (ix *IndexerBackend) TipHeight(ctx context.Context) (uint64, error) {
	body, err := ix.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("indexer: parse tip height: %w", err)
	}
	return height, nil
}

type indexerUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
}

// ListUnspent implements Backend.
func (ix *IndexerBackend) ListUnspent(ctx context.Context, address string) ([]Unspent, error) {
	body, err := ix.get(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, err
	}
	var rows []indexerUTXO
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("indexer: decode utxo list: %w", err)
	}
	var tip uint64
	for _, row := range rows {
		if row.Status.Confirmed {
			tip, err = ix.TipHeight(ctx)
			if err != nil {
				return nil, err
			}
			break
		}
	}
	unspent := make([]Unspent, 0, len(rows))
	for _, row := range rows {
		u := Unspent{
			TxID:   row.TxID,
			Vout:   row.Vout,
			Amount: big.NewInt(row.Value),
		}
		if row.Status.Confirmed {
			u.BlockHeight = row.Status.BlockHeight
			if row.Status.BlockTime > 0 {
				u.BlockTime = time.Unix(row.Status.BlockTime, 0).UTC()
			}
			if tip >= row.Status.BlockHeight {
				u.Confirmations = tip - row.Status.BlockHeight + 1
			}
		}
		unspent = append(unspent, u)
	}
	return unspent, nil
}

// Broadcast implements Backend. Esplora accepts the raw transaction hex in
// the POST body and answers with the txid.
func (ix *IndexerBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	raw, err := serializeTx(tx)
	if err != nil {
		return "", err
	}
	body, err := ix.post(ctx, "/tx", hex.EncodeToString(raw))
	if err != nil {
		return "", err
	}
	txid := strings.TrimSpace(string(body))
	if len(txid) != 64 {
		return "", fmt.Errorf("indexer: unexpected broadcast response %q", txid)
	}
	return txid, nil
}

type indexerTxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
}

// TxStatus implements Backend. A 404 means the indexer has never seen the
// transaction.
func (ix *IndexerBackend) TxStatus(ctx context.Context, txid string) (TxStatus, error) {
	body, err := ix.get(ctx, "/tx/"+txid+"/status")
	if err != nil {
		if isNotFound(err) {
			return TxStatus{Known: false}, nil
		}
		return TxStatus{}, err
	}
	var status indexerTxStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return TxStatus{}, fmt.Errorf("indexer: decode tx status: %w", err)
	}
	out := TxStatus{Known: true, Confirmed: status.Confirmed, BlockHeight: status.BlockHeight}
	if status.Confirmed {
		tip, err := ix.TipHeight(ctx)
		if err != nil {
			return TxStatus{}, err
		}
		if tip >= status.BlockHeight {
			out.Confirmations = tip - status.BlockHeight + 1
		}
	}
	return out, nil
}

// FeeRate implements Backend using the two block target from /fee-estimates.
func (ix *IndexerBackend) FeeRate(ctx context.Context) (*big.Int, error) {
	body, err := ix.get(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}
	estimates := make(map[string]float64)
	if err := json.Unmarshal(body, &estimates); err != nil {
		return nil, fmt.Errorf("indexer: decode fee estimates: %w", err)
	}
	for _, target := range []string{"2", "3", "6"} {
		if perVByte, ok := estimates[target]; ok && perVByte > 0 {
			rounded := int64(perVByte + 0.5)
			if rounded < 1 {
				rounded = 1
			}
			return big.NewInt(rounded), nil
		}
	}
	return nil, fmt.Errorf("indexer: no fee estimate available")
}

type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("indexer: http %d: %s", e.Status, e.Body)
}

func isNotFound(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	return ok && statusErr.Status == http.StatusNotFound
}

func (ix *IndexerBackend) get(ctx context.Context, path string) ([]byte, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ix.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return ix.do(req)
}

func (ix *IndexerBackend) post(ctx context.Context, path, payload string) ([]byte, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ix.baseURL+path, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	return ix.do(req)
}

func (ix *IndexerBackend) do(req *http.Request) ([]byte, error) {
	resp, err := ix.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, indexerMaxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
