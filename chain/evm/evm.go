// Package evm implements the account-model ledger adapter for EVM-compatible
// chains. Escrow legs live in a deployed escrow program driven through the
// operator account; the adapter itself moves value for payout legs, tracks
// deposits, and serializes nonce assignment per source address.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"otcbroker/chain"
	"otcbroker/escrow"
	"otcbroker/wallet"
)

const nativeTransferGas = 21_000

// Client is the subset of the Ethereum RPC the adapter depends on.
// *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Config carries the per-ledger constants of one EVM adapter instance.
type Config struct {
	LedgerID    string
	ChainID     *big.Int
	NativeAsset string
	// Tokens maps asset symbols to token contract addresses.
	Tokens           map[string]string
	MinConfirmations uint64
	// OperatorIndex selects the hot wallet key that signs driving and
	// payout transactions.
	OperatorIndex uint32
	// Factory and InitCodeHash parameterize deterministic escrow
	// deployment; see deploy.go.
	Factory      string
	InitCodeHash string
	InitRetries  int
	InitBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.NativeAsset == "" {
		c.NativeAsset = "ETH"
	}
	if c.MinConfirmations == 0 {
		c.MinConfirmations = 12
	}
	if c.InitRetries <= 0 {
		c.InitRetries = 3
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = 2 * time.Second
	}
	return c
}

// Adapter implements chain.Adapter for nonce-sequenced ledgers.
type Adapter struct {
	cfg       Config
	client    Client
	chainID   *big.Int
	wallet    *wallet.Wallet
	directory *wallet.Directory
	log       *slog.Logger

	opKey  *ecdsa.PrivateKey
	opAddr common.Address

	tokens   map[string]common.Address
	factory  common.Address
	initHash common.Hash

	decimalsMu sync.Mutex
	decimals   map[common.Address]uint8

	nonceMu sync.Mutex
	nonces  map[common.Address]*sync.Mutex

	degraded atomic.Bool
}

// New constructs the adapter. The directory is optional; when present,
// generated escrow accounts are cached there for audit and lookup.
func New(cfg Config, client Client, w *wallet.Wallet, directory *wallet.Directory, log *slog.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.LedgerID) == "" {
		return nil, fmt.Errorf("evm: ledger id required")
	}
	if client == nil {
		return nil, fmt.Errorf("evm: client required")
	}
	if w == nil {
		return nil, fmt.Errorf("evm: wallet required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("evm: chain id required")
	}
	if log == nil {
		log = slog.Default()
	}
	opDerived, err := w.KeyAt(cfg.OperatorIndex)
	if err != nil {
		return nil, fmt.Errorf("evm: derive operator key: %w", err)
	}
	opKey := opDerived.PrivKey().ToECDSA()
	tokens := make(map[string]common.Address, len(cfg.Tokens))
	for symbol, addr := range cfg.Tokens {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("evm: token %s has invalid address %q", symbol, addr)
		}
		tokens[strings.ToUpper(strings.TrimSpace(symbol))] = common.HexToAddress(addr)
	}
	a := &Adapter{
		cfg:       cfg,
		client:    client,
		chainID:   new(big.Int).Set(cfg.ChainID),
		wallet:    w,
		directory: directory,
		log:       log.With("ledger", cfg.LedgerID),
		opKey:     opKey,
		opAddr:    gethcrypto.PubkeyToAddress(opKey.PublicKey),
		tokens:    tokens,
		decimals:  make(map[common.Address]uint8),
		nonces:    make(map[common.Address]*sync.Mutex),
	}
	if cfg.Factory != "" {
		if !common.IsHexAddress(cfg.Factory) {
			return nil, fmt.Errorf("evm: invalid factory address %q", cfg.Factory)
		}
		a.factory = common.HexToAddress(cfg.Factory)
		hash := strings.TrimPrefix(strings.TrimSpace(cfg.InitCodeHash), "0x")
		if len(hash) != 64 {
			return nil, fmt.Errorf("evm: init code hash must be 32 bytes")
		}
		a.initHash = common.HexToHash(cfg.InitCodeHash)
	}
	return a, nil
}

// LedgerID implements chain.Adapter.
func (a *Adapter) LedgerID() string { return a.cfg.LedgerID }

// OperatorAddress returns the hot wallet account that signs driving and
// payout transactions.
func (a *Adapter) OperatorAddress() string { return a.opAddr.Hex() }

// Init verifies the endpoint serves the configured chain, with bounded
// retries. An unreachable endpoint leaves the adapter degraded rather than
// failing process startup; a wrong chain id fails hard because every signed
// transaction would be invalid.
func (a *Adapter) Init(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < a.cfg.InitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.InitBackoff * time.Duration(attempt)):
			}
		}
		got, err := a.client.ChainID(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if got.Cmp(a.chainID) != 0 {
			return fmt.Errorf("evm: endpoint serves chain %s, config expects %s", got, a.chainID)
		}
		a.degraded.Store(false)
		return nil
	}
	a.degraded.Store(true)
	a.log.Warn("evm endpoint unreachable, starting degraded", "err", lastErr)
	return nil
}

// Degraded reports whether the adapter failed its last connectivity check.
func (a *Adapter) Degraded() bool { return a.degraded.Load() }

// GenerateEscrowAccount implements chain.Adapter. The account is the escrow
// program's deterministic deployment address, computable before the program
// exists so deposits can precede deployment.
func (a *Adapter) GenerateEscrowAccount(asset, dealID, party string) (chain.EscrowAccountRef, error) {
	if _, err := a.currencyFor(asset); err != nil {
		return chain.EscrowAccountRef{}, err
	}
	if (a.factory == common.Address{}) {
		return chain.EscrowAccountRef{}, fmt.Errorf("evm: escrow factory not configured for %s", a.cfg.LedgerID)
	}
	salt := EscrowSalt(dealID, party)
	address := Create2Address(a.factory, salt, a.initHash)
	ref := chain.EscrowAccountRef{
		LedgerID: a.cfg.LedgerID,
		Address:  address.Hex(),
		KeyRef:   "create2:" + salt.Hex(),
	}
	if a.directory != nil {
		record := wallet.AccountRecord{
			LedgerID: a.cfg.LedgerID,
			DealID:   strings.TrimSpace(dealID),
			Party:    strings.TrimSpace(party),
			Address:  ref.Address,
			KeyRef:   ref.KeyRef,
		}
		if err := a.directory.Put(record); err != nil {
			return chain.EscrowAccountRef{}, err
		}
	}
	return ref, nil
}

// ListConfirmedDeposits implements chain.Adapter. The native balance at the
// confirmation-depth block is the confirmed total; the ledger does not index
// native transfers by recipient, so native pages carry no per-transaction
// rows. Token deposits are reconstructed from Transfer logs and totalled
// from the token balance at the same depth.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConf uint64, sinceHeight uint64) (chain.DepositPage, error) {
	page := chain.DepositPage{TotalConfirmed: big.NewInt(0)}
	currency, err := a.currencyFor(asset)
	if err != nil {
		return page, err
	}
	if !a.ValidateAddress(address) {
		return page, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, address)
	}
	if minConf == 0 {
		minConf = a.cfg.MinConfirmations
	}
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		a.degraded.Store(true)
		a.log.Warn("deposit listing unavailable", "address", address, "err", err)
		return page, nil
	}
	a.degraded.Store(false)
	if head+1 < minConf {
		return page, nil
	}
	confirmedHeight := new(big.Int).SetUint64(head - (minConf - 1))
	account := common.HexToAddress(address)

	if currency == (common.Address{}) {
		balance, err := a.client.BalanceAt(ctx, account, confirmedHeight)
		if err != nil {
			a.log.Warn("balance lookup failed", "address", address, "err", err)
			return page, nil
		}
		page.TotalConfirmed = balance
		return page, nil
	}

	balance, err := a.tokenBalanceAt(ctx, currency, account, confirmedHeight)
	if err != nil {
		a.log.Warn("token balance lookup failed", "address", address, "err", err)
		return page, nil
	}
	page.TotalConfirmed = balance
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(sinceHeight),
		ToBlock:   confirmedHeight,
		Addresses: []common.Address{currency},
		Topics: [][]common.Hash{
			{transferEventSignature},
			nil,
			{common.BytesToHash(account.Bytes())},
		},
	})
	if err != nil {
		a.log.Warn("transfer log scan failed", "address", address, "err", err)
		return page, nil
	}
	for _, entry := range logs {
		page.Deposits = append(page.Deposits, chain.Deposit{
			TxID:          entry.TxHash.Hex(),
			OutputIndex:   uint32(entry.Index),
			Amount:        new(big.Int).SetBytes(entry.Data),
			Asset:         strings.ToUpper(asset),
			BlockHeight:   entry.BlockNumber,
			Confirmations: head - entry.BlockNumber + 1,
		})
	}
	return page, nil
}

// Send implements chain.Adapter. Native transfers carry the value directly;
// token transfers call into the token program. The per-address nonce lock is
// held from nonce read through submission so concurrent sends from one
// source cannot collide.
func (a *Adapter) Send(ctx context.Context, asset, from, to string, amount *big.Int) (chain.SubmittedTx, error) {
	var submitted chain.SubmittedTx
	currency, err := a.currencyFor(asset)
	if err != nil {
		return submitted, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return submitted, fmt.Errorf("evm: send amount must be positive")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return submitted, &escrow.ValueTooLargeError{Field: "amount"}
	}
	if !a.ValidateAddress(to) {
		return submitted, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, to)
	}
	key, fromAddr, err := a.signerFor(from)
	if err != nil {
		return submitted, err
	}

	var (
		dest     common.Address
		value    *big.Int
		calldata []byte
	)
	if currency == (common.Address{}) {
		dest = common.HexToAddress(to)
		value = amount
	} else {
		dest = currency
		value = big.NewInt(0)
		calldata, err = erc20ABI.Pack("transfer", common.HexToAddress(to), amount)
		if err != nil {
			return submitted, fmt.Errorf("evm: pack transfer: %w", err)
		}
	}
	hash, err := a.submit(ctx, key, fromAddr, dest, value, calldata)
	if err != nil {
		return submitted, err
	}
	submitted.TxID = hash
	return submitted, nil
}

// submit signs and broadcasts one transaction under the source's nonce lock.
func (a *Adapter) submit(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, value *big.Int, calldata []byte) (string, error) {
	unlock := a.lockNonce(from)
	defer unlock()

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("evm: pending nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evm: suggest gas price: %w", err)
	}
	gasLimit := uint64(nativeTransferGas)
	if len(calldata) > 0 {
		gasLimit, err = a.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: calldata})
		if err != nil {
			return "", a.decodeCallError(err)
		}
	}
	tx := gethtypes.NewTransaction(nonce, to, value, gasLimit, gasPrice, calldata)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(a.chainID), key)
	if err != nil {
		return "", fmt.Errorf("evm: sign transaction: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("evm: send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// EnsureFeeBudget implements chain.Adapter. EVM transaction fees are paid in
// native currency regardless of the asset being moved, so the check is that
// the source holds gas for one transfer, plus the amount itself when the
// transfer is native.
func (a *Adapter) EnsureFeeBudget(ctx context.Context, from, asset string, amount, minNative *big.Int) error {
	currency, err := a.currencyFor(asset)
	if err != nil {
		return err
	}
	if !a.ValidateAddress(from) {
		return fmt.Errorf("%w: %s", chain.ErrInvalidAddress, from)
	}
	balance, err := a.client.BalanceAt(ctx, common.HexToAddress(from), nil)
	if err != nil {
		return fmt.Errorf("evm: balance: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("evm: suggest gas price: %w", err)
	}
	gasLimit := int64(nativeTransferGas)
	if currency != (common.Address{}) {
		// Token calls cost more than a bare value transfer.
		gasLimit = 80_000
	}
	required := new(big.Int).Mul(gasPrice, big.NewInt(gasLimit))
	if currency == (common.Address{}) && amount != nil {
		required.Add(required, amount)
	}
	if minNative != nil && required.Cmp(minNative) < 0 {
		required.Set(minNative)
	}
	if balance.Cmp(required) < 0 {
		return &chain.InsufficientFundsError{Requested: required, Sendable: balance}
	}
	return nil
}

// TopUpGas sends native currency from the operator account so the target can
// pay its own transaction fees.
func (a *Adapter) TopUpGas(ctx context.Context, to string, amount *big.Int) (chain.SubmittedTx, error) {
	return a.Send(ctx, a.cfg.NativeAsset, a.opAddr.Hex(), to, amount)
}

// TxConfirmations implements chain.Adapter. An id the ledger no longer knows
// was reorganized away or evicted; a reverted driving transaction surfaces
// as ErrTxReverted so callers do not wait on confirmations that settle
// nothing.
func (a *Adapter) TxConfirmations(ctx context.Context, txid string) (uint64, error) {
	hash := common.HexToHash(txid)
	_, pending, err := a.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, chain.ErrTxDropped
		}
		return 0, fmt.Errorf("evm: transaction lookup: %w", err)
	}
	if pending {
		return 0, nil
	}
	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("evm: receipt: %w", err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("%w: %s", chain.ErrTxReverted, txid)
	}
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("evm: fetch head: %w", err)
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return 0, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Uint64(), nil
}

// BumpFee resubmits a stuck pending transaction at the same nonce with a ten
// percent higher gas price, the ledger's replacement rule. Only transactions
// signed by the operator key can be replaced.
func (a *Adapter) BumpFee(ctx context.Context, txid string) (string, error) {
	hash := common.HexToHash(txid)
	tx, pending, err := a.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return "", chain.ErrTxDropped
		}
		return "", fmt.Errorf("evm: transaction lookup: %w", err)
	}
	if !pending {
		return txid, nil
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(a.chainID), tx)
	if err != nil {
		return "", fmt.Errorf("evm: recover sender: %w", err)
	}
	if sender != a.opAddr {
		return "", fmt.Errorf("evm: cannot replace transaction from %s", sender.Hex())
	}
	suggested, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evm: suggest gas price: %w", err)
	}
	bumped := new(big.Int).Mul(tx.GasPrice(), big.NewInt(110))
	bumped.Div(bumped, big.NewInt(100))
	if suggested.Cmp(bumped) > 0 {
		bumped = suggested
	}
	replacement := gethtypes.NewTransaction(tx.Nonce(), *tx.To(), tx.Value(), tx.Gas(), bumped, tx.Data())
	signed, err := gethtypes.SignTx(replacement, gethtypes.LatestSignerForChainID(a.chainID), a.opKey)
	if err != nil {
		return "", fmt.Errorf("evm: sign replacement: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("evm: send replacement: %w", err)
	}
	a.log.Info("replaced stuck transaction", "old", txid, "new", signed.Hash().Hex(), "nonce", tx.Nonce())
	return signed.Hash().Hex(), nil
}

// ValidateAddress implements chain.Adapter.
func (a *Adapter) ValidateAddress(address string) bool {
	return common.IsHexAddress(strings.TrimSpace(address))
}

// currencyFor resolves an asset symbol to its on-ledger currency address,
// with the zero address standing for the native coin.
func (a *Adapter) currencyFor(asset string) (common.Address, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if symbol == strings.ToUpper(a.cfg.NativeAsset) {
		return common.Address{}, nil
	}
	token, ok := a.tokens[symbol]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s on %s", chain.ErrUnsupportedAsset, asset, a.cfg.LedgerID)
	}
	return token, nil
}

// assetFor is the reverse of currencyFor, used when reconstructing payout
// legs from ledger events.
func (a *Adapter) assetFor(currency common.Address) string {
	if currency == (common.Address{}) {
		return a.cfg.NativeAsset
	}
	for symbol, addr := range a.tokens {
		if addr == currency {
			return symbol
		}
	}
	return currency.Hex()
}

func (a *Adapter) signerFor(from string) (*ecdsa.PrivateKey, common.Address, error) {
	if !a.ValidateAddress(from) {
		return nil, common.Address{}, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, from)
	}
	addr := common.HexToAddress(from)
	if addr == a.opAddr {
		return a.opKey, a.opAddr, nil
	}
	if a.directory == nil {
		return nil, common.Address{}, fmt.Errorf("evm: no key material for address %s", from)
	}
	record, ok, err := a.directory.GetByAddress(a.cfg.LedgerID, addr.Hex())
	if err != nil {
		return nil, common.Address{}, err
	}
	if !ok || strings.HasPrefix(record.KeyRef, "create2:") {
		return nil, common.Address{}, fmt.Errorf("evm: no key material for address %s", from)
	}
	derived, err := a.wallet.KeyAt(record.Index)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("evm: rederive key %s: %w", record.KeyRef, err)
	}
	key := derived.PrivKey().ToECDSA()
	got := gethcrypto.PubkeyToAddress(key.PublicKey)
	if got != addr {
		return nil, common.Address{}, fmt.Errorf("evm: derived address mismatch for %s", record.KeyRef)
	}
	return key, addr, nil
}

func (a *Adapter) lockNonce(addr common.Address) func() {
	a.nonceMu.Lock()
	lock, ok := a.nonces[addr]
	if !ok {
		lock = &sync.Mutex{}
		a.nonces[addr] = lock
	}
	a.nonceMu.Unlock()
	lock.Lock()
	return lock.Unlock
}
