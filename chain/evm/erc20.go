package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI               = mustParseABI(erc20ABIJSON)
	transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("evm: static abi does not parse: %v", err))
	}
	return parsed
}

// TokenDecimals fetches the token's decimal precision from its own metadata
// and caches it. Deal-boundary amount conversion must use this value, never
// an assumed constant.
func (a *Adapter) TokenDecimals(ctx context.Context, asset string) (uint8, error) {
	currency, err := a.currencyFor(asset)
	if err != nil {
		return 0, err
	}
	if currency == (common.Address{}) {
		return 18, nil
	}
	a.decimalsMu.Lock()
	cached, ok := a.decimals[currency]
	a.decimalsMu.Unlock()
	if ok {
		return cached, nil
	}
	calldata, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("evm: pack decimals: %w", err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &currency, Data: calldata}, nil)
	if err != nil {
		return 0, fmt.Errorf("evm: read token decimals: %w", err)
	}
	out, err := erc20ABI.Unpack("decimals", raw)
	if err != nil {
		return 0, fmt.Errorf("evm: decode token decimals: %w", err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("evm: token decimals has unexpected type %T", out[0])
	}
	a.decimalsMu.Lock()
	a.decimals[currency] = decimals
	a.decimalsMu.Unlock()
	return decimals, nil
}

func (a *Adapter) tokenBalanceAt(ctx context.Context, token, owner common.Address, blockNumber *big.Int) (*big.Int, error) {
	calldata, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("evm: pack balanceOf: %w", err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: calldata}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("evm: read token balance: %w", err)
	}
	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("evm: decode token balance: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: token balance has unexpected type %T", out[0])
	}
	return balance, nil
}
