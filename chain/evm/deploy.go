package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"otcbroker/chain"
)

// factoryABIJSON is the escrow factory's interface. The factory deploys one
// beacon proxy per deal leg at a salt-addressed location and initializes it
// in the same transaction, so a counterfactual address becomes a live escrow
// atomically.
const factoryABIJSON = `[
  {"type":"function","name":"deployEscrow","stateMutability":"nonpayable","inputs":[{"name":"salt","type":"bytes32"},{"name":"operator","type":"address"},{"name":"payback","type":"address"},{"name":"recipient","type":"address"},{"name":"currency","type":"address"},{"name":"swapValue","type":"uint256"},{"name":"feeValue","type":"uint256"}],"outputs":[{"name":"escrow","type":"address"}]},
  {"type":"event","name":"EscrowDeployed","anonymous":false,"inputs":[{"name":"escrow","type":"address","indexed":true},{"name":"salt","type":"bytes32","indexed":true}]}
]`

var factoryABI = mustParseABI(factoryABIJSON)

// EscrowSalt derives the deployment salt for a deal leg. The same inputs
// drive escrow key derivation on UTXO ledgers, so one (dealID, party) pair
// names one escrow everywhere.
func EscrowSalt(dealID, party string) common.Hash {
	return gethcrypto.Keccak256Hash([]byte(dealID + "/" + party))
}

// Create2Address computes the address a salt-addressed deployment will
// occupy: keccak256(0xff ++ deployer ++ salt ++ keccak256(initCode))[12:].
func Create2Address(deployer common.Address, salt common.Hash, initCodeHash common.Hash) common.Address {
	return common.BytesToAddress(gethcrypto.Keccak256(
		[]byte{0xff},
		deployer.Bytes(),
		salt.Bytes(),
		initCodeHash.Bytes(),
	)[12:])
}

// DeployEscrow asks the factory to deploy and initialize the escrow for a
// deal leg. The returned txid confirms like any driving transaction; the
// escrow's address is already known from GenerateEscrowAccount.
func (a *Adapter) DeployEscrow(ctx context.Context, dealID, party string, params EscrowParams) (string, error) {
	if (a.factory == common.Address{}) {
		return "", fmt.Errorf("evm: escrow factory not configured for %s", a.cfg.LedgerID)
	}
	salt := EscrowSalt(dealID, party)
	calldata, err := factoryABI.Pack("deployEscrow",
		[32]byte(salt),
		params.Operator,
		params.Payback,
		params.Recipient,
		params.Currency,
		params.SwapValue,
		params.FeeValue,
	)
	if err != nil {
		return "", fmt.Errorf("evm: pack deployEscrow: %w", err)
	}
	return a.submit(ctx, a.opKey, a.opAddr, a.factory, big.NewInt(0), calldata)
}

// DeployEscrowLeg deploys the escrow for a deal leg from its string-form
// parameters, resolving the asset symbol and installing the adapter's own
// operator account as the program operator.
func (a *Adapter) DeployEscrowLeg(ctx context.Context, dealID, party, payback, recipient, asset string, swapValue, feeValue *big.Int) (string, error) {
	currency, err := a.currencyFor(asset)
	if err != nil {
		return "", err
	}
	if !a.ValidateAddress(payback) {
		return "", fmt.Errorf("%w: %s", chain.ErrInvalidAddress, payback)
	}
	if !a.ValidateAddress(recipient) {
		return "", fmt.Errorf("%w: %s", chain.ErrInvalidAddress, recipient)
	}
	if swapValue == nil || swapValue.Sign() <= 0 {
		return "", fmt.Errorf("evm: swap value must be positive")
	}
	fee := feeValue
	if fee == nil {
		fee = big.NewInt(0)
	}
	return a.DeployEscrow(ctx, dealID, party, EscrowParams{
		Operator:  a.opAddr,
		Payback:   common.HexToAddress(payback),
		Recipient: common.HexToAddress(recipient),
		Currency:  currency,
		SwapValue: swapValue,
		FeeValue:  fee,
	})
}

// Deployed reports whether program code exists at the address. A
// counterfactual escrow address has no code until its deployment transaction
// confirms.
func (a *Adapter) Deployed(ctx context.Context, address string) (bool, error) {
	if !a.ValidateAddress(address) {
		return false, fmt.Errorf("%w: %s", chain.ErrInvalidAddress, address)
	}
	code, err := a.client.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return false, fmt.Errorf("evm: code lookup: %w", err)
	}
	return len(code) > 0, nil
}
