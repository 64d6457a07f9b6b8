package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"otcbroker/chain/evm"
	"otcbroker/chain/utxo"
	"otcbroker/cmd/internal/passphrase"
	"otcbroker/crypto"
	"otcbroker/wallet"
)

// runKeygen generates an operator key and writes it to an encrypted v3
// keystore file. The passphrase comes from BROKER_KEYSTORE_PASS or an
// interactive prompt.
func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "operator.keystore", "output path for the keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Printf("keystore written to %s\n", *out)
	fmt.Printf("operator address: %s\n", key.PubKey().EthereumAddress().Hex())
	return nil
}

// runEscrowAddress computes an escrow address offline, without touching any
// ledger or daemon. Both ledger models derive the address purely from
// configuration and the (dealID, party) pair, so the printed address matches
// what the daemon will use for the same deal.
func runEscrowAddress(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("escrow-address requires a ledger model: evm or utxo")
	}
	switch args[0] {
	case "evm":
		return escrowAddressEVM(args[1:])
	case "utxo":
		return escrowAddressUTXO(args[1:])
	default:
		return fmt.Errorf("unknown ledger model %q (want evm or utxo)", args[0])
	}
}

func escrowAddressEVM(args []string) error {
	fs := flag.NewFlagSet("escrow-address evm", flag.ContinueOnError)
	factory := fs.String("factory", "", "escrow factory contract address")
	initCodeHash := fs.String("init-code-hash", "", "keccak256 of the proxy init code, hex")
	dealID := fs.String("deal", "", "deal identifier")
	party := fs.String("party", "", "deal party, A or B")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*factory) {
		return fmt.Errorf("invalid factory address %q", *factory)
	}
	hash := strings.TrimPrefix(strings.TrimSpace(*initCodeHash), "0x")
	if len(hash) != 64 {
		return fmt.Errorf("init code hash must be 32 bytes of hex")
	}
	normalized, err := normalizeDealParty(*dealID, *party)
	if err != nil {
		return err
	}

	salt := evm.EscrowSalt(*dealID, normalized)
	address := evm.Create2Address(common.HexToAddress(*factory), salt, common.HexToHash("0x"+hash))
	fmt.Printf("salt:    %s\n", salt.Hex())
	fmt.Printf("address: %s\n", address.Hex())
	return nil
}

func escrowAddressUTXO(args []string) error {
	fs := flag.NewFlagSet("escrow-address utxo", flag.ContinueOnError)
	seedFile := fs.String("seed-file", "", "path to the hex master seed file")
	network := fs.String("network", "mainnet", "utxo network name")
	coinType := fs.Uint("coin-type", 0, "BIP44 coin type")
	dealID := fs.String("deal", "", "deal identifier")
	party := fs.String("party", "", "deal party, A or B")
	if err := fs.Parse(args); err != nil {
		return err
	}
	normalized, err := normalizeDealParty(*dealID, *party)
	if err != nil {
		return err
	}
	seed, err := wallet.LoadSeedFile(*seedFile)
	if err != nil {
		return err
	}
	params, err := utxo.NetworkParams(*network)
	if err != nil {
		return err
	}
	w, err := wallet.New(seed, params, uint32(*coinType))
	if err != nil {
		return err
	}
	key, err := w.EscrowKey(*dealID, normalized)
	if err != nil {
		return err
	}
	addr, err := key.Address()
	if err != nil {
		return err
	}
	fmt.Printf("path:    %s\n", key.Path)
	fmt.Printf("address: %s\n", addr.EncodeAddress())
	return nil
}

// normalizeDealParty validates the pair and upper-cases the party so derived
// addresses match what the daemon produces for the same deal.
func normalizeDealParty(dealID, party string) (string, error) {
	if strings.TrimSpace(dealID) == "" {
		return "", fmt.Errorf("--deal is required")
	}
	normalized := strings.ToUpper(strings.TrimSpace(party))
	switch normalized {
	case "A", "B":
		return normalized, nil
	default:
		return "", fmt.Errorf("--party must be A or B")
	}
}
