// Package wallet derives per-deal escrow keys from a single master seed.
// Derivation indices are a pure function of (dealID, party), so regenerating
// the account for an existing deal reproduces the same address instead of
// orphaning funds behind a fresh one. No shared counter exists anywhere in
// the derivation path.
package wallet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"
	"lukechampine.com/blake3"
)

var (
	// ErrSeedRequired indicates the wallet was constructed without a master
	// seed.
	ErrSeedRequired = errors.New("wallet: master seed required")

	// ErrParamsRequired indicates the wallet was constructed without network
	// parameters.
	ErrParamsRequired = errors.New("wallet: network params required")
)

// leafAttempts bounds how many consecutive indices are tried when a derived
// child is invalid per BIP32 (probability ~2^-127 per index).
const leafAttempts = 8

// Wallet derives hardened escrow keys below m/44'/coinType'/0'.
type Wallet struct {
	master   *hdkeychain.ExtendedKey
	params   *chaincfg.Params
	coinType uint32
}

// New builds a wallet from the raw master seed. The seed is only held inside
// the derived extended key; callers should zero their copy.
func New(seed []byte, params *chaincfg.Params, coinType uint32) (*Wallet, error) {
	if len(seed) == 0 {
		return nil, ErrSeedRequired
	}
	if params == nil {
		return nil, ErrParamsRequired
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive master key: %w", err)
	}
	return &Wallet{master: master, params: params, coinType: coinType}, nil
}

// DerivationIndex maps (dealID, party) onto a hardened child index through a
// collision-resistant hash. The same inputs always produce the same index,
// across processes and restarts.
func DerivationIndex(dealID, party string) uint32 {
	payload := strings.TrimSpace(dealID) + "/" + strings.TrimSpace(party)
	sum := blake3.Sum256([]byte(payload))
	return binary.BigEndian.Uint32(sum[:4]) & (hdkeychain.HardenedKeyStart - 1)
}

// DerivedKey is one escrow signing key plus its derivation metadata. Path is
// the opaque key reference recorded off-wallet; raw key bytes never leave
// this package except through PrivKey.
type DerivedKey struct {
	Path   string
	Index  uint32
	priv   *btcec.PrivateKey
	params *chaincfg.Params
}

// EscrowKey derives the signing key for a (dealID, party) pair.
func (w *Wallet) EscrowKey(dealID, party string) (*DerivedKey, error) {
	return w.KeyAt(DerivationIndex(dealID, party))
}

// KeyAt derives the signing key at m/44'/coinType'/0'/index'. If the leaf is
// invalid per BIP32 the next consecutive index is tried, deterministically.
func (w *Wallet) KeyAt(index uint32) (*DerivedKey, error) {
	if w == nil || w.master == nil {
		return nil, ErrSeedRequired
	}
	account := w.master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + w.coinType,
		hdkeychain.HardenedKeyStart,
	} {
		child, err := account.Child(step)
		if err != nil {
			return nil, fmt.Errorf("wallet: derive account path: %w", err)
		}
		account = child
	}
	for attempt := uint32(0); attempt < leafAttempts; attempt++ {
		leafIndex := (index + attempt) & (hdkeychain.HardenedKeyStart - 1)
		leaf, err := account.Child(hdkeychain.HardenedKeyStart + leafIndex)
		if err != nil {
			if errors.Is(err, hdkeychain.ErrInvalidChild) {
				continue
			}
			return nil, fmt.Errorf("wallet: derive leaf %d: %w", leafIndex, err)
		}
		priv, err := leaf.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("wallet: extract private key: %w", err)
		}
		return &DerivedKey{
			Path:   fmt.Sprintf("m/44'/%d'/0'/%d'", w.coinType, leafIndex),
			Index:  leafIndex,
			priv:   priv,
			params: w.params,
		}, nil
	}
	return nil, fmt.Errorf("wallet: no valid child within %d attempts of index %d", leafAttempts, index)
}

// PrivKey returns the raw signing key. Callers must not retain it beyond the
// signing operation.
func (k *DerivedKey) PrivKey() *btcec.PrivateKey { return k.priv }

// PubKey returns the public key of the derived pair.
func (k *DerivedKey) PubKey() *btcec.PublicKey { return k.priv.PubKey() }

// Address returns the pay-to-pubkey-hash address of the compressed public
// key on the wallet's network.
func (k *DerivedKey) Address() (btcutil.Address, error) {
	pkHash := btcutil.Hash160(k.priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, k.params)
	if err != nil {
		return nil, fmt.Errorf("wallet: encode address: %w", err)
	}
	return addr, nil
}

// DecodeSeedHex parses a hex-encoded master seed and enforces the BIP32
// length bounds.
func DecodeSeedHex(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrSeedRequired
	}
	seed, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode seed: %w", err)
	}
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, fmt.Errorf("wallet: seed length %d outside [%d, %d]", len(seed), hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes)
	}
	return seed, nil
}

// LoadSeedFile reads a hex-encoded master seed from disk.
func LoadSeedFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("wallet: read seed file: %w", err)
	}
	return DecodeSeedHex(string(raw))
}
