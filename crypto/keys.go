package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FingerprintHRP is the human-readable prefix of key fingerprints. Operator
// keys are referenced by fingerprint in config files and audit logs so raw
// account addresses never have to appear there.
const FingerprintHRP = "otckey"

// PrivateKey wraps a secp256k1 signing key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps a secp256k1 verification key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh operator key from crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes rebuilds a key from its 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the verification half of the pair.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// EthereumAddress returns the 0x-prefixed account address the key controls on
// account-model ledgers.
func (k *PublicKey) EthereumAddress() common.Address {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

// Fingerprint renders the key's account hash as a bech32 string under the
// broker prefix, for display and config references.
func (k *PublicKey) Fingerprint() (string, error) {
	return EncodeFingerprint(k.EthereumAddress().Bytes())
}

// EncodeFingerprint bech32-encodes a 20-byte account hash.
func EncodeFingerprint(hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("crypto: fingerprint requires 20 bytes, got %d", len(hash))
	}
	conv, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("crypto: convert fingerprint bits: %w", err)
	}
	encoded, err := bech32.Encode(FingerprintHRP, conv)
	if err != nil {
		return "", fmt.Errorf("crypto: encode fingerprint: %w", err)
	}
	return encoded, nil
}

// DecodeFingerprint reverses EncodeFingerprint and rejects foreign prefixes.
func DecodeFingerprint(encoded string) ([]byte, error) {
	hrp, decoded, err := bech32.Decode(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid fingerprint: %w", err)
	}
	if hrp != FingerprintHRP {
		return nil, fmt.Errorf("crypto: fingerprint prefix %q, want %q", hrp, FingerprintHRP)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("crypto: convert fingerprint bits: %w", err)
	}
	if len(conv) != 20 {
		return nil, fmt.Errorf("crypto: fingerprint payload %d bytes, want 20", len(conv))
	}
	return conv, nil
}
