package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
	"golang.org/x/crypto/sha3"
)

// Hasher provides deterministic hashing of structured values.
type Hasher interface {
	Hash(v interface{}) (string, error)
}

// CanonicalHasher hashes the JCS form of a value with SHA-256.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(v interface{}) (string, error) {
	bytes, err := CanonicalMarshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}

	hash := sha256.Sum256(bytes)
	return hex.EncodeToString(hash[:]), nil
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Keccak256Hex is Keccak256 rendered as 0x-prefixed hex.
func Keccak256Hex(data ...[]byte) string {
	return "0x" + hex.EncodeToString(Keccak256(data...))
}

// CanonicalKeccak hashes the JCS form of v under a domain separator.
func CanonicalKeccak(domain string, v interface{}) (string, error) {
	body, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	return Keccak256Hex([]byte(domain), []byte{0}, body), nil
}

// AddressFromKey derives the address an Ed25519 key acts as: the last 20
// bytes of its Keccak-256 hash.
func AddressFromKey(pub []byte) kernel.Address {
	return kernel.BytesToAddress(Keccak256(pub))
}

// Create2Address derives a deployment address from the deployer, a salt and
// the hash of the code being deployed:
// keccak256(0xff ‖ deployer ‖ keccak256(salt) ‖ codeHash)[12:].
func Create2Address(deployer kernel.Address, salt []byte, codeHash []byte) kernel.Address {
	return kernel.BytesToAddress(Keccak256([]byte{0xff}, deployer.Bytes(), Keccak256(salt), codeHash))
}

// ParseHash decodes a 0x-prefixed 32-byte hex hash.
func ParseHash(s string) ([]byte, error) {
	if len(s) != 66 || s[:2] != "0x" {
		return nil, fmt.Errorf("hash %q: want 0x-prefixed 32-byte hex", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("hash %q: %w", s, err)
	}
	return b, nil
}
