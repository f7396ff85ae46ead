// Package crypto holds the key material handling of the payment core:
// Ed25519 signing and verification, multibase key encoding, Keccak-256
// address derivation and canonical (RFC 8785) hashing.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// Signer interface for cryptographic signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
	Address() kernel.Address
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// NewEd25519SignerFromSeed restores a signer from a hex encoded 32-byte seed,
// the format `paycore keygen` prints.
func NewEd25519SignerFromSeed(seedHex, keyID string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

// PublicKey returns the multibase form of the public key.
func (s *Ed25519Signer) PublicKey() string {
	return EncodeMultibaseKey(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// Address is the caller address this key acts as.
func (s *Ed25519Signer) Address() kernel.Address {
	return AddressFromKey(s.pubKey)
}

// Seed returns the hex encoded private seed.
func (s *Ed25519Signer) Seed() string {
	return hex.EncodeToString(s.privKey.Seed())
}

// PrivateKey exposes the key for token signing.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.privKey
}

// Verify verifies a hex signature against a multibase public key.
func Verify(pubKeyMultibase, sigHex string, data []byte) (bool, error) {
	pubKey, err := DecodeMultibaseKey(pubKeyMultibase)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

func (s *Ed25519Signer) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}
