package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Verifier defines the interface for signature verification.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
	VerifyHex(message []byte, sigHex string) bool
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a new verifier.
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

// NewVerifierFromMultibase creates a verifier for a multibase encoded key.
func NewVerifierFromMultibase(key string) (*Ed25519Verifier, error) {
	pub, err := DecodeMultibaseKey(key)
	if err != nil {
		return nil, err
	}
	return &Ed25519Verifier{PublicKey: pub}, nil
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.PublicKey, message, signature)
}

// VerifyHex verifies a hex encoded signature. Malformed hex never verifies.
func (v *Ed25519Verifier) VerifyHex(message []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return v.Verify(message, sig)
}
