package crypto

import (
	"encoding/hex"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// RecipientBinding is what a trusted attester signs after verifying a
// recipient's claim off-core. Binding the escrow address keeps a proof from
// being replayed against another escrow deployment.
type RecipientBinding struct {
	Domain     string         `json:"domain"`
	Escrow     kernel.Address `json:"escrow"`
	IntentID   string         `json:"intent_id"`
	Commitment string         `json:"recipient_commitment"`
	Claimant   kernel.Address `json:"claimant"`
}

// NewRecipientBinding fills in the domain separator.
func NewRecipientBinding(escrow kernel.Address, intentID, commitment string, claimant kernel.Address) RecipientBinding {
	return RecipientBinding{
		Domain:     DomainRecipient,
		Escrow:     escrow,
		IntentID:   intentID,
		Commitment: commitment,
		Claimant:   claimant,
	}
}

// Digest is the Keccak-256 of the canonical binding.
func (b RecipientBinding) Digest() ([]byte, error) {
	body, err := CanonicalMarshal(b)
	if err != nil {
		return nil, err
	}
	return Keccak256(body), nil
}

// SignRecipientProof produces the hex proof for b. Attesters use it; the
// core only verifies.
func SignRecipientProof(s Signer, b RecipientBinding) (string, error) {
	digest, err := b.Digest()
	if err != nil {
		return "", err
	}
	return s.Sign(digest)
}

// VerifyRecipientProof reports whether proof is the attester's signature
// over b. Malformed proofs are simply invalid.
func VerifyRecipientProof(attester Verifier, b RecipientBinding, proof string) bool {
	if attester == nil || proof == "" {
		return false
	}
	if _, err := hex.DecodeString(proof); err != nil {
		return false
	}
	digest, err := b.Digest()
	if err != nil {
		return false
	}
	return attester.VerifyHex(digest, proof)
}
