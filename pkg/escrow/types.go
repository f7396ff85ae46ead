// Package escrow custodies funds against time-bounded payment intents. An
// intent is Open until exactly one of release, revoke or refund closes it.
package escrow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// Status is the lifecycle state of an intent.
type Status byte

const (
	StatusOpen     Status = 0x01
	StatusReleased Status = 0x02 // paid to the claimant
	StatusRevoked  Status = 0x03 // returned to the sender, by revoke or refund
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusReleased:
		return "Released"
	case StatusRevoked:
		return "Revoked"
	}
	return fmt.Sprintf("Status(%d)", byte(s))
}

// Terminal reports whether s is a closed state.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRevoked
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "Open":
		*s = StatusOpen
	case "Released":
		*s = StatusReleased
	case "Revoked":
		*s = StatusRevoked
	default:
		return fmt.Errorf("unknown intent status %q", name)
	}
	return nil
}

// Intent is a payment intent. Intents are never deleted.
type Intent struct {
	ID                  string         `json:"intentId"`
	Sender              kernel.Address `json:"sender"`
	RecipientCommitment string         `json:"recipientCommitment"`
	Amount              int64          `json:"amount"`
	CreatedAt           time.Time      `json:"createdAt"`
	Expiry              time.Time      `json:"expiry"`
	Status              Status         `json:"status"`

	ClosedAt *time.Time     `json:"closedAt,omitempty"`
	ClosedBy kernel.Address `json:"closedBy,omitempty"`
	Claimant kernel.Address `json:"claimant,omitempty"`
	// Refunded distinguishes a permissionless refund from a sender revoke.
	Refunded bool `json:"refunded,omitempty"`
}

var (
	ErrIntentAlreadyExists   = kernel.NewError(kernel.CategoryStateConflict, "IntentAlreadyExists", "intent id already used")
	ErrInvalidIntentID       = kernel.NewError(kernel.CategoryValidation, "InvalidIntentId", "intent id must not be empty")
	ErrInvalidCommitment     = kernel.NewError(kernel.CategoryValidation, "InvalidCommitment", "recipient commitment must not be empty")
	ErrInvalidAmount         = kernel.NewError(kernel.CategoryValidation, "InvalidAmount", "amount must be positive")
	ErrInvalidExpiry         = kernel.NewError(kernel.CategoryValidation, "InvalidExpiry", "expiry outside the allowed duration")
	ErrIntentNotFound        = kernel.NewError(kernel.CategoryValidation, "IntentNotFound", "no intent with that id")
	ErrIntentAlreadyReleased = kernel.NewError(kernel.CategoryStateConflict, "IntentAlreadyReleased", "intent already released")
	ErrIntentAlreadyRevoked  = kernel.NewError(kernel.CategoryStateConflict, "IntentAlreadyRevoked", "intent already revoked")
	ErrIntentExpired         = kernel.NewError(kernel.CategoryStateConflict, "IntentExpired", "intent expired")
	ErrInvalidRecipientProof = kernel.NewError(kernel.CategoryAuthorization, "InvalidRecipientProof", "proof does not bind this claimant")
	ErrUnauthorizedSender    = kernel.NewError(kernel.CategoryAuthorization, "UnauthorizedSender", "only the sender may revoke")
	ErrRevokeWindowExpired   = kernel.NewError(kernel.CategoryStateConflict, "RevokeWindowExpired", "revoke window has closed")
	ErrRefundNotAvailable    = kernel.NewError(kernel.CategoryStateConflict, "RefundNotAvailable", "intent is not open or not yet expired")
)

// closed maps a terminal status to its Already* error.
func closed(s Status) error {
	if s == StatusReleased {
		return ErrIntentAlreadyReleased
	}
	return ErrIntentAlreadyRevoked
}
