package identity

import "github.com/Mindburn-Labs/paycore/pkg/kernel"

var (
	ErrAlreadyProvisioned = kernel.NewError(kernel.CategoryStateConflict, "AlreadyProvisioned", "identity already provisioned at address")
	ErrInvalidInitData    = kernel.NewError(kernel.CategoryValidation, "InvalidInitData", "init data does not carry a well-formed owner key")
	ErrIdentityNotFound   = kernel.NewError(kernel.CategoryValidation, "IdentityNotFound", "no identity at address")
	ErrLengthMismatch     = kernel.NewError(kernel.CategoryValidation, "LengthMismatch", "batch arrays differ in length")
	ErrInvalidOwner       = kernel.NewError(kernel.CategoryValidation, "InvalidOwner", "new owner key is empty or malformed")
	ErrInvalidSignature   = kernel.NewError(kernel.CategoryAuthorization, "InvalidSignature", "operation signature does not match owner key")
	ErrInvalidNonce       = kernel.NewError(kernel.CategoryStateConflict, "InvalidNonce", "operation nonce is not the next counter value")
	ErrMaxCostTooLow      = kernel.NewError(kernel.CategoryValidation, "MaxCostTooLow", "operation cost exceeds its declared maximum")
	ErrEmptyOperation     = kernel.NewError(kernel.CategoryValidation, "EmptyOperation", "operation carries no calls")
)
