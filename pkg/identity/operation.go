package identity

import (
	"encoding/json"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// CallSpec is one call of a batch: value moves from the account to Target
// before Data (JSON calldata, empty for a plain transfer) is dispatched.
type CallSpec struct {
	Target kernel.Address  `json:"target"`
	Value  int64           `json:"value"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Operation is an owner-signed batch relayed by the executor channel.
type Operation struct {
	Sender    kernel.Address `json:"sender"`
	Nonce     uint64         `json:"nonce"`
	Calls     []CallSpec     `json:"calls"`
	MaxCost   int64          `json:"max_cost"`
	Sponsored bool           `json:"sponsored"`
	Signature string         `json:"signature,omitempty"`
}

// signedBody is what the owner signs. The factory address pins the
// signature to one deployment.
type signedBody struct {
	Factory   kernel.Address `json:"factory"`
	Sender    kernel.Address `json:"sender"`
	Nonce     uint64         `json:"nonce"`
	Calls     []CallSpec     `json:"calls"`
	MaxCost   int64          `json:"max_cost"`
	Sponsored bool           `json:"sponsored"`
}

// OperationHash is the canonical hash of op as deployed under factory.
// The signature field is not covered.
func OperationHash(factory kernel.Address, op Operation) (string, error) {
	calls := op.Calls
	if calls == nil {
		calls = []CallSpec{}
	}
	return crypto.CanonicalKeccak(crypto.DomainOperation, signedBody{
		Factory:   factory,
		Sender:    op.Sender,
		Nonce:     op.Nonce,
		Calls:     calls,
		MaxCost:   op.MaxCost,
		Sponsored: op.Sponsored,
	})
}

// SignOperation fills in op.Signature with the owner's signature.
func SignOperation(s crypto.Signer, factory kernel.Address, op *Operation) error {
	hash, err := OperationHash(factory, *op)
	if err != nil {
		return err
	}
	sig, err := s.Sign([]byte(hash))
	if err != nil {
		return err
	}
	op.Signature = sig
	return nil
}

// OperationResult reports how a relayed operation ended. A failed batch
// still consumes the nonce; Reason carries the failing call's error code.
type OperationResult struct {
	Hash       string `json:"hash"`
	Nonce      uint64 `json:"nonce"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Cost       int64  `json:"cost"`
	Sponsored  bool   `json:"sponsored"`
	Results    []any  `json:"results,omitempty"`
	FailedCall int    `json:"failed_call"`
}
