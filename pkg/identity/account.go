package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// Account is a provisioned signing identity. Its fields change only through
// rotation and nonce consumption, both journaled on the call.
type Account struct {
	factory *Factory

	mu                   sync.RWMutex
	address              kernel.Address
	salt                 string
	ownerKey             string
	ownerPub             ed25519.PublicKey
	recoveryCredentialID string
	recoveryKeyHash      string
	nonce                uint64
	createdAt            time.Time
	template             string
}

// Address returns the account address.
func (a *Account) Address() kernel.Address { return a.address }

// Nonce is the next operation counter value.
func (a *Account) Nonce() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nonce
}

// Owner returns the address the current owner key acts as.
func (a *Account) Owner() kernel.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return crypto.AddressFromKey(a.ownerPub)
}

// View returns a snapshot.
func (a *Account) View() View {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return View{
		Address:              a.address,
		Salt:                 a.salt,
		OwnerKey:             a.ownerKey,
		OwnerAddress:         crypto.AddressFromKey(a.ownerPub),
		RecoveryCredentialID: a.recoveryCredentialID,
		RecoveryKeyHash:      a.recoveryKeyHash,
		Nonce:                a.nonce,
		Balance:              a.factory.bank.BalanceOf(a.address),
		Template:             a.template,
		CreatedAt:            a.createdAt,
	}
}

// ValidateOperationSignature accepts op iff opHash is the canonical hash of
// op under this factory and op.Signature is the current owner's signature
// over it.
func (a *Account) ValidateOperationSignature(op Operation, opHash string) error {
	want, err := OperationHash(a.factory.cfg.Address, op)
	if err != nil {
		return ErrInvalidSignature.With("%v", err)
	}
	if opHash != want {
		return ErrInvalidSignature.With("operation hash mismatch")
	}
	a.mu.RLock()
	v := &crypto.Ed25519Verifier{PublicKey: a.ownerPub}
	a.mu.RUnlock()
	if !v.VerifyHex([]byte(opHash), op.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// authorize admits the current owner and the account's own frame. The
// executor channel acts only through HandleOperation, after the owner's
// signature has been checked.
func (a *Account) authorize(caller kernel.Address) error {
	if caller == a.Owner() || caller == a.address {
		return nil
	}
	return kernel.ErrNotAuthorized.With("%s may not act for %s", caller, a.address)
}

// Execute performs one call on behalf of the account. Callable directly by
// the current owner.
func (a *Account) Execute(c *kernel.Call, target kernel.Address, value int64, data []byte) (any, error) {
	if err := a.authorize(c.Caller()); err != nil {
		return nil, err
	}
	return a.call(c, target, value, data)
}

// ExecuteBatch performs the calls in order. Any failure fails the batch;
// the error names the failing index and wraps its cause.
func (a *Account) ExecuteBatch(c *kernel.Call, targets []kernel.Address, values []int64, datas [][]byte) ([]any, error) {
	if err := a.authorize(c.Caller()); err != nil {
		return nil, err
	}
	return a.executeBatch(c, targets, values, datas)
}

func (a *Account) executeBatch(c *kernel.Call, targets []kernel.Address, values []int64, datas [][]byte) ([]any, error) {
	if len(targets) != len(values) || len(targets) != len(datas) {
		return nil, ErrLengthMismatch.With("targets=%d values=%d datas=%d", len(targets), len(values), len(datas))
	}
	sp := c.Savepoint()
	results := make([]any, 0, len(targets))
	for i := range targets {
		res, err := a.call(c, targets[i], values[i], datas[i])
		if err != nil {
			c.RollbackTo(sp)
			return nil, &CallError{Index: i, Err: err}
		}
		results = append(results, res)
	}
	return results, nil
}

// CallError is the failure of one call of a batch.
type CallError struct {
	Index int
	Err   error
}

func (e *CallError) Error() string { return fmt.Sprintf("call %d: %v", e.Index, e.Err) }

func (e *CallError) Unwrap() error { return e.Err }

// call runs one call in a nested frame whose caller is the account.
func (a *Account) call(c *kernel.Call, target kernel.Address, value int64, data []byte) (any, error) {
	if value < 0 {
		return nil, kernel.ErrBadCalldata.With("negative value")
	}
	frame := c.As(a.address)
	cd, err := kernel.DecodeCalldata(data)
	if err != nil {
		return nil, err
	}

	if target == a.address {
		if value != 0 {
			return nil, kernel.ErrBadCalldata.With("self call carries value")
		}
		return a.invokeSelf(frame, cd)
	}

	contract, isContract := a.factory.router.Lookup(target)
	if isContract && cd.Method == "" && value > 0 {
		return nil, kernel.ErrBadCalldata.With("value sent to %s names no method", target)
	}
	if value > 0 {
		if err := a.factory.bank.Transfer(frame, a.address, target, value); err != nil {
			return nil, err
		}
	}
	if cd.Method == "" {
		return nil, nil
	}
	if !isContract {
		return nil, kernel.ErrNoContract.With("%s", target)
	}
	return contract.Invoke(frame, value, cd.Method, cd.Args)
}

// RotateOwnerArgs are the arguments of a rotateOwner self call.
type RotateOwnerArgs struct {
	NewOwnerKey             string `json:"newOwnerKey"`
	NewRecoveryCredentialID string `json:"newRecoveryCredentialId"`
	NewRecoveryKeyHash      string `json:"newRecoveryKeyHash"`
}

func (a *Account) invokeSelf(c *kernel.Call, cd kernel.Calldata) (any, error) {
	switch cd.Method {
	case "rotateOwner":
		var args RotateOwnerArgs
		if err := json.Unmarshal(cd.Args, &args); err != nil {
			return nil, kernel.ErrBadCalldata.With("%v", err)
		}
		return nil, a.RotateOwner(c, args.NewOwnerKey, args.NewRecoveryCredentialID, args.NewRecoveryKeyHash)
	case "":
		return nil, nil
	default:
		return nil, kernel.ErrUnknownMethod.With("account.%s", cd.Method)
	}
}

// RotateOwner replaces the owner key and recovery metadata in one step.
// Only the owner may rotate: either directly, or through a self call inside
// an owner-signed operation.
func (a *Account) RotateOwner(c *kernel.Call, newOwnerKey, newRecoveryCredentialID, newRecoveryKeyHash string) error {
	if caller := c.Caller(); caller != a.Owner() && caller != a.address {
		return kernel.ErrNotAuthorized.With("only the owner may rotate %s", a.address)
	}
	if newOwnerKey == "" {
		return ErrInvalidOwner
	}
	pub, err := crypto.DecodeMultibaseKey(newOwnerKey)
	if err != nil {
		return ErrInvalidOwner.With("%v", err)
	}

	a.mu.Lock()
	prevKey, prevPub := a.ownerKey, a.ownerPub
	prevCred, prevHash := a.recoveryCredentialID, a.recoveryKeyHash
	a.ownerKey, a.ownerPub = newOwnerKey, pub
	a.recoveryCredentialID, a.recoveryKeyHash = newRecoveryCredentialID, newRecoveryKeyHash
	a.mu.Unlock()
	c.OnRollback(func() {
		a.mu.Lock()
		a.ownerKey, a.ownerPub = prevKey, prevPub
		a.recoveryCredentialID, a.recoveryKeyHash = prevCred, prevHash
		a.mu.Unlock()
	})

	c.Emit(a.address, "identity.owner_rotated", map[string]any{
		"identity":       a.address,
		"previous_owner": prevKey,
		"new_owner":      newOwnerKey,
	})
	c.Emit(a.address, "identity.credential_updated", map[string]any{
		"identity":          a.address,
		"credential_id":     newRecoveryCredentialID,
		"recovery_key_hash": newRecoveryKeyHash,
	})
	a.factory.logger.Info("owner rotated", "identity", a.address)
	return nil
}

// consumeNonce advances the counter if n is the expected value.
func (a *Account) consumeNonce(c *kernel.Call, n uint64) error {
	a.mu.Lock()
	if n != a.nonce {
		want := a.nonce
		a.mu.Unlock()
		return ErrInvalidNonce.With("got %d, want %d", n, want)
	}
	a.nonce++
	a.mu.Unlock()
	c.OnRollback(func() {
		a.mu.Lock()
		a.nonce--
		a.mu.Unlock()
	})
	return nil
}

// Cost prices an operation of n calls.
func (f *Factory) Cost(n int) int64 {
	return f.cfg.BaseCost + f.cfg.PerCallCost*int64(n)
}

// HandleOperation runs an owner-signed operation relayed by the executor
// channel. Validation failures reject the whole entry point. Once the
// operation is accepted its nonce is consumed and its cost paid even if
// the batch itself fails; the batch's effects are rolled back and the
// failure is reported in the result.
func (a *Account) HandleOperation(c *kernel.Call, op Operation) (OperationResult, error) {
	f := a.factory
	if c.Caller() != f.cfg.Executor {
		return OperationResult{}, kernel.ErrNotAuthorized.With("operations are relayed by the executor channel")
	}
	if op.Sender != a.address {
		return OperationResult{}, ErrInvalidSignature.With("operation sender %s is not %s", op.Sender, a.address)
	}
	if len(op.Calls) == 0 {
		return OperationResult{}, ErrEmptyOperation
	}
	hash, err := OperationHash(f.cfg.Address, op)
	if err != nil {
		return OperationResult{}, ErrInvalidSignature.With("%v", err)
	}
	if err := a.ValidateOperationSignature(op, hash); err != nil {
		return OperationResult{}, err
	}
	cost := f.Cost(len(op.Calls))
	if cost > op.MaxCost {
		return OperationResult{}, ErrMaxCostTooLow.With("cost %d > max %d", cost, op.MaxCost)
	}
	if err := a.consumeNonce(c, op.Nonce); err != nil {
		return OperationResult{}, err
	}

	var token string
	if op.Sponsored {
		if f.sponsor == nil {
			return OperationResult{}, kernel.ErrNoContract.With("sponsorship not configured")
		}
		d, err := f.sponsor.Evaluate(c, a.address, op.MaxCost)
		if err != nil {
			return OperationResult{}, err
		}
		if !d.Approved {
			return OperationResult{}, d.Err()
		}
		token = d.Token
	} else if cost > 0 {
		if err := f.bank.Transfer(c.As(a.address), a.address, f.cfg.Executor, cost); err != nil {
			return OperationResult{}, err
		}
	}

	res := OperationResult{Hash: hash, Nonce: op.Nonce, Cost: cost, Sponsored: op.Sponsored, FailedCall: -1}

	targets := make([]kernel.Address, len(op.Calls))
	values := make([]int64, len(op.Calls))
	datas := make([][]byte, len(op.Calls))
	for i, call := range op.Calls {
		targets[i], values[i], datas[i] = call.Target, call.Value, call.Data
	}
	results, batchErr := a.executeBatch(c, targets, values, datas)

	if op.Sponsored {
		if err := f.sponsor.Settle(c, token, cost, batchErr != nil); err != nil {
			return OperationResult{}, err
		}
	}

	if batchErr != nil {
		res.Reason = kernel.CodeOf(batchErr)
		res.Detail = batchErr.Error()
		var ce *CallError
		if errors.As(batchErr, &ce) {
			res.FailedCall = ce.Index
		}
		c.Emit(a.address, "identity.operation_failed", map[string]any{
			"identity": a.address,
			"nonce":    op.Nonce,
			"hash":     hash,
			"reason":   res.Reason,
		})
		f.logger.Warn("operation batch failed", "identity", a.address, "nonce", op.Nonce, "reason", res.Reason)
		return res, nil
	}

	res.Success = true
	res.Results = results
	c.Emit(a.address, "identity.operation_executed", map[string]any{
		"identity": a.address,
		"nonce":    op.Nonce,
		"hash":     hash,
		"calls":    len(op.Calls),
		"cost":     cost,
	})
	return res, nil
}
