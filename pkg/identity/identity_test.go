package identity_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/finance"
	"github.com/Mindburn-Labs/paycore/pkg/identity"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
	"github.com/Mindburn-Labs/paycore/pkg/sponsor"
)

const (
	factoryAddr kernel.Address = "0x00000000000000000000000000000000000000f1"
	executor    kernel.Address = "0x00000000000000000000000000000000000000e1"
	admin       kernel.Address = "0x000000000000000000000000000000000000000a"
	sponsorAddr kernel.Address = "0x00000000000000000000000000000000000005e0"
	counterAddr kernel.Address = "0x0000000000000000000000000000000000000c01"
	merchant    kernel.Address = "0x0000000000000000000000000000000000000b0b"
	stranger    kernel.Address = "0x0000000000000000000000000000000000000bad"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// counter is a toy contract: "incr" bumps a journaled counter, "fail"
// always rejects.
type counter struct {
	n       int
	callers []kernel.Address
}

func (k *counter) Invoke(c *kernel.Call, value int64, method string, _ json.RawMessage) (any, error) {
	switch method {
	case "incr":
		k.n++
		k.callers = append(k.callers, c.Caller())
		c.OnRollback(func() {
			k.n--
			k.callers = k.callers[:len(k.callers)-1]
		})
		return k.n, nil
	case "fail":
		return nil, kernel.NewError(kernel.CategoryValidation, "Boom", "counter refused")
	}
	return nil, kernel.ErrUnknownMethod
}

type fixture struct {
	bank    *finance.Bank
	factory *identity.Factory
	counter *counter
	owner   *crypto.Ed25519Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bank := finance.NewBank(finance.DefaultAsset)
	router := kernel.NewRouter()
	k := &counter{}
	router.Register(counterAddr, k)

	f, err := identity.NewFactory(identity.Config{
		Address:     factoryAddr,
		Executor:    executor,
		Owner:       admin,
		BaseCost:    100,
		PerCallCost: 50,
	}, bank, router)
	require.NoError(t, err)

	owner, err := crypto.NewEd25519Signer("owner")
	require.NoError(t, err)
	return &fixture{bank: bank, factory: f, counter: k, owner: owner}
}

func call(caller kernel.Address) *kernel.Call {
	return kernel.NewCall(context.Background(), "test", caller, t0)
}

func (fx *fixture) provision(t *testing.T, salt string) *identity.Account {
	t.Helper()
	addr, err := fx.factory.Provision(call(executor), salt, identity.InitData{
		OwnerKey:             fx.owner.PublicKey(),
		RecoveryCredentialID: "cred-1",
		RecoveryKeyHash:      "0xabc",
	})
	require.NoError(t, err)
	acct, err := fx.factory.Account(addr)
	require.NoError(t, err)
	return acct
}

func incr() []byte {
	data, _ := kernel.EncodeCalldata("incr", nil)
	return data
}

func failing() []byte {
	data, _ := kernel.EncodeCalldata("fail", nil)
	return data
}

func TestProvision_AddressIsPredictable(t *testing.T) {
	fx := newFixture(t)
	want := fx.factory.ComputeAddress("user-42")
	acct := fx.provision(t, "user-42")
	assert.Equal(t, want, acct.Address())
	assert.True(t, fx.factory.Exists(want))

	view, err := fx.factory.Get(want)
	require.NoError(t, err)
	assert.Equal(t, fx.owner.PublicKey(), view.OwnerKey)
	assert.Equal(t, fx.owner.Address(), view.OwnerAddress)
	assert.Equal(t, "cred-1", view.RecoveryCredentialID)
	assert.Equal(t, uint64(0), view.Nonce)
	assert.Equal(t, identity.DefaultTemplate, view.Template)
	assert.Equal(t, t0, view.CreatedAt)
}

func TestProvision_Twice(t *testing.T) {
	fx := newFixture(t)
	fx.provision(t, "salt")
	_, err := fx.factory.Provision(call(executor), "salt", identity.InitData{OwnerKey: fx.owner.PublicKey()})
	assert.ErrorIs(t, err, identity.ErrAlreadyProvisioned)
}

func TestProvision_InvalidInitData(t *testing.T) {
	fx := newFixture(t)
	for _, key := range []string{"", "not-a-key", "zShort"} {
		_, err := fx.factory.Provision(call(executor), "s", identity.InitData{OwnerKey: key})
		assert.ErrorIs(t, err, identity.ErrInvalidInitData, "key %q", key)
	}
	assert.Empty(t, fx.factory.Addresses())
}

func TestProvision_RolledBack(t *testing.T) {
	fx := newFixture(t)
	c := call(executor)
	addr, err := fx.factory.Provision(c, "tmp", identity.InitData{OwnerKey: fx.owner.PublicKey()})
	require.NoError(t, err)
	c.Rollback()
	assert.False(t, fx.factory.Exists(addr))
}

func TestTemplateUpgradeChangesFutureAddresses(t *testing.T) {
	fx := newFixture(t)
	old := fx.provision(t, "salt-a")
	before := fx.factory.ComputeAddress("salt-b")

	require.NoError(t, fx.factory.ApplyUpgrade(call(admin), crypto.Keccak256Hex([]byte("paycore.account.v2"))))
	assert.NotEqual(t, before, fx.factory.ComputeAddress("salt-b"))
	assert.True(t, fx.factory.Exists(old.Address()), "existing accounts keep their address")

	err := fx.factory.ApplyUpgrade(call(admin), "0x1234")
	assert.ErrorIs(t, err, kernel.ErrBadCalldata)
}

func TestExecute_Authorization(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")

	_, err := acct.Execute(call(stranger), counterAddr, 0, incr())
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	res, err := acct.Execute(call(fx.owner.Address()), counterAddr, 0, incr())
	require.NoError(t, err)
	assert.Equal(t, 1, res)

	_, err = acct.Execute(call(acct.Address()), counterAddr, 0, incr())
	require.NoError(t, err)
	assert.Equal(t, []kernel.Address{acct.Address(), acct.Address()}, fx.counter.callers,
		"the target sees the account as caller")
}

func TestExecute_ExecutorNeedsSignedOperation(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(executor)
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 1_000))

	_, err := acct.Execute(c, merchant, 1_000, nil)
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	_, err = acct.ExecuteBatch(c, []kernel.Address{counterAddr}, []int64{0}, [][]byte{incr()})
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	mallory, err := crypto.NewEd25519Signer("mallory")
	require.NoError(t, err)
	rotate, err := kernel.EncodeCalldata("rotateOwner", identity.RotateOwnerArgs{NewOwnerKey: mallory.PublicKey()})
	require.NoError(t, err)
	_, err = acct.Execute(c, acct.Address(), 0, rotate)
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	view := acct.View()
	assert.Equal(t, fx.owner.PublicKey(), view.OwnerKey)
	assert.Equal(t, int64(1_000), view.Balance)
	assert.Zero(t, fx.bank.BalanceOf(merchant))
	assert.Zero(t, fx.counter.n)
}

func TestExecute_ValueToContractNeedsMethod(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(fx.owner.Address())
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 1_000))

	_, err := acct.Execute(c, counterAddr, 400, nil)
	assert.ErrorIs(t, err, kernel.ErrBadCalldata)
	assert.Zero(t, fx.bank.BalanceOf(counterAddr))
	assert.Equal(t, int64(1_000), fx.bank.BalanceOf(acct.Address()))

	_, err = acct.Execute(c, counterAddr, 400, incr())
	require.NoError(t, err)
	assert.Equal(t, int64(400), fx.bank.BalanceOf(counterAddr))
}

func TestExecute_ValueAndMissingContract(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(fx.owner.Address())
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 1_000))

	_, err := acct.Execute(c, merchant, 300, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(300), fx.bank.BalanceOf(merchant))

	_, err = acct.Execute(c, merchant, 0, incr())
	assert.ErrorIs(t, err, kernel.ErrNoContract)

	_, err = acct.Execute(c, merchant, 5_000, nil)
	assert.ErrorIs(t, err, finance.ErrInsufficientFunds)
}

func TestExecuteBatch_LengthMismatch(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	_, err := acct.ExecuteBatch(call(fx.owner.Address()),
		[]kernel.Address{counterAddr, counterAddr},
		[]int64{0},
		[][]byte{incr(), incr()})
	assert.ErrorIs(t, err, identity.ErrLengthMismatch)
	assert.Zero(t, fx.counter.n)
}

func TestExecuteBatch_AllOrNothing(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(fx.owner.Address())
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 1_000))

	_, err := acct.ExecuteBatch(c,
		[]kernel.Address{counterAddr, merchant, counterAddr},
		[]int64{0, 250, 0},
		[][]byte{incr(), nil, failing()})
	require.Error(t, err)

	var ce *identity.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Index)
	assert.Equal(t, "Boom", kernel.CodeOf(err))
	assert.Zero(t, fx.counter.n)
	assert.Zero(t, fx.bank.BalanceOf(merchant))
	assert.Equal(t, int64(1_000), fx.bank.BalanceOf(acct.Address()))

	results, err := acct.ExecuteBatch(c,
		[]kernel.Address{counterAddr, counterAddr},
		[]int64{0, 0},
		[][]byte{incr(), incr()})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, results)
}

func TestRotateOwner(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	next, err := crypto.NewEd25519Signer("next")
	require.NoError(t, err)

	err = acct.RotateOwner(call(executor), next.PublicKey(), "cred-2", "0xdef")
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized, "the executor cannot rotate on its own authority")

	err = acct.RotateOwner(call(fx.owner.Address()), "", "cred-2", "0xdef")
	assert.ErrorIs(t, err, identity.ErrInvalidOwner)

	c := call(fx.owner.Address())
	require.NoError(t, acct.RotateOwner(c, next.PublicKey(), "cred-2", "0xdef"))
	view := acct.View()
	assert.Equal(t, next.PublicKey(), view.OwnerKey)
	assert.Equal(t, "cred-2", view.RecoveryCredentialID)
	assert.Equal(t, "0xdef", view.RecoveryKeyHash)

	types := make([]string, 0)
	for _, ev := range c.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"identity.owner_rotated", "identity.credential_updated"}, types)

	_, err = acct.Execute(call(fx.owner.Address()), counterAddr, 0, incr())
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized, "the old owner lost control")
}

func (fx *fixture) signed(t *testing.T, acct *identity.Account, nonce uint64, sponsored bool, calls ...identity.CallSpec) identity.Operation {
	t.Helper()
	op := identity.Operation{
		Sender:    acct.Address(),
		Nonce:     nonce,
		Calls:     calls,
		MaxCost:   1_000,
		Sponsored: sponsored,
	}
	require.NoError(t, identity.SignOperation(fx.owner, factoryAddr, &op))
	return op
}

func TestHandleOperation_Unsponsored(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(executor)
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 10_000))

	op := fx.signed(t, acct, 0, false,
		identity.CallSpec{Target: counterAddr, Data: incr()},
		identity.CallSpec{Target: merchant, Value: 500})

	res, err := acct.HandleOperation(c, op)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(200), res.Cost)
	assert.Equal(t, int64(200), fx.bank.BalanceOf(executor))
	assert.Equal(t, int64(500), fx.bank.BalanceOf(merchant))
	assert.Equal(t, uint64(1), acct.Nonce())

	_, err = acct.HandleOperation(c, op)
	assert.ErrorIs(t, err, identity.ErrInvalidNonce, "replay")
}

func TestHandleOperation_Rejections(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(executor)
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 10_000))
	spec := identity.CallSpec{Target: counterAddr, Data: incr()}

	op := fx.signed(t, acct, 0, false, spec)
	_, err := acct.HandleOperation(call(stranger), op)
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	tampered := op
	tampered.MaxCost = 999
	_, err = acct.HandleOperation(c, tampered)
	assert.ErrorIs(t, err, identity.ErrInvalidSignature)

	_, err = acct.HandleOperation(c, fx.signed(t, acct, 0, false))
	assert.ErrorIs(t, err, identity.ErrEmptyOperation)

	_, err = acct.HandleOperation(c, fx.signed(t, acct, 5, false, spec))
	assert.ErrorIs(t, err, identity.ErrInvalidNonce)

	cheap := identity.Operation{Sender: acct.Address(), Calls: []identity.CallSpec{spec}, MaxCost: 10}
	require.NoError(t, identity.SignOperation(fx.owner, factoryAddr, &cheap))
	_, err = acct.HandleOperation(c, cheap)
	assert.ErrorIs(t, err, identity.ErrMaxCostTooLow)

	otherFactory := identity.Operation{Sender: acct.Address(), Calls: []identity.CallSpec{spec}, MaxCost: 1_000}
	require.NoError(t, identity.SignOperation(fx.owner, "0x00000000000000000000000000000000000000f2", &otherFactory))
	_, err = acct.HandleOperation(c, otherFactory)
	assert.ErrorIs(t, err, identity.ErrInvalidSignature)

	assert.Equal(t, uint64(0), acct.Nonce())
	assert.Zero(t, fx.counter.n)
}

func TestHandleOperation_FailedBatchConsumesNonce(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(executor)
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 10_000))

	op := fx.signed(t, acct, 0, false,
		identity.CallSpec{Target: counterAddr, Data: incr()},
		identity.CallSpec{Target: counterAddr, Data: failing()})

	res, err := acct.HandleOperation(c, op)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Boom", res.Reason)
	assert.Equal(t, 1, res.FailedCall)
	assert.Zero(t, fx.counter.n, "batch effects rolled back")
	assert.Equal(t, uint64(1), acct.Nonce())
	assert.Equal(t, int64(200), fx.bank.BalanceOf(executor), "cost still paid")
}

func TestHandleOperation_Sponsored(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")

	eng, err := sponsor.NewEngine(sponsor.Config{
		Address:  sponsorAddr,
		Owner:    admin,
		Executor: executor,
		Policy:   sponsor.Policy{PerOpCap: 1_000, PerDayCap: 1_200},
	}, sponsor.NewMemoryStorage(), fx.bank)
	require.NoError(t, err)
	fx.factory.WithSponsor(eng)

	setup := call(admin)
	require.NoError(t, fx.bank.Credit(setup, admin, 100_000))
	require.NoError(t, eng.Deposit(setup, 100_000))

	c := call(executor)
	_, err = acct.HandleOperation(c, fx.signed(t, acct, 0, true, identity.CallSpec{Target: counterAddr, Data: incr()}))
	assert.ErrorIs(t, err, sponsor.ErrNotEligible)
	c.Rollback()
	assert.Equal(t, uint64(0), acct.Nonce())

	require.NoError(t, eng.SetEligible(setup, acct.Address(), true))

	c = call(executor)
	res, err := acct.HandleOperation(c, fx.signed(t, acct, 0, true, identity.CallSpec{Target: counterAddr, Data: incr()}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Sponsored)
	assert.Zero(t, fx.bank.BalanceOf(acct.Address()), "account pays nothing")
	assert.Equal(t, int64(150), fx.bank.BalanceOf(executor))

	consumed, err := eng.DailyConsumed(context.Background(), acct.Address(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(150), consumed)

	// Declared cost is held against the 1200 cap: 150 + 1000 fits.
	res, err = acct.HandleOperation(c, fx.signed(t, acct, 1, true, identity.CallSpec{Target: counterAddr, Data: failing()}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	consumed, _ = eng.DailyConsumed(context.Background(), acct.Address(), t0)
	assert.Equal(t, int64(150), consumed, "aborted batch consumes nothing")

	_, err = acct.HandleOperation(c, fx.signed(t, acct, 2, true, identity.CallSpec{Target: counterAddr, Data: incr()}))
	require.NoError(t, err)
	// 300 + 1000 does not.
	_, err = acct.HandleOperation(c, fx.signed(t, acct, 3, true, identity.CallSpec{Target: counterAddr, Data: incr()}))
	assert.ErrorIs(t, err, sponsor.ErrDailyCapExceeded)
}

func TestRotateOwnerThroughOperation(t *testing.T) {
	fx := newFixture(t)
	acct := fx.provision(t, "salt")
	c := call(executor)
	require.NoError(t, fx.bank.Credit(c, acct.Address(), 10_000))

	next, err := crypto.NewEd25519Signer("next")
	require.NoError(t, err)
	data, err := kernel.EncodeCalldata("rotateOwner", identity.RotateOwnerArgs{
		NewOwnerKey:             next.PublicKey(),
		NewRecoveryCredentialID: "cred-9",
	})
	require.NoError(t, err)

	res, err := acct.HandleOperation(c, fx.signed(t, acct, 0, false, identity.CallSpec{Target: acct.Address(), Data: data}))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, next.Address(), acct.Owner())

	// Operations signed by the old owner no longer validate.
	_, err = acct.HandleOperation(c, fx.signed(t, acct, 1, false, identity.CallSpec{Target: counterAddr, Data: incr()}))
	assert.ErrorIs(t, err, identity.ErrInvalidSignature)
}
