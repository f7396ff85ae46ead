package escrow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/escrow"
	"github.com/Mindburn-Labs/paycore/pkg/finance"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

const (
	custody  kernel.Address = "0x00000000000000000000000000000000000e5c40"
	owner    kernel.Address = "0x000000000000000000000000000000000000000a"
	executor kernel.Address = "0x00000000000000000000000000000000000000e1"
	sender   kernel.Address = "0x0000000000000000000000000000000000000005"
	claimant kernel.Address = "0x0000000000000000000000000000000000000c1a"
	stranger kernel.Address = "0x0000000000000000000000000000000000000bad"

	commitment = "0x9f2c4e1ab8d6f03e5c7a9b1d2e4f60718293a4b5c6d7e8f90a1b2c3d4e5f6071"
)

var T = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	bank     *finance.Bank
	ledger   *escrow.Ledger
	attester *crypto.Ed25519Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	attester, err := crypto.NewEd25519Signer("attester")
	require.NoError(t, err)
	bank := finance.NewBank(finance.DefaultAsset)
	l, err := escrow.NewLedger(escrow.Config{
		Address:  custody,
		Owner:    owner,
		Executor: executor,
		Attester: attester.PublicKey(),
	}, bank)
	require.NoError(t, err)
	require.NoError(t, bank.Credit(at(sender, T), sender, 1_000))
	return &fixture{bank: bank, ledger: l, attester: attester}
}

func at(caller kernel.Address, now time.Time) *kernel.Call {
	return kernel.NewCall(context.Background(), "test", caller, now)
}

func (f *fixture) proof(t *testing.T, id string, who kernel.Address) string {
	t.Helper()
	p, err := crypto.SignRecipientProof(f.attester, crypto.NewRecipientBinding(custody, id, commitment, who))
	require.NoError(t, err)
	return p
}

func (f *fixture) create(t *testing.T, id string, amount int64, expiry time.Time) {
	t.Helper()
	_, err := f.ledger.Create(at(sender, T), id, sender, commitment, amount, expiry)
	require.NoError(t, err)
}

// create("I1", S, H, 100, T+86400); release at T+10.
func TestScenario_ReleaseWithinExpiry(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(86400*time.Second))
	assert.Equal(t, int64(100), f.ledger.EscrowedTotal(sender))
	assert.Equal(t, int64(900), f.bank.BalanceOf(sender))

	in, err := f.ledger.Release(at(stranger, T.Add(10*time.Second)), "I1", claimant, f.proof(t, "I1", claimant))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, in.Status)
	assert.Equal(t, claimant, in.Claimant)
	assert.Equal(t, int64(100), f.bank.BalanceOf(claimant))
	assert.Zero(t, f.ledger.EscrowedTotal(sender))
	assert.Zero(t, f.ledger.CustodyBalance())
}

// create("I1", S, H, 100, T+1); release at T+2 fails; refund at T+2.
func TestScenario_ExpiredThenRefund(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(time.Second))

	_, err := f.ledger.Release(at(claimant, T.Add(2*time.Second)), "I1", claimant, f.proof(t, "I1", claimant))
	assert.ErrorIs(t, err, escrow.ErrIntentExpired)

	in, err := f.ledger.Refund(at(stranger, T.Add(2*time.Second)), "I1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRevoked, in.Status)
	assert.True(t, in.Refunded)
	assert.Equal(t, int64(1_000), f.bank.BalanceOf(sender))
	assert.Zero(t, f.ledger.EscrowedTotal(sender))
}

// revoke("I1") by a non-sender.
func TestScenario_RevokeByNonSender(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(time.Hour*24))
	before, err := f.ledger.Intent("I1")
	require.NoError(t, err)

	c := at(stranger, T.Add(time.Minute))
	_, err = f.ledger.Revoke(c, "I1")
	assert.ErrorIs(t, err, escrow.ErrUnauthorizedSender)
	assert.Empty(t, c.Events())

	after, err := f.ledger.Intent("I1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(100), f.ledger.EscrowedTotal(sender))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	c := at(sender, T)

	_, err := f.ledger.Create(c, "I1", sender, commitment, 0, T.Add(time.Hour))
	assert.ErrorIs(t, err, escrow.ErrInvalidAmount)
	_, err = f.ledger.Create(c, "I1", sender, commitment, 10, T)
	assert.ErrorIs(t, err, escrow.ErrInvalidExpiry, "expiry must be strictly after now")
	_, err = f.ledger.Create(c, "I1", sender, commitment, 10, T.Add(escrow.DefaultMaxDuration+time.Second))
	assert.ErrorIs(t, err, escrow.ErrInvalidExpiry)
	_, err = f.ledger.Create(c, "", sender, commitment, 10, T.Add(time.Hour))
	assert.ErrorIs(t, err, escrow.ErrInvalidIntentID)
	_, err = f.ledger.Create(at(stranger, T), "I1", sender, commitment, 10, T.Add(time.Hour))
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	_, err = f.ledger.Create(c, "I1", sender, commitment, 10, T.Add(escrow.DefaultMaxDuration))
	require.NoError(t, err, "expiry at exactly now+maxDuration is allowed")
	_, err = f.ledger.Create(c, "I1", sender, commitment, 10, T.Add(time.Hour))
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyExists)

	_, err = f.ledger.Create(at(executor, T), "I2", sender, commitment, 20, T.Add(time.Hour))
	require.NoError(t, err, "the executor creates on behalf of the sender")
	assert.Equal(t, int64(30), f.ledger.EscrowedTotal(sender))
}

func TestCreate_InsufficientFundsLeavesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Create(at(sender, T), "big", sender, commitment, 5_000, T.Add(time.Hour))
	assert.ErrorIs(t, err, finance.ErrInsufficientFunds)
	_, err = f.ledger.Intent("big")
	assert.ErrorIs(t, err, escrow.ErrIntentNotFound)
	assert.Zero(t, f.ledger.EscrowedTotal(sender))
}

func TestRelease_Proofs(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(time.Hour))
	now := T.Add(time.Minute)

	// Proof for someone else, for another intent, from another key.
	_, err := f.ledger.Release(at(claimant, now), "I1", claimant, f.proof(t, "I1", stranger))
	assert.ErrorIs(t, err, escrow.ErrInvalidRecipientProof)
	_, err = f.ledger.Release(at(claimant, now), "I1", claimant, f.proof(t, "I2", claimant))
	assert.ErrorIs(t, err, escrow.ErrInvalidRecipientProof)
	rogue, err := crypto.NewEd25519Signer("rogue")
	require.NoError(t, err)
	forged, err := crypto.SignRecipientProof(rogue, crypto.NewRecipientBinding(custody, "I1", commitment, claimant))
	require.NoError(t, err)
	_, err = f.ledger.Release(at(claimant, now), "I1", claimant, forged)
	assert.ErrorIs(t, err, escrow.ErrInvalidRecipientProof)
	_, err = f.ledger.Release(at(claimant, now), "I1", claimant, "zz")
	assert.ErrorIs(t, err, escrow.ErrInvalidRecipientProof)

	_, err = f.ledger.Release(at(claimant, now), "nope", claimant, f.proof(t, "nope", claimant))
	assert.ErrorIs(t, err, escrow.ErrIntentNotFound)

	good := f.proof(t, "I1", claimant)
	assert.True(t, f.ledger.CanRelease("I1", claimant, good, now))
	assert.False(t, f.ledger.CanRelease("I1", claimant, good, T.Add(time.Hour+time.Second)))
	// Expiry itself is still inside the window.
	_, err = f.ledger.Release(at(claimant, T.Add(time.Hour)), "I1", claimant, good)
	require.NoError(t, err)
}

func TestTerminalStatusIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.create(t, "R", 100, T.Add(2*time.Hour))
	f.create(t, "V", 100, T.Add(2*time.Hour))
	now := T.Add(time.Minute)

	_, err := f.ledger.Release(at(claimant, now), "R", claimant, f.proof(t, "R", claimant))
	require.NoError(t, err)
	_, err = f.ledger.Revoke(at(sender, now), "V")
	require.NoError(t, err)

	_, err = f.ledger.Revoke(at(sender, now), "R")
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyReleased)
	_, err = f.ledger.Release(at(claimant, now), "R", claimant, f.proof(t, "R", claimant))
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyReleased)
	_, err = f.ledger.Release(at(claimant, now), "V", claimant, f.proof(t, "V", claimant))
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyRevoked)
	_, err = f.ledger.Revoke(at(sender, now), "V")
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyRevoked)

	later := T.Add(3 * time.Hour)
	_, err = f.ledger.Refund(at(stranger, later), "R")
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyReleased)
	_, err = f.ledger.Refund(at(stranger, later), "V")
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyRevoked)
	assert.False(t, f.ledger.CanRefund("R", later))
	assert.Equal(t, int64(1_000-100), f.bank.BalanceOf(sender))
}

func TestRevokeWindow(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(24*time.Hour))

	assert.True(t, f.ledger.CanRevoke("I1", sender, T.Add(time.Hour)))
	assert.False(t, f.ledger.CanRevoke("I1", stranger, T.Add(time.Minute)))

	_, err := f.ledger.Revoke(at(sender, T.Add(time.Hour+time.Second)), "I1")
	assert.ErrorIs(t, err, escrow.ErrRevokeWindowExpired)

	in, err := f.ledger.Revoke(at(sender, T.Add(time.Hour)), "I1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRevoked, in.Status)
	assert.False(t, in.Refunded)
	assert.Equal(t, sender, in.ClosedBy)
}

func TestRefund_OnlyAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(time.Hour))

	assert.False(t, f.ledger.CanRefund("I1", T.Add(time.Hour)))
	_, err := f.ledger.Refund(at(stranger, T.Add(time.Hour)), "I1")
	assert.ErrorIs(t, err, escrow.ErrRefundNotAvailable)
	_, err = f.ledger.Refund(at(stranger, T), "missing")
	assert.ErrorIs(t, err, escrow.ErrIntentNotFound)

	assert.True(t, f.ledger.CanRefund("I1", T.Add(time.Hour+time.Second)))
	_, err = f.ledger.Refund(at(stranger, T.Add(time.Hour+time.Second)), "I1")
	require.NoError(t, err)

	_, err = f.ledger.Refund(at(stranger, T.Add(2*time.Hour)), "I1")
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyRevoked, "a refunded intent is closed")
}

func TestReentrantHookIsRejected(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(time.Hour))
	f.create(t, "I2", 100, T.Add(time.Hour))
	other := f.proof(t, "I2", claimant)

	var hookErr error
	f.bank.OnReceive(claimant, func(c *kernel.Call, from kernel.Address, amount int64) error {
		_, hookErr = f.ledger.Release(c.As(claimant), "I2", claimant, other)
		return hookErr
	})

	c := at(claimant, T.Add(time.Minute))
	_, err := f.ledger.Release(c, "I1", claimant, f.proof(t, "I1", claimant))
	assert.ErrorIs(t, hookErr, kernel.ErrReentrantCall)
	assert.ErrorIs(t, err, kernel.ErrReentrantCall)

	for _, id := range []string{"I1", "I2"} {
		in, err := f.ledger.Intent(id)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusOpen, in.Status, id)
	}
	assert.Zero(t, f.bank.BalanceOf(claimant))
	assert.Equal(t, int64(200), f.ledger.EscrowedTotal(sender))

	f.bank.OnReceive(claimant, nil)
	_, err = f.ledger.Release(at(claimant, T.Add(time.Minute)), "I1", claimant, f.proof(t, "I1", claimant))
	require.NoError(t, err, "the guard is released after a failed mutation")
}

func TestSetAttester(t *testing.T) {
	f := newFixture(t)
	f.create(t, "I1", 100, T.Add(time.Hour))
	next, err := crypto.NewEd25519Signer("next")
	require.NoError(t, err)

	assert.ErrorIs(t, f.ledger.SetAttester(at(stranger, T), next.PublicKey()), kernel.ErrNotAuthorized)
	assert.ErrorIs(t, f.ledger.SetAttester(at(owner, T), "bogus"), kernel.ErrBadCalldata)
	require.NoError(t, f.ledger.SetAttester(at(owner, T), next.PublicKey()))

	stale := f.proof(t, "I1", claimant)
	assert.False(t, f.ledger.CanRelease("I1", claimant, stale, T))
	fresh, err := crypto.SignRecipientProof(next, crypto.NewRecipientBinding(custody, "I1", commitment, claimant))
	require.NoError(t, err)
	assert.True(t, f.ledger.CanRelease("I1", claimant, fresh, T))
}

func TestInvokeFromAccount(t *testing.T) {
	f := newFixture(t)
	args, err := json.Marshal(escrow.CreateArgs{
		IntentID:            "I1",
		RecipientCommitment: commitment,
		Amount:              250,
		Expiry:              T.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	c := at(sender, T)
	_, err = f.ledger.Invoke(c, 250, "create", args)
	assert.ErrorIs(t, err, kernel.ErrBadCalldata)

	res, err := f.ledger.Invoke(c, 0, "create", args)
	require.NoError(t, err)
	in := res.(escrow.Intent)
	assert.Equal(t, sender, in.Sender)
	assert.Equal(t, int64(250), f.ledger.CustodyBalance())

	revokeArgs, _ := json.Marshal(escrow.IntentArgs{IntentID: "I1"})
	_, err = f.ledger.Invoke(at(sender, T.Add(time.Minute)), 0, "revoke", revokeArgs)
	require.NoError(t, err)

	_, err = f.ledger.Invoke(c, 0, "steal", nil)
	assert.ErrorIs(t, err, kernel.ErrUnknownMethod)
}

func TestIntentsAndUpgrade(t *testing.T) {
	f := newFixture(t)
	f.create(t, "b", 10, T.Add(time.Hour))
	f.create(t, "a", 20, T.Add(time.Hour))
	list := f.ledger.Intents(sender)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	hash := crypto.Keccak256Hex([]byte("paycore.escrow.v2"))
	c := at(owner, T)
	require.NoError(t, f.ledger.ApplyUpgrade(c, hash))
	assert.Equal(t, hash, f.ledger.CodeHash())
	c.Rollback()
	assert.Equal(t, crypto.Keccak256Hex([]byte("paycore.escrow.v1")), f.ledger.CodeHash())
}

func TestStatusJSON(t *testing.T) {
	raw, err := json.Marshal(escrow.StatusReleased)
	require.NoError(t, err)
	assert.JSONEq(t, `"Released"`, string(raw))

	var s escrow.Status
	require.NoError(t, json.Unmarshal([]byte(`"Open"`), &s))
	assert.Equal(t, escrow.StatusOpen, s)
	assert.Error(t, json.Unmarshal([]byte(`"Gone"`), &s))
}
