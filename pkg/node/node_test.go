package node_test

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
	"github.com/Mindburn-Labs/paycore/pkg/governor"
	"github.com/Mindburn-Labs/paycore/pkg/identity"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
	"github.com/Mindburn-Labs/paycore/pkg/node"
	"github.com/Mindburn-Labs/paycore/pkg/sponsor"
)

const (
	owner    kernel.Address = "0x000000000000000000000000000000000000000a"
	executor kernel.Address = "0x00000000000000000000000000000000000000e1"
	sender   kernel.Address = "0x0000000000000000000000000000000000000005"
	claimant kernel.Address = "0x0000000000000000000000000000000000000c1a"
	merchant kernel.Address = "0x000000000000000000000000000000000000beef"
	stranger kernel.Address = "0x0000000000000000000000000000000000000bad"

	commitment = "0x9f2c4e1ab8d6f03e5c7a9b1d2e4f60718293a4b5c6d7e8f90a1b2c3d4e5f6071"
)

var T = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	node     *node.Node
	log      *kernel.InMemoryTotalOrderLog
	clock    *clock
	attester *crypto.Ed25519Signer
	cfg      node.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	attester, err := crypto.NewEd25519Signer("attester")
	require.NoError(t, err)
	clk := &clock{now: T}
	cfg := node.Config{
		Owner:    owner,
		Executor: executor,
		Attester: attester.PublicKey(),
		Policy: sponsor.Policy{
			PerOpCap:   1_000,
			PerDayCap:  5_000,
			MinReserve: 10_000,
		},
		BaseCost:    100,
		PerCallCost: 50,
		Clock:       clk.Now,
	}
	log := kernel.NewInMemoryTotalOrderLog()
	n, err := node.New(cfg, log)
	require.NoError(t, err)
	return &harness{node: n, log: log, clock: clk, attester: attester, cfg: cfg}
}

func (h *harness) proof(t *testing.T, id string, who kernel.Address) string {
	t.Helper()
	p, err := crypto.SignRecipientProof(h.attester, crypto.NewRecipientBinding(node.EscrowAddress, id, commitment, who))
	require.NoError(t, err)
	return p
}

func TestEscrowEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.node.Fund(ctx, owner, sender, 1_000))

	in, err := h.node.CreateIntent(ctx, sender, "I1", sender, commitment, 100, T.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusOpen, in.Status)

	h.clock.advance(10 * time.Second)
	checks, err := h.node.CheckIntent(ctx, "I1", sender, claimant, h.proof(t, "I1", claimant))
	require.NoError(t, err)
	assert.True(t, checks.CanRelease)
	assert.True(t, checks.CanRevoke)
	assert.False(t, checks.CanRefund)

	in, err = h.node.ReleaseIntent(ctx, stranger, "I1", claimant, h.proof(t, "I1", claimant))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, in.Status)

	bal, err := h.node.Balance(ctx, claimant)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
	total, err := h.node.EscrowedTotal(ctx, sender)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = h.node.RefundIntent(ctx, sender, "I1")
	assert.ErrorIs(t, err, escrow.ErrIntentAlreadyReleased)
}

func TestRejectedOperationIsNotLogged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.node.Fund(ctx, owner, sender, 50))

	before, err := h.log.Len(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, h.node.Fund(ctx, stranger, stranger, 1), kernel.ErrNotAuthorized)
	_, err = h.node.CreateIntent(ctx, sender, "I1", sender, commitment, 100, T.Add(time.Hour))
	assert.ErrorIs(t, err, finance.ErrInsufficientFunds)

	after, err := h.log.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = h.node.Intent(ctx, "I1")
	assert.ErrorIs(t, err, escrow.ErrIntentNotFound)
	bal, err := h.node.Balance(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
}

func (h *harness) provision(t *testing.T, signer *crypto.Ed25519Signer, salt string) kernel.Address {
	t.Helper()
	ctx := context.Background()
	want, err := h.node.ComputeAddress(ctx, salt)
	require.NoError(t, err)
	addr, err := h.node.Provision(ctx, executor, salt, identity.InitData{
		OwnerKey:             signer.PublicKey(),
		RecoveryCredentialID: "cred-1",
		RecoveryKeyHash:      "0xabc",
	})
	require.NoError(t, err)
	require.Equal(t, want, addr)
	return addr
}

func signed(t *testing.T, signer *crypto.Ed25519Signer, ident kernel.Address, nonce uint64, calls ...identity.CallSpec) identity.Operation {
	t.Helper()
	op := identity.Operation{Sender: ident, Nonce: nonce, Calls: calls, MaxCost: 500, Sponsored: true}
	require.NoError(t, identity.SignOperation(signer, node.FactoryAddress, &op))
	return op
}

func TestSponsoredOperationEscrowsFromIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	signer, err := crypto.NewEd25519Signer("alice")
	require.NoError(t, err)
	ident := h.provision(t, signer, "alice")

	require.NoError(t, h.node.Fund(ctx, owner, owner, 50_000))
	require.NoError(t, h.node.Deposit(ctx, owner, 20_000))
	require.NoError(t, h.node.Fund(ctx, owner, ident, 1_000))

	d, err := h.node.CheckSponsorship(ctx, ident, 500)
	require.NoError(t, err)
	assert.Equal(t, sponsor.ReasonNotEligible, d.Reason)
	require.NoError(t, h.node.SetEligible(ctx, owner, ident, true))

	create, err := kernel.EncodeCalldata("create", escrow.CreateArgs{
		IntentID:            "I-alice",
		RecipientCommitment: commitment,
		Amount:              300,
		Expiry:              T.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	op := signed(t, signer, ident, 0,
		identity.CallSpec{Target: node.EscrowAddress, Data: create},
		identity.CallSpec{Target: merchant, Value: 200})

	res, err := h.node.SubmitOperation(ctx, executor, op)
	require.NoError(t, err)
	require.True(t, res.Success, res.Detail)
	assert.Equal(t, int64(200), res.Cost)

	in, err := h.node.Intent(ctx, "I-alice")
	require.NoError(t, err)
	assert.Equal(t, ident, in.Sender)

	for addr, want := range map[kernel.Address]int64{
		ident:    500,
		merchant: 200,
		executor: 200,
	} {
		got, err := h.node.Balance(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, want, got, addr)
	}
	reserve, err := h.node.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(19_800), reserve)

	acct, err := h.node.SponsorshipAccount(ctx, ident)
	require.NoError(t, err)
	assert.Equal(t, int64(200), acct.DailyConsumed)
	assert.Zero(t, acct.DailyPending)

	view, err := h.node.Identity(ctx, ident)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), view.Nonce)
}

func TestUpgradeThroughGovernor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	hash := crypto.Keccak256Hex([]byte("escrow-v2"))

	_, err := h.node.QueueUpgrade(ctx, stranger, hash)
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	p, err := h.node.QueueUpgrade(ctx, owner, hash)
	require.NoError(t, err)
	assert.Equal(t, T.Add(governor.DefaultGracePeriod), p.ETA)

	h.clock.advance(governor.DefaultGracePeriod - time.Second)
	assert.ErrorIs(t, h.node.Upgrade(ctx, owner, escrow.ComponentName, hash), governor.ErrUpgradeBlocked)
	_, ok, err := h.node.PendingUpgrade(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	h.clock.advance(time.Second)
	require.NoError(t, h.node.Upgrade(ctx, owner, escrow.ComponentName, hash))

	comps, err := h.node.Components(ctx)
	require.NoError(t, err)
	assert.Equal(t, hash, comps[escrow.ComponentName])

	releases := h.node.Releases()
	require.Equal(t, 1, releases.Length())
	r, err := releases.GetRelease(0)
	require.NoError(t, err)
	assert.Equal(t, escrow.ComponentName, r.Component)
	assert.True(t, r.QueuedAt.Equal(T))
}

func TestReplayRebuildsState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	signer, err := crypto.NewEd25519Signer("alice")
	require.NoError(t, err)
	ident := h.provision(t, signer, "alice")

	require.NoError(t, h.node.Fund(ctx, owner, sender, 1_000))
	require.NoError(t, h.node.Fund(ctx, owner, ident, 400))
	_, err = h.node.CreateIntent(ctx, sender, "I1", sender, commitment, 100, T.Add(time.Hour))
	require.NoError(t, err)
	_, err = h.node.CreateIntent(ctx, executor, "I2", sender, commitment, 250, T.Add(2*time.Hour))
	require.NoError(t, err)
	h.clock.advance(time.Minute)
	_, err = h.node.ReleaseIntent(ctx, executor, "I1", claimant, h.proof(t, "I1", claimant))
	require.NoError(t, err)
	_, err = h.node.Execute(ctx, signer.Address(), ident, merchant, 150, nil)
	require.NoError(t, err)
	_, err = h.node.ExecuteBatch(ctx, signer.Address(), ident,
		[]kernel.Address{merchant, claimant}, []int64{10, 20}, []json.RawMessage{nil, nil})
	require.NoError(t, err)
	h.clock.advance(3 * time.Hour)
	_, err = h.node.RefundIntent(ctx, stranger, "I2")
	require.NoError(t, err)

	ok, length, err := h.node.VerifyLog(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	replica, err := node.New(h.cfg, h.log)
	require.NoError(t, err)
	n, err := replica.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, length, n)

	for _, addr := range []kernel.Address{sender, claimant, merchant, ident, node.EscrowAddress} {
		want, err := h.node.Balance(ctx, addr)
		require.NoError(t, err)
		got, err := replica.Balance(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, want, got, addr)
	}
	for _, id := range []string{"I1", "I2"} {
		want, err := h.node.Intent(ctx, id)
		require.NoError(t, err)
		got, err := replica.Intent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want.Status, got.Status, id)
	}
	assert.Equal(t, h.node.Events().Head(), replica.Events().Head())

	// The replica keeps committing after the replayed tail.
	assert.False(t, replica.Now().Before(T.Add(3*time.Hour+time.Minute)))
}

func TestSetPolicyValue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	assert.ErrorIs(t, h.node.SetPolicyValue(ctx, owner, "bogus", 1), sponsor.ErrInvalidPolicy)
	assert.ErrorIs(t, h.node.SetPolicyValue(ctx, stranger, "perOpCap", 1), kernel.ErrNotAuthorized)
	require.NoError(t, h.node.SetPolicyValue(ctx, owner, "perOpCap", 10))
	require.NoError(t, h.node.SetPolicyValue(ctx, owner, "minReserve", 0))
	require.NoError(t, h.node.SetEligible(ctx, owner, sender, true))

	d, err := h.node.CheckSponsorship(ctx, sender, 11)
	require.NoError(t, err)
	assert.Equal(t, sponsor.ReasonOpCapExceeded, d.Reason)

	acct, err := h.node.SponsorshipAccount(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.PerOpCap)
	assert.Zero(t, acct.MinReserve)
}

func TestExecutorCannotActWithoutOwnerSignature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, err := crypto.NewEd25519Signer("alice")
	require.NoError(t, err)
	mallory, err := crypto.NewEd25519Signer("mallory")
	require.NoError(t, err)
	ident := h.provision(t, alice, "alice")
	require.NoError(t, h.node.Fund(ctx, owner, ident, 1_000))

	rotate, err := kernel.EncodeCalldata("rotateOwner", identity.RotateOwnerArgs{NewOwnerKey: mallory.PublicKey()})
	require.NoError(t, err)
	_, err = h.node.Execute(ctx, executor, ident, ident, 0, rotate)
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	_, err = h.node.Execute(ctx, executor, ident, stranger, 1_000, nil)
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	_, err = h.node.ExecuteBatch(ctx, executor, ident,
		[]kernel.Address{stranger}, []int64{1_000}, []json.RawMessage{nil})
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	err = h.node.RotateOwner(ctx, executor, ident, identity.RotateOwnerArgs{NewOwnerKey: mallory.PublicKey()})
	assert.ErrorIs(t, err, kernel.ErrNotAuthorized)

	view, err := h.node.Identity(ctx, ident)
	require.NoError(t, err)
	assert.Equal(t, alice.PublicKey(), view.OwnerKey)
	assert.Equal(t, int64(1_000), view.Balance)
	bal, err := h.node.Balance(ctx, stranger)
	require.NoError(t, err)
	assert.Zero(t, bal)
}
