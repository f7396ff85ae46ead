// Package node wires the components into one serialized state machine.
// Every state change is an entry point run through the Sequencer; reads go
// through View so they observe a state between entry points.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/escrow"
	"github.com/Mindburn-Labs/paycore/pkg/finance"
	"github.com/Mindburn-Labs/paycore/pkg/governor"
	"github.com/Mindburn-Labs/paycore/pkg/identity"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
	"github.com/Mindburn-Labs/paycore/pkg/ledger"
	"github.com/Mindburn-Labs/paycore/pkg/sponsor"
)

// SystemAddress derives the fixed address of a built-in component.
func SystemAddress(name string) kernel.Address {
	return kernel.BytesToAddress(crypto.Keccak256([]byte("paycore.system." + name)))
}

// Built-in component addresses.
var (
	FactoryAddress  = SystemAddress(identity.ComponentName)
	EscrowAddress   = SystemAddress(escrow.ComponentName)
	SponsorAddress  = SystemAddress(sponsor.ComponentName)
	GovernorAddress = SystemAddress("governor")
)

// Config is everything a node needs besides its log.
type Config struct {
	// Owner administers sponsorship, the attester key and upgrades, and
	// funds balances from outside.
	Owner kernel.Address
	// Executor is the relaying channel.
	Executor kernel.Address
	// Attester is the multibase key trusted for recipient proofs.
	Attester string

	Asset        finance.Asset
	MaxDuration  time.Duration
	RevokeWindow time.Duration
	GracePeriod  time.Duration
	Policy       sponsor.Policy
	BaseCost     int64
	PerCallCost  int64

	// Storage holds sponsorship records; in memory when nil.
	Storage sponsor.Storage
	Clock   func() time.Time
	Logger  *slog.Logger
}

// Node is the composed state machine.
type Node struct {
	cfg      Config
	seq      *kernel.Sequencer
	bank     *finance.Bank
	router   *kernel.Router
	factory  *identity.Factory
	escrow   *escrow.Ledger
	sponsor  *sponsor.Engine
	governor *governor.Governor
	events   *ledger.Ledger
	releases *ledger.ReleaseLedger
	logger   *slog.Logger
}

// New composes a node over log. Call Replay before serving when the log
// is not empty.
func New(cfg Config, log kernel.TotalOrderLog) (*Node, error) {
	if cfg.Asset.Currency == "" {
		cfg.Asset = finance.DefaultAsset
	}
	if cfg.Storage == nil {
		cfg.Storage = sponsor.NewMemoryStorage()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:      cfg,
		bank:     finance.NewBank(cfg.Asset),
		router:   kernel.NewRouter(),
		events:   ledger.NewLedger(),
		releases: ledger.NewReleaseLedger(),
		logger:   logger.With("component", "node"),
	}

	n.seq = kernel.NewSequencer(log).WithLogger(logger).WithSink(n.events).WithSink(n.releases)
	if cfg.Clock != nil {
		n.seq.WithClock(cfg.Clock)
	}

	var err error
	n.escrow, err = escrow.NewLedger(escrow.Config{
		Address:      EscrowAddress,
		Owner:        cfg.Owner,
		Executor:     cfg.Executor,
		Attester:     cfg.Attester,
		MaxDuration:  cfg.MaxDuration,
		RevokeWindow: cfg.RevokeWindow,
	}, n.bank)
	if err != nil {
		return nil, fmt.Errorf("escrow: %w", err)
	}
	n.escrow.WithLogger(logger)

	n.sponsor, err = sponsor.NewEngine(sponsor.Config{
		Address:  SponsorAddress,
		Owner:    cfg.Owner,
		Executor: cfg.Executor,
		Policy:   cfg.Policy,
	}, cfg.Storage, n.bank)
	if err != nil {
		return nil, fmt.Errorf("sponsor: %w", err)
	}
	n.sponsor.WithLogger(logger)

	n.factory, err = identity.NewFactory(identity.Config{
		Address:     FactoryAddress,
		Executor:    cfg.Executor,
		Owner:       cfg.Owner,
		BaseCost:    cfg.BaseCost,
		PerCallCost: cfg.PerCallCost,
	}, n.bank, n.router)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	n.factory.WithSponsor(n.sponsor).WithLogger(logger)

	n.governor = governor.New(governor.Config{
		Address:     GovernorAddress,
		Owner:       cfg.Owner,
		GracePeriod: cfg.GracePeriod,
	}).WithLogger(logger)
	n.governor.Register(n.factory)
	n.governor.Register(n.escrow)
	n.governor.Register(n.sponsor)

	n.router.Register(EscrowAddress, n.escrow)
	n.router.Register(SponsorAddress, n.sponsor)
	return n, nil
}

// run commits op with args through the handler table.
func (n *Node) run(ctx context.Context, caller kernel.Address, op string, args any) (any, error) {
	h, ok := handlers[op]
	if !ok {
		return nil, kernel.ErrUnknownOp.With("%s", op)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", op, err)
	}
	var out any
	err = n.seq.Do(ctx, caller, op, json.RawMessage(raw), func(c *kernel.Call) error {
		res, err := h(n, c, raw)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Replay rebuilds the state from the log. It must run on a fresh node.
func (n *Node) Replay(ctx context.Context) (uint64, error) {
	return n.seq.Recover(ctx, func(c *kernel.Call, e kernel.Entry) error {
		h, ok := handlers[e.Op]
		if !ok {
			return kernel.ErrUnknownOp.With("%s", e.Op)
		}
		_, err := h(n, c, e.Args)
		return err
	})
}

// Now is the log clock reading the next entry point would get.
func (n *Node) Now() time.Time { return n.seq.Now() }

// Log returns the operation log.
func (n *Node) Log() kernel.TotalOrderLog { return n.seq.Log() }

// Events returns the event ledger.
func (n *Node) Events() *ledger.Ledger { return n.events }

// Releases returns the upgrade release ledger.
func (n *Node) Releases() *ledger.ReleaseLedger { return n.releases }

// Owner is the administrative address.
func (n *Node) Owner() kernel.Address { return n.cfg.Owner }

// Executor is the relaying channel address.
func (n *Node) Executor() kernel.Address { return n.cfg.Executor }

// Asset is the settlement asset.
func (n *Node) Asset() finance.Asset { return n.bank.Asset() }

// VerifyLog checks the hash chain of the whole operation log.
func (n *Node) VerifyLog(ctx context.Context) (bool, uint64, error) {
	length, err := n.seq.Log().Len(ctx)
	if err != nil {
		return false, 0, err
	}
	ok, err := n.seq.Log().Verify(ctx, 0, length)
	return ok, length, err
}

func view[T any](ctx context.Context, n *Node, fn func(now time.Time) (T, error)) (T, error) {
	var out T
	err := n.seq.View(ctx, func(now time.Time) error {
		var err error
		out, err = fn(now)
		return err
	})
	return out, err
}

// Fund credits amount to to from outside the system. Owner only.
func (n *Node) Fund(ctx context.Context, caller, to kernel.Address, amount int64) error {
	_, err := n.run(ctx, caller, OpFund, fundArgs{To: to, Amount: amount})
	return err
}

// Balance returns the external balance of addr.
func (n *Node) Balance(ctx context.Context, addr kernel.Address) (int64, error) {
	return view(ctx, n, func(time.Time) (int64, error) { return n.bank.BalanceOf(addr), nil })
}

// ComputeAddress returns the address salt would provision to.
func (n *Node) ComputeAddress(ctx context.Context, salt string) (kernel.Address, error) {
	return view(ctx, n, func(time.Time) (kernel.Address, error) { return n.factory.ComputeAddress(salt), nil })
}

// Provision creates an identity.
func (n *Node) Provision(ctx context.Context, caller kernel.Address, salt string, init identity.InitData) (kernel.Address, error) {
	out, err := n.run(ctx, caller, OpProvision, provisionArgs{Salt: salt, Init: init})
	if err != nil {
		return "", err
	}
	return out.(kernel.Address), nil
}

// Identity returns the view of a provisioned identity.
func (n *Node) Identity(ctx context.Context, addr kernel.Address) (identity.View, error) {
	return view(ctx, n, func(time.Time) (identity.View, error) { return n.factory.Get(addr) })
}

// Execute runs one call from identity.
func (n *Node) Execute(ctx context.Context, caller, ident, target kernel.Address, value int64, data json.RawMessage) (any, error) {
	return n.run(ctx, caller, OpExecute, executeArgs{Identity: ident, Target: target, Value: value, Data: data})
}

// ExecuteBatch runs calls from identity, all or nothing.
func (n *Node) ExecuteBatch(ctx context.Context, caller, ident kernel.Address, targets []kernel.Address, values []int64, datas []json.RawMessage) ([]any, error) {
	out, err := n.run(ctx, caller, OpExecuteBatch, executeBatchArgs{Identity: ident, Targets: targets, Values: values, Datas: datas})
	if err != nil {
		return nil, err
	}
	res, _ := out.([]any)
	return res, nil
}

// RotateOwner replaces the identity's owner and recovery metadata.
func (n *Node) RotateOwner(ctx context.Context, caller, ident kernel.Address, rotation identity.RotateOwnerArgs) error {
	_, err := n.run(ctx, caller, OpRotateOwner, rotateArgs{Identity: ident, Rotation: rotation})
	return err
}

// SubmitOperation relays an owner-signed operation.
func (n *Node) SubmitOperation(ctx context.Context, caller kernel.Address, op identity.Operation) (identity.OperationResult, error) {
	out, err := n.run(ctx, caller, OpOperation, operationArgs{Op: op})
	if err != nil {
		return identity.OperationResult{}, err
	}
	return out.(identity.OperationResult), nil
}

// CreateIntent escrows amount from sender.
func (n *Node) CreateIntent(ctx context.Context, caller kernel.Address, id string, sender kernel.Address, commitment string, amount int64, expiry time.Time) (escrow.Intent, error) {
	return intentResult(n.run(ctx, caller, OpCreateIntent, createIntentArgs{
		ID: id, Sender: sender, Commitment: commitment, Amount: amount, Expiry: expiry.Unix(),
	}))
}

// ReleaseIntent pays an intent to claimant.
func (n *Node) ReleaseIntent(ctx context.Context, caller kernel.Address, id string, claimant kernel.Address, proof string) (escrow.Intent, error) {
	return intentResult(n.run(ctx, caller, OpReleaseIntent, releaseArgs{ID: id, Claimant: claimant, Proof: proof}))
}

// RevokeIntent returns an intent's funds to its sender.
func (n *Node) RevokeIntent(ctx context.Context, caller kernel.Address, id string) (escrow.Intent, error) {
	return intentResult(n.run(ctx, caller, OpRevokeIntent, intentArgs{ID: id}))
}

// RefundIntent returns an expired intent's funds to its sender.
func (n *Node) RefundIntent(ctx context.Context, caller kernel.Address, id string) (escrow.Intent, error) {
	return intentResult(n.run(ctx, caller, OpRefundIntent, intentArgs{ID: id}))
}

func intentResult(out any, err error) (escrow.Intent, error) {
	if err != nil {
		return escrow.Intent{}, err
	}
	return out.(escrow.Intent), nil
}

// SetAttester rotates the attester key.
func (n *Node) SetAttester(ctx context.Context, caller kernel.Address, key string) error {
	_, err := n.run(ctx, caller, OpSetAttester, keyArgs{Key: key})
	return err
}

// Intent returns an intent.
func (n *Node) Intent(ctx context.Context, id string) (escrow.Intent, error) {
	return view(ctx, n, func(time.Time) (escrow.Intent, error) { return n.escrow.Intent(id) })
}

// EscrowedTotal is the sum of sender's open intents.
func (n *Node) EscrowedTotal(ctx context.Context, sender kernel.Address) (int64, error) {
	return view(ctx, n, func(time.Time) (int64, error) { return n.escrow.EscrowedTotal(sender), nil })
}

// IntentChecks are the escrow predicates evaluated at the current log time.
type IntentChecks struct {
	CanRelease bool `json:"canRelease"`
	CanRevoke  bool `json:"canRevoke"`
	CanRefund  bool `json:"canRefund"`
}

// CheckIntent evaluates the escrow predicates for id.
func (n *Node) CheckIntent(ctx context.Context, id string, caller, claimant kernel.Address, proof string) (IntentChecks, error) {
	return view(ctx, n, func(now time.Time) (IntentChecks, error) {
		if _, err := n.escrow.Intent(id); err != nil {
			return IntentChecks{}, err
		}
		return IntentChecks{
			CanRelease: n.escrow.CanRelease(id, claimant, proof, now),
			CanRevoke:  n.escrow.CanRevoke(id, caller, now),
			CanRefund:  n.escrow.CanRefund(id, now),
		}, nil
	})
}

// Evaluate asks for sponsorship and, if approved, holds a token.
func (n *Node) Evaluate(ctx context.Context, caller, ident kernel.Address, declared int64) (sponsor.Decision, error) {
	out, err := n.run(ctx, caller, OpEvaluate, evaluateArgs{Identity: ident, Declared: declared})
	if err != nil {
		return sponsor.Decision{}, err
	}
	return out.(sponsor.Decision), nil
}

// Settle reconciles a sponsorship token.
func (n *Node) Settle(ctx context.Context, caller kernel.Address, token string, actual int64, aborted bool) error {
	_, err := n.run(ctx, caller, OpSettle, settleArgs{Token: token, Actual: actual, Aborted: aborted})
	return err
}

// CheckSponsorship previews a sponsorship decision without side effects.
func (n *Node) CheckSponsorship(ctx context.Context, ident kernel.Address, declared int64) (sponsor.Decision, error) {
	return view(ctx, n, func(now time.Time) (sponsor.Decision, error) {
		return n.sponsor.Check(ctx, ident, declared, now)
	})
}

// SponsorshipAccount returns the sponsorship view of ident.
func (n *Node) SponsorshipAccount(ctx context.Context, ident kernel.Address) (sponsor.Account, error) {
	return view(ctx, n, func(now time.Time) (sponsor.Account, error) {
		return n.sponsor.Account(ctx, ident, now)
	})
}

// Reserve is the sponsorship reserve.
func (n *Node) Reserve(ctx context.Context) (int64, error) {
	return view(ctx, n, func(time.Time) (int64, error) { return n.sponsor.Reserve(), nil })
}

// SetEligible adds ident to or removes it from the eligibility set.
func (n *Node) SetEligible(ctx context.Context, caller, ident kernel.Address, eligible bool) error {
	_, err := n.run(ctx, caller, OpSetEligible, eligibleArgs{Identity: ident, Eligible: eligible})
	return err
}

// SetPolicyValue sets one sponsorship policy field by name: perOpCap,
// perDayCap or minReserve.
func (n *Node) SetPolicyValue(ctx context.Context, caller kernel.Address, field string, value int64) error {
	var op string
	switch field {
	case "perOpCap":
		op = OpSetPerOpCap
	case "perDayCap":
		op = OpSetPerDayCap
	case "minReserve":
		op = OpSetMinReserve
	default:
		return sponsor.ErrInvalidPolicy.With("unknown field %q", field)
	}
	_, err := n.run(ctx, caller, op, valueArgs{Value: value})
	return err
}

// Deposit moves amount from the owner into the sponsorship reserve.
func (n *Node) Deposit(ctx context.Context, caller kernel.Address, amount int64) error {
	_, err := n.run(ctx, caller, OpDeposit, valueArgs{Value: amount})
	return err
}

// Withdraw moves amount out of the sponsorship reserve.
func (n *Node) Withdraw(ctx context.Context, caller, to kernel.Address, amount int64) error {
	_, err := n.run(ctx, caller, OpWithdraw, withdrawArgs{To: to, Amount: amount})
	return err
}

// QueueUpgrade queues a code hash.
func (n *Node) QueueUpgrade(ctx context.Context, caller kernel.Address, hash string) (governor.PendingUpgrade, error) {
	out, err := n.run(ctx, caller, OpQueueUpgrade, hashArgs{Hash: hash})
	if err != nil {
		return governor.PendingUpgrade{}, err
	}
	return out.(governor.PendingUpgrade), nil
}

// CancelUpgrade drops a queued code hash.
func (n *Node) CancelUpgrade(ctx context.Context, caller kernel.Address, hash string) error {
	_, err := n.run(ctx, caller, OpCancelUpgrade, hashArgs{Hash: hash})
	return err
}

// Upgrade applies a queued code hash to component once its grace period
// has elapsed.
func (n *Node) Upgrade(ctx context.Context, caller kernel.Address, component, hash string) error {
	_, err := n.run(ctx, caller, OpUpgrade, upgradeArgs{Component: component, Hash: hash})
	return err
}

// PendingUpgrade returns the queue entry for hash.
func (n *Node) PendingUpgrade(ctx context.Context, hash string) (governor.PendingUpgrade, bool, error) {
	var (
		p  governor.PendingUpgrade
		ok bool
	)
	err := n.seq.View(ctx, func(time.Time) error {
		p, ok = n.governor.Pending(hash)
		return nil
	})
	return p, ok, err
}

// Components lists upgradeable components and their code hashes.
func (n *Node) Components(ctx context.Context) (map[string]string, error) {
	return view(ctx, n, func(time.Time) (map[string]string, error) { return n.governor.Components(), nil })
}
