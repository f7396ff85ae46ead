package node

import (
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/identity"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// Operation names as committed to the log.
const (
	OpFund = "bank.fund"

	OpProvision    = "identity.provision"
	OpExecute      = "identity.execute"
	OpExecuteBatch = "identity.execute_batch"
	OpRotateOwner  = "identity.rotate_owner"
	OpOperation    = "identity.operation"

	OpCreateIntent  = "escrow.create"
	OpReleaseIntent = "escrow.release"
	OpRevokeIntent  = "escrow.revoke"
	OpRefundIntent  = "escrow.refund"
	OpSetAttester   = "escrow.set_attester"

	OpEvaluate      = "sponsor.evaluate"
	OpSettle        = "sponsor.settle"
	OpSetEligible   = "sponsor.set_eligible"
	OpSetPerOpCap   = "sponsor.set_per_op_cap"
	OpSetPerDayCap  = "sponsor.set_per_day_cap"
	OpSetMinReserve = "sponsor.set_min_reserve"
	OpDeposit       = "sponsor.deposit"
	OpWithdraw      = "sponsor.withdraw"

	OpQueueUpgrade  = "governor.queue"
	OpCancelUpgrade = "governor.cancel"
	OpUpgrade       = "governor.upgrade"
)

type fundArgs struct {
	To     kernel.Address `json:"to"`
	Amount int64          `json:"amount"`
}

type provisionArgs struct {
	Salt string            `json:"salt"`
	Init identity.InitData `json:"init"`
}

type executeArgs struct {
	Identity kernel.Address  `json:"identity"`
	Target   kernel.Address  `json:"target"`
	Value    int64           `json:"value"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type executeBatchArgs struct {
	Identity kernel.Address    `json:"identity"`
	Targets  []kernel.Address  `json:"targets"`
	Values   []int64           `json:"values"`
	Datas    []json.RawMessage `json:"datas"`
}

type rotateArgs struct {
	Identity kernel.Address          `json:"identity"`
	Rotation identity.RotateOwnerArgs `json:"rotation"`
}

type operationArgs struct {
	Op identity.Operation `json:"op"`
}

type createIntentArgs struct {
	ID         string         `json:"id"`
	Sender     kernel.Address `json:"sender"`
	Commitment string         `json:"commitment"`
	Amount     int64          `json:"amount"`
	Expiry     int64          `json:"expiry"`
}

type releaseArgs struct {
	ID       string         `json:"id"`
	Claimant kernel.Address `json:"claimant"`
	Proof    string         `json:"proof"`
}

type intentArgs struct {
	ID string `json:"id"`
}

type keyArgs struct {
	Key string `json:"key"`
}

type evaluateArgs struct {
	Identity kernel.Address `json:"identity"`
	Declared int64          `json:"declared"`
}

type settleArgs struct {
	Token   string `json:"token"`
	Actual  int64  `json:"actual"`
	Aborted bool   `json:"aborted"`
}

type eligibleArgs struct {
	Identity kernel.Address `json:"identity"`
	Eligible bool           `json:"eligible"`
}

type valueArgs struct {
	Value int64 `json:"value"`
}

type withdrawArgs struct {
	To     kernel.Address `json:"to"`
	Amount int64          `json:"amount"`
}

type hashArgs struct {
	Hash string `json:"hash"`
}

type upgradeArgs struct {
	Component string `json:"component"`
	Hash      string `json:"hash"`
}

// handler applies one committed operation. The same table serves live
// entry points and replay.
type handler func(n *Node, c *kernel.Call, raw json.RawMessage) (any, error)

func bind[A any](fn func(n *Node, c *kernel.Call, a A) (any, error)) handler {
	return func(n *Node, c *kernel.Call, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, kernel.ErrBadCalldata.With("%v", err)
			}
		}
		return fn(n, c, a)
	}
}

var handlers = map[string]handler{
	OpFund: bind(func(n *Node, c *kernel.Call, a fundArgs) (any, error) {
		if c.Caller() != n.cfg.Owner {
			return nil, kernel.ErrNotAuthorized.With("funding is owner-only")
		}
		return nil, n.bank.Credit(c, a.To, a.Amount)
	}),

	OpProvision: bind(func(n *Node, c *kernel.Call, a provisionArgs) (any, error) {
		return n.factory.Provision(c, a.Salt, a.Init)
	}),
	OpExecute: bind(func(n *Node, c *kernel.Call, a executeArgs) (any, error) {
		acct, err := n.factory.Account(a.Identity)
		if err != nil {
			return nil, err
		}
		return acct.Execute(c, a.Target, a.Value, a.Data)
	}),
	OpExecuteBatch: bind(func(n *Node, c *kernel.Call, a executeBatchArgs) (any, error) {
		acct, err := n.factory.Account(a.Identity)
		if err != nil {
			return nil, err
		}
		datas := make([][]byte, len(a.Datas))
		for i, d := range a.Datas {
			datas[i] = d
		}
		return acct.ExecuteBatch(c, a.Targets, a.Values, datas)
	}),
	OpRotateOwner: bind(func(n *Node, c *kernel.Call, a rotateArgs) (any, error) {
		acct, err := n.factory.Account(a.Identity)
		if err != nil {
			return nil, err
		}
		r := a.Rotation
		return nil, acct.RotateOwner(c, r.NewOwnerKey, r.NewRecoveryCredentialID, r.NewRecoveryKeyHash)
	}),
	OpOperation: bind(func(n *Node, c *kernel.Call, a operationArgs) (any, error) {
		acct, err := n.factory.Account(a.Op.Sender)
		if err != nil {
			return nil, err
		}
		return acct.HandleOperation(c, a.Op)
	}),

	OpCreateIntent: bind(func(n *Node, c *kernel.Call, a createIntentArgs) (any, error) {
		return n.escrow.Create(c, a.ID, a.Sender, a.Commitment, a.Amount, time.Unix(a.Expiry, 0))
	}),
	OpReleaseIntent: bind(func(n *Node, c *kernel.Call, a releaseArgs) (any, error) {
		return n.escrow.Release(c, a.ID, a.Claimant, a.Proof)
	}),
	OpRevokeIntent: bind(func(n *Node, c *kernel.Call, a intentArgs) (any, error) {
		return n.escrow.Revoke(c, a.ID)
	}),
	OpRefundIntent: bind(func(n *Node, c *kernel.Call, a intentArgs) (any, error) {
		return n.escrow.Refund(c, a.ID)
	}),
	OpSetAttester: bind(func(n *Node, c *kernel.Call, a keyArgs) (any, error) {
		return nil, n.escrow.SetAttester(c, a.Key)
	}),

	OpEvaluate: bind(func(n *Node, c *kernel.Call, a evaluateArgs) (any, error) {
		return n.sponsor.Evaluate(c, a.Identity, a.Declared)
	}),
	OpSettle: bind(func(n *Node, c *kernel.Call, a settleArgs) (any, error) {
		return nil, n.sponsor.Settle(c, a.Token, a.Actual, a.Aborted)
	}),
	OpSetEligible: bind(func(n *Node, c *kernel.Call, a eligibleArgs) (any, error) {
		return nil, n.sponsor.SetEligible(c, a.Identity, a.Eligible)
	}),
	OpSetPerOpCap: bind(func(n *Node, c *kernel.Call, a valueArgs) (any, error) {
		return nil, n.sponsor.SetPerOpCap(c, a.Value)
	}),
	OpSetPerDayCap: bind(func(n *Node, c *kernel.Call, a valueArgs) (any, error) {
		return nil, n.sponsor.SetPerDayCap(c, a.Value)
	}),
	OpSetMinReserve: bind(func(n *Node, c *kernel.Call, a valueArgs) (any, error) {
		return nil, n.sponsor.SetMinReserve(c, a.Value)
	}),
	OpDeposit: bind(func(n *Node, c *kernel.Call, a valueArgs) (any, error) {
		return nil, n.sponsor.Deposit(c, a.Value)
	}),
	OpWithdraw: bind(func(n *Node, c *kernel.Call, a withdrawArgs) (any, error) {
		return nil, n.sponsor.Withdraw(c, a.To, a.Amount)
	}),

	OpQueueUpgrade: bind(func(n *Node, c *kernel.Call, a hashArgs) (any, error) {
		return n.governor.Queue(c, a.Hash)
	}),
	OpCancelUpgrade: bind(func(n *Node, c *kernel.Call, a hashArgs) (any, error) {
		return nil, n.governor.Cancel(c, a.Hash)
	}),
	OpUpgrade: bind(func(n *Node, c *kernel.Call, a upgradeArgs) (any, error) {
		return nil, n.governor.Execute(c, a.Component, a.Hash)
	}),
}
