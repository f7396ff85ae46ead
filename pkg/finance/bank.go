package finance

import (
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

var (
	ErrInsufficientFunds = kernel.NewError(kernel.CategoryResourceExhausted, "InsufficientFunds", "balance below transfer amount")
	ErrInvalidTransfer   = kernel.NewError(kernel.CategoryValidation, "InvalidTransfer", "transfer amount must be positive")
)

// ReceiveHook runs when value lands on an address, inside the transferring
// call. It may call back into the node through c.Context(); returning an
// error aborts the whole entry point.
type ReceiveHook func(c *kernel.Call, from kernel.Address, amount int64) error

// Bank keeps the external balances of every address: identities, senders,
// claimants, and the custody addresses of the escrow and sponsorship
// components. It is only mutated inside a sequenced call.
type Bank struct {
	mu       sync.RWMutex
	asset    Asset
	balances map[kernel.Address]int64
	hooks    map[kernel.Address]ReceiveHook
	supply   int64
	logger   *slog.Logger
}

// NewBank creates an empty bank for asset.
func NewBank(asset Asset) *Bank {
	return &Bank{
		asset:    asset,
		balances: make(map[kernel.Address]int64),
		hooks:    make(map[kernel.Address]ReceiveHook),
		logger:   slog.Default().With("component", "bank"),
	}
}

// Asset returns the settlement asset.
func (b *Bank) Asset() Asset { return b.asset }

// BalanceOf returns the balance of addr.
func (b *Bank) BalanceOf(addr kernel.Address) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[addr]
}

// Supply is the total amount ever credited from outside.
func (b *Bank) Supply() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supply
}

// OnReceive installs hook for addr, replacing any previous one. A nil hook
// removes it.
func (b *Bank) OnReceive(addr kernel.Address, hook ReceiveHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		delete(b.hooks, addr)
		return
	}
	b.hooks[addr] = hook
}

// Credit brings amount into the system on to's balance (on-ramp funding).
func (b *Bank) Credit(c *kernel.Call, to kernel.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidTransfer
	}
	b.mu.Lock()
	bal, err := AddMinor(b.balances[to], amount)
	if err != nil {
		b.mu.Unlock()
		return ErrInvalidTransfer.With("%v", err)
	}
	supply, err := AddMinor(b.supply, amount)
	if err != nil {
		b.mu.Unlock()
		return ErrInvalidTransfer.With("%v", err)
	}
	prevBal, prevSupply := b.balances[to], b.supply
	b.balances[to] = bal
	b.supply = supply
	b.mu.Unlock()

	c.OnRollback(func() {
		b.mu.Lock()
		b.balances[to] = prevBal
		b.supply = prevSupply
		b.mu.Unlock()
	})
	c.Emit(to, "bank.credited", map[string]any{"to": to, "amount": amount})
	return nil
}

// Transfer moves amount from one balance to another, then runs the
// receiver's hook. Both the move and anything the hook does are undone if
// the call is rolled back.
func (b *Bank) Transfer(c *kernel.Call, from, to kernel.Address, amount int64) error {
	if amount < 0 {
		return ErrInvalidTransfer
	}
	if amount == 0 {
		return nil
	}

	b.mu.Lock()
	fromBal, toBal := b.balances[from], b.balances[to]
	if fromBal < amount {
		b.mu.Unlock()
		return ErrInsufficientFunds.With("%s holds %d, needs %d", from, fromBal, amount)
	}
	if from != to {
		newTo, err := AddMinor(toBal, amount)
		if err != nil {
			b.mu.Unlock()
			return ErrInvalidTransfer.With("%v", err)
		}
		b.balances[from] = fromBal - amount
		b.balances[to] = newTo
	}
	hook := b.hooks[to]
	b.mu.Unlock()

	c.OnRollback(func() {
		b.mu.Lock()
		b.balances[from] = fromBal
		b.balances[to] = toBal
		b.mu.Unlock()
	})
	c.Emit(from, "bank.transferred", map[string]any{"from": from, "to": to, "amount": amount})

	if hook != nil {
		if err := hook(c.As(from), from, amount); err != nil {
			b.logger.Debug("receive hook rejected transfer", "to", to, "error", err)
			return err
		}
	}
	return nil
}
