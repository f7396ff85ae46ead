package sponsor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/finance"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// ComponentName is the name the engine registers under with the governor.
const ComponentName = "sponsor"

// Config wires an Engine.
type Config struct {
	// Address holds the reserve.
	Address kernel.Address
	// Owner runs the administrative operations.
	Owner kernel.Address
	// Executor is the only channel allowed to request sponsorship.
	Executor kernel.Address
	Policy   Policy
}

// Engine is the sponsorship policy engine.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	policy   Policy
	storage  Storage
	tokens   map[string]Token
	pending  int64 // declared cost of every outstanding token
	seq      uint64
	codeHash string

	bank   *finance.Bank
	logger *slog.Logger
}

// NewEngine creates an engine over storage.
func NewEngine(cfg Config, storage Storage, bank *finance.Bank) (*Engine, error) {
	if err := validatePolicy(cfg.Policy); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		policy:   cfg.Policy,
		storage:  storage,
		tokens:   make(map[string]Token),
		codeHash: crypto.Keccak256Hex([]byte("paycore.sponsor.v1")),
		bank:     bank,
		logger:   slog.Default().With("component", "sponsor"),
	}, nil
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "sponsor")
	return e
}

func validatePolicy(p Policy) error {
	if p.PerOpCap < 0 || p.PerDayCap < 0 || p.MinReserve < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Address returns the reserve address.
func (e *Engine) Address() kernel.Address { return e.cfg.Address }

// Reserve is the balance available to pay sponsored costs.
func (e *Engine) Reserve() int64 { return e.bank.BalanceOf(e.cfg.Address) }

// Policy returns the current policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Outstanding is the declared cost of every approved, unsettled token.
func (e *Engine) Outstanding() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

func (e *Engine) record(ctx context.Context, identity kernel.Address) (*Record, bool, error) {
	rec, err := e.storage.Get(ctx, identity)
	if err != nil {
		return nil, false, fmt.Errorf("sponsor: load %s: %w", identity, err)
	}
	if rec == nil {
		return &Record{Identity: identity}, false, nil
	}
	return rec, true, nil
}

// put stores rec and journals the previous state.
func (e *Engine) put(c *kernel.Call, rec *Record) error {
	ctx := c.Context()
	prev, existed, err := e.record(ctx, rec.Identity)
	if err != nil {
		return err
	}
	if err := e.storage.Set(ctx, rec); err != nil {
		return fmt.Errorf("sponsor: store %s: %w", rec.Identity, err)
	}
	c.OnRollback(func() {
		if existed {
			_ = e.storage.Set(context.Background(), prev)
		} else {
			_ = e.storage.Delete(context.Background(), prev.Identity)
		}
	})
	return nil
}

// check runs the policy in order: reserve, eligibility, per-op cap, daily
// cap. rec must already be rolled into the current window.
func (e *Engine) check(rec *Record, declared int64) Decision {
	e.mu.RLock()
	p, outstanding := e.policy, e.pending
	e.mu.RUnlock()

	if e.Reserve()-outstanding-declared < p.MinReserve {
		return deny(ReasonInsufficientReserve)
	}
	if !rec.Eligible {
		return deny(ReasonNotEligible)
	}
	if declared > p.PerOpCap {
		return deny(ReasonOpCapExceeded)
	}
	if rec.Consumed+rec.Pending+declared > p.PerDayCap {
		return deny(ReasonDailyCapExceeded)
	}
	return Decision{Approved: true, Reason: ReasonApproved}
}

// Check evaluates the policy without issuing a token or touching state.
func (e *Engine) Check(ctx context.Context, identity kernel.Address, declaredMaxCost int64, now time.Time) (Decision, error) {
	if declaredMaxCost < 0 {
		return Decision{}, ErrInvalidCost
	}
	rec, _, err := e.record(ctx, identity)
	if err != nil {
		return Decision{}, err
	}
	rec.roll(WindowID(now))
	return e.check(rec, declaredMaxCost), nil
}

// Evaluate decides whether to underwrite declaredMaxCost for identity. An
// approval reserves the declared cost against the daily cap and returns a
// token that must be settled. A denial is a normal result, not an error.
func (e *Engine) Evaluate(c *kernel.Call, identity kernel.Address, declaredMaxCost int64) (Decision, error) {
	if c.Caller() != e.cfg.Executor {
		return Decision{}, kernel.ErrNotAuthorized.With("sponsorship is requested by the executor channel")
	}
	if declaredMaxCost < 0 {
		return Decision{}, ErrInvalidCost
	}

	rec, _, err := e.record(c.Context(), identity)
	if err != nil {
		return Decision{}, err
	}
	window := WindowID(c.Now())
	rec.roll(window)

	d := e.check(rec, declaredMaxCost)
	if !d.Approved {
		// The account still comes into existence on first evaluation.
		if err := e.put(c, rec); err != nil {
			return Decision{}, err
		}
		c.Emit(e.cfg.Address, "sponsor.denied", map[string]any{
			"identity": identity,
			"declared": declaredMaxCost,
			"reason":   d.Reason,
		})
		e.logger.Warn("sponsorship denied", "identity", identity, "declared", declaredMaxCost, "reason", d.Reason)
		return d, nil
	}

	e.mu.Lock()
	e.seq++
	tok := Token{
		Engine:          e.cfg.Address,
		Identity:        identity,
		DeclaredMaxCost: declaredMaxCost,
		WindowID:        window,
		Seq:             e.seq,
		Requester:       c.Caller(),
	}
	if err := tok.seal(); err != nil {
		e.seq--
		e.mu.Unlock()
		return Decision{}, err
	}
	e.tokens[tok.ID] = tok
	e.pending += declaredMaxCost
	e.mu.Unlock()
	c.OnRollback(func() {
		e.mu.Lock()
		delete(e.tokens, tok.ID)
		e.pending -= declaredMaxCost
		e.seq--
		e.mu.Unlock()
	})

	rec.Pending += declaredMaxCost
	if err := e.put(c, rec); err != nil {
		return Decision{}, err
	}

	encoded, err := tok.Encode()
	if err != nil {
		return Decision{}, err
	}
	d.Token = encoded
	c.Emit(e.cfg.Address, "sponsor.approved", map[string]any{
		"identity": identity,
		"declared": declaredMaxCost,
		"token":    tok.ID,
		"window":   window,
	})
	return d, nil
}

// Settle reconciles an approved token with what the operation actually
// cost. An aborted operation changes no accounting. Otherwise actualCost
// is charged to the token's window and paid from the reserve to the
// requester. Every token settles at most once.
func (e *Engine) Settle(c *kernel.Call, token string, actualCost int64, aborted bool) error {
	presented, err := DecodeToken(token)
	if err != nil {
		return err
	}

	e.mu.RLock()
	tok, ok := e.tokens[presented.ID]
	e.mu.RUnlock()
	if !ok || tok != presented {
		return ErrInvalidToken.With("%s", presented.ID)
	}
	if c.Caller() != tok.Requester {
		return kernel.ErrNotAuthorized.With("token %s was issued to %s", tok.ID, tok.Requester)
	}
	if !aborted {
		if actualCost < 0 {
			return ErrInvalidCost
		}
		if actualCost > tok.DeclaredMaxCost {
			return ErrCostExceedsDeclared.With("actual %d > declared %d", actualCost, tok.DeclaredMaxCost)
		}
	}

	e.mu.Lock()
	delete(e.tokens, tok.ID)
	e.pending -= tok.DeclaredMaxCost
	e.mu.Unlock()
	c.OnRollback(func() {
		e.mu.Lock()
		e.tokens[tok.ID] = tok
		e.pending += tok.DeclaredMaxCost
		e.mu.Unlock()
	})

	rec, _, err := e.record(c.Context(), tok.Identity)
	if err != nil {
		return err
	}
	if rec.WindowID == tok.WindowID {
		rec.Pending -= tok.DeclaredMaxCost
	}

	if aborted {
		if err := e.put(c, rec); err != nil {
			return err
		}
		c.Emit(e.cfg.Address, "sponsor.settled", map[string]any{
			"identity": tok.Identity,
			"token":    tok.ID,
			"aborted":  true,
		})
		return nil
	}

	switch {
	case rec.WindowID == tok.WindowID:
		rec.Consumed += actualCost
	case rec.WindowID < tok.WindowID:
		rec.roll(tok.WindowID)
		rec.Consumed = actualCost
	default:
		// The token's window has closed; its cost no longer constrains
		// the current one.
	}
	if err := e.put(c, rec); err != nil {
		return err
	}
	if err := e.bank.Transfer(c.As(e.cfg.Address), e.cfg.Address, tok.Requester, actualCost); err != nil {
		return err
	}

	c.Emit(e.cfg.Address, "sponsor.settled", map[string]any{
		"identity": tok.Identity,
		"token":    tok.ID,
		"declared": tok.DeclaredMaxCost,
		"actual":   actualCost,
		"consumed": rec.Consumed,
		"aborted":  false,
	})
	e.logger.Info("sponsorship settled", "identity", tok.Identity, "declared", tok.DeclaredMaxCost, "actual", actualCost)
	return nil
}

func (e *Engine) requireOwner(c *kernel.Call) error {
	if c.Caller() != e.cfg.Owner {
		return kernel.ErrNotAuthorized.With("sponsorship administration is owner-only")
	}
	return nil
}

// SetEligible adds identity to or removes it from the eligibility set.
func (e *Engine) SetEligible(c *kernel.Call, identity kernel.Address, eligible bool) error {
	if err := e.requireOwner(c); err != nil {
		return err
	}
	rec, _, err := e.record(c.Context(), identity)
	if err != nil {
		return err
	}
	rec.Eligible = eligible
	if err := e.put(c, rec); err != nil {
		return err
	}
	c.Emit(e.cfg.Address, "sponsor.eligibility_set", map[string]any{"identity": identity, "eligible": eligible})
	return nil
}

func (e *Engine) setPolicy(c *kernel.Call, field string, mutate func(*Policy), value int64) error {
	if err := e.requireOwner(c); err != nil {
		return err
	}
	if value < 0 {
		return ErrInvalidPolicy.With("%s=%d", field, value)
	}
	e.mu.Lock()
	prev := e.policy
	mutate(&e.policy)
	e.mu.Unlock()
	c.OnRollback(func() {
		e.mu.Lock()
		e.policy = prev
		e.mu.Unlock()
	})
	c.Emit(e.cfg.Address, "sponsor.policy_set", map[string]any{"field": field, "value": value})
	e.logger.Info("sponsorship policy updated", "field", field, "value", value)
	return nil
}

// SetPerOpCap sets the per-operation cap.
func (e *Engine) SetPerOpCap(c *kernel.Call, v int64) error {
	return e.setPolicy(c, "perOpCap", func(p *Policy) { p.PerOpCap = v }, v)
}

// SetPerDayCap sets the per-identity daily cap.
func (e *Engine) SetPerDayCap(c *kernel.Call, v int64) error {
	return e.setPolicy(c, "perDayCap", func(p *Policy) { p.PerDayCap = v }, v)
}

// SetMinReserve sets the reserve floor.
func (e *Engine) SetMinReserve(c *kernel.Call, v int64) error {
	return e.setPolicy(c, "minReserve", func(p *Policy) { p.MinReserve = v }, v)
}

// Deposit moves amount from the owner's balance into the reserve.
func (e *Engine) Deposit(c *kernel.Call, amount int64) error {
	if err := e.requireOwner(c); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidPolicy.With("deposit must be positive")
	}
	if err := e.bank.Transfer(c, e.cfg.Owner, e.cfg.Address, amount); err != nil {
		return err
	}
	c.Emit(e.cfg.Address, "sponsor.reserve_deposited", map[string]any{"amount": amount, "reserve": e.Reserve()})
	return nil
}

// Withdraw moves amount out of the reserve to to.
func (e *Engine) Withdraw(c *kernel.Call, to kernel.Address, amount int64) error {
	if err := e.requireOwner(c); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidPolicy.With("withdrawal must be positive")
	}
	if err := e.bank.Transfer(c.As(e.cfg.Address), e.cfg.Address, to, amount); err != nil {
		return err
	}
	c.Emit(e.cfg.Address, "sponsor.reserve_withdrawn", map[string]any{"to": to, "amount": amount, "reserve": e.Reserve()})
	return nil
}

// Eligible reports eligibility-set membership.
func (e *Engine) Eligible(ctx context.Context, identity kernel.Address) (bool, error) {
	rec, _, err := e.record(ctx, identity)
	if err != nil {
		return false, err
	}
	return rec.Eligible, nil
}

// DailyConsumed is what identity has consumed in the window containing now.
func (e *Engine) DailyConsumed(ctx context.Context, identity kernel.Address, now time.Time) (int64, error) {
	acct, err := e.Account(ctx, identity, now)
	if err != nil {
		return 0, err
	}
	return acct.DailyConsumed, nil
}

// Account returns the sponsorship view of identity at now.
func (e *Engine) Account(ctx context.Context, identity kernel.Address, now time.Time) (Account, error) {
	rec, _, err := e.record(ctx, identity)
	if err != nil {
		return Account{}, err
	}
	window := WindowID(now)
	rec.roll(window)
	p := e.Policy()
	return Account{
		Identity:         identity,
		Eligible:         rec.Eligible,
		DailyConsumed:    rec.Consumed,
		DailyPending:     rec.Pending,
		DailyWindowStart: WindowStart(window),
		PerOpCap:         p.PerOpCap,
		PerDayCap:        p.PerDayCap,
		MinReserve:       p.MinReserve,
	}, nil
}

// Component implements the governor's upgradeable contract.
func (e *Engine) Component() string { return ComponentName }

// CodeHash returns the current code hash.
func (e *Engine) CodeHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.codeHash
}

// ApplyUpgrade records the new code hash. Reachable only through the
// governor.
func (e *Engine) ApplyUpgrade(c *kernel.Call, hash string) error {
	if _, err := crypto.ParseHash(hash); err != nil {
		return kernel.ErrBadCalldata.With("%v", err)
	}
	e.mu.Lock()
	prev := e.codeHash
	e.codeHash = hash
	e.mu.Unlock()
	c.OnRollback(func() {
		e.mu.Lock()
		e.codeHash = prev
		e.mu.Unlock()
	})
	return nil
}

// Invoke implements kernel.Contract. Value sent with "deposit" tops up the
// reserve; anyone may fund it.
func (e *Engine) Invoke(c *kernel.Call, value int64, method string, _ json.RawMessage) (any, error) {
	switch method {
	case "deposit":
		if value <= 0 {
			return nil, ErrInvalidPolicy.With("deposit must carry value")
		}
		c.Emit(e.cfg.Address, "sponsor.reserve_deposited", map[string]any{"from": c.Caller(), "amount": value, "reserve": e.Reserve()})
		return map[string]int64{"reserve": e.Reserve()}, nil
	default:
		return nil, kernel.ErrUnknownMethod.With("sponsor.%s", method)
	}
}
