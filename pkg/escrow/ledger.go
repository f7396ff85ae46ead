package escrow

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/finance"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// ComponentName is the name the ledger registers under with the governor.
const ComponentName = "escrow"

const (
	DefaultMaxDuration  = 30 * 24 * time.Hour
	DefaultRevokeWindow = time.Hour
)

// Config wires a Ledger.
type Config struct {
	// Address is the custody address holding every open intent's funds.
	Address kernel.Address
	// Owner may rotate the attester key.
	Owner kernel.Address
	// Executor may create intents on behalf of a sender.
	Executor kernel.Address
	// Attester is the multibase Ed25519 key that signs recipient proofs.
	Attester     string
	MaxDuration  time.Duration
	RevokeWindow time.Duration
}

// Ledger is the escrow ledger.
type Ledger struct {
	mu       sync.RWMutex
	cfg      Config
	attester crypto.Verifier
	intents  map[string]*Intent
	escrowed map[kernel.Address]int64
	codeHash string

	guard  *kernel.Guard
	bank   *finance.Bank
	logger *slog.Logger
}

// NewLedger creates an empty ledger. A zero MaxDuration or RevokeWindow
// takes the default.
func NewLedger(cfg Config, bank *finance.Bank) (*Ledger, error) {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.RevokeWindow <= 0 {
		cfg.RevokeWindow = DefaultRevokeWindow
	}
	l := &Ledger{
		cfg:      cfg,
		intents:  make(map[string]*Intent),
		escrowed: make(map[kernel.Address]int64),
		codeHash: crypto.Keccak256Hex([]byte("paycore.escrow.v1")),
		guard:    kernel.NewGuard("escrow"),
		bank:     bank,
		logger:   slog.Default().With("component", "escrow"),
	}
	if cfg.Attester != "" {
		v, err := crypto.NewVerifierFromMultibase(cfg.Attester)
		if err != nil {
			return nil, err
		}
		l.attester = v
	}
	return l, nil
}

// WithLogger overrides the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "escrow")
	return l
}

// Address returns the custody address.
func (l *Ledger) Address() kernel.Address { return l.cfg.Address }

// Config returns the effective configuration.
func (l *Ledger) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Create escrows amount from sender against a new intent. The caller must
// be the sender or the executor channel acting for it.
func (l *Ledger) Create(c *kernel.Call, id string, sender kernel.Address, commitment string, amount int64, expiry time.Time) (Intent, error) {
	release, err := l.guard.Enter()
	if err != nil {
		return Intent{}, err
	}
	defer release()

	if caller := c.Caller(); caller != sender && caller != l.cfg.Executor {
		return Intent{}, kernel.ErrNotAuthorized.With("%s may not escrow for %s", caller, sender)
	}
	if id == "" {
		return Intent{}, ErrInvalidIntentID
	}
	if commitment == "" {
		return Intent{}, ErrInvalidCommitment
	}

	l.mu.RLock()
	_, exists := l.intents[id]
	l.mu.RUnlock()
	if exists {
		return Intent{}, ErrIntentAlreadyExists.With("%s", id)
	}
	if amount <= 0 {
		return Intent{}, ErrInvalidAmount.With("%d", amount)
	}
	now := c.Now()
	expiry = expiry.UTC().Truncate(time.Second)
	if !expiry.After(now) || expiry.After(now.Add(l.cfg.MaxDuration)) {
		return Intent{}, ErrInvalidExpiry.With("expiry %s not in (%s, %s]",
			expiry.Format(time.RFC3339), now.Format(time.RFC3339), now.Add(l.cfg.MaxDuration).Format(time.RFC3339))
	}

	sp := c.Savepoint()
	in := &Intent{
		ID:                  id,
		Sender:              sender,
		RecipientCommitment: commitment,
		Amount:              amount,
		CreatedAt:           now,
		Expiry:              expiry,
		Status:              StatusOpen,
	}
	l.mu.Lock()
	l.intents[id] = in
	l.escrowed[sender] += amount
	l.mu.Unlock()
	c.OnRollback(func() {
		l.mu.Lock()
		delete(l.intents, id)
		l.escrowed[sender] -= amount
		l.mu.Unlock()
	})

	if err := l.bank.Transfer(c.As(sender), sender, l.cfg.Address, amount); err != nil {
		c.RollbackTo(sp)
		return Intent{}, err
	}

	c.Emit(l.cfg.Address, "escrow.created", map[string]any{
		"intent":     id,
		"sender":     sender,
		"amount":     amount,
		"expiry":     expiry.Unix(),
		"commitment": commitment,
	})
	l.logger.Info("intent created", "intent", id, "sender", sender, "amount", amount)
	return *in, nil
}

func (l *Ledger) lookup(id string) (*Intent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	in, ok := l.intents[id]
	if !ok {
		return nil, ErrIntentNotFound.With("%s", id)
	}
	return in, nil
}

func (l *Ledger) checkRelease(id string, claimant kernel.Address, proof string, now time.Time) (*Intent, error) {
	in, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	if in.Status.Terminal() {
		return nil, closed(in.Status)
	}
	if now.After(in.Expiry) {
		return nil, ErrIntentExpired.With("%s expired at %s", id, in.Expiry.Format(time.RFC3339))
	}
	l.mu.RLock()
	attester := l.attester
	l.mu.RUnlock()
	binding := crypto.NewRecipientBinding(l.cfg.Address, id, in.RecipientCommitment, claimant)
	if !crypto.VerifyRecipientProof(attester, binding, proof) {
		return nil, ErrInvalidRecipientProof
	}
	return in, nil
}

func (l *Ledger) checkRevoke(id string, caller kernel.Address, now time.Time) (*Intent, error) {
	in, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	if caller != in.Sender {
		return nil, ErrUnauthorizedSender
	}
	if in.Status.Terminal() {
		return nil, closed(in.Status)
	}
	if now.After(in.CreatedAt.Add(l.cfg.RevokeWindow)) {
		return nil, ErrRevokeWindowExpired
	}
	return in, nil
}

func (l *Ledger) checkRefund(id string, now time.Time) (*Intent, error) {
	in, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	if in.Status.Terminal() {
		return nil, closed(in.Status)
	}
	if !now.After(in.Expiry) {
		return nil, ErrRefundNotAvailable.With("%s expires at %s", id, in.Expiry.Format(time.RFC3339))
	}
	return in, nil
}

// close moves in to a terminal status and pays amount out of custody to to.
// The status flips before the transfer so a re-entrant hook sees it closed.
// On failure nothing of the close survives.
func (l *Ledger) close(c *kernel.Call, in *Intent, status Status, to kernel.Address, refunded bool) error {
	sp := c.Savepoint()
	now := c.Now()
	l.mu.Lock()
	prev := *in
	in.Status = status
	in.ClosedAt = &now
	in.ClosedBy = c.Caller()
	in.Refunded = refunded
	if status == StatusReleased {
		in.Claimant = to
	}
	l.escrowed[in.Sender] -= in.Amount
	l.mu.Unlock()
	c.OnRollback(func() {
		l.mu.Lock()
		*in = prev
		l.escrowed[prev.Sender] += prev.Amount
		l.mu.Unlock()
	})

	if err := l.bank.Transfer(c.As(l.cfg.Address), l.cfg.Address, to, in.Amount); err != nil {
		c.RollbackTo(sp)
		return err
	}
	return nil
}

// Release pays the intent to claimant when proof is the attester's
// signature binding claimant to the intent's recipient commitment.
func (l *Ledger) Release(c *kernel.Call, id string, claimant kernel.Address, proof string) (Intent, error) {
	release, err := l.guard.Enter()
	if err != nil {
		return Intent{}, err
	}
	defer release()

	in, err := l.checkRelease(id, claimant, proof, c.Now())
	if err != nil {
		return Intent{}, err
	}
	if err := l.close(c, in, StatusReleased, claimant, false); err != nil {
		return Intent{}, err
	}
	c.Emit(l.cfg.Address, "escrow.released", map[string]any{
		"intent":   id,
		"sender":   in.Sender,
		"claimant": claimant,
		"amount":   in.Amount,
	})
	l.logger.Info("intent released", "intent", id, "claimant", claimant, "amount", in.Amount)
	return l.snapshot(in), nil
}

// Revoke returns the funds to the sender within the revoke window.
func (l *Ledger) Revoke(c *kernel.Call, id string) (Intent, error) {
	release, err := l.guard.Enter()
	if err != nil {
		return Intent{}, err
	}
	defer release()

	in, err := l.checkRevoke(id, c.Caller(), c.Now())
	if err != nil {
		return Intent{}, err
	}
	if err := l.close(c, in, StatusRevoked, in.Sender, false); err != nil {
		return Intent{}, err
	}
	c.Emit(l.cfg.Address, "escrow.revoked", map[string]any{
		"intent": id,
		"sender": in.Sender,
		"amount": in.Amount,
	})
	l.logger.Info("intent revoked", "intent", id, "amount", in.Amount)
	return l.snapshot(in), nil
}

// Refund returns the funds of an expired open intent to its sender.
// Anyone may call it.
func (l *Ledger) Refund(c *kernel.Call, id string) (Intent, error) {
	release, err := l.guard.Enter()
	if err != nil {
		return Intent{}, err
	}
	defer release()

	in, err := l.checkRefund(id, c.Now())
	if err != nil {
		return Intent{}, err
	}
	if err := l.close(c, in, StatusRevoked, in.Sender, true); err != nil {
		return Intent{}, err
	}
	c.Emit(l.cfg.Address, "escrow.refunded", map[string]any{
		"intent": id,
		"sender": in.Sender,
		"amount": in.Amount,
		"by":     c.Caller(),
	})
	l.logger.Info("intent refunded", "intent", id, "amount", in.Amount)
	return l.snapshot(in), nil
}

// CanRelease reports whether Release would succeed at now.
func (l *Ledger) CanRelease(id string, claimant kernel.Address, proof string, now time.Time) bool {
	_, err := l.checkRelease(id, claimant, proof, now)
	return err == nil
}

// CanRevoke reports whether caller could revoke at now.
func (l *Ledger) CanRevoke(id string, caller kernel.Address, now time.Time) bool {
	_, err := l.checkRevoke(id, caller, now)
	return err == nil
}

// CanRefund reports whether a refund would succeed at now.
func (l *Ledger) CanRefund(id string, now time.Time) bool {
	_, err := l.checkRefund(id, now)
	return err == nil
}

func (l *Ledger) snapshot(in *Intent) Intent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := *in
	if in.ClosedAt != nil {
		at := *in.ClosedAt
		out.ClosedAt = &at
	}
	return out
}

// Intent returns a copy of the intent.
func (l *Ledger) Intent(id string) (Intent, error) {
	in, err := l.lookup(id)
	if err != nil {
		return Intent{}, err
	}
	return l.snapshot(in), nil
}

// Intents lists a sender's intents by creation time.
func (l *Ledger) Intents(sender kernel.Address) []Intent {
	l.mu.RLock()
	var ptrs []*Intent
	for _, in := range l.intents {
		if in.Sender == sender {
			ptrs = append(ptrs, in)
		}
	}
	l.mu.RUnlock()
	out := make([]Intent, 0, len(ptrs))
	for _, in := range ptrs {
		out = append(out, l.snapshot(in))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// EscrowedTotal is the sum of sender's open intents.
func (l *Ledger) EscrowedTotal(sender kernel.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.escrowed[sender]
}

// CustodyBalance is what the custody address holds.
func (l *Ledger) CustodyBalance() int64 {
	return l.bank.BalanceOf(l.cfg.Address)
}

// SetAttester rotates the attester key. Owner only.
func (l *Ledger) SetAttester(c *kernel.Call, key string) error {
	if c.Caller() != l.cfg.Owner {
		return kernel.ErrNotAuthorized.With("attester rotation is owner-only")
	}
	v, err := crypto.NewVerifierFromMultibase(key)
	if err != nil {
		return kernel.ErrBadCalldata.With("attester key: %v", err)
	}
	l.mu.Lock()
	prevKey, prev := l.cfg.Attester, l.attester
	l.cfg.Attester, l.attester = key, v
	l.mu.Unlock()
	c.OnRollback(func() {
		l.mu.Lock()
		l.cfg.Attester, l.attester = prevKey, prev
		l.mu.Unlock()
	})
	c.Emit(l.cfg.Address, "escrow.attester_set", map[string]any{"attester": key})
	return nil
}

// Component implements the governor's upgradeable contract.
func (l *Ledger) Component() string { return ComponentName }

// CodeHash returns the current code hash.
func (l *Ledger) CodeHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.codeHash
}

// ApplyUpgrade records the new code hash. Reachable only through the
// governor.
func (l *Ledger) ApplyUpgrade(c *kernel.Call, hash string) error {
	if _, err := crypto.ParseHash(hash); err != nil {
		return kernel.ErrBadCalldata.With("%v", err)
	}
	l.mu.Lock()
	prev := l.codeHash
	l.codeHash = hash
	l.mu.Unlock()
	c.OnRollback(func() {
		l.mu.Lock()
		l.codeHash = prev
		l.mu.Unlock()
	})
	return nil
}

// CreateArgs are the calldata arguments of "create".
type CreateArgs struct {
	IntentID            string `json:"intentId"`
	RecipientCommitment string `json:"recipientCommitment"`
	Amount              int64  `json:"amount"`
	Expiry              int64  `json:"expiry"`
}

// ReleaseArgs are the calldata arguments of "release".
type ReleaseArgs struct {
	IntentID string         `json:"intentId"`
	Claimant kernel.Address `json:"claimant"`
	Proof    string         `json:"proof"`
}

// IntentArgs name an intent for "revoke" and "refund".
type IntentArgs struct {
	IntentID string `json:"intentId"`
}

// Invoke implements kernel.Contract. The caller is the sender: create pulls
// the amount from the caller's balance, so calls must carry no value.
func (l *Ledger) Invoke(c *kernel.Call, value int64, method string, args json.RawMessage) (any, error) {
	if value != 0 {
		return nil, kernel.ErrBadCalldata.With("escrow.%s takes no value; amounts are pulled from the sender", method)
	}
	switch method {
	case "create":
		var a CreateArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return l.Create(c, a.IntentID, c.Caller(), a.RecipientCommitment, a.Amount, time.Unix(a.Expiry, 0))
	case "release":
		var a ReleaseArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return l.Release(c, a.IntentID, a.Claimant, a.Proof)
	case "revoke":
		var a IntentArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return l.Revoke(c, a.IntentID)
	case "refund":
		var a IntentArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return l.Refund(c, a.IntentID)
	default:
		return nil, kernel.ErrUnknownMethod.With("escrow.%s", method)
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return kernel.ErrBadCalldata.With("missing args")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return kernel.ErrBadCalldata.With("%v", err)
	}
	return nil
}
