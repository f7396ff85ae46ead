// Package identity implements the identity factory and the accounts it
// provisions. An account's address is a pure function of the factory
// address, the caller supplied salt and the current account template, so
// clients can learn it before provisioning.
package identity

import (
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/finance"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
	"github.com/Mindburn-Labs/paycore/pkg/sponsor"
)

// ComponentName is the name the factory registers under with the governor.
const ComponentName = "identity"

// DefaultTemplate is the code hash of the initial account template.
var DefaultTemplate = crypto.Keccak256Hex([]byte("paycore.account.v1"))

// InitData is the payload of a provisioning request.
type InitData struct {
	OwnerKey             string `json:"encodedOwnerKey"`
	RecoveryCredentialID string `json:"recoveryCredentialId"`
	RecoveryKeyHash      string `json:"recoveryKeyHash"`
}

// Sponsor underwrites relayed operations.
type Sponsor interface {
	Evaluate(c *kernel.Call, identity kernel.Address, declaredMaxCost int64) (sponsor.Decision, error)
	Settle(c *kernel.Call, token string, actualCost int64, aborted bool) error
}

// Config wires a Factory.
type Config struct {
	// Address is the factory's own address; it seeds every derived address.
	Address kernel.Address
	// Executor is the designated executor channel.
	Executor kernel.Address
	// Owner may replace the account template, through the governor.
	Owner kernel.Address
	// Template is the initial template code hash; DefaultTemplate if empty.
	Template string
	// BaseCost and PerCallCost price a relayed operation.
	BaseCost    int64
	PerCallCost int64
}

// Factory provisions accounts and routes their calls.
type Factory struct {
	mu       sync.RWMutex
	cfg      Config
	template []byte
	accounts map[kernel.Address]*Account

	bank    *finance.Bank
	router  *kernel.Router
	sponsor Sponsor
	logger  *slog.Logger
}

// NewFactory creates a factory with no accounts.
func NewFactory(cfg Config, bank *finance.Bank, router *kernel.Router) (*Factory, error) {
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	tmpl, err := crypto.ParseHash(cfg.Template)
	if err != nil {
		return nil, err
	}
	return &Factory{
		cfg:      cfg,
		template: tmpl,
		accounts: make(map[kernel.Address]*Account),
		bank:     bank,
		router:   router,
		logger:   slog.Default().With("component", "identity"),
	}, nil
}

// WithSponsor attaches the sponsorship engine used for sponsored operations.
func (f *Factory) WithSponsor(s Sponsor) *Factory {
	f.sponsor = s
	return f
}

// WithLogger overrides the logger.
func (f *Factory) WithLogger(logger *slog.Logger) *Factory {
	f.logger = logger.With("component", "identity")
	return f
}

// Address returns the factory address.
func (f *Factory) Address() kernel.Address { return f.cfg.Address }

// Executor returns the executor channel address.
func (f *Factory) Executor() kernel.Address { return f.cfg.Executor }

// ComputeAddress returns the address Provision(salt, ...) would use under
// the current template.
func (f *Factory) ComputeAddress(salt string) kernel.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return crypto.Create2Address(f.cfg.Address, []byte(salt), f.template)
}

// Provision creates an account at ComputeAddress(salt).
func (f *Factory) Provision(c *kernel.Call, salt string, init InitData) (kernel.Address, error) {
	addr := f.ComputeAddress(salt)

	f.mu.Lock()
	if _, ok := f.accounts[addr]; ok {
		f.mu.Unlock()
		return "", ErrAlreadyProvisioned.With("%s", addr)
	}
	f.mu.Unlock()

	pub, err := crypto.DecodeMultibaseKey(init.OwnerKey)
	if err != nil {
		return "", ErrInvalidInitData.With("%v", err)
	}

	acct := &Account{
		factory:              f,
		address:              addr,
		salt:                 salt,
		ownerKey:             init.OwnerKey,
		ownerPub:             pub,
		recoveryCredentialID: init.RecoveryCredentialID,
		recoveryKeyHash:      init.RecoveryKeyHash,
		createdAt:            c.Now(),
		template:             f.CodeHash(),
	}

	f.mu.Lock()
	f.accounts[addr] = acct
	f.mu.Unlock()
	c.OnRollback(func() {
		f.mu.Lock()
		delete(f.accounts, addr)
		f.mu.Unlock()
	})

	c.Emit(f.cfg.Address, "identity.provisioned", map[string]any{
		"identity": addr,
		"owner":    init.OwnerKey,
		"salt":     salt,
	})
	f.logger.Info("identity provisioned", "identity", addr)
	return addr, nil
}

// Account returns the account at addr.
func (f *Factory) Account(addr kernel.Address) (*Account, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	acct, ok := f.accounts[addr]
	if !ok {
		return nil, ErrIdentityNotFound.With("%s", addr)
	}
	return acct, nil
}

// Exists reports whether addr is provisioned.
func (f *Factory) Exists(addr kernel.Address) bool {
	_, err := f.Account(addr)
	return err == nil
}

// Get returns a snapshot of the account at addr.
func (f *Factory) Get(addr kernel.Address) (View, error) {
	acct, err := f.Account(addr)
	if err != nil {
		return View{}, err
	}
	return acct.View(), nil
}

// Addresses lists provisioned accounts in address order.
func (f *Factory) Addresses() []kernel.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]kernel.Address, 0, len(f.accounts))
	for a := range f.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Component implements the governor's upgradeable contract.
func (f *Factory) Component() string { return ComponentName }

// CodeHash returns the current template hash.
func (f *Factory) CodeHash() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return "0x" + hex.EncodeToString(f.template)
}

// ApplyUpgrade replaces the account template. Existing accounts keep their
// addresses; only future derivations change. Reachable only through the
// governor.
func (f *Factory) ApplyUpgrade(c *kernel.Call, hash string) error {
	tmpl, err := crypto.ParseHash(hash)
	if err != nil {
		return kernel.ErrBadCalldata.With("%v", err)
	}
	f.mu.Lock()
	prev := f.template
	f.template = tmpl
	f.mu.Unlock()
	c.OnRollback(func() {
		f.mu.Lock()
		f.template = prev
		f.mu.Unlock()
	})
	return nil
}

// View is a read-only snapshot of an account.
type View struct {
	Address              kernel.Address `json:"identityAddress"`
	Salt                 string         `json:"salt"`
	OwnerKey             string         `json:"ownerKey"`
	OwnerAddress         kernel.Address `json:"ownerAddress"`
	RecoveryCredentialID string         `json:"recoveryCredentialId"`
	RecoveryKeyHash      string         `json:"recoveryKeyHash"`
	Nonce                uint64         `json:"nonce"`
	Balance              int64          `json:"balance"`
	Template             string         `json:"template"`
	CreatedAt            time.Time      `json:"createdAt"`
}
