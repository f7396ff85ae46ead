// Package governor gates every code replacement behind a mandatory delay.
// An upgrade is queued by the owner, becomes executable once its grace
// period has elapsed, and is consumed when executed.
package governor

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// DefaultGracePeriod is the minimum delay between queue and execution.
const DefaultGracePeriod = 48 * time.Hour

// EventUpgradeApplied is emitted when a component takes a new code hash.
const EventUpgradeApplied = "upgrade.applied"

var (
	ErrUpgradeBlocked       = kernel.NewError(kernel.CategoryStateConflict, "UpgradeBlocked", "upgrade not queued or grace period not elapsed")
	ErrUpgradeAlreadyQueued = kernel.NewError(kernel.CategoryStateConflict, "UpgradeAlreadyQueued", "code hash already pending")
	ErrUpgradeNotQueued     = kernel.NewError(kernel.CategoryValidation, "UpgradeNotQueued", "code hash not pending")
	ErrUnknownComponent     = kernel.NewError(kernel.CategoryValidation, "UnknownComponent", "no upgradeable component by that name")
	ErrInvalidCodeHash      = kernel.NewError(kernel.CategoryValidation, "InvalidCodeHash", "code hash must be 0x-prefixed 32-byte hex")
)

// PendingUpgrade is a queued code hash.
type PendingUpgrade struct {
	TargetCodeHash string    `json:"targetCodeHash"`
	QueuedAt       time.Time `json:"queuedAt"`
	ETA            time.Time `json:"eta"`
}

// Upgradeable is a component whose code hash only changes through the
// governor.
type Upgradeable interface {
	Component() string
	CodeHash() string
	ApplyUpgrade(c *kernel.Call, hash string) error
}

// Config wires a Governor.
type Config struct {
	Address     kernel.Address
	Owner       kernel.Address
	GracePeriod time.Duration
}

// Governor holds the upgrade queue and the registry of upgradeable
// components.
type Governor struct {
	mu         sync.RWMutex
	cfg        Config
	pending    map[string]PendingUpgrade
	components map[string]Upgradeable
	logger     *slog.Logger
}

// New creates a governor. A zero grace period takes the default.
func New(cfg Config) *Governor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Governor{
		cfg:        cfg,
		pending:    make(map[string]PendingUpgrade),
		components: make(map[string]Upgradeable),
		logger:     slog.Default().With("component", "governor"),
	}
}

// WithLogger overrides the logger.
func (g *Governor) WithLogger(logger *slog.Logger) *Governor {
	g.logger = logger.With("component", "governor")
	return g
}

// Register adds u to the components Execute can upgrade.
func (g *Governor) Register(u Upgradeable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.components[u.Component()] = u
}

// GracePeriod returns the configured delay.
func (g *Governor) GracePeriod() time.Duration { return g.cfg.GracePeriod }

// Address returns the governor address.
func (g *Governor) Address() kernel.Address { return g.cfg.Address }

func (g *Governor) requireOwner(c *kernel.Call) error {
	if c.Caller() != g.cfg.Owner {
		return kernel.ErrNotAuthorized.With("upgrade administration is owner-only")
	}
	return nil
}

func (g *Governor) set(c *kernel.Call, hash string, p *PendingUpgrade) {
	g.mu.Lock()
	prev, had := g.pending[hash]
	if p == nil {
		delete(g.pending, hash)
	} else {
		g.pending[hash] = *p
	}
	g.mu.Unlock()
	c.OnRollback(func() {
		g.mu.Lock()
		if had {
			g.pending[hash] = prev
		} else {
			delete(g.pending, hash)
		}
		g.mu.Unlock()
	})
}

// Queue records hash with eta = now + grace period.
func (g *Governor) Queue(c *kernel.Call, hash string) (PendingUpgrade, error) {
	if err := g.requireOwner(c); err != nil {
		return PendingUpgrade{}, err
	}
	if _, err := crypto.ParseHash(hash); err != nil {
		return PendingUpgrade{}, ErrInvalidCodeHash.With("%v", err)
	}
	hash = strings.ToLower(hash)
	if _, ok := g.Pending(hash); ok {
		return PendingUpgrade{}, ErrUpgradeAlreadyQueued.With("%s", hash)
	}
	now := c.Now()
	p := PendingUpgrade{TargetCodeHash: hash, QueuedAt: now, ETA: now.Add(g.cfg.GracePeriod)}
	g.set(c, hash, &p)

	c.Emit(g.cfg.Address, "governor.queued", map[string]any{
		"code_hash": hash,
		"queued_at": now.Unix(),
		"eta":       p.ETA.Unix(),
	})
	g.logger.Info("upgrade queued", "code_hash", hash, "eta", p.ETA)
	return p, nil
}

// AuthorizeUpgrade consumes the queue entry for hash. It fails with
// ErrUpgradeBlocked unless the entry exists, its eta was derived from its
// own queue time, and now has reached the eta.
func (g *Governor) AuthorizeUpgrade(c *kernel.Call, hash string) (PendingUpgrade, error) {
	hash = strings.ToLower(hash)
	p, ok := g.Pending(hash)
	if !ok {
		return PendingUpgrade{}, ErrUpgradeBlocked.With("%s is not queued", hash)
	}
	if !p.ETA.Add(-g.cfg.GracePeriod).Equal(p.QueuedAt) {
		return PendingUpgrade{}, ErrUpgradeBlocked.With("%s eta does not match its queue time", hash)
	}
	if c.Now().Before(p.ETA) {
		return PendingUpgrade{}, ErrUpgradeBlocked.With("%s executable at %s", hash, p.ETA.Format(time.RFC3339))
	}
	g.set(c, hash, nil)

	c.Emit(g.cfg.Address, "governor.authorized", map[string]any{
		"code_hash": hash,
		"queued_at": p.QueuedAt.Unix(),
	})
	return p, nil
}

// Cancel drops a queued hash.
func (g *Governor) Cancel(c *kernel.Call, hash string) error {
	if err := g.requireOwner(c); err != nil {
		return err
	}
	hash = strings.ToLower(hash)
	if _, ok := g.Pending(hash); !ok {
		return ErrUpgradeNotQueued.With("%s", hash)
	}
	g.set(c, hash, nil)
	c.Emit(g.cfg.Address, "governor.cancelled", map[string]any{"code_hash": hash})
	g.logger.Info("upgrade cancelled", "code_hash", hash)
	return nil
}

// Execute authorizes hash and applies it to the named component. It is the
// only path to a component's ApplyUpgrade.
func (g *Governor) Execute(c *kernel.Call, component, hash string) error {
	if err := g.requireOwner(c); err != nil {
		return err
	}
	g.mu.RLock()
	u, ok := g.components[component]
	g.mu.RUnlock()
	if !ok {
		return ErrUnknownComponent.With("%s", component)
	}
	hash = strings.ToLower(hash)
	p, err := g.AuthorizeUpgrade(c, hash)
	if err != nil {
		return err
	}
	prev := u.CodeHash()
	if err := u.ApplyUpgrade(c.As(g.cfg.Address), hash); err != nil {
		return err
	}
	c.Emit(g.cfg.Address, EventUpgradeApplied, map[string]any{
		"component":      component,
		"code_hash":      hash,
		"prev_code_hash": prev,
		"queued_at":      p.QueuedAt.Unix(),
	})
	g.logger.Info("upgrade applied", "component", component, "code_hash", hash)
	return nil
}

// Pending returns the queue entry for hash. Hex case is ignored.
func (g *Governor) Pending(hash string) (PendingUpgrade, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.pending[strings.ToLower(hash)]
	return p, ok
}

// Queued lists pending upgrades by eta.
func (g *Governor) Queued() []PendingUpgrade {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]PendingUpgrade, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETA.Equal(out[j].ETA) {
			return out[i].TargetCodeHash < out[j].TargetCodeHash
		}
		return out[i].ETA.Before(out[j].ETA)
	})
	return out
}

// Components lists the registered component names and their code hashes.
func (g *Governor) Components() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.components))
	for name, u := range g.components {
		out[name] = u.CodeHash()
	}
	return out
}
