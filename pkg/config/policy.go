package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the deployment policy file: channel keys, escrow windows,
// sponsorship limits, relay pricing and the upgrade delay.
type Policy struct {
	Keys     KeysConfig     `yaml:"keys" json:"keys"`
	Escrow   EscrowConfig   `yaml:"escrow" json:"escrow"`
	Sponsor  SponsorConfig  `yaml:"sponsor" json:"sponsor"`
	Relay    RelayConfig    `yaml:"relay" json:"relay"`
	Governor GovernorConfig `yaml:"governor" json:"governor"`
}

// KeysConfig names the privileged channels. Owner and executor are
// multibase Ed25519 public keys; their addresses derive from the keys.
type KeysConfig struct {
	Owner    string `yaml:"owner" json:"owner"`
	Executor string `yaml:"executor" json:"executor"`
	Attester string `yaml:"attester" json:"attester"`
}

// EscrowConfig bounds intent lifetimes.
type EscrowConfig struct {
	MaxDuration  time.Duration `yaml:"max_duration" json:"max_duration"`
	RevokeWindow time.Duration `yaml:"revoke_window" json:"revoke_window"`
}

// SponsorConfig is the initial sponsorship policy, in minor units.
type SponsorConfig struct {
	PerOpCap   int64 `yaml:"per_op_cap" json:"per_op_cap"`
	PerDayCap  int64 `yaml:"per_day_cap" json:"per_day_cap"`
	MinReserve int64 `yaml:"min_reserve" json:"min_reserve"`
}

// RelayConfig prices relayed operations, in minor units.
type RelayConfig struct {
	BaseCost    int64 `yaml:"base_cost" json:"base_cost"`
	PerCallCost int64 `yaml:"per_call_cost" json:"per_call_cost"`
}

// GovernorConfig sets the upgrade delay.
type GovernorConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
}

// DefaultPolicy returns the defaults applied to unset fields.
func DefaultPolicy() Policy {
	return Policy{
		Escrow: EscrowConfig{
			MaxDuration:  30 * 24 * time.Hour,
			RevokeWindow: time.Hour,
		},
		Sponsor: SponsorConfig{
			PerOpCap:   10_000,
			PerDayCap:  100_000,
			MinReserve: 1_000_000,
		},
		Relay: RelayConfig{
			BaseCost:    2_000,
			PerCallCost: 500,
		},
		Governor: GovernorConfig{GracePeriod: 48 * time.Hour},
	}
}

// LoadPolicy reads a policy YAML. Fields absent from the file keep their
// defaults; an empty path yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return &p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return &p, nil
}

// Validate rejects negative limits and non-positive windows.
func (p *Policy) Validate() error {
	switch {
	case p.Escrow.MaxDuration <= 0:
		return fmt.Errorf("escrow.max_duration must be positive")
	case p.Escrow.RevokeWindow <= 0:
		return fmt.Errorf("escrow.revoke_window must be positive")
	case p.Governor.GracePeriod <= 0:
		return fmt.Errorf("governor.grace_period must be positive")
	case p.Sponsor.PerOpCap < 0, p.Sponsor.PerDayCap < 0, p.Sponsor.MinReserve < 0:
		return fmt.Errorf("sponsor limits must not be negative")
	case p.Relay.BaseCost < 0, p.Relay.PerCallCost < 0:
		return fmt.Errorf("relay costs must not be negative")
	}
	return nil
}
