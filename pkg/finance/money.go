package finance

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Money represents a monetary value in the settlement asset.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Scale       int    `json:"scale"` // e.g. 6 for USDC
}

// Asset describes the single settlement asset of a node.
type Asset struct {
	Currency string `json:"currency" yaml:"currency"`
	Scale    int    `json:"scale" yaml:"scale"`
}

// DefaultAsset is a six-decimal dollar stablecoin.
var DefaultAsset = Asset{Currency: "USDC", Scale: 6}

// Of wraps a minor-unit amount in the asset.
func (a Asset) Of(amount int64) Money {
	return Money{AmountMinor: amount, Currency: a.Currency, Scale: a.Scale}
}

// ErrOverflow reports an amount that does not fit in int64 minor units.
var ErrOverflow = errors.New("amount overflow")

// AddMinor adds two minor-unit amounts, failing instead of wrapping.
func AddMinor(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// String renders the amount in major units, e.g. "0.010000 USDC".
func (m Money) String() string {
	if m.Scale <= 0 {
		return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
	}
	sign := ""
	v := m.AmountMinor
	if v < 0 {
		sign = "-"
	}
	digits := fmt.Sprintf("%d", v)
	digits = strings.TrimPrefix(digits, "-")
	if len(digits) <= m.Scale {
		digits = strings.Repeat("0", m.Scale-len(digits)+1) + digits
	}
	cut := len(digits) - m.Scale
	return fmt.Sprintf("%s%s.%s %s", sign, digits[:cut], digits[cut:], m.Currency)
}
