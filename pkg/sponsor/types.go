// Package sponsor decides whether to underwrite the execution cost of an
// identity's operation and tracks what each identity has consumed in the
// current daily window against the engine-wide caps.
package sponsor

import (
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// WindowLength is the accounting window: one UTC day.
const WindowLength = 24 * time.Hour

// WindowID numbers the UTC day containing t.
func WindowID(t time.Time) int64 {
	return t.Unix() / int64(WindowLength/time.Second)
}

// WindowStart is the first instant of window id.
func WindowStart(id int64) time.Time {
	return time.Unix(id*int64(WindowLength/time.Second), 0).UTC()
}

// Policy is the engine-wide sponsorship policy. Changes apply immediately
// to every identity.
type Policy struct {
	PerOpCap   int64 `json:"perOpCap" yaml:"per_op_cap"`
	PerDayCap  int64 `json:"perDayCap" yaml:"per_day_cap"`
	MinReserve int64 `json:"minReserve" yaml:"min_reserve"`
}

// Record is the stored per-identity state.
type Record struct {
	Identity kernel.Address `json:"identity"`
	Eligible bool           `json:"eligible"`
	WindowID int64          `json:"window_id"`
	Consumed int64          `json:"consumed"`
	// Pending is the declared cost of approved, unsettled tokens issued in
	// WindowID. It counts toward the daily cap until settled.
	Pending int64 `json:"pending"`
}

// roll moves r into window w, clearing the counters of an older window.
func (r *Record) roll(w int64) {
	if r.WindowID != w {
		r.WindowID = w
		r.Consumed = 0
		r.Pending = 0
	}
}

// Account is the sponsorship view of one identity in the current window.
type Account struct {
	Identity         kernel.Address `json:"identity"`
	Eligible         bool           `json:"eligible"`
	DailyConsumed    int64          `json:"dailyConsumed"`
	DailyPending     int64          `json:"dailyPending"`
	DailyWindowStart time.Time      `json:"dailyWindowStart"`
	PerOpCap         int64          `json:"perOpCap"`
	PerDayCap        int64          `json:"perDayCap"`
	MinReserve       int64          `json:"minReserve"`
}

// Deny reasons.
const (
	ReasonApproved            = "Approved"
	ReasonInsufficientReserve = "InsufficientReserve"
	ReasonNotEligible         = "NotEligible"
	ReasonOpCapExceeded       = "OpCapExceeded"
	ReasonDailyCapExceeded    = "DailyCapExceeded"
)

var (
	ErrInsufficientReserve = kernel.NewError(kernel.CategoryResourceExhausted, ReasonInsufficientReserve, "reserve would fall below minimum")
	ErrNotEligible         = kernel.NewError(kernel.CategoryAuthorization, ReasonNotEligible, "identity is not eligible for sponsorship")
	ErrOpCapExceeded       = kernel.NewError(kernel.CategoryResourceExhausted, ReasonOpCapExceeded, "declared cost exceeds per-operation cap")
	ErrDailyCapExceeded    = kernel.NewError(kernel.CategoryResourceExhausted, ReasonDailyCapExceeded, "declared cost exceeds remaining daily allowance")
	ErrInvalidToken        = kernel.NewError(kernel.CategoryStateConflict, "InvalidToken", "token unknown or already settled")
	ErrInvalidCost         = kernel.NewError(kernel.CategoryValidation, "InvalidCost", "cost must not be negative")
	ErrCostExceedsDeclared = kernel.NewError(kernel.CategoryValidation, "CostExceedsDeclared", "actual cost above declared maximum")
	ErrInvalidPolicy       = kernel.NewError(kernel.CategoryValidation, "InvalidPolicy", "policy values must not be negative")
)

// Decision is the result of an evaluation.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Token    string `json:"token,omitempty"`
}

// Err returns the sentinel matching a denial, nil when approved.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonInsufficientReserve:
		return ErrInsufficientReserve
	case ReasonNotEligible:
		return ErrNotEligible
	case ReasonOpCapExceeded:
		return ErrOpCapExceeded
	case ReasonDailyCapExceeded:
		return ErrDailyCapExceeded
	}
	return nil
}

func deny(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}
