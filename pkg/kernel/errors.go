package kernel

import (
	"errors"
	"fmt"
)

// Category classifies a rejection. Every category is a synchronous
// rejection with no state change; the caller decides whether to retry.
type Category string

const (
	CategoryValidation        Category = "VALIDATION"
	CategoryAuthorization     Category = "AUTHORIZATION"
	CategoryStateConflict     Category = "STATE_CONFLICT"
	CategoryResourceExhausted Category = "RESOURCE_EXHAUSTED"
	CategoryInternal          Category = "INTERNAL"
)

// Error is a coded rejection. Two errors match under errors.Is when their
// codes are equal, so wrapped errors still compare against the sentinels.
type Error struct {
	Category Category `json:"category"`
	Code     string   `json:"code"`
	Msg      string   `json:"message"`
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is matches on Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy carrying a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Category: e.Category, Code: e.Code, Msg: fmt.Sprintf(format, args...)}
}

// NewError declares a sentinel.
func NewError(cat Category, code, msg string) *Error {
	return &Error{Category: cat, Code: code, Msg: msg}
}

// CategoryOf reports the category of err, CategoryInternal for uncoded errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// CodeOf reports the code of err, "Internal" for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Internal"
}

// Kernel-level sentinels.
var (
	ErrReentrantCall = NewError(CategoryAuthorization, "ReentrantCall", "component mutation already in flight")
	ErrNotAuthorized = NewError(CategoryAuthorization, "NotAuthorized", "caller is not permitted")
	ErrNoContract    = NewError(CategoryValidation, "NoContract", "no contract registered at target")
	ErrBadCalldata   = NewError(CategoryValidation, "BadCalldata", "calldata could not be decoded")
	ErrUnknownMethod = NewError(CategoryValidation, "UnknownMethod", "method not exposed by contract")
	ErrUnknownOp     = NewError(CategoryValidation, "UnknownOperation", "operation not registered")
	ErrEventNotFound = NewError(CategoryValidation, "EventNotFound", "event not found")
)
