package kernel

import "sync/atomic"

// Guard is a per-component exclusive flag held for the duration of a
// mutation. A second Enter while held fails instead of blocking, which is
// what turns a re-entrant call from a transfer hook into a clean rejection.
type Guard struct {
	name    string
	entered atomic.Bool
}

// NewGuard names the guarded component for error messages.
func NewGuard(name string) *Guard {
	return &Guard{name: name}
}

// Enter takes the guard. The returned func releases it and must be deferred.
func (g *Guard) Enter() (func(), error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall.With("%s: mutation already in flight", g.name)
	}
	return func() { g.entered.Store(false) }, nil
}

// Held reports whether a mutation is in flight.
func (g *Guard) Held() bool {
	return g.entered.Load()
}
