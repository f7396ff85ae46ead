package kernel

import (
	"context"
	"time"
)

// Event is an auditable fact emitted by a component during an entry point.
// Events are buffered on the call and only reach the ledger when the
// entry point commits.
type Event struct {
	Type    string         `json:"type"`
	Emitter Address        `json:"emitter"`
	Data    map[string]any `json:"data"`
}

// journal is shared by a top-level call and every nested call made from it.
type journal struct {
	undo   []func()
	events []Event
}

// Call is the execution context of one entry point. It carries the caller,
// the log clock reading, and the undo journal that makes the entry point
// atomic. Nested calls share the journal of their parent.
type Call struct {
	ctx     context.Context
	caller  Address
	origin  Address
	now     time.Time
	op      string
	depth   int
	journal *journal
}

// Savepoint marks a position in the journal that can be rolled back to
// without aborting the whole entry point.
type Savepoint struct {
	undo   int
	events int
}

// NewCall starts a top-level call. The Sequencer is the normal constructor;
// components' unit tests use it directly.
func NewCall(ctx context.Context, op string, caller Address, now time.Time) *Call {
	c := &Call{
		caller:  caller,
		origin:  caller,
		now:     now.UTC().Truncate(time.Second),
		op:      op,
		journal: &journal{},
	}
	c.ctx = WithCall(ctx, c)
	return c
}

// Context returns a context carrying this call. Code that re-enters the node
// from inside a call (transfer hooks, nested executions) must use it.
func (c *Call) Context() context.Context { return c.ctx }

// Caller is the immediate caller of the current frame.
func (c *Call) Caller() Address { return c.caller }

// Origin is the caller of the top-level entry point.
func (c *Call) Origin() Address { return c.origin }

// Now is the log clock reading for this entry point. Constant for the
// whole call tree.
func (c *Call) Now() time.Time { return c.now }

// Op is the name of the top-level operation.
func (c *Call) Op() string { return c.op }

// Depth is the nesting level, zero for the top-level frame.
func (c *Call) Depth() int { return c.depth }

// As returns a nested frame with a different caller, sharing clock and journal.
func (c *Call) As(caller Address) *Call {
	n := &Call{
		caller:  caller,
		origin:  c.origin,
		now:     c.now,
		op:      c.op,
		depth:   c.depth + 1,
		journal: c.journal,
	}
	n.ctx = WithCall(c.ctx, n)
	return n
}

// OnRollback registers fn to undo a mutation that was just applied.
func (c *Call) OnRollback(fn func()) {
	c.journal.undo = append(c.journal.undo, fn)
}

// Emit buffers an event.
func (c *Call) Emit(emitter Address, typ string, data map[string]any) {
	c.journal.events = append(c.journal.events, Event{Type: typ, Emitter: emitter, Data: data})
}

// Events returns the events buffered so far.
func (c *Call) Events() []Event {
	out := make([]Event, len(c.journal.events))
	copy(out, c.journal.events)
	return out
}

// Savepoint captures the current journal position.
func (c *Call) Savepoint() Savepoint {
	return Savepoint{undo: len(c.journal.undo), events: len(c.journal.events)}
}

// RollbackTo undoes every mutation and drops every event recorded after sp.
func (c *Call) RollbackTo(sp Savepoint) {
	for i := len(c.journal.undo) - 1; i >= sp.undo; i-- {
		c.journal.undo[i]()
	}
	c.journal.undo = c.journal.undo[:sp.undo]
	c.journal.events = c.journal.events[:sp.events]
}

// Rollback undoes the whole call tree.
func (c *Call) Rollback() {
	c.RollbackTo(Savepoint{})
}

type callKey struct{}

// WithCall attaches c to ctx.
func WithCall(ctx context.Context, c *Call) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the call in flight on ctx, if any.
func CallFrom(ctx context.Context) (*Call, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(callKey{}).(*Call)
	return c, ok
}
