// Package kernel provides the single serialization point every state change
// goes through: the Sequencer, its log clock, the undo journal that makes
// each entry point atomic, and the totally ordered operation log.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Sink receives the events of every committed entry, in commit order.
type Sink interface {
	Publish(ctx context.Context, position uint64, at time.Time, events []Event) error
}

// Dispatcher re-executes a committed entry during recovery.
type Dispatcher func(c *Call, e Entry) error

// Sequencer runs entry points one at a time against the operation log.
// It is a trusted single writer: the lock is the total order.
type Sequencer struct {
	mu     sync.RWMutex
	log    TotalOrderLog
	clock  func() time.Time
	last   time.Time
	sinks  []Sink
	logger *slog.Logger
	tracer trace.Tracer
	ops    metric.Int64Counter
}

// NewSequencer creates a sequencer that commits to log.
func NewSequencer(log TotalOrderLog) *Sequencer {
	s := &Sequencer{
		log:    log,
		clock:  time.Now,
		logger: slog.Default().With("component", "sequencer"),
		tracer: otel.Tracer("paycore/kernel"),
	}
	s.ops, _ = otel.Meter("paycore/kernel").Int64Counter("paycore.operations",
		metric.WithDescription("Entry points processed, by operation and outcome"))
	return s
}

// WithClock overrides the wall clock feeding the log clock.
func (s *Sequencer) WithClock(clock func() time.Time) *Sequencer {
	s.clock = clock
	return s
}

// WithLogger overrides the logger.
func (s *Sequencer) WithLogger(logger *slog.Logger) *Sequencer {
	s.logger = logger.With("component", "sequencer")
	return s
}

// WithSink adds a consumer of committed events.
func (s *Sequencer) WithSink(sink Sink) *Sequencer {
	s.sinks = append(s.sinks, sink)
	return s
}

// Log exposes the underlying operation log.
func (s *Sequencer) Log() TotalOrderLog { return s.log }

// Now returns what the log clock would read for the next entry point.
func (s *Sequencer) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading()
}

func (s *Sequencer) reading() time.Time {
	now := s.clock().UTC().Truncate(time.Second)
	if now.Before(s.last) {
		return s.last
	}
	return now
}

// Do runs fn as the entry point op on behalf of caller. On error every
// effect recorded on the call is undone and nothing is committed. When ctx
// already carries a call, fn runs as a nested frame of that call instead:
// same clock, same journal, no second lock.
func (s *Sequencer) Do(ctx context.Context, caller Address, op string, args any, fn func(*Call) error) error {
	if parent, ok := CallFrom(ctx); ok {
		frame := parent.As(caller)
		sp := parent.Savepoint()
		if err := fn(frame); err != nil {
			parent.RollbackTo(sp)
			return err
		}
		return nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.reading()
	s.last = now
	return s.apply(ctx, caller, op, raw, now, fn)
}

func (s *Sequencer) apply(ctx context.Context, caller Address, op string, args json.RawMessage, now time.Time, fn func(*Call) error) error {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("paycore.op", op),
		attribute.String("paycore.caller", string(caller)),
	))
	defer span.End()

	c := NewCall(ctx, op, caller, now)
	if err := fn(c); err != nil {
		c.Rollback()
		span.SetStatus(codes.Error, err.Error())
		s.count(ctx, op, CodeOf(err))
		s.logger.WarnContext(ctx, "operation rejected", "op", op, "caller", caller, "code", CodeOf(err), "error", err)
		return err
	}

	entry := Entry{Op: op, Caller: caller, Args: args, At: now.Unix(), Events: c.Events()}
	envelope, err := json.Marshal(entry)
	if err != nil {
		c.Rollback()
		return fmt.Errorf("encode %s entry: %w", op, err)
	}
	toe, err := s.log.Commit(ctx, op, envelope, now)
	if err != nil {
		c.Rollback()
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "operation commit failed", "op", op, "error", err)
		return fmt.Errorf("commit %s: %w", op, err)
	}

	s.publish(ctx, toe.OrderPosition, now, entry.Events)
	s.count(ctx, op, "ok")
	span.SetAttributes(attribute.Int64("paycore.position", int64(toe.OrderPosition)))
	s.logger.DebugContext(ctx, "operation committed", "op", op, "caller", caller, "position", toe.OrderPosition)
	return nil
}

// View runs a read under the shared lock so it observes a state between
// entry points. Inside a call it runs directly.
func (s *Sequencer) View(ctx context.Context, fn func(now time.Time) error) error {
	if c, ok := CallFrom(ctx); ok {
		return fn(c.Now())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.reading())
}

// Recover re-executes every committed entry of the log, in order, at its
// recorded time. It must run before the first Do. A committed entry that
// fails to replay means the state has diverged from the log.
func (s *Sequencer) Recover(ctx context.Context, dispatch Dispatcher) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.log.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	const batch = 512
	for start := uint64(0); start < n; start += batch {
		events, err := s.log.Range(ctx, start, start+batch)
		if err != nil {
			return start, fmt.Errorf("recover: %w", err)
		}
		for _, toe := range events {
			entry, err := toe.Entry()
			if err != nil {
				return toe.OrderPosition, err
			}
			c := NewCall(ctx, entry.Op, entry.Caller, entry.Time())
			if err := dispatch(c, entry); err != nil {
				c.Rollback()
				return toe.OrderPosition, fmt.Errorf("replay %s at %d diverged: %w", entry.Op, toe.OrderPosition, err)
			}
			if entry.Time().After(s.last) {
				s.last = entry.Time()
			}
			s.publish(ctx, toe.OrderPosition, entry.Time(), c.Events())
		}
	}
	s.logger.InfoContext(ctx, "log recovered", "entries", n)
	return n, nil
}

func (s *Sequencer) publish(ctx context.Context, position uint64, at time.Time, events []Event) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, position, at, events); err != nil {
			// The entry is committed; sinks are derived state.
			s.logger.ErrorContext(ctx, "event sink failed", "position", position, "error", err)
		}
	}
}

func (s *Sequencer) count(ctx context.Context, op, outcome string) {
	if s.ops == nil {
		return
	}
	s.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}
