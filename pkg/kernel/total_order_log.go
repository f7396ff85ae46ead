package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// GenesisHash is the previous-hash of the first committed entry.
const GenesisHash = "genesis"

// Entry is the committed record of one successful entry point. Replaying
// every entry in order at its recorded time rebuilds the node state.
type Entry struct {
	Op     string          `json:"op"`
	Caller Address         `json:"caller"`
	Args   json.RawMessage `json:"args,omitempty"`
	At     int64           `json:"at"`
	Events []Event         `json:"events,omitempty"`
}

// Time returns the log clock reading of the entry.
func (e Entry) Time() time.Time {
	return time.Unix(e.At, 0).UTC()
}

// TotalOrderEvent is an entry with its unique position in the total order.
type TotalOrderEvent struct {
	// OrderPosition is the globally unique position in total order
	OrderPosition uint64 `json:"order_position"`
	// Envelope is the encoded Entry
	Envelope json.RawMessage `json:"envelope"`
	// CommitHash is the chained hash at this position
	CommitHash string `json:"commit_hash"`
	// PreviousHash links to the previous event
	PreviousHash string `json:"previous_hash"`
	// CommittedAt is the log clock reading of the entry
	CommittedAt time.Time `json:"committed_at"`
	// Op names the operation, duplicated out of the envelope for indexing
	Op string `json:"op"`
}

// Entry decodes the envelope.
func (e *TotalOrderEvent) Entry() (Entry, error) {
	var out Entry
	if err := json.Unmarshal(e.Envelope, &out); err != nil {
		return Entry{}, fmt.Errorf("decode log entry %d: %w", e.OrderPosition, err)
	}
	return out, nil
}

// TotalOrderLog is the single append-only, totally ordered operation log.
type TotalOrderLog interface {
	// Commit appends an envelope, assigning it the next position.
	Commit(ctx context.Context, op string, envelope json.RawMessage, at time.Time) (*TotalOrderEvent, error)

	// Get retrieves an event by its order position.
	Get(ctx context.Context, position uint64) (*TotalOrderEvent, error)

	// Range returns events in [start, end).
	Range(ctx context.Context, start, end uint64) ([]*TotalOrderEvent, error)

	// Head returns the latest committed event.
	Head(ctx context.Context) (*TotalOrderEvent, error)

	// Verify checks the hash chain over [start, end).
	Verify(ctx context.Context, start, end uint64) (bool, error)

	// Len returns the number of committed events.
	Len(ctx context.Context) (uint64, error)
}

// InMemoryTotalOrderLog keeps the log in process memory.
type InMemoryTotalOrderLog struct {
	mu     sync.RWMutex
	events []*TotalOrderEvent
}

// NewInMemoryTotalOrderLog creates an empty log.
func NewInMemoryTotalOrderLog() *InMemoryTotalOrderLog {
	return &InMemoryTotalOrderLog{
		events: make([]*TotalOrderEvent, 0),
	}
}

// Commit implements TotalOrderLog.
func (l *InMemoryTotalOrderLog) Commit(ctx context.Context, op string, envelope json.RawMessage, at time.Time) (*TotalOrderEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position := uint64(len(l.events))
	previousHash := GenesisHash
	if position > 0 {
		previousHash = l.events[position-1].CommitHash
	}
	at = at.UTC()

	toe := &TotalOrderEvent{
		OrderPosition: position,
		Envelope:      envelope,
		CommitHash:    ComputeCommitHash(position, envelope, previousHash, at, op),
		PreviousHash:  previousHash,
		CommittedAt:   at,
		Op:            op,
	}

	l.events = append(l.events, toe)
	return toe, nil
}

// Get implements TotalOrderLog.
func (l *InMemoryTotalOrderLog) Get(ctx context.Context, position uint64) (*TotalOrderEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if position >= uint64(len(l.events)) {
		return nil, ErrEventNotFound
	}
	return l.events[position], nil
}

// Range implements TotalOrderLog.
func (l *InMemoryTotalOrderLog) Range(ctx context.Context, start, end uint64) ([]*TotalOrderEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if end > uint64(len(l.events)) {
		end = uint64(len(l.events))
	}
	if start >= end {
		return nil, nil
	}

	result := make([]*TotalOrderEvent, end-start)
	copy(result, l.events[start:end])
	return result, nil
}

// Head implements TotalOrderLog.
func (l *InMemoryTotalOrderLog) Head(ctx context.Context) (*TotalOrderEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.events) == 0 {
		return nil, ErrEventNotFound
	}
	return l.events[len(l.events)-1], nil
}

// Verify implements TotalOrderLog.
func (l *InMemoryTotalOrderLog) Verify(ctx context.Context, start, end uint64) (bool, error) {
	events, err := l.Range(ctx, 0, end)
	if err != nil {
		return false, err
	}
	return VerifyChain(events, start)
}

// Len implements TotalOrderLog.
func (l *InMemoryTotalOrderLog) Len(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events)), nil
}

// VerifyChain checks linkage and commit hashes of events[start:]. events
// must begin at position zero so the linkage of the first checked entry can
// be resolved.
func VerifyChain(events []*TotalOrderEvent, start uint64) (bool, error) {
	for i := start; i < uint64(len(events)); i++ {
		event := events[i]

		expectedPrevHash := GenesisHash
		if i > 0 {
			expectedPrevHash = events[i-1].CommitHash
		}
		if event.OrderPosition != i {
			return false, fmt.Errorf("hash chain broken at %d: position %d out of order", i, event.OrderPosition)
		}
		if event.PreviousHash != expectedPrevHash {
			return false, fmt.Errorf("hash chain broken at %d: %w", i, errPrevHashMismatch)
		}

		expectedHash := ComputeCommitHash(
			event.OrderPosition,
			event.Envelope,
			event.PreviousHash,
			event.CommittedAt,
			event.Op,
		)
		if event.CommitHash != expectedHash {
			return false, fmt.Errorf("hash chain broken at %d: %w", i, errCommitHashMismatch)
		}
	}
	return true, nil
}

var (
	errPrevHashMismatch   = errors.New("previous hash mismatch")
	errCommitHashMismatch = errors.New("commit hash mismatch")
)

// ComputeCommitHash computes the chained hash for an event.
func ComputeCommitHash(position uint64, envelope json.RawMessage, prevHash string, commitTime time.Time, op string) string {
	h := sha256.New()

	// Position (8 bytes, big endian)
	posBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(posBytes, position)
	h.Write(posBytes)

	h.Write([]byte(prevHash))
	h.Write(envelope)
	h.Write([]byte(commitTime.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(op))

	return hex.EncodeToString(h.Sum(nil))
}
