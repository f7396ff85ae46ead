// Package ledger keeps the audit trail of the payment core.
//
//   - Every event emitted by a committed entry point is appended once
//   - Each entry is hash-chained to its predecessor
//   - Append-only; no deletions or mutations
//
// Ledgers are derived state: they are fed by the Sequencer after commit and
// rebuilt from the operation log on replay.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/crypto"
	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// LedgerEntry is an immutable, hash-chained event record.
type LedgerEntry struct {
	Sequence    uint64                 `json:"sequence"`
	ID          string                 `json:"id"`
	Position    uint64                 `json:"position"`
	EntryType   string                 `json:"entry_type"`
	Emitter     kernel.Address         `json:"emitter"`
	ContentHash string                 `json:"content_hash"`
	PrevHash    string                 `json:"prev_hash"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data"`
}

// Ledger is an append-only, hash-chained log of events.
type Ledger struct {
	mu       sync.RWMutex
	entries  []LedgerEntry
	headHash string
}

// NewLedger creates an empty event ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries:  make([]LedgerEntry, 0),
		headHash: kernel.GenesisHash,
	}
}

// Publish implements kernel.Sink.
func (l *Ledger) Publish(_ context.Context, position uint64, at time.Time, events []kernel.Event) error {
	for i, ev := range events {
		id := EventID(position, i)
		if _, err := l.Append(id, position, ev, at); err != nil {
			return err
		}
	}
	return nil
}

// EventID names the i-th event of the entry at position. It is a pure
// function of the log, so replicas agree on it.
func EventID(position uint64, i int) string {
	return fmt.Sprintf("evt-%d-%d", position, i)
}

type hashInput struct {
	Seq      uint64                 `json:"seq"`
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Emitter  kernel.Address         `json:"emitter"`
	At       int64                  `json:"at"`
	Data     map[string]interface{} `json:"data"`
	PrevHash string                 `json:"prev"`
}

func contentHash(in hashInput) (string, error) {
	raw, err := crypto.CanonicalMarshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Append adds an event to the ledger. Returns the sequence number.
func (l *Ledger) Append(id string, position uint64, ev kernel.Event, at time.Time) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	at = at.UTC()
	hash, err := contentHash(hashInput{seq, id, ev.Type, ev.Emitter, at.Unix(), ev.Data, l.headHash})
	if err != nil {
		return 0, err
	}

	l.entries = append(l.entries, LedgerEntry{
		Sequence:    seq,
		ID:          id,
		Position:    position,
		EntryType:   ev.Type,
		Emitter:     ev.Emitter,
		ContentHash: hash,
		PrevHash:    l.headHash,
		Timestamp:   at,
		Data:        ev.Data,
	})
	l.headHash = hash
	return seq, nil
}

// Get retrieves an entry by sequence number.
func (l *Ledger) Get(seq uint64) (*LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Type    string
	Emitter kernel.Address
	After   uint64 // sequence, exclusive
	Limit   int
}

// Query returns entries matching f in sequence order.
func (l *Ledger) Query(f Filter) []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []LedgerEntry
	for _, e := range l.entries {
		if e.Sequence <= f.After {
			continue
		}
		if f.Type != "" && e.EntryType != f.Type {
			continue
		}
		if f.Emitter != "" && e.Emitter != f.Emitter {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify checks the integrity of the entire ledger chain.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := kernel.GenesisHash
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}

		computed, err := contentHash(hashInput{entry.Sequence, entry.ID, entry.EntryType, entry.Emitter, entry.Timestamp.Unix(), entry.Data, entry.PrevHash})
		if err != nil {
			return false, fmt.Sprintf("failed to marshal entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}

	return true, "chain verified"
}
