package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// EventUpgradeApplied is the event type the upgrade mechanism emits when a
// component's code hash changes.
const EventUpgradeApplied = "upgrade.applied"

// ReleaseRecord links an applied upgrade to the code it replaced and the
// time it was queued, so an auditor can check the grace period was honoured.
type ReleaseRecord struct {
	ReleaseID    string    `json:"release_id"`
	Component    string    `json:"component"`
	CodeHash     string    `json:"code_hash"`
	PrevCodeHash string    `json:"prev_code_hash,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
	ReleasedAt   time.Time `json:"released_at"`
	ContentHash  string    `json:"content_hash"`
	PrevHash     string    `json:"prev_release_hash"`
}

// ReleaseLedger is an append-only chain of applied upgrades.
type ReleaseLedger struct {
	mu       sync.Mutex
	entries  []ReleaseRecord
	headHash string
}

// NewReleaseLedger creates a new release ledger.
func NewReleaseLedger() *ReleaseLedger {
	return &ReleaseLedger{
		entries:  make([]ReleaseRecord, 0),
		headHash: kernel.GenesisHash,
	}
}

// Publish implements kernel.Sink, picking applied upgrades out of the
// committed events.
func (l *ReleaseLedger) Publish(_ context.Context, position uint64, at time.Time, events []kernel.Event) error {
	for i, ev := range events {
		if ev.Type != EventUpgradeApplied {
			continue
		}
		rec := ReleaseRecord{
			ReleaseID:  EventID(position, i),
			ReleasedAt: at.UTC(),
		}
		rec.Component, _ = ev.Data["component"].(string)
		rec.CodeHash, _ = ev.Data["code_hash"].(string)
		rec.PrevCodeHash, _ = ev.Data["prev_code_hash"].(string)
		if q, ok := ev.Data["queued_at"].(int64); ok {
			rec.QueuedAt = time.Unix(q, 0).UTC()
		}
		if _, err := l.RecordRelease(rec); err != nil {
			return err
		}
	}
	return nil
}

func releaseHash(r ReleaseRecord) (string, error) {
	hashInput := struct {
		ID        string `json:"id"`
		Component string `json:"component"`
		Code      string `json:"code"`
		PrevCode  string `json:"prev_code"`
		Queued    int64  `json:"queued"`
		Released  int64  `json:"released"`
		Prev      string `json:"prev"`
	}{r.ReleaseID, r.Component, r.CodeHash, r.PrevCodeHash, r.QueuedAt.Unix(), r.ReleasedAt.Unix(), r.PrevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// RecordRelease appends a release to the ledger.
func (l *ReleaseLedger) RecordRelease(record ReleaseRecord) (*ReleaseRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if record.Component == "" || record.CodeHash == "" {
		return nil, fmt.Errorf("release record needs component and code hash")
	}
	if record.ReleaseID == "" {
		record.ReleaseID = fmt.Sprintf("rel-%d", len(l.entries)+1)
	}
	record.PrevHash = l.headHash

	hash, err := releaseHash(record)
	if err != nil {
		return nil, err
	}
	record.ContentHash = hash

	l.entries = append(l.entries, record)
	l.headHash = record.ContentHash

	return &record, nil
}

// GetRelease retrieves a release by index (0-based).
func (l *ReleaseLedger) GetRelease(index int) (*ReleaseRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("release index %d out of range", index)
	}
	entry := l.entries[index]
	return &entry, nil
}

// History returns the releases of one component, oldest first.
func (l *ReleaseLedger) History(component string) []ReleaseRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ReleaseRecord
	for _, r := range l.entries {
		if r.Component == component {
			out = append(out, r)
		}
	}
	return out
}

// Length returns the number of releases.
func (l *ReleaseLedger) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Verify checks the integrity of the release chain.
func (l *ReleaseLedger) Verify() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := kernel.GenesisHash
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at release %d", i)
		}
		computed, err := releaseHash(entry)
		if err != nil {
			return false, fmt.Sprintf("failed to marshal release %d", i)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at release %d", i)
		}
		prevHash = entry.ContentHash
	}

	return true, "release chain verified"
}
