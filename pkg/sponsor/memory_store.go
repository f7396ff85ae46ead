package sponsor

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/paycore/pkg/kernel"
)

// Storage handles the per-identity records.
type Storage interface {
	Get(ctx context.Context, identity kernel.Address) (*Record, error)
	Set(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, identity kernel.Address) error
	List(ctx context.Context) ([]Record, error)
}

// MemoryStorage implements Storage in memory.
// Thread-safe via RWMutex.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[kernel.Address]*Record
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[kernel.Address]*Record),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, identity kernel.Address) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[identity]; ok {
		// return copy to avoid race on mutation outside lock
		val := *r
		return &val, nil
	}
	return nil, nil // Not found is not an error, returns nil
}

func (s *MemoryStorage) Set(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *rec
	s.records[rec.Identity] = &val
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, identity kernel.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, identity)
	return nil
}

func (s *MemoryStorage) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}
