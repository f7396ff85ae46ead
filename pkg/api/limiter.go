package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RatePolicy is a token bucket: RPS tokens per second up to Burst.
type RatePolicy struct {
	RPS   float64
	Burst int
}

// LimiterStore holds the rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens under policy.
	Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore keeps one limiter per key in process. Idle keys are
// swept as the store is used.
type MemoryLimiterStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryLimiterStore creates a store that forgets keys idle for 3 minutes.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		visitors: make(map[string]*visitor),
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

// Allow implements LimiterStore.
func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy RatePolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > time.Minute {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) > s.idle {
				delete(s.visitors, k)
			}
		}
		s.lastSweep = now
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.RPS), policy.Burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Len is the number of tracked keys.
func (s *MemoryLimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}
