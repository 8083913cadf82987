package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// sweepEvery is the number of updates between two expiry sweeps.
const sweepEvery = 1024

// MemoryStorage implements Storage with an in-process map. State is local to the
// process, so it only enforces a global limit for single-instance deployments.
type MemoryStorage struct {
	mu      sync.Mutex
	state   map[string]bucketState
	now     func() time.Time
	updates int
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithMemoryClock replaces the clock used to refill buckets.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStorage creates a new in-memory bucket store.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		state: make(map[string]bucketState),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AtomicUpdate implements the Storage interface for memory storage.
func (s *MemoryStorage) AtomicUpdate(ctx context.Context, key string, spec BucketSpec, cost uint) Verdict {
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("context done before memory bucket update, failing open")
		return failOpen(spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var current *bucketState
	if st, ok := s.state[key]; ok && now.Before(st.ExpiresAt) {
		current = &st
	}

	next, v := takeTokens(current, spec, cost, unixSeconds(now))
	next.ExpiresAt = now.Add(spec.TTL)
	s.state[key] = next

	s.updates++
	if s.updates%sweepEvery == 0 {
		s.sweepLocked(now)
	}

	log.Debug().Str("key", key).Float64("tokens", v.Remaining).Uint("cost", cost).Bool("allowed", v.Allowed).Msg("memory bucket updated")
	return v
}

// Sweep drops buckets whose TTL has passed.
func (s *MemoryStorage) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *MemoryStorage) sweepLocked(now time.Time) int {
	removed := 0
	for key, st := range s.state {
		if !now.Before(st.ExpiresAt) {
			delete(s.state, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(s.state)).Msg("expired memory buckets swept")
	}
	return removed
}

// Len returns the number of buckets currently held.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state)
}
