package facts

import (
	"context"
	"sync"

	"github.com/roach88/loyalty/internal/ir"
)

// MemoryProfileStore is an in-process ProfileStore used by the scenario
// harness and by single-shot CLI runs.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]ir.Profile
	calls    int
}

// NewMemoryProfileStore seeds a store with profiles keyed by ConsumerID.
func NewMemoryProfileStore(profiles ...ir.Profile) *MemoryProfileStore {
	s := &MemoryProfileStore{profiles: make(map[string]ir.Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.ConsumerID] = p
	}
	return s
}

// GetConsumerProfile implements ProfileStore.
func (s *MemoryProfileStore) GetConsumerProfile(ctx context.Context, consumerID string) (ir.Profile, error) {
	if err := ctx.Err(); err != nil {
		return ir.Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	p, ok := s.profiles[consumerID]
	if !ok {
		return ir.Profile{}, ErrProfileNotFound
	}
	return p, nil
}

// Put adds or replaces a profile.
func (s *MemoryProfileStore) Put(p ir.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ConsumerID] = p
}

// Calls reports how many lookups were served.
func (s *MemoryProfileStore) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}
