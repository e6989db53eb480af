package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/loyalty/internal/ir"
)

// MemoryStore is a thread-safe in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]ir.ConsumerBalance
	history  map[string][]ir.HistoryEntry
	seqs     map[string]int64
	lastSeq  int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]ir.ConsumerBalance),
		history:  make(map[string][]ir.HistoryEntry),
		seqs:     make(map[string]int64),
	}
}

// GetBalance implements Store.
func (s *MemoryStore) GetBalance(_ context.Context, consumerID string) (ir.ConsumerBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[consumerID]
	if !ok {
		return ir.ConsumerBalance{ConsumerID: consumerID}, nil
	}
	return b, nil
}

// PutBalance implements Store. It does not touch history.
func (s *MemoryStore) PutBalance(_ context.Context, b ir.ConsumerBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[b.ConsumerID] = b
	return nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, b ir.ConsumerBalance, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[b.ConsumerID] = b
	s.history[b.ConsumerID] = append(s.history[b.ConsumerID], e.History())
	if e.Seq > s.lastSeq {
		s.lastSeq = e.Seq
	}
	if e.Seq > s.seqs[b.ConsumerID] {
		s.seqs[b.ConsumerID] = e.Seq
	}
	return nil
}

// AppendHistory seeds a history row without changing the balance.
func (s *MemoryStore) AppendHistory(consumerID string, h ir.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[consumerID] = append(s.history[consumerID], h)
}

// History implements Store. Entries are returned in commit order.
func (s *MemoryStore) History(_ context.Context, consumerID string) ([]ir.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[consumerID]
	out := make([]ir.HistoryEntry, len(h))
	copy(out, h)
	return out, nil
}

// LastSeq implements Store.
func (s *MemoryStore) LastSeq(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq, nil
}

// ConsumerSeq implements Store.
func (s *MemoryStore) ConsumerSeq(_ context.Context, consumerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqs[consumerID], nil
}

// Range implements Store. Balances are visited in consumer ID order.
func (s *MemoryStore) Range(_ context.Context, fn func(ir.ConsumerBalance) error) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	snapshot := make(map[string]ir.ConsumerBalance, len(s.balances))
	for k, v := range s.balances {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(snapshot[id]); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}
