package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/loyalty/internal/ir"
)

// RuleSource loads rule definitions. compiler.DirSource and
// compiler.StaticSource are the implementations.
type RuleSource interface {
	LoadRules(ctx context.Context) ([]ir.Rule, error)
}

// ErrNoRuleSet is returned when the engine has never had a rule set installed.
var ErrNoRuleSet = errors.New("no rule set loaded")

// RuleSet is an immutable, ordered snapshot of rules.
//
// INVARIANTS:
//   - rules order NEVER changes after construction (load order is the tie-breaker)
//   - rule IDs are unique within the set
//   - Hash identifies the content, independent of Go pointer identity
type RuleSet struct {
	rules    []ir.Rule
	hash     string
	loadedAt time.Time
}

// NewRuleSet copies rules into an immutable set. Rules without an ID take
// their name as ID. Duplicate IDs are an error.
func NewRuleSet(rules []ir.Rule) (*RuleSet, error) {
	// Copy so callers cannot reorder or mutate the set after the fact.
	copied := make([]ir.Rule, len(rules))
	copy(copied, rules)

	seen := make(map[string]int, len(copied))
	for i := range copied {
		if copied[i].ID == "" {
			copied[i].ID = copied[i].Name
		}
		if copied[i].ID == "" {
			return nil, fmt.Errorf("rule at index %d has neither id nor name", i)
		}
		if prev, dup := seen[copied[i].ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q at index %d (first at %d)", copied[i].ID, i, prev)
		}
		seen[copied[i].ID] = i
	}

	hash, err := ir.RuleSetHash(copied)
	if err != nil {
		return nil, fmt.Errorf("hash rule set: %w", err)
	}

	return &RuleSet{rules: copied, hash: hash, loadedAt: time.Now()}, nil
}

// Rules returns a copy of the rules in load order.
func (s *RuleSet) Rules() []ir.Rule {
	out := make([]ir.Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Hash returns the content hash of the set.
func (s *RuleSet) Hash() string {
	return s.hash
}

// LoadedAt returns when the set was built.
func (s *RuleSet) LoadedAt() time.Time {
	return s.loadedAt
}

// RuleStore holds the active RuleSet. Readers take a snapshot per event and
// never observe a half-applied reload.
type RuleStore struct {
	current atomic.Pointer[RuleSet]
	logger  *slog.Logger
}

// NewRuleStore creates a store holding set, which may be nil.
func NewRuleStore(set *RuleSet, logger *slog.Logger) *RuleStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RuleStore{logger: logger}
	if set != nil {
		s.current.Store(set)
	}
	return s
}

// Snapshot returns the active set, or ErrNoRuleSet.
func (s *RuleStore) Snapshot() (*RuleSet, error) {
	set := s.current.Load()
	if set == nil {
		return nil, ErrNoRuleSet
	}
	return set, nil
}

// Replace installs set and returns the previous one.
func (s *RuleStore) Replace(set *RuleSet) *RuleSet {
	return s.current.Swap(set)
}

// Reload loads rules from src and swaps them in. On any failure the active
// set is left untouched.
func (s *RuleStore) Reload(ctx context.Context, src RuleSource) (*RuleSet, error) {
	rules, err := src.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	set, err := NewRuleSet(rules)
	if err != nil {
		return nil, fmt.Errorf("build rule set: %w", err)
	}

	prev := s.Replace(set)
	prevHash := ""
	if prev != nil {
		prevHash = prev.Hash()
	}
	s.logger.Info("rule set loaded",
		"rules", set.Len(),
		"hash", set.Hash(),
		"previous_hash", prevHash,
	)
	return set, nil
}
