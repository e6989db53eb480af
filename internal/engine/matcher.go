package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
)

// Match is one rule whose condition held for the event.
type Match struct {
	Rule ir.Rule

	// Index is the rule's position in the RuleSet (load order).
	Index int
}

// RuleFailure is a rule whose condition could not be evaluated. The rule is
// treated as not matching.
type RuleFailure struct {
	RuleID string
	Err    error
}

// Matcher evaluates every rule in a set against one event's facts.
//
// Matching is additive: every rule whose condition holds is reported, not
// just the first. Matches are ordered by priority descending; equal
// priorities keep load order.
type Matcher struct {
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(ev *Evaluator, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{evaluator: ev, logger: logger}
}

// Match evaluates all rules in set.
//
// Per-rule evaluation failures are collected and matching continues. A
// missing fact in strict mode aborts matching and is returned as the error.
func (m *Matcher) Match(ctx context.Context, set *RuleSet, src FactSource) ([]Match, []RuleFailure, error) {
	var (
		matches  []Match
		failures []RuleFailure
	)

	// Evaluate in load order so fact memoization and logs are deterministic.
	for i, rule := range set.rules {
		ok, err := m.evaluator.Evaluate(ctx, rule.Condition, src)
		if err != nil {
			if facts.IsMissingFact(err) {
				return nil, nil, err
			}
			m.logger.Warn("rule evaluation failed",
				"rule_id", rule.ID,
				"error", err,
			)
			failures = append(failures, RuleFailure{RuleID: rule.ID, Err: err})
			continue
		}
		if !ok {
			continue
		}
		m.logger.Debug("rule matched",
			"rule_id", rule.ID,
			"priority", rule.Priority,
		)
		matches = append(matches, Match{Rule: rule, Index: i})
	}

	sortMatches(matches)
	return matches, failures, nil
}

// sortMatches orders by priority descending, then load index ascending.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Rule.Priority != matches[j].Rule.Priority {
			return matches[i].Rule.Priority > matches[j].Rule.Priority
		}
		return matches[i].Index < matches[j].Index
	})
}
