// Package engine evaluates loyalty events against the active rule set and
// applies the resulting point delta to the ledger.
//
// ARCHITECTURE:
//
// Condition Evaluation:
// Rule conditions are tagged unions (ir.Leaf, ir.All, ir.Any). The
// Evaluator walks them against a per-run fact resolver. All short-circuits
// on false, Any on true. A missing fact makes its leaf false unless strict
// facts are enabled, in which case the event is rejected.
//
// Rule Matching:
// Every rule is evaluated; matching is additive. Matches are reported by
// priority descending, ties broken by load order.
//
// Event Processing Flow:
//  1. Validate the event (Received -> Validated)
//  2. Read the consumer profile once, bounded by a timeout (Enriched)
//  3. Match rules against memoized facts (Evaluated)
//  4. Dispatch each match to its calculation method (Calculated)
//  5. Post the summed delta to the ledger in one mutation (LedgerApplied)
//  6. Assemble the result, audit, metrics (Completed)
//
// Any stage before LedgerApplied may end in Rejected.
//
// CRITICAL PATTERNS:
//
// Immutable Rule Snapshots:
// A RuleSet is never modified after construction. RuleStore swaps whole
// sets atomically, so a run sees exactly one rule set from start to end.
//
// Single Mutation:
// Each processed event posts exactly one delta, including zero, so
// transactionCount counts processed events rather than matched rules.
package engine
