// Package store provides SQLite-backed durable storage for the loyalty
// ledger.
//
// Tables:
//   - balances: one row per consumer, the ledger.Store balance
//   - ledger_entries: one row per committed posting, keyed by ledger seq
//   - ledger_meta: the ledger sequence high-water mark
//   - profiles: consumer profiles read during enrichment and expiry
//   - event_results: the audit log, one row per processed event run
//
// # Critical Patterns
//
// CP-1: Atomic Commit
//   - Balance, history row and sequence mark are written in one transaction
//   - A crash never leaves a balance without its history row
//
// CP-2: Logical Ordering
//   - History is ordered by seq (ledger sequence), NEVER timestamps
//   - Replay skips sequences at or below the stored high-water mark
//
// CP-3: Deterministic Audit Payloads
//   - Event and result payloads are RFC 8785 canonical JSON
//   - The same run always stores byte-identical rows
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as RFC 3339 text in UTC; an empty string means
// "not recorded".
package store
