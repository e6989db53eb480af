// Package ledger owns consumer point balances.
//
// A Ledger applies signed deltas to a Store under a per-consumer lock:
//
//   - earn (points >= 0): total += p, available += p
//   - redeem (points < 0): rejected with *InsufficientBalanceError when
//     available < |p|, otherwise available -= |p|, used += |p|
//   - transactionCount increments on every successful apply, including 0
//
// Available never goes negative and Total never decreases.
//
// Each applied posting gets a monotonic sequence number from a Sequencer,
// is committed with its history row in one store write, and is then
// appended to the changelog journal. Replaying the journal through Restore
// skips sequence numbers the store has already seen.
package ledger
