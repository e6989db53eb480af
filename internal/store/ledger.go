package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/loyalty/internal/ir"
	"github.com/roach88/loyalty/internal/ledger"
)

const lastSeqKey = "last_seq"

var _ ledger.Store = (*Store)(nil)

// GetBalance implements ledger.Store. Unknown consumers have a zero balance.
func (s *Store) GetBalance(ctx context.Context, consumerID string) (ir.ConsumerBalance, error) {
	b := ir.ConsumerBalance{ConsumerID: consumerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT total, available, used, transaction_count
		FROM balances
		WHERE consumer_id = ?
	`, consumerID).Scan(&b.Total, &b.Available, &b.Used, &b.TransactionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return ir.ConsumerBalance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// PutBalance implements ledger.Store. It does not touch history.
func (s *Store) PutBalance(ctx context.Context, b ir.ConsumerBalance) error {
	if err := putBalance(ctx, s.db, b, 0); err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putBalance(ctx context.Context, db execer, b ir.ConsumerBalance, seq int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO balances (consumer_id, total, available, used, transaction_count, last_seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(consumer_id) DO UPDATE SET
			total = excluded.total,
			available = excluded.available,
			used = excluded.used,
			transaction_count = excluded.transaction_count,
			last_seq = MAX(balances.last_seq, excluded.last_seq)
	`, b.ConsumerID, b.Total, b.Available, b.Used, b.TransactionCount, seq)
	return err
}

// Commit implements ledger.Store. The balance, history row and sequence
// mark are written in one transaction (CP-1).
func (s *Store) Commit(ctx context.Context, b ir.ConsumerBalance, e ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin: %w", err)
	}
	defer tx.Rollback()

	if err := putBalance(ctx, tx, b, e.Seq); err != nil {
		return fmt.Errorf("commit: balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (seq, consumer_id, event_id, event_type, points, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Seq, e.ConsumerID, e.EventID, string(e.EventType), e.Points, formatTime(e.OccurredAt)); err != nil {
		return fmt.Errorf("commit: entry seq %d: %w", e.Seq, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(ledger_meta.value, excluded.value)
	`, lastSeqKey, e.Seq); err != nil {
		return fmt.Errorf("commit: last seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// History implements ledger.Store. Entries are ordered by seq (CP-2).
//
// Returns an empty slice (not nil) if the consumer has no history.
func (s *Store) History(ctx context.Context, consumerID string) ([]ir.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, points, occurred_at
		FROM ledger_entries
		WHERE consumer_id = ?
		ORDER BY seq ASC
	`, consumerID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	history := []ir.HistoryEntry{}
	for rows.Next() {
		var (
			h          ir.HistoryEntry
			eventType  string
			occurredAt string
		)
		if err := rows.Scan(&h.EventID, &eventType, &h.Points, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.EventType = ir.EventType(eventType)
		if h.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// LastSeq implements ledger.Store.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, lastSeqKey).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// ConsumerSeq implements ledger.Store. It is the highest seq committed for
// consumerID, 0 when there is none.
func (s *Store) ConsumerSeq(ctx context.Context, consumerID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM balances WHERE consumer_id = ?`, consumerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("consumer seq: %w", err)
	}
	return seq, nil
}

// Range implements ledger.Store, visiting balances in consumer ID order.
func (s *Store) Range(ctx context.Context, fn func(ir.ConsumerBalance) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT consumer_id, total, available, used, transaction_count
		FROM balances
		ORDER BY consumer_id COLLATE BINARY ASC
	`)
	if err != nil {
		return fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	// Collect first: fn may call back into the store, and the single
	// connection is held while rows are open.
	var balances []ir.ConsumerBalance
	for rows.Next() {
		var b ir.ConsumerBalance
		if err := rows.Scan(&b.ConsumerID, &b.Total, &b.Available, &b.Used, &b.TransactionCount); err != nil {
			return fmt.Errorf("scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate balances: %w", err)
	}
	rows.Close()

	for _, b := range balances {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}
