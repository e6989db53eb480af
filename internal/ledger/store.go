package ledger

import (
	"context"
	"time"

	"github.com/roach88/loyalty/internal/changelog"
	"github.com/roach88/loyalty/internal/ir"
)

// Entry is one committed posting: the journal delta plus the history row
// rolling expiration reads.
type Entry struct {
	Seq        int64
	ConsumerID string
	EventID    string
	EventType  ir.EventType
	Points     int64
	OccurredAt time.Time
}

// History returns the expiration view of the entry.
func (e Entry) History() ir.HistoryEntry {
	return ir.HistoryEntry{
		EventID:    e.EventID,
		EventType:  e.EventType,
		Points:     e.Points,
		OccurredAt: e.OccurredAt,
	}
}

// Delta returns the journal view of the entry.
func (e Entry) Delta() changelog.Delta {
	return changelog.Delta{
		Seq:        e.Seq,
		ConsumerID: e.ConsumerID,
		EventID:    e.EventID,
		EventType:  e.EventType,
		Points:     e.Points,
		OccurredAt: e.OccurredAt,
	}
}

// EntryFromDelta is the inverse of Entry.Delta.
func EntryFromDelta(d changelog.Delta) Entry {
	return Entry{
		Seq:        d.Seq,
		ConsumerID: d.ConsumerID,
		EventID:    d.EventID,
		EventType:  d.EventType,
		Points:     d.Points,
		OccurredAt: d.OccurredAt,
	}
}

// Store persists balances and per-consumer history.
//
// GetBalance returns a zero balance (with ConsumerID set) for unknown
// consumers. Commit must write the balance and the entry atomically and
// raise both the store's and the consumer's high-water marks to entry.Seq.
// Neither mark ever moves backwards.
//
// Journal lines are in seq order per consumer only, so replay compares
// against ConsumerSeq. LastSeq is where the sequencer resumes.
type Store interface {
	GetBalance(ctx context.Context, consumerID string) (ir.ConsumerBalance, error)
	PutBalance(ctx context.Context, b ir.ConsumerBalance) error
	Commit(ctx context.Context, b ir.ConsumerBalance, e Entry) error
	History(ctx context.Context, consumerID string) ([]ir.HistoryEntry, error)
	LastSeq(ctx context.Context) (int64, error)
	ConsumerSeq(ctx context.Context, consumerID string) (int64, error)
	Range(ctx context.Context, fn func(ir.ConsumerBalance) error) error
}
