package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/loyalty/internal/changelog"
	"github.com/roach88/loyalty/internal/ir"
)

// Posting is one signed balance change with the metadata the journal and
// history need.
type Posting struct {
	ConsumerID string
	EventID    string
	EventType  ir.EventType
	Points     int64
	OccurredAt time.Time
}

// Ledger serializes balance mutations per consumer.
//
// Thread-safety: all methods are safe for concurrent use. Postings for
// different consumers never contend on the same lock.
type Ledger struct {
	store   Store
	locks   *keyedMutex
	seq     *Sequencer
	journal changelog.Writer
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal appends every committed posting to w.
func WithJournal(w changelog.Writer) Option {
	return func(l *Ledger) {
		l.journal = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithSequencer overrides the sequencer, which otherwise resumes from the
// store's high-water mark.
func WithSequencer(s *Sequencer) Option {
	return func(l *Ledger) {
		l.seq = s
	}
}

// WithNow sets the clock used when a posting carries no timestamp.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger over store. The sequencer resumes after the store's
// last committed seq.
func New(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		locks:  newKeyedMutex(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.seq == nil {
		last, err := store.LastSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: read last seq: %w", err)
		}
		l.seq = NewSequencerAt(last)
	}
	return l, nil
}

// Apply is the pure balance transition for a signed delta.
func Apply(b ir.ConsumerBalance, points int64) (ir.ConsumerBalance, error) {
	if points >= 0 {
		b.Total += points
		b.Available += points
	} else {
		debit := -points
		if b.Available < debit {
			return b, &InsufficientBalanceError{
				ConsumerID: b.ConsumerID,
				Requested:  debit,
				Available:  b.Available,
			}
		}
		b.Available -= debit
		b.Used += debit
	}
	b.TransactionCount++
	return b, nil
}

// ApplyDelta applies points to consumerID with no event metadata.
func (l *Ledger) ApplyDelta(ctx context.Context, consumerID string, points int64) (ir.ConsumerBalance, error) {
	return l.Post(ctx, Posting{ConsumerID: consumerID, Points: points})
}

// Post applies p and returns the resulting balance.
//
// On *InsufficientBalanceError nothing is written and the returned balance
// is the unchanged current one. A journal failure after commit is logged;
// the posting stands.
func (l *Ledger) Post(ctx context.Context, p Posting) (ir.ConsumerBalance, error) {
	if p.ConsumerID == "" {
		return ir.ConsumerBalance{}, fmt.Errorf("ledger: posting has no consumer id")
	}
	if p.OccurredAt.IsZero() {
		p.OccurredAt = l.now().UTC()
	}

	unlock := l.locks.Lock(p.ConsumerID)
	defer unlock()

	cur, err := l.store.GetBalance(ctx, p.ConsumerID)
	if err != nil {
		return ir.ConsumerBalance{}, fmt.Errorf("ledger: get balance %s: %w", p.ConsumerID, err)
	}
	cur.ConsumerID = p.ConsumerID

	next, err := Apply(cur, p.Points)
	if err != nil {
		return cur, err
	}

	entry := Entry{
		Seq:        l.seq.Next(),
		ConsumerID: p.ConsumerID,
		EventID:    p.EventID,
		EventType:  p.EventType,
		Points:     p.Points,
		OccurredAt: p.OccurredAt,
	}
	if err := l.store.Commit(ctx, next, entry); err != nil {
		return cur, fmt.Errorf("ledger: commit seq %d: %w", entry.Seq, err)
	}

	l.logger.Debug("ledger posting applied",
		"consumer_id", p.ConsumerID,
		"event_id", p.EventID,
		"points", p.Points,
		"seq", entry.Seq,
		"available", next.Available,
	)

	if l.journal != nil {
		if err := l.journal.Append(ctx, entry.Delta()); err != nil {
			l.logger.Error("journal append failed",
				"consumer_id", p.ConsumerID,
				"seq", entry.Seq,
				"error", err,
			)
		}
	}
	return next, nil
}

// Restore applies a journal delta during replay. Deltas at or below the
// consumer's high-water mark are skipped; the journal is ordered per
// consumer, not globally. Restored deltas are not re-journaled.
// A delta that would overdraw the balance is an error: the journal only
// holds postings that succeeded.
func (l *Ledger) Restore(ctx context.Context, d changelog.Delta) (bool, error) {
	unlock := l.locks.Lock(d.ConsumerID)
	defer unlock()

	last, err := l.store.ConsumerSeq(ctx, d.ConsumerID)
	if err != nil {
		return false, fmt.Errorf("ledger: read seq %s: %w", d.ConsumerID, err)
	}
	if d.Seq <= last {
		return false, nil
	}

	cur, err := l.store.GetBalance(ctx, d.ConsumerID)
	if err != nil {
		return false, fmt.Errorf("ledger: get balance %s: %w", d.ConsumerID, err)
	}
	cur.ConsumerID = d.ConsumerID
	next, err := Apply(cur, d.Points)
	if err != nil {
		return false, fmt.Errorf("ledger: replay seq %d: %w", d.Seq, err)
	}
	if err := l.store.Commit(ctx, next, EntryFromDelta(d)); err != nil {
		return false, fmt.Errorf("ledger: commit seq %d: %w", d.Seq, err)
	}
	l.seq.Observe(d.Seq)
	return true, nil
}

// GetBalance returns the current balance for consumerID.
func (l *Ledger) GetBalance(ctx context.Context, consumerID string) (ir.ConsumerBalance, error) {
	b, err := l.store.GetBalance(ctx, consumerID)
	if err != nil {
		return ir.ConsumerBalance{}, fmt.Errorf("ledger: get balance %s: %w", consumerID, err)
	}
	b.ConsumerID = consumerID
	return b, nil
}

// History returns consumerID's applied postings in commit order.
func (l *Ledger) History(ctx context.Context, consumerID string) ([]ir.HistoryEntry, error) {
	h, err := l.store.History(ctx, consumerID)
	if err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", consumerID, err)
	}
	return h, nil
}

// Seq returns the last issued sequence number.
func (l *Ledger) Seq() int64 {
	return l.seq.Current()
}
