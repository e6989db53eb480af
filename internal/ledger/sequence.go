package ledger

import "sync/atomic"

// Sequencer is the ledger's monotonic logical clock. Every applied posting
// is stamped with a strictly increasing seq, which orders the journal and
// makes replay idempotent.
//
// Thread-safety: Sequencer is safe for concurrent use (atomic operations).
type Sequencer struct {
	seq atomic.Int64
}

// NewSequencer creates a sequencer starting at 0.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// NewSequencerAt creates a sequencer that resumes after start.
// Used on open to continue from the store's last committed seq.
func NewSequencerAt(start int64) *Sequencer {
	s := &Sequencer{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued sequence number.
func (s *Sequencer) Current() int64 {
	return s.seq.Load()
}

// Observe advances the sequencer to at least seq. Replayed deltas call this
// so postings made after a replay never reuse a journal seq.
func (s *Sequencer) Observe(seq int64) {
	for {
		cur := s.seq.Load()
		if seq <= cur || s.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
