package ingest

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker commits, per partition, only the contiguous prefix of
// fetched offsets that has finished. Shards complete out of order, so
// committing each message as it finishes could skip an unfinished one.
type offsetTracker struct {
	mu        sync.Mutex
	pending   map[int][]int64        // fetched, not yet committed, ascending
	done      map[int]map[int64]bool // finished but not yet committable
	topic     map[int]string
	committed map[int]int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		pending:   make(map[int][]int64),
		done:      make(map[int]map[int64]bool),
		topic:     make(map[int]string),
		committed: make(map[int]int64),
	}
}

// Fetched registers m. Messages must be registered in fetch order.
func (t *offsetTracker) Fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[m.Partition] = append(t.pending[m.Partition], m.Offset)
	t.topic[m.Partition] = m.Topic
}

// Complete marks m finished and, when that extends the finished prefix,
// commits the new high-water message through commit. The lock is held
// across commit so commits for a partition never go backwards.
func (t *offsetTracker) Complete(ctx context.Context, m kafka.Message, commit func(context.Context, ...kafka.Message) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := m.Partition
	if t.done[p] == nil {
		t.done[p] = make(map[int64]bool)
	}
	t.done[p][m.Offset] = true

	queue := t.pending[p]
	last := int64(-1)
	n := 0
	for n < len(queue) && t.done[p][queue[n]] {
		last = queue[n]
		delete(t.done[p], queue[n])
		n++
	}
	if n == 0 {
		return nil
	}
	t.pending[p] = queue[n:]

	if err := commit(ctx, kafka.Message{Topic: t.topic[p], Partition: p, Offset: last}); err != nil {
		return err
	}
	t.committed[p] = last
	return nil
}

// Committed returns the last committed offset for partition, or -1.
func (t *offsetTracker) Committed(partition int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, ok := t.committed[partition]
	if !ok {
		return -1
	}
	return off
}
