package ingest

import (
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/roach88/loyalty/internal/ir"
)

// item is one decoded event waiting for its shard worker.
type item struct {
	msg   kafka.Message
	event ir.Event
}

// shardQueue is a thread-safe FIFO feeding one shard worker.
//
// The fetch loop is the only producer and the shard worker the only
// consumer. The signal channel lets the worker wait with select, so a
// cancelled context never leaves it blocked.
type shardQueue struct {
	mu     sync.Mutex
	items  []item
	closed bool
	signal chan struct{} // buffered, size 1
}

func newShardQueue() *shardQueue {
	return &shardQueue{
		items:  make([]item, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds it to the back. Returns false once the queue is closed.
func (q *shardQueue) Enqueue(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)

	// Buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front item without blocking.
func (q *shardQueue) TryDequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]

	// Release the message payload for GC.
	q.items[0] = item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

// Wait returns a channel that fires when items may be available. It is
// closed by Close, so it never blocks after that.
func (q *shardQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *shardQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether the queue is closed and empty.
func (q *shardQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close stops further enqueues and wakes the worker.
func (q *shardQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
