package batch

import (
	"context"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Queue is a FIFO queue of record batches bounded by cumulative estimated
// byte size rather than item count. It is the single shared structure
// between the producer and the consumers and provides the pipeline's
// backpressure: Put blocks while the queue is full, Poll never blocks.
//
// Safe for one producer and many consumers.
type Queue struct {
	mu      sync.Mutex
	items   []*RecordBatch
	bytes   int64
	cap     int64
	space   chan struct{}
	closed  bool
}

// NewQueue creates a queue capped at capBytes cumulative estimated bytes.
func NewQueue(capBytes int64) *Queue {
	return &Queue{
		cap:   capBytes,
		space: make(chan struct{}),
	}
}

// Put appends a batch, blocking while the queue holds cap bytes or more.
// Blocking is interrupted by context cancellation. Put after Close is an
// invariant violation: completion is signaled by the producer's Done
// channel, never by a sentinel in the queue.
func (q *Queue) Put(ctx context.Context, b *RecordBatch) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errors.New(errors.KindInternal, "put on closed queue")
		}
		if q.bytes < q.cap {
			q.items = append(q.items, b)
			q.bytes += b.EstimatedBytes()
			q.mu.Unlock()
			return nil
		}
		space := q.space
		q.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Poll removes and returns the oldest batch without blocking. The second
// return value is false when the queue is empty.
func (q *Queue) Poll() (*RecordBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= b.EstimatedBytes()

	// Wake every blocked Put; each re-checks capacity under the lock.
	close(q.space)
	q.space = make(chan struct{})

	return b, true
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the cumulative estimated bytes currently queued.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Close marks the queue closed. Only the owning pipeline calls this,
// after the producer has completed, so that a late Put fails loudly
// instead of silently dropping data.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
