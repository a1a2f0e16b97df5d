// Package queue implements the bounded FIFO that decouples pollers from
// exporters.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/optics-collector/internal/model"
)

// Policy decides what happens when an enqueue does not fit.
type Policy string

const (
	Block      Policy = "block"
	DropOldest Policy = "drop_oldest"
	DropNewest Policy = "drop_newest"
)

// Drop reasons passed to the drop hook.
const (
	ReasonOverflow = "overflow"
	ReasonClosed   = "closed"
	ReasonShutdown = "shutdown"
)

var ErrClosed = errors.New("queue closed")

// ParsePolicy validates a configured overflow policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Block, DropOldest, DropNewest:
		return p, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Queue is a bounded ring buffer of metrics, safe for concurrent producers
// and consumers.
type Queue struct {
	capacity int
	policy   Policy
	onDrop   func(reason string, n int)

	mu      sync.Mutex
	buf     []model.Metric
	head    int
	size    int
	closed  bool
	changed chan struct{} // closed and replaced on every state change

	dropped atomic.Uint64
}

// New creates a queue holding at most capacity metrics. onDrop may be nil.
func New(capacity int, policy Policy, onDrop func(reason string, n int)) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		policy:   policy,
		onDrop:   onDrop,
		buf:      make([]model.Metric, capacity),
		changed:  make(chan struct{}),
	}
}

// Len returns the number of queued metrics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the total number of metrics dropped so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Enqueue appends one poll's metrics as a contiguous run and returns how many
// were accepted. With the block policy it waits for room until ctx is done;
// a batch larger than the capacity is admitted in capacity-sized chunks.
func (q *Queue) Enqueue(ctx context.Context, batch []model.Metric) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drop(ReasonClosed, len(batch))
		return 0, ErrClosed
	}

	switch q.policy {
	case DropNewest:
		free := q.capacity - q.size
		n := min(free, len(batch))
		q.pushLocked(batch[:n])
		q.mu.Unlock()
		q.drop(ReasonOverflow, len(batch)-n)
		return n, nil

	case DropOldest:
		if len(batch) > q.capacity {
			// only the newest capacity items of the batch can survive
			evicted := q.size + len(batch) - q.capacity
			q.head, q.size = 0, 0
			q.pushLocked(batch[len(batch)-q.capacity:])
			q.mu.Unlock()
			q.drop(ReasonOverflow, evicted)
			return q.capacity, nil
		}
		evicted := max(0, q.size+len(batch)-q.capacity)
		q.popLocked(evicted)
		q.pushLocked(batch)
		q.mu.Unlock()
		q.drop(ReasonOverflow, evicted)
		return len(batch), nil
	}

	// Block
	accepted := 0
	for accepted < len(batch) {
		want := min(len(batch)-accepted, q.capacity)
		if q.capacity-q.size >= want {
			q.pushLocked(batch[accepted : accepted+want])
			accepted += want
			continue
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			q.drop(ReasonShutdown, len(batch)-accepted)
			return accepted, ctx.Err()
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			q.drop(ReasonClosed, len(batch)-accepted)
			return accepted, ErrClosed
		}
	}
	q.mu.Unlock()
	return accepted, nil
}

// DequeueBatch returns up to maxSize metrics. It returns as soon as maxSize
// metrics are available, once maxWait has elapsed, or when ctx is done or the
// queue is closed, with whatever is queued at that point (possibly nothing).
func (q *Queue) DequeueBatch(ctx context.Context, maxSize int, maxWait time.Duration) []model.Metric {
	if maxSize <= 0 {
		maxSize = 1
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.size >= maxSize || q.closed {
			out := q.takeLocked(maxSize)
			q.mu.Unlock()
			return out
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return q.take(maxSize)
		case <-ctx.Done():
			return q.take(maxSize)
		}
	}
}

// Close stops intake. Queued metrics remain available to DequeueBatch.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Discard drops everything still queued and returns the count.
func (q *Queue) Discard() int {
	q.mu.Lock()
	n := q.size
	q.popLocked(n)
	q.mu.Unlock()
	q.drop(ReasonShutdown, n)
	return n
}

func (q *Queue) take(maxSize int) []model.Metric {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(maxSize)
}

func (q *Queue) takeLocked(maxSize int) []model.Metric {
	n := min(maxSize, q.size)
	if n == 0 {
		return nil
	}
	out := make([]model.Metric, n)
	for i := range out {
		out[i] = q.buf[(q.head+i)%q.capacity]
	}
	q.popLocked(n)
	return out
}

func (q *Queue) pushLocked(items []model.Metric) {
	for _, m := range items {
		q.buf[(q.head+q.size)%q.capacity] = m
		q.size++
	}
	if len(items) > 0 {
		q.notifyLocked()
	}
}

func (q *Queue) popLocked(n int) {
	for i := 0; i < n; i++ {
		q.buf[q.head] = model.Metric{}
		q.head = (q.head + 1) % q.capacity
	}
	q.size -= n
	if n > 0 {
		q.notifyLocked()
	}
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) drop(reason string, n int) {
	if n <= 0 {
		return
	}
	q.dropped.Add(uint64(n))
	if q.onDrop != nil {
		q.onDrop(reason, n)
	}
}
