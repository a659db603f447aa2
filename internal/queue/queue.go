// Package queue implements the small bounded handoff queues that couple the
// engine's worker loops. Offers are non-blocking and drop on a full queue;
// dequeues block (optionally against a context) — this is the only
// synchronization between workers.
package queue

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the capacity used for every bounded handoff queue
// the engine wires up: UDP-ingress, TCP-ingress, egress-to-device, and
// UDP-tunnel-registration.
const DefaultCapacity = 1024

// Queue is a bounded, best-effort FIFO handoff channel between exactly one
// logical producer side and one logical consumer side.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Offer attempts to enqueue v without blocking. It returns false — and
// drops v — if the queue is full.
func (q *Queue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Take blocks until a value is available or ctx is done.
func (q *Queue[T]) Take(ctx context.Context) (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// TakeTimeout blocks until a value is available, ctx is done, or d
// elapses. done is true only when ctx ended the wait; a false, false
// result means d elapsed with nothing queued, which a caller can use
// to interleave periodic bookkeeping with an otherwise-blocking take.
func (q *Queue[T]) TakeTimeout(ctx context.Context, d time.Duration) (v T, ok bool, done bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case v := <-q.ch:
		return v, true, false
	case <-ctx.Done():
		var zero T
		return zero, false, true
	case <-t.C:
		var zero T
		return zero, false, false
	}
}

// TryTake returns immediately: (value, true) if one was queued, else
// (zero, false). Used by loops that must never block on this queue.
func (q *Queue[T]) TryTake() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Dropped returns the number of values dropped so far due to a full queue.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

// Len reports the number of values currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }
