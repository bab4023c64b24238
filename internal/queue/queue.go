package queue

import (
	"sync"
)

// FIFO is a thread-safe, unbounded first-in first-out queue.
type FIFO[T any] struct {
	items []T
	mu    sync.Mutex
}

// NewFIFO creates an empty queue
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{}
}

// Len returns the number of queued items
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends a value to the tail of the queue
func (q *FIFO[T]) Enqueue(value T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, value)
}

// DequeueAll removes and returns every queued item in insertion order.
// Items enqueued concurrently either land in the returned slice or stay queued;
// none are lost.
func (q *FIFO[T]) DequeueAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	if items == nil {
		return []T{}
	}
	return items
}
