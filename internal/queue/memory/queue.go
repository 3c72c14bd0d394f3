// Package memory provides the in-process queues that connect pipeline stages.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Put on a closed queue and by Get once a closed queue is empty.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO safe for many producers and consumers. Put never blocks; Get
// blocks only its caller.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	// ready holds at most one wakeup; consumers pass it on while items remain.
	ready chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
	}
}

// Put appends item to the tail of the queue.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Get pops the head of the queue, waiting until an item is available or the context ends.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		item, ok, closed := q.tryPop()
		if ok {
			return item, nil
		}
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close rejects further Puts. Consumers drain what is left and then receive ErrClosed.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) tryPop() (T, bool, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		if q.closed {
			q.signal()
		}
		return zero, false, q.closed
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else {
		q.signal()
	}
	return item, true, false
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
