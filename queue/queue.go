// Package queue provides the blocking FIFO used to hand frames from producers
// to a single consumer: the connection's outbound writer and every stream's
// inbound reader.
package queue

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("queue: stopped")

// Queue is an unbounded FIFO whose Poll blocks until an item arrives, a
// deadline passes or the queue is stopped. Items pushed before Stop are still
// delivered afterwards; Poll only reports false once they are drained.
type Queue[T any] struct {
	mu      sync.Mutex
	items   *list.List
	wake    chan struct{} // Closed and replaced on every Push and on Stop
	stopped bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: list.New(),
		wake:  make(chan struct{}),
	}
}

// Push appends v. It fails with ErrStopped once Stop has been called.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	q.items.PushBack(v)
	q.broadcast()
	return nil
}

// Poll removes and returns the head item. A zero deadline waits forever.
// It returns false when the deadline passes, or when the queue is stopped and empty.
func (q *Queue[T]) Poll(deadline time.Time) (T, bool) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		q.mu.Lock()
		if front := q.items.Front(); front != nil {
			q.items.Remove(front)
			q.mu.Unlock()
			return front.Value.(T), true
		}
		if q.stopped {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-timeout:
			// An item may have landed between the timer firing and now.
			return q.TryPoll()
		}
	}
}

// TryPoll is a non-blocking Poll.
func (q *Queue[T]) TryPoll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front := q.items.Front(); front != nil {
		q.items.Remove(front)
		return front.Value.(T), true
	}
	var zero T
	return zero, false
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stop rejects further pushes and wakes every waiter. Safe to call more than once.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.broadcast()
}

// Stopped reports whether Stop has been called.
func (q *Queue[T]) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

func (q *Queue[T]) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
