package work

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO decoupling producers from a consumer loop.
//
// `Push` never blocks. `Pop` returns the oldest buffered item or waits for
// the next `Push`. Ordering is preserved whether the item was buffered or
// handed directly to a waiting `Pop`.
//
// There is no Close: a consumer stops by cancelling the context it gives to
// `Pop` and never calling it again.
type Queue[T any] struct {
	lk      sync.Mutex
	items   []T
	waiters []chan T
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push hands item to the oldest waiting `Pop`, or buffers it.
func (q *Queue[T]) Push(item T) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.waiters) > 0 {
		waiter := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		// waiters are 1-buffered and receive exactly once.
		waiter <- item
		return
	}
	q.items = append(q.items, item)
}

// Pop returns the oldest item, waiting until one is pushed or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (item T, err error) {
	q.lk.Lock()
	if len(q.items) > 0 {
		item = q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.lk.Unlock()
		return item, nil
	}

	waiter := make(chan T, 1)
	q.waiters = append(q.waiters, waiter)
	q.lk.Unlock()

	select {
	case item = <-waiter:
		return item, nil
	case <-ctx.Done():
	}

	q.lk.Lock()
	defer q.lk.Unlock()
	for i, w := range q.waiters {
		if w == waiter {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return item, ctx.Err()
		}
	}

	// A Push already dequeued our waiter, the item is ours: returning it
	// is the only way not to lose it.
	return <-waiter, nil
}

// Len reports how many items are buffered.
func (q *Queue[T]) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}

// Waiting reports how many `Pop` calls are blocked.
func (q *Queue[T]) Waiting() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.waiters)
}
