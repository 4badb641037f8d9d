package connection

import (
	"sync"
)

// queue is the unbounded FIFO in front of the manager's event loop.
// Producers (transport pumps, retry timers, API calls) never block; the
// ring doubles its capacity once it reaches 70% full.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int // next item to pop
	count  int
	closed bool

	// Stats
	pushed int64
	popped int64
	grows  int
}

// QueueStats contains event queue statistics.
type QueueStats struct {
	Pending  int
	Capacity int
	Pushed   int64
	Popped   int64
	Grows    int
}

func newQueue[T any](initialCapacity int) *queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &queue[T]{ring: make([]T, initialCapacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends item. Returns false once the queue is closed.
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := len(q.ring) * 70 / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.ring[(q.head+q.count)%len(q.ring)] = item
	q.count++
	q.pushed++

	q.cond.Signal()
	return true
}

// pop blocks until an item is available. After close, remaining items are
// still returned; ok is false only when the queue is closed and empty.
func (q *queue[T]) pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return item, false
	}
	return q.take(), true
}

// tryPop returns the next item without blocking.
func (q *queue[T]) tryPop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return item, false
	}
	return q.take(), true
}

// close rejects further pushes and wakes blocked poppers.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *queue[T]) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:  q.count,
		Capacity: len(q.ring),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Grows:    q.grows,
	}
}

// take removes the head item. Must be called with lock held and count > 0.
func (q *queue[T]) take() T {
	var zero T
	item := q.ring[q.head]
	q.ring[q.head] = zero // Release reference for GC
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.popped++
	return item
}

// grow doubles the ring, unwrapping items to start at index 0.
// Must be called with lock held.
func (q *queue[T]) grow() {
	ring := make([]T, len(q.ring)*2)
	for i := 0; i < q.count; i++ {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = ring
	q.head = 0
	q.grows++
}
