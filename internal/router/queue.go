package router

import (
	"sync"
)

// eventQueue is an unbounded FIFO between the transport's read loop and
// the dispatch goroutine. Publishing never blocks the reader.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	head   int
	closed bool

	// Stats
	enqueued  int64
	dequeued  int64
	highWater int
}

func newEventQueue(initialCapacity int) *eventQueue {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &eventQueue{items: make([]Event, 0, initialCapacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an event. Returns false if the queue is closed.
func (q *eventQueue) push(evt Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	// Compact once the consumed prefix dominates the backing array
	if q.head > 0 && q.head >= len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = Event{}
		}
		q.items = q.items[:n]
		q.head = 0
	}

	q.items = append(q.items, evt)
	q.enqueued++
	if depth := len(q.items) - q.head; depth > q.highWater {
		q.highWater = depth
	}

	q.cond.Signal()
	return true
}

// pop blocks until an event is available or the queue is closed and drained.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head == len(q.items) && !q.closed {
		q.cond.Wait()
	}

	if q.head == len(q.items) {
		return Event{}, false
	}

	evt := q.items[q.head]
	q.items[q.head] = Event{} // Clear reference for GC
	q.head++
	q.dequeued++
	return evt, true
}

// close wakes all waiters. Remaining events are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *eventQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:     len(q.items) - q.head,
		HighWater: q.highWater,
		Enqueued:  q.enqueued,
		Dequeued:  q.dequeued,
	}
}

// QueueStats contains inbound queue statistics.
type QueueStats struct {
	Depth     int
	HighWater int
	Enqueued  int64
	Dequeued  int64
}
