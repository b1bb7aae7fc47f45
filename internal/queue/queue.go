// Package queue hands access units from the receivers to the consumer.
package queue

import (
	"context"
	"sync"

	"github.com/bilbercode/rtsp-reader/internal/metrics"
	"github.com/bilbercode/rtsp-reader/internal/track"
)

// DefaultCapacity is used when a capacity <= 0 is requested.
const DefaultCapacity = 16

// Queue is a bounded FIFO of access units.
//
// When the queue is full, Push evicts the oldest unit so that the consumer
// always receives the freshest media; Push never blocks. Pop blocks until a
// unit is available, the queue is closed or the context ends.
type Queue struct {
	mu       sync.Mutex
	items    []*track.AccessUnit
	head     int
	size     int
	closed   bool
	closeErr error

	notify chan struct{}
	done   chan struct{}
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Queue{
		items:  make([]*track.AccessUnit, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends a unit. It reports whether the oldest unit was evicted to
// make room. Units pushed after Close are discarded.
func (q *Queue) Push(au *track.AccessUnit) bool {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return false
	}

	evicted := false
	if q.size == len(q.items) {
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.size--
		evicted = true
	}

	q.items[(q.head+q.size)%len(q.items)] = au
	q.size++
	q.mu.Unlock()

	if evicted {
		metrics.UnitsEvicted.Inc()
	}

	q.signal()
	return evicted
}

// Pop removes the oldest unit. Once the queue is closed and empty it returns
// the error passed to Close.
func (q *Queue) Pop(ctx context.Context) (*track.AccessUnit, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			au := q.items[q.head]
			q.items[q.head] = nil
			q.head = (q.head + 1) % len(q.items)
			q.size--
			remaining := q.size
			q.mu.Unlock()

			// pass the wake-up on to another waiting consumer
			if remaining > 0 {
				q.signal()
			}
			return au, nil
		}

		if q.closed {
			err := q.closeErr
			q.mu.Unlock()
			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes every blocked Pop. Units already queued can still be popped.
// Only the first call has an effect.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.closeErr = err
	close(q.done)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
