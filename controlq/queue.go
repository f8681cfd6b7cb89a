package controlq

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once a
// closed queue is drained.
var ErrClosed = errors.New("control queue closed")

// Queue is unbounded; Enqueue never blocks on the consumer. Every
// accepted message is stamped with a strictly increasing sequence
// number, so arrival order is the dequeue order.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	seq    uint64
	closed bool

	ready chan struct{}
}

// New returns an empty open queue.
func New() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends m and returns the stamped copy.
func (q *Queue) Enqueue(m Message) (Message, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return m, ErrClosed
	}
	q.seq++
	m.Seq = q.seq
	q.items = append(q.items, m)
	q.mu.Unlock()

	q.signal()
	return m, nil
}

// Dequeue blocks until a message is available, the queue is closed and
// drained (ErrClosed), or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Message{}, ErrClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Watermark is the sequence number of the most recently accepted
// message; zero before the first Enqueue.
func (q *Queue) Watermark() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

// Len is the number of messages waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close tears down the producer side. Queued messages can still be
// dequeued; further Enqueue calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
