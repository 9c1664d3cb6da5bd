package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when a submission would exceed the queue's
// configured capacity.
var ErrQueueFull = errors.New("job queue is full")

// DefaultQueueCapacity bounds the intake queue when config leaves it 0.
const DefaultQueueCapacity = 128

// Queue is the FIFO intake for job ids. The channel carries delivery;
// the pending list mirrors channel membership so queue positions can
// be computed without draining it.
type Queue struct {
	mu      sync.Mutex
	ch      chan string
	pending []string
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Enqueue appends the job id and returns its 1-based position and the
// queue size after insertion. Re-enqueueing an id already pending is a
// no-op so queue membership stays consistent with broadcast sizes.
func (q *Queue) Enqueue(jobID string) (position, size int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.pending {
		if id == jobID {
			return i + 1, len(q.pending), nil
		}
	}
	select {
	case q.ch <- jobID:
	default:
		return 0, 0, ErrQueueFull
	}
	q.pending = append(q.pending, jobID)
	return len(q.pending), len(q.pending), nil
}

// Dequeue blocks until an id is available or ctx ends. The id leaves
// the pending list before the call returns.
func (q *Queue) Dequeue(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case jobID := <-q.ch:
		q.mu.Lock()
		q.removeLocked(jobID)
		q.mu.Unlock()
		return jobID, true
	}
}

func (q *Queue) removeLocked(jobID string) {
	for i, id := range q.pending {
		if id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Pending returns a snapshot of the queued ids in order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

// Len reports the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
