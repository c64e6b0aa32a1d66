package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/pscheid92/streamcast/internal/domain"
)

const defaultMemoryCapacity = 1024

// ErrQueueFull is returned by MemoryQueue.Enqueue when the named queue is at capacity.
var ErrQueueFull = errors.New("job queue full")

// MemoryQueue is an in-process Queue. Jobs are lost on restart.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan Job
	size   int
	closed bool
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryQueue{queues: make(map[string]chan Job), size: capacity}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// send under the lock so Close cannot race a send on a closed channel
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrQueueClosed
	}
	select {
	case q.channel(job.Queue) <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string) (Job, error) {
	ch, err := q.queue(queue)
	if err != nil {
		return Job{}, err
	}
	select {
	case job, ok := <-ch:
		if !ok {
			return Job{}, domain.ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len returns the number of jobs waiting on the named queue.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

// Close wakes blocked Dequeue calls once the remaining jobs are drained.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.queues {
		close(ch)
	}
}

func (q *MemoryQueue) queue(name string) (chan Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.queues[name]; ok {
		return ch, nil
	}
	if q.closed {
		return nil, domain.ErrQueueClosed
	}
	return q.channel(name), nil
}

// channel must be called with mu held.
func (q *MemoryQueue) channel(name string) chan Job {
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan Job, q.size)
		q.queues[name] = ch
	}
	return ch
}
