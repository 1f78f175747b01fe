package memory

import (
	"context"
	"sync"

	"github.com/artpar/meterd/ports"
)

// Queue is a channel-backed implementation of ports.Queue. Enqueue is a
// one-way send; delivery to handlers happens on separate goroutines with no
// ordering guarantee between jobs.
type Queue struct {
	jobs      chan ports.Job
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(buffer int) *Queue {
	if buffer == 0 {
		buffer = 1024
	}
	return &Queue{
		jobs:   make(chan ports.Job, buffer),
		stopCh: make(chan struct{}),
	}
}

// Enqueue queues a job. It never blocks on the consumer having run; it only
// blocks when the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, job ports.Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler processes one job. Returning an error records a job failure; the
// runner decides whether it was an expected rejection or a fault.
type Handler func(ctx context.Context, job ports.Job) error

// Run starts n workers delivering jobs to h until Close or ctx cancel.
// Errors are fully handled by h's runner wrapper; Run does not inspect them.
func (q *Queue) Run(ctx context.Context, n int, h Handler) {
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case job := <-q.jobs:
					_ = h(ctx, job)
				case <-q.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Drain synchronously delivers every buffered job to h. Used by tests and
// the shutdown path after Close.
func (q *Queue) Drain(ctx context.Context, h Handler) int {
	n := 0
	for {
		select {
		case job := <-q.jobs:
			_ = h(ctx, job)
			n++
		default:
			return n
		}
	}
}

// Len returns the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops the workers. Buffered jobs stay queued.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
	})
}

// Ensure interface compliance.
var _ ports.Queue = (*Queue)(nil)
