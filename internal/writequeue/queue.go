// Package writequeue implements the single FIFO serializer that every
// memory-mutating operation in the Executive runs through.
//
// Modeled on the persisted, channel-notified queue in internal/focus/queue.go
// from the teacher repo, simplified to an in-memory task FIFO: the teacher's
// Queue holds *PendingItem structs and signals a notify channel on Add; this
// Queue holds arbitrary closures and signals completion per-task instead,
// since callers need the task's own result rather than a side-channel poll.
package writequeue

import (
	"context"
	"sync"
)

// Task is a unit of work submitted to the queue. It runs with no other
// task in flight and returns a result or an error.
type Task func(ctx context.Context) (any, error)

// Queue runs submitted tasks one at a time, in submission order. A task
// that returns an error does not stop the queue from processing the next
// task.
type Queue struct {
	mu sync.Mutex // held only long enough to read the run loop's input channel
	ch chan job
	closeCh chan struct{}
	once sync.Once
}

type job struct {
	ctx context.Context
	task Task
	result chan result
}

type result struct {
	value any
	err error
}

// New creates a queue and starts its run loop. Close must be called to
// stop the loop when the owning process shuts down.
func New() *Queue {
	q := &Queue{
		ch: make(chan job, 256),
		closeCh: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case j := <-q.ch:
			value, err := j.task(j.ctx)
			j.result <- result{value: value, err: err}
		case <-q.closeCh:
			return
		}
	}
}

// Submit enqueues a task and blocks until it has run (or ctx is canceled
// before it is queued). The task itself always runs to completion once
// started — ctx cancellation only affects queueing, matching the
// requirement that a write, once begun, is observed atomically by readers.
func (q *Queue) Submit(ctx context.Context, task Task) (any, error) {
	j := job{ctx: ctx, task: task, result: make(chan result, 1)}

	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()

	select {
	case ch <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Once a task is queued it always runs; we wait for its result
	// unconditionally so a write is never observed as "in flight" by the
	// caller after Submit returns.
	r := <-j.result
	return r.value, r.err
}

// Close stops the run loop. Safe to call multiple times.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.closeCh)
	})
}
