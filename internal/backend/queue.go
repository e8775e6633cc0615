package backend

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("backend: write queue closed")

// job is a unit of serialized write work. done is buffered so the worker
// never blocks delivering a result to a caller that gave up.
type job struct {
	fn   func() error
	done chan error
}

// WriteQueue serializes writes against a single-writer engine.
//
// Two lanes feed one worker goroutine: the normal FIFO lane and an
// immediate lane for latency-sensitive writes (lock operations, state
// transitions) that may jump ahead of queued work. Within a lane,
// execution order is submission order.
//
// The queue is unbounded so a burst of writes never blocks submitters.
// Thread-safety follows the mutex-plus-signal-channel shape: the signal
// channel is buffered with size 1 so multiple enqueues coalesce into one
// wakeup.
type WriteQueue struct {
	mu        sync.Mutex
	normal    []job
	immediate []job
	closed    bool
	signal    chan struct{}
	stopped   chan struct{}
}

// NewWriteQueue creates a queue and starts its worker goroutine.
// Callers must Close the queue to stop the worker.
func NewWriteQueue() *WriteQueue {
	q := &WriteQueue{
		normal:    make([]job, 0, 64),
		immediate: make([]job, 0, 8),
		signal:    make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues fn on the normal lane and waits for it to execute.
// Returns fn's error, ErrQueueClosed if the queue is shut down, or the
// context error if ctx expires first. A context expiry does not cancel
// fn: once enqueued it will still run, and its outcome is unknown to the
// caller - the usual "safe to retry only if idempotent" rule applies.
func (q *WriteQueue) Submit(ctx context.Context, fn func() error) error {
	return q.submit(ctx, fn, false)
}

// SubmitImmediate enqueues fn on the high-priority lane. The worker
// drains the immediate lane before touching the normal lane.
func (q *WriteQueue) SubmitImmediate(ctx context.Context, fn func() error) error {
	return q.submit(ctx, fn, true)
}

func (q *WriteQueue) submit(ctx context.Context, fn func() error, immediate bool) error {
	j := job{fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if immediate {
		q.immediate = append(q.immediate, j)
	} else {
		q.normal = append(q.normal, j)
	}
	q.mu.Unlock()

	// Non-blocking - buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of pending jobs across both lanes.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.immediate) + len(q.normal)
}

// Close stops accepting new jobs, lets the worker drain what is already
// queued, and waits for it to exit.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	<-q.stopped
}

// run is the single worker loop. All queued writes execute here, which is
// what makes the queue a serialization point.
func (q *WriteQueue) run() {
	defer close(q.stopped)
	for {
		j, ok := q.next()
		if ok {
			j.done <- j.fn()
			continue
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}

		<-q.signal
	}
}

// next pops the front job, immediate lane first.
func (q *WriteQueue) next() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.immediate) > 0 {
		j := q.immediate[0]
		// Nil out the slot so the backing array does not retain the
		// closure after dequeue.
		q.immediate[0] = job{}
		q.immediate = q.immediate[1:]
		if len(q.immediate) == 0 {
			q.immediate = q.immediate[:0]
		}
		return j, true
	}
	if len(q.normal) > 0 {
		j := q.normal[0]
		q.normal[0] = job{}
		q.normal = q.normal[1:]
		if len(q.normal) == 0 {
			q.normal = q.normal[:0]
		}
		return j, true
	}
	return job{}, false
}
