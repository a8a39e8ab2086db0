package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue errors
var (
	ErrQueueFull    = errors.New("edit queue is full")
	ErrQueueStopped = errors.New("edit queue is stopped")
)

// EventHandler processes one change event
type EventHandler interface {
	Handle(ctx context.Context, ev ChangeEvent) (DispatchResult, error)
}

type editJob struct {
	ctx    context.Context
	ev     ChangeEvent
	result chan editResult
}

type editResult struct {
	res DispatchResult
	err error
}

// EditQueue feeds change events to a single worker so that dispatches never
// run concurrently, however many callers submit at once.
type EditQueue struct {
	handler EventHandler
	timeout time.Duration
	jobs    chan editJob

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// NewEditQueue creates a queue holding up to size pending events. timeout
// bounds each dispatch; zero means no limit beyond the clients' own.
func NewEditQueue(handler EventHandler, size int, timeout time.Duration) *EditQueue {
	if size < 1 {
		size = 1
	}
	return &EditQueue{
		handler: handler,
		timeout: timeout,
		jobs:    make(chan editJob, size),
		done:    make(chan struct{}),
	}
}

// Start launches the worker
func (q *EditQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.work()
	slog.Info("Edit queue started", "capacity", cap(q.jobs))
}

// Stop stops accepting events and waits for the worker to drain the queue
func (q *EditQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	close(q.jobs)
	q.mu.Unlock()

	if started {
		<-q.done
	}
	slog.Info("Edit queue stopped")
}

// Submit enqueues an event and waits for its result. If ctx ends first the
// event is still processed; only the wait is abandoned.
func (q *EditQueue) Submit(ctx context.Context, ev ChangeEvent) (DispatchResult, error) {
	job := editJob{ctx: ctx, ev: ev, result: make(chan editResult, 1)}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return DispatchResult{}, ErrQueueStopped
	}
	select {
	case q.jobs <- job:
	default:
		q.mu.Unlock()
		return DispatchResult{}, ErrQueueFull
	}
	q.mu.Unlock()

	select {
	case r := <-job.result:
		return r.res, r.err
	case <-ctx.Done():
		return DispatchResult{Row: ev.Row}, fmt.Errorf("waiting for dispatch of row %d: %w", ev.Row, ctx.Err())
	}
}

// Pending is the number of queued events
func (q *EditQueue) Pending() int {
	return len(q.jobs)
}

func (q *EditQueue) work() {
	defer close(q.done)
	for job := range q.jobs {
		res, err := q.run(job)
		job.result <- editResult{res: res, err: err}
	}
}

// run handles one job. A dispatch is never cut short because the submitter
// went away.
func (q *EditQueue) run(job editJob) (res DispatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatch panicked", "row", job.ev.Row, "panic", r)
			res = DispatchResult{Row: job.ev.Row}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx := context.WithoutCancel(job.ctx)
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return q.handler.Handle(ctx, job.ev)
}
