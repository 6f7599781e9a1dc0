// Package tasks runs background work on a fixed pool of workers fed by a
// bounded queue. Every task gets an id, a status that can be polled, and its
// own cancellation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull   = errors.New("task queue full")
	ErrRateLimited = errors.New("task submission rate exceeded")
	ErrClosed      = errors.New("task queue closed")
	ErrNotFound    = errors.New("task not found")
)

// State of a task.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
	Canceled  State = "canceled"
)

// Done reports whether the state is final.
func (s State) Done() bool { return s == Succeeded || s == Failed || s == Canceled }

// Func is the work of a task. ctx is canceled when the task is canceled or
// the queue closes.
type Func func(ctx context.Context) (interface{}, error)

// Abort is called instead of the task function when a queued task is
// canceled, or the queue closes, before it starts.
type Abort func(err error)

// Task is a point in time copy of a task's status.
type Task struct {
	ID       string      `json:"id"`
	Kind     string      `json:"kind"`
	State    State       `json:"state"`
	Error    string      `json:"error,omitempty"`
	Result   interface{} `json:"result,omitempty"`
	Created  time.Time   `json:"created"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
}

// Options sizes a Queue.
type Options struct {
	Workers   int
	QueueSize int
	// PerSecond and Burst configure the submission token bucket. A zero
	// PerSecond disables the limit.
	PerSecond float64
	Burst     int
	// History is the number of finished tasks kept for polling.
	History int
}

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 16
	DefaultHistory   = 256
)

type job struct {
	task   Task
	fn     Func
	abort  Abort
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Queue is safe for concurrent use.
type Queue struct {
	jobs    chan *job
	limiter *rate.Limiter
	history int

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu     sync.Mutex
	closed bool
	byID   map[string]*job
	order  []string
}

// New starts the workers. They stop when ctx is done or Close is called.
func New(ctx context.Context, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	limit := rate.Inf
	if opts.PerSecond > 0 {
		limit = rate.Limit(opts.PerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	q := &Queue{
		jobs:    make(chan *job, opts.QueueSize),
		limiter: rate.NewLimiter(limit, opts.Burst),
		history: opts.History,
		ctx:     gctx,
		cancel:  cancel,
		g:       g,
		byID:    make(map[string]*job),
	}
	for i := 0; i < opts.Workers; i++ {
		g.Go(q.worker)
	}
	return q
}

func (q *Queue) worker() error {
	for {
		select {
		case <-q.ctx.Done():
			return nil
		case j := <-q.jobs:
			q.run(j)
		}
	}
}

func (q *Queue) run(j *job) {
	q.mu.Lock()
	if j.task.State != Pending {
		q.mu.Unlock()
		return
	}
	j.task.State = Running
	j.task.Started = time.Now()
	q.mu.Unlock()

	l := log.With().Str("task_id", j.task.ID).Str("kind", j.task.Kind).Logger()
	l.Debug().Msg("task started")
	res, err := q.call(j)

	q.mu.Lock()
	defer q.mu.Unlock()
	j.task.Finished = time.Now()
	switch {
	case err != nil && j.ctx.Err() != nil:
		j.task.State = Canceled
		j.task.Error = err.Error()
	case err != nil:
		j.task.State = Failed
		j.task.Error = err.Error()
	default:
		j.task.State = Succeeded
		j.task.Result = res
	}
	j.cancel()
	close(j.done)
	l.Info().Str("state", string(j.task.State)).Str("error", j.task.Error).
		Dur("took", j.task.Finished.Sub(j.task.Started)).Msg("task finished")
}

// call runs the task function, turning a panic into a failure so the worker
// survives.
func (q *Queue) call(j *job) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Submit queues fn under kind and returns its initial status.
func (q *Queue) Submit(kind string, fn Func) (Task, error) {
	return q.SubmitAbortable(kind, fn, nil)
}

// SubmitAbortable is Submit with a hook for tasks that never get to run.
func (q *Queue) SubmitAbortable(kind string, fn Func, abort Abort) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Task{}, ErrClosed
	}
	// Senders hold q.mu, so a free slot seen here is still free at the send.
	if len(q.jobs) == cap(q.jobs) {
		return Task{}, ErrQueueFull
	}
	if !q.limiter.Allow() {
		return Task{}, ErrRateLimited
	}

	ctx, cancel := context.WithCancel(q.ctx)
	j := &job{
		task:   Task{ID: uuid.NewString(), Kind: kind, State: Pending, Created: time.Now()},
		fn:     fn,
		abort:  abort,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	select {
	case q.jobs <- j:
	default:
		cancel()
		return Task{}, ErrQueueFull
	}
	q.byID[j.task.ID] = j
	q.order = append(q.order, j.task.ID)
	q.prune()
	log.Debug().Str("task_id", j.task.ID).Str("kind", kind).Msg("task queued")
	return j.task, nil
}

// prune forgets the oldest finished tasks beyond the history size.
func (q *Queue) prune() {
	excess := len(q.order) - q.history
	if excess <= 0 {
		return
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if excess > 0 && q.byID[id].task.State.Done() {
			delete(q.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

// Get returns the status of task id.
func (q *Queue) Get(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return Task{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return j.task, nil
}

// Cancel stops task id. A pending task is canceled at once, a running one
// when its function returns.
func (q *Queue) Cancel(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return Task{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	j.cancel()
	if j.task.State == Pending {
		q.finishCanceled(j)
	}
	return j.task, nil
}

func (q *Queue) finishCanceled(j *job) {
	j.task.State = Canceled
	j.task.Error = context.Canceled.Error()
	j.task.Finished = time.Now()
	if j.abort != nil {
		j.abort(context.Canceled)
	}
	close(j.done)
}

// Wait blocks until task id is finished or ctx is done.
func (q *Queue) Wait(ctx context.Context, id string) (Task, error) {
	q.mu.Lock()
	j, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return Task{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return j.task, nil
}

// Close cancels every task, waits for the workers and marks still queued
// tasks canceled.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	err := q.g.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case j := <-q.jobs:
			if j.task.State == Pending {
				q.finishCanceled(j)
			}
		default:
			return err
		}
	}
}
