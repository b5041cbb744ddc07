// Package queue runs import tasks asynchronously.
//
// Runner is an in-process worker pool. At most Workers tasks execute at the same
// time and tasks of one import never overlap: a task whose import is still running
// waits for the running task to return. Pending tasks are deduplicated per import
// and method, so a sweeper can re-enqueue stored imports without piling up work.
//
// RedisQueue stores tasks in a Redis list so that several processes can share the
// work. Its Forward loop pops tasks and hands them to a local Runner. A task that
// is already waiting in the list is not pushed again.
package queue

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/importer"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("queue: runner is shut down")

// DefaultWorkers is the default number of tasks executed in parallel.
const DefaultWorkers = 2

// Handler executes one task. *importer.Engine implements it.
type Handler interface {
	Run(ctx context.Context, task importer.Task) error
}

type taskKey struct {
	id     int64
	method importer.Method
}

type running struct {
	cancel context.CancelCauseFunc
}

// Runner is an in-process task runner backed by a fixed pool of workers.
type Runner struct {
	handler Handler
	workers int
	logger  *slog.Logger

	base context.Context
	stop context.CancelCauseFunc

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []importer.Task
	queued      map[taskKey]bool
	active      map[int64]*running
	closed      bool
	memoryLimit int64

	wg sync.WaitGroup
}

// NewRunner returns a runner that executes tasks with handler on workers goroutines.
// Call Start before enqueueing.
func NewRunner(handler Handler, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	base, stop := context.WithCancelCause(context.Background())
	r := &Runner{
		handler: handler,
		workers: workers,
		logger:  slog.Default().With("component", "queue"),
		base:    base,
		stop:    stop,
		queued:  make(map[taskKey]bool),
		active:  make(map[int64]*running),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the workers.
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	r.logger.Info("task runner started", "workers", r.workers)
}

// Enqueue adds task to the pending list. A task identical to one that is already
// pending is dropped.
func (r *Runner) Enqueue(_ context.Context, task importer.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	key := taskKey{task.ImportID, task.Method}
	if r.queued[key] {
		r.logger.Debug("task already pending", "import_id", task.ImportID, "method", task.Method)
		return nil
	}
	r.queued[key] = true
	r.pending = append(r.pending, task)
	r.cond.Signal()
	return nil
}

// Interrupt cancels the running task of import id with importer.ErrInterrupted. The job
// saves its checkpoint and queues itself again. It reports whether a task was running.
func (r *Runner) Interrupt(id int64) bool {
	return r.Cancel(id, importer.ErrInterrupted)
}

// Cancel cancels the running task of import id with cause.
func (r *Runner) Cancel(id int64, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.active[id]
	if ok {
		run.cancel(cause)
	}
	return ok
}

// Shutdown stops accepting tasks, cancels running tasks with importer.ErrShutdown and
// waits for the workers to return. Pending tasks are dropped; their imports stay queued
// in storage.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	dropped := len(r.pending)
	r.pending = nil
	r.cond.Broadcast()
	r.mu.Unlock()

	r.stop(importer.ErrShutdown)
	if dropped > 0 {
		r.logger.Info("dropped pending tasks", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForDrain blocks until no task is pending or running, or ctx is done.
func (r *Runner) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s := r.Status(); s.Active == 0 && s.Pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status is a snapshot of the runner state.
type Status struct {
	Active  int     `json:"active"`
	Pending int     `json:"pending"`
	Workers int     `json:"workers"`
	Running []int64 `json:"running"`
}

// Status returns the current runner state for monitoring.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{Active: len(r.active), Pending: len(r.pending), Workers: r.workers}
	for id := range r.active {
		s.Running = append(s.Running, id)
	}
	return s
}

func (r *Runner) work() {
	defer r.wg.Done()
	for {
		c, ok := r.next()
		if !ok {
			return
		}
		r.execute(c)
	}
}

// claim is a task taken off the pending list together with its run context.
type claim struct {
	task importer.Task
	ctx  context.Context
	run  *running
}

// next blocks until a task is available and claims its import. ok is false once the
// runner is closed.
func (r *Runner) next() (claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.closed {
			return claim{}, false
		}
		if i := r.claimable(); i >= 0 {
			task := r.pending[i]
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			delete(r.queued, taskKey{task.ImportID, task.Method})

			ctx, cancel := context.WithCancelCause(r.base)
			run := &running{cancel: cancel}
			r.active[task.ImportID] = run
			return claim{task: task, ctx: ctx, run: run}, true
		}
		r.cond.Wait()
	}
}

// claimable returns the index of the first pending task whose import is not running.
func (r *Runner) claimable() int {
	for i, t := range r.pending {
		if _, busy := r.active[t.ImportID]; !busy {
			return i
		}
	}
	return -1
}

func (r *Runner) execute(c claim) {
	task := c.task
	r.applyMemoryLimit(task.MemoryLimit)

	start := time.Now()
	logger := r.logger.With("import_id", task.ImportID, "method", task.Method)
	logger.Debug("task started", "batch_size", task.BatchSize)

	err := r.safeRun(c.ctx, task)
	c.run.cancel(nil)

	r.mu.Lock()
	delete(r.active, task.ImportID)
	// Tasks of this import that were skipped while it ran are claimable now.
	r.cond.Broadcast()
	r.mu.Unlock()

	if err != nil {
		logger.Error("task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Debug("task finished", "duration_ms", time.Since(start).Milliseconds())
}

func (r *Runner) safeRun(ctx context.Context, task importer.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return r.handler.Run(ctx, task)
}

// applyMemoryLimit raises the soft memory limit of the process to the largest limit a
// task asked for. The limit is never lowered while the process runs.
func (r *Runner) applyMemoryLimit(limit int64) {
	if limit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= r.memoryLimit {
		return
	}
	r.memoryLimit = limit
	debug.SetMemoryLimit(limit)
	r.logger.Info("memory limit raised", "bytes", limit)
}
