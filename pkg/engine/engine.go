// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package engine runs the durable task queue: a fixed worker pool claims
// tasks from the store one at a time, dispatches them to registered
// handlers, and maps handler outcomes onto the task state machine.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/logger"
	"github.com/darkroomlabs/darkroom/pkg/store"
	"github.com/darkroomlabs/darkroom/pkg/telemetry"
)

// progressMinInterval throttles progress writes; a tight handler loop must
// not turn into a write-per-item against the store.
const progressMinInterval = 500 * time.Millisecond

// gaugeInterval is how often queue-depth gauges are refreshed.
const gaugeInterval = 5 * time.Second

// HandlerFunc executes one claimed task. Returning nil completes the task;
// a returned error is classified by kind to decide retry, dead-letter or
// cancellation. The context is cancelled when cancellation is requested for
// the task or the shutdown grace period expires.
type HandlerFunc func(ctx context.Context, job *Job) error

// Job is a claimed task plus the facilities a handler may use while
// holding it.
type Job struct {
	Task *store.Task

	eng          *Engine
	lastProgress time.Time
}

// SetProgress records handler progress, throttled so frequent calls are
// cheap. The final write of a run is never throttled away because the
// handler outcome supersedes progress.
func (j *Job) SetProgress(ctx context.Context, current, total int64) {
	if time.Since(j.lastProgress) < progressMinInterval {
		return
	}
	j.lastProgress = time.Now()
	if err := j.eng.st.SetTaskProgress(ctx, j.Task.ID, current, total); err != nil {
		logger.Debugw("recording task progress", "task_id", j.Task.ID, "error", err)
	}
}

// Options tunes the worker pool.
type Options struct {
	Workers       int
	PollInterval  time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	ShutdownGrace time.Duration
}

// Engine owns the worker pool. Construct with New, Register handlers, then
// Run. Registration after Run is not supported.
type Engine struct {
	st       *store.Store
	metrics  *telemetry.Metrics
	opts     Options
	handlers map[string]HandlerFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	running   atomic.Int64
	heartbeat atomic.Int64
}

// New builds an engine over the given store.
func New(st *store.Store, metrics *telemetry.Metrics, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = opts.BackoffBase
	}
	return &Engine{
		st:       st,
		metrics:  metrics,
		opts:     opts,
		handlers: map[string]HandlerFunc{},
		inflight: map[string]context.CancelFunc{},
	}
}

// Register binds a handler to a task type.
func (e *Engine) Register(taskType string, h HandlerFunc) {
	e.handlers[taskType] = h
}

// Run executes the pool until ctx is cancelled, then drains: claiming
// stops immediately, in-flight handlers get the shutdown grace period, and
// anything still running afterwards is cancelled and requeued.
func (e *Engine) Run(ctx context.Context) error {
	logger.Infow("task engine starting", "workers", e.opts.Workers)

	// Tasks left running by an unclean previous shutdown are orphans.
	if n, err := e.st.RequeueRunningTasks(ctx); err != nil {
		return fmt.Errorf("requeueing orphaned tasks: %w", err)
	} else if n > 0 {
		logger.Infow("requeued orphaned running tasks", "count", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.cancelWatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.gaugeLoop(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.opts.ShutdownGrace):
		logger.Infow("shutdown grace expired, cancelling in-flight tasks")
		e.cancelAllInflight()
		<-done
	}

	// Detached context: the run context is already dead but the requeue
	// sweep must still land.
	sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := e.st.RequeueRunningTasks(sweepCtx); err != nil {
		logger.Errorw("requeueing tasks on shutdown", "error", err)
	} else if n > 0 {
		logger.Infow("requeued in-flight tasks on shutdown", "count", n)
	}
	logger.Infow("task engine stopped")
	return nil
}

// workerLoop claims and executes tasks until ctx is cancelled.
func (e *Engine) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		e.heartbeat.Store(time.Now().UnixNano())

		task, err := e.st.ClaimNextTask(ctx)
		switch {
		case err == nil:
			e.execute(ctx, task)
		case stderrors.Is(err, store.ErrNotFound):
			e.idle(ctx)
		case ctx.Err() != nil:
			return
		default:
			logger.Errorw("claiming task", "error", err)
			e.idle(ctx)
		}
	}
}

// idle sleeps one poll interval with jitter, waking early on cancellation.
func (e *Engine) idle(ctx context.Context) {
	d := e.opts.PollInterval
	d += time.Duration(rand.Int63n(int64(d))) // #nosec G404 -- jitter, not crypto
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// execute runs one claimed task to a terminal outcome. Handler contexts are
// detached from the run context so a shutdown request does not abort work
// mid-flight before the grace period expires.
func (e *Engine) execute(runCtx context.Context, task *store.Task) {
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(runCtx))
	defer cancel()
	e.track(task.ID, cancel)
	defer e.untrack(task.ID)

	e.running.Add(1)
	defer e.running.Add(-1)

	start := time.Now()
	err := e.dispatch(taskCtx, task)
	e.metrics.TaskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	// Recording outcomes uses a fresh context: the task context may have
	// been cancelled, but the state transition must still be written.
	recCtx, recCancel := context.WithTimeout(context.WithoutCancel(runCtx), 5*time.Second)
	defer recCancel()
	e.record(recCtx, task, err)
}

// dispatch invokes the handler, converting a panic into an internal error
// so one bad task cannot take down the pool.
func (e *Engine) dispatch(ctx context.Context, task *store.Task) (err error) {
	h, ok := e.handlers[task.Type]
	if !ok {
		return errors.NewPermanentConfigError(
			fmt.Sprintf("no handler registered for task type %q", task.Type), nil)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("task handler panicked",
				"task_id", task.ID, "type", task.Type,
				"panic", r, "stack", string(debug.Stack()))
			err = errors.NewInternalError(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return h(ctx, &Job{Task: task, eng: e})
}

// record maps the handler outcome onto the task state machine.
func (e *Engine) record(ctx context.Context, task *store.Task, herr error) {
	switch {
	case herr == nil:
		if err := e.st.CompleteTask(ctx, task.ID); err != nil {
			logger.Errorw("completing task", "task_id", task.ID, "error", err)
			return
		}
		e.metrics.TasksProcessed.WithLabelValues(task.Type, "done").Inc()
		logger.Debugw("task done", "task_id", task.ID, "type", task.Type)

	case errors.IsCancelled(herr):
		if err := e.st.MarkTaskCancelled(ctx, task.ID); err != nil {
			logger.Errorw("cancelling task", "task_id", task.ID, "error", err)
			return
		}
		e.metrics.TasksProcessed.WithLabelValues(task.Type, "cancelled").Inc()
		logger.Infow("task cancelled", "task_id", task.ID, "type", task.Type)

	case errors.IsPermanent(herr):
		if err := e.st.MarkTaskDead(ctx, task.ID, herr.Error()); err != nil {
			logger.Errorw("dead-lettering task", "task_id", task.ID, "error", err)
			return
		}
		e.metrics.TasksProcessed.WithLabelValues(task.Type, "dead").Inc()
		e.metrics.TasksDead.WithLabelValues(task.Type).Inc()
		logger.Warnw("task dead",
			"task_id", task.ID, "type", task.Type, "error", herr)

	default:
		// Transient, internal and unclassified errors all retry with
		// backoff; the retry budget bounds the damage of a misclassified
		// permanent failure.
		delay := e.backoff(task.RetryCount + 1)
		updated, err := e.st.FailTask(ctx, task.ID, herr.Error(), delay)
		if err != nil {
			logger.Errorw("failing task", "task_id", task.ID, "error", err)
			return
		}
		if updated.State == store.TaskDead {
			e.metrics.TasksProcessed.WithLabelValues(task.Type, "dead").Inc()
			e.metrics.TasksDead.WithLabelValues(task.Type).Inc()
			logger.Warnw("task exhausted retries",
				"task_id", task.ID, "type", task.Type,
				"retries", updated.RetryCount, "error", herr)
			return
		}
		e.metrics.TasksRetried.WithLabelValues(task.Type).Inc()
		logger.Infow("task retry scheduled",
			"task_id", task.ID, "type", task.Type,
			"retry", updated.RetryCount, "delay", delay, "error", herr)
	}
}

// backoff computes the retry delay for the nth attempt: exponential from
// the base, capped, with +/-50% jitter so synchronized failures spread out.
func (e *Engine) backoff(n int) time.Duration {
	d := float64(e.opts.BackoffBase) * math.Pow(2, float64(n))
	if d > float64(e.opts.BackoffCap) {
		d = float64(e.opts.BackoffCap)
	}
	d *= 0.5 + rand.Float64() // #nosec G404 -- jitter, not crypto
	return time.Duration(d)
}

// cancelWatchLoop polls cancellation flags for in-flight tasks and fires
// the matching context cancel.
func (e *Engine) cancelWatchLoop(ctx context.Context) {
	t := time.NewTicker(e.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, id := range e.inflightIDs() {
			requested, err := e.st.TaskCancelRequested(ctx, id)
			if err != nil || !requested {
				continue
			}
			e.mu.Lock()
			cancel, ok := e.inflight[id]
			e.mu.Unlock()
			if ok {
				logger.Infow("cancel requested for running task", "task_id", id)
				cancel()
			}
		}
	}
}

// gaugeLoop refreshes queue-depth gauges from the store.
func (e *Engine) gaugeLoop(ctx context.Context) {
	t := time.NewTicker(gaugeInterval)
	defer t.Stop()
	for {
		counts, err := e.st.CountTasksByState(ctx)
		if err == nil {
			e.metrics.TasksPending.Set(float64(counts[store.TaskPending]))
			e.metrics.TasksRunning.Set(float64(counts[store.TaskRunning]))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (e *Engine) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[id] = cancel
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) inflightIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) cancelAllInflight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.inflight {
		cancel()
	}
}

// Cancel requests cancellation of a task. Pending tasks cancel immediately;
// running tasks get their context cancelled as soon as the watcher or this
// call notices.
func (e *Engine) Cancel(ctx context.Context, id string) (*store.Task, error) {
	task, err := e.st.CancelTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State == store.TaskRunning {
		e.mu.Lock()
		cancel, ok := e.inflight[id]
		e.mu.Unlock()
		if ok {
			cancel()
		}
	}
	return task, nil
}

// Requeue returns a dead task to the pending queue with a fresh retry
// budget.
func (e *Engine) Requeue(ctx context.Context, id string) (*store.Task, error) {
	return e.st.RequeueTask(ctx, id)
}

// InflightCount reports how many tasks workers currently hold.
func (e *Engine) InflightCount() int64 {
	return e.running.Load()
}

// LastHeartbeat reports when a worker last went through its claim loop.
// Health checks use it to detect a wedged pool.
func (e *Engine) LastHeartbeat() time.Time {
	ns := e.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
