// Package worker executes jobs from one queue with bounded concurrency,
// per-job timeouts, retry classification, and a consecutive-failure circuit
// breaker.
//
// A started worker runs four loops: poll (reserve and dispatch jobs),
// heartbeat (refresh the storage heartbeat on running jobs), metrics
// (periodic stats logging), and health (degradation logging). All loops stop
// cooperatively at their sleep boundaries when the worker shuts down;
// in-flight handlers keep running under their own context and are drained up
// to the shutdown timeout, then force-cancelled and requeued.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/queue"
	"github.com/cmorrow/taskd/internal/storage"
	"github.com/cmorrow/taskd/internal/task"
)

// State is the worker lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Health statuses derived from worker state and the failure ratio.
const (
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthPaused       = "paused"
	HealthShuttingDown = "shutting_down"
)

// degradedFailureRatio is the consecutive-failure fraction of MaxFailures
// above which the worker reports itself degraded.
const degradedFailureRatio = 0.8

// capacityWait is how long the poll loop sleeps when the concurrency gate is
// full, instead of hitting storage with a dequeue it cannot use.
const capacityWait = 100 * time.Millisecond

// Config tunes one worker instance. Zero fields take the stated defaults.
type Config struct {
	MaxConcurrent int            // execution gate size; default 4
	BatchSize     int            // max jobs per dequeue; default MaxConcurrent
	PollInterval  time.Duration  // idle backoff; default 2s
	Priorities    []job.Priority // optional dequeue allow-list; empty = all
	MaxFailures   int            // consecutive-failure breaker threshold; default 5

	ShutdownTimeout   time.Duration // in-flight drain budget; default 30s
	HeartbeatInterval time.Duration // default 10s
	MetricsInterval   time.Duration // default 1m
	HealthInterval    time.Duration // default 15s
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.MaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	return c
}

// Worker pulls jobs from one queue and executes them through the registry.
type Worker struct {
	id       string
	queue    *queue.Queue
	registry *task.Registry
	cfg      Config

	state    atomic.Int32
	paused   atomic.Bool
	failures atomic.Int32 // consecutive failures, reset on success

	gate   chan struct{} // buffered to MaxConcurrent; occupancy = in-flight jobs
	stats  *Stats
	log    *slog.Logger
	runner *runner

	mu        sync.Mutex // guards lifecycle transitions
	cancel    context.CancelFunc
	jobCtx    context.Context    // handed to handlers; outlives the loop context
	jobCancel context.CancelFunc // force-cancels in-flight handlers
	loopWG    sync.WaitGroup     // poll/heartbeat/metrics/health loops
	jobWG     sync.WaitGroup     // in-flight job executions
}

// New creates a stopped worker for q. A fresh worker ID is generated so
// storage can attribute reservations to this instance.
func New(q *queue.Queue, registry *task.Registry, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	id := "worker-" + uuid.New().String()
	return &Worker{
		id:       id,
		queue:    q,
		registry: registry,
		cfg:      cfg,
		gate:     make(chan struct{}, cfg.MaxConcurrent),
		stats:    newStats(),
		log:      slog.Default().With("worker_id", id, "queue", q.Name()),
		runner:   &runner{registry: registry},
	}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Stats returns a snapshot of the worker's rolling statistics.
func (w *Worker) Stats() Snapshot { return w.stats.Snapshot() }

// Start launches the worker loops. A no-op when the worker is already
// running or paused; a stopped worker may be started again.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.State() {
	case StateRunning, StatePaused, StateStarting:
		return nil
	case StateStopping:
		return errors.New("worker: cannot start while stopping")
	}

	w.state.Store(int32(StateStarting))
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	// Handlers run under a context detached from the loop cancellation so
	// that Shutdown(wait=true) can stop the loops while in-flight jobs keep
	// their full drain budget. jobCancel fires only after the budget is
	// spent, or immediately on a no-wait shutdown.
	w.jobCtx, w.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	w.failures.Store(0)
	w.paused.Store(false)

	w.loopWG.Add(4)
	go w.pollLoop(loopCtx)
	go w.heartbeatLoop(loopCtx)
	go w.metricsLoop(loopCtx)
	go w.healthLoop(loopCtx)

	w.state.Store(int32(StateRunning))
	w.log.Info("worker started",
		"max_concurrent", w.cfg.MaxConcurrent,
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval)
	return nil
}

// Pause stops the poll loop from fetching new work. In-flight jobs continue.
func (w *Worker) Pause() {
	if w.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		w.paused.Store(true)
		w.log.Info("worker paused")
	}
}

// Resume re-enables the poll loop after Pause.
func (w *Worker) Resume() {
	if w.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		w.paused.Store(false)
		w.log.Info("worker resumed")
	}
}

// Shutdown stops all loops. When wait is true, in-flight jobs get up to the
// configured shutdown timeout to finish before the remainder is
// force-cancelled; with wait false everything is cancelled immediately.
// A handler that ignores its context leaks until it returns on its own and
// its job is reclaimed by stall recovery. Always leaves the worker in
// StateStopped. Safe to call more than once.
func (w *Worker) Shutdown(wait bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.State() {
	case StateStopped, StateStopping:
		return nil
	}
	w.state.Store(int32(StateStopping))
	w.log.Info("worker shutting down", "wait", wait)

	w.cancel()
	w.loopWG.Wait()

	var abandoned bool
	if wait {
		done := make(chan struct{})
		go func() {
			w.jobWG.Wait()
			close(done)
		}()
		timer := time.NewTimer(w.cfg.ShutdownTimeout)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			abandoned = true
		}
	}
	// Force-cancel whatever is still running: the remainder after the drain
	// budget, or everything on a no-wait shutdown. Cancelled handlers settle
	// as retryable failures so another worker picks the jobs up.
	w.jobCancel()

	w.state.Store(int32(StateStopped))
	if abandoned {
		w.log.Warn("shutdown timeout elapsed, abandoning in-flight jobs",
			"timeout", w.cfg.ShutdownTimeout)
		return fmt.Errorf("worker %s: in-flight jobs abandoned after %s", w.id, w.cfg.ShutdownTimeout)
	}
	w.log.Info("worker stopped")
	return nil
}

// Health derives the worker's health status from its state and the
// consecutive-failure ratio.
func (w *Worker) Health() string {
	switch w.State() {
	case StateStopping, StateStopped:
		return HealthShuttingDown
	case StatePaused:
		return HealthPaused
	}
	ratio := float64(w.failures.Load()) / float64(w.cfg.MaxFailures)
	if ratio > degradedFailureRatio {
		return HealthDegraded
	}
	return HealthHealthy
}

// Healthy reports whether the worker is running and not degraded.
func (w *Worker) Healthy() bool { return w.Health() == HealthHealthy }

// ── loops ─────────────────────────────────────────────────────────────────────

// pollLoop reserves and dispatches jobs until the worker stops. The loop
// never contacts storage while the gate is full or the worker is paused.
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.loopWG.Done()

	for {
		wait := w.pollOnce(ctx)
		if wait == 0 {
			// Work was dispatched; poll again immediately while the
			// queue is hot.
			if ctx.Err() != nil {
				return
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce performs one poll iteration and returns how long to sleep before
// the next one; zero means poll again immediately.
func (w *Worker) pollOnce(ctx context.Context) time.Duration {
	if w.paused.Load() {
		return w.cfg.PollInterval
	}

	capacity := w.cfg.MaxConcurrent - len(w.gate)
	if capacity <= 0 {
		return capacityWait
	}
	batch := min(capacity, w.cfg.BatchSize)

	jobs, err := w.queue.Dequeue(ctx, w.id, w.cfg.Priorities, batch)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("dequeue failed", "error", err)
		}
		return w.cfg.PollInterval
	}
	if len(jobs) == 0 {
		return w.cfg.PollInterval
	}

	for _, j := range jobs {
		w.gate <- struct{}{}
		w.jobWG.Add(1)
		go w.execute(w.jobCtx, j)
	}
	return 0
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.loopWG.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Store().Heartbeat(ctx, w.id, time.Now().UTC()); err != nil {
				w.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) metricsLoop(ctx context.Context) {
	defer w.loopWG.Done()
	ticker := time.NewTicker(w.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := w.stats.Snapshot()
			w.log.Info("worker stats",
				"processed", snap.Processed,
				"succeeded", snap.Succeeded,
				"failed", snap.Failed,
				"jobs_per_minute", snap.JobsPerMinute,
				"error_rate", snap.ErrorRate,
				"processing_p95", snap.ProcessingP95,
				"queue_wait_p95", snap.QueueWaitP95,
				"in_flight", len(w.gate))
		}
	}
}

func (w *Worker) healthLoop(ctx context.Context) {
	defer w.loopWG.Done()
	ticker := time.NewTicker(w.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h := w.Health(); h == HealthDegraded {
				w.log.Warn("worker degraded",
					"consecutive_failures", w.failures.Load(),
					"max_failures", w.cfg.MaxFailures)
			}
		}
	}
}

// ── execution ─────────────────────────────────────────────────────────────────

// execute runs one reserved job end to end: the RUNNING transition, the
// handler race against the job timeout, the storage call for the outcome,
// and stats accounting. The gate slot is held for the full duration.
func (w *Worker) execute(ctx context.Context, j *job.Job) {
	defer w.jobWG.Done()
	defer func() { <-w.gate }()

	now := time.Now().UTC()
	queueWait := now.Sub(j.CreatedAt)

	j.MarkRunning(now)
	if err := w.queue.Store().Update(ctx, j); err != nil {
		// Most likely the reservation was reclaimed; drop the job rather
		// than execute without ownership.
		w.log.Warn("could not mark job running", "job_id", j.ID, "error", err)
		return
	}
	jobsInFlight.WithLabelValues(j.Queue).Inc()
	defer jobsInFlight.WithLabelValues(j.Queue).Dec()

	started := time.Now()
	outcome := w.runner.run(ctx, j)
	elapsed := time.Since(started)

	w.settle(ctx, j, outcome)

	errKind := ""
	result := "succeeded"
	if outcome.Failed() {
		errKind = outcome.err.Kind
		result = "failed"
		if outcome.kind == outcomeTimedOut {
			result = "timeout"
		}
	}
	w.stats.observe(elapsed, queueWait, errKind)
	jobsProcessed.WithLabelValues(j.Queue, result).Inc()
	jobDuration.WithLabelValues(j.Queue).Observe(elapsed.Seconds())

	if !outcome.Failed() {
		w.failures.Store(0)
		return
	}
	if ctx.Err() != nil {
		// Force-cancelled during shutdown; not a handler fault, so it does
		// not count toward the circuit breaker.
		return
	}
	if n := w.failures.Add(1); int(n) >= w.cfg.MaxFailures {
		w.log.Error("consecutive failure threshold reached, worker self-stopping",
			"failures", n, "max_failures", w.cfg.MaxFailures)
		// Fail fast against a systemically broken handler or dead
		// dependency instead of burning through the whole queue.
		_ = w.Shutdown(false)
	}
}

// settle issues the storage transition for an outcome. An ownership error
// means stall recovery or an operator already moved the job; it is logged
// and not escalated.
func (w *Worker) settle(ctx context.Context, j *job.Job, o Outcome) {
	// The status write must land even when the handler was force-cancelled
	// during shutdown; detach from the cancellation.
	ctx = context.WithoutCancel(ctx)
	var err error
	switch o.kind {
	case outcomeSuccess:
		err = w.queue.Complete(ctx, j.ID, w.id, o.value)
	case outcomeTimedOut:
		err = w.queue.Fail(ctx, j.ID, w.id, o.err, true)
	case outcomeRetryable:
		err = w.queue.Fail(ctx, j.ID, w.id, o.err, true)
	case outcomeFatal:
		w.log.Error("job failed fatally",
			"job_id", j.ID, "task", j.Task, "error", o.err.Message)
		err = w.queue.Fail(ctx, j.ID, w.id, o.err, false)
	}
	if err != nil {
		if errors.Is(err, storage.ErrOwnership) {
			w.log.Warn("lost job ownership before settling", "job_id", j.ID)
			return
		}
		w.log.Error("could not settle job", "job_id", j.ID, "error", err)
	}
}

// runner resolves and invokes task handlers, classifying every failure mode
// into an Outcome.
type runner struct {
	registry *task.Registry
}

func (r *runner) run(ctx context.Context, j *job.Job) Outcome {
	return Run(ctx, r.registry, j)
}

// Run executes j's handler from registry, racing it against the job timeout
// when one is set. A handler that ignores cancellation leaks its goroutine
// until it returns on its own; the job itself is settled as timed out
// regardless. Also used by the manager's synchronous execution path.
func Run(ctx context.Context, registry *task.Registry, j *job.Job) Outcome {
	handler, err := registry.Lookup(j.Task)
	if err != nil {
		return FatalFailure(&job.Error{Kind: job.ErrKindFatal, Message: err.Error()})
	}

	execCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- FatalFailure(&job.Error{
					Kind:    job.ErrKindFatal,
					Message: fmt.Sprintf("handler panic: %v", p),
					Trace:   string(debug.Stack()),
				})
			}
		}()
		done <- classify(handler(execCtx, j))
	}()

	select {
	case o := <-done:
		return o
	case <-execCtx.Done():
		if j.Timeout > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return TimedOut(&job.Error{
				Kind:    job.ErrKindTimeout,
				Message: fmt.Sprintf("task %q exceeded timeout %s", j.Task, j.Timeout),
			})
		}
		// Worker shutdown cancelled the execution mid-flight. Requeue so
		// another worker picks it up.
		return RetryableFailure(&job.Error{
			Kind:    job.ErrKindTask,
			Message: "execution cancelled by worker shutdown",
		})
	}
}

// classify maps a handler's return to an Outcome: nil error is success, an
// *task.ExecutionError is a retryable task failure, anything else is fatal
// by default.
func classify(value any, err error) Outcome {
	if err == nil {
		return Success(value)
	}
	var execErr *task.ExecutionError
	if errors.As(err, &execErr) {
		return RetryableFailure(&job.Error{
			Kind:    job.ErrKindTask,
			Message: execErr.Message,
			Trace:   execErr.Trace,
		})
	}
	return FatalFailure(&job.Error{Kind: job.ErrKindFatal, Message: err.Error()})
}
