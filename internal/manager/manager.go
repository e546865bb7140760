// Package manager is the top-level orchestrator: it owns the queue map, the
// worker fleet, the optional recurring-job scheduler, and the background
// maintenance loops (retention cleanup, stall recovery, health checks). It
// exposes the operational API the CLI and HTTP surfaces delegate to.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/queue"
	"github.com/cmorrow/taskd/internal/scheduler"
	"github.com/cmorrow/taskd/internal/storage"
	"github.com/cmorrow/taskd/internal/task"
	"github.com/cmorrow/taskd/internal/worker"
)

// Config tunes the manager. Zero durations take the stated defaults.
type Config struct {
	// Queues lists the queue names that get a dedicated worker at Start.
	// Queues touched only via Enqueue are created lazily without a worker.
	Queues []string
	// Worker is the configuration applied to each started worker.
	Worker worker.Config

	CleanupInterval     time.Duration // default 5m
	CleanupAge          time.Duration // retention for terminal jobs; default 24h
	StallTimeout        time.Duration // default 5m
	HealthCheckInterval time.Duration // default 30s

	// SchedulerInterval enables the recurring-job scheduler when positive.
	SchedulerInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = 24 * time.Hour
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

// Manager coordinates queues, workers, the scheduler, and maintenance loops.
type Manager struct {
	store    storage.Storage
	registry *task.Registry
	cfg      Config
	sched    *scheduler.Scheduler

	qmu    sync.Mutex
	queues map[string]*queue.Queue

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup

	wmu     sync.RWMutex
	workers []*worker.Worker
}

// New creates a stopped manager. The registry is injected explicitly and
// treated as read-only after startup.
func New(store storage.Storage, registry *task.Registry, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:    store,
		registry: registry,
		cfg:      cfg,
		queues:   make(map[string]*queue.Queue),
	}
	if cfg.SchedulerInterval > 0 {
		m.sched = scheduler.New(m, cfg.SchedulerInterval)
	}
	return m
}

// Registry returns the injected task registry.
func (m *Manager) Registry() *task.Registry { return m.registry }

// RegisterTask forwards to the task registry.
func (m *Manager) RegisterTask(name string, h task.Handler) error {
	return m.registry.Register(name, h)
}

// Scheduler returns the recurring-job scheduler, or nil when disabled.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Queue returns the named queue, creating it on first access.
func (m *Manager) Queue(name string) *queue.Queue {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = queue.New(name, m.store)
		m.queues[name] = q
	}
	return q
}

// Workers returns the managed worker fleet.
func (m *Manager) Workers() []*worker.Worker {
	m.wmu.RLock()
	defer m.wmu.RUnlock()
	return append([]*worker.Worker(nil), m.workers...)
}

// Start brings up one worker per configured queue, the scheduler when
// enabled, and the cleanup and health-check loops. A no-op when already
// started.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, name := range m.cfg.Queues {
		w := worker.New(m.Queue(name), m.registry, m.cfg.Worker)
		if err := w.Start(loopCtx); err != nil {
			cancel()
			return fmt.Errorf("start worker for %q: %w", name, err)
		}
		m.wmu.Lock()
		m.workers = append(m.workers, w)
		m.wmu.Unlock()
	}

	if m.sched != nil {
		m.sched.Start(loopCtx)
	}

	m.loopWG.Add(2)
	go m.cleanupLoop(loopCtx)
	go m.healthLoop(loopCtx)

	m.started = true
	slog.Info("manager started",
		"queues", m.cfg.Queues,
		"cleanup_interval", m.cfg.CleanupInterval,
		"stall_timeout", m.cfg.StallTimeout)
	return nil
}

// Stop shuts everything down: scheduler first so no new jobs appear, then
// the workers with their own drain semantics, then the maintenance loops.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.started {
		return nil
	}

	if m.sched != nil {
		m.sched.Stop()
	}

	var errs []error
	for _, w := range m.Workers() {
		if err := w.Shutdown(true); err != nil {
			errs = append(errs, err)
		}
	}
	m.wmu.Lock()
	m.workers = nil
	m.wmu.Unlock()

	m.cancel()
	m.loopWG.Wait()
	m.started = false
	slog.Info("manager stopped")
	return errors.Join(errs...)
}

// ── operational API ───────────────────────────────────────────────────────────

// Enqueue puts a job on the named queue.
func (m *Manager) Enqueue(ctx context.Context, queueName string, p queue.EnqueueParams) (string, error) {
	return m.Queue(queueName).Enqueue(ctx, p)
}

// GetJob returns the job with the given ID.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return m.store.Get(ctx, jobID)
}

// CancelJob cancels a PENDING job. Anything reserved, running, or terminal
// is rejected with storage.ErrInvalidTransition.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	return m.store.Cancel(ctx, jobID)
}

// RetryJob returns a finalized FAILED, TIMEOUT, or CANCELLED job to PENDING
// with a fresh attempt budget.
func (m *Manager) RetryJob(ctx context.Context, jobID string) error {
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch j.Status {
	case job.StatusFailed, job.StatusTimeout, job.StatusCancelled:
	default:
		return fmt.Errorf("%w: cannot retry %s job %s",
			storage.ErrInvalidTransition, j.Status, jobID)
	}
	j.Requeue(time.Now().UTC())
	if err := m.store.Update(ctx, j); err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	slog.Info("job requeued for retry", "job_id", jobID, "queue", j.Queue)
	return nil
}

// PauseQueue stops dequeue on the named queue; reports whether the flag
// changed.
func (m *Manager) PauseQueue(name string) bool { return m.Queue(name).Pause() }

// ResumeQueue re-enables dequeue on the named queue.
func (m *Manager) ResumeQueue(name string) bool { return m.Queue(name).Resume() }

// ClearQueue cancels all PENDING jobs on the named queue.
func (m *Manager) ClearQueue(ctx context.Context, name string) (int, error) {
	return m.Queue(name).Clear(ctx)
}

// QueueLength returns the number of PENDING jobs on the named queue.
func (m *Manager) QueueLength(ctx context.Context, name string) (int, error) {
	return m.Queue(name).Len(ctx)
}

// QueueNames returns the distinct queue names present in storage.
func (m *Manager) QueueNames(ctx context.Context) ([]string, error) {
	return m.store.QueueNames(ctx)
}

// PendingJobs lists PENDING jobs, newest first. queueName empty means all
// queues; limit <= 0 means no limit.
func (m *Manager) PendingJobs(ctx context.Context, queueName string, limit, offset int) ([]*job.Job, error) {
	return m.store.GetJobsByStatus(ctx, []job.Status{job.StatusPending}, queueName, limit, offset)
}

// RunningJobs lists RESERVED and RUNNING jobs.
func (m *Manager) RunningJobs(ctx context.Context, queueName string, limit, offset int) ([]*job.Job, error) {
	return m.store.GetJobsByStatus(ctx,
		[]job.Status{job.StatusReserved, job.StatusRunning}, queueName, limit, offset)
}

// FailedJobs lists FAILED and TIMEOUT jobs.
func (m *Manager) FailedJobs(ctx context.Context, queueName string, limit, offset int) ([]*job.Job, error) {
	return m.store.GetJobsByStatus(ctx,
		[]job.Status{job.StatusFailed, job.StatusTimeout}, queueName, limit, offset)
}

// CompletedJobs lists COMPLETED jobs.
func (m *Manager) CompletedJobs(ctx context.Context, queueName string, limit, offset int) ([]*job.Job, error) {
	return m.store.GetJobsByStatus(ctx, []job.Status{job.StatusCompleted}, queueName, limit, offset)
}

// RunJobSync executes a task inline, bypassing storage entirely: an
// ephemeral job on the reserved "sync" queue with no retries. The task's own
// error message is surfaced verbatim on failure. Used for request/response
// call patterns where queueing overhead is undesirable.
func (m *Manager) RunJobSync(ctx context.Context, taskName string, args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	j, err := job.New(job.Params{
		Queue:   "sync",
		Task:    taskName,
		Args:    args,
		Kwargs:  kwargs,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	outcome := worker.Run(ctx, m.registry, j)
	if outcome.Failed() {
		return nil, outcome.Err()
	}
	return outcome.Value(), nil
}

// Healthy reports whether every worker and the scheduler are healthy.
func (m *Manager) Healthy() bool {
	for _, w := range m.Workers() {
		if !w.Healthy() {
			return false
		}
	}
	if m.sched != nil && !m.sched.Healthy() {
		return false
	}
	return true
}

// ── maintenance loops ─────────────────────────────────────────────────────────

// cleanupLoop periodically deletes expired terminal jobs and reclaims
// stalled RUNNING jobs. Failures are logged, never fatal; the loop always
// reaches its next tick.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.loopWG.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCleanup(ctx)
		}
	}
}

func (m *Manager) runCleanup(ctx context.Context) {
	deleted, err := m.store.CleanupOldJobs(ctx, m.cfg.CleanupAge)
	if err != nil {
		slog.Error("retention cleanup failed", "error", err)
	} else if deleted > 0 {
		slog.Info("retention cleanup", "deleted", deleted, "age", m.cfg.CleanupAge)
	}

	stalled, err := m.store.MarkStalledJobsAsFailed(ctx, m.cfg.StallTimeout)
	if err != nil {
		slog.Error("stall recovery failed", "error", err)
	} else if stalled > 0 {
		slog.Warn("stall recovery reclaimed jobs",
			"count", stalled, "stall_timeout", m.cfg.StallTimeout)
	}
}

// healthLoop periodically logs unhealthy workers and scheduler staleness.
// No automatic remediation happens here; that is an operator concern.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.loopWG.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range m.Workers() {
				if h := w.Health(); h != worker.HealthHealthy {
					slog.Warn("worker unhealthy", "worker_id", w.ID(), "health", h)
				}
			}
			if m.sched != nil && !m.sched.Healthy() {
				slog.Warn("scheduler unhealthy, tick loop is stale")
			}
		}
	}
}

var _ scheduler.Enqueuer = (*Manager)(nil)
