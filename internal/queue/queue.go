// Package queue provides the named-queue façade over storage: enqueue with
// validation, pause-aware batch dequeue, and completion/failure delegation.
// Jobs live in storage; the only queue-local state is the paused flag, which
// gates dequeue but never enqueue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/storage"
)

// Queue is a named view over a storage backend.
type Queue struct {
	name   string
	store  storage.Storage
	paused atomic.Bool
}

// New returns a queue named name backed by store.
func New(name string, store storage.Storage) *Queue {
	return &Queue{name: name, store: store}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Store exposes the backing storage for callers that need direct reads.
func (q *Queue) Store() storage.Storage { return q.store }

// EnqueueParams holds the caller-supplied fields for Enqueue. ID is
// generated when empty.
type EnqueueParams struct {
	ID          string
	Task        string
	Args        []any
	Kwargs      map[string]any
	Metadata    map[string]any
	Tags        []string
	Priority    job.Priority
	ScheduledAt time.Time
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

// Enqueue validates p, persists a new PENDING job, and returns its ID.
// A caller-supplied ID that collides surfaces storage.ErrDuplicateID.
// Enqueue is never gated by the paused flag.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	j, err := job.New(job.Params{
		ID:          p.ID,
		Queue:       q.name,
		Task:        p.Task,
		Args:        p.Args,
		Kwargs:      p.Kwargs,
		Metadata:    p.Metadata,
		Tags:        p.Tags,
		Priority:    p.Priority,
		ScheduledAt: p.ScheduledAt,
		MaxRetries:  p.MaxRetries,
		RetryDelay:  p.RetryDelay,
		Timeout:     p.Timeout,
	})
	if err != nil {
		return "", err
	}
	if err := q.store.Insert(ctx, j); err != nil {
		return "", fmt.Errorf("enqueue %q: %w", q.name, err)
	}
	slog.Debug("job enqueued",
		"queue", q.name, "job_id", j.ID, "task", j.Task, "priority", j.Priority.String())
	return j.ID, nil
}

// Dequeue reserves up to batchSize eligible jobs for workerID. Returns
// immediately with no jobs when the queue is paused; never blocks waiting
// for work.
func (q *Queue) Dequeue(ctx context.Context, workerID string, priorities []job.Priority, batchSize int) ([]*job.Job, error) {
	if q.paused.Load() {
		return nil, nil
	}
	jobs, err := q.store.Reserve(ctx, q.name, workerID, priorities, batchSize)
	if err != nil {
		return nil, fmt.Errorf("dequeue %q: %w", q.name, err)
	}
	return jobs, nil
}

// Complete marks a reserved job as succeeded with result.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result any) error {
	return q.store.Complete(ctx, jobID, workerID, result)
}

// Fail records a failed attempt; storage decides between requeue and
// finalization based on retry and the job's remaining attempts.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, jerr *job.Error, retry bool) error {
	return q.store.Fail(ctx, jobID, workerID, jerr, retry)
}

// Pause stops dequeue from handing out new jobs. In-flight jobs are
// unaffected. Reports whether the flag changed.
func (q *Queue) Pause() bool {
	changed := q.paused.CompareAndSwap(false, true)
	if changed {
		slog.Info("queue paused", "queue", q.name)
	}
	return changed
}

// Resume re-enables dequeue. Reports whether the flag changed.
func (q *Queue) Resume() bool {
	changed := q.paused.CompareAndSwap(true, false)
	if changed {
		slog.Info("queue resumed", "queue", q.name)
	}
	return changed
}

// Paused reports the current pause flag.
func (q *Queue) Paused() bool { return q.paused.Load() }

// Clear cancels every PENDING job in the queue and returns the count.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.store.CancelPendingJobs(ctx, q.name)
	if err != nil {
		return 0, fmt.Errorf("clear %q: %w", q.name, err)
	}
	if n > 0 {
		slog.Info("queue cleared", "queue", q.name, "cancelled", n)
	}
	return n, nil
}

// Len returns the number of PENDING jobs in the queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountJobs(ctx, q.name, job.StatusPending)
}
