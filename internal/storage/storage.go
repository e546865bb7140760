// Package storage defines the durable persistence contract the queue,
// worker, and manager depend on, together with the shared error taxonomy.
//
// The single load-bearing guarantee is Reserve: no two concurrent callers,
// same or different worker, may ever be handed the same job. Complete and
// Fail enforce reservation ownership so a worker that lost its claim cannot
// clobber another worker's state transition.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cmorrow/taskd/internal/job"
)

var (
	// ErrDuplicateID is returned by Insert when the job ID already exists.
	ErrDuplicateID = errors.New("storage: duplicate job id")
	// ErrNotFound is returned when no job exists with the given ID.
	ErrNotFound = errors.New("storage: job not found")
	// ErrOwnership is returned by Complete/Fail when the caller's worker no
	// longer holds the job's reservation.
	ErrOwnership = errors.New("storage: job not owned by worker")
	// ErrInvalidTransition is returned for state-machine violations such as
	// cancelling a RUNNING job.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
	// ErrStorage wraps opaque backend failures (connectivity, constraint
	// violations other than duplicate IDs).
	ErrStorage = errors.New("storage: backend error")
)

// Storage is the durable backend contract. A single backend instance is
// assumed to serialize state transitions; all cross-worker coordination
// happens through these operations.
type Storage interface {
	// Insert persists a new job. Fails with ErrDuplicateID if the ID exists.
	Insert(ctx context.Context, j *job.Job) error

	// Reserve atomically claims up to limit eligible PENDING jobs in queue
	// for workerID, ordered by (priority desc, scheduled_at asc, created_at
	// asc). When priorities is non-empty only those levels are considered.
	// Each returned job has been transitioned to RESERVED with worker_id set.
	Reserve(ctx context.Context, queue, workerID string, priorities []job.Priority, limit int) ([]*job.Job, error)

	// Complete transitions a RESERVED or RUNNING job owned by workerID to
	// COMPLETED with the given result. Returns ErrOwnership if workerID no
	// longer holds the reservation.
	Complete(ctx context.Context, jobID, workerID string, result any) error

	// Fail records a failed attempt for a job owned by workerID. When retry
	// is true and attempts remain the job returns to PENDING with its retry
	// delay applied; otherwise it is finalized (FAILED, or TIMEOUT for
	// timeout-kind errors). Returns ErrOwnership if workerID no longer holds
	// the reservation.
	Fail(ctx context.Context, jobID, workerID string, jerr *job.Error, retry bool) error

	// Cancel transitions a PENDING job to CANCELLED. Any other status is an
	// ErrInvalidTransition.
	Cancel(ctx context.Context, jobID string) error

	// Get returns the job with the given ID.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// Update overwrites an existing job record. Fails with ErrNotFound if
	// the job does not exist.
	Update(ctx context.Context, j *job.Job) error

	// GetJobsByStatus lists jobs in any of the given statuses, newest first,
	// optionally restricted to one queue. limit <= 0 means no limit.
	GetJobsByStatus(ctx context.Context, statuses []job.Status, queue string, limit, offset int) ([]*job.Job, error)

	// CountJobs returns the number of jobs in queue with any of the given
	// statuses.
	CountJobs(ctx context.Context, queue string, statuses ...job.Status) (int, error)

	// CancelPendingJobs cancels every PENDING job in queue and returns the
	// number affected.
	CancelPendingJobs(ctx context.Context, queue string) (int, error)

	// QueueNames returns the distinct queue names present in storage.
	QueueNames(ctx context.Context) ([]string, error)

	// Heartbeat refreshes heartbeat_at on all RUNNING jobs owned by
	// workerID, shielding them from stall recovery.
	Heartbeat(ctx context.Context, workerID string, now time.Time) error

	// CleanupOldJobs deletes terminal jobs finalized more than olderThan ago
	// and returns the number deleted.
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error)

	// MarkStalledJobsAsFailed fails every RUNNING job whose last heartbeat
	// (or start, if it never heartbeated) is older than stallTimeout. Failed
	// jobs honor the normal retry policy. Returns the number affected.
	MarkStalledJobsAsFailed(ctx context.Context, stallTimeout time.Duration) (int, error)
}
