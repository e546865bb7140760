// Package job defines the unit of work, its priority ordering, and the
// status state machine shared by every storage backend and worker.
//
// All transition methods mutate the Job in memory only; callers persist the
// result through a storage backend. The transition rules (what may retry,
// what is terminal, when worker ownership is set and cleared) live here so
// that in-memory and Postgres storage apply identical semantics.
package job

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs within a queue. Higher values are reserved first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name used in logs and storage rows.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state. A FAILED or TIMEOUT job is
// only in a terminal state once its retries are exhausted; Job.IsTerminal
// accounts for that, this helper does not.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Error kinds recorded on failed jobs.
const (
	ErrKindTask    = "task_error" // handler returned a task.ExecutionError
	ErrKindFatal   = "fatal"      // handler panicked or returned an unexpected error
	ErrKindTimeout = "timeout"    // handler exceeded the job's timeout
	ErrKindStalled = "stalled"    // owning worker stopped heartbeating
)

// Error is the structured failure record persisted on a job.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// Job is a single unit of scheduled work.
type Job struct {
	ID    string `json:"id"`
	Queue string `json:"queue_name"`
	Task  string `json:"task_name"`

	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`

	Priority    Priority      `json:"priority"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
	Timeout     time.Duration `json:"timeout,omitempty"` // zero means no per-job timeout

	Status       Status `json:"status"`
	WorkerID     string `json:"worker_id,omitempty"`
	AttemptCount int    `json:"attempt_count"`
	Result       any    `json:"result,omitempty"`
	Err          *Error `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// Params holds the caller-supplied fields for New. ID is generated when
// empty; ScheduledAt defaults to immediately eligible.
type Params struct {
	ID          string
	Queue       string
	Task        string
	Args        []any
	Kwargs      map[string]any
	Metadata    map[string]any
	Tags        []string
	Priority    Priority
	ScheduledAt time.Time
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

var (
	errEmptyQueue = errors.New("job: queue name must not be empty")
	errEmptyTask  = errors.New("job: task name must not be empty")
	errNegRetries = errors.New("job: max retries must not be negative")
)

// New validates p and returns a PENDING job with attempt_count zero.
func New(p Params) (*Job, error) {
	if p.Queue == "" {
		return nil, errEmptyQueue
	}
	if p.Task == "" {
		return nil, errEmptyTask
	}
	if p.MaxRetries < 0 {
		return nil, errNegRetries
	}
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	sched := p.ScheduledAt
	if sched.IsZero() {
		sched = now
	}
	return &Job{
		ID:          id,
		Queue:       p.Queue,
		Task:        p.Task,
		Args:        p.Args,
		Kwargs:      p.Kwargs,
		Metadata:    p.Metadata,
		Tags:        p.Tags,
		Priority:    p.Priority,
		ScheduledAt: sched,
		MaxRetries:  p.MaxRetries,
		RetryDelay:  p.RetryDelay,
		Timeout:     p.Timeout,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Eligible reports whether the job may be reserved at now: it is PENDING and
// its scheduled time has passed.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledAt.After(now)
}

// CanRetry reports whether a failed or timed-out job has attempts left.
func (j *Job) CanRetry() bool {
	return (j.Status == StatusFailed || j.Status == StatusTimeout) &&
		j.AttemptCount <= j.MaxRetries
}

// IsTerminal reports whether the job will never run again: completed,
// cancelled, or failed/timed out with retries exhausted.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed, StatusTimeout:
		return j.CompletedAt != nil
	}
	return false
}

// MarkReserved binds the job to workerID. worker_id is set iff the job is
// RESERVED or RUNNING.
func (j *Job) MarkReserved(workerID string, now time.Time) {
	j.Status = StatusReserved
	j.WorkerID = workerID
	j.UpdatedAt = now
}

// MarkRunning records the execution start.
func (j *Job) MarkRunning(now time.Time) {
	j.Status = StatusRunning
	j.StartedAt = &now
	j.HeartbeatAt = &now
	j.UpdatedAt = now
}

// MarkCompleted records a successful result and finalizes the job.
func (j *Job) MarkCompleted(result any, now time.Time) {
	j.Status = StatusCompleted
	j.Result = result
	j.Err = nil
	j.WorkerID = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled finalizes a PENDING job without running it.
func (j *Job) MarkCancelled(now time.Time) {
	j.Status = StatusCancelled
	j.WorkerID = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// ApplyFailure records a failed attempt. The attempt counter is incremented
// first; when retry is requested and attempts remain, the job returns to
// PENDING with scheduled_at pushed out by retry_delay. Otherwise the job is
// finalized as FAILED, or TIMEOUT when the error kind is a timeout.
// Reports whether the job was requeued.
func (j *Job) ApplyFailure(e *Error, retry bool, now time.Time) bool {
	j.AttemptCount++
	j.Err = e
	j.WorkerID = ""
	j.UpdatedAt = now

	if retry && j.AttemptCount <= j.MaxRetries {
		j.Status = StatusPending
		j.ScheduledAt = now.Add(j.RetryDelay)
		j.StartedAt = nil
		j.HeartbeatAt = nil
		return true
	}

	if e != nil && e.Kind == ErrKindTimeout {
		j.Status = StatusTimeout
	} else {
		j.Status = StatusFailed
	}
	j.CompletedAt = &now
	return false
}

// Requeue returns a finalized FAILED, TIMEOUT, or CANCELLED job to PENDING
// with a fresh attempt budget. Used for operator-initiated retries; workers
// never call this.
func (j *Job) Requeue(now time.Time) {
	j.Status = StatusPending
	j.AttemptCount = 0
	j.WorkerID = ""
	j.Result = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.HeartbeatAt = nil
	j.ScheduledAt = now
	j.UpdatedAt = now
}

// Clone returns a copy for handing across the storage boundary. Containers
// are copied one level deep so a handler mutating its job cannot race a
// concurrent read of the stored record. Values nested inside Args, Kwargs,
// and Metadata are still shared.
func (j *Job) Clone() *Job {
	c := *j
	if j.Args != nil {
		c.Args = append([]any(nil), j.Args...)
	}
	if j.Kwargs != nil {
		c.Kwargs = make(map[string]any, len(j.Kwargs))
		for k, v := range j.Kwargs {
			c.Kwargs[k] = v
		}
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		c.HeartbeatAt = &t
	}
	if j.Err != nil {
		e := *j.Err
		c.Err = &e
	}
	return &c
}
