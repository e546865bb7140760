// Package postgres implements the storage contract on PostgreSQL with pgx.
//
// Reservation uses FOR UPDATE SKIP LOCKED so concurrent workers never claim
// the same job row. Ownership-checked transitions (Complete, Fail) load the
// row FOR UPDATE inside a transaction, apply the shared state machine from
// the job package, and write the whole row back, so the retry arithmetic lives
// in exactly one place for every backend.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/storage"
)

// Store is a PostgreSQL-backed storage implementation.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool. The caller owns the pool lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ storage.Storage = (*Store)(nil)

// Pool returns the underlying pgxpool for operational tooling.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const jobColumns = `id, queue_name, task_name, args, kwargs, metadata, tags,
	priority, status, worker_id, attempt_count, max_retries, retry_delay_ms,
	timeout_ms, result, error, scheduled_at, created_at, updated_at,
	started_at, completed_at, heartbeat_at`

const uniqueViolation = "23505"

func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	args, kwargs, metadata, result, jerr, err := encodeJSON(j)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		j.ID, j.Queue, j.Task, args, kwargs, metadata, orEmptyStrings(j.Tags),
		int16(j.Priority), string(j.Status), nullString(j.WorkerID),
		j.AttemptCount, j.MaxRetries, j.RetryDelay.Milliseconds(),
		j.Timeout.Milliseconds(), result, jerr,
		j.ScheduledAt, j.CreatedAt, j.UpdatedAt,
		j.StartedAt, j.CompletedAt, j.HeartbeatAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateID, j.ID)
		}
		return fmt.Errorf("%w: insert: %v", storage.ErrStorage, err)
	}
	return nil
}

func (s *Store) Reserve(ctx context.Context, queue, workerID string, priorities []job.Priority, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var levels []int16
	for _, p := range priorities {
		levels = append(levels, int16(p))
	}

	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM jobs
			WHERE queue_name = $1
			  AND status = 'pending'
			  AND scheduled_at <= now()
			  AND ($3::smallint[] IS NULL OR priority = ANY($3::smallint[]))
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'reserved', worker_id = $2, updated_at = now()
		FROM picked
		WHERE j.id = picked.id
		RETURNING `+qualified("j", jobColumns),
		queue, workerID, levels, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve: %v", storage.ErrStorage, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE's ordering; restore the
	// reservation order for the caller.
	sort.Slice(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.ScheduledAt.Equal(jb.ScheduledAt) {
			return ja.ScheduledAt.Before(jb.ScheduledAt)
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})
	return jobs, nil
}

func (s *Store) Complete(ctx context.Context, jobID, workerID string, result any) error {
	return s.transition(ctx, jobID, workerID, func(j *job.Job, now time.Time) {
		j.MarkCompleted(result, now)
	})
}

func (s *Store) Fail(ctx context.Context, jobID, workerID string, jerr *job.Error, retry bool) error {
	return s.transition(ctx, jobID, workerID, func(j *job.Job, now time.Time) {
		j.ApplyFailure(jerr, retry, now)
	})
}

// transition loads the job FOR UPDATE, verifies the caller still owns the
// reservation, applies fn, and writes the row back in one transaction.
func (s *Store) transition(ctx context.Context, jobID, workerID string, fn func(*job.Job, time.Time)) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if (j.Status != job.StatusReserved && j.Status != job.StatusRunning) || j.WorkerID != workerID {
			return fmt.Errorf("%w: job %s held by %q, not %q",
				storage.ErrOwnership, jobID, j.WorkerID, workerID)
		}
		fn(j, time.Now().UTC())
		return updateJob(ctx, tx, j)
	})
}

func (s *Store) Cancel(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != job.StatusPending {
			return fmt.Errorf("%w: cannot cancel %s job %s",
				storage.ErrInvalidTransition, j.Status, jobID)
		}
		j.MarkCancelled(time.Now().UTC())
		return updateJob(ctx, tx, j)
	})
}

func (s *Store) Get(ctx context.Context, jobID string) (*job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", storage.ErrStorage, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, jobID)
	}
	return jobs[0], nil
}

func (s *Store) Update(ctx context.Context, j *job.Job) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return updateJob(ctx, tx, j)
	})
}

func (s *Store) GetJobsByStatus(ctx context.Context, statuses []job.Status, queue string, limit, offset int) ([]*job.Job, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}

	b := sq.Select(jobColumns).
		From("jobs").
		Where(sq.Eq{"status": vals}).
		OrderBy("created_at DESC").
		PlaceholderFormat(sq.Dollar)
	if queue != "" {
		b = b.Where(sq.Eq{"queue_name": queue})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: build query: %v", storage.ErrStorage, err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: jobs by status: %v", storage.ErrStorage, err)
	}
	return scanJobs(rows)
}

func (s *Store) CountJobs(ctx context.Context, queue string, statuses ...job.Status) (int, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	b := sq.Select("count(*)").
		From("jobs").
		Where(sq.Eq{"status": vals}).
		PlaceholderFormat(sq.Dollar)
	if queue != "" {
		b = b.Where(sq.Eq{"queue_name": queue})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%w: build query: %v", storage.ErrStorage, err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count jobs: %v", storage.ErrStorage, err)
	}
	return n, nil
}

func (s *Store) CancelPendingJobs(ctx context.Context, queue string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE queue_name = $1 AND status = 'pending'`, queue)
	if err != nil {
		return 0, fmt.Errorf("%w: cancel pending: %v", storage.ErrStorage, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) QueueNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT queue_name FROM jobs ORDER BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("%w: queue names: %v", storage.ErrStorage, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: scan queue name: %v", storage.ErrStorage, err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = $2, updated_at = $2
		WHERE worker_id = $1 AND status = 'running'`, workerID, now)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", storage.ErrStorage, err)
	}
	return nil
}

func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','timeout','cancelled')
		  AND completed_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", storage.ErrStorage, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) MarkStalledJobsAsFailed(ctx context.Context, stallTimeout time.Duration) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = 'running'
			  AND COALESCE(heartbeat_at, started_at) < now() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED`,
			stallTimeout.Seconds())
		if err != nil {
			return fmt.Errorf("%w: stall scan: %v", storage.ErrStorage, err)
		}
		stalled, err := scanJobs(rows)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, j := range stalled {
			j.ApplyFailure(&job.Error{
				Kind:    job.ErrKindStalled,
				Message: fmt.Sprintf("worker %s stopped heartbeating", j.WorkerID),
			}, true, now)
			if err := updateJob(ctx, tx, j); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", storage.ErrStorage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on fn error or panic
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrStorage, err)
	}
	return nil
}

func lockJob(ctx context.Context, tx pgx.Tx, jobID string) (*job.Job, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock job: %v", storage.ErrStorage, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, jobID)
	}
	return jobs[0], nil
}

func updateJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	args, kwargs, metadata, result, jerr, err := encodeJSON(j)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET
			queue_name = $2, task_name = $3, args = $4, kwargs = $5,
			metadata = $6, tags = $7, priority = $8, status = $9,
			worker_id = $10, attempt_count = $11, max_retries = $12,
			retry_delay_ms = $13, timeout_ms = $14, result = $15, error = $16,
			scheduled_at = $17, updated_at = $18, started_at = $19,
			completed_at = $20, heartbeat_at = $21
		WHERE id = $1`,
		j.ID, j.Queue, j.Task, args, kwargs, metadata, orEmptyStrings(j.Tags),
		int16(j.Priority), string(j.Status), nullString(j.WorkerID),
		j.AttemptCount, j.MaxRetries, j.RetryDelay.Milliseconds(),
		j.Timeout.Milliseconds(), result, jerr,
		j.ScheduledAt, j.UpdatedAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt)
	if err != nil {
		return fmt.Errorf("%w: update job %s: %v", storage.ErrStorage, j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, j.ID)
	}
	return nil
}

func scanJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var jobs []*job.Job
	for rows.Next() {
		var (
			j          job.Job
			args       []byte
			kwargs     []byte
			metadata   []byte
			result     []byte
			jerr       []byte
			priority   int16
			status     string
			workerID   *string
			retryDelay int64
			timeout    int64
		)
		if err := rows.Scan(
			&j.ID, &j.Queue, &j.Task, &args, &kwargs, &metadata, &j.Tags,
			&priority, &status, &workerID, &j.AttemptCount, &j.MaxRetries,
			&retryDelay, &timeout, &result, &jerr,
			&j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt,
			&j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", storage.ErrStorage, err)
		}
		j.Priority = job.Priority(priority)
		j.Status = job.Status(status)
		if workerID != nil {
			j.WorkerID = *workerID
		}
		j.RetryDelay = time.Duration(retryDelay) * time.Millisecond
		j.Timeout = time.Duration(timeout) * time.Millisecond
		if err := decodeJSON(args, &j.Args); err != nil {
			return nil, err
		}
		if err := decodeJSON(kwargs, &j.Kwargs); err != nil {
			return nil, err
		}
		if err := decodeJSON(metadata, &j.Metadata); err != nil {
			return nil, err
		}
		if err := decodeJSON(result, &j.Result); err != nil {
			return nil, err
		}
		if len(jerr) > 0 {
			j.Err = &job.Error{}
			if err := json.Unmarshal(jerr, j.Err); err != nil {
				return nil, fmt.Errorf("%w: decode error column: %v", storage.ErrStorage, err)
			}
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate jobs: %v", storage.ErrStorage, err)
	}
	return jobs, nil
}

// encodeJSON marshals the schema-free job fields for their JSONB columns.
// Nil maps and slices encode as empty JSON containers so the columns stay
// NOT NULL.
func encodeJSON(j *job.Job) (args, kwargs, metadata, result, jerr []byte, err error) {
	if args, err = json.Marshal(orEmptyList(j.Args)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: encode args: %v", storage.ErrStorage, err)
	}
	if kwargs, err = json.Marshal(orEmptyMap(j.Kwargs)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: encode kwargs: %v", storage.ErrStorage, err)
	}
	if metadata, err = json.Marshal(orEmptyMap(j.Metadata)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: encode metadata: %v", storage.ErrStorage, err)
	}
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("%w: encode result: %v", storage.ErrStorage, err)
		}
	}
	if j.Err != nil {
		if jerr, err = json.Marshal(j.Err); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("%w: encode error: %v", storage.ErrStorage, err)
		}
	}
	return args, kwargs, metadata, result, jerr, nil
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: decode json column: %v", storage.ErrStorage, err)
	}
	return nil
}

func orEmptyList(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func orEmptyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// qualified prefixes every column in cols with the given table alias, for
// RETURNING clauses on aliased UPDATEs.
func qualified(alias, cols string) string {
	out := ""
	for i, c := range splitCols(cols) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitCols(cols string) []string {
	var out []string
	field := ""
	for _, r := range cols {
		switch r {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}
