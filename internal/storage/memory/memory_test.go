package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/storage"
	"github.com/cmorrow/taskd/internal/storage/memory"
)

func mustInsert(t *testing.T, s *memory.Store, p job.Params) *job.Job {
	t.Helper()
	j, err := job.New(p)
	require.NoError(t, err)
	require.NoError(t, s.Insert(context.Background(), j))
	return j
}

func TestInsertDuplicateID(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := mustInsert(t, s, job.Params{ID: "dup", Queue: "q", Task: "t"})
	dup, err := job.New(job.Params{ID: j.ID, Queue: "q", Task: "t"})
	require.NoError(t, err)

	err = s.Insert(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateID)
}

func TestReserveAtMostOnce(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	const jobs = 50
	for range jobs {
		mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	}

	// Many workers race to drain the queue; no job may be handed out twice.
	const workers = 10
	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerID := string(rune('a' + id))
			for {
				got, err := s.Reserve(ctx, "q", workerID, nil, 3)
				if err != nil {
					t.Error(err)
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, j := range got {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s reserved %d times", id, n)
	}
}

func TestReservePriorityOrdering(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute)
	mustInsert(t, s, job.Params{ID: "low", Queue: "q", Task: "t", Priority: job.PriorityLow, ScheduledAt: at})
	mustInsert(t, s, job.Params{ID: "crit", Queue: "q", Task: "t", Priority: job.PriorityCritical, ScheduledAt: at})
	mustInsert(t, s, job.Params{ID: "norm", Queue: "q", Task: "t", Priority: job.PriorityNormal, ScheduledAt: at})

	got, err := s.Reserve(ctx, "q", "w1", nil, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "crit", got[0].ID)
	assert.Equal(t, "norm", got[1].ID)
	assert.Equal(t, "low", got[2].ID)
	for _, j := range got {
		assert.Equal(t, job.StatusReserved, j.Status)
		assert.Equal(t, "w1", j.WorkerID)
	}
}

func TestReserveSkipsIneligible(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	mustInsert(t, s, job.Params{ID: "future", Queue: "q", Task: "t", ScheduledAt: time.Now().Add(time.Hour)})
	mustInsert(t, s, job.Params{ID: "other", Queue: "other", Task: "t"})
	mustInsert(t, s, job.Params{ID: "ready", Queue: "q", Task: "t"})

	got, err := s.Reserve(ctx, "q", "w1", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ready", got[0].ID)
}

func TestReservePriorityFilter(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	mustInsert(t, s, job.Params{ID: "lo", Queue: "q", Task: "t", Priority: job.PriorityLow})
	mustInsert(t, s, job.Params{ID: "hi", Queue: "q", Task: "t", Priority: job.PriorityHigh})

	got, err := s.Reserve(ctx, "q", "w1", []job.Priority{job.PriorityHigh}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].ID)
}

func TestCompleteRequiresOwnership(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	_, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)

	err = s.Complete(ctx, j.ID, "intruder", "x")
	assert.ErrorIs(t, err, storage.ErrOwnership)

	require.NoError(t, s.Complete(ctx, j.ID, "w1", 42))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 42, got.Result)
	assert.Empty(t, got.WorkerID)
}

func TestCompleteUnknownJob(t *testing.T) {
	t.Parallel()
	s := memory.New()

	err := s.Complete(context.Background(), "missing", "w1", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailRetryExhaustion(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := mustInsert(t, s, job.Params{Queue: "q", Task: "t", MaxRetries: 2})
	jerr := &job.Error{Kind: job.ErrKindTask, Message: "boom"}

	// max_retries=2 allows three total attempts before the job is terminal.
	for attempt := 1; attempt <= 3; attempt++ {
		got, err := s.Reserve(ctx, "q", "w1", nil, 1)
		require.NoError(t, err)
		require.Len(t, got, 1, "attempt %d", attempt)
		require.NoError(t, s.Fail(ctx, j.ID, "w1", jerr, true))
	}

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.True(t, got.IsTerminal())

	// Terminal jobs never come back out.
	more, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestFailTwiceThenSucceed(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := mustInsert(t, s, job.Params{Queue: "q", Task: "t", MaxRetries: 2})
	jerr := &job.Error{Kind: job.ErrKindTask, Message: "boom"}

	for range 2 {
		got, err := s.Reserve(ctx, "q", "w1", nil, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.NoError(t, s.Fail(ctx, j.ID, "w1", jerr, true))
	}

	got, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, s.Complete(ctx, j.ID, "w1", "third time lucky"))

	final, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.AttemptCount)
	assert.Equal(t, "third time lucky", final.Result)
	assert.Nil(t, final.Err)
}

func TestFailRequeueDelaysScheduledAt(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := mustInsert(t, s, job.Params{Queue: "q", Task: "t", MaxRetries: 3, RetryDelay: time.Hour})
	_, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, j.ID, "w1", &job.Error{Kind: job.ErrKindTask, Message: "x"}, true))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Empty(t, got.WorkerID)

	// Not eligible again until the retry delay elapses.
	more, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestCancelOnlyPending(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	require.NoError(t, s.Cancel(ctx, j.ID))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)

	// A reserved job cannot be cancelled.
	j2 := mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	_, err = s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	err = s.Cancel(ctx, j2.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	err = s.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetJobsByStatus(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	mustInsert(t, s, job.Params{ID: "p1", Queue: "q", Task: "t"})
	mustInsert(t, s, job.Params{ID: "p2", Queue: "other", Task: "t"})
	done := mustInsert(t, s, job.Params{ID: "c1", Queue: "q", Task: "t", Priority: job.PriorityCritical})
	got, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].ID)
	require.NoError(t, s.Complete(ctx, done.ID, "w1", nil))

	pending, err := s.GetJobsByStatus(ctx, []job.Status{job.StatusPending}, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	qOnly, err := s.GetJobsByStatus(ctx, []job.Status{job.StatusPending}, "q", 0, 0)
	require.NoError(t, err)
	require.Len(t, qOnly, 1)
	assert.Equal(t, "p1", qOnly[0].ID)

	completed, err := s.GetJobsByStatus(ctx, []job.Status{job.StatusCompleted}, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "c1", completed[0].ID)
}

func TestCountAndQueueNames(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	mustInsert(t, s, job.Params{Queue: "a", Task: "t"})
	mustInsert(t, s, job.Params{Queue: "a", Task: "t"})
	mustInsert(t, s, job.Params{Queue: "b", Task: "t"})

	n, err := s.CountJobs(ctx, "a", job.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	names, err := s.QueueNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestCancelPendingJobs(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	mustInsert(t, s, job.Params{Queue: "other", Task: "t"})

	n, err := s.CancelPendingJobs(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := s.CountJobs(ctx, "q", job.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestHeartbeatTouchesRunningJobs(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	j := mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	got, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	running := got[0]
	running.MarkRunning(time.Now().UTC().Add(-time.Hour))
	require.NoError(t, s.Update(ctx, running))

	now := time.Now().UTC()
	require.NoError(t, s.Heartbeat(ctx, "w1", now))

	refreshed, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.HeartbeatAt)
	assert.Equal(t, now, *refreshed.HeartbeatAt)
}

func TestMarkStalledJobsAsFailed(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	// Stale running job: heartbeat far in the past.
	stale := mustInsert(t, s, job.Params{Queue: "q", Task: "t", MaxRetries: 1})
	got, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	rj := got[0]
	rj.MarkRunning(time.Now().UTC().Add(-time.Hour))
	require.NoError(t, s.Update(ctx, rj))

	// Fresh running job must be untouched.
	fresh := mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	got, err = s.Reserve(ctx, "q", "w2", nil, 1)
	require.NoError(t, err)
	fj := got[0]
	fj.MarkRunning(time.Now().UTC())
	require.NoError(t, s.Update(ctx, fj))

	n, err := s.MarkStalledJobsAsFailed(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sj, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, sj.Status, "stalled job with retries left is requeued")
	assert.Equal(t, 1, sj.AttemptCount)
	require.NotNil(t, sj.Err)
	assert.Equal(t, job.ErrKindStalled, sj.Err.Kind)

	kept, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, kept.Status)

	// A second sweep finds nothing new.
	n, err = s.MarkStalledJobsAsFailed(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanupOldJobs(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	old := mustInsert(t, s, job.Params{Queue: "q", Task: "t"})
	_, err := s.Reserve(ctx, "q", "w1", nil, 1)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, old.ID, "w1", nil))

	// Push its completion into the past.
	oj, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-48 * time.Hour)
	oj.CompletedAt = &past
	require.NoError(t, s.Update(ctx, oj))

	// Pending jobs are never cleaned up regardless of age.
	keep := mustInsert(t, s, job.Params{Queue: "q", Task: "t"})

	n, err := s.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, keep.ID)
	assert.NoError(t, err)
}
