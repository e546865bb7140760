// Package memory provides the reference in-memory storage backend. A single
// mutex serializes every operation, which trivially satisfies the Reserve
// atomicity guarantee. Intended for tests, run-sync paths, and single-process
// deployments; production deployments use the postgres backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/storage"
)

// Store is a mutex-guarded map of job ID → record.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

var _ storage.Storage = (*Store)(nil)

func (s *Store) Insert(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateID, j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) Reserve(_ context.Context, queue, workerID string, priorities []job.Priority, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	allowed := map[job.Priority]bool{}
	for _, p := range priorities {
		allowed[p] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var eligible []*job.Job
	for _, j := range s.jobs {
		if j.Queue != queue || !j.Eligible(now) {
			continue
		}
		if len(allowed) > 0 && !allowed[j.Priority] {
			continue
		}
		eligible = append(eligible, j)
	}

	sort.Slice(eligible, func(a, b int) bool {
		ja, jb := eligible[a], eligible[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.ScheduledAt.Equal(jb.ScheduledAt) {
			return ja.ScheduledAt.Before(jb.ScheduledAt)
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]*job.Job, 0, len(eligible))
	for _, j := range eligible {
		j.MarkReserved(workerID, now)
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *Store) Complete(_ context.Context, jobID, workerID string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}
	j.MarkCompleted(result, time.Now().UTC())
	return nil
}

func (s *Store) Fail(_ context.Context, jobID, workerID string, jerr *job.Error, retry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}
	j.ApplyFailure(jerr, retry, time.Now().UTC())
	return nil
}

// owned returns the live record for jobID after verifying it is RESERVED or
// RUNNING under workerID. Callers hold s.mu.
func (s *Store) owned(jobID, workerID string) (*job.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, jobID)
	}
	if (j.Status != job.StatusReserved && j.Status != job.StatusRunning) || j.WorkerID != workerID {
		return nil, fmt.Errorf("%w: job %s held by %q, not %q",
			storage.ErrOwnership, jobID, j.WorkerID, workerID)
	}
	return j, nil
}

func (s *Store) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, jobID)
	}
	if j.Status != job.StatusPending {
		return fmt.Errorf("%w: cannot cancel %s job %s",
			storage.ErrInvalidTransition, j.Status, jobID)
	}
	j.MarkCancelled(time.Now().UTC())
	return nil
}

func (s *Store) Get(_ context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, jobID)
	}
	return j.Clone(), nil
}

func (s *Store) Update(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) GetJobsByStatus(_ context.Context, statuses []job.Status, queue string, limit, offset int) ([]*job.Job, error) {
	want := map[job.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*job.Job
	for _, j := range s.jobs {
		if !want[j.Status] {
			continue
		}
		if queue != "" && j.Queue != queue {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*job.Job, 0, len(matched))
	for _, j := range matched {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *Store) CountJobs(_ context.Context, queue string, statuses ...job.Status) (int, error) {
	want := map[job.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if want[j.Status] && (queue == "" || j.Queue == queue) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CancelPendingJobs(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, j := range s.jobs {
		if j.Queue == queue && j.Status == job.StatusPending {
			j.MarkCancelled(now)
			n++
		}
	}
	return n, nil
}

func (s *Store) QueueNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, j := range s.jobs {
		seen[j.Queue] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Heartbeat(_ context.Context, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == job.StatusRunning && j.WorkerID == workerID {
			t := now
			j.HeartbeatAt = &t
			j.UpdatedAt = now
		}
	}
	return nil
}

func (s *Store) CleanupOldJobs(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for id, j := range s.jobs {
		if j.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkStalledJobsAsFailed(_ context.Context, stallTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cutoff := now.Add(-stallTimeout)
	n := 0
	for _, j := range s.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		last := j.StartedAt
		if j.HeartbeatAt != nil {
			last = j.HeartbeatAt
		}
		if last == nil || last.After(cutoff) {
			continue
		}
		stalledBy := j.WorkerID
		j.ApplyFailure(&job.Error{
			Kind:    job.ErrKindStalled,
			Message: fmt.Sprintf("worker %s stopped heartbeating", stalledBy),
		}, true, now)
		n++
	}
	return n, nil
}
