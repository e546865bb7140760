// Package scheduler materializes recurring job definitions into queue
// entries. Each schedule carries a cron spec (robfig/cron syntax, including
// @every shortcuts); a single tick loop enqueues every schedule that has
// come due and advances its next-run time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/queue"
)

// Enqueuer is the slice of the manager the scheduler needs: the ability to
// put a job on a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, p queue.EnqueueParams) (string, error)
}

// Schedule is a recurring job definition.
type Schedule struct {
	Name     string // unique schedule name
	Spec     string // cron spec, e.g. "*/5 * * * *" or "@every 30s"
	Queue    string
	Task     string
	Args     []any
	Kwargs   map[string]any
	Priority job.Priority

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

type entry struct {
	def     Schedule
	sched   cron.Schedule
	nextRun time.Time
}

// Scheduler owns a set of schedules and a tick loop that fires them.
type Scheduler struct {
	enq      Enqueuer
	interval time.Duration

	mu       sync.Mutex
	entries  map[string]*entry
	lastTick time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler that checks for due schedules every interval.
func New(enq Enqueuer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		enq:      enq,
		interval: interval,
		entries:  make(map[string]*entry),
	}
}

// Add registers a schedule. The cron spec is parsed eagerly so a bad spec
// fails at registration, not on the first tick.
func (s *Scheduler) Add(def Schedule) error {
	if def.Name == "" {
		return fmt.Errorf("schedule: name must not be empty")
	}
	parsed, err := cron.ParseStandard(def.Spec)
	if err != nil {
		return fmt.Errorf("schedule %q: parse spec %q: %w", def.Name, def.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[def.Name]; ok {
		return fmt.Errorf("schedule %q already registered", def.Name)
	}
	s.entries[def.Name] = &entry{
		def:     def,
		sched:   parsed,
		nextRun: parsed.Next(time.Now()),
	}
	return nil
}

// Remove deletes a schedule by name. Reports whether it existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	delete(s.entries, name)
	return ok
}

// Names returns the registered schedule names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches the tick loop. A no-op when already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx)
	slog.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	slog.Info("scheduler stopped")
}

// Healthy reports whether the tick loop has run recently. A scheduler that
// has not been started is considered healthy (it has nothing to miss).
func (s *Scheduler) Healthy() bool {
	s.runMu.Lock()
	running := s.cancel != nil
	s.runMu.Unlock()
	if !running {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastTick.IsZero() && time.Since(s.lastTick) < 3*s.interval
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.markTick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) markTick() {
	s.mu.Lock()
	s.lastTick = time.Now()
	s.mu.Unlock()
}

// tick enqueues every due schedule. Enqueue failures are logged and the
// schedule still advances. A broken storage backend must not cause a burst
// of catch-up jobs once it recovers.
func (s *Scheduler) tick(ctx context.Context) {
	s.markTick()
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
			e.nextRun = e.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		id, err := s.enq.Enqueue(ctx, e.def.Queue, queue.EnqueueParams{
			Task:       e.def.Task,
			Args:       e.def.Args,
			Kwargs:     e.def.Kwargs,
			Priority:   e.def.Priority,
			MaxRetries: e.def.MaxRetries,
			RetryDelay: e.def.RetryDelay,
			Timeout:    e.def.Timeout,
			Metadata:   map[string]any{"schedule": e.def.Name},
		})
		if err != nil {
			slog.Error("scheduled enqueue failed",
				"schedule", e.def.Name, "queue", e.def.Queue, "error", err)
			continue
		}
		slog.Debug("schedule fired",
			"schedule", e.def.Name, "queue", e.def.Queue, "job_id", id)
	}
}
