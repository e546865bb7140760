package worker

import (
	"sort"
	"sync"
	"time"
)

// maxSamples caps the rolling latency windows. Old samples are dropped
// oldest-first once the window is full.
const maxSamples = 512

// minPercentileSamples is the floor below which percentile figures are not
// reported; too few samples make p95/p99 meaningless.
const minPercentileSamples = 20

// Stats accumulates per-worker counters and rolling latency samples. All
// state is private to one worker instance and never persisted.
type Stats struct {
	mu sync.Mutex

	startedAt time.Time

	processed int64
	succeeded int64
	failed    int64

	processing []time.Duration // per-job handler latency
	queueWait  []time.Duration // created_at → started_at
	errorKinds map[string]int64
}

func newStats() *Stats {
	return &Stats{
		startedAt:  time.Now(),
		errorKinds: make(map[string]int64),
	}
}

// observe records one finished job: its handler latency, how long it sat in
// the queue, and the error kind for failures.
func (s *Stats) observe(processing, wait time.Duration, errKind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if errKind == "" {
		s.succeeded++
	} else {
		s.failed++
		s.errorKinds[errKind]++
	}
	s.processing = appendSample(s.processing, processing)
	s.queueWait = appendSample(s.queueWait, wait)
}

func appendSample(window []time.Duration, d time.Duration) []time.Duration {
	if len(window) >= maxSamples {
		window = window[1:]
	}
	return append(window, d)
}

// Snapshot is a point-in-time copy of worker statistics.
type Snapshot struct {
	Uptime    time.Duration
	Processed int64
	Succeeded int64
	Failed    int64

	// JobsPerMinute is total processed divided by uptime.
	JobsPerMinute float64
	// ErrorRate is failed divided by processed, 0 when nothing processed.
	ErrorRate float64

	// Percentiles are zero until at least minPercentileSamples jobs have
	// been observed.
	ProcessingP95 time.Duration
	ProcessingP99 time.Duration
	QueueWaitP95  time.Duration
	QueueWaitP99  time.Duration

	ErrorKinds map[string]int64
}

// Snapshot returns a copy of the current statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Uptime:     time.Since(s.startedAt),
		Processed:  s.processed,
		Succeeded:  s.succeeded,
		Failed:     s.failed,
		ErrorKinds: make(map[string]int64, len(s.errorKinds)),
	}
	for k, v := range s.errorKinds {
		snap.ErrorKinds[k] = v
	}
	if mins := snap.Uptime.Minutes(); mins > 0 {
		snap.JobsPerMinute = float64(s.processed) / mins
	}
	if s.processed > 0 {
		snap.ErrorRate = float64(s.failed) / float64(s.processed)
	}
	if len(s.processing) >= minPercentileSamples {
		snap.ProcessingP95 = percentile(s.processing, 0.95)
		snap.ProcessingP99 = percentile(s.processing, 0.99)
	}
	if len(s.queueWait) >= minPercentileSamples {
		snap.QueueWaitP95 = percentile(s.queueWait, 0.95)
		snap.QueueWaitP99 = percentile(s.queueWait, 0.99)
	}
	return snap
}

// percentile computes the nearest-rank percentile of window. Callers hold
// the stats mutex.
func percentile(window []time.Duration, p float64) time.Duration {
	sorted := append([]time.Duration(nil), window...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
