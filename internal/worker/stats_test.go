package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsCounters(t *testing.T) {
	t.Parallel()
	s := newStats()

	s.observe(10*time.Millisecond, time.Second, "")
	s.observe(20*time.Millisecond, time.Second, "task_error")
	s.observe(30*time.Millisecond, time.Second, "task_error")
	s.observe(40*time.Millisecond, time.Second, "timeout")

	snap := s.Snapshot()
	assert.EqualValues(t, 4, snap.Processed)
	assert.EqualValues(t, 1, snap.Succeeded)
	assert.EqualValues(t, 3, snap.Failed)
	assert.InDelta(t, 0.75, snap.ErrorRate, 0.001)
	assert.EqualValues(t, 2, snap.ErrorKinds["task_error"])
	assert.EqualValues(t, 1, snap.ErrorKinds["timeout"])
	assert.Positive(t, snap.JobsPerMinute)
}

func TestStatsPercentilesNeedSamples(t *testing.T) {
	t.Parallel()
	s := newStats()

	for range minPercentileSamples - 1 {
		s.observe(time.Millisecond, 0, "")
	}
	assert.Zero(t, s.Snapshot().ProcessingP95, "below the sample floor")

	s.observe(time.Millisecond, 0, "")
	assert.Positive(t, s.Snapshot().ProcessingP95)
}

func TestStatsWindowBounded(t *testing.T) {
	t.Parallel()
	s := newStats()

	for range maxSamples + 50 {
		s.observe(time.Millisecond, time.Millisecond, "")
	}
	assert.Len(t, s.processing, maxSamples)
	assert.Len(t, s.queueWait, maxSamples)
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	window := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		window = append(window, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 95*time.Millisecond, percentile(window, 0.95))
	assert.Equal(t, 99*time.Millisecond, percentile(window, 0.99))
	assert.Equal(t, 100*time.Millisecond, percentile(window, 1))
}
