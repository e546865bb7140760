package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"
)

func TestIPRateLimiterAllow(t *testing.T) {
	t.Parallel()
	rl := newIPRateLimiter(rate.Limit(1), 2, time.Minute)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "burst spent")

	// Other clients have their own buckets.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestEnqueueRateLimitMiddleware(t *testing.T) {
	t.Parallel()
	s := &server{limiter: newIPRateLimiter(rate.Limit(1), 1, time.Minute)}

	var hits int
	h := s.enqueueRateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/queues/default/jobs", nil)
	req.RemoteAddr = "192.168.1.7:51234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, hits)
}
