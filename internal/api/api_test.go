package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmorrow/taskd/internal/api"
	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/manager"
	"github.com/cmorrow/taskd/internal/storage/memory"
	"github.com/cmorrow/taskd/internal/task"
)

func newServer(t *testing.T) (*manager.Manager, *httptest.Server) {
	t.Helper()
	m := manager.New(memory.New(), task.NewRegistry(), manager.Config{})
	srv := httptest.NewServer(api.NewRouter(m))
	t.Cleanup(srv.Close)
	return m, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestEnqueueEndpoint(t *testing.T) {
	t.Parallel()
	m, srv := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/queues/emails/jobs",
		`{"task_name":"send_email","priority":"high","max_retries":2,"retry_delay":"30s","kwargs":{"to":"a@b.c"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	j, err := m.GetJob(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "emails", j.Queue)
	assert.Equal(t, "send_email", j.Task)
	assert.Equal(t, job.PriorityHigh, j.Priority)
	assert.Equal(t, 2, j.MaxRetries)
}

func TestEnqueueValidationErrors(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{"task_name":"t","priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{"task_name":"t","retry_delay":"fast"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing task name fails job validation.
	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueueDuplicateIDConflict(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{"id":"once","task_name":"t"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{"id":"once","task_name":"t"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetJobEndpoint(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{"id":"j1","task_name":"t"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/jobs/j1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "j1", body["id"])
	assert.Equal(t, "pending", body["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelAndRetryEndpoints(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{"id":"j1","task_name":"t"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Retry on a pending job is rejected.
	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/j1/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := do(t, http.MethodDelete, srv.URL+"/jobs/j1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	// Second cancel conflicts.
	resp, _ = do(t, http.MethodDelete, srv.URL+"/jobs/j1", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A cancelled job may be retried back to pending.
	resp, body = do(t, http.MethodPost, srv.URL+"/jobs/j1/retry", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueEndpoints(t *testing.T) {
	t.Parallel()
	m, srv := newServer(t)

	for range 2 {
		resp, _ := do(t, http.MethodPost, srv.URL+"/queues/q/jobs", `{"task_name":"t"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/queues/q/length", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["length"])

	resp, body = do(t, http.MethodPost, srv.URL+"/queues/q/pause", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["changed"])
	assert.True(t, m.Queue("q").Paused())

	resp, body = do(t, http.MethodPost, srv.URL+"/queues/q/resume", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["changed"])

	resp, body = do(t, http.MethodDelete, srv.URL+"/queues/q/jobs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["cancelled"])
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
