// Package api exposes the operational HTTP surface: health, Prometheus
// metrics, and thin job/queue management endpoints delegating to the
// manager. This is ops tooling, not a product API: no auth, bind it to a
// trusted interface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/manager"
	"github.com/cmorrow/taskd/internal/queue"
	"github.com/cmorrow/taskd/internal/storage"
)

// NewRouter builds the operational router around m.
func NewRouter(m *manager.Manager) http.Handler {
	s := &server{
		mgr:     m,
		limiter: newIPRateLimiter(enqueueRate, enqueueBurst, limiterEvictTTL),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/queues/{name}", func(r chi.Router) {
		r.With(s.enqueueRateLimit).Post("/jobs", s.enqueue)
		r.Get("/length", s.queueLength)
		r.Post("/pause", s.pauseQueue)
		r.Post("/resume", s.resumeQueue)
		r.Delete("/jobs", s.clearQueue)
	})

	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.getJob)
		r.Delete("/", s.cancelJob)
		r.Post("/retry", s.retryJob)
	})

	return r
}

type server struct {
	mgr     *manager.Manager
	limiter *ipRateLimiter
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	type workerHealth struct {
		WorkerID string `json:"worker_id"`
		Health   string `json:"health"`
	}
	workers := s.mgr.Workers()
	out := struct {
		Healthy bool           `json:"healthy"`
		Workers []workerHealth `json:"workers"`
	}{
		Healthy: s.mgr.Healthy(),
		Workers: make([]workerHealth, 0, len(workers)),
	}
	for _, wk := range workers {
		out.Workers = append(out.Workers, workerHealth{WorkerID: wk.ID(), Health: wk.Health()})
	}
	code := http.StatusOK
	if !out.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

// enqueueRequest is the POST /queues/{name}/jobs body.
type enqueueRequest struct {
	ID          string         `json:"id,omitempty"`
	Task        string         `json:"task_name"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	RetryDelay  string         `json:"retry_delay,omitempty"` // Go duration syntax
	Timeout     string         `json:"timeout,omitempty"`
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "name")
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	p := queue.EnqueueParams{
		ID:         req.ID,
		Task:       req.Task,
		Args:       req.Args,
		Kwargs:     req.Kwargs,
		Metadata:   req.Metadata,
		Tags:       req.Tags,
		MaxRetries: req.MaxRetries,
	}
	if req.ScheduledAt != nil {
		p.ScheduledAt = *req.ScheduledAt
	}

	var err error
	if p.Priority, err = parsePriority(req.Priority); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.RetryDelay, err = parseDuration(req.RetryDelay); err != nil {
		writeError(w, http.StatusBadRequest, "retry_delay: "+err.Error())
		return
	}
	if p.Timeout, err = parseDuration(req.Timeout); err != nil {
		writeError(w, http.StatusBadRequest, "timeout: "+err.Error())
		return
	}

	id, err := s.mgr.Enqueue(r.Context(), queueName, p)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateID) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.mgr.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *server) cancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.CancelJob(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *server) retryJob(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.RetryJob(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *server) queueLength(w http.ResponseWriter, r *http.Request) {
	n, err := s.mgr.QueueLength(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"length": n})
}

func (s *server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	changed := s.mgr.PauseQueue(chi.URLParam(r, "name"))
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	changed := s.mgr.ResumeQueue(chi.URLParam(r, "name"))
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *server) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.mgr.ClearQueue(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func parsePriority(s string) (job.Priority, error) {
	switch s {
	case "", "normal":
		return job.PriorityNormal, nil
	case "low":
		return job.PriorityLow, nil
	case "high":
		return job.PriorityHigh, nil
	case "critical":
		return job.PriorityCritical, nil
	}
	return 0, errors.New("priority must be one of low, normal, high, critical")
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
