package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide Prometheus collectors, shared by every worker in the process
// and exported through the operational /metrics endpoint. The per-worker
// Stats window stays authoritative for health decisions; these exist for
// fleet-level dashboards.
var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskd",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Jobs processed, labelled by queue and result.",
	}, []string{"queue", "result"})

	jobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskd",
		Subsystem: "worker",
		Name:      "jobs_in_flight",
		Help:      "Jobs currently executing, labelled by queue.",
	}, []string{"queue"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskd",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Handler execution latency, labelled by queue.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})
)
