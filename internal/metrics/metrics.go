// Package metrics exposes Prometheus counters/histograms for task
// submission and processing, grounded on the same promauto pattern used
// elsewhere in the reference pack for this kind of queue/worker system.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksSubmitted counts Submit/SubmitBatch calls by queue and priority.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "The total number of submitted tasks",
	}, []string{"queue", "priority"})

	// TasksProcessed counts ack outcomes (terminal or retrying) by queue and status.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"queue", "status"}) // status: succeeded, failed, retrying

	// TaskDuration observes wall-clock execution time from claim to ack.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Duration of task execution.",
		Buckets: prometheus.LinearBuckets(0.1, 0.2, 10),
	}, []string{"queue"})
)

// StartServer runs an HTTP server exposing the /metrics endpoint. Intended
// to be called once at process startup alongside Server.Start.
func StartServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
