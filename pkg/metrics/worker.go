package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics records form-check job processing outcomes.
type WorkerMetrics struct {
	duration  *prometheus.HistogramVec
	processed *prometheus.CounterVec
	retries   prometheus.Counter
}

// NewWorkerMetrics registers the worker metrics on the provided registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		return &WorkerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "formcheck_job_duration_seconds",
		Help:    "Duration of form-check job attempts in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formcheck_jobs_processed_total",
		Help: "Form-check job attempts by terminal outcome.",
	}, []string{"outcome"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formcheck_job_retries_total",
		Help: "Form-check attempts returned to the queue for retry.",
	})
	reg.MustRegister(duration, processed, retries)
	return &WorkerMetrics{
		duration:  duration,
		processed: processed,
		retries:   retries,
	}
}

// ObserveAttempt records duration and outcome for one processing attempt.
func (m *WorkerMetrics) ObserveAttempt(outcome string, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	label := normalizeLabel(outcome)
	m.duration.WithLabelValues(label).Observe(elapsed.Seconds())
	m.processed.WithLabelValues(label).Inc()
}

// IncRetry counts a transient failure sent back to the queue.
func (m *WorkerMetrics) IncRetry() {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
