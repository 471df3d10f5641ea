package jobqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the job queue.
type Metrics struct {
	SubmitsTotal  *prometheus.CounterVec
	FinishedTotal *prometheus.CounterVec
	RetriesTotal  *prometheus.CounterVec
	RateWait      *prometheus.HistogramVec
	JobDuration   *prometheus.HistogramVec
	Waiting       prometheus.Gauge
}

// NewMetrics registers and returns job queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_jobs_submitted_total",
			Help: "Jobs submitted to the queue by job name.",
		}, []string{"job"}),
		FinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_jobs_finished_total",
			Help: "Finished jobs by job name and final status.",
		}, []string{"job", "status"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_job_retries_total",
			Help: "Retried job attempts by job name.",
		}, []string{"job"}),
		RateWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_job_rate_limit_wait_seconds",
			Help:    "Time jobs spent waiting on their rate limiter.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms .. ~164s
		}, []string{"key"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_job_duration_seconds",
			Help:    "Wall time from first attempt to final status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
		}, []string{"job", "status"}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_jobs_waiting",
			Help: "Jobs queued but not yet picked up by a worker.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.FinishedTotal,
		m.RetriesTotal,
		m.RateWait,
		m.JobDuration,
		m.Waiting,
	)

	return m
}

// Hooks returns queue Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(name string) {
			m.SubmitsTotal.WithLabelValues(name).Inc()
		},
		OnRateWait: func(key string, waited time.Duration) {
			m.RateWait.WithLabelValues(key).Observe(waited.Seconds())
		},
		OnRetry: func(name string, _ int, _ time.Duration) {
			m.RetriesTotal.WithLabelValues(name).Inc()
		},
		OnFinish: func(name string, status Status, _ int, d time.Duration) {
			m.FinishedTotal.WithLabelValues(name, string(status)).Inc()
			m.JobDuration.WithLabelValues(name, string(status)).Observe(d.Seconds())
		},
		OnQueueLength: func(waiting int) {
			m.Waiting.Set(float64(waiting))
		},
	}
}
