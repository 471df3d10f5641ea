package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// Metrics holds Prometheus metrics for module executions and dispatch batches.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	SkipsTotal        *prometheus.CounterVec
	BatchesTotal      *prometheus.CounterVec
	BatchFeeds        *prometheus.CounterVec
	SyncStateErrors   *prometheus.CounterVec
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_module_executions_total",
			Help: "Module executions by module and outcome.",
		}, []string{"module", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_module_execution_duration_seconds",
			Help:    "Module Execute wall time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
		}, []string{"module"}),
		SkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_module_skips_total",
			Help: "Module runs skipped before execution by reason.",
		}, []string{"module", "reason"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_feed_batches_total",
			Help: "Feed dispatch batches by mode.",
		}, []string{"mode"}),
		BatchFeeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_feed_batch_results_total",
			Help: "Feed outcomes reported by dispatch batches.",
		}, []string{"mode", "result"}),
		SyncStateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_feed_sync_state_errors_total",
			Help: "Terminal sync-state writes abandoned after retries.",
		}, []string{"module"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SkipsTotal,
		m.BatchesTotal,
		m.BatchFeeds,
		m.SyncStateErrors,
	)

	return m
}

// RunHooks returns Runner hooks that update the execution metrics.
func (m *Metrics) RunHooks() RunHooks {
	return RunHooks{
		OnExecution: func(moduleID string, status module.Status, d time.Duration) {
			m.ExecutionsTotal.WithLabelValues(moduleID, string(status)).Inc()
			if d > 0 {
				m.ExecutionDuration.WithLabelValues(moduleID).Observe(d.Seconds())
			}
		},
		OnSkip: func(moduleID, reason string) {
			m.SkipsTotal.WithLabelValues(moduleID, reason).Inc()
		},
		OnSyncStateError: func(moduleID string) {
			m.SyncStateErrors.WithLabelValues(moduleID).Inc()
		},
	}
}

// DispatchHooks returns Dispatcher hooks that update the batch metrics.
func (m *Metrics) DispatchHooks() DispatchHooks {
	return DispatchHooks{
		OnBatch: func(mode string, successful, failed int) {
			m.BatchesTotal.WithLabelValues(mode).Inc()
			m.BatchFeeds.WithLabelValues(mode, "successful").Add(float64(successful))
			m.BatchFeeds.WithLabelValues(mode, "failed").Add(float64(failed))
		},
	}
}
