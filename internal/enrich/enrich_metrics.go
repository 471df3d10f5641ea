package enrich

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the enrichment pipeline.
type Metrics struct {
	EnrichTotal    *prometheus.CounterVec
	EnrichDuration *prometheus.HistogramVec
	EnrichMatches  prometheus.Histogram
	ErrorsTotal    *prometheus.CounterVec
	ReenrichTotal  prometheus.Counter
	ReenrichFailed prometheus.Counter
}

// NewMetrics registers and returns enrichment metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnrichTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_enrichments_total",
			Help: "Completed enrichments by resulting status.",
		}, []string{"status"}),
		EnrichDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_enrichment_duration_seconds",
			Help:    "Duration of single-indicator enrichment in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"status"}),
		EnrichMatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_enrichment_matches",
			Help:    "Feed matches per enrichment.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_enrichment_errors_total",
			Help: "Failed enrichments by pipeline stage.",
		}, []string{"stage"}),
		ReenrichTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_reenrich_selected_total",
			Help: "Indicators selected by stale re-enrichment batches.",
		}),
		ReenrichFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_reenrich_failed_total",
			Help: "Indicators that failed during stale re-enrichment.",
		}),
	}

	reg.MustRegister(
		m.EnrichTotal,
		m.EnrichDuration,
		m.EnrichMatches,
		m.ErrorsTotal,
		m.ReenrichTotal,
		m.ReenrichFailed,
	)

	return m
}

// Hooks returns pipeline Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEnrich: func(status Status, matches int, d time.Duration) {
			m.EnrichTotal.WithLabelValues(string(status)).Inc()
			m.EnrichDuration.WithLabelValues(string(status)).Observe(d.Seconds())
			m.EnrichMatches.Observe(float64(matches))
		},
		OnError: func(stage string) {
			m.ErrorsTotal.WithLabelValues(stage).Inc()
		},
		OnReenrich: func(selected, failed int) {
			m.ReenrichTotal.Add(float64(selected))
			m.ReenrichFailed.Add(float64(failed))
		},
	}
}
