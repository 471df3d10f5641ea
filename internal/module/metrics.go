package module

import (
	"context"
	"time"
)

// Metrics are the rolling operational counters kept per (module, tenant).
type Metrics struct {
	ModuleID          string     `json:"module_id"`
	TenantID          string     `json:"tenant_id"`
	TotalRuns         int64      `json:"total_runs"`
	SuccessRate       float64    `json:"success_rate"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
	LastRun           *time.Time `json:"last_run,omitempty"`
}

// Update folds one execution outcome into the metrics. The success rate is the
// cumulative average over the lifetime run count.
func (m *Metrics) Update(success bool, errText string, now time.Time) {
	var hit float64
	if success {
		hit = 1
	}
	m.SuccessRate = (m.SuccessRate*float64(m.TotalRuns) + hit) / float64(m.TotalRuns+1)
	m.TotalRuns++

	if success {
		m.ConsecutiveErrors = 0
		m.LastError = ""
	} else {
		m.ConsecutiveErrors++
		if errText == "" {
			errText = "unknown error"
		}
		m.LastError = errText
	}
	t := now
	m.LastRun = &t
}

// MetricsStore persists Metrics. RecordRun must apply Update atomically.
type MetricsStore interface {
	GetMetrics(ctx context.Context, moduleID, tenantID string) (*Metrics, error)
	RecordRun(ctx context.Context, moduleID, tenantID string, success bool, errText string, now time.Time) (*Metrics, error)
}
