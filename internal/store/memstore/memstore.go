// Package memstore provides in-memory implementations of every SentinelVision
// store contract. Suitable for dev/testing. All getters return copies.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// Stores bundles one instance of each in-memory store.
type Stores struct {
	Metrics    *Metrics
	SyncStates *SyncStates
	Ledger     *Ledger
	IOCs       *IOCs
	FeedData   *FeedData
	Mirror     *Mirror
}

// New initializes a full set of in-memory stores.
func New() *Stores {
	return &Stores{
		Metrics:    NewMetrics(),
		SyncStates: NewSyncStates(),
		Ledger:     NewLedger(),
		IOCs:       NewIOCs(),
		FeedData:   NewFeedData(),
		Mirror:     NewMirror(),
	}
}

type metricsKey struct{ moduleID, tenantID string }

// Metrics holds per (module, tenant) execution metrics.
type Metrics struct {
	mu sync.Mutex
	m  map[metricsKey]*module.Metrics
}

// NewMetrics initializes an empty metrics store.
func NewMetrics() *Metrics {
	return &Metrics{m: make(map[metricsKey]*module.Metrics)}
}

// GetMetrics returns a copy of the metrics, zero-valued if never recorded.
func (s *Metrics) GetMetrics(_ context.Context, moduleID, tenantID string) (*module.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.m[metricsKey{moduleID, tenantID}]; ok {
		return copyMetrics(m), nil
	}
	return &module.Metrics{ModuleID: moduleID, TenantID: tenantID}, nil
}

// RecordRun folds one outcome into the metrics under the store lock.
func (s *Metrics) RecordRun(_ context.Context, moduleID, tenantID string, success bool, errText string, now time.Time) (*module.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := metricsKey{moduleID, tenantID}
	m, ok := s.m[k]
	if !ok {
		m = &module.Metrics{ModuleID: moduleID, TenantID: tenantID}
		s.m[k] = m
	}
	m.Update(success, errText, now)
	return copyMetrics(m), nil
}

func copyMetrics(m *module.Metrics) *module.Metrics {
	cp := *m
	if m.LastRun != nil {
		t := *m.LastRun
		cp.LastRun = &t
	}
	return &cp
}
