// Package syncstate tracks, per tenant and feed type, whether a feed is due,
// currently syncing, or backing off after a failure.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of a feed's sync lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusDisabled Status = "disabled"
)

// FailureRetryDelay is how long a failed feed waits before it is due again,
// regardless of its configured interval.
const FailureRetryDelay = time.Hour

var (
	ErrAlreadySyncing    = errors.New("feed already syncing")
	ErrDisabled          = errors.New("feed disabled")
	ErrInvalidTransition = errors.New("invalid sync state transition")
)

// State is the sync record for one (tenant, feed type) pair.
type State struct {
	TenantID          string     `json:"tenant_id"`
	FeedType          string     `json:"feed_type"`
	Enabled           bool       `json:"enabled"`
	Status            Status     `json:"status"`
	SyncIntervalHours int        `json:"sync_interval_hours"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	NextSync          *time.Time `json:"next_sync,omitempty"`
	TotalSyncs        int64      `json:"total_syncs"`
	SuccessfulSyncs   int64      `json:"successful_syncs"`
	FailedSyncs       int64      `json:"failed_syncs"`
	LastImportCount   int        `json:"last_import_count"`
	TotalImported     int64      `json:"total_imported"`
	LastError         string     `json:"last_error,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// New returns an enabled, never-synced state. A fresh state is due immediately.
func New(tenantID, feedType string, intervalHours int) *State {
	if intervalHours <= 0 {
		intervalHours = 24
	}
	return &State{
		TenantID:          tenantID,
		FeedType:          feedType,
		Enabled:           true,
		Status:            StatusPending,
		SyncIntervalHours: intervalHours,
	}
}

// Interval is the success-path delay between syncs.
func (s *State) Interval() time.Duration {
	return time.Duration(s.SyncIntervalHours) * time.Hour
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := *s
	if s.LastSync != nil {
		t := *s.LastSync
		cp.LastSync = &t
	}
	if s.NextSync != nil {
		t := *s.NextSync
		cp.NextSync = &t
	}
	return &cp
}

// MarkStarted moves any non-disabled state to Syncing and stamps last_sync.
func (s *State) MarkStarted(now time.Time) error {
	switch {
	case !s.Enabled || s.Status == StatusDisabled:
		return fmt.Errorf("%s/%s: %w", s.TenantID, s.FeedType, ErrDisabled)
	case s.Status == StatusSyncing:
		return fmt.Errorf("%s/%s: %w", s.TenantID, s.FeedType, ErrAlreadySyncing)
	}
	s.Status = StatusSyncing
	s.LastSync = ptr(now)
	s.UpdatedAt = now
	return nil
}

// MarkSuccess closes a sync with itemCount imported items and schedules the
// next one an interval after now.
func (s *State) MarkSuccess(itemCount int, now time.Time) error {
	if s.Status != StatusSyncing {
		return fmt.Errorf("%s/%s: success from %s: %w", s.TenantID, s.FeedType, s.Status, ErrInvalidTransition)
	}
	s.Status = StatusSuccess
	s.TotalSyncs++
	s.SuccessfulSyncs++
	s.LastImportCount = itemCount
	s.TotalImported += int64(itemCount)
	s.LastError = ""

	s.NextSync = ptr(now.Add(s.Interval()))
	s.UpdatedAt = now
	return nil
}

// MarkFailure closes a sync with an error. The feed becomes due again after
// FailureRetryDelay.
func (s *State) MarkFailure(errText string, now time.Time) error {
	if s.Status != StatusSyncing {
		return fmt.Errorf("%s/%s: failure from %s: %w", s.TenantID, s.FeedType, s.Status, ErrInvalidTransition)
	}
	if errText == "" {
		errText = "unknown error"
	}
	s.Status = StatusFailure
	s.TotalSyncs++
	s.FailedSyncs++
	s.LastError = errText
	s.NextSync = ptr(now.Add(FailureRetryDelay))
	s.UpdatedAt = now
	return nil
}

// SetEnabled toggles the feed. Disabling forces Disabled and clears next_sync
// from any state. Enabling a disabled feed returns it to Pending.
func (s *State) SetEnabled(enabled bool, now time.Time) {
	s.UpdatedAt = now
	if !enabled {
		s.Enabled = false
		s.Status = StatusDisabled
		s.NextSync = nil
		return
	}

	wasDisabled := !s.Enabled || s.Status == StatusDisabled
	s.Enabled = true
	if wasDisabled {
		s.Status = StatusPending
	}
	if s.NextSync == nil {
		if s.LastSync != nil {
			s.NextSync = ptr(s.LastSync.Add(s.Interval()))
		} else {
			s.NextSync = ptr(now.Add(s.Interval()))
		}
	}
}

// IsDue reports whether the scheduler should start a sync at now.
func (s *State) IsDue(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	return s.NextSync == nil || !s.NextSync.After(now)
}

// Metrics is a read-only summary of a feed's sync history.
type Metrics struct {
	TotalSyncs      int64      `json:"total_syncs"`
	SuccessfulSyncs int64      `json:"successful_syncs"`
	FailedSyncs     int64      `json:"failed_syncs"`
	SuccessRate     float64    `json:"success_rate"`
	LastImportCount int        `json:"last_import_count"`
	TotalImported   int64      `json:"total_imported"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
	NextSync        *time.Time `json:"next_sync,omitempty"`
	Status          Status     `json:"status"`
	Enabled         bool       `json:"enabled"`
}

// Metrics summarizes the state.
func (s *State) Metrics() Metrics {
	m := Metrics{
		TotalSyncs:      s.TotalSyncs,
		SuccessfulSyncs: s.SuccessfulSyncs,
		FailedSyncs:     s.FailedSyncs,
		LastImportCount: s.LastImportCount,
		TotalImported:   s.TotalImported,
		LastSync:        s.LastSync,
		NextSync:        s.NextSync,
		Status:          s.Status,
		Enabled:         s.Enabled,
	}
	if s.TotalSyncs > 0 {
		m.SuccessRate = float64(s.SuccessfulSyncs) / float64(s.TotalSyncs)
	}
	return m
}

// StaleSyncError is the last_error recorded when a sweep releases a sync.
const StaleSyncError = "sync abandoned: no result before reconciliation"

// Stale reports whether a Syncing state started before cutoff.
func (s *State) Stale(cutoff time.Time) bool {
	return s.Status == StatusSyncing && (s.LastSync == nil || s.LastSync.Before(cutoff))
}

func ptr(t time.Time) *time.Time { return &t }

// Store persists sync states. TryStart is the single-flight gate: it must
// atomically check and move a row to Syncing, failing with ErrAlreadySyncing
// if another run holds it.
type Store interface {
	Get(ctx context.Context, tenantID, feedType string) (*State, bool, error)
	GetOrCreate(ctx context.Context, tenantID, feedType string, intervalHours int) (*State, error)
	List(ctx context.Context, tenantID string) ([]*State, error)
	ListDue(ctx context.Context, now time.Time) ([]*State, error)
	TryStart(ctx context.Context, tenantID, feedType string, intervalHours int, now time.Time) (*State, error)
	Finish(ctx context.Context, st *State) error
	// ReleaseStale fails every Syncing row whose last_sync is before cutoff,
	// so a run that died without Finish does not hold the feed forever.
	ReleaseStale(ctx context.Context, cutoff, now time.Time) ([]*State, error)
	SetEnabled(ctx context.Context, tenantID, feedType string, enabled bool, now time.Time) (*State, error)
}
