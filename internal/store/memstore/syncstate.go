package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
)

type syncKey struct{ tenantID, feedType string }

// SyncStates implements syncstate.Store. The mutex makes TryStart a
// compare-and-set.
type SyncStates struct {
	mu     sync.Mutex
	states map[syncKey]*syncstate.State
}

// NewSyncStates initializes an empty sync state store.
func NewSyncStates() *SyncStates {
	return &SyncStates{states: make(map[syncKey]*syncstate.State)}
}

// Get returns a copy of the state.
func (s *SyncStates) Get(_ context.Context, tenantID, feedType string) (*syncstate.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[syncKey{tenantID, feedType}]
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

// GetOrCreate returns the state, creating a Pending one if missing.
func (s *SyncStates) GetOrCreate(_ context.Context, tenantID, feedType string, intervalHours int) (*syncstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(tenantID, feedType, intervalHours).Clone(), nil
}

func (s *SyncStates) getOrCreateLocked(tenantID, feedType string, intervalHours int) *syncstate.State {
	k := syncKey{tenantID, feedType}
	st, ok := s.states[k]
	if !ok {
		st = syncstate.New(tenantID, feedType, intervalHours)
		s.states[k] = st
	}
	return st
}

// List returns a tenant's states ordered by feed type.
func (s *SyncStates) List(_ context.Context, tenantID string) ([]*syncstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*syncstate.State
	for k, st := range s.states {
		if k.tenantID == tenantID {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedType < out[j].FeedType })
	return out, nil
}

// ListDue returns every state due at now, across tenants.
func (s *SyncStates) ListDue(_ context.Context, now time.Time) ([]*syncstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*syncstate.State
	for _, st := range s.states {
		if st.Status != syncstate.StatusSyncing && st.IsDue(now) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].FeedType < out[j].FeedType
	})
	return out, nil
}

// TryStart atomically moves the pair to Syncing, creating it if needed.
func (s *SyncStates) TryStart(_ context.Context, tenantID, feedType string, intervalHours int, now time.Time) (*syncstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreateLocked(tenantID, feedType, intervalHours)
	if intervalHours > 0 {
		st.SyncIntervalHours = intervalHours
	}
	if err := st.MarkStarted(now); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Finish writes a terminal transition computed by the caller. The stored row
// must still be Syncing.
func (s *SyncStates) Finish(_ context.Context, st *syncstate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := syncKey{st.TenantID, st.FeedType}
	cur, ok := s.states[k]
	if !ok {
		return fmt.Errorf("%s/%s: no sync state", st.TenantID, st.FeedType)
	}
	if cur.Status != syncstate.StatusSyncing {
		return fmt.Errorf("%s/%s: finish from %s: %w", st.TenantID, st.FeedType, cur.Status, syncstate.ErrInvalidTransition)
	}
	s.states[k] = st.Clone()
	return nil
}

// SetEnabled toggles a feed for a tenant.
func (s *SyncStates) SetEnabled(_ context.Context, tenantID, feedType string, enabled bool, now time.Time) (*syncstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreateLocked(tenantID, feedType, 0)
	st.SetEnabled(enabled, now)
	return st.Clone(), nil
}

// ReleaseStale moves Syncing rows started before cutoff to Failure.
func (s *SyncStates) ReleaseStale(_ context.Context, cutoff, now time.Time) ([]*syncstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*syncstate.State
	for _, st := range s.states {
		if !st.Stale(cutoff) {
			continue
		}
		if err := st.MarkFailure(syncstate.StaleSyncError, now); err != nil {
			return out, err
		}
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].FeedType < out[j].FeedType
	})
	return out, nil
}
