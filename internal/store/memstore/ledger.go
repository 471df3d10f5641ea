package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinelvision/internal/ledger"
)

// Ledger implements ledger.Store.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*ledger.Record
}

// NewLedger initializes an empty ledger store.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*ledger.Record)}
}

// Create stores a new record.
func (s *Ledger) Create(_ context.Context, r *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("record %s already exists", r.ID)
	}
	s.records[r.ID] = r.Clone()
	return nil
}

// Get retrieves a record by id.
func (s *Ledger) Get(_ context.Context, id string) (*ledger.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// AppendLog appends a line to an open record.
func (s *Ledger) AppendLog(_ context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ledger.ErrRecordNotFound)
	}
	return r.ApplyLog(line)
}

// Close completes a record exactly once.
func (s *Ledger) Close(_ context.Context, id string, c ledger.Completion) (*ledger.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ledger.ErrRecordNotFound)
	}
	if err := r.ApplyCompletion(c); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// ListByModule returns newest-first records for a module.
func (s *Ledger) ListByModule(_ context.Context, moduleID string, limit int) ([]*ledger.Record, error) {
	return s.list(func(r *ledger.Record) bool { return r.ModuleID == moduleID }, limit), nil
}

// ListByTenant returns newest-first records for a tenant.
func (s *Ledger) ListByTenant(_ context.Context, tenantID string, limit int) ([]*ledger.Record, error) {
	return s.list(func(r *ledger.Record) bool { return r.TenantID == tenantID }, limit), nil
}

// ListOpenBefore returns open records started before cutoff.
func (s *Ledger) ListOpenBefore(_ context.Context, cutoff time.Time) ([]*ledger.Record, error) {
	return s.list(func(r *ledger.Record) bool {
		return !r.Closed() && r.StartedAt.Before(cutoff)
	}, 0), nil
}

func (s *Ledger) list(keep func(*ledger.Record) bool, limit int) []*ledger.Record {
	s.mu.RLock()
	var out []*ledger.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
