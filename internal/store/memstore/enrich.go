package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

type matchKey struct{ iocID, feedID string }

// IOCs implements enrich.Store. Records are keyed by their deterministic id,
// which already folds in the tenant.
type IOCs struct {
	mu      sync.RWMutex
	iocs    map[string]*enrich.IOC
	matches map[matchKey]*enrich.FeedMatch
}

// NewIOCs initializes an empty enrichment store.
func NewIOCs() *IOCs {
	return &IOCs{
		iocs:    make(map[string]*enrich.IOC),
		matches: make(map[matchKey]*enrich.FeedMatch),
	}
}

// GetOrCreate returns the stored record for ioc.ID, inserting ioc if absent.
func (s *IOCs) GetOrCreate(_ context.Context, ioc *enrich.IOC) (*enrich.IOC, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.iocs[ioc.ID]; ok {
		return s.withCount(cur), false, nil
	}
	s.iocs[ioc.ID] = ioc.Clone()
	return s.withCount(ioc), true, nil
}

// Save writes ioc and upserts its matches under one lock. Confidence and tags
// merge with whatever is stored.
func (s *IOCs) Save(_ context.Context, ioc *enrich.IOC, matches []enrich.FeedMatch) (*enrich.IOC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := ioc.Clone()
	if cur, ok := s.iocs[ioc.ID]; ok {
		if cur.TenantID != ioc.TenantID {
			return nil, fmt.Errorf("record %s: %w", ioc.ID, module.ErrTenantIsolation)
		}
		next.FirstSeen = cur.FirstSeen
		next.Merge(cur.Confidence, cur.Tags)
	}
	for _, m := range matches {
		if m.TenantID != ioc.TenantID || m.IOCID != ioc.ID {
			return nil, fmt.Errorf("match %s/%s: %w", m.IOCID, m.FeedID, module.ErrTenantIsolation)
		}
	}

	s.iocs[ioc.ID] = next
	for _, m := range matches {
		cp := m
		cp.Tags = enrich.UnionTags(nil, m.Tags)
		cp.Metadata = maps.Clone(m.Metadata)
		s.matches[matchKey{m.IOCID, m.FeedID}] = &cp
	}
	return s.withCount(next), nil
}

// Get returns a tenant's record by id.
func (s *IOCs) Get(_ context.Context, tenantID, id string) (*enrich.IOC, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ioc, ok := s.iocs[id]
	if !ok || ioc.TenantID != tenantID {
		return nil, false, nil
	}
	return s.withCount(ioc), true, nil
}

// Matches returns a record's matches ordered newest first.
func (s *IOCs) Matches(_ context.Context, tenantID, iocID string) ([]enrich.FeedMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []enrich.FeedMatch
	for k, m := range s.matches {
		if k.iocID == iocID && m.TenantID == tenantID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MatchedAt.Equal(out[j].MatchedAt) {
			return out[i].MatchedAt.After(out[j].MatchedAt)
		}
		return out[i].FeedID < out[j].FeedID
	})
	return out, nil
}

// List returns a tenant's records, most recently checked first.
func (s *IOCs) List(_ context.Context, tenantID string, status enrich.Status, limit int) ([]*enrich.IOC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*enrich.IOC
	for _, ioc := range s.iocs {
		if ioc.TenantID != tenantID || (status != "" && ioc.Status != status) {
			continue
		}
		out = append(out, s.withCount(ioc))
	}
	sort.Slice(out, func(i, j int) bool { return checkedAt(out[i]).After(checkedAt(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStale returns Pending records and those checked before cutoff, oldest first.
func (s *IOCs) ListStale(_ context.Context, tenantID string, cutoff time.Time, limit int) ([]*enrich.IOC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*enrich.IOC
	for _, ioc := range s.iocs {
		if ioc.TenantID != tenantID {
			continue
		}
		if ioc.Status == enrich.StatusPending || ioc.LastChecked == nil || ioc.LastChecked.Before(cutoff) {
			out = append(out, s.withCount(ioc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return checkedAt(out[i]).Before(checkedAt(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns how many records a tenant has.
func (s *IOCs) Count(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ioc := range s.iocs {
		if ioc.TenantID == tenantID {
			n++
		}
	}
	return n
}

// withCount copies ioc and fills MatchCount. Caller holds the lock.
func (s *IOCs) withCount(ioc *enrich.IOC) *enrich.IOC {
	cp := ioc.Clone()
	cp.MatchCount = 0
	for k := range s.matches {
		if k.iocID == ioc.ID {
			cp.MatchCount++
		}
	}
	return cp
}

func checkedAt(ioc *enrich.IOC) time.Time {
	if ioc.LastChecked != nil {
		return *ioc.LastChecked
	}
	return ioc.FirstSeen
}

type indicatorKey struct {
	tenantID, feedID string
	typ              enrich.IOCType
	value            string
}

// FeedData is the in-memory feed data store: enrich.FeedIndex and enrich.FeedWriter.
type FeedData struct {
	mu    sync.RWMutex
	items map[indicatorKey]*enrich.Indicator
}

// NewFeedData initializes an empty feed data store.
func NewFeedData() *FeedData {
	return &FeedData{items: make(map[indicatorKey]*enrich.Indicator)}
}

// UpsertIndicators stores items under tenantID and feedID. Existing rows keep
// their first-seen time.
func (s *FeedData) UpsertIndicators(_ context.Context, tenantID, feedID string, items []enrich.Indicator) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("upsert without tenant: %w", module.ErrTenantIsolation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range items {
		it.TenantID = tenantID
		it.FeedID = feedID
		it.Value = enrich.NormalizeValue(it.Type, it.Value)
		if it.Value == "" {
			continue
		}
		k := indicatorKey{tenantID, feedID, it.Type, it.Value}
		if cur, ok := s.items[k]; ok && !cur.FirstSeen.IsZero() {
			it.FirstSeen = cur.FirstSeen
		}
		cp := it
		cp.Tags = enrich.UnionTags(nil, it.Tags)
		cp.Metadata = maps.Clone(it.Metadata)
		s.items[k] = &cp
		n++
	}
	return n, nil
}

// Lookup returns the tenant's indicators matching type and value, one per feed.
func (s *FeedData) Lookup(_ context.Context, tenantID string, t enrich.IOCType, value string) ([]enrich.Indicator, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("lookup without tenant: %w", module.ErrTenantIsolation)
	}
	value = enrich.NormalizeValue(t, value)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []enrich.Indicator
	for k, it := range s.items {
		if k.tenantID == tenantID && k.typ == t && k.value == value {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out, nil
}

// Mirror is an in-memory enrichment index.
type Mirror struct {
	mu   sync.RWMutex
	docs map[string]map[string]*enrich.IOC
}

// NewMirror initializes an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{docs: make(map[string]map[string]*enrich.IOC)}
}

// Index upserts a document.
func (m *Mirror) Index(_ context.Context, index, docID string, ioc *enrich.IOC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.docs[index]
	if !ok {
		idx = make(map[string]*enrich.IOC)
		m.docs[index] = idx
	}
	idx[docID] = ioc.Clone()
	return nil
}

// Doc returns a copy of one document.
func (m *Mirror) Doc(index, docID string) (*enrich.IOC, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[index][docID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Count returns the number of documents in an index.
func (m *Mirror) Count(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[index])
}
