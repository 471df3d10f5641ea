// Package tenant resolves the tenants SentinelVision partitions all data by.
// The directory itself is owned by the case-management layer; this package
// only reads it.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("tenant not found")
	ErrInactive = errors.New("tenant inactive")
)

// Tenant is an isolated customer scope.
type Tenant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Directory looks tenants up. Get returns ErrNotFound for unknown ids.
type Directory interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	ListActive(ctx context.Context) ([]*Tenant, error)
}

// Require returns the tenant only if it exists and is active.
func Require(ctx context.Context, d Directory, id string) (*Tenant, error) {
	if id == "" {
		return nil, fmt.Errorf("empty tenant id: %w", ErrNotFound)
	}
	t, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, fmt.Errorf("%s: %w", id, ErrInactive)
	}
	return t, nil
}

// Static is an in-memory Directory, used when no database is configured.
type Static struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
	order   []string
}

// NewStatic creates a directory holding ts.
func NewStatic(ts ...Tenant) *Static {
	s := &Static{tenants: make(map[string]Tenant, len(ts))}
	for _, t := range ts {
		s.Put(t)
	}
	return s
}

// ParseStatic builds a directory from "id:name,id:name". Entries without a
// name use the id. All parsed tenants are active.
func ParseStatic(spec string) (*Static, error) {
	s := NewStatic()
	for part := range strings.SplitSeq(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, _ := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("tenant entry %q: empty id", part)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = id
		}
		s.Put(Tenant{ID: id, Name: name, IsActive: true})
	}
	return s, nil
}

// Put adds or replaces a tenant.
func (s *Static) Put(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tenants[t.ID] = t
}

// Get implements Directory.
func (s *Static) Get(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return &t, nil
}

// ListActive implements Directory, in insertion order.
func (s *Static) ListActive(_ context.Context) ([]*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tenant, 0, len(s.order))
	for _, id := range s.order {
		t := s.tenants[id]
		if t.IsActive {
			out = append(out, &t)
		}
	}
	return out, nil
}

// IDs returns every known tenant id, sorted.
func (s *Static) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Clone(s.order)
	slices.Sort(ids)
	return ids
}
