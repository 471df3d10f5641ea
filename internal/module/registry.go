package module

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Settings is the per-module catalog configuration.
type Settings struct {
	// TenantID scopes the module to one tenant. Empty means global: every
	// tenant may run it.
	TenantID string `json:"tenant_id,omitempty"`

	// Schedule is a standard 5-field cron expression. Empty means dispatch-only.
	Schedule string `json:"schedule,omitempty"`

	// SyncIntervalHours drives next_sync for feeds after a successful sync.
	SyncIntervalHours int `json:"sync_interval_hours"`

	// RateLimitPerMinute bounds executions of this module across all tenants.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	// MaxAttempts for transient failures, including the first attempt.
	MaxAttempts int `json:"max_attempts"`
}

// DefaultSettings mirrors the defaults feeds historically shipped with.
func DefaultSettings() Settings {
	return Settings{
		SyncIntervalHours:  24,
		RateLimitPerMinute: 10,
		MaxAttempts:        5,
	}
}

// Option customizes the Settings of a module at registration time.
type Option func(*Settings)

// WithTenant restricts the module to a single tenant.
func WithTenant(tenantID string) Option { return func(s *Settings) { s.TenantID = tenantID } }

// WithSchedule sets the cron expression the scheduler uses.
func WithSchedule(expr string) Option { return func(s *Settings) { s.Schedule = expr } }

// WithSyncInterval sets the feed success interval in hours.
func WithSyncInterval(hours int) Option { return func(s *Settings) { s.SyncIntervalHours = hours } }

// WithRateLimit sets the per-minute execution budget.
func WithRateLimit(perMinute int) Option { return func(s *Settings) { s.RateLimitPerMinute = perMinute } }

// WithMaxAttempts sets how many times a transient failure is tried.
func WithMaxAttempts(n int) Option { return func(s *Settings) { s.MaxAttempts = n } }

// Entry is one catalogued module.
type Entry struct {
	ID       string
	Module   Module
	Settings Settings

	active atomic.Bool
}

// Kind returns the module's kind.
func (e *Entry) Kind() Kind { return e.Module.Kind() }

// Active reports the activation flag.
func (e *Entry) Active() bool { return e.active.Load() }

// VisibleTo reports whether tenantID may run this module.
func (e *Entry) VisibleTo(tenantID string) bool {
	return e.Settings.TenantID == "" || e.Settings.TenantID == tenantID
}

// catalog is immutable once published; writers copy it.
type catalog struct {
	byID  map[string]*Entry
	order []*Entry
}

// Registry holds the known module implementations. Writes are serialized,
// reads are lock-free against the last published catalog.
type Registry struct {
	mu     sync.Mutex
	cat    atomic.Pointer[catalog]
	sealed atomic.Bool
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.cat.Store(&catalog{byID: map[string]*Entry{}})
	return r
}

// Register adds a module under id. Registering the same implementation again is
// a no-op; a different implementation under an existing id is ErrDuplicateModuleID.
func (r *Registry) Register(id string, m Module, opts ...Option) error {
	if id == "" || m == nil {
		return fmt.Errorf("register %q: %w: id and implementation are required", id, ErrConfigurationInvalid)
	}
	if !m.Kind().Valid() {
		return fmt.Errorf("register %q: %w: unknown kind %q", id, ErrConfigurationInvalid, m.Kind())
	}

	s := DefaultSettings()
	for _, o := range opts {
		o(&s)
	}
	if s.Schedule != "" {
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			return fmt.Errorf("register %q: %w: schedule %q: %v", id, ErrConfigurationInvalid, s.Schedule, err)
		}
	}
	if s.SyncIntervalHours <= 0 {
		return fmt.Errorf("register %q: %w: sync interval must be positive", id, ErrConfigurationInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.cat.Load()
	if existing, ok := cur.byID[id]; ok {
		if existing.Module == m {
			return nil
		}
		return fmt.Errorf("register %q: %w", id, ErrDuplicateModuleID)
	}
	if r.sealed.Load() {
		return fmt.Errorf("register %q: %w", id, ErrRegistrySealed)
	}

	e := &Entry{ID: id, Module: m, Settings: s}
	e.active.Store(true)

	next := &catalog{
		byID:  make(map[string]*Entry, len(cur.byID)+1),
		order: make([]*Entry, 0, len(cur.order)+1),
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}
	next.order = append(next.order, cur.order...)
	next.byID[id] = e
	next.order = append(next.order, e)
	r.cat.Store(next)
	return nil
}

// MustRegister is Register for start-up wiring, panicking on error.
func (r *Registry) MustRegister(id string, m Module, opts ...Option) {
	if err := r.Register(id, m, opts...); err != nil {
		panic(err)
	}
}

// Seal ends start-up discovery. Later registrations of new ids fail.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Get retrieves a module entry by id.
func (r *Registry) Get(id string) (*Entry, error) {
	e, ok := r.cat.Load().byID[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrModuleNotFound)
	}
	return e, nil
}

// List returns every entry in registration order.
func (r *Registry) List() []*Entry {
	order := r.cat.Load().order
	out := make([]*Entry, len(order))
	copy(out, order)
	return out
}

// ListKind returns the entries of one kind in registration order.
func (r *Registry) ListKind(k Kind) []*Entry {
	var out []*Entry
	for _, e := range r.cat.Load().order {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

// SetActive flips a module's activation flag. Modules are deactivated, never removed.
func (r *Registry) SetActive(id string, active bool) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	e.active.Store(active)
	return nil
}
