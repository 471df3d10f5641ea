package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type stubModule struct {
	id   string
	kind Kind
}

func (s *stubModule) ID() string                   { return s.id }
func (s *stubModule) Kind() Kind                   { return s.kind }
func (s *stubModule) Description() string          { return "stub" }
func (s *stubModule) ValidateConfiguration() error { return nil }
func (s *stubModule) Execute(_ context.Context, _ ExecContext) (*Result, error) {
	return &Result{Status: StatusSuccess}, nil
}

type typedStub struct {
	stubModule
	types []string
}

func (t *typedStub) SupportedTypes() []string { return t.types }

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	m := &stubModule{id: "blocklist", kind: KindFeed}
	if err := r.Register("blocklist", m, WithSyncInterval(12), WithRateLimit(3)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e, err := r.Get("blocklist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Module != m {
		t.Error("Get returned a different implementation")
	}
	if e.Settings.SyncIntervalHours != 12 {
		t.Errorf("SyncIntervalHours = %d, want 12", e.Settings.SyncIntervalHours)
	}
	if e.Settings.RateLimitPerMinute != 3 {
		t.Errorf("RateLimitPerMinute = %d, want 3", e.Settings.RateLimitPerMinute)
	}
	if !e.Active() {
		t.Error("new entries should be active")
	}
}

func TestRegistry_RegisterSameImplementationIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	m := &stubModule{id: "a", kind: KindFeed}
	if err := r.Register("a", m); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("a", m); err != nil {
		t.Fatalf("second Register with same implementation: %v", err)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("List len = %d, want 1", got)
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register("a", &stubModule{id: "a", kind: KindFeed})
	err := r.Register("a", &stubModule{id: "a", kind: KindFeed})
	if !errors.Is(err, ErrDuplicateModuleID) {
		t.Fatalf("err = %v, want ErrDuplicateModuleID", err)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry().Get("nope")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("err = %v, want ErrModuleNotFound", err)
	}
}

func TestRegistry_ListKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		r.MustRegister(id, &stubModule{id: id, kind: KindFeed})
	}
	r.MustRegister("vt", &stubModule{id: "vt", kind: KindAnalyzer})

	all := r.List()
	if len(all) != 4 {
		t.Fatalf("List len = %d, want 4", len(all))
	}
	for i, id := range ids {
		if all[i].ID != id {
			t.Errorf("List[%d] = %q, want %q", i, all[i].ID, id)
		}
	}

	feeds := r.ListKind(KindFeed)
	if len(feeds) != 3 {
		t.Errorf("ListKind(feed) len = %d, want 3", len(feeds))
	}
	if got := r.ListKind(KindAnalyzer); len(got) != 1 || got[0].ID != "vt" {
		t.Errorf("ListKind(analyzer) = %v, want [vt]", got)
	}
}

func TestRegistry_RejectsBadSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
	}{
		{"bad cron", []Option{WithSchedule("every tuesday")}},
		{"zero interval", []Option{WithSyncInterval(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewRegistry().Register("x", &stubModule{id: "x", kind: KindFeed}, tt.opts...)
			if !errors.Is(err, ErrConfigurationInvalid) {
				t.Fatalf("err = %v, want ErrConfigurationInvalid", err)
			}
		})
	}
}

func TestRegistry_Seal(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	m := &stubModule{id: "a", kind: KindFeed}
	r.MustRegister("a", m)
	r.Seal()

	if err := r.Register("b", &stubModule{id: "b", kind: KindFeed}); !errors.Is(err, ErrRegistrySealed) {
		t.Fatalf("err = %v, want ErrRegistrySealed", err)
	}
	if err := r.Register("a", m); err != nil {
		t.Fatalf("re-registering a known module after seal: %v", err)
	}
}

func TestRegistry_SetActive(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister("a", &stubModule{id: "a", kind: KindFeed})
	if err := r.SetActive("a", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	e, _ := r.Get("a")
	if e.Active() {
		t.Error("expected module to be inactive")
	}
	if err := r.SetActive("missing", true); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("err = %v, want ErrModuleNotFound", err)
	}
}

func TestRegistry_ConcurrentReadsDuringRegistration(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("feed-%d", i)
			_ = r.Register(id, &stubModule{id: id, kind: KindFeed})
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List()
			_, _ = r.Get("feed-0")
		}()
	}
	wg.Wait()

	if got := len(r.List()); got != 50 {
		t.Errorf("List len = %d, want 50", got)
	}
}

func TestEntry_VisibleTo(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister("global", &stubModule{id: "global", kind: KindFeed})
	r.MustRegister("scoped", &stubModule{id: "scoped", kind: KindFeed}, WithTenant("t1"))

	g, _ := r.Get("global")
	s, _ := r.Get("scoped")
	if !g.VisibleTo("t2") {
		t.Error("global module should be visible to any tenant")
	}
	if !s.VisibleTo("t1") || s.VisibleTo("t2") {
		t.Error("scoped module should only be visible to t1")
	}
}

func TestSupports(t *testing.T) {
	t.Parallel()

	plain := &stubModule{id: "p", kind: KindAnalyzer}
	typed := &typedStub{stubModule: stubModule{id: "t", kind: KindAnalyzer}, types: []string{"ip", "domain"}}

	if !Supports(plain, "sha256") {
		t.Error("modules without SupportedTypes accept everything")
	}
	if !Supports(typed, "IP") {
		t.Error("type match should be case-insensitive")
	}
	if Supports(typed, "sha256") {
		t.Error("sha256 should not be supported")
	}
}
