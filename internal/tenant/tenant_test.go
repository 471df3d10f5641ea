package tenant

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingDir struct {
	inner *Static
	gets  atomic.Int32
	lists atomic.Int32
}

func (c *countingDir) Get(ctx context.Context, id string) (*Tenant, error) {
	c.gets.Add(1)
	return c.inner.Get(ctx, id)
}

func (c *countingDir) ListActive(ctx context.Context) ([]*Tenant, error) {
	c.lists.Add(1)
	return c.inner.ListActive(ctx)
}

func TestParseStatic(t *testing.T) {
	t.Parallel()

	s, err := ParseStatic("t1:Acme, t2 ,")
	if err != nil {
		t.Fatalf("ParseStatic: %v", err)
	}
	got, err := s.Get(context.Background(), "t2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "t2" || !got.IsActive {
		t.Errorf("t2 = %+v", got)
	}
	if ids := s.IDs(); len(ids) != 2 {
		t.Errorf("IDs = %v, want 2", ids)
	}

	if _, err := ParseStatic(":nameless"); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()

	s := NewStatic(
		Tenant{ID: "on", Name: "On", IsActive: true},
		Tenant{ID: "off", Name: "Off"},
	)
	ctx := context.Background()

	if _, err := Require(ctx, s, "on"); err != nil {
		t.Errorf("Require(on): %v", err)
	}
	if _, err := Require(ctx, s, "off"); !errors.Is(err, ErrInactive) {
		t.Errorf("Require(off) err = %v, want ErrInactive", err)
	}
	if _, err := Require(ctx, s, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Require(nope) err = %v, want ErrNotFound", err)
	}
	if _, err := Require(ctx, s, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Require(\"\") err = %v, want ErrNotFound", err)
	}
}

func TestStatic_ListActiveKeepsOrder(t *testing.T) {
	t.Parallel()

	s := NewStatic(
		Tenant{ID: "b", IsActive: true},
		Tenant{ID: "x"},
		Tenant{ID: "a", IsActive: true},
	)
	list, _ := s.ListActive(context.Background())
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Errorf("ListActive = %+v", list)
	}
}

func TestCached(t *testing.T) {
	t.Parallel()

	inner := &countingDir{inner: NewStatic(Tenant{ID: "t1", IsActive: true})}
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	for range 3 {
		if _, err := c.Get(ctx, "t1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if _, err := c.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(ghost) err = %v", err)
		}
		if _, err := c.ListActive(ctx); err != nil {
			t.Fatalf("ListActive: %v", err)
		}
	}
	if got := inner.gets.Load(); got != 2 {
		t.Errorf("inner Get calls = %d, want 2", got)
	}
	if got := inner.lists.Load(); got != 1 {
		t.Errorf("inner ListActive calls = %d, want 1", got)
	}

	c.Invalidate()
	_, _ = c.Get(ctx, "t1")
	if got := inner.gets.Load(); got != 3 {
		t.Errorf("inner Get calls after Invalidate = %d, want 3", got)
	}
}
