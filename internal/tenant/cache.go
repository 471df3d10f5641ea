package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

const activeListKey = "\x00active"

// Cached fronts a slower Directory. Hits and negative lookups are both kept
// for ttl; the dispatcher and the enrichment API resolve the same handful of
// tenants on every call.
type Cached struct {
	next  Directory
	cache *cache.Cache
}

// NewCached wraps next with a ttl cache.
func NewCached(next Directory, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{next: next, cache: cache.New(ttl, 2*ttl)}
}

type missing struct{ err error }

// Get implements Directory.
func (c *Cached) Get(ctx context.Context, id string) (*Tenant, error) {
	if v, ok := c.cache.Get(id); ok {
		switch v := v.(type) {
		case Tenant:
			return &v, nil
		case missing:
			return nil, v.err
		}
	}
	t, err := c.next.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c.cache.SetDefault(id, missing{err: err})
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(id, *t)
	return t, nil
}

// ListActive implements Directory.
func (c *Cached) ListActive(ctx context.Context) ([]*Tenant, error) {
	if v, ok := c.cache.Get(activeListKey); ok {
		ts := v.([]Tenant)
		out := make([]*Tenant, len(ts))
		for i := range ts {
			t := ts[i]
			out[i] = &t
		}
		return out, nil
	}
	list, err := c.next.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	snap := make([]Tenant, len(list))
	for i, t := range list {
		snap[i] = *t
	}
	c.cache.SetDefault(activeListKey, snap)
	return list, nil
}

// Invalidate drops every cached entry.
func (c *Cached) Invalidate() { c.cache.Flush() }
