package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/sentinelvision/internal/cfg"
	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/ledger"
	"github.com/linnemanlabs/sentinelvision/internal/llm/claude"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/module/analyzers"
	"github.com/linnemanlabs/sentinelvision/internal/module/feeds"
	"github.com/linnemanlabs/sentinelvision/internal/module/responders"
	"github.com/linnemanlabs/sentinelvision/internal/postgres"
	"github.com/linnemanlabs/sentinelvision/internal/store/memstore"
	"github.com/linnemanlabs/sentinelvision/internal/store/pgstore"
	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

const tenantCacheTTL = time.Minute

// feedData is the tenant-partitioned indicator table: feeds write it,
// the pipeline and the feed_lookup analyzer read it.
type feedData interface {
	enrich.FeedIndex
	enrich.FeedWriter
}

// stores is one backend's set of store implementations.
type stores struct {
	Metrics    module.MetricsStore
	SyncStates syncstate.Store
	Ledger     ledger.Store
	IOCs       enrich.Store
	FeedData   feedData
	Mirror     enrich.Mirror
	Tenants    tenant.Directory

	close func()
}

// openStores picks postgres when a database URL is configured and the
// in-memory stores otherwise. Static tenants seed the postgres tenants table.
func openStores(ctx context.Context, c *vc.Config, L log.Logger) (*stores, error) {
	var static *tenant.Static
	if c.Tenants != "" {
		var err error
		if static, err = tenant.ParseStatic(c.Tenants); err != nil {
			return nil, fmt.Errorf("parse tenants: %w", err)
		}
	}

	if c.DatabaseURL == "" {
		if static == nil {
			return nil, fmt.Errorf("in-memory store needs static tenants")
		}
		ms := memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)", "tenants", len(static.IDs()))
		return &stores{
			Metrics:    ms.Metrics,
			SyncStates: ms.SyncStates,
			Ledger:     ms.Ledger,
			IOCs:       ms.IOCs,
			FeedData:   ms.FeedData,
			Mirror:     ms.Mirror,
			Tenants:    static,
			close:      func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.WithSlowQueryThreshold(c.SlowQuery))
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	ps, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore init: %w", err)
	}
	dir := ps.Tenants()
	if static != nil {
		for _, id := range static.IDs() {
			t, _ := static.Get(ctx, id)
			if err := dir.Upsert(ctx, t); err != nil {
				ps.Close()
				return nil, fmt.Errorf("seed tenant %s: %w", id, err)
			}
		}
	}
	L.Info(ctx, "using postgres store")
	return &stores{
		Metrics:    ps.Metrics(),
		SyncStates: ps.SyncStates(),
		Ledger:     ps.Ledger(),
		IOCs:       ps.IOCs(),
		FeedData:   ps.FeedData(),
		Mirror:     ps.Mirror(),
		Tenants:    tenant.NewCached(dir, tenantCacheTTL),
		close:      ps.Close,
	}, nil
}

// buildRegistry registers every built-in module and seals the registry.
func buildRegistry(c *vc.Config, fd feedData) *module.Registry {
	reg := module.NewRegistry()
	common := []module.Option{module.WithMaxAttempts(c.MaxRetries)}

	feedOpts := func(override string) []feeds.Option {
		if override == "" {
			return nil
		}
		return []feeds.Option{feeds.WithURL(override)}
	}
	for _, f := range []*feeds.Feed{
		feeds.NewBlocklistDe(fd, feedOpts(c.BlocklistDeURL)...),
		feeds.NewAlienVaultReputation(fd, feedOpts(c.AlienVaultURL)...),
		feeds.NewSSLBlacklist(fd, feedOpts(c.SSLBlacklistURL)...),
	} {
		reg.MustRegister(f.ID(), f, common...)
	}

	lookup := analyzers.NewFeedLookup(fd)
	reg.MustRegister(lookup.ID(), lookup, common...)

	llm := claude.New(claude.Config{APIKey: c.ClaudeAPIKey, Model: c.ClaudeModel})
	rep := analyzers.NewClaudeReputation(llm)
	reg.MustRegister(rep.ID(), rep, common...)

	block := responders.NewWebhookBlockIP(c.BlockWebhookURL, responders.WithToken(c.BlockWebhookToken))
	reg.MustRegister(block.ID(), block, common...)

	reg.Seal()
	return reg
}
