package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/ledger"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

// ScheduleConfig holds the cron expressions for the periodic sweeps.
type ScheduleConfig struct {
	DueFeeds  string // poll sync state for due feeds
	Reconcile string // close abandoned execution records
	Reenrich  string // refresh stale IOCs per tenant

	ReconcileGrace time.Duration
	ReenrichDays   int
	ReenrichLimit  int
	FeedTimeout    time.Duration
}

// DefaultScheduleConfig matches the historical beat schedule.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		DueFeeds:       "*/5 * * * *",
		Reconcile:      "*/15 * * * *",
		Reenrich:       "0 3 * * *",
		ReconcileGrace: time.Hour,
		ReenrichDays:   7,
		ReenrichLimit:  500,
		FeedTimeout:    DefaultSequentialTimeout,
	}
}

// Scheduler drives the dispatcher from cron.
type Scheduler struct {
	cron       *cron.Cron
	cfg        ScheduleConfig
	registry   *module.Registry
	dispatcher *Dispatcher
	syncs      syncstate.Store
	ledger     *ledger.Ledger
	pipeline   *enrich.Pipeline
	tenants    tenant.Directory
	logger     log.Logger
	now        func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides time.Now for the due and reconcile sweeps.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler wires the periodic jobs. pipeline may be nil to skip re-enrichment.
func NewScheduler(cfg ScheduleConfig, reg *module.Registry, d *Dispatcher, syncs syncstate.Store, l *ledger.Ledger, pipeline *enrich.Pipeline, tenants tenant.Directory, logger log.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if logger == nil {
		logger = log.Nop()
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		), cron.WithLogger(cl)),
		cfg:        cfg,
		registry:   reg,
		dispatcher: d,
		syncs:      syncs,
		ledger:     l,
		pipeline:   pipeline,
		tenants:    tenants,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	add := func(name, spec string, fn func(context.Context)) error {
		if spec == "" {
			return nil
		}
		if _, err := s.cron.AddFunc(spec, func() { fn(context.Background()) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		return nil
	}

	if err := add("due-feeds", cfg.DueFeeds, func(ctx context.Context) { s.DispatchDue(ctx) }); err != nil {
		return nil, err
	}
	if err := add("reconcile", cfg.Reconcile, s.Reconcile); err != nil {
		return nil, err
	}
	if pipeline != nil {
		if err := add("reenrich", cfg.Reenrich, s.Reenrich); err != nil {
			return nil, err
		}
	}
	for _, e := range reg.List() {
		if e.Settings.Schedule == "" {
			continue
		}
		id := e.ID
		if err := add("module "+id, e.Settings.Schedule, func(ctx context.Context) { s.dispatchModule(ctx, id) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop and waits for running sweeps or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchDue makes sure every active tenant has a sync row per visible feed,
// then queues every feed whose next_sync has passed. Returns the number queued.
func (s *Scheduler) DispatchDue(ctx context.Context) int {
	ts, err := s.tenants.ListActive(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "due sweep: list tenants failed")
		return 0
	}
	feeds := s.registry.ListKind(module.KindFeed)
	active := make(map[string]*module.Entry, len(feeds))
	for _, e := range feeds {
		if !e.Active() {
			continue
		}
		active[e.ID] = e
		for _, t := range ts {
			if !e.VisibleTo(t.ID) {
				continue
			}
			if _, err := s.syncs.GetOrCreate(ctx, t.ID, e.ID, e.Settings.SyncIntervalHours); err != nil {
				s.logger.Error(ctx, err, "due sweep: ensure sync state failed", "tenant_id", t.ID, "feed", e.ID)
			}
		}
	}

	due, err := s.syncs.ListDue(ctx, s.now())
	if err != nil {
		s.logger.Error(ctx, err, "due sweep: list due failed")
		return 0
	}
	tenantOK := make(map[string]bool, len(ts))
	for _, t := range ts {
		tenantOK[t.ID] = true
	}

	queued := 0
	for _, st := range due {
		if _, ok := active[st.FeedType]; !ok || !tenantOK[st.TenantID] {
			continue
		}
		if _, err := s.dispatcher.Submit(ctx, Unit{ModuleID: st.FeedType, TenantID: st.TenantID}, s.cfg.FeedTimeout); err != nil {
			s.logger.Error(ctx, err, "due sweep: submit failed", "tenant_id", st.TenantID, "feed", st.FeedType)
			continue
		}
		queued++
	}
	if queued > 0 {
		s.logger.Info(ctx, "due feeds queued", "count", queued)
	}
	return queued
}

// Reconcile closes abandoned execution records and releases feed syncs that
// never finished.
func (s *Scheduler) Reconcile(ctx context.Context) {
	if _, err := s.ledger.ReconcileStale(ctx, s.cfg.ReconcileGrace); err != nil {
		s.logger.Error(ctx, err, "reconcile stale executions failed")
	}
	now := s.now()
	released, err := s.syncs.ReleaseStale(ctx, now.Add(-s.cfg.ReconcileGrace), now)
	if err != nil {
		s.logger.Error(ctx, err, "release stale syncs failed")
	}
	for _, st := range released {
		s.logger.Warn(ctx, "released stale feed sync", "tenant_id", st.TenantID, "feed", st.FeedType, "last_sync", st.LastSync)
	}
}

// Reenrich refreshes stale IOCs for each active tenant.
func (s *Scheduler) Reenrich(ctx context.Context) {
	ts, err := s.tenants.ListActive(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "reenrich: list tenants failed")
		return
	}
	for _, t := range ts {
		res, err := s.pipeline.ReenrichStale(ctx, t.ID, s.cfg.ReenrichDays, s.cfg.ReenrichLimit)
		if err != nil {
			s.logger.Error(ctx, err, "reenrich failed", "tenant_id", t.ID)
			continue
		}
		if res.Selected > 0 {
			s.logger.Info(ctx, "reenrich finished",
				"tenant_id", t.ID,
				"selected", res.Selected,
				"enriched", res.Enriched,
				"not_found", res.NotFound,
				"failed", res.Failed,
			)
		}
	}
}

func (s *Scheduler) dispatchModule(ctx context.Context, id string) {
	e, err := s.registry.Get(id)
	if err != nil || !e.Active() {
		return
	}
	if e.Kind() == module.KindFeed {
		if _, err := s.dispatcher.RunAll(ctx, Request{FeedTypes: []string{id}, Concurrent: true, Timeout: s.cfg.FeedTimeout}); err != nil {
			s.logger.Error(ctx, err, "scheduled feed dispatch failed", "module_id", id)
		}
		return
	}
	// analyzers and responders need a target; a schedule on them runs tenant-wide with none
	ts, err := s.tenants.ListActive(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "scheduled dispatch: list tenants failed", "module_id", id)
		return
	}
	for _, t := range ts {
		if !e.VisibleTo(t.ID) {
			continue
		}
		if _, err := s.dispatcher.Submit(ctx, Unit{ModuleID: id, TenantID: t.ID}, s.cfg.FeedTimeout); err != nil {
			s.logger.Error(ctx, err, "scheduled dispatch failed", "module_id", id, "tenant_id", t.ID)
		}
	}
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct{ l log.Logger }

// Info drops cron's scheduling chatter.
func (cronLogger) Info(string, ...any) {}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(context.Background(), err, "cron: "+msg, keysAndValues...)
}
