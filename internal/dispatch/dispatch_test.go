package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinelvision/internal/dispatch"
	"github.com/linnemanlabs/sentinelvision/internal/event"
	"github.com/linnemanlabs/sentinelvision/internal/jobqueue"
	"github.com/linnemanlabs/sentinelvision/internal/ledger"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/store/memstore"
	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

// stubModule is a configurable module.Module.
type stubModule struct {
	kind     module.Kind
	validate error
	exec     func(ctx context.Context, ec module.ExecContext) (*module.Result, error)
	types    []string

	mu    sync.Mutex
	calls int
}

func (s *stubModule) ID() string                   { return "stub" }
func (s *stubModule) Kind() module.Kind            { return s.kind }
func (s *stubModule) Description() string          { return "stub" }
func (s *stubModule) ValidateConfiguration() error { return s.validate }
func (s *stubModule) SupportedTypes() []string     { return s.types }

func (s *stubModule) Execute(ctx context.Context, ec module.ExecContext) (*module.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.exec == nil {
		ec.Logf("imported %d", 1)
		return &module.Result{Status: module.StatusSuccess, Items: 1}, nil
	}
	return s.exec(ctx, ec)
}

func (s *stubModule) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okFeed(items int) *stubModule {
	return &stubModule{kind: module.KindFeed, exec: func(_ context.Context, ec module.ExecContext) (*module.Result, error) {
		ec.Logf("fetched %d indicators", items)
		return &module.Result{Status: module.StatusSuccess, Items: items}, nil
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, e event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	reg     *module.Registry
	stores  *memstore.Stores
	ledger  *ledger.Ledger
	runner  *dispatch.Runner
	queue   *jobqueue.Queue
	disp    *dispatch.Dispatcher
	tenants *tenant.Static
	events  *recorder
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:     module.NewRegistry(),
		stores:  memstore.New(),
		tenants: tenant.NewStatic(tenant.Tenant{ID: "T1", Name: "one", IsActive: true}, tenant.Tenant{ID: "T2", Name: "two", IsActive: true}),
		events:  &recorder{},
		now:     time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.ledger = ledger.New(h.stores.Ledger, log.Nop(), ledger.WithClock(clock))
	h.runner = dispatch.NewRunner(h.reg, h.ledger, h.stores.Metrics, h.stores.SyncStates,
		dispatch.WithPublisher(h.events),
		dispatch.WithRunnerClock(clock),
	)
	h.queue = jobqueue.New(4)
	t.Cleanup(func() { _ = h.queue.Stop(context.Background()) })
	h.disp = dispatch.NewDispatcher(h.reg, h.runner, h.queue, h.tenants,
		dispatch.WithBackoff(time.Millisecond, 5*time.Millisecond),
	)
	return h
}

func TestRunner_FeedSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("blocklist_de", okFeed(42), module.WithSyncInterval(12))
	ctx := context.Background()

	out, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "blocklist_de", TenantID: "T1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != module.StatusSuccess || out.Items != 42 || out.RecordID == "" {
		t.Fatalf("outcome = %+v", out)
	}

	rec, ok, _ := h.ledger.Get(ctx, out.RecordID)
	if !ok {
		t.Fatal("execution record missing")
	}
	if rec.Status != ledger.StatusSuccess || rec.CompletedAt == nil || rec.TenantID != "T1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Log != "fetched 42 indicators" {
		t.Errorf("record log = %q", rec.Log)
	}

	st, ok, _ := h.stores.SyncStates.Get(ctx, "T1", "blocklist_de")
	if !ok {
		t.Fatal("sync state missing")
	}
	if st.Status != syncstate.StatusSuccess || st.LastImportCount != 42 || st.TotalSyncs != 1 {
		t.Errorf("sync state = %+v", st)
	}
	if want := h.now.Add(12 * time.Hour); st.NextSync == nil || !st.NextSync.Equal(want) {
		t.Errorf("NextSync = %v, want %v", st.NextSync, want)
	}

	m, _ := h.stores.Metrics.GetMetrics(ctx, "blocklist_de", "T1")
	if m.TotalRuns != 1 || m.SuccessRate != 1 || m.ConsecutiveErrors != 0 {
		t.Errorf("metrics = %+v", m)
	}

	if got := h.events.Types(); len(got) != 1 || got[0] != event.ExecutionCompleted {
		t.Errorf("events = %v", got)
	}
}

func TestRunner_ConfigurationInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	bad := &stubModule{kind: module.KindFeed, validate: errors.New("api key missing")}
	h.reg.MustRegister("needs_key", bad)
	ctx := context.Background()

	out, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "needs_key", TenantID: "T1"})
	if !errors.Is(err, module.ErrConfigurationInvalid) {
		t.Fatalf("err = %v, want ErrConfigurationInvalid", err)
	}
	if module.IsTransient(err) {
		t.Error("configuration errors must not be retried")
	}
	if out.Status != module.StatusConfigurationInvalid {
		t.Errorf("status = %q", out.Status)
	}
	if bad.Calls() != 0 {
		t.Error("Execute called despite invalid configuration")
	}
	if m, _ := h.stores.Metrics.GetMetrics(ctx, "needs_key", "T1"); m.TotalRuns != 0 {
		t.Errorf("metrics touched: %+v", m)
	}
	if hist, _ := h.ledger.History(ctx, "needs_key", 0); len(hist) != 0 {
		t.Errorf("ledger touched: %v", hist)
	}
}

func TestRunner_AlreadySyncingIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	feed := okFeed(1)
	h.reg.MustRegister("f", feed)
	ctx := context.Background()

	if _, err := h.stores.SyncStates.TryStart(ctx, "T1", "f", 24, h.now); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	out, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "f", TenantID: "T1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != module.StatusSkipped || feed.Calls() != 0 {
		t.Errorf("outcome = %+v calls = %d", out, feed.Calls())
	}
}

func TestRunner_Scope(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("private", okFeed(1), module.WithTenant("T1"))
	h.reg.MustRegister("off", okFeed(1))
	_ = h.reg.SetActive("off", false)
	ctx := context.Background()

	if _, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "private", TenantID: "T2"}); !errors.Is(err, module.ErrTenantIsolation) {
		t.Errorf("cross-tenant err = %v, want ErrTenantIsolation", err)
	}
	if _, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "private", TenantID: ""}); !errors.Is(err, module.ErrTenantIsolation) {
		t.Errorf("empty tenant err = %v, want ErrTenantIsolation", err)
	}
	if _, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "nope", TenantID: "T1"}); !errors.Is(err, module.ErrModuleNotFound) {
		t.Errorf("unknown module err = %v, want ErrModuleNotFound", err)
	}
	out, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "off", TenantID: "T1"})
	if err != nil || out.Status != module.StatusSkipped {
		t.Errorf("inactive module = %+v, %v", out, err)
	}
}

func TestRunner_UnsupportedTargetIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	an := &stubModule{kind: module.KindAnalyzer, types: []string{"ip"}}
	h.reg.MustRegister("ip_only", an)

	out, err := h.runner.Run(context.Background(), dispatch.Unit{
		ModuleID: "ip_only",
		TenantID: "T1",
		Target:   &module.Observable{ID: "o1", Type: "domain", Value: "example.com"},
	})
	if err != nil || out.Status != module.StatusSkipped || an.Calls() != 0 {
		t.Errorf("outcome = %+v err = %v calls = %d", out, err, an.Calls())
	}
}

func TestRunner_TransientFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("flaky", &stubModule{kind: module.KindFeed, exec: func(context.Context, module.ExecContext) (*module.Result, error) {
		return nil, &module.HTTPStatusError{URL: "https://feed.test", Code: http.StatusServiceUnavailable}
	}})
	ctx := context.Background()

	out, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "flaky", TenantID: "T1"})
	if !module.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if out.Status != module.StatusError {
		t.Errorf("status = %q", out.Status)
	}

	st, _, _ := h.stores.SyncStates.Get(ctx, "T1", "flaky")
	if st.Status != syncstate.StatusFailure || st.FailedSyncs != 1 || st.LastError == "" {
		t.Errorf("sync state = %+v", st)
	}
	if want := h.now.Add(syncstate.FailureRetryDelay); st.NextSync == nil || !st.NextSync.Equal(want) {
		t.Errorf("NextSync = %v, want %v", st.NextSync, want)
	}

	m, _ := h.stores.Metrics.GetMetrics(ctx, "flaky", "T1")
	if m.ConsecutiveErrors != 1 || m.SuccessRate != 0 {
		t.Errorf("metrics = %+v", m)
	}

	types := h.events.Types()
	if len(types) != 2 || types[1] != event.FeedSyncFailed {
		t.Errorf("events = %v", types)
	}
}

func TestRunner_Timeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("slow", &stubModule{kind: module.KindFeed, exec: func(ctx context.Context, _ module.ExecContext) (*module.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "slow", TenantID: "T1"})
	if !errors.Is(err, module.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if out.Status != module.StatusTimeout {
		t.Errorf("status = %q", out.Status)
	}

	rec, _, _ := h.ledger.Get(context.Background(), out.RecordID)
	if rec.Status != ledger.StatusTimeout || rec.CompletedAt == nil {
		t.Errorf("record = %+v", rec)
	}
	st, _, _ := h.stores.SyncStates.Get(context.Background(), "T1", "slow")
	if st.Status != syncstate.StatusFailure {
		t.Errorf("sync status = %q, want failure", st.Status)
	}
}

func TestDispatcher_SequentialKeepsGoing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("A", &stubModule{kind: module.KindFeed, validate: errors.New("no url")})
	h.reg.MustRegister("B", okFeed(5))

	rep, err := h.disp.RunAll(context.Background(), dispatch.Request{
		TenantID:  "T1",
		FeedTypes: []string{"A", "B"},
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if rep.Status != dispatch.ReportComplete || rep.CompletedAt == nil {
		t.Errorf("report status = %q", rep.Status)
	}
	if len(rep.Entries) != 2 {
		t.Fatalf("entries = %+v, want 2", rep.Entries)
	}
	if e := rep.Entries[0]; e.ModuleID != "A" || e.Status != module.StatusConfigurationInvalid {
		t.Errorf("entry A = %+v", e)
	}
	if e := rep.Entries[1]; e.ModuleID != "B" || e.Status != module.StatusSuccess || e.Items != 5 {
		t.Errorf("entry B = %+v", e)
	}
	if rep.Successful != 1 || rep.Failed != 1 || rep.Processed != 2 {
		t.Errorf("counts = %d/%d/%d", rep.Successful, rep.Failed, rep.Processed)
	}
}

func TestDispatcher_SequentialTimeoutMovesOn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("hung", &stubModule{kind: module.KindFeed, exec: func(ctx context.Context, _ module.ExecContext) (*module.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	h.reg.MustRegister("next", okFeed(2))

	start := time.Now()
	rep, err := h.disp.RunAll(context.Background(), dispatch.Request{
		TenantID: "T1",
		Timeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("RunAll took %s, want about one 200ms timeout", elapsed)
	}
	if len(rep.Entries) != 2 {
		t.Fatalf("entries = %+v", rep.Entries)
	}
	hung := rep.Entries[0]
	if hung.ModuleID != "hung" || hung.Status != module.StatusTimeout {
		t.Errorf("hung entry = %+v, want timeout", hung)
	}
	if e := rep.Entries[1]; e.Status != module.StatusSuccess {
		t.Errorf("next entry = %+v", e)
	}

	// the timed out job is not retried past its deadline
	js := waitJob(t, h.queue, hung.JobID)
	if js.Attempts != 1 {
		t.Errorf("hung job attempts = %d, want 1", js.Attempts)
	}
}

func waitJob(t *testing.T, q *jobqueue.Queue, id string) jobqueue.JobStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	js, err := q.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait %s: %v", id, err)
	}
	return js
}

func TestDispatcher_ConcurrentThenCheckStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("A", okFeed(1))
	h.reg.MustRegister("B", okFeed(2))
	h.reg.MustRegister("lookup", &stubModule{kind: module.KindAnalyzer})
	ctx := context.Background()

	rep, err := h.disp.RunAll(ctx, dispatch.Request{Concurrent: true})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if rep.Status != dispatch.ReportScheduled {
		t.Errorf("status = %q", rep.Status)
	}
	// two feeds times two tenants, analyzers excluded
	if len(rep.JobIDs) != 4 {
		t.Fatalf("JobIDs = %v, want 4", rep.JobIDs)
	}
	if _, ok := rep.JobIDs[dispatch.JobKey("A", "T2", false)]; !ok {
		t.Errorf("missing key for A/T2: %v", rep.JobIDs)
	}

	for _, id := range rep.JobIDs {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := h.queue.Wait(wctx, id)
		cancel()
		if err != nil {
			t.Fatalf("Wait %s: %v", id, err)
		}
	}

	st := h.disp.CheckStatus(rep.JobIDs)
	if st.Status != dispatch.ReportComplete || st.Total != 4 || st.Successful != 4 || st.Pending != 0 {
		t.Errorf("status report = %+v", st)
	}

	missing := h.disp.CheckStatus(map[string]string{"ghost": "nope"})
	if missing.Failed != 1 || missing.Entries[0].Status != module.StatusError {
		t.Errorf("unknown job report = %+v", missing)
	}
}

func TestDispatcher_CheckStatusPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	h.reg.MustRegister("slow", &stubModule{kind: module.KindFeed, exec: func(context.Context, module.ExecContext) (*module.Result, error) {
		<-release
		return &module.Result{Status: module.StatusSuccess}, nil
	}})
	defer close(release)

	rep, err := h.disp.RunAll(context.Background(), dispatch.Request{TenantID: "T1", Concurrent: true})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	st := h.disp.CheckStatus(rep.JobIDs)
	if st.Status != dispatch.ReportPartial || st.Pending != 1 {
		t.Errorf("status report = %+v", st)
	}
}

func TestDispatcher_BadInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("lookup", &stubModule{kind: module.KindAnalyzer})
	ctx := context.Background()

	if _, err := h.disp.RunAll(ctx, dispatch.Request{TenantID: "nobody"}); !errors.Is(err, tenant.ErrNotFound) {
		t.Errorf("unknown tenant err = %v", err)
	}

	rep, err := h.disp.RunAll(ctx, dispatch.Request{TenantID: "T1", FeedTypes: []string{"missing", "lookup"}})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(rep.Entries) != 2 || rep.Failed != 2 {
		t.Fatalf("report = %+v", rep)
	}
	for _, e := range rep.Entries {
		if e.Status != module.StatusError || e.Error == "" {
			t.Errorf("entry = %+v", e)
		}
	}
}

func TestScheduler_DispatchDue(t *testing.T) {
	t.Parallel()

	reg := module.NewRegistry()
	stores := memstore.New()
	l := ledger.New(stores.Ledger, log.Nop())
	runner := dispatch.NewRunner(reg, l, stores.Metrics, stores.SyncStates)
	q := jobqueue.New(2)
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	tenants := tenant.NewStatic(
		tenant.Tenant{ID: "T1", IsActive: true},
		tenant.Tenant{ID: "T2", IsActive: true},
		tenant.Tenant{ID: "T3", IsActive: false},
	)
	d := dispatch.NewDispatcher(reg, runner, q, tenants)

	reg.MustRegister("feed", okFeed(3))
	reg.MustRegister("analyzer", &stubModule{kind: module.KindAnalyzer})

	cfg := dispatch.DefaultScheduleConfig()
	s, err := dispatch.NewScheduler(cfg, reg, d, stores.SyncStates, l, nil, tenants, log.Nop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ctx := context.Background()

	if n := s.DispatchDue(ctx); n != 2 {
		t.Fatalf("first sweep queued %d, want 2", n)
	}

	// wait for both syncs to land
	deadline := time.Now().Add(5 * time.Second)
	for {
		st1, _, _ := stores.SyncStates.Get(ctx, "T1", "feed")
		st2, _, _ := stores.SyncStates.Get(ctx, "T2", "feed")
		if st1.Status == syncstate.StatusSuccess && st2.Status == syncstate.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("syncs did not finish: %+v %+v", st1, st2)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := s.DispatchDue(ctx); n != 0 {
		t.Errorf("second sweep queued %d, want 0", n)
	}
	if _, ok, _ := stores.SyncStates.Get(ctx, "T3", "feed"); ok {
		t.Error("inactive tenant got a sync row")
	}
}

// brokenFinish fails the first n Finish calls.
type brokenFinish struct {
	*memstore.SyncStates

	mu sync.Mutex
	n  int
}

func (b *brokenFinish) Finish(ctx context.Context, st *syncstate.State) error {
	b.mu.Lock()
	if b.n > 0 {
		b.n--
		b.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	b.mu.Unlock()
	return b.SyncStates.Finish(ctx, st)
}

func TestRunner_FinishRetried(t *testing.T) {
	t.Parallel()

	stores := memstore.New()
	syncs := &brokenFinish{SyncStates: stores.SyncStates, n: 1}
	reg := module.NewRegistry()
	reg.MustRegister("feed", okFeed(3))
	l := ledger.New(stores.Ledger, log.Nop())
	runner := dispatch.NewRunner(reg, l, stores.Metrics, syncs)
	ctx := context.Background()

	if _, err := runner.Run(ctx, dispatch.Unit{ModuleID: "feed", TenantID: "T1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, _, _ := syncs.Get(ctx, "T1", "feed")
	if st.Status != syncstate.StatusSuccess {
		t.Errorf("sync status = %q, want success after a retried write", st.Status)
	}
}

func TestScheduler_ReconcileReleasesStuckSync(t *testing.T) {
	t.Parallel()

	stores := memstore.New()
	syncs := &brokenFinish{SyncStates: stores.SyncStates, n: 100}
	reg := module.NewRegistry()
	feed := okFeed(3)
	reg.MustRegister("feed", feed)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	l := ledger.New(stores.Ledger, log.Nop(), ledger.WithClock(clock))
	runner := dispatch.NewRunner(reg, l, stores.Metrics, syncs, dispatch.WithRunnerClock(clock))
	q := jobqueue.New(1)
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	tenants := tenant.NewStatic(tenant.Tenant{ID: "T1", IsActive: true})
	d := dispatch.NewDispatcher(reg, runner, q, tenants)
	s, err := dispatch.NewScheduler(dispatch.DefaultScheduleConfig(), reg, d, syncs, l, nil, tenants, log.Nop(),
		dispatch.WithSchedulerClock(clock))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ctx := context.Background()

	// every terminal write fails, so the row is left Syncing
	if _, err := runner.Run(ctx, dispatch.Unit{ModuleID: "feed", TenantID: "T1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st, _, _ := syncs.Get(ctx, "T1", "feed"); st.Status != syncstate.StatusSyncing {
		t.Fatalf("sync status = %q, want stuck syncing", st.Status)
	}

	// inside the grace period nothing is released
	advance(30 * time.Minute)
	s.Reconcile(ctx)
	if st, _, _ := syncs.Get(ctx, "T1", "feed"); st.Status != syncstate.StatusSyncing {
		t.Errorf("released inside grace: %q", st.Status)
	}

	advance(47 * time.Hour)
	s.Reconcile(ctx)
	st, _, _ := syncs.Get(ctx, "T1", "feed")
	if st.Status != syncstate.StatusFailure || st.LastError != syncstate.StaleSyncError {
		t.Fatalf("after reconcile = %+v, want failure", st)
	}
	if want := clock().Add(syncstate.FailureRetryDelay); st.NextSync == nil || !st.NextSync.Equal(want) {
		t.Errorf("NextSync = %v, want %v", st.NextSync, want)
	}

	// due again once the retry delay passes, and runnable
	advance(syncstate.FailureRetryDelay)
	syncs.mu.Lock()
	syncs.n = 0
	syncs.mu.Unlock()
	if n := s.DispatchDue(ctx); n != 1 {
		t.Fatalf("due sweep queued %d, want 1", n)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, _, _ := syncs.Get(ctx, "T1", "feed")
		if st.Status == syncstate.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("feed never synced again: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if feed.Calls() != 2 {
		t.Errorf("feed calls = %d, want 2", feed.Calls())
	}
}

func TestNewScheduler_RejectsBadCron(t *testing.T) {
	t.Parallel()

	reg := module.NewRegistry()
	stores := memstore.New()
	l := ledger.New(stores.Ledger, log.Nop())
	q := jobqueue.New(1)
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	tenants := tenant.NewStatic()
	d := dispatch.NewDispatcher(reg, dispatch.NewRunner(reg, l, stores.Metrics, stores.SyncStates), q, tenants)

	cfg := dispatch.DefaultScheduleConfig()
	cfg.Reconcile = "every now and then"
	if _, err := dispatch.NewScheduler(cfg, reg, d, stores.SyncStates, l, nil, tenants, log.Nop()); err == nil {
		t.Error("expected error for bad cron expression")
	}
}
