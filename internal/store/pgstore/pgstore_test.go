package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/ledger"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/postgres"
	"github.com/linnemanlabs/sentinelvision/internal/store/pgstore"
	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SENTINEL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SENTINEL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// uniq namespaces ids so reruns against the same database do not collide.
func uniq(prefix string) string { return prefix + "-" + ulid.Make().String() }

func TestMetricsRecordRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	m := s.Metrics()
	mod, ten := uniq("mod"), uniq("tenant")
	now := time.Now().UTC().Truncate(time.Microsecond)

	got, err := m.GetMetrics(ctx, mod, ten)
	if err != nil || got.TotalRuns != 0 {
		t.Fatalf("fresh metrics = %+v, %v", got, err)
	}
	if _, err := m.RecordRun(ctx, mod, ten, true, "", now); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	got, err = m.RecordRun(ctx, mod, ten, false, "boom", now)
	if err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if got.TotalRuns != 2 || got.SuccessRate != 0.5 || got.ConsecutiveErrors != 1 || got.LastError != "boom" {
		t.Errorf("metrics = %+v", got)
	}
	again, _ := m.GetMetrics(ctx, mod, ten)
	if again.TotalRuns != 2 || again.LastRun == nil || !again.LastRun.Equal(now) {
		t.Errorf("stored metrics = %+v", again)
	}
}

func TestSyncStateReleaseStale(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	st := s.SyncStates()
	ten := uniq("tenant")
	now := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := st.TryStart(ctx, ten, "stuck", 6, now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("TryStart stuck: %v", err)
	}
	if _, err := st.TryStart(ctx, ten, "live", 6, now); err != nil {
		t.Fatalf("TryStart live: %v", err)
	}

	released, err := st.ReleaseStale(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	var mine []*syncstate.State
	for _, r := range released {
		if r.TenantID == ten {
			mine = append(mine, r)
		}
	}
	if len(mine) != 1 || mine[0].FeedType != "stuck" {
		t.Fatalf("released = %+v, want [stuck]", mine)
	}

	got, _, _ := st.Get(ctx, ten, "stuck")
	if got.Status != syncstate.StatusFailure || got.LastError != syncstate.StaleSyncError {
		t.Errorf("stuck = %+v", got)
	}
	if want := now.Add(syncstate.FailureRetryDelay); got.NextSync == nil || !got.NextSync.Equal(want) {
		t.Errorf("next_sync = %v, want %v", got.NextSync, want)
	}
	if live, _, _ := st.Get(ctx, ten, "live"); live.Status != syncstate.StatusSyncing {
		t.Errorf("live = %q, want syncing", live.Status)
	}
}

func TestSyncStateLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	st := s.SyncStates()
	ten := uniq("tenant")
	now := time.Now().UTC().Truncate(time.Microsecond)

	started, err := st.TryStart(ctx, ten, "blocklist_de", 6, now)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	if _, err := st.TryStart(ctx, ten, "blocklist_de", 6, now); !errors.Is(err, syncstate.ErrAlreadySyncing) {
		t.Fatalf("second TryStart err = %v", err)
	}

	if err := started.MarkSuccess(42, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if err := st.Finish(ctx, started); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := st.Finish(ctx, started); !errors.Is(err, syncstate.ErrInvalidTransition) {
		t.Errorf("double Finish err = %v", err)
	}

	got, ok, err := st.Get(ctx, ten, "blocklist_de")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Status != syncstate.StatusSuccess || got.LastImportCount != 42 || got.SuccessfulSyncs != 1 {
		t.Errorf("state = %+v", got)
	}
	if want := now.Add(time.Minute + 6*time.Hour); got.NextSync == nil || !got.NextSync.Equal(want) {
		t.Errorf("next_sync = %v, want %v", got.NextSync, want)
	}

	due, err := st.ListDue(ctx, now.Add(7*time.Hour))
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	found := false
	for _, d := range due {
		if d.TenantID == ten {
			found = true
		}
	}
	if !found {
		t.Error("state not due after its interval")
	}

	off, err := st.SetEnabled(ctx, ten, "blocklist_de", false, now)
	if err != nil || off.Status != syncstate.StatusDisabled {
		t.Fatalf("disable = %+v, %v", off, err)
	}
	if _, err := st.TryStart(ctx, ten, "blocklist_de", 6, now); !errors.Is(err, syncstate.ErrDisabled) {
		t.Errorf("TryStart on disabled err = %v", err)
	}
}

func TestLedgerCloseOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	l := s.Ledger()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &ledger.Record{
		ID:        uniq("rec"),
		ModuleID:  "feed_lookup",
		TenantID:  uniq("tenant"),
		Status:    ledger.StatusRunning,
		StartedAt: now,
		Input:     map[string]any{"value": "1.2.3.4"},
	}
	if err := l.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := l.AppendLog(ctx, rec.ID, "line one"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := l.AppendLog(ctx, rec.ID, "line two"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	closed, err := l.Close(ctx, rec.ID, ledger.Completion{
		Status:      ledger.StatusSuccess,
		CompletedAt: now.Add(2 * time.Second),
		Output:      map[string]any{"items": 3},
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.ResultCount != 3 || closed.DurationSeconds != 2 || closed.Log != "line one\nline two" {
		t.Errorf("closed = %+v", closed)
	}
	if _, err := l.Close(ctx, rec.ID, ledger.Completion{Status: ledger.StatusError, CompletedAt: now}); !errors.Is(err, ledger.ErrAlreadyClosed) {
		t.Errorf("second Close err = %v", err)
	}
	if err := l.AppendLog(ctx, rec.ID, "late"); !errors.Is(err, ledger.ErrAlreadyClosed) {
		t.Errorf("late AppendLog err = %v", err)
	}
	if err := l.AppendLog(ctx, uniq("missing"), "x"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("missing AppendLog err = %v", err)
	}

	got, ok, err := l.Get(ctx, rec.ID)
	if err != nil || !ok || got.Input["value"] != "1.2.3.4" {
		t.Errorf("Get = %+v, %v, %v", got, ok, err)
	}
	byTenant, err := l.ListByTenant(ctx, rec.TenantID, 10)
	if err != nil || len(byTenant) != 1 {
		t.Errorf("ListByTenant = %d, %v", len(byTenant), err)
	}
}

func TestIOCSaveMerges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	iocs := s.IOCs()
	ten := uniq("tenant")
	now := time.Now().UTC().Truncate(time.Microsecond)

	id := enrich.DocumentID(enrich.TypeIP, "1.2.3.4", ten)
	base := &enrich.IOC{
		ID: id, TenantID: ten, Type: enrich.TypeIP, Value: "1.2.3.4",
		Status: enrich.StatusPending, TLP: enrich.TLPAmber, FirstSeen: now,
	}
	_, created, err := iocs.GetOrCreate(ctx, base)
	if err != nil || !created {
		t.Fatalf("GetOrCreate = %v, %v", created, err)
	}
	if _, created, _ := iocs.GetOrCreate(ctx, base); created {
		t.Error("second GetOrCreate created a row")
	}

	first := base.Clone()
	first.Status = enrich.StatusEnriched
	first.Confidence = 80
	first.Tags = []string{"scanner"}
	match := enrich.FeedMatch{IOCID: id, TenantID: ten, FeedID: "blocklist_de", Confidence: 80, MatchedAt: now}
	if _, err := iocs.Save(ctx, first, []enrich.FeedMatch{match}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	lower := base.Clone()
	lower.Status = enrich.StatusEnriched
	lower.Confidence = 40
	lower.Tags = []string{"botnet"}
	saved, err := iocs.Save(ctx, lower, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Confidence != 80 || len(saved.Tags) != 2 || saved.MatchCount != 1 {
		t.Errorf("merged = %+v", saved)
	}

	other := enrich.FeedMatch{IOCID: id, TenantID: uniq("tenant"), FeedID: "x", MatchedAt: now}
	if _, err := iocs.Save(ctx, lower, []enrich.FeedMatch{other}); !errors.Is(err, module.ErrTenantIsolation) {
		t.Errorf("cross-tenant match err = %v", err)
	}
	if _, ok, _ := iocs.Get(ctx, uniq("tenant"), id); ok {
		t.Error("record visible to another tenant")
	}
}

func TestFeedDataAndMirror(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	fd := s.FeedData()
	ten := uniq("tenant")
	now := time.Now().UTC().Truncate(time.Microsecond)

	n, err := fd.UpsertIndicators(ctx, ten, "blocklist_de", []enrich.Indicator{
		{Type: enrich.TypeIP, Value: " 9.9.9.9 ", Confidence: 75, FirstSeen: now, LastSeen: now},
		{Type: enrich.TypeIP, Value: "  "},
	})
	if err != nil || n != 1 {
		t.Fatalf("UpsertIndicators = %d, %v", n, err)
	}
	later := now.Add(time.Hour)
	if _, err := fd.UpsertIndicators(ctx, ten, "blocklist_de", []enrich.Indicator{
		{Type: enrich.TypeIP, Value: "9.9.9.9", Confidence: 75, FirstSeen: later, LastSeen: later},
	}); err != nil {
		t.Fatalf("UpsertIndicators: %v", err)
	}

	hits, err := fd.Lookup(ctx, ten, enrich.TypeIP, "9.9.9.9")
	if err != nil || len(hits) != 1 {
		t.Fatalf("Lookup = %v, %v", hits, err)
	}
	if !hits[0].FirstSeen.Equal(now) || !hits[0].LastSeen.Equal(later) {
		t.Errorf("seen = %v / %v", hits[0].FirstSeen, hits[0].LastSeen)
	}
	if _, err := fd.Lookup(ctx, "", enrich.TypeIP, "9.9.9.9"); !errors.Is(err, module.ErrTenantIsolation) {
		t.Errorf("tenantless lookup err = %v", err)
	}

	mirror := s.Mirror()
	ioc := &enrich.IOC{ID: "doc-1", TenantID: ten, Type: enrich.TypeIP, Value: "9.9.9.9", Confidence: 75}
	index := enrich.IndexName(ten)
	if err := mirror.Index(ctx, index, "doc-1", ioc); err != nil {
		t.Fatalf("Index: %v", err)
	}
	doc, ok, err := mirror.Doc(ctx, index, "doc-1")
	if err != nil || !ok || doc.Value != "9.9.9.9" {
		t.Errorf("Doc = %+v, %v, %v", doc, ok, err)
	}
}

func TestTenants(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	dir := s.Tenants()
	id := uniq("tenant")

	if err := dir.Upsert(ctx, &tenant.Tenant{ID: id, Name: "Acme", IsActive: false}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := tenant.Require(ctx, dir, id); !errors.Is(err, tenant.ErrInactive) {
		t.Errorf("inactive tenant err = %v", err)
	}
	if _, err := dir.Get(ctx, uniq("missing")); !errors.Is(err, tenant.ErrNotFound) {
		t.Errorf("missing tenant err = %v", err)
	}
}
