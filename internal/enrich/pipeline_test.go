package enrich_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/event"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/store/memstore"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

type fixture struct {
	iocs   *memstore.IOCs
	feeds  *memstore.FeedData
	mirror *memstore.Mirror
	p      *enrich.Pipeline

	mu     sync.Mutex
	events []event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		iocs:   memstore.NewIOCs(),
		feeds:  memstore.NewFeedData(),
		mirror: memstore.NewMirror(),
	}
	dir := tenant.NewStatic(
		tenant.Tenant{ID: "T1", Name: "Acme", IsActive: true},
		tenant.Tenant{ID: "T2", Name: "Globex", IsActive: true},
		tenant.Tenant{ID: "T3", Name: "Gone"},
	)
	pub := event.PublisherFunc(func(_ context.Context, e event.Event) error {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
		return nil
	})
	f.p = enrich.NewPipeline(f.iocs, f.feeds, f.mirror, dir,
		enrich.WithLogger(log.Nop()),
		enrich.WithPublisher(pub),
	)
	return f
}

func (f *fixture) ingest(t *testing.T, tenantID, feedID string, conf int, tags ...string) {
	t.Helper()
	_, err := f.feeds.UpsertIndicators(context.Background(), tenantID, feedID, []enrich.Indicator{
		{Type: enrich.TypeIP, Value: "1.2.3.4", Confidence: conf, Tags: tags},
	})
	if err != nil {
		t.Fatalf("UpsertIndicators: %v", err)
	}
}

func req(tenantID string) enrich.Request {
	return enrich.Request{TenantID: tenantID, Type: "ip", Value: "1.2.3.4"}
}

func TestEnrich_NotFoundThenEnrichedOnRecheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	got, err := f.p.Enrich(ctx, req("T1"))
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if got.Status != enrich.StatusNotFound {
		t.Fatalf("Status = %q, want not_found", got.Status)
	}
	if got.LastChecked == nil {
		t.Error("LastChecked should be stamped")
	}

	f.ingest(t, "T1", "blocklist_de", 75, "blocklist.de")

	got, err = f.p.Enrich(ctx, req("T1"))
	if err != nil {
		t.Fatalf("re-Enrich: %v", err)
	}
	if got.Status != enrich.StatusEnriched {
		t.Errorf("Status = %q, want enriched", got.Status)
	}
	if got.MatchCount != 1 {
		t.Errorf("MatchCount = %d, want 1", got.MatchCount)
	}
	if got.Confidence != 75 || got.LastMatched == nil {
		t.Errorf("confidence=%d lastMatched=%v", got.Confidence, got.LastMatched)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 2 || f.events[1].From != string(enrich.StatusNotFound) || f.events[1].To != string(enrich.StatusEnriched) {
		t.Errorf("events = %+v", f.events)
	}
}

func TestEnrich_IdempotentIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ingest(t, "T1", "blocklist_de", 75)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.p.Enrich(ctx, req("T1")); err != nil {
				t.Errorf("Enrich: %v", err)
			}
		}()
	}
	wg.Wait()
	_, _ = f.p.Enrich(ctx, enrich.Request{TenantID: "T1", Type: "IP", Value: " 1.2.3.4 "})

	if n := f.iocs.Count("T1"); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
	if n := f.mirror.Count(enrich.IndexName("T1")); n != 1 {
		t.Errorf("mirror docs = %d, want 1", n)
	}
	id := enrich.DocumentID(enrich.TypeIP, "1.2.3.4", "T1")
	if _, ok := f.mirror.Doc("tenant_T1_enriched_iocs", id); !ok {
		t.Error("mirror doc not stored under deterministic id")
	}
}

func TestEnrich_ConfidenceMonotonicAndTagsAccumulate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.ingest(t, "T1", "alienvault", 80, "alienvault", "scanner")
	first, _ := f.p.Enrich(ctx, req("T1"))

	f.ingest(t, "T1", "alienvault", 20, "alienvault")
	f.ingest(t, "T1", "ssl_blacklist", 70, "abuse.ch")
	second, _ := f.p.Enrich(ctx, req("T1"))

	if second.Confidence < first.Confidence {
		t.Errorf("confidence dropped %d -> %d", first.Confidence, second.Confidence)
	}
	for _, tag := range first.Tags {
		found := false
		for _, t2 := range second.Tags {
			if t2 == tag {
				found = true
			}
		}
		if !found {
			t.Errorf("tag %q lost", tag)
		}
	}
	if second.MatchCount != 2 {
		t.Errorf("MatchCount = %d, want 2", second.MatchCount)
	}

	matches, err := f.p.Matches(ctx, "T1", second.ID)
	if err != nil || len(matches) != 2 {
		t.Fatalf("Matches = %v, %v", matches, err)
	}
}

func TestEnrich_TenantIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, "T1", "blocklist_de", 75)

	a, _ := f.p.Enrich(ctx, req("T1"))
	b, _ := f.p.Enrich(ctx, req("T2"))

	if a.ID == b.ID {
		t.Fatal("two tenants share a record id")
	}
	if a.Status != enrich.StatusEnriched || b.Status != enrich.StatusNotFound {
		t.Errorf("statuses = %q / %q, want enriched / not_found", a.Status, b.Status)
	}
	if m, _ := f.p.Matches(ctx, "T2", a.ID); len(m) != 0 {
		t.Errorf("T2 read T1's matches: %+v", m)
	}
	if _, ok, _ := f.p.Get(ctx, "T2", "ip", "1.2.3.4"); !ok {
		t.Error("T2 should see its own record")
	}
	if m, _ := f.p.Matches(ctx, "T2", b.ID); len(m) != 0 {
		t.Errorf("T2 match set should be empty, got %+v", m)
	}
}

func TestEnrich_RejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  enrich.Request
		want error
	}{
		{"no tenant", enrich.Request{Type: "ip", Value: "1.1.1.1"}, module.ErrTenantIsolation},
		{"unknown tenant", enrich.Request{TenantID: "nope", Type: "ip", Value: "1.1.1.1"}, tenant.ErrNotFound},
		{"inactive tenant", enrich.Request{TenantID: "T3", Type: "ip", Value: "1.1.1.1"}, tenant.ErrInactive},
		{"bad type", enrich.Request{TenantID: "T1", Type: "asn", Value: "1"}, enrich.ErrInvalidIndicator},
		{"empty value", enrich.Request{TenantID: "T1", Type: "ip", Value: "  "}, enrich.ErrInvalidIndicator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := f.p.Enrich(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

type leakyIndex struct{}

func (leakyIndex) Lookup(_ context.Context, _ string, t enrich.IOCType, v string) ([]enrich.Indicator, error) {
	return []enrich.Indicator{{TenantID: "T2", FeedID: "x", Type: t, Value: v}}, nil
}

func TestEnrich_CrossTenantLookupIsFatal(t *testing.T) {
	t.Parallel()

	p := enrich.NewPipeline(memstore.NewIOCs(), leakyIndex{}, memstore.NewMirror(),
		tenant.NewStatic(tenant.Tenant{ID: "T1", IsActive: true}))
	_, err := p.Enrich(context.Background(), req("T1"))
	if !errors.Is(err, module.ErrTenantIsolation) {
		t.Fatalf("err = %v, want ErrTenantIsolation", err)
	}
}

// gatedIndex blocks every Lookup until release is closed, or until the
// lookup's own ctx ends.
type gatedIndex struct {
	enrich.FeedIndex
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedIndex) Lookup(ctx context.Context, tenantID string, t enrich.IOCType, v string) ([]enrich.Indicator, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.FeedIndex.Lookup(ctx, tenantID, t, v)
}

func TestEnrich_CanceledCallerDoesNotFailCoalescedCaller(t *testing.T) {
	t.Parallel()

	feeds := memstore.NewFeedData()
	if _, err := feeds.UpsertIndicators(context.Background(), "T1", "feedA", []enrich.Indicator{
		{Type: enrich.TypeIP, Value: "1.2.3.4", Confidence: 70},
	}); err != nil {
		t.Fatalf("UpsertIndicators: %v", err)
	}
	idx := &gatedIndex{FeedIndex: feeds, entered: make(chan struct{}), release: make(chan struct{})}
	p := enrich.NewPipeline(memstore.NewIOCs(), idx, memstore.NewMirror(),
		tenant.NewStatic(tenant.Tenant{ID: "T1", IsActive: true}))

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Enrich(firstCtx, req("T1"))
		firstErr <- err
	}()
	<-idx.entered

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("first caller err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first caller did not return after cancel")
	}

	type result struct {
		ioc *enrich.IOC
		err error
	}
	second := make(chan result, 1)
	go func() {
		ioc, err := p.Enrich(context.Background(), req("T1"))
		second <- result{ioc, err}
	}()
	close(idx.release)

	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second caller err = %v", r.err)
		}
		if r.ioc.Status != enrich.StatusEnriched || r.ioc.Confidence != 70 {
			t.Errorf("ioc = %+v, want enriched with confidence 70", r.ioc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
}

func TestReenrichStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	var mu sync.Mutex
	tick := func() time.Time { mu.Lock(); defer mu.Unlock(); return clock }

	iocs := memstore.NewIOCs()
	feeds := memstore.NewFeedData()
	dir := tenant.NewStatic(tenant.Tenant{ID: "T1", IsActive: true})
	p := enrich.NewPipeline(iocs, feeds, memstore.NewMirror(), dir, enrich.WithClock(tick))
	ctx := context.Background()

	for _, v := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if _, err := p.Enrich(ctx, enrich.Request{TenantID: "T1", Type: "ip", Value: v}); err != nil {
			t.Fatalf("Enrich: %v", err)
		}
	}
	_, _ = feeds.UpsertIndicators(ctx, "T1", "blocklist_de", []enrich.Indicator{{Type: enrich.TypeIP, Value: "10.0.0.2", Confidence: 75}})

	mu.Lock()
	clock = now.Add(3 * 24 * time.Hour)
	mu.Unlock()

	res, err := p.ReenrichStale(ctx, "T1", 1, 2)
	if err != nil {
		t.Fatalf("ReenrichStale: %v", err)
	}
	if res.Selected != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 selected", res)
	}

	res, _ = p.ReenrichStale(ctx, "T1", 1, 10)
	if res.Selected != 1 {
		t.Errorf("second batch selected %d, want the 1 left over", res.Selected)
	}

	got, _, _ := p.Get(ctx, "T1", "ip", "10.0.0.2")
	if got.Status != enrich.StatusEnriched {
		t.Errorf("10.0.0.2 status = %q, want enriched", got.Status)
	}

	if _, err := p.ReenrichStale(ctx, "", 1, 10); !errors.Is(err, module.ErrTenantIsolation) {
		t.Errorf("empty tenant err = %v", err)
	}
}

func TestDocumentID(t *testing.T) {
	t.Parallel()

	a := enrich.DocumentID(enrich.TypeIP, "1.2.3.4", "T1")
	if a != enrich.DocumentID(enrich.TypeIP, "1.2.3.4", "T1") {
		t.Error("DocumentID is not deterministic")
	}
	if a == enrich.DocumentID(enrich.TypeIP, "1.2.3.4", "T2") {
		t.Error("DocumentID must differ across tenants")
	}
	if a == enrich.DocumentID(enrich.TypeDomain, "1.2.3.4", "T1") {
		t.Error("DocumentID must differ across types")
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64 hex chars", len(a))
	}
}

func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  enrich.IOCType
		in   string
		want string
	}{
		{enrich.TypeDomain, " Evil.COM ", "evil.com"},
		{enrich.TypeSHA256, "ABCDEF", "abcdef"},
		{enrich.TypeCVE, "cve-2024-1234", "CVE-2024-1234"},
		{enrich.TypeURL, " http://X/Path ", "http://X/Path"},
	}
	for _, tt := range tests {
		if got := enrich.NormalizeValue(tt.typ, tt.in); got != tt.want {
			t.Errorf("NormalizeValue(%s, %q) = %q, want %q", tt.typ, tt.in, got, tt.want)
		}
	}
}
