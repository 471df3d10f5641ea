package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinelvision/internal/event"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinelvision/internal/enrich")

const (
	DefaultSource      = "manual"
	reenrichWorkers    = 4
	defaultReenrichCap = 100
)

// Request asks for one indicator to be enriched.
type Request struct {
	TenantID    string `json:"tenant_id"`
	Type        string `json:"type"`
	Value       string `json:"value"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
}

// Hooks observe pipeline outcomes. Nil fields are skipped.
type Hooks struct {
	OnEnrich   func(status Status, matches int, duration time.Duration)
	OnError    func(stage string)
	OnReenrich func(selected, failed int)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithPublisher sets the post-commit event publisher.
func WithPublisher(pub event.Publisher) Option { return func(p *Pipeline) { p.publisher = pub } }

// WithHooks sets metric hooks.
func WithHooks(h Hooks) Option { return func(p *Pipeline) { p.hooks = h } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// Pipeline implements indicator enrichment.
type Pipeline struct {
	store     Store
	index     FeedIndex
	mirror    Mirror
	tenants   tenant.Directory
	publisher event.Publisher
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time

	group singleflight.Group
}

// NewPipeline wires a pipeline. All four collaborators are required.
func NewPipeline(store Store, index FeedIndex, mirror Mirror, tenants tenant.Directory, opts ...Option) *Pipeline {
	if store == nil || index == nil || mirror == nil || tenants == nil {
		panic(xerrors.New("enrich.NewPipeline: store, index, mirror and tenants are required"))
	}
	p := &Pipeline{
		store:     store,
		index:     index,
		mirror:    mirror,
		tenants:   tenants,
		publisher: event.Nop(),
		logger:    log.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}
	if p.publisher == nil {
		p.publisher = event.Nop()
	}
	return p
}

type key struct {
	tenantID string
	typ      IOCType
	value    string
}

func (p *Pipeline) resolve(ctx context.Context, tenantID, typ, value string) (key, error) {
	if tenantID == "" {
		return key{}, fmt.Errorf("enrich without tenant: %w", module.ErrTenantIsolation)
	}
	t, err := ParseType(typ)
	if err != nil {
		return key{}, err
	}
	v := NormalizeValue(t, value)
	if v == "" {
		return key{}, fmt.Errorf("empty %s value: %w", t, ErrInvalidIndicator)
	}
	if _, err := tenant.Require(ctx, p.tenants, tenantID); err != nil {
		return key{}, err
	}
	return key{tenantID: tenantID, typ: t, value: v}, nil
}

// Enrich checks one indicator against the tenant's feed data and returns the
// merged record. Concurrent calls for the same indicator share one run.
func (p *Pipeline) Enrich(ctx context.Context, req Request) (*IOC, error) {
	k, err := p.resolve(ctx, req.TenantID, req.Type, req.Value)
	if err != nil {
		return nil, err
	}
	id := DocumentID(k.typ, k.value, k.tenantID)

	// Coalesced callers share one run, so it must not die with whichever
	// caller started it. Each caller still gives up on its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(id, func() (any, error) {
		return p.enrichOne(shared, k, id, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*IOC).Clone(), nil
	}
}

func (p *Pipeline) enrichOne(ctx context.Context, k key, id string, req Request) (*IOC, error) {
	ctx, span := tracer.Start(ctx, "enrich.ioc", trace.WithAttributes(
		attribute.String("tenant.id", k.tenantID),
		attribute.String("ioc.type", string(k.typ)),
		attribute.String("ioc.id", id),
	))
	defer span.End()

	fail := func(stage string, err error) (*IOC, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if p.hooks.OnError != nil {
			p.hooks.OnError(stage)
		}
		return nil, err
	}

	start := p.now()
	L := p.logger.With("ioc_id", id, "tenant_id", k.tenantID, "ioc_type", k.typ)

	source := req.Source
	if source == "" {
		source = DefaultSource
	}
	ioc, _, err := p.store.GetOrCreate(ctx, &IOC{
		ID:          id,
		TenantID:    k.tenantID,
		Type:        k.typ,
		Value:       k.value,
		Status:      StatusPending,
		Source:      source,
		Description: req.Description,
		TLP:         TLPAmber,
		Tags:        []string{},
		FirstSeen:   start,
		IndexName:   IndexName(k.tenantID),
		IndexDocID:  id,
	})
	if err != nil {
		return fail("store", fmt.Errorf("get or create %s: %w", id, err))
	}
	if ioc.TenantID != k.tenantID {
		return fail("isolation", fmt.Errorf("record %s belongs to another tenant: %w", id, module.ErrTenantIsolation))
	}
	prev := ioc.Status

	found, err := p.index.Lookup(ctx, k.tenantID, k.typ, k.value)
	if err != nil {
		return fail("lookup", fmt.Errorf("lookup %s: %w", id, err))
	}

	now := p.now()
	ioc.LastChecked = &now
	var matches []FeedMatch
	for _, ind := range found {
		if ind.TenantID != k.tenantID {
			return fail("isolation", fmt.Errorf("feed %s returned tenant %q for %q: %w",
				ind.FeedID, ind.TenantID, k.tenantID, module.ErrTenantIsolation))
		}
		matches = append(matches, FeedMatch{
			IOCID:      id,
			TenantID:   k.tenantID,
			FeedID:     ind.FeedID,
			Confidence: ind.Confidence,
			Tags:       ind.Tags,
			Metadata:   ind.Metadata,
			MatchedAt:  now,
		})
		ioc.Merge(ind.Confidence, ind.Tags)
	}

	if len(matches) == 0 {
		ioc.Status = StatusNotFound
	} else {
		ioc.Status = StatusEnriched
		ioc.LastMatched = &now
	}

	saved, err := p.store.Save(ctx, ioc, matches)
	if err != nil {
		return fail("store", fmt.Errorf("save %s: %w", id, err))
	}

	if err := p.mirror.Index(ctx, saved.IndexName, saved.IndexDocID, saved); err != nil {
		return fail("mirror", fmt.Errorf("mirror %s: %w", id, module.Transient(err)))
	}

	span.SetAttributes(
		attribute.String("ioc.status", string(saved.Status)),
		attribute.Int("ioc.matches", len(matches)),
	)
	if p.hooks.OnEnrich != nil {
		p.hooks.OnEnrich(saved.Status, len(matches), p.now().Sub(start))
	}
	L.Info(ctx, "indicator enriched",
		"status", saved.Status,
		"matches", len(matches),
		"confidence", saved.Confidence,
	)

	if prev != saved.Status {
		p.publish(ctx, event.Event{
			Type:     event.IOCStatusChanged,
			TenantID: k.tenantID,
			Subject:  id,
			From:     string(prev),
			To:       string(saved.Status),
			At:       now,
			Detail: map[string]any{
				"type":        string(saved.Type),
				"value":       saved.Value,
				"confidence":  saved.Confidence,
				"match_count": saved.MatchCount,
			},
		})
	}
	return saved, nil
}

func (p *Pipeline) publish(ctx context.Context, e event.Event) {
	if err := p.publisher.Publish(ctx, e); err != nil {
		p.logger.Warn(ctx, "event publish failed", "event", e.Type, "subject", e.Subject, "error", err)
	}
}

// ReenrichResult summarizes a ReenrichStale batch.
type ReenrichResult struct {
	TenantID string `json:"tenant_id"`
	Selected int    `json:"selected"`
	Enriched int    `json:"enriched"`
	NotFound int    `json:"not_found"`
	Failed   int    `json:"failed"`
}

// ReenrichStale re-runs enrichment for Pending indicators and those not
// checked in days, oldest first, at most limit. Each indicator is enriched
// independently; failures are counted, except tenant isolation violations,
// which abort the batch.
func (p *Pipeline) ReenrichStale(ctx context.Context, tenantID string, days, limit int) (*ReenrichResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("reenrich without tenant: %w", module.ErrTenantIsolation)
	}
	if _, err := tenant.Require(ctx, p.tenants, tenantID); err != nil {
		return nil, err
	}
	if days < 0 {
		days = 0
	}
	if limit <= 0 {
		limit = defaultReenrichCap
	}

	cutoff := p.now().Add(-time.Duration(days) * 24 * time.Hour)
	stale, err := p.store.ListStale(ctx, tenantID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}

	res := &ReenrichResult{TenantID: tenantID, Selected: len(stale)}
	var enriched, notFound, failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reenrichWorkers)
	for _, ioc := range stale {
		g.Go(func() error {
			out, err := p.Enrich(gctx, Request{
				TenantID:    ioc.TenantID,
				Type:        string(ioc.Type),
				Value:       ioc.Value,
				Source:      ioc.Source,
				Description: ioc.Description,
			})
			if errors.Is(err, module.ErrTenantIsolation) {
				return err
			}
			if err != nil {
				failed.Add(1)
				p.logger.Warn(gctx, "reenrich failed", "ioc_id", ioc.ID, "tenant_id", tenantID, "error", err)
				return nil
			}
			if out.Status == StatusEnriched {
				enriched.Add(1)
			} else {
				notFound.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Enriched = int(enriched.Load())
	res.NotFound = int(notFound.Load())
	res.Failed = int(failed.Load())
	if p.hooks.OnReenrich != nil {
		p.hooks.OnReenrich(res.Selected, res.Failed)
	}
	p.logger.Info(ctx, "reenrich batch complete",
		"tenant_id", tenantID,
		"selected", res.Selected,
		"enriched", res.Enriched,
		"not_found", res.NotFound,
		"failed", res.Failed,
	)
	return res, nil
}

// Get returns the record for an indicator.
func (p *Pipeline) Get(ctx context.Context, tenantID, typ, value string) (*IOC, bool, error) {
	k, err := p.resolve(ctx, tenantID, typ, value)
	if err != nil {
		return nil, false, err
	}
	return p.store.Get(ctx, tenantID, DocumentID(k.typ, k.value, k.tenantID))
}

// Matches returns the per-feed match provenance of one record.
func (p *Pipeline) Matches(ctx context.Context, tenantID, iocID string) ([]FeedMatch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("matches without tenant: %w", module.ErrTenantIsolation)
	}
	return p.store.Matches(ctx, tenantID, iocID)
}

// List returns a tenant's records, optionally filtered by status.
func (p *Pipeline) List(ctx context.Context, tenantID string, status Status, limit int) ([]*IOC, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("list without tenant: %w", module.ErrTenantIsolation)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return p.store.List(ctx, tenantID, status, limit)
}
