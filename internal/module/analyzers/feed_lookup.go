package analyzers

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// FeedLookup checks an observable against the tenant's ingested feed data.
type FeedLookup struct {
	index enrich.FeedIndex
}

// NewFeedLookup creates the analyzer over index.
func NewFeedLookup(index enrich.FeedIndex) *FeedLookup {
	return &FeedLookup{index: index}
}

func (a *FeedLookup) ID() string        { return "feed_lookup" }
func (a *FeedLookup) Kind() module.Kind { return module.KindAnalyzer }
func (a *FeedLookup) Description() string {
	return "Looks an observable up in the tenant's threat feed data"
}

// SupportedTypes lists the indicator types feeds ingest.
func (a *FeedLookup) SupportedTypes() []string {
	return typesWithAliases(enrich.TypeIP, enrich.TypeDomain, enrich.TypeURL, enrich.TypeMD5, enrich.TypeSHA1, enrich.TypeSHA256)
}

func (a *FeedLookup) ValidateConfiguration() error {
	if a.index == nil {
		return fmt.Errorf("feed_lookup: %w: no feed index", module.ErrConfigurationInvalid)
	}
	return nil
}

// Execute reports every feed that lists the observable. Items is the match count.
func (a *FeedLookup) Execute(ctx context.Context, ec module.ExecContext) (*module.Result, error) {
	if err := requireTarget(a.ID(), ec); err != nil {
		return nil, err
	}
	t, err := iocType(ec.Target.Type)
	if err != nil {
		return nil, err
	}
	value := enrich.NormalizeValue(t, ec.Target.Value)

	hits, err := a.index.Lookup(ctx, ec.TenantID, t, value)
	if err != nil {
		return nil, fmt.Errorf("feed lookup: %w", err)
	}

	maxConf := 0
	var tags []string
	matches := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		if h.TenantID != ec.TenantID {
			return nil, fmt.Errorf("feed lookup returned %s data for %s: %w", h.TenantID, ec.TenantID, module.ErrTenantIsolation)
		}
		maxConf = max(maxConf, h.Confidence)
		tags = enrich.UnionTags(tags, h.Tags)
		matches = append(matches, map[string]any{
			"feed_id":    h.FeedID,
			"confidence": h.Confidence,
			"tags":       h.Tags,
			"last_seen":  h.LastSeen,
		})
	}

	verdict := VerdictUnknown
	switch {
	case maxConf >= 70:
		verdict = VerdictMalicious
	case len(hits) > 0:
		verdict = VerdictSuspicious
	}
	ec.Logf("%s %s: %d feed matches", t, value, len(hits))

	return &module.Result{
		Status:  module.StatusSuccess,
		Items:   len(hits),
		Message: fmt.Sprintf("%d feed matches", len(hits)),
		Output: map[string]any{
			"type":           string(t),
			"value":          value,
			"verdict":        verdict,
			"max_confidence": maxConf,
			"tags":           tags,
			"results":        matches,
		},
	}, nil
}
