// Package enrich resolves indicators of compromise against feed-ingested
// threat data for one tenant at a time, keeping one record per
// (tenant, type, value) and the provenance of every feed that matched it.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// IOCType is the kind of indicator.
type IOCType string

const (
	TypeIP       IOCType = "ip"
	TypeDomain   IOCType = "domain"
	TypeURL      IOCType = "url"
	TypeMD5      IOCType = "md5"
	TypeSHA1     IOCType = "sha1"
	TypeSHA256   IOCType = "sha256"
	TypeEmail    IOCType = "email"
	TypeCVE      IOCType = "cve"
	TypeFilename IOCType = "filename"
	TypeFilepath IOCType = "filepath"
	TypeRegistry IOCType = "registry"
	TypeOther    IOCType = "other"
)

var knownTypes = []IOCType{
	TypeIP, TypeDomain, TypeURL, TypeMD5, TypeSHA1, TypeSHA256,
	TypeEmail, TypeCVE, TypeFilename, TypeFilepath, TypeRegistry, TypeOther,
}

var ErrInvalidIndicator = errors.New("invalid indicator")

// ParseType validates an indicator type name.
func ParseType(s string) (IOCType, error) {
	t := IOCType(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(knownTypes, t) {
		return "", fmt.Errorf("type %q: %w", s, ErrInvalidIndicator)
	}
	return t, nil
}

// NormalizeValue trims the value and lower-cases the types whose matching is
// case-insensitive.
func NormalizeValue(t IOCType, v string) string {
	v = strings.TrimSpace(v)
	switch t {
	case TypeDomain, TypeMD5, TypeSHA1, TypeSHA256, TypeEmail:
		return strings.ToLower(v)
	case TypeCVE:
		return strings.ToUpper(v)
	}
	return v
}

// Status of an enriched indicator.
type Status string

const (
	StatusPending  Status = "pending"
	StatusEnriched Status = "enriched"
	StatusNotFound Status = "not_found"
)

// TLP marking. New indicators default to amber.
type TLP string

const (
	TLPWhite TLP = "white"
	TLPGreen TLP = "green"
	TLPAmber TLP = "amber"
	TLPRed   TLP = "red"
)

// DocumentID is the deterministic identity of an indicator within a tenant.
// Every write path keys on it so retries and concurrent callers converge on
// one record and one index document.
func DocumentID(t IOCType, value, tenantID string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(t))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// IndexName is the tenant's enrichment index.
func IndexName(tenantID string) string {
	return "tenant_" + tenantID + "_enriched_iocs"
}

// IOC is the enrichment record for one indicator.
type IOC struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Type        IOCType    `json:"type"`
	Value       string     `json:"value"`
	Status      Status     `json:"status"`
	Source      string     `json:"source"`
	Description string     `json:"description,omitempty"`
	TLP         TLP        `json:"tlp"`
	Confidence  int        `json:"confidence"`
	Tags        []string   `json:"tags"`
	MatchCount  int        `json:"match_count"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	LastMatched *time.Time `json:"last_matched,omitempty"`
	IndexName   string     `json:"index_name"`
	IndexDocID  string     `json:"index_doc_id"`
}

// Clone returns a deep copy.
func (i *IOC) Clone() *IOC {
	cp := *i
	cp.Tags = slices.Clone(i.Tags)
	if i.LastChecked != nil {
		t := *i.LastChecked
		cp.LastChecked = &t
	}
	if i.LastMatched != nil {
		t := *i.LastMatched
		cp.LastMatched = &t
	}
	return &cp
}

// Fresh reports whether the record is enriched and was checked within maxAge.
func (i *IOC) Fresh(now time.Time, maxAge time.Duration) bool {
	return i.Status == StatusEnriched && i.LastChecked != nil && now.Sub(*i.LastChecked) <= maxAge
}

// Merge folds another view of the same indicator into i: confidence only ever
// rises and tags are only ever added.
func (i *IOC) Merge(confidence int, tags []string) {
	if confidence > i.Confidence {
		i.Confidence = confidence
	}
	i.Tags = UnionTags(i.Tags, tags)
}

// UnionTags returns the sorted, deduplicated union of a and b.
func UnionTags(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	for _, t := range b {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// FeedMatch records that one feed knows an indicator.
type FeedMatch struct {
	IOCID      string         `json:"ioc_id"`
	TenantID   string         `json:"tenant_id"`
	FeedID     string         `json:"feed_id"`
	Confidence int            `json:"confidence"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	MatchedAt  time.Time      `json:"matched_at"`
}

// Indicator is one row of feed-ingested threat data.
type Indicator struct {
	TenantID   string         `json:"tenant_id"`
	FeedID     string         `json:"feed_id"`
	Type       IOCType        `json:"type"`
	Value      string         `json:"value"`
	Confidence int            `json:"confidence"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
}

// FeedIndex is the tenant-partitioned feed data store the pipeline queries.
// Implementations must filter by tenantID; callers never pass an empty one.
type FeedIndex interface {
	Lookup(ctx context.Context, tenantID string, t IOCType, value string) ([]Indicator, error)
}

// FeedWriter is how feed modules put indicators into the feed data store.
// Upserts key on (tenant, feed, type, value).
type FeedWriter interface {
	UpsertIndicators(ctx context.Context, tenantID, feedID string, items []Indicator) (int, error)
}

// Store persists enrichment records. Save writes the record and its matches
// atomically; implementations keep confidence at the max of stored and given
// and tags as the union, so a racing writer can never lower either.
type Store interface {
	GetOrCreate(ctx context.Context, ioc *IOC) (*IOC, bool, error)
	Save(ctx context.Context, ioc *IOC, matches []FeedMatch) (*IOC, error)
	Get(ctx context.Context, tenantID, id string) (*IOC, bool, error)
	Matches(ctx context.Context, tenantID, iocID string) ([]FeedMatch, error)
	List(ctx context.Context, tenantID string, status Status, limit int) ([]*IOC, error)

	// ListStale returns Pending records and records last checked before
	// cutoff, oldest check first, at most limit.
	ListStale(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]*IOC, error)
}

// Mirror is the tenant's enrichment index. Index is an upsert keyed by docID.
type Mirror interface {
	Index(ctx context.Context, index, docID string, ioc *IOC) error
}
