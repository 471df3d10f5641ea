package feeds

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// Default list locations.
const (
	BlocklistDeURL          = "https://lists.blocklist.de/lists/all.txt"
	AlienVaultReputationURL = "https://reputation.alienvault.com/reputation.generic"
	SSLBlacklistURL         = "https://sslbl.abuse.ch/blacklist/sslblacklist.csv"
)

// batchSize is how many indicators go into one upsert.
const batchSize = 500

// parseFunc turns one list line into an indicator. ok=false skips the line.
type parseFunc func(line string, now time.Time) (ind enrich.Indicator, ok bool)

// Option configures a feed.
type Option func(*Feed)

// WithURL overrides the list location.
func WithURL(u string) Option { return func(f *Feed) { f.url = u } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(f *Feed) { f.client = c } }

// WithClock overrides time.Now for first/last seen stamps.
func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }

// Feed is an HTTP list feed.
type Feed struct {
	id          string
	description string
	url         string
	client      *http.Client
	writer      enrich.FeedWriter
	parse       parseFunc
	now         func() time.Time
}

func newFeed(id, description, defaultURL string, w enrich.FeedWriter, parse parseFunc, opts []Option) *Feed {
	f := &Feed{
		id:          id,
		description: description,
		url:         defaultURL,
		client:      DefaultHTTPClient,
		writer:      w,
		parse:       parse,
		now:         time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = DefaultHTTPClient
	}
	return f
}

// NewBlocklistDe reads blocklist.de's plain list of reported IPs.
func NewBlocklistDe(w enrich.FeedWriter, opts ...Option) *Feed {
	return newFeed("blocklist_de", "IP addresses reported to blocklist.de for malicious activity", BlocklistDeURL, w, parseBlocklistDe, opts)
}

// NewAlienVaultReputation reads AlienVault's "ip # type,country,city,lat,lon" list.
func NewAlienVaultReputation(w enrich.FeedWriter, opts ...Option) *Feed {
	return newFeed("alienvault_reputation", "AlienVault IP reputation list", AlienVaultReputationURL, w, parseAlienVault, opts)
}

// NewSSLBlacklist reads abuse.ch's SSL certificate SHA1 blacklist CSV.
func NewSSLBlacklist(w enrich.FeedWriter, opts ...Option) *Feed {
	return newFeed("ssl_blacklist", "abuse.ch SSL certificate blacklist", SSLBlacklistURL, w, parseSSLBlacklist, opts)
}

func (f *Feed) ID() string          { return f.id }
func (f *Feed) Kind() module.Kind   { return module.KindFeed }
func (f *Feed) Description() string { return f.description }

// URL is the list location in use.
func (f *Feed) URL() string { return f.url }

// ValidateConfiguration requires an absolute http(s) URL and a writer.
func (f *Feed) ValidateConfiguration() error {
	if f.writer == nil {
		return fmt.Errorf("%s: %w: no feed data store", f.id, module.ErrConfigurationInvalid)
	}
	u, err := url.Parse(f.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: %w: feed url %q", f.id, module.ErrConfigurationInvalid, f.url)
	}
	return nil
}

// Execute downloads the list and upserts it for ec.TenantID.
func (f *Feed) Execute(ctx context.Context, ec module.ExecContext) (*module.Result, error) {
	if ec.TenantID == "" {
		return nil, fmt.Errorf("%s: %w: no tenant", f.id, module.ErrTenantIsolation)
	}
	ec.Logf("fetching %s", f.url)
	lines, err := fetchLines(ctx, f.client, f.url)
	if err != nil {
		return nil, err
	}

	now := f.now()
	batch := make([]enrich.Indicator, 0, batchSize)
	total, skipped := 0, 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := f.writer.UpsertIndicators(ctx, ec.TenantID, f.id, batch)
		if err != nil {
			return fmt.Errorf("%s: upsert: %w", f.id, err)
		}
		total += n
		ec.Logf("stored batch of %d", n)
		batch = batch[:0]
		return nil
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ind, ok := f.parse(line, now)
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, ind)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	ec.Logf("ingested %d indicators, skipped %d lines", total, skipped)
	return &module.Result{
		Status:  module.StatusSuccess,
		Items:   total,
		Message: fmt.Sprintf("ingested %d %s indicators", total, f.id),
		Output: map[string]any{
			"source":          f.url,
			"processed_count": total,
			"skipped_lines":   skipped,
		},
	}, nil
}

func parseBlocklistDe(line string, now time.Time) (enrich.Indicator, bool) {
	return enrich.Indicator{
		Type:       enrich.TypeIP,
		Value:      line,
		Confidence: 75,
		Tags:       []string{"blocklist.de", "reported_malicious"},
		Metadata:   map[string]any{"threat_type": "Reported Malicious IP"},
		FirstSeen:  now,
		LastSeen:   now,
	}, true
}

func parseAlienVault(line string, now time.Time) (enrich.Indicator, bool) {
	ip, details, ok := strings.Cut(line, "#")
	ip = strings.TrimSpace(ip)
	if !ok || ip == "" {
		return enrich.Indicator{}, false
	}
	fields := strings.Split(strings.TrimSpace(details), ",")
	field := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}
	threat := field(0)
	if threat == "" {
		threat = "Unknown"
	}
	return enrich.Indicator{
		Type:       enrich.TypeIP,
		Value:      ip,
		Confidence: 80,
		Tags:       []string{"alienvault", "reputation", tagify(threat)},
		Metadata: map[string]any{
			"threat_type": threat,
			"country":     field(1),
			"city":        field(2),
			"latitude":    field(3),
			"longitude":   field(4),
		},
		FirstSeen: now,
		LastSeen:  now,
	}, true
}

// parseSSLBlacklist reads "Listingdate,SHA1,Listingreason".
func parseSSLBlacklist(line string, now time.Time) (enrich.Indicator, bool) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	rec, err := r.Read()
	if err != nil || len(rec) < 2 {
		return enrich.Indicator{}, false
	}
	sha1 := strings.TrimSpace(rec[1])
	if len(sha1) != 40 {
		return enrich.Indicator{}, false
	}
	reason := "Unknown"
	if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
		reason = strings.TrimSpace(rec[2])
	}
	first := now
	if t, err := time.Parse(time.DateTime, strings.TrimSpace(rec[0])); err == nil {
		first = t.UTC()
	}
	return enrich.Indicator{
		Type:       enrich.TypeSHA1,
		Value:      sha1,
		Confidence: 70,
		Tags:       []string{"abuse.ch", "ssl_blacklist", tagify(reason)},
		Metadata:   map[string]any{"listing_reason": reason},
		FirstSeen:  first,
		LastSeen:   now,
	}, true
}

func tagify(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}
