package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the application settings. Log, otel and profiling settings
// live on their own go-core Config structs and are registered alongside.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL    string
	Tenants        string // static "id:name,..." directory; seeds the tenants table when a database is set
	TenantTokens   string // "tenant:token,..."
	SuperuserToken string
	SlowQuery      time.Duration

	Workers              int
	DefaultRatePerMinute int
	DispatchTimeout      time.Duration
	MaxRetries           int
	MaxBackoff           time.Duration

	DueFeedsSchedule  string
	ReconcileSchedule string
	ReenrichSchedule  string
	ReconcileGrace    time.Duration
	ReenrichDays      int
	ReenrichLimit     int

	SlackWebhookURL   string
	ClaudeAPIKey      string
	ClaudeModel       string
	BlockWebhookURL   string
	BlockWebhookToken string

	BlocklistDeURL  string
	AlienVaultURL   string
	SSLBlacklistURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.Tenants, "tenants", "", "static tenants as id:name pairs, comma separated")
	fs.StringVar(&c.TenantTokens, "tenant-tokens", "", "API tokens as tenant:token pairs, comma separated")
	fs.StringVar(&c.SuperuserToken, "superuser-token", "", "API token with access to every tenant")
	fs.DurationVar(&c.SlowQuery, "slow-query", 250*time.Millisecond, "log database queries slower than this")

	fs.IntVar(&c.Workers, "workers", 8, "job queue worker count (1..256)")
	fs.IntVar(&c.DefaultRatePerMinute, "default-rate-per-minute", 60, "default per-module executions per minute")
	fs.DurationVar(&c.DispatchTimeout, "dispatch-timeout", 5*time.Minute, "per-feed timeout for scheduled runs")
	fs.IntVar(&c.MaxRetries, "max-retries", 5, "attempts per module run, including the first (1..20)")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", time.Hour, "upper bound on retry backoff")

	fs.StringVar(&c.DueFeedsSchedule, "due-feeds-schedule", "*/5 * * * *", "cron spec for the due-feed sweep")
	fs.StringVar(&c.ReconcileSchedule, "reconcile-schedule", "*/15 * * * *", "cron spec for closing abandoned execution records")
	fs.StringVar(&c.ReenrichSchedule, "reenrich-schedule", "0 3 * * *", "cron spec for re-enriching stale indicators")
	fs.DurationVar(&c.ReconcileGrace, "reconcile-grace", time.Hour, "age after which an open execution record is abandoned")
	fs.IntVar(&c.ReenrichDays, "reenrich-days", 7, "re-enrich indicators not checked for this many days")
	fs.IntVar(&c.ReenrichLimit, "reenrich-limit", 500, "max indicators re-enriched per tenant per sweep")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude reputation analyzer (empty = analyzer reports invalid configuration)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.BlockWebhookURL, "block-webhook-url", "", "endpoint the block-IP responder posts to")
	fs.StringVar(&c.BlockWebhookToken, "block-webhook-token", "", "bearer token for the block-IP endpoint")

	fs.StringVar(&c.BlocklistDeURL, "feed-blocklist-de-url", "", "override the blocklist.de feed URL")
	fs.StringVar(&c.AlienVaultURL, "feed-alienvault-url", "", "override the AlienVault reputation feed URL")
	fs.StringVar(&c.SSLBlacklistURL, "feed-sslbl-url", "", "override the abuse.ch SSL blacklist feed URL")
}

// TenantTokenList splits TenantTokens into its tenant:token entries.
func (c *Config) TenantTokenList() []string {
	var out []string
	for part := range strings.SplitSeq(c.TenantTokens, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// the in-memory store has no tenants table
	if c.DatabaseURL == "" && strings.TrimSpace(c.Tenants) == "" {
		errs = append(errs, errors.New("TENANTS is required without DATABASE_URL"))
	}

	if c.SuperuserToken == "" && len(c.TenantTokenList()) == 0 {
		errs = append(errs, errors.New("at least one of TENANT_TOKENS or SUPERUSER_TOKEN is required"))
	}
	for _, entry := range c.TenantTokenList() {
		tid, tok, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(tid) == "" || strings.TrimSpace(tok) == "" {
			errs = append(errs, fmt.Errorf("invalid TENANT_TOKENS entry %q (want tenant:token)", redact(entry)))
		}
	}

	if c.Workers <= 0 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.DefaultRatePerMinute <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEFAULT_RATE_PER_MINUTE %d (must be positive)", c.DefaultRatePerMinute))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEOUT %s (must be positive)", c.DispatchTimeout))
	}
	if c.MaxRetries <= 0 || c.MaxRetries > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_RETRIES %d (must be 1..20)", c.MaxRetries))
	}
	if c.MaxBackoff <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_BACKOFF %s (must be positive)", c.MaxBackoff))
	}

	for name, spec := range map[string]string{
		"DUE_FEEDS_SCHEDULE": c.DueFeedsSchedule,
		"RECONCILE_SCHEDULE": c.ReconcileSchedule,
		"REENRICH_SCHEDULE":  c.ReenrichSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, spec, err))
		}
	}
	if c.ReconcileGrace <= 0 {
		errs = append(errs, fmt.Errorf("invalid RECONCILE_GRACE %s (must be positive)", c.ReconcileGrace))
	}
	if c.ReenrichDays <= 0 {
		errs = append(errs, fmt.Errorf("invalid REENRICH_DAYS %d (must be positive)", c.ReenrichDays))
	}
	if c.ReenrichLimit <= 0 {
		errs = append(errs, fmt.Errorf("invalid REENRICH_LIMIT %d (must be positive)", c.ReenrichLimit))
	}

	for name, raw := range map[string]string{
		"SLACK_WEBHOOK_URL":     c.SlackWebhookURL,
		"BLOCK_WEBHOOK_URL":     c.BlockWebhookURL,
		"FEED_BLOCKLIST_DE_URL": c.BlocklistDeURL,
		"FEED_ALIENVAULT_URL":   c.AlienVaultURL,
		"FEED_SSLBL_URL":        c.SSLBlacklistURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s (must be an http(s) URL)", name))
		}
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required with CLAUDE_API_KEY"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// redact hides the token half of an entry.
func redact(entry string) string {
	tid, _, _ := strings.Cut(entry, ":")
	return tid + ":***"
}
