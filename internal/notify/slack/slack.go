// Package slack posts pipeline events to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinelvision/internal/event"
)

const (
	maxDetailLen = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier publishes events to a Slack webhook. It implements event.Publisher.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	want       func(event.Event) bool
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(n *Notifier) { n.client = c } }

// WithFilter replaces the default event filter.
func WithFilter(f func(event.Event) bool) Option { return func(n *Notifier) { n.want = f } }

// New creates a new Slack notifier. If webhookURL is empty, Publish is a no-op.
func New(webhookURL string, logger log.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	n := &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		want:       Noteworthy,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Noteworthy is the default filter: failed syncs, runs that did not succeed,
// and indicators that just became enriched.
func Noteworthy(e event.Event) bool {
	switch e.Type {
	case event.FeedSyncFailed:
		return true
	case event.ExecutionCompleted:
		return e.To != "success" && e.To != "skipped"
	case event.IOCStatusChanged:
		return e.To == "enriched"
	}
	return false
}

// Publish posts e if the filter selects it. Delivery failures are logged and
// returned; callers treat them as best effort.
func (n *Notifier) Publish(ctx context.Context, e event.Event) error {
	if n.webhookURL == "" || !n.want(e) {
		return nil
	}
	if err := n.send(ctx, buildMessage(e)); err != nil {
		n.logger.Error(ctx, err, "slack notification failed", "event", string(e.Type), "tenant_id", e.TenantID)
		return err
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(e event.Event) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(e),
			{"type": "divider"},
			fieldsBlock(e),
			detailBlock(e),
			contextBlock(e),
		},
	}
}

func headerBlock(e event.Event) map[string]any {
	var title string
	switch e.Type {
	case event.FeedSyncFailed:
		title = "Feed sync failed"
	case event.ExecutionCompleted:
		title = "Module run " + e.To
	case event.IOCStatusChanged:
		title = "Indicator " + e.To
	default:
		title = string(e.Type)
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", statusEmoji(e), title, e.Subject),
		},
	}
}

func fieldsBlock(e event.Event) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Tenant:* %s", e.TenantID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Event:* %s", e.Type)},
	}
	if e.From != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Transition:* %s → %s", e.From, e.To)})
	} else {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", e.To)})
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

// detailBlock renders Detail as sorted key: value lines, skipping empties.
func detailBlock(e event.Event) map[string]any {
	keys := make([]string, 0, len(e.Detail))
	for k, v := range e.Detail {
		if v == nil || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "*%s:* %v\n", k, e.Detail[k])
	}
	text := truncate(buf.String(), maxDetailLen)
	if text == "" {
		text = "_No detail._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func contextBlock(e event.Event) map[string]any {
	ts := e.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("sentinelvision • %s • %s", e.Type, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

var failingStates = []string{"error", "failure", "timeout", "configuration_invalid", "canceled"}

func statusEmoji(e event.Event) string {
	switch {
	case slices.Contains(failingStates, e.To):
		return "\U0001f534" // red circle
	case e.Type == event.IOCStatusChanged && e.To == "enriched":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
