// Package responders holds the responder modules, which act on an observable
// outside SentinelVision.
package responders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// WebhookBlockIP posts a block request for an IP to a firewall or SOAR webhook.
type WebhookBlockIP struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// WebhookOption configures WebhookBlockIP.
type WebhookOption func(*WebhookBlockIP)

// WithToken sends a bearer token with each request.
func WithToken(token string) WebhookOption { return func(w *WebhookBlockIP) { w.token = token } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption { return func(w *WebhookBlockIP) { w.client = c } }

// NewWebhookBlockIP creates the responder for endpoint.
func NewWebhookBlockIP(endpoint string, opts ...WebhookOption) *WebhookBlockIP {
	w := &WebhookBlockIP{
		url:    endpoint,
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *WebhookBlockIP) ID() string                { return "webhook_block_ip" }
func (w *WebhookBlockIP) Kind() module.Kind         { return module.KindResponder }
func (w *WebhookBlockIP) Description() string       { return "Asks a webhook to block an IP address" }
func (w *WebhookBlockIP) SupportedTypes() []string { return []string{"ip", "ipv4", "ipv6"} }

func (w *WebhookBlockIP) ValidateConfiguration() error {
	u, err := url.Parse(w.url)
	if w.url == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook_block_ip: %w: webhook url %q", module.ErrConfigurationInvalid, w.url)
	}
	return nil
}

type blockRequest struct {
	Action       string    `json:"action"`
	IP           string    `json:"ip"`
	TenantID     string    `json:"tenant_id"`
	ObservableID string    `json:"observable_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

func (w *WebhookBlockIP) Execute(ctx context.Context, ec module.ExecContext) (*module.Result, error) {
	if ec.TenantID == "" {
		return nil, fmt.Errorf("webhook_block_ip: %w: no tenant", module.ErrTenantIsolation)
	}
	if ec.Target == nil {
		return nil, fmt.Errorf("webhook_block_ip: observable required")
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ec.Target.Value))
	if err != nil {
		return nil, fmt.Errorf("webhook_block_ip: %q is not an IP address: %w", ec.Target.Value, err)
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() {
		return &module.Result{
			Status:  module.StatusSkipped,
			Message: fmt.Sprintf("refusing to block non-public address %s", addr),
		}, nil
	}

	reason, _ := ec.Args["reason"].(string)
	body, err := json.Marshal(blockRequest{
		Action:       "block",
		IP:           addr.String(),
		TenantID:     ec.TenantID,
		ObservableID: ec.Target.ID,
		Reason:       reason,
		RequestedAt:  w.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal block request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	ec.Logf("requesting block of %s", addr)
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, module.Transient(fmt.Errorf("webhook request: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &module.HTTPStatusError{URL: w.url, Code: resp.StatusCode, Body: string(respBody)}
	}

	return &module.Result{
		Status:  module.StatusSuccess,
		Items:   1,
		Message: "block requested for " + addr.String(),
		Output: map[string]any{
			"ip":          addr.String(),
			"http_status": resp.StatusCode,
			"response":    string(respBody),
		},
	}, nil
}
