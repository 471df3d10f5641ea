package responders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/sentinelvision/internal/module"
)

func TestWebhookBlockIP(t *testing.T) {
	t.Parallel()

	var got blockRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	w := NewWebhookBlockIP(srv.URL, WithToken("s3cret"))
	if err := w.ValidateConfiguration(); err != nil {
		t.Fatalf("ValidateConfiguration: %v", err)
	}
	res, err := w.Execute(context.Background(), module.ExecContext{
		TenantID: "T1",
		Target:   &module.Observable{ID: "obs-1", Type: "ip", Value: " 8.8.4.4 "},
		Args:     map[string]any{"reason": "c2 beacon"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK() || res.Items != 1 {
		t.Errorf("result = %+v", res)
	}
	if got.IP != "8.8.4.4" || got.TenantID != "T1" || got.Action != "block" || got.Reason != "c2 beacon" {
		t.Errorf("request = %+v", got)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookBlockIP_Refusals(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer srv.Close()
	w := NewWebhookBlockIP(srv.URL)
	ctx := context.Background()

	res, err := w.Execute(ctx, module.ExecContext{TenantID: "T1", Target: &module.Observable{Type: "ip", Value: "10.0.0.5"}})
	if err != nil || res.Status != module.StatusSkipped {
		t.Errorf("private ip = %+v, %v", res, err)
	}
	if _, err := w.Execute(ctx, module.ExecContext{TenantID: "T1", Target: &module.Observable{Type: "ip", Value: "not-an-ip"}}); err == nil {
		t.Error("expected error for non-ip value")
	}
	if _, err := w.Execute(ctx, module.ExecContext{Target: &module.Observable{Type: "ip", Value: "8.8.8.8"}}); !errors.Is(err, module.ErrTenantIsolation) {
		t.Errorf("no tenant err = %v", err)
	}
	if called {
		t.Error("webhook called for a refused request")
	}
}

func TestWebhookBlockIP_UpstreamFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewWebhookBlockIP(srv.URL).Execute(context.Background(), module.ExecContext{
		TenantID: "T1",
		Target:   &module.Observable{Type: "ip", Value: "8.8.8.8"},
	})
	if !module.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestWebhookBlockIP_Validate(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "not a url", "ftp://x/y", "/relative"} {
		if err := NewWebhookBlockIP(u).ValidateConfiguration(); !errors.Is(err, module.ErrConfigurationInvalid) {
			t.Errorf("url %q err = %v", u, err)
		}
	}
	if !module.Supports(NewWebhookBlockIP("http://x"), "IPv4") || module.Supports(NewWebhookBlockIP("http://x"), "domain") {
		t.Error("supported types wrong")
	}
}
