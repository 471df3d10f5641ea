package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/sentinelvision/internal/dispatch"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

func spanAttr(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestRunner_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t)
	h.reg.MustRegister("good_feed", okFeed(4))
	h.reg.MustRegister("bad_analyzer", &stubModule{kind: module.KindAnalyzer, exec: func(context.Context, module.ExecContext) (*module.Result, error) {
		return nil, errors.New("upstream rejected")
	}})

	ctx := context.Background()
	if _, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "good_feed", TenantID: "T1"}); err != nil {
		t.Fatalf("good run: %v", err)
	}
	if _, err := h.runner.Run(ctx, dispatch.Unit{ModuleID: "bad_analyzer", TenantID: "T2"}); err == nil {
		t.Fatal("bad run: expected error")
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	good, bad := spans[0], spans[1]
	if good.Name != "module.execute" || bad.Name != "module.execute" {
		t.Errorf("span names = %q, %q", good.Name, bad.Name)
	}

	tests := []struct {
		span tracetest.SpanStub
		key  string
		want string
	}{
		{good, "module.id", "good_feed"},
		{good, "module.kind", "feed"},
		{good, "tenant.id", "T1"},
		{good, "module.status", "success"},
		{good, "module.items", "4"},
		{bad, "module.id", "bad_analyzer"},
		{bad, "tenant.id", "T2"},
		{bad, "module.status", "error"},
	}
	for _, tt := range tests {
		got, ok := spanAttr(tt.span.Attributes, tt.key)
		if !ok || got != tt.want {
			t.Errorf("%s %s = %q (present %v), want %q", tt.span.Name, tt.key, got, ok, tt.want)
		}
	}

	if good.Status.Code == codes.Error {
		t.Error("successful run span marked as error")
	}
	if bad.Status.Code != codes.Error {
		t.Errorf("failed run span status = %v, want Error", bad.Status.Code)
	}
	if len(bad.Events) == 0 {
		t.Error("failed run span has no recorded error event")
	}
}
