package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type ctxKey string

const (
	ctxKeyQuery      ctxKey = "pgx.query"
	ctxKeyHTTPMethod ctxKey = "http.method"
)

type dbStatsKey struct{}

type queryObserverHolder struct{ QueryObserver }

// queryInfo is stashed by TraceQueryStart for TraceQueryEnd.
type queryInfo struct {
	sql     string
	start   time.Time
	caller  string
	handler string
}

// ReqDBStats accumulates per-request database query statistics.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the global query observer.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return v
	}
	return ""
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// metricLabels returns method and route for the observer. Queries issued by
// the scheduler and job queue carry no request and are labelled "background".
func metricLabels(ctx context.Context) (method, route string) {
	method = httpMethodFromContext(ctx)
	route = routePatternFromContext(ctx)
	if method == "" && route == "" {
		return "NONE", "background"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	return method, route
}

// queryTracer wraps another pgx.QueryTracer (otelpgx), feeds the query
// observer and logs failed or slow queries.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

func wrapQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return queryTracer{inner: inner, slow: slow}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{sql: data.SQL, start: time.Now()}
	info.caller, info.handler = findDBCallerAndHandler()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, info)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 2)
		if info.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", info.caller))
		}
		if info.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", info.handler))
		}
		span.SetAttributes(attrs...)
	}
	return ctx
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so its span ends with the query
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if info == nil {
		return
	}
	dur := time.Since(info.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	if obs := getQueryObserver(); obs != nil {
		method, route := metricLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if data.Err == nil && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", compactSQL(info.sql),
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if parts := strings.Fields(tag); len(parts) > 0 {
			fields = append(fields, "db.operation.name", strings.ToUpper(parts[0]))
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if info.handler != "" {
		fields = append(fields, "db.handler", info.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Warn(ctx, "slow db query", fields...)
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store method actually issuing the query
//   - handler: the first frame outside the store (ledger, dispatch, api)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		switch {
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case strings.Contains(fn, "/internal/store/pgstore."):
		default:
			return caller, shortenFuncName(fn)
		}

		if !more {
			return caller, handler
		}
	}
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
