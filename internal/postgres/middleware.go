package postgres

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Snapshot returns the counters under the lock.
func (s *ReqDBStats) Snapshot() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// RequestStats stashes the HTTP method for query labelling and attaches a
// ReqDBStats to every request. Requests that touched the database get the
// totals on their span, and a warning when their database time passed slow.
func RequestStats(L log.Logger, slow time.Duration) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithHTTPMethod(r.Context(), r.Method)
			ctx = NewReqDBStatsContext(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))

			stats, _ := ReqDBStatsFromContext(ctx)
			queries, total, errs := stats.Snapshot()
			if queries == 0 {
				return
			}
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.Int("db.query_count", queries),
				attribute.Int64("db.total_ms", total.Milliseconds()),
				attribute.Int("db.error_count", errs),
			)
			if slow > 0 && total >= slow {
				L.Warn(ctx, "request spent long in database",
					"method", r.Method,
					"route", routePatternFromContext(ctx),
					"db_queries", queries,
					"db_total", total,
					"db_errors", errs,
				)
			}
		})
	}
}
