package postgres

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestRequestStats_AttachesStatsAndMethod(t *testing.T) {
	t.Parallel()

	var (
		gotMethod string
		stats     *ReqDBStats
	)
	h := RequestStats(log.Nop(), time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = httpMethodFromContext(r.Context())
		var ok bool
		stats, ok = ReqDBStatsFromContext(r.Context())
		if !ok {
			t.Error("no ReqDBStats on request context")
			return
		}
		stats.AddQuery(2*time.Millisecond, nil)
		stats.AddQuery(3*time.Millisecond, errors.New("boom"))
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	queries, total, errs := stats.Snapshot()
	if queries != 2 || total != 5*time.Millisecond || errs != 1 {
		t.Errorf("stats = %d/%s/%d, want 2/5ms/1", queries, total, errs)
	}
}

func TestRequestStats_NilLogger(t *testing.T) {
	t.Parallel()

	h := RequestStats(nil, 0)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
