// Package api is the HTTP surface: enrichment, feed dispatch, sync status,
// module executions and job tracking. Every handler runs behind authmw and
// scopes data to the caller's tenant.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinelvision/internal/authmw"
	"github.com/linnemanlabs/sentinelvision/internal/dispatch"
	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/jobqueue"
	"github.com/linnemanlabs/sentinelvision/internal/ledger"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

// Enricher is the part of enrich.Pipeline the API needs.
type Enricher interface {
	Enrich(ctx context.Context, req enrich.Request) (*enrich.IOC, error)
	Get(ctx context.Context, tenantID, typ, value string) (*enrich.IOC, bool, error)
	Matches(ctx context.Context, tenantID, iocID string) ([]enrich.FeedMatch, error)
	List(ctx context.Context, tenantID string, status enrich.Status, limit int) ([]*enrich.IOC, error)
}

// Dispatcher is the part of dispatch.Dispatcher the API needs.
type Dispatcher interface {
	RunAll(ctx context.Context, req dispatch.Request) (*dispatch.Report, error)
	CheckStatus(jobIDs map[string]string) *dispatch.StatusReport
	Submit(ctx context.Context, u dispatch.Unit, timeout time.Duration) (string, error)
}

// Jobs is the part of jobqueue.Queue the API needs.
type Jobs interface {
	Submit(ctx context.Context, job jobqueue.Job, p jobqueue.Policy) (string, error)
	Status(id string) (jobqueue.JobStatus, bool)
	Wait(ctx context.Context, id string) (jobqueue.JobStatus, error)
}

// History is the part of ledger.Ledger the API needs.
type History interface {
	Get(ctx context.Context, id string) (*ledger.Record, bool, error)
	History(ctx context.Context, moduleID string, limit int) ([]ledger.Summary, error)
	HistoryForTenant(ctx context.Context, tenantID string, limit int) ([]ledger.Summary, error)
}

// Deps are the API's collaborators. All are required.
type Deps struct {
	Registry   *module.Registry
	Enricher   Enricher
	Dispatcher Dispatcher
	Jobs       Jobs
	History    History
	SyncStates syncstate.Store
	Metrics    module.MetricsStore
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	Deps
	now func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, d Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if d.Registry == nil || d.Enricher == nil || d.Dispatcher == nil || d.Jobs == nil ||
		d.History == nil || d.SyncStates == nil || d.Metrics == nil {
		panic(xerrors.New("api: registry, enricher, dispatcher, jobs, history, sync states and metrics are required"))
	}
	return &API{logger: logger, Deps: d, now: time.Now}
}

// RegisterRoutes attaches API endpoints to the router. The caller mounts
// authmw.BearerToken in front.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/enrich", a.handleEnrich)
			r.Get("/iocs", a.handleListIOCs)
			r.Get("/iocs/{type}/{value}", a.handleGetIOC)
			r.Get("/feeds", a.handleListFeeds)
			r.Get("/feeds/{feedType}", a.handleGetFeed)
			r.Put("/feeds/{feedType}/enabled", a.handleSetFeedEnabled)
			r.Post("/modules/{moduleID}/run", a.handleRunModule)
			r.Get("/executions", a.handleTenantExecutions)
		})
		r.Post("/dispatch", a.handleDispatch)
		r.Post("/dispatch/status", a.handleDispatchStatus)
		r.Get("/modules", a.handleListModules)
		r.Get("/modules/{moduleID}/executions", a.handleModuleExecutions)
		r.Get("/executions/{recordID}", a.handleGetExecution)
		r.Get("/jobs/{jobID}", a.handleGetJob)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the error taxonomy to status codes. Unclassified errors are
// logged and reported as 500 without detail.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, module.ErrTenantIsolation), errors.Is(err, tenant.ErrInactive):
		writeMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, module.ErrModuleNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, enrich.ErrInvalidIndicator):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, module.ErrConfigurationInvalid):
		writeMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeMessage(w, http.StatusGatewayTimeout, "timed out")
	default:
		a.logger.Error(r.Context(), err, msg)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// actor returns the caller, writing 401 if the request was not authenticated.
func actor(w http.ResponseWriter, r *http.Request) (authmw.Actor, bool) {
	act, ok := authmw.ActorFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "unauthenticated")
	}
	return act, ok
}

// tenantScope resolves {tenantID} and checks the caller may use it.
func tenantScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	act, ok := actor(w, r)
	if !ok {
		return "", false
	}
	tenantID := chi.URLParam(r, "tenantID")
	if !act.CanAccess(tenantID) {
		writeMessage(w, http.StatusForbidden, "tenant access denied")
		return "", false
	}
	return tenantID, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
