package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sentinelvision/internal/ledger"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
)

type feedView struct {
	*syncstate.State
	Metrics syncstate.Metrics `json:"metrics"`
}

func (a *API) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	st, found, err := a.SyncStates.Get(r.Context(), tenantID, chi.URLParam(r, "feedType"))
	if err != nil {
		a.writeError(w, r, err, "failed to get sync state")
		return
	}
	if !found {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, feedView{State: st, Metrics: st.Metrics()})
}

func (a *API) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	states, err := a.SyncStates.List(r.Context(), tenantID)
	if err != nil {
		a.writeError(w, r, err, "failed to list sync states")
		return
	}
	out := make([]feedView, 0, len(states))
	for _, st := range states {
		out = append(out, feedView{State: st, Metrics: st.Metrics()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out})
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) handleSetFeedEnabled(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var body enabledBody
	if !decode(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeMessage(w, http.StatusBadRequest, "enabled required")
		return
	}
	feedType := chi.URLParam(r, "feedType")
	e, err := a.Registry.Get(feedType)
	if err != nil {
		a.writeError(w, r, err, "module lookup failed")
		return
	}
	if e.Kind() != module.KindFeed || !e.VisibleTo(tenantID) {
		writeMessage(w, http.StatusNotFound, "no such feed for tenant")
		return
	}
	st, err := a.SyncStates.SetEnabled(r.Context(), tenantID, feedType, *body.Enabled, a.now())
	if err != nil {
		a.writeError(w, r, err, "failed to toggle feed")
		return
	}
	a.logger.Info(r.Context(), "feed toggled", "tenant_id", tenantID, "feed_type", feedType, "enabled", *body.Enabled)
	writeJSON(w, http.StatusOK, feedView{State: st, Metrics: st.Metrics()})
}

type moduleView struct {
	ID             string          `json:"id"`
	Kind           module.Kind     `json:"kind"`
	Description    string          `json:"description"`
	Active         bool            `json:"active"`
	SupportedTypes []string        `json:"supported_types,omitempty"`
	Settings       module.Settings `json:"settings"`
	Metrics        *module.Metrics `json:"metrics,omitempty"`
}

// handleListModules lists the modules visible to the caller, with the
// caller's per-tenant metrics. The superuser picks a tenant with ?tenant_id.
func (a *API) handleListModules(w http.ResponseWriter, r *http.Request) {
	act, ok := actor(w, r)
	if !ok {
		return
	}
	tenantID := act.TenantID
	if act.Superuser {
		tenantID = r.URL.Query().Get("tenant_id")
	}

	var out []moduleView
	for _, e := range a.Registry.List() {
		if !act.Superuser && !e.VisibleTo(tenantID) {
			continue
		}
		v := moduleView{
			ID:          e.ID,
			Kind:        e.Kind(),
			Description: e.Module.Description(),
			Active:      e.Active(),
			Settings:    e.Settings,
		}
		if t, ok := e.Module.(module.Targeted); ok {
			v.SupportedTypes = t.SupportedTypes()
		}
		if tenantID != "" {
			m, err := a.Metrics.GetMetrics(r.Context(), e.ID, tenantID)
			if err != nil {
				a.writeError(w, r, err, "failed to get module metrics")
				return
			}
			v.Metrics = m
		}
		out = append(out, v)
	}
	if out == nil {
		out = []moduleView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": out})
}

// handleModuleExecutions returns a module's recent runs. Tenant actors only
// see their own.
func (a *API) handleModuleExecutions(w http.ResponseWriter, r *http.Request) {
	act, ok := actor(w, r)
	if !ok {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	if _, err := a.Registry.Get(moduleID); err != nil {
		a.writeError(w, r, err, "module lookup failed")
		return
	}
	sums, err := a.History.History(r.Context(), moduleID, queryLimit(r, 50))
	if err != nil {
		a.writeError(w, r, err, "failed to list executions")
		return
	}
	out := make([]ledger.Summary, 0, len(sums))
	for _, s := range sums {
		if act.CanAccess(s.TenantID) {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (a *API) handleTenantExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	sums, err := a.History.HistoryForTenant(r.Context(), tenantID, queryLimit(r, 50))
	if err != nil {
		a.writeError(w, r, err, "failed to list executions")
		return
	}
	if sums == nil {
		sums = []ledger.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": sums})
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	act, ok := actor(w, r)
	if !ok {
		return
	}
	rec, found, err := a.History.Get(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		a.writeError(w, r, err, "failed to get execution")
		return
	}
	if !found || !act.CanAccess(rec.TenantID) {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
