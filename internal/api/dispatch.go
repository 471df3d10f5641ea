package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sentinelvision/internal/dispatch"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

type dispatchBody struct {
	TenantID       string   `json:"tenant_id,omitempty"`
	FeedTypes      []string `json:"feed_types,omitempty"`
	Concurrent     bool     `json:"concurrent"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// handleDispatch runs feeds. A tenant actor always runs for its own tenant;
// only the superuser may run every tenant at once.
func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	act, ok := actor(w, r)
	if !ok {
		return
	}
	var body dispatchBody
	if !decode(w, r, &body) {
		return
	}
	if !act.Superuser {
		if body.TenantID != "" && body.TenantID != act.TenantID {
			writeMessage(w, http.StatusForbidden, "tenant access denied")
			return
		}
		body.TenantID = act.TenantID
	}
	if body.TimeoutSeconds < 0 {
		writeMessage(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	report, err := a.Dispatcher.RunAll(r.Context(), dispatch.Request{
		TenantID:   body.TenantID,
		FeedTypes:  body.FeedTypes,
		Concurrent: body.Concurrent,
		Timeout:    time.Duration(body.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		a.writeError(w, r, err, "dispatch failed")
		return
	}
	status := http.StatusOK
	if body.Concurrent {
		status = http.StatusAccepted
	}
	writeJSON(w, status, report)
}

type statusBody struct {
	JobIDs map[string]string `json:"task_ids"`
}

func (a *API) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	act, ok := actor(w, r)
	if !ok {
		return
	}
	var body statusBody
	if !decode(w, r, &body) {
		return
	}
	if len(body.JobIDs) == 0 {
		writeMessage(w, http.StatusBadRequest, "task_ids required")
		return
	}
	if !act.Superuser {
		for _, id := range body.JobIDs {
			if js, found := a.Jobs.Status(id); found && !act.CanAccess(js.TenantID) {
				writeMessage(w, http.StatusForbidden, "tenant access denied")
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, a.Dispatcher.CheckStatus(body.JobIDs))
}

type runBody struct {
	Target         *module.Observable `json:"observable,omitempty"`
	Args           map[string]any     `json:"args,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
}

// handleRunModule queues one module execution for the tenant, typically an
// analyzer or responder against an observable. With ?wait=true it blocks
// until the job finishes and returns the outcome.
func (a *API) handleRunModule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var body runBody
	if !decode(w, r, &body) {
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	if _, err := a.Registry.Get(moduleID); err != nil {
		a.writeError(w, r, err, "module lookup failed")
		return
	}

	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	jobID, err := a.Dispatcher.Submit(r.Context(), dispatch.Unit{
		ModuleID: moduleID,
		TenantID: tenantID,
		Target:   body.Target,
		Args:     body.Args,
	}, timeout)
	if err != nil {
		a.writeError(w, r, err, "failed to queue module run")
		return
	}

	if !queryBool(r, "wait") {
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	wait := dispatch.DefaultSequentialTimeout
	if timeout > 0 {
		wait = timeout + time.Minute
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	js, err := a.Jobs.Wait(ctx, jobID)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, js)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	act, ok := actor(w, r)
	if !ok {
		return
	}
	js, found := a.Jobs.Status(chi.URLParam(r, "jobID"))
	if !found || !act.CanAccess(js.TenantID) {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, js)
}
