package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/jobqueue"
)

// enrichJobPolicy retries store hiccups a few times; enrichment itself is idempotent.
var enrichJobPolicy = jobqueue.Policy{
	RateKey:        "enrich",
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        time.Minute,
}

type enrichBody struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
}

// asyncFreshness is how recently an enriched indicator must have been checked
// for an async request to be answered inline.
const asyncFreshness = 24 * time.Hour

// handleEnrich enriches one indicator. With ?async=true a fresh enriched
// indicator is returned as is; anything else is queued and the job id returned.
func (a *API) handleEnrich(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	var body enrichBody
	if !decode(w, r, &body) {
		return
	}
	req := enrich.Request{
		TenantID:    tenantID,
		Type:        body.Type,
		Value:       body.Value,
		Source:      body.Source,
		Description: body.Description,
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sentinel.tenant_id", tenantID),
		attribute.String("sentinel.ioc.type", body.Type),
	)

	if queryBool(r, "async") {
		if _, err := enrich.ParseType(body.Type); err != nil {
			a.writeError(w, r, err, "enrich rejected")
			return
		}
		ioc, found, err := a.Enricher.Get(r.Context(), tenantID, body.Type, body.Value)
		if err != nil {
			a.writeError(w, r, err, "failed to get ioc")
			return
		}
		if found && ioc.Fresh(a.now(), asyncFreshness) {
			span.SetAttributes(attribute.String("sentinel.ioc.status", string(ioc.Status)))
			writeJSON(w, http.StatusOK, ioc)
			return
		}
		id, err := a.Jobs.Submit(r.Context(), jobqueue.Job{
			Name:     "enrich",
			TenantID: tenantID,
			Run: func(ctx context.Context) (any, error) {
				return a.Enricher.Enrich(ctx, req)
			},
		}, enrichJobPolicy)
		if err != nil {
			a.writeError(w, r, err, "failed to queue enrichment")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
		return
	}

	ioc, err := a.Enricher.Enrich(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err, "enrich failed")
		return
	}
	span.SetAttributes(attribute.String("sentinel.ioc.status", string(ioc.Status)))
	writeJSON(w, http.StatusOK, ioc)
}

type iocView struct {
	*enrich.IOC
	Matches []enrich.FeedMatch `json:"matches"`
}

func (a *API) handleGetIOC(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	ioc, found, err := a.Enricher.Get(r.Context(), tenantID, chi.URLParam(r, "type"), chi.URLParam(r, "value"))
	if err != nil {
		a.writeError(w, r, err, "failed to get ioc")
		return
	}
	if !found {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	matches, err := a.Enricher.Matches(r.Context(), tenantID, ioc.ID)
	if err != nil {
		a.writeError(w, r, err, "failed to list matches")
		return
	}
	if matches == nil {
		matches = []enrich.FeedMatch{}
	}
	writeJSON(w, http.StatusOK, iocView{IOC: ioc, Matches: matches})
}

func (a *API) handleListIOCs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(w, r)
	if !ok {
		return
	}
	iocs, err := a.Enricher.List(r.Context(), tenantID, enrich.Status(r.URL.Query().Get("status")), queryLimit(r, 100))
	if err != nil {
		a.writeError(w, r, err, "failed to list iocs")
		return
	}
	if iocs == nil {
		iocs = []*enrich.IOC{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"iocs": iocs})
}
