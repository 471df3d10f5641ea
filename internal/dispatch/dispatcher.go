package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinelvision/internal/jobqueue"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

// Report and entry statuses beyond module.Status.
const (
	ReportComplete  = "complete"
	ReportScheduled = "scheduled"
	ReportPartial   = "partial"

	EntryScheduled module.Status = "scheduled"
	EntryPending   module.Status = "pending"
)

// DefaultSequentialTimeout bounds each wait in sequential mode.
const DefaultSequentialTimeout = 5 * time.Minute

// Request selects which feeds to run and how.
type Request struct {
	// TenantID limits the run to one tenant. Empty runs every active tenant.
	TenantID string `json:"tenant_id,omitempty"`

	// FeedTypes filters by module id. Empty means every active feed.
	FeedTypes []string `json:"feed_types,omitempty"`

	// Concurrent submits everything and returns job ids without waiting.
	Concurrent bool `json:"concurrent"`

	// Timeout bounds each feed in sequential mode, and each attempt in both modes.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Entry is the per (feed, tenant) line of a Report.
type Entry struct {
	ModuleID string        `json:"feed_id"`
	TenantID string        `json:"tenant_id"`
	Status   module.Status `json:"status"`
	JobID    string        `json:"task_id,omitempty"`
	RecordID string        `json:"record_id,omitempty"`
	Items    int           `json:"items,omitempty"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Report summarizes one RunAll call.
type Report struct {
	Status      string            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Processed   int               `json:"feeds_processed"`
	Successful  int               `json:"successful"`
	Failed      int               `json:"failed"`
	JobIDs      map[string]string `json:"task_ids,omitempty"`
	Entries     []Entry           `json:"results"`
}

// StatusReport is the aggregate view CheckStatus returns.
type StatusReport struct {
	Status     string  `json:"status"`
	Total      int     `json:"total"`
	Complete   int     `json:"complete"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Pending    int     `json:"pending"`
	Entries    []Entry `json:"results"`
}

// DispatchHooks observe batch dispatches. Nil fields are skipped.
type DispatchHooks struct {
	OnBatch func(mode string, successful, failed int)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatchHooks sets metric hooks.
func WithDispatchHooks(h DispatchHooks) DispatcherOption {
	return func(d *Dispatcher) { d.hooks = h }
}

// WithBackoff overrides the retry backoff window used for module jobs.
func WithBackoff(initial, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.initialBackoff = initial
		d.maxBackoff = max
	}
}

// Dispatcher submits module runs onto the job queue.
type Dispatcher struct {
	registry *module.Registry
	runner   *Runner
	queue    *jobqueue.Queue
	tenants  tenant.Directory
	logger   log.Logger
	hooks    DispatchHooks

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(reg *module.Registry, runner *Runner, q *jobqueue.Queue, tenants tenant.Directory, opts ...DispatcherOption) *Dispatcher {
	if reg == nil || runner == nil || q == nil || tenants == nil {
		panic(xerrors.New("dispatch.NewDispatcher: registry, runner, queue and tenant directory are required"))
	}
	d := &Dispatcher{
		registry: reg,
		runner:   runner,
		queue:    q,
		tenants:  tenants,
		logger:   log.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = log.Nop()
	}
	return d
}

// Submit queues one unit under its module's rate limit and retry policy and
// returns the job id.
func (d *Dispatcher) Submit(ctx context.Context, u Unit, timeout time.Duration) (string, error) {
	e, err := d.registry.Get(u.ModuleID)
	if err != nil {
		return "", err
	}
	return d.submit(ctx, u, d.policy(e, timeout))
}

func (d *Dispatcher) submit(ctx context.Context, u Unit, p jobqueue.Policy) (string, error) {
	return d.queue.Submit(ctx, jobqueue.Job{
		Name:     u.ModuleID,
		TenantID: u.TenantID,
		Run: func(ctx context.Context) (any, error) {
			return d.runner.Run(ctx, u)
		},
	}, p)
}

func (d *Dispatcher) policy(e *module.Entry, timeout time.Duration) jobqueue.Policy {
	return jobqueue.Policy{
		RateKey:        e.ID,
		RatePerMinute:  e.Settings.RateLimitPerMinute,
		MaxAttempts:    e.Settings.MaxAttempts,
		InitialBackoff: d.initialBackoff,
		MaxBackoff:     d.maxBackoff,
		Timeout:        timeout,
	}
}

// JobKey is the key a (module, tenant) pair gets in Report.JobIDs. A run for a
// single tenant keys by module id alone.
func JobKey(moduleID, tenantID string, singleTenant bool) string {
	if singleTenant {
		return moduleID
	}
	return moduleID + "/" + tenantID
}

type target struct {
	moduleID string
	tenantID string
	err      error
}

// RunAll dispatches feeds for one or all tenants. A failing feed never aborts
// the batch; it is reported in its entry.
func (d *Dispatcher) RunAll(ctx context.Context, req Request) (*Report, error) {
	tenants, err := d.resolveTenants(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	targets := d.plan(req.FeedTypes, tenants)
	single := req.TenantID != ""
	rep := &Report{
		StartedAt: time.Now(),
		Entries:   make([]Entry, 0, len(targets)),
	}

	if req.Concurrent {
		rep.Status = ReportScheduled
		rep.JobIDs = make(map[string]string, len(targets))
		for _, t := range targets {
			ent := Entry{ModuleID: t.moduleID, TenantID: t.tenantID}
			if t.err != nil {
				ent.Status = module.StatusError
				ent.Error = t.err.Error()
				rep.Failed++
				rep.Entries = append(rep.Entries, ent)
				continue
			}
			id, err := d.Submit(ctx, Unit{ModuleID: t.moduleID, TenantID: t.tenantID}, req.Timeout)
			if err != nil {
				ent.Status = module.StatusError
				ent.Error = err.Error()
				rep.Failed++
			} else {
				ent.Status = EntryScheduled
				ent.JobID = id
				rep.JobIDs[JobKey(t.moduleID, t.tenantID, single)] = id
			}
			rep.Entries = append(rep.Entries, ent)
		}
		rep.Processed = len(rep.JobIDs)
		d.logger.Info(ctx, "feeds scheduled", "tenant_id", req.TenantID, "scheduled", rep.Processed, "failed", rep.Failed)
		if d.hooks.OnBatch != nil {
			d.hooks.OnBatch("concurrent", 0, rep.Failed)
		}
		return rep, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultSequentialTimeout
	}
	for _, t := range targets {
		ent := d.runSequential(ctx, t, timeout)
		switch {
		case ent.Status == module.StatusSuccess:
			rep.Successful++
		case failed(ent.Status):
			rep.Failed++
		}
		rep.Entries = append(rep.Entries, ent)
		if ctx.Err() != nil {
			break
		}
	}
	done := time.Now()
	rep.Status = ReportComplete
	rep.CompletedAt = &done
	rep.Processed = len(rep.Entries)
	d.logger.Info(ctx, "feeds processed",
		"tenant_id", req.TenantID,
		"processed", rep.Processed,
		"successful", rep.Successful,
		"failed", rep.Failed,
		"duration", done.Sub(rep.StartedAt),
	)
	if d.hooks.OnBatch != nil {
		d.hooks.OnBatch("sequential", rep.Successful, rep.Failed)
	}
	return rep, nil
}

func (d *Dispatcher) runSequential(ctx context.Context, t target, timeout time.Duration) Entry {
	ent := Entry{ModuleID: t.moduleID, TenantID: t.tenantID}
	if t.err != nil {
		ent.Status = module.StatusError
		ent.Error = t.err.Error()
		return ent
	}
	e, err := d.registry.Get(t.moduleID)
	if err != nil {
		ent.Status = module.StatusError
		ent.Error = err.Error()
		return ent
	}
	// the job may not outlive the wait: no retry starts after the deadline
	deadline := time.Now().Add(timeout)
	p := d.policy(e, timeout)
	p.Deadline = deadline
	id, err := d.submit(ctx, Unit{ModuleID: t.moduleID, TenantID: t.tenantID}, p)
	if err != nil {
		ent.Status = module.StatusError
		ent.Error = err.Error()
		return ent
	}
	ent.JobID = id

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	js, err := d.queue.Wait(waitCtx, id)
	if err != nil {
		ent.Status = module.StatusTimeout
		ent.Error = fmt.Sprintf("no result within %s", timeout)
		if errors.Is(err, context.Canceled) {
			ent.Status = module.StatusCanceled
			ent.Error = err.Error()
		}
		return ent
	}
	return entryFromJob(ent, js)
}

func entryFromJob(ent Entry, js jobqueue.JobStatus) Entry {
	ent.JobID = js.ID
	if out, ok := js.Result.(*Outcome); ok && out != nil {
		ent.Status = out.Status
		ent.RecordID = out.RecordID
		ent.Items = out.Items
		ent.Message = out.Message
		ent.Error = out.Error
		return ent
	}
	switch js.Status {
	case jobqueue.StatusSucceeded:
		ent.Status = module.StatusSuccess
	case jobqueue.StatusFailed:
		ent.Status = module.StatusError
		ent.Error = js.Error
	default:
		ent.Status = EntryPending
	}
	return ent
}

func failed(s module.Status) bool {
	switch s {
	case module.StatusError, module.StatusConfigurationInvalid, module.StatusTimeout, module.StatusCanceled:
		return true
	}
	return false
}

// CheckStatus aggregates the jobs RunAll scheduled. jobIDs maps the report
// key to the job id.
func (d *Dispatcher) CheckStatus(jobIDs map[string]string) *StatusReport {
	keys := make([]string, 0, len(jobIDs))
	for k := range jobIDs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rep := &StatusReport{Total: len(keys), Entries: make([]Entry, 0, len(keys))}
	for _, k := range keys {
		ent := Entry{ModuleID: k, JobID: jobIDs[k]}
		js, ok := d.queue.Status(jobIDs[k])
		switch {
		case !ok:
			ent.Status = module.StatusError
			ent.Error = jobqueue.ErrJobNotFound.Error()
		case !js.Status.Done():
			ent.TenantID = js.TenantID
			ent.Status = EntryPending
		default:
			ent = entryFromJob(ent, js)
			ent.TenantID = js.TenantID
		}
		// keep the caller's key as the feed identifier
		ent.ModuleID = k

		switch {
		case ent.Status == EntryPending:
			rep.Pending++
		case ent.Status == module.StatusSuccess:
			rep.Complete++
			rep.Successful++
		case failed(ent.Status):
			rep.Complete++
			rep.Failed++
		default:
			rep.Complete++
		}
		rep.Entries = append(rep.Entries, ent)
	}
	rep.Status = ReportComplete
	if rep.Pending > 0 {
		rep.Status = ReportPartial
	}
	return rep
}

func (d *Dispatcher) resolveTenants(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID != "" {
		if _, err := tenant.Require(ctx, d.tenants, tenantID); err != nil {
			return nil, err
		}
		return []string{tenantID}, nil
	}
	ts, err := d.tenants.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// plan expands the feed filter against the catalog, in filter order. Unknown
// or non-feed ids become error targets so they show up in the report.
func (d *Dispatcher) plan(feedTypes []string, tenants []string) []target {
	var out []target
	expand := func(e *module.Entry) {
		for _, tid := range tenants {
			if e.VisibleTo(tid) {
				out = append(out, target{moduleID: e.ID, tenantID: tid})
			}
		}
	}

	if len(feedTypes) == 0 {
		for _, e := range d.registry.ListKind(module.KindFeed) {
			if e.Active() {
				expand(e)
			}
		}
		return out
	}

	for _, id := range feedTypes {
		e, err := d.registry.Get(id)
		if err == nil && e.Kind() != module.KindFeed {
			err = fmt.Errorf("%q is a %s, not a feed", id, e.Kind())
		}
		if err != nil {
			for _, tid := range tenants {
				out = append(out, target{moduleID: id, tenantID: tid, err: err})
			}
			continue
		}
		expand(e)
	}
	return out
}
