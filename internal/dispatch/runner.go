// Package dispatch runs modules for tenants: the Runner wraps a single
// execution with validation, single-flight, ledger, metrics and sync-state
// bookkeeping; the Dispatcher fans feed runs out over the job queue; the
// Scheduler triggers both on cron schedules.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinelvision/internal/event"
	"github.com/linnemanlabs/sentinelvision/internal/ledger"
	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinelvision/internal/dispatch")

// Unit is one (module, tenant) execution request.
type Unit struct {
	ModuleID string             `json:"module_id"`
	TenantID string             `json:"tenant_id"`
	Target   *module.Observable `json:"target,omitempty"`
	Args     map[string]any     `json:"args,omitempty"`
}

// Outcome is what one Run produced.
type Outcome struct {
	ModuleID string         `json:"module_id"`
	TenantID string         `json:"tenant_id"`
	Status   module.Status  `json:"status"`
	RecordID string         `json:"record_id,omitempty"`
	Items    int            `json:"items"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}

// RunHooks observe executions. Nil fields are skipped.
type RunHooks struct {
	OnExecution func(moduleID string, status module.Status, duration time.Duration)
	OnSkip      func(moduleID, reason string)

	// OnSyncStateError fires when a terminal sync-state write is given up on.
	OnSyncStateError func(moduleID string)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l log.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p event.Publisher) RunnerOption { return func(r *Runner) { r.publisher = p } }

// WithRunHooks sets metric hooks.
func WithRunHooks(h RunHooks) RunnerOption { return func(r *Runner) { r.hooks = h } }

// WithRunnerClock overrides time.Now.
func WithRunnerClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

// Runner executes one unit of module work with all of its bookkeeping.
type Runner struct {
	registry  *module.Registry
	ledger    *ledger.Ledger
	metrics   module.MetricsStore
	syncs     syncstate.Store
	publisher event.Publisher
	logger    log.Logger
	hooks     RunHooks
	now       func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(reg *module.Registry, l *ledger.Ledger, metrics module.MetricsStore, syncs syncstate.Store, opts ...RunnerOption) *Runner {
	if reg == nil || l == nil || metrics == nil || syncs == nil {
		panic(xerrors.New("dispatch.NewRunner: registry, ledger, metrics and sync store are required"))
	}
	r := &Runner{
		registry:  reg,
		ledger:    l,
		metrics:   metrics,
		syncs:     syncs,
		publisher: event.Nop(),
		logger:    log.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = log.Nop()
	}
	if r.publisher == nil {
		r.publisher = event.Nop()
	}
	return r
}

// Run executes u. The returned Outcome is always non-nil. The error is nil
// for successful and skipped runs; transient failures come back marked with
// module.ErrTransient so the job queue retries them.
//
// Order: lookup, activation and scope, target type, validation, single-flight
// (feeds), ledger start, execute, ledger close, metrics, sync state, publish.
func (r *Runner) Run(ctx context.Context, u Unit) (*Outcome, error) {
	out := &Outcome{ModuleID: u.ModuleID, TenantID: u.TenantID}

	entry, err := r.registry.Get(u.ModuleID)
	if err != nil {
		out.Status = module.StatusError
		out.Error = err.Error()
		return out, err
	}
	if !entry.Active() {
		return r.skip(ctx, out, "inactive", "module inactive"), nil
	}
	if u.TenantID == "" || !entry.VisibleTo(u.TenantID) {
		err := fmt.Errorf("module %s for tenant %q: %w", u.ModuleID, u.TenantID, module.ErrTenantIsolation)
		out.Status = module.StatusError
		out.Error = err.Error()
		return out, err
	}
	m := entry.Module
	if u.Target != nil && !module.Supports(m, u.Target.Type) {
		return r.skip(ctx, out, "unsupported_type", fmt.Sprintf("observable type %q not supported", u.Target.Type)), nil
	}
	if err := m.ValidateConfiguration(); err != nil {
		out.Status = module.StatusConfigurationInvalid
		out.Error = err.Error()
		r.logger.Warn(ctx, "module configuration invalid", "module_id", u.ModuleID, "tenant_id", u.TenantID, "error", err)
		if r.hooks.OnExecution != nil {
			r.hooks.OnExecution(u.ModuleID, out.Status, 0)
		}
		if !errors.Is(err, module.ErrConfigurationInvalid) {
			err = fmt.Errorf("%w: %w", module.ErrConfigurationInvalid, err)
		}
		return out, err
	}

	isFeed := m.Kind() == module.KindFeed
	var st *syncstate.State
	if isFeed {
		st, err = r.syncs.TryStart(ctx, u.TenantID, u.ModuleID, entry.Settings.SyncIntervalHours, r.now())
		switch {
		case errors.Is(err, syncstate.ErrAlreadySyncing):
			return r.skip(ctx, out, "already_syncing", "already syncing"), nil
		case errors.Is(err, syncstate.ErrDisabled):
			return r.skip(ctx, out, "disabled", "feed disabled for tenant"), nil
		case err != nil:
			out.Status = module.StatusError
			out.Error = err.Error()
			return out, module.Transient(fmt.Errorf("start sync %s/%s: %w", u.TenantID, u.ModuleID, err))
		}
	}

	return r.execute(ctx, entry, u, st, out)
}

func (r *Runner) execute(ctx context.Context, entry *module.Entry, u Unit, st *syncstate.State, out *Outcome) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "module.execute", trace.WithAttributes(
		attribute.String("module.id", u.ModuleID),
		attribute.String("module.kind", string(entry.Kind())),
		attribute.String("tenant.id", u.TenantID),
	))
	defer span.End()

	// bookkeeping must land even when ctx has expired
	bg := context.WithoutCancel(ctx)
	L := r.logger.With("module_id", u.ModuleID, "tenant_id", u.TenantID)

	input := maps.Clone(u.Args)
	if input == nil {
		input = map[string]any{}
	}
	if u.Target != nil {
		input["target"] = u.Target
	}

	recordID, err := r.ledger.Start(bg, u.ModuleID, string(entry.Kind()), u.TenantID, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.Status = module.StatusError
		out.Error = err.Error()
		r.abandonSync(bg, L, st, err)
		return out, module.Transient(fmt.Errorf("ledger start: %w", err))
	}
	out.RecordID = recordID
	L = L.With("record_id", recordID)

	start := r.now()
	res, execErr := entry.Module.Execute(ctx, module.ExecContext{
		TenantID: u.TenantID,
		Target:   u.Target,
		Args:     u.Args,
		Log: func(line string) {
			if err := r.ledger.AppendLog(bg, recordID, line); err != nil {
				L.Warn(bg, "append execution log failed", "error", err)
			}
		},
	})
	elapsed := r.now().Sub(start)

	status, errText := classify(ctx, res, execErr)
	out.Status = status
	out.Error = errText
	var output map[string]any
	if res != nil {
		out.Items = res.Items
		out.Message = res.Message
		out.Output = res.Output
		output = maps.Clone(res.Output)
	}
	if output == nil {
		output = map[string]any{}
	}
	output["items"] = out.Items

	if _, err := r.ledger.Complete(bg, recordID, ledgerStatus(status), output, errText); err != nil {
		L.Error(bg, err, "failed to close execution record")
	}

	// a module that declined the work did not fail
	success := status == module.StatusSuccess || status == module.StatusSkipped
	if _, err := r.metrics.RecordRun(bg, u.ModuleID, u.TenantID, success, errText, r.now()); err != nil {
		L.Error(bg, err, "failed to record module metrics")
	}

	if st != nil {
		r.finishSync(bg, L, st, success, out.Items, errText)
	}

	if r.hooks.OnExecution != nil {
		r.hooks.OnExecution(u.ModuleID, status, elapsed)
	}
	span.SetAttributes(attribute.String("module.status", string(status)), attribute.Int("module.items", out.Items))

	r.publish(bg, event.Event{
		Type:     event.ExecutionCompleted,
		TenantID: u.TenantID,
		Subject:  u.ModuleID,
		To:       string(status),
		At:       r.now(),
		Detail: map[string]any{
			"record_id": recordID,
			"items":     out.Items,
			"error":     errText,
		},
	})
	if st != nil && !success {
		r.publish(bg, event.Event{
			Type:     event.FeedSyncFailed,
			TenantID: u.TenantID,
			Subject:  u.ModuleID,
			From:     string(syncstate.StatusSyncing),
			To:       string(syncstate.StatusFailure),
			At:       r.now(),
			Detail:   map[string]any{"error": errText, "record_id": recordID},
		})
	}

	if success {
		L.Info(ctx, "module run succeeded", "items", out.Items, "duration", elapsed)
		return out, nil
	}

	runErr := execErr
	if runErr == nil {
		runErr = errors.New(errText)
	}
	span.RecordError(runErr)
	span.SetStatus(codes.Error, errText)
	L.Warn(bg, "module run failed", "status", status, "error", errText)

	if status == module.StatusTimeout {
		runErr = fmt.Errorf("%w: %w", module.ErrTimeout, runErr)
	}
	if module.IsTransient(runErr) {
		return out, module.Transient(runErr)
	}
	return out, runErr
}

// classify maps an execution result to a status and error text.
func classify(ctx context.Context, res *module.Result, err error) (module.Status, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg := "execution timed out"
		if err != nil {
			msg = err.Error()
		}
		return module.StatusTimeout, msg
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		msg := "execution canceled"
		if err != nil {
			msg = err.Error()
		}
		return module.StatusCanceled, msg
	case err != nil:
		return module.StatusError, err.Error()
	case res == nil:
		return module.StatusError, "module returned no result"
	case res.OK():
		return module.StatusSuccess, ""
	case res.Status == module.StatusSkipped:
		return module.StatusSkipped, ""
	}
	msg := res.Error
	if msg == "" {
		msg = res.Message
	}
	if msg == "" {
		msg = "module reported " + string(res.Status)
	}
	return module.StatusError, msg
}

func ledgerStatus(s module.Status) ledger.Status {
	switch s {
	case module.StatusSuccess, module.StatusSkipped:
		return ledger.StatusSuccess
	case module.StatusTimeout:
		return ledger.StatusTimeout
	case module.StatusCanceled:
		return ledger.StatusCanceled
	}
	return ledger.StatusError
}

// finishRetries bounds how often a failed sync-state write is retried before
// the row is left for the reconciliation sweep.
const finishRetries = 3

func (r *Runner) finishSync(ctx context.Context, L log.Logger, st *syncstate.State, success bool, items int, errText string) {
	now := r.now()
	var err error
	if success {
		err = st.MarkSuccess(items, now)
	} else {
		err = st.MarkFailure(errText, now)
	}
	if err != nil {
		L.Error(ctx, err, "failed to update feed sync state")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		err := r.syncs.Finish(ctx, st)
		if errors.Is(err, syncstate.ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, finishRetries), ctx))
	if err != nil {
		L.Error(ctx, err, "failed to update feed sync state; left for reconciliation",
			"attempts", attempt, "sync_status", st.Status)
		if r.hooks.OnSyncStateError != nil {
			r.hooks.OnSyncStateError(st.FeedType)
		}
	}
}

// abandonSync releases a sync that never reached Execute.
func (r *Runner) abandonSync(ctx context.Context, L log.Logger, st *syncstate.State, cause error) {
	if st == nil {
		return
	}
	r.finishSync(ctx, L, st, false, 0, cause.Error())
}

func (r *Runner) skip(ctx context.Context, out *Outcome, reason, msg string) *Outcome {
	out.Status = module.StatusSkipped
	out.Message = msg
	if r.hooks.OnSkip != nil {
		r.hooks.OnSkip(out.ModuleID, reason)
	}
	r.logger.Info(ctx, "module run skipped", "module_id", out.ModuleID, "tenant_id", out.TenantID, "reason", msg)
	return out
}

func (r *Runner) publish(ctx context.Context, e event.Event) {
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn(ctx, "event publish failed", "event", e.Type, "subject", e.Subject, "error", err)
	}
}
