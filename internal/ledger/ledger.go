package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
)

// DefaultHistoryLimit caps history queries that pass no limit.
const DefaultHistoryLimit = 50

// Ledger writes execution records through a Store.
type Ledger struct {
	store  Store
	logger log.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates a Ledger.
func New(store Store, logger log.Logger, opts ...Option) *Ledger {
	if store == nil {
		panic(xerrors.New("ledger.New: nil store"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	l := &Ledger{store: store, logger: logger, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start opens a Running record and returns its id.
func (l *Ledger) Start(ctx context.Context, moduleID, kind, tenantID string, input map[string]any) (string, error) {
	r := &Record{
		ID:         ulid.Make().String(),
		ModuleID:   moduleID,
		ModuleKind: kind,
		TenantID:   tenantID,
		Status:     StatusRunning,
		StartedAt:  l.now(),
		Input:      input,
	}
	if err := l.store.Create(ctx, r); err != nil {
		return "", err
	}
	l.logger.Info(ctx, "execution started",
		"record_id", r.ID,
		"module_id", moduleID,
		"tenant_id", tenantID,
	)
	return r.ID, nil
}

// AppendLog adds one progress line to an open record.
func (l *Ledger) AppendLog(ctx context.Context, id, line string) error {
	return l.store.AppendLog(ctx, id, line)
}

// Complete closes a record exactly once. A second call fails with
// ErrAlreadyClosed and leaves the first completion untouched.
func (l *Ledger) Complete(ctx context.Context, id string, status Status, output map[string]any, errMsg string) (*Record, error) {
	r, err := l.store.Close(ctx, id, Completion{
		Status:       status,
		CompletedAt:  l.now(),
		Output:       output,
		ErrorMessage: errMsg,
	})
	if err != nil {
		return nil, err
	}

	kv := []any{
		"record_id", r.ID,
		"module_id", r.ModuleID,
		"tenant_id", r.TenantID,
		"status", r.Status,
		"duration_seconds", r.DurationSeconds,
		"result_count", r.ResultCount,
	}
	if r.Status == StatusSuccess {
		l.logger.Info(ctx, "execution completed", kv...)
	} else {
		l.logger.Warn(ctx, "execution completed", append(kv, "error", r.ErrorMessage)...)
	}
	return r, nil
}

// Get returns the full record.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, bool, error) {
	return l.store.Get(ctx, id)
}

// History returns newest-first summaries for one module.
func (l *Ledger) History(ctx context.Context, moduleID string, limit int) ([]Summary, error) {
	recs, err := l.store.ListByModule(ctx, moduleID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return summarize(recs), nil
}

// HistoryForTenant returns newest-first summaries for one tenant.
func (l *Ledger) HistoryForTenant(ctx context.Context, tenantID string, limit int) ([]Summary, error) {
	recs, err := l.store.ListByTenant(ctx, tenantID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return summarize(recs), nil
}

// ReconcileStale closes every record still open after grace as Timeout and
// returns how many it closed. Records closed concurrently by their owner are
// skipped.
func (l *Ledger) ReconcileStale(ctx context.Context, grace time.Duration) (int, error) {
	now := l.now()
	stale, err := l.store.ListOpenBefore(ctx, now.Add(-grace))
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, r := range stale {
		_, err := l.store.Close(ctx, r.ID, Completion{
			Status:       StatusTimeout,
			CompletedAt:  now,
			ErrorMessage: "execution exceeded grace period without completing",
		})
		if errors.Is(err, ErrAlreadyClosed) {
			continue
		}
		if err != nil {
			l.logger.Error(ctx, err, "failed to close stale execution record", "record_id", r.ID)
			continue
		}
		closed++
	}
	if closed > 0 {
		l.logger.Warn(ctx, "closed stale execution records", "count", closed, "grace", grace)
	}
	return closed, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultHistoryLimit
	}
	return limit
}

func summarize(recs []*Record) []Summary {
	out := make([]Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Summarize())
	}
	return out
}
