// Package ledger is the append-only audit trail of module executions.
// Records are created when a run starts, accumulate progress lines while it
// runs, and are closed exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of an execution record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusTimeout  Status = "timeout"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s closes a record.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusCanceled:
		return true
	}
	return false
}

var (
	ErrAlreadyClosed  = errors.New("execution record already closed")
	ErrRecordNotFound = errors.New("execution record not found")
	ErrInvalidStatus  = errors.New("invalid completion status")
)

// Record is one module run.
type Record struct {
	ID              string         `json:"id"`
	ModuleID        string         `json:"module_id"`
	ModuleKind      string         `json:"module_kind"`
	TenantID        string         `json:"tenant_id"`
	Status          Status         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	ResultCount     int            `json:"result_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Log             string         `json:"log,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
}

// Closed reports whether the record has been completed.
func (r *Record) Closed() bool { return r.Status.Terminal() }

// Completion carries the fields written when a record is closed.
type Completion struct {
	Status       Status
	CompletedAt  time.Time
	Output       map[string]any
	ErrorMessage string
}

// ApplyLog appends one progress line. Closed records reject it.
func (r *Record) ApplyLog(line string) error {
	if r.Closed() {
		return fmt.Errorf("record %s: %w", r.ID, ErrAlreadyClosed)
	}
	if r.Log == "" {
		r.Log = line
	} else {
		r.Log += "\n" + line
	}
	return nil
}

// ApplyCompletion closes the record in place. Stores call it under their own
// lock so the check and the write are atomic.
func (r *Record) ApplyCompletion(c Completion) error {
	if r.Closed() {
		return fmt.Errorf("record %s: %w", r.ID, ErrAlreadyClosed)
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("record %s: %q: %w", r.ID, c.Status, ErrInvalidStatus)
	}
	end := c.CompletedAt
	r.Status = c.Status
	r.CompletedAt = &end
	r.DurationSeconds = end.Sub(r.StartedAt).Seconds()
	r.Output = c.Output
	r.ErrorMessage = c.ErrorMessage
	if c.Status == StatusSuccess {
		r.ResultCount = ResultCount(c.Output)
	}
	return nil
}

// Clone returns a copy safe to hand out of a store. Maps are shared
// because records never mutate them after closing.
func (r *Record) Clone() *Record {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ResultCount derives the item count from an output snapshot: the length of
// "results" if present, otherwise a numeric "items".
func ResultCount(output map[string]any) int {
	if output == nil {
		return 0
	}
	switch v := output["results"].(type) {
	case []any:
		return len(v)
	case []string:
		return len(v)
	case []map[string]any:
		return len(v)
	}
	switch v := output["items"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Summary is the list view of a record.
type Summary struct {
	ID              string     `json:"id"`
	ModuleID        string     `json:"module_id"`
	TenantID        string     `json:"tenant_id"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	ResultCount     int        `json:"result_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Summarize drops the snapshots and log.
func (r *Record) Summarize() Summary {
	return Summary{
		ID:              r.ID,
		ModuleID:        r.ModuleID,
		TenantID:        r.TenantID,
		Status:          r.Status,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		DurationSeconds: r.DurationSeconds,
		ResultCount:     r.ResultCount,
		ErrorMessage:    r.ErrorMessage,
	}
}

// Store persists execution records. AppendLog and Close must reject records
// that are already closed with ErrAlreadyClosed and unknown ids with
// ErrRecordNotFound. List methods return newest first.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, bool, error)
	AppendLog(ctx context.Context, id, line string) error
	Close(ctx context.Context, id string, c Completion) (*Record, error)
	ListByModule(ctx context.Context, moduleID string, limit int) ([]*Record, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Record, error)
	ListOpenBefore(ctx context.Context, cutoff time.Time) ([]*Record, error)
}
