package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinelvision/internal/ledger"
)

// Ledger implements ledger.Store.
type Ledger struct {
	pool *pgxpool.Pool
}

const recordColumns = `id, module_id, module_kind, tenant_id, status, started_at, completed_at,
	duration_s, result_count, error_message, log, input, output`

func scanRecord(row pgx.Row) (*ledger.Record, error) {
	var (
		r             ledger.Record
		status        string
		input, output []byte
	)
	err := row.Scan(&r.ID, &r.ModuleID, &r.ModuleKind, &r.TenantID, &status, &r.StartedAt, &r.CompletedAt,
		&r.DurationSeconds, &r.ResultCount, &r.ErrorMessage, &r.Log, &input, &output)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution record: %w", err)
	}
	r.Status = ledger.Status(status)
	if r.Input, err = unmarshalMap(input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if r.Output, err = unmarshalMap(output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return &r, nil
}

// Create stores a new record.
func (s *Ledger) Create(ctx context.Context, r *ledger.Record) error {
	ctx, span := startSpan(ctx, "pgstore.CreateRecord", "INSERT")
	defer span.End()

	input, err := marshalMap(r.Input)
	if err != nil {
		return fail(span, fmt.Errorf("marshal input: %w", err))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO execution_records (id, module_id, module_kind, tenant_id, status, started_at, log, input)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ModuleID, r.ModuleKind, r.TenantID, string(r.Status), r.StartedAt, r.Log, input)
	if err != nil {
		return fail(span, fmt.Errorf("insert execution record: %w", err))
	}
	return nil
}

// Get retrieves a record by id.
func (s *Ledger) Get(ctx context.Context, id string) (*ledger.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRecord", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// update locks the record, applies fn, and writes the mutable columns back.
func (s *Ledger) update(ctx context.Context, id string, fn func(*ledger.Record) error) (*ledger.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	r, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%s: %w", id, ledger.ErrRecordNotFound)
	}
	if err := fn(r); err != nil {
		return nil, err
	}

	output, err := marshalMap(r.Output)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE execution_records SET status = $2, completed_at = $3, duration_s = $4, result_count = $5,
		 error_message = $6, log = $7, output = $8 WHERE id = $1`,
		r.ID, string(r.Status), r.CompletedAt, r.DurationSeconds, r.ResultCount, r.ErrorMessage, r.Log, output)
	if err != nil {
		return nil, fmt.Errorf("update execution record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

// AppendLog appends a line to an open record.
func (s *Ledger) AppendLog(ctx context.Context, id, line string) error {
	ctx, span := startSpan(ctx, "pgstore.AppendLog", "UPDATE")
	defer span.End()

	if _, err := s.update(ctx, id, func(r *ledger.Record) error { return r.ApplyLog(line) }); err != nil {
		return fail(span, err)
	}
	return nil
}

// Close completes a record exactly once.
func (s *Ledger) Close(ctx context.Context, id string, c ledger.Completion) (*ledger.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.CloseRecord", "UPDATE")
	defer span.End()

	r, err := s.update(ctx, id, func(r *ledger.Record) error { return r.ApplyCompletion(c) })
	if err != nil {
		return nil, fail(span, err)
	}
	return r, nil
}

// ListByModule returns newest-first records for a module.
func (s *Ledger) ListByModule(ctx context.Context, moduleID string, limit int) ([]*ledger.Record, error) {
	return s.list(ctx, "pgstore.ListRecordsByModule",
		`SELECT `+recordColumns+` FROM execution_records WHERE module_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`,
		moduleID, limitOrAll(limit))
}

// ListByTenant returns newest-first records for a tenant.
func (s *Ledger) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*ledger.Record, error) {
	return s.list(ctx, "pgstore.ListRecordsByTenant",
		`SELECT `+recordColumns+` FROM execution_records WHERE tenant_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`,
		tenantID, limitOrAll(limit))
}

// ListOpenBefore returns open records started before cutoff.
func (s *Ledger) ListOpenBefore(ctx context.Context, cutoff time.Time) ([]*ledger.Record, error) {
	return s.list(ctx, "pgstore.ListOpenRecords",
		`SELECT `+recordColumns+` FROM execution_records WHERE completed_at IS NULL AND started_at < $1
		 ORDER BY started_at DESC, id DESC`,
		cutoff)
}

func (s *Ledger) list(ctx context.Context, name, query string, args ...any) ([]*ledger.Record, error) {
	ctx, span := startSpan(ctx, name, "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list execution records: %w", err))
	}
	defer rows.Close()

	var out []*ledger.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate execution records: %w", err))
	}
	return out, nil
}
