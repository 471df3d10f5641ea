package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinelvision/internal/module"
	"github.com/linnemanlabs/sentinelvision/internal/tenant"
)

// Metrics implements module.MetricsStore.
type Metrics struct {
	pool *pgxpool.Pool
}

const metricsColumns = `module_id, tenant_id, total_runs, success_rate, consecutive_errors, last_error, last_run`

func scanMetrics(row pgx.Row) (*module.Metrics, error) {
	var m module.Metrics
	err := row.Scan(&m.ModuleID, &m.TenantID, &m.TotalRuns, &m.SuccessRate, &m.ConsecutiveErrors, &m.LastError, &m.LastRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan metrics: %w", err)
	}
	return &m, nil
}

// GetMetrics returns the metrics, zero-valued if never recorded.
func (s *Metrics) GetMetrics(ctx context.Context, moduleID, tenantID string) (*module.Metrics, error) {
	ctx, span := startSpan(ctx, "pgstore.GetMetrics", "SELECT")
	defer span.End()

	m, err := scanMetrics(s.pool.QueryRow(ctx,
		`SELECT `+metricsColumns+` FROM module_metrics WHERE module_id = $1 AND tenant_id = $2`,
		moduleID, tenantID))
	if err != nil {
		return nil, fail(span, err)
	}
	if m == nil {
		return &module.Metrics{ModuleID: moduleID, TenantID: tenantID}, nil
	}
	return m, nil
}

// RecordRun folds one outcome into the row under a row lock.
func (s *Metrics) RecordRun(ctx context.Context, moduleID, tenantID string, success bool, errText string, now time.Time) (*module.Metrics, error) {
	ctx, span := startSpan(ctx, "pgstore.RecordRun", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO module_metrics (module_id, tenant_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		moduleID, tenantID); err != nil {
		return nil, fail(span, fmt.Errorf("insert metrics: %w", err))
	}
	m, err := scanMetrics(tx.QueryRow(ctx,
		`SELECT `+metricsColumns+` FROM module_metrics WHERE module_id = $1 AND tenant_id = $2 FOR UPDATE`,
		moduleID, tenantID))
	if err != nil {
		return nil, fail(span, err)
	}
	if m == nil {
		return nil, fail(span, fmt.Errorf("metrics row %s/%s vanished", moduleID, tenantID))
	}

	m.Update(success, errText, now)

	if _, err := tx.Exec(ctx,
		`UPDATE module_metrics SET total_runs = $3, success_rate = $4, consecutive_errors = $5, last_error = $6, last_run = $7
		 WHERE module_id = $1 AND tenant_id = $2`,
		moduleID, tenantID, m.TotalRuns, m.SuccessRate, m.ConsecutiveErrors, m.LastError, m.LastRun); err != nil {
		return nil, fail(span, fmt.Errorf("update metrics: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return m, nil
}

// Tenants implements tenant.Directory over the tenants table.
type Tenants struct {
	pool *pgxpool.Pool
}

// Get returns a tenant by id.
func (s *Tenants) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	ctx, span := startSpan(ctx, "pgstore.GetTenant", "SELECT")
	defer span.End()

	var t tenant.Tenant
	err := s.pool.QueryRow(ctx, `SELECT id, name, is_active FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, tenant.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("get tenant: %w", err))
	}
	return &t, nil
}

// ListActive returns active tenants ordered by id.
func (s *Tenants) ListActive(ctx context.Context) ([]*tenant.Tenant, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActiveTenants", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, name, is_active FROM tenants WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list tenants: %w", err))
	}
	defer rows.Close()

	var out []*tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.IsActive); err != nil {
			return nil, fail(span, fmt.Errorf("scan tenant: %w", err))
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate tenants: %w", err))
	}
	return out, nil
}

// Upsert creates or updates a tenant.
func (s *Tenants) Upsert(ctx context.Context, t *tenant.Tenant) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertTenant", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, is_active) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_active = EXCLUDED.is_active`,
		t.ID, t.Name, t.IsActive)
	if err != nil {
		return fail(span, fmt.Errorf("upsert tenant: %w", err))
	}
	return nil
}
