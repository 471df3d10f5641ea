package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinelvision/internal/syncstate"
)

// SyncStates implements syncstate.Store. TryStart and Finish hold a row lock
// across the check and the write.
type SyncStates struct {
	pool *pgxpool.Pool
}

const syncColumns = `tenant_id, feed_type, enabled, status, sync_interval_hours, last_sync, next_sync,
	total_syncs, successful_syncs, failed_syncs, last_import_count, total_imported, last_error, updated_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanState(row pgx.Row) (*syncstate.State, error) {
	var st syncstate.State
	var status string
	err := row.Scan(&st.TenantID, &st.FeedType, &st.Enabled, &status, &st.SyncIntervalHours,
		&st.LastSync, &st.NextSync, &st.TotalSyncs, &st.SuccessfulSyncs, &st.FailedSyncs,
		&st.LastImportCount, &st.TotalImported, &st.LastError, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync state: %w", err)
	}
	st.Status = syncstate.Status(status)
	return &st, nil
}

func scanStates(rows pgx.Rows) ([]*syncstate.State, error) {
	defer rows.Close()
	var out []*syncstate.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync states: %w", err)
	}
	return out, nil
}

func insertState(ctx context.Context, tx pgx.Tx, tenantID, feedType string, intervalHours int) error {
	st := syncstate.New(tenantID, feedType, intervalHours)
	_, err := tx.Exec(ctx,
		`INSERT INTO feed_sync_states (tenant_id, feed_type, enabled, status, sync_interval_hours)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		st.TenantID, st.FeedType, st.Enabled, string(st.Status), st.SyncIntervalHours)
	if err != nil {
		return fmt.Errorf("insert sync state: %w", err)
	}
	return nil
}

func lockState(ctx context.Context, q querier, tenantID, feedType string) (*syncstate.State, error) {
	return scanState(q.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM feed_sync_states WHERE tenant_id = $1 AND feed_type = $2 FOR UPDATE`,
		tenantID, feedType))
}

// tryLockState is lockState that gives up on a row another transaction holds.
func tryLockState(ctx context.Context, q querier, tenantID, feedType string) (*syncstate.State, error) {
	return scanState(q.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM feed_sync_states WHERE tenant_id = $1 AND feed_type = $2 FOR UPDATE SKIP LOCKED`,
		tenantID, feedType))
}

func writeState(ctx context.Context, tx pgx.Tx, st *syncstate.State) error {
	_, err := tx.Exec(ctx,
		`UPDATE feed_sync_states SET enabled = $3, status = $4, sync_interval_hours = $5, last_sync = $6, next_sync = $7,
		 total_syncs = $8, successful_syncs = $9, failed_syncs = $10, last_import_count = $11, total_imported = $12,
		 last_error = $13, updated_at = $14
		 WHERE tenant_id = $1 AND feed_type = $2`,
		st.TenantID, st.FeedType, st.Enabled, string(st.Status), st.SyncIntervalHours, st.LastSync, st.NextSync,
		st.TotalSyncs, st.SuccessfulSyncs, st.FailedSyncs, st.LastImportCount, st.TotalImported,
		st.LastError, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return nil
}

// Get returns the state for one pair.
func (s *SyncStates) Get(ctx context.Context, tenantID, feedType string) (*syncstate.State, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetSyncState", "SELECT")
	defer span.End()

	st, err := scanState(s.pool.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM feed_sync_states WHERE tenant_id = $1 AND feed_type = $2`,
		tenantID, feedType))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return st, st != nil, nil
}

// GetOrCreate returns the state, creating a Pending one if missing.
func (s *SyncStates) GetOrCreate(ctx context.Context, tenantID, feedType string, intervalHours int) (*syncstate.State, error) {
	ctx, span := startSpan(ctx, "pgstore.GetOrCreateSyncState", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertState(ctx, tx, tenantID, feedType, intervalHours); err != nil {
		return nil, fail(span, err)
	}
	st, err := scanState(tx.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM feed_sync_states WHERE tenant_id = $1 AND feed_type = $2`,
		tenantID, feedType))
	if err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return st, nil
}

// List returns a tenant's states ordered by feed type.
func (s *SyncStates) List(ctx context.Context, tenantID string) ([]*syncstate.State, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSyncStates", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+syncColumns+` FROM feed_sync_states WHERE tenant_id = $1 ORDER BY feed_type`, tenantID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list sync states: %w", err))
	}
	out, err := scanStates(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// ListDue returns every enabled, idle state due at now.
func (s *SyncStates) ListDue(ctx context.Context, now time.Time) ([]*syncstate.State, error) {
	ctx, span := startSpan(ctx, "pgstore.ListDueSyncStates", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+syncColumns+` FROM feed_sync_states
		 WHERE enabled AND status <> $1 AND (next_sync IS NULL OR next_sync <= $2)
		 ORDER BY tenant_id, feed_type`,
		string(syncstate.StatusSyncing), now)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list due sync states: %w", err))
	}
	out, err := scanStates(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// TryStart locks the row, creating it if needed, and moves it to Syncing. A
// row locked by a concurrent caller counts as already syncing.
func (s *SyncStates) TryStart(ctx context.Context, tenantID, feedType string, intervalHours int, now time.Time) (*syncstate.State, error) {
	ctx, span := startSpan(ctx, "pgstore.TryStartSync", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertState(ctx, tx, tenantID, feedType, intervalHours); err != nil {
		return nil, fail(span, err)
	}
	st, err := tryLockState(ctx, tx, tenantID, feedType)
	if err != nil {
		return nil, fail(span, err)
	}
	if st == nil {
		// the row exists after the insert, so a concurrent run holds it
		return nil, fmt.Errorf("%s/%s: %w", tenantID, feedType, syncstate.ErrAlreadySyncing)
	}
	if intervalHours > 0 {
		st.SyncIntervalHours = intervalHours
	}
	if err := st.MarkStarted(now); err != nil {
		// Refusals are expected under contention; not a span error.
		return nil, err
	}
	if err := writeState(ctx, tx, st); err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return st, nil
}

// Finish writes a terminal transition. The stored row must still be Syncing.
func (s *SyncStates) Finish(ctx context.Context, st *syncstate.State) error {
	ctx, span := startSpan(ctx, "pgstore.FinishSync", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cur, err := lockState(ctx, tx, st.TenantID, st.FeedType)
	if err != nil {
		return fail(span, err)
	}
	if cur == nil {
		return fail(span, fmt.Errorf("%s/%s: no sync state", st.TenantID, st.FeedType))
	}
	if cur.Status != syncstate.StatusSyncing {
		return fail(span, fmt.Errorf("%s/%s: finish from %s: %w", st.TenantID, st.FeedType, cur.Status, syncstate.ErrInvalidTransition))
	}
	if err := writeState(ctx, tx, st); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// SetEnabled toggles a feed for a tenant.
func (s *SyncStates) SetEnabled(ctx context.Context, tenantID, feedType string, enabled bool, now time.Time) (*syncstate.State, error) {
	ctx, span := startSpan(ctx, "pgstore.SetSyncEnabled", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertState(ctx, tx, tenantID, feedType, 0); err != nil {
		return nil, fail(span, err)
	}
	st, err := lockState(ctx, tx, tenantID, feedType)
	if err != nil {
		return nil, fail(span, err)
	}
	if st == nil {
		return nil, fail(span, fmt.Errorf("%s/%s: sync state vanished", tenantID, feedType))
	}
	st.SetEnabled(enabled, now)
	if err := writeState(ctx, tx, st); err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return st, nil
}

// ReleaseStale moves Syncing rows started before cutoff to Failure. Rows held
// by a live transaction are left for the next sweep.
func (s *SyncStates) ReleaseStale(ctx context.Context, cutoff, now time.Time) ([]*syncstate.State, error) {
	ctx, span := startSpan(ctx, "pgstore.ReleaseStaleSyncs", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+syncColumns+` FROM feed_sync_states
		 WHERE status = $1 AND (last_sync IS NULL OR last_sync < $2)
		 ORDER BY tenant_id, feed_type
		 FOR UPDATE SKIP LOCKED`,
		string(syncstate.StatusSyncing), cutoff)
	if err != nil {
		return nil, fail(span, fmt.Errorf("select stale syncs: %w", err))
	}
	stale, err := scanStates(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	for _, st := range stale {
		if err := st.MarkFailure(syncstate.StaleSyncError, now); err != nil {
			return nil, fail(span, err)
		}
		if err := writeState(ctx, tx, st); err != nil {
			return nil, fail(span, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return stale, nil
}
