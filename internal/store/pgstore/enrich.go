package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// IOCs implements enrich.Store.
type IOCs struct {
	pool *pgxpool.Pool
}

const iocColumns = `i.id, i.tenant_id, i.type, i.value, i.status, i.source, i.description, i.tlp, i.confidence, i.tags,
	i.first_seen, i.last_checked, i.last_matched, i.index_name, i.index_doc_id,
	(SELECT COUNT(*) FROM ioc_feed_matches m WHERE m.ioc_id = i.id)`

func scanIOC(row pgx.Row) (*enrich.IOC, error) {
	var (
		ioc              enrich.IOC
		typ, status, tlp string
	)
	err := row.Scan(&ioc.ID, &ioc.TenantID, &typ, &ioc.Value, &status, &ioc.Source, &ioc.Description, &tlp,
		&ioc.Confidence, &ioc.Tags, &ioc.FirstSeen, &ioc.LastChecked, &ioc.LastMatched,
		&ioc.IndexName, &ioc.IndexDocID, &ioc.MatchCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ioc: %w", err)
	}
	ioc.Type = enrich.IOCType(typ)
	ioc.Status = enrich.Status(status)
	ioc.TLP = enrich.TLP(tlp)
	return &ioc, nil
}

func scanIOCs(rows pgx.Rows) ([]*enrich.IOC, error) {
	defer rows.Close()
	var out []*enrich.IOC
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ioc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iocs: %w", err)
	}
	return out, nil
}

func selectIOC(ctx context.Context, q querier, id string) (*enrich.IOC, error) {
	return scanIOC(q.QueryRow(ctx, `SELECT `+iocColumns+` FROM enriched_iocs i WHERE i.id = $1`, id))
}

// lockIOC reads the mergeable fields of a stored record under a row lock.
func lockIOC(ctx context.Context, tx pgx.Tx, id string) (*enrich.IOC, error) {
	var cur enrich.IOC
	err := tx.QueryRow(ctx, `SELECT tenant_id, confidence, tags, first_seen FROM enriched_iocs WHERE id = $1 FOR UPDATE`, id).
		Scan(&cur.TenantID, &cur.Confidence, &cur.Tags, &cur.FirstSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock ioc: %w", err)
	}
	return &cur, nil
}

// GetOrCreate returns the stored record for ioc.ID, inserting ioc if absent.
func (s *IOCs) GetOrCreate(ctx context.Context, ioc *enrich.IOC) (*enrich.IOC, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetOrCreateIOC", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO enriched_iocs (id, tenant_id, type, value, status, source, description, tlp, confidence, tags,
		 first_seen, last_checked, last_matched, index_name, index_doc_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT DO NOTHING`,
		ioc.ID, ioc.TenantID, string(ioc.Type), ioc.Value, string(ioc.Status), ioc.Source, ioc.Description,
		string(ioc.TLP), ioc.Confidence, enrich.UnionTags(nil, ioc.Tags), ioc.FirstSeen, ioc.LastChecked,
		ioc.LastMatched, ioc.IndexName, ioc.IndexDocID)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("insert ioc: %w", err))
	}

	cur, err := selectIOC(ctx, s.pool, ioc.ID)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if cur == nil {
		return nil, false, fail(span, fmt.Errorf("ioc %s: conflicting row", ioc.ID))
	}
	if cur.TenantID != ioc.TenantID {
		return nil, false, fail(span, fmt.Errorf("record %s: %w", ioc.ID, module.ErrTenantIsolation))
	}
	return cur, tag.RowsAffected() == 1, nil
}

// Save writes ioc and upserts its matches in one transaction. Confidence and
// tags merge with the locked stored row.
func (s *IOCs) Save(ctx context.Context, ioc *enrich.IOC, matches []enrich.FeedMatch) (*enrich.IOC, error) {
	ctx, span := startSpan(ctx, "pgstore.SaveIOC", "UPDATE")
	defer span.End()

	for _, m := range matches {
		if m.TenantID != ioc.TenantID || m.IOCID != ioc.ID {
			return nil, fail(span, fmt.Errorf("match %s/%s: %w", m.IOCID, m.FeedID, module.ErrTenantIsolation))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	next := ioc.Clone()
	cur, err := lockIOC(ctx, tx, ioc.ID)
	if err != nil {
		return nil, fail(span, err)
	}
	if cur != nil {
		if cur.TenantID != ioc.TenantID {
			return nil, fail(span, fmt.Errorf("record %s: %w", ioc.ID, module.ErrTenantIsolation))
		}
		next.FirstSeen = cur.FirstSeen
		next.Merge(cur.Confidence, cur.Tags)
	}
	next.Tags = enrich.UnionTags(nil, next.Tags)

	_, err = tx.Exec(ctx,
		`INSERT INTO enriched_iocs (id, tenant_id, type, value, status, source, description, tlp, confidence, tags,
		 first_seen, last_checked, last_matched, index_name, index_doc_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, source = EXCLUDED.source,
		 description = EXCLUDED.description, tlp = EXCLUDED.tlp, confidence = EXCLUDED.confidence, tags = EXCLUDED.tags,
		 last_checked = EXCLUDED.last_checked, last_matched = EXCLUDED.last_matched,
		 index_name = EXCLUDED.index_name, index_doc_id = EXCLUDED.index_doc_id`,
		next.ID, next.TenantID, string(next.Type), next.Value, string(next.Status), next.Source, next.Description,
		string(next.TLP), next.Confidence, next.Tags, next.FirstSeen, next.LastChecked,
		next.LastMatched, next.IndexName, next.IndexDocID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("upsert ioc: %w", err))
	}

	for _, m := range matches {
		meta, err := marshalMap(m.Metadata)
		if err != nil {
			return nil, fail(span, fmt.Errorf("marshal match metadata: %w", err))
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO ioc_feed_matches (ioc_id, tenant_id, feed_id, confidence, tags, metadata, matched_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (ioc_id, feed_id) DO UPDATE SET confidence = EXCLUDED.confidence, tags = EXCLUDED.tags,
			 metadata = EXCLUDED.metadata, matched_at = EXCLUDED.matched_at`,
			m.IOCID, m.TenantID, m.FeedID, m.Confidence, enrich.UnionTags(nil, m.Tags), meta, m.MatchedAt)
		if err != nil {
			return nil, fail(span, fmt.Errorf("upsert match %s: %w", m.FeedID, err))
		}
	}

	saved, err := selectIOC(ctx, tx, ioc.ID)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return saved, nil
}

// Get returns a tenant's record by id.
func (s *IOCs) Get(ctx context.Context, tenantID, id string) (*enrich.IOC, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetIOC", "SELECT")
	defer span.End()

	ioc, err := scanIOC(s.pool.QueryRow(ctx,
		`SELECT `+iocColumns+` FROM enriched_iocs i WHERE i.id = $1 AND i.tenant_id = $2`, id, tenantID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return ioc, ioc != nil, nil
}

// Matches returns a record's matches ordered newest first.
func (s *IOCs) Matches(ctx context.Context, tenantID, iocID string) ([]enrich.FeedMatch, error) {
	ctx, span := startSpan(ctx, "pgstore.ListMatches", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT ioc_id, tenant_id, feed_id, confidence, tags, metadata, matched_at FROM ioc_feed_matches
		 WHERE ioc_id = $1 AND tenant_id = $2 ORDER BY matched_at DESC, feed_id`, iocID, tenantID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list matches: %w", err))
	}
	defer rows.Close()

	var out []enrich.FeedMatch
	for rows.Next() {
		var (
			m    enrich.FeedMatch
			meta []byte
		)
		if err := rows.Scan(&m.IOCID, &m.TenantID, &m.FeedID, &m.Confidence, &m.Tags, &meta, &m.MatchedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan match: %w", err))
		}
		if m.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal match metadata: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate matches: %w", err))
	}
	return out, nil
}

// List returns a tenant's records, most recently checked first.
func (s *IOCs) List(ctx context.Context, tenantID string, status enrich.Status, limit int) ([]*enrich.IOC, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIOCs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+iocColumns+` FROM enriched_iocs i
		 WHERE i.tenant_id = $1 AND ($2 = '' OR i.status = $2)
		 ORDER BY COALESCE(i.last_checked, i.first_seen) DESC, i.id LIMIT $3`,
		tenantID, string(status), limitOrAll(limit))
	if err != nil {
		return nil, fail(span, fmt.Errorf("list iocs: %w", err))
	}
	out, err := scanIOCs(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// ListStale returns Pending records and those checked before cutoff, oldest first.
func (s *IOCs) ListStale(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]*enrich.IOC, error) {
	ctx, span := startSpan(ctx, "pgstore.ListStaleIOCs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+iocColumns+` FROM enriched_iocs i
		 WHERE i.tenant_id = $1 AND (i.status = $2 OR i.last_checked IS NULL OR i.last_checked < $3)
		 ORDER BY COALESCE(i.last_checked, i.first_seen), i.id LIMIT $4`,
		tenantID, string(enrich.StatusPending), cutoff, limitOrAll(limit))
	if err != nil {
		return nil, fail(span, fmt.Errorf("list stale iocs: %w", err))
	}
	out, err := scanIOCs(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// FeedData is the feed data table: enrich.FeedIndex and enrich.FeedWriter.
type FeedData struct {
	pool *pgxpool.Pool
}

// UpsertIndicators stores items under tenantID and feedID in one batch.
// Existing rows keep their first-seen time.
func (s *FeedData) UpsertIndicators(ctx context.Context, tenantID, feedID string, items []enrich.Indicator) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("upsert without tenant: %w", module.ErrTenantIsolation)
	}
	ctx, span := startSpan(ctx, "pgstore.UpsertIndicators", "INSERT")
	defer span.End()

	batch := &pgx.Batch{}
	for _, it := range items {
		value := enrich.NormalizeValue(it.Type, it.Value)
		if value == "" {
			continue
		}
		meta, err := marshalMap(it.Metadata)
		if err != nil {
			return 0, fail(span, fmt.Errorf("marshal indicator metadata: %w", err))
		}
		batch.Queue(
			`INSERT INTO feed_indicators (tenant_id, feed_id, type, value, confidence, tags, metadata, first_seen, last_seen)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (tenant_id, feed_id, type, value) DO UPDATE SET confidence = EXCLUDED.confidence,
			 tags = EXCLUDED.tags, metadata = EXCLUDED.metadata, last_seen = EXCLUDED.last_seen`,
			tenantID, feedID, string(it.Type), value, it.Confidence, enrich.UnionTags(nil, it.Tags), meta,
			it.FirstSeen, it.LastSeen)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fail(span, fmt.Errorf("upsert indicators: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}
	return batch.Len(), nil
}

// Lookup returns the tenant's indicators matching type and value, one per feed.
func (s *FeedData) Lookup(ctx context.Context, tenantID string, t enrich.IOCType, value string) ([]enrich.Indicator, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("lookup without tenant: %w", module.ErrTenantIsolation)
	}
	ctx, span := startSpan(ctx, "pgstore.LookupIndicator", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, feed_id, type, value, confidence, tags, metadata, first_seen, last_seen
		 FROM feed_indicators WHERE tenant_id = $1 AND type = $2 AND value = $3 ORDER BY feed_id`,
		tenantID, string(t), enrich.NormalizeValue(t, value))
	if err != nil {
		return nil, fail(span, fmt.Errorf("lookup indicators: %w", err))
	}
	defer rows.Close()

	var out []enrich.Indicator
	for rows.Next() {
		var (
			it   enrich.Indicator
			typ  string
			meta []byte
		)
		if err := rows.Scan(&it.TenantID, &it.FeedID, &typ, &it.Value, &it.Confidence, &it.Tags, &meta,
			&it.FirstSeen, &it.LastSeen); err != nil {
			return nil, fail(span, fmt.Errorf("scan indicator: %w", err))
		}
		it.Type = enrich.IOCType(typ)
		if it.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal indicator metadata: %w", err))
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate indicators: %w", err))
	}
	return out, nil
}

// Mirror keeps the enrichment index as JSONB documents.
type Mirror struct {
	pool *pgxpool.Pool
}

// Index upserts a document.
func (m *Mirror) Index(ctx context.Context, index, docID string, ioc *enrich.IOC) error {
	ctx, span := startSpan(ctx, "pgstore.IndexDocument", "INSERT")
	defer span.End()

	doc, err := json.Marshal(ioc)
	if err != nil {
		return fail(span, fmt.Errorf("marshal document: %w", err))
	}
	_, err = m.pool.Exec(ctx,
		`INSERT INTO ioc_index_docs (index_name, doc_id, tenant_id, doc, indexed_at) VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (index_name, doc_id) DO UPDATE SET doc = EXCLUDED.doc, indexed_at = EXCLUDED.indexed_at`,
		index, docID, ioc.TenantID, doc)
	if err != nil {
		return fail(span, fmt.Errorf("index document: %w", err))
	}
	return nil
}

// Doc returns one document.
func (m *Mirror) Doc(ctx context.Context, index, docID string) (*enrich.IOC, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetDocument", "SELECT")
	defer span.End()

	var doc []byte
	err := m.pool.QueryRow(ctx, `SELECT doc FROM ioc_index_docs WHERE index_name = $1 AND doc_id = $2`, index, docID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get document: %w", err))
	}
	var ioc enrich.IOC
	if err := json.Unmarshal(doc, &ioc); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal document: %w", err))
	}
	return &ioc, true, nil
}
