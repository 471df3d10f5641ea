// Package pgstore provides PostgreSQL implementations of the SentinelVision
// store contracts.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinelvision/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Store holds the pool shared by every store view.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool; Close releases it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Metrics returns the module.MetricsStore view.
func (s *Store) Metrics() *Metrics { return &Metrics{pool: s.pool} }

// SyncStates returns the syncstate.Store view.
func (s *Store) SyncStates() *SyncStates { return &SyncStates{pool: s.pool} }

// Ledger returns the ledger.Store view.
func (s *Store) Ledger() *Ledger { return &Ledger{pool: s.pool} }

// IOCs returns the enrich.Store view.
func (s *Store) IOCs() *IOCs { return &IOCs{pool: s.pool} }

// FeedData returns the feed index and writer.
func (s *Store) FeedData() *FeedData { return &FeedData{pool: s.pool} }

// Mirror returns the enrichment index mirror.
func (s *Store) Mirror() *Mirror { return &Mirror{pool: s.pool} }

// Tenants returns the tenant directory.
func (s *Store) Tenants() *Tenants { return &Tenants{pool: s.pool} }

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span and returns it.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
