package sqlite

import (
	"context"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// ListPricing returns every pricing entry, insertion order preserved via
// rowid so the cost table's first-match-wins semantics stay stable across
// reloads.
func (s *Store) ListPricing(ctx context.Context) ([]gateway.PricingEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model_pattern, input_per_million, output_per_million
		 FROM model_pricing ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []gateway.PricingEntry
	for rows.Next() {
		var e gateway.PricingEntry
		if err := rows.Scan(&e.Provider, &e.ModelPattern, &e.InputPerMillion, &e.OutputPerMillion); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListLatency returns the current per-model p50 latency snapshot.
func (s *Store) ListLatency(ctx context.Context) (gateway.LatencySnapshot, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT model, p50_ms FROM model_latency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := make(gateway.LatencySnapshot)
	for rows.Next() {
		var model string
		var p50 int64
		if err := rows.Scan(&model, &p50); err != nil {
			return nil, err
		}
		snap[model] = p50
	}
	return snap, rows.Err()
}

// PutPricing inserts or replaces a pricing entry, used by the management
// surface to seed or update per-model rates.
func (s *Store) PutPricing(ctx context.Context, e gateway.PricingEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_pricing (provider, model_pattern, input_per_million, output_per_million)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider, model_pattern) DO UPDATE SET
		   input_per_million=excluded.input_per_million,
		   output_per_million=excluded.output_per_million`,
		e.Provider, e.ModelPattern, e.InputPerMillion, e.OutputPerMillion,
	)
	return err
}

// RecordLatency upserts a model's rolling p50 latency observation.
func (s *Store) RecordLatency(ctx context.Context, model string, p50Ms int64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_latency (model, p50_ms) VALUES (?, ?)
		 ON CONFLICT(model) DO UPDATE SET p50_ms=excluded.p50_ms`,
		model, p50Ms,
	)
	return err
}

var _ storage.PricingStore = (*Store)(nil)
