package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// GetProjectSpend returns the period-to-date spend for a project in the
// given window. A project with no recorded spend this period returns 0.
func (s *Store) GetProjectSpend(ctx context.Context, projectID string, window gateway.SpendCapWindow, periodKey string) (float64, error) {
	var spend float64
	err := s.pool.QueryRow(ctx,
		`SELECT spend_usd FROM project_spend WHERE project_id = $1 AND "window" = $2 AND period_key = $3`,
		projectID, window, periodKey,
	).Scan(&spend)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return spend, nil
}

// AggregateSpend rolls up cost_usd from audit_logs into project_spend for
// both the daily and monthly windows covering asOf.
func (s *Store) AggregateSpend(ctx context.Context, asOf time.Time) error {
	asOf = asOf.UTC()
	dayStart := asOf.Truncate(24 * time.Hour)
	monthStart := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := aggregateWindow(ctx, tx, dayStart, "daily", asOf.Format("2006-01-02")); err != nil {
		return err
	}
	if err := aggregateWindow(ctx, tx, monthStart, "monthly", asOf.Format("2006-01")); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func aggregateWindow(ctx context.Context, tx pgx.Tx, periodStart time.Time, window, periodKey string) error {
	rows, err := tx.Query(ctx,
		`SELECT project_id, COALESCE(SUM(cost_usd), 0) FROM audit_logs
		 WHERE created_at >= $1 GROUP BY project_id`, periodStart)
	if err != nil {
		return err
	}
	type spend struct {
		projectID string
		total     float64
	}
	var totals []spend
	for rows.Next() {
		var sp spend
		if err := rows.Scan(&sp.projectID, &sp.total); err != nil {
			rows.Close()
			return err
		}
		totals = append(totals, sp)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, sp := range totals {
		_, err := tx.Exec(ctx,
			`INSERT INTO project_spend (project_id, "window", period_key, spend_usd, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (project_id, "window", period_key) DO UPDATE SET
			   spend_usd=excluded.spend_usd, updated_at=excluded.updated_at`,
			sp.projectID, window, periodKey, sp.total,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

var _ storage.BudgetStore = (*Store)(nil)
var _ storage.ProjectSpendStore = (*Store)(nil)
