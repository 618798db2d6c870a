package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// GetProjectSpend returns the period-to-date spend for a project in the
// given window, backing the spend-cap policy rule. A project with no
// recorded spend this period returns 0, not an error.
func (s *Store) GetProjectSpend(ctx context.Context, projectID string, window gateway.SpendCapWindow, periodKey string) (float64, error) {
	var spend float64
	err := s.read.QueryRowContext(ctx,
		`SELECT spend_usd FROM project_spend WHERE project_id = ? AND "window" = ? AND period_key = ?`,
		projectID, window, periodKey,
	).Scan(&spend)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return spend, nil
}

// AggregateSpend rolls up cost_usd from audit_logs into project_spend for
// both the daily and monthly windows covering asOf, so GetProjectSpend
// stays cheap on the hot path.
func (s *Store) AggregateSpend(ctx context.Context, asOf time.Time) error {
	asOf = asOf.UTC()
	dayStart := asOf.Truncate(24 * time.Hour)
	monthStart := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC)
	now := asOf.Format(time.RFC3339Nano)

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := aggregateWindow(ctx, tx, dayStart, "daily", asOf.Format("2006-01-02"), now); err != nil {
		return err
	}
	if err := aggregateWindow(ctx, tx, monthStart, "monthly", asOf.Format("2006-01"), now); err != nil {
		return err
	}

	return tx.Commit()
}

func aggregateWindow(ctx context.Context, tx *sql.Tx, periodStart time.Time, window, periodKey, now string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT project_id, COALESCE(SUM(cost_usd), 0) FROM audit_logs
		 WHERE created_at >= ? GROUP BY project_id`,
		periodStart.Format(time.RFC3339Nano))
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
		_, err := tx.ExecContext(ctx,
			`INSERT INTO project_spend (project_id, "window", period_key, spend_usd, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(project_id, "window", period_key) DO UPDATE SET
			   spend_usd=excluded.spend_usd, updated_at=excluded.updated_at`,
			sp.projectID, window, periodKey, sp.total, now,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

var _ storage.BudgetStore = (*Store)(nil)
var _ storage.ProjectSpendStore = (*Store)(nil)
