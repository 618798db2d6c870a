package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ailink/egressgw/internal/storage"
)

// approvalPollInterval is how often ResolveApproval re-checks the approvals
// table while waiting for a reviewer decision.
const approvalPollInterval = 250 * time.Millisecond

// CreateApproval inserts a pending HITL approval record.
func (s *Store) CreateApproval(ctx context.Context, requestID, tokenID string, timeout time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (request_id, token_id, status) VALUES ($1, $2, 'pending')`,
		requestID, tokenID,
	)
	return err
}

// ResolveApproval blocks until a reviewer records a decision for requestID
// or ctx is done.
func (s *Store) ResolveApproval(ctx context.Context, requestID string) (string, error) {
	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()

	for {
		status, err := s.approvalStatus(ctx, requestID)
		if err != nil {
			return "", err
		}
		if status == "approved" || status == "rejected" {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) approvalStatus(ctx context.Context, requestID string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM approvals WHERE request_id = $1`, requestID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "pending", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// RecordApprovalDecision is called by the management surface's review
// endpoint to resolve a pending approval.
func (s *Store) RecordApprovalDecision(ctx context.Context, requestID, decision string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status=$1, resolved_at=now() WHERE request_id=$2 AND status='pending'`,
		decision, requestID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(tag.RowsAffected(), "approval")
}

var _ storage.ApprovalStore = (*Store)(nil)
