package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ailink/egressgw/internal/storage"
)

// approvalPollInterval is how often ResolveApproval re-checks the approvals
// table while waiting for a reviewer decision.
const approvalPollInterval = 250 * time.Millisecond

// CreateApproval inserts a pending HITL approval record. timeout is
// informational only here; the caller's context carries the actual
// deadline ResolveApproval blocks against.
func (s *Store) CreateApproval(ctx context.Context, requestID, tokenID string, timeout time.Duration) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO approvals (request_id, token_id, status, created_at)
		 VALUES (?, ?, 'pending', ?)`,
		requestID, tokenID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ResolveApproval blocks until a reviewer records a decision for requestID
// or ctx is done. The management surface's approve/reject endpoint writes
// the status row this polls for.
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
	err := s.read.QueryRowContext(ctx,
		`SELECT status FROM approvals WHERE request_id = ?`, requestID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
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
	result, err := s.write.ExecContext(ctx,
		`UPDATE approvals SET status=?, resolved_at=? WHERE request_id=? AND status='pending'`,
		decision, time.Now().UTC().Format(time.RFC3339Nano), requestID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "approval")
}

var _ storage.ApprovalStore = (*Store)(nil)
