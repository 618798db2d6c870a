package sqlite

import (
	"context"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// GetPolicies returns the ordered policy chain for a project, position
// ascending, matching the evaluator's first-terminal-violation-wins
// ordering requirement.
func (s *Store) GetPolicies(ctx context.Context, projectID string) ([]gateway.Policy, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, mode, rules FROM policies
		 WHERE project_id = ? ORDER BY position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []gateway.Policy
	for rows.Next() {
		var p gateway.Policy
		var rulesJSON string
		if err := rows.Scan(&p.ID, &p.Name, &p.Mode, &rulesJSON); err != nil {
			return nil, err
		}
		rules, err := storage.UnmarshalRules([]byte(rulesJSON))
		if err != nil {
			return nil, err
		}
		p.Rules = rules
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// PutPolicy inserts or replaces a policy at the given chain position.
func (s *Store) PutPolicy(ctx context.Context, projectID string, position int, p *gateway.Policy) error {
	rulesJSON, err := storage.MarshalRules(p.Rules)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO policies (id, project_id, name, mode, rules, position, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, mode=excluded.mode, rules=excluded.rules,
		   position=excluded.position, updated_at=excluded.updated_at`,
		p.ID, projectID, p.Name, p.Mode, rulesJSON, position, now, now,
	)
	return err
}

// DeletePolicy removes a policy from a project's chain.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM policies WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "policy")
}

var _ storage.PolicyStore = (*Store)(nil)
