package postgres

import (
	"context"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// GetPolicies returns the ordered policy chain for a project.
func (s *Store) GetPolicies(ctx context.Context, projectID string) ([]gateway.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, mode, rules FROM policies
		 WHERE project_id = $1 ORDER BY position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []gateway.Policy
	for rows.Next() {
		var p gateway.Policy
		var rulesJSON []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Mode, &rulesJSON); err != nil {
			return nil, err
		}
		rules, err := storage.UnmarshalRules(rulesJSON)
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO policies (id, project_id, name, mode, rules, position, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (id) DO UPDATE SET
		   name=excluded.name, mode=excluded.mode, rules=excluded.rules,
		   position=excluded.position, updated_at=excluded.updated_at`,
		p.ID, projectID, p.Name, p.Mode, rulesJSON, position,
	)
	return err
}

// DeletePolicy removes a policy from a project's chain.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policies WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(tag.RowsAffected(), "policy")
}

var _ storage.PolicyStore = (*Store)(nil)
