package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// GetToken looks up a token by its bearer id. A missing row returns
// (nil, nil), matching token.Resolver's not-found contract.
func (s *Store) GetToken(ctx context.Context, id string) (*gateway.Token, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, credential_id, upstream_url, is_active,
		 allowed_models, team_id, tags, role, scopes
		 FROM tokens WHERE id = $1`, id)

	var t gateway.Token
	var modelsJSON, tagsJSON, scopesJSON []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.CredentialID, &t.UpstreamURL, &t.IsActive,
		&modelsJSON, &t.TeamID, &tagsJSON, &t.Role, &scopesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(modelsJSON) > 0 {
		if err := json.Unmarshal(modelsJSON, &t.AllowedModels); err != nil {
			return nil, err
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &t.Tags); err != nil {
			return nil, err
		}
	}
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &t.Scopes); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// UpsertToken inserts or replaces a token record.
func (s *Store) UpsertToken(ctx context.Context, t *gateway.Token) error {
	models, err := json.Marshal(t.AllowedModels)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return err
	}
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tokens (id, project_id, credential_id, upstream_url, is_active,
		 allowed_models, team_id, tags, role, scopes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (id) DO UPDATE SET
		   project_id=excluded.project_id, credential_id=excluded.credential_id,
		   upstream_url=excluded.upstream_url, is_active=excluded.is_active,
		   allowed_models=excluded.allowed_models, team_id=excluded.team_id,
		   tags=excluded.tags, role=excluded.role, scopes=excluded.scopes,
		   updated_at=excluded.updated_at`,
		t.ID, t.ProjectID, t.CredentialID, t.UpstreamURL, t.IsActive,
		models, t.TeamID, tags, t.Role, scopes,
	)
	return err
}

// RevokeToken marks a token inactive.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tokens SET is_active=false, updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(tag.RowsAffected(), "token")
}

var _ storage.TokenStore = (*Store)(nil)
