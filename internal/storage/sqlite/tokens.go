package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// GetToken looks up a token by its bearer id. A missing row is not an
// error: it returns (nil, nil) so token.Resolver can distinguish
// "not found" from a genuine storage failure.
func (s *Store) GetToken(ctx context.Context, id string) (*gateway.Token, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, project_id, credential_id, upstream_url, is_active,
		 allowed_models, team_id, tags, role, scopes
		 FROM tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// UpsertToken inserts or replaces a token record, used by the management
// surface when issuing or updating tokens.
func (s *Store) UpsertToken(ctx context.Context, t *gateway.Token) error {
	models, err := marshalJSON(t.AllowedModels)
	if err != nil {
		return err
	}
	scopes, err := marshalJSON(t.Scopes)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(t.Tags)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO tokens (id, project_id, credential_id, upstream_url, is_active,
		 allowed_models, team_id, tags, role, scopes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   project_id=excluded.project_id, credential_id=excluded.credential_id,
		   upstream_url=excluded.upstream_url, is_active=excluded.is_active,
		   allowed_models=excluded.allowed_models, team_id=excluded.team_id,
		   tags=excluded.tags, role=excluded.role, scopes=excluded.scopes,
		   updated_at=excluded.updated_at`,
		t.ID, t.ProjectID, t.CredentialID, t.UpstreamURL, boolToInt(t.IsActive),
		models, t.TeamID, tags, t.Role, scopes, now, now,
	)
	return err
}

// RevokeToken marks a token inactive.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tokens SET is_active=0, updated_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "token")
}

func scanToken(row scanner) (*gateway.Token, error) {
	var t gateway.Token
	var credentialID, teamID, role sql.NullString
	var modelsJSON, tagsJSON, scopesJSON sql.NullString
	var isActive int

	err := row.Scan(
		&t.ID, &t.ProjectID, &credentialID, &t.UpstreamURL, &isActive,
		&modelsJSON, &teamID, &tagsJSON, &role, &scopesJSON,
	)
	if err != nil {
		return nil, err
	}

	t.CredentialID = credentialID.String
	t.TeamID = teamID.String
	t.Role = role.String
	t.IsActive = isActive != 0

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	t.AllowedModels = models

	scopes, err := unmarshalStringSlice(scopesJSON)
	if err != nil {
		return nil, err
	}
	t.Scopes = scopes

	tags, err := unmarshalStringMap(tagsJSON)
	if err != nil {
		return nil, err
	}
	t.Tags = tags

	return &t, nil
}

var _ storage.TokenStore = (*Store)(nil)
