package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// GetCredential looks up an encrypted credential blob by id. A missing row
// returns (nil, nil).
func (s *Store) GetCredential(ctx context.Context, id string) (*gateway.CredentialBlob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, provider, encrypted_dek, dek_nonce, encrypted_secret, secret_nonce,
		 injection_mode, injection_header
		 FROM credentials WHERE id = $1`, id)

	var c gateway.CredentialBlob
	err := row.Scan(&c.ID, &c.Provider, &c.EncryptedDEK, &c.DEKNonce,
		&c.EncryptedSecret, &c.SecretNonce, &c.InjectionMode, &c.InjectionHeader)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PutCredential inserts or replaces a credential blob.
func (s *Store) PutCredential(ctx context.Context, c *gateway.CredentialBlob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (id, provider, encrypted_dek, dek_nonce, encrypted_secret,
		 secret_nonce, injection_mode, injection_header)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   provider=excluded.provider, encrypted_dek=excluded.encrypted_dek,
		   dek_nonce=excluded.dek_nonce, encrypted_secret=excluded.encrypted_secret,
		   secret_nonce=excluded.secret_nonce, injection_mode=excluded.injection_mode,
		   injection_header=excluded.injection_header`,
		c.ID, c.Provider, c.EncryptedDEK, c.DEKNonce, c.EncryptedSecret,
		c.SecretNonce, c.InjectionMode, c.InjectionHeader,
	)
	return err
}

var _ storage.CredentialStore = (*Store)(nil)
