package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/storage"
)

// GetCredential looks up an encrypted credential blob by id. A missing row
// returns (nil, nil), matching the proxy's "no credential id means
// passthrough" handling at the call site.
func (s *Store) GetCredential(ctx context.Context, id string) (*gateway.CredentialBlob, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider, encrypted_dek, dek_nonce, encrypted_secret, secret_nonce,
		 injection_mode, injection_header
		 FROM credentials WHERE id = ?`, id)

	var c gateway.CredentialBlob
	var header sql.NullString
	err := row.Scan(&c.ID, &c.Provider, &c.EncryptedDEK, &c.DEKNonce,
		&c.EncryptedSecret, &c.SecretNonce, &c.InjectionMode, &header)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.InjectionHeader = header.String
	return &c, nil
}

// PutCredential inserts or replaces a credential blob, used by the
// management surface immediately after Vault.Encrypt.
func (s *Store) PutCredential(ctx context.Context, c *gateway.CredentialBlob) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credentials (id, provider, encrypted_dek, dek_nonce, encrypted_secret,
		 secret_nonce, injection_mode, injection_header, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider=excluded.provider, encrypted_dek=excluded.encrypted_dek,
		   dek_nonce=excluded.dek_nonce, encrypted_secret=excluded.encrypted_secret,
		   secret_nonce=excluded.secret_nonce, injection_mode=excluded.injection_mode,
		   injection_header=excluded.injection_header`,
		c.ID, c.Provider, c.EncryptedDEK, c.DEKNonce, c.EncryptedSecret,
		c.SecretNonce, c.InjectionMode, c.InjectionHeader,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

var _ storage.CredentialStore = (*Store)(nil)
