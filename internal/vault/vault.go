// Package vault implements envelope encryption for upstream credentials.
// A process-wide KEK wraps a random per-credential DEK; the DEK in turn
// encrypts the plaintext secret. Both layers use AES-256-GCM with
// independent 96-bit nonces, following the same stdlib crypto idiom the
// rest of the pack uses for credential-at-rest encryption.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrTamperedCiphertext is returned when any opaque field, nonce, or the
// KEK itself does not authenticate -- distinct from a "not found" error.
var ErrTamperedCiphertext = errors.New("vault: ciphertext failed authentication")

// keySize is the byte length of both the KEK and every DEK (AES-256).
const keySize = 32

// nonceSize is the GCM standard 96-bit nonce.
const nonceSize = 12

// KEK is the process-wide master key. It is immutable after construction
// and holds no other mutable state.
type KEK struct {
	key [keySize]byte
}

// NewKEK parses a 64-character hex string into a 32-byte key encryption key.
// It fails if the string is not exactly 64 hex characters.
func NewKEK(hexKey string) (*KEK, error) {
	if len(hexKey) != keySize*2 {
		return nil, fmt.Errorf("vault: KEK must be %d hex chars, got %d", keySize*2, len(hexKey))
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault: KEK is not valid hex: %w", err)
	}
	k := &KEK{}
	copy(k.key[:], raw)
	return k, nil
}

// Sealed is the four opaque byte strings persisted for a credential, plus
// nothing else -- the Vault never returns decrypted material except via
// Decrypt, and callers are expected to zero the plaintext after use.
type Sealed struct {
	EncryptedDEK    []byte
	DEKNonce        []byte
	EncryptedSecret []byte
	SecretNonce     []byte
}

// Vault performs envelope encryption/decryption under a single KEK.
// It is stateless beyond the KEK, so it is safe to share across goroutines.
type Vault struct {
	kek *KEK
}

// New returns a Vault bound to the given KEK.
func New(kek *KEK) *Vault {
	return &Vault{kek: kek}
}

// Encrypt generates a random DEK, encrypts plaintext under it, and wraps the
// DEK under the KEK. It is non-deterministic: every call produces a distinct
// nonce pair and ciphertext, even for identical plaintext.
func (v *Vault) Encrypt(plaintext []byte) (Sealed, error) {
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return Sealed{}, fmt.Errorf("vault: generate DEK: %w", err)
	}
	defer zero(dek)

	encSecret, secretNonce, err := seal(dek, plaintext)
	if err != nil {
		return Sealed{}, fmt.Errorf("vault: seal secret: %w", err)
	}

	encDEK, dekNonce, err := seal(v.kek.key[:], dek)
	if err != nil {
		return Sealed{}, fmt.Errorf("vault: seal DEK: %w", err)
	}

	return Sealed{
		EncryptedDEK:    encDEK,
		DEKNonce:        dekNonce,
		EncryptedSecret: encSecret,
		SecretNonce:     secretNonce,
	}, nil
}

// Decrypt reverses Encrypt: the KEK unwraps the DEK, then the DEK decrypts
// the secret. The DEK plaintext is zeroed before this function returns.
// Any tampering with either ciphertext, either nonce, or a wrong KEK causes
// this to fail with ErrTamperedCiphertext rather than a generic error, so
// callers can distinguish "not found" from "authentication failed".
func (v *Vault) Decrypt(s Sealed) ([]byte, error) {
	if len(s.DEKNonce) != nonceSize || len(s.SecretNonce) != nonceSize {
		return nil, ErrTamperedCiphertext
	}

	dek, err := open(v.kek.key[:], s.DEKNonce, s.EncryptedDEK)
	if err != nil {
		return nil, ErrTamperedCiphertext
	}
	defer zero(dek)

	if len(dek) != keySize {
		return nil, ErrTamperedCiphertext
	}

	secret, err := open(dek, s.SecretNonce, s.EncryptedSecret)
	if err != nil {
		return nil, ErrTamperedCiphertext
	}
	return secret, nil
}

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
