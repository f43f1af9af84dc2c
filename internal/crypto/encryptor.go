package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/hkdf"
)

// MinKeyLength is the shortest secret NewEncryptor accepts
const MinKeyLength = 24

// ErrKeyTooShort is returned when the configured secret is under MinKeyLength
var ErrKeyTooShort = errors.New("encryption key too short")

// Encryptor seals and opens short string values
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// JWEEncryptor produces compact JWE tokens (dir + A256GCM) with a key
// derived from the configured secret
type JWEEncryptor struct {
	key []byte
}

// NewEncryptor derives a 256-bit key from secret. The same secret always
// yields the same key so cookies survive restarts.
func NewEncryptor(secret []byte) (*JWEEncryptor, error) {
	if len(secret) < MinKeyLength {
		return nil, fmt.Errorf("%w: need at least %d characters, got %d", ErrKeyTooShort, MinKeyLength, len(secret))
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, []byte("idfront-cookie-encryption"), nil)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return &JWEEncryptor{key: key}, nil
}

// Encrypt returns the compact serialization of a fresh JWE
func (e *JWEEncryptor) Encrypt(plaintext string) (string, error) {
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: e.key},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("creating encrypter: %w", err)
	}

	obj, err := enc.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}
	return obj.CompactSerialize()
}

// Decrypt opens a token produced by Encrypt. Tampered or foreign tokens
// return an error.
func (e *JWEEncryptor) Decrypt(ciphertext string) (string, error) {
	obj, err := jose.ParseEncrypted(ciphertext,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return "", fmt.Errorf("parsing JWE: %w", err)
	}

	plaintext, err := obj.Decrypt(e.key)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}
