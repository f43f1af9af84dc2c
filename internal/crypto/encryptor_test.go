package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncryptor_KeyLength(t *testing.T) {
	_, err := NewEncryptor([]byte("short"))
	require.ErrorIs(t, err, ErrKeyTooShort)

	_, err = NewEncryptor([]byte(strings.Repeat("k", MinKeyLength-1)))
	require.ErrorIs(t, err, ErrKeyTooShort)

	_, err = NewEncryptor([]byte(strings.Repeat("k", MinKeyLength)))
	require.NoError(t, err)
}

func TestJWEEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("an-encryption-key-of-sufficient-length"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt("user-42")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "user-42")
	assert.Equal(t, 4, strings.Count(sealed, "."), "compact JWE has five parts")

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "user-42", opened)

	again, err := enc.Encrypt("user-42")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "each encryption uses a fresh nonce")
}

func TestJWEEncryptor_SameSecretAcrossInstances(t *testing.T) {
	secret := []byte("an-encryption-key-of-sufficient-length")
	first, err := NewEncryptor(secret)
	require.NoError(t, err)
	second, err := NewEncryptor(secret)
	require.NoError(t, err)

	sealed, err := first.Encrypt("user-7")
	require.NoError(t, err)
	opened, err := second.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "user-7", opened)
}

func TestJWEEncryptor_Rejects(t *testing.T) {
	enc, err := NewEncryptor([]byte("an-encryption-key-of-sufficient-length"))
	require.NoError(t, err)
	other, err := NewEncryptor([]byte("a-completely-different-key-value"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt("user-42")
	require.NoError(t, err)

	parts := strings.Split(sealed, ".")
	tag := []byte(parts[4])
	if tag[0] == 'A' {
		tag[0] = 'B'
	} else {
		tag[0] = 'A'
	}
	parts[4] = string(tag)
	tampered := strings.Join(parts, ".")

	tests := []struct {
		name  string
		enc   Encryptor
		input string
	}{
		{"garbage", enc, "not-a-jwe"},
		{"empty", enc, ""},
		{"wrong_key", other, sealed},
		{"tampered_tag", enc, tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Decrypt(tt.input)
			assert.Error(t, err)
		})
	}
}
