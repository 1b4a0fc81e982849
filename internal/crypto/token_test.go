package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return hex.EncodeToString(key)
}

func TestEncryptDecrypt(t *testing.T) {
	key := newKey(t)

	stored, err := EncryptToken("secret_token_123", key)
	require.NoError(t, err)

	parts := strings.Split(stored, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 32, "16 byte IV")
	assert.Len(t, parts[1], 32, "16 byte tag")

	plain, err := DecryptToken(stored, key)
	require.NoError(t, err)
	assert.Equal(t, "secret_token_123", plain)
}

func TestEncryptToken_FreshIV(t *testing.T) {
	key := newKey(t)
	a, err := EncryptToken("same", key)
	require.NoError(t, err)
	b, err := EncryptToken("same", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptToken_WrongKey(t *testing.T) {
	stored, err := EncryptToken("secret", newKey(t))
	require.NoError(t, err)

	_, err = DecryptToken(stored, newKey(t))
	assert.Error(t, err)
}

func TestDecryptToken_Tampered(t *testing.T) {
	key := newKey(t)
	stored, err := EncryptToken("secret", key)
	require.NoError(t, err)

	parts := strings.Split(stored, ":")
	parts[2] = strings.Repeat("0", len(parts[2]))
	_, err = DecryptToken(strings.Join(parts, ":"), key)
	assert.Error(t, err)
}

func TestDecryptToken_InvalidKey(t *testing.T) {
	// 31 bytes key (invalid)
	keyHex := hex.EncodeToString(make([]byte, 31))
	_, err := EncryptToken("x", keyHex)
	assert.Error(t, err)

	_, err = DecryptToken("00:00:00", keyHex)
	assert.Error(t, err)
}

func TestDecryptToken_InvalidFormat(t *testing.T) {
	_, err := DecryptToken("invalid", newKey(t))
	assert.Error(t, err)
}

func TestLoadEncryptionKey_Env(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "abc")
	key, err := LoadEncryptionKey()
	require.NoError(t, err)
	// A mounted secret takes precedence when present.
	if key != "abc" {
		assert.NotEmpty(t, key)
	}
}
