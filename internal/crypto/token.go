// Package crypto seals exchange credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Stored tokens are "iv:tag:ciphertext", each part hex-encoded, with a 16 byte IV.
const ivSize = 16

func newGCM(encryptionKey string) (cipher.AEAD, error) {
	// Decode the encryption key (should be 64 hex chars = 32 bytes)
	key, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptToken seals plaintext into the iv:tag:encrypted format
func EncryptToken(plaintext string, encryptionKey string) (string, error) {
	gcm, err := newGCM(encryptionKey)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(sealed[tagStart:]),
		hex.EncodeToString(sealed[:tagStart]),
	}, ":"), nil
}

// DecryptToken opens a value produced by EncryptToken
func DecryptToken(storedValue string, encryptionKey string) (string, error) {
	parts := strings.Split(storedValue, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid encrypted token format: expected iv:tag:encrypted")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("failed to decode IV: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode tag: %w", err)
	}
	encrypted, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted data: %w", err)
	}

	gcm, err := newGCM(encryptionKey)
	if err != nil {
		return "", err
	}
	if len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid IV length %d", len(iv))
	}

	// In GCM, the tag is appended to the ciphertext for decryption
	plaintext, err := gcm.Open(nil, iv, append(encrypted, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// LoadEncryptionKey reads the key from a Docker secret file or ENCRYPTION_KEY
func LoadEncryptionKey() (string, error) {
	// Try Docker secret first
	if data, err := os.ReadFile("/run/secrets/encryption_key"); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		return key, nil
	}

	return "", fmt.Errorf("encryption key not found: check /run/secrets/encryption_key or ENCRYPTION_KEY env var")
}
