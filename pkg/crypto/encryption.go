// Package crypto encrypts server secrets (command args and env values) at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

const keySize = 32 // AES-256

var (
	// ErrInvalidKey is returned when the encryption key is not 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key: must be 32 bytes (AES-256)")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when authentication fails, typically
	// after a key change.
	ErrDecryptionFailed = errors.New("decryption failed: authentication failed")
)

// EncryptionService provides authenticated encryption (AES-GCM) for secret
// values stored in the database. Ciphertexts carry the nonce prepended to the
// sealed data and are base64-encoded for storage in text columns.
type EncryptionService struct {
	gcm cipher.AEAD
}

// NewEncryptionService creates an encryption service with the given 32-byte key.
func NewEncryptionService(key []byte) (*EncryptionService, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &EncryptionService{gcm: gcm}, nil
}

// NewEncryptionServiceFromString creates an encryption service from a
// base64-encoded key.
func NewEncryptionServiceFromString(encodedKey string) (*EncryptionService, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return NewEncryptionService(key)
}

// NewEncryptionServiceFromEnv creates an encryption service from the
// base64-encoded key held in the named environment variable.
func NewEncryptionServiceFromEnv(envVar string) (*EncryptionService, error) {
	encoded := os.Getenv(envVar)
	if encoded == "" {
		return nil, fmt.Errorf("environment variable %s is not set", envVar)
	}
	return NewEncryptionServiceFromString(encoded)
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext.
// Empty plaintext encrypts to the empty string.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext and returns plaintext.
func (s *EncryptionService) Decrypt(encodedCiphertext string) (string, error) {
	if encodedCiphertext == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize+s.gcm.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}

	nonce := ciphertext[:nonceSize]
	encrypted := ciphertext[nonceSize:]

	plaintext, err := s.gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// GenerateKeyString generates a random AES-256 key and returns it as base64,
// suitable for seeding the key environment variable.
func GenerateKeyString() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
