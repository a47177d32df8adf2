package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *EncryptionService {
	t.Helper()

	encoded, err := GenerateKeyString()
	require.NoError(t, err)

	svc, err := NewEncryptionServiceFromString(encoded)
	require.NoError(t, err)

	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)

	plaintext := `{"DATABASE_URL":"postgres://user:hunter2@db/app"}`

	ciphertext, err := svc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptEmptyString(t *testing.T) {
	svc := newTestService(t)

	ciphertext, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	decrypted, err := svc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestEncryptNonDeterministic(t *testing.T) {
	svc := newTestService(t)

	c1, err := svc.Encrypt("secret")
	require.NoError(t, err)
	c2, err := svc.Encrypt("secret")
	require.NoError(t, err)

	// Random nonce means identical plaintexts never share ciphertext
	assert.NotEqual(t, c1, c2)
}

func TestDecryptWithWrongKey(t *testing.T) {
	svc1 := newTestService(t)
	svc2 := newTestService(t)

	ciphertext, err := svc1.Encrypt("secret")
	require.NoError(t, err)

	_, err = svc2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptMalformedCiphertext(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Decrypt("not-base64!!!")
	require.Error(t, err)

	// Valid base64 but shorter than nonce + tag
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	_, err = svc.Decrypt(short)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewEncryptionServiceKeyValidation(t *testing.T) {
	_, err := NewEncryptionService([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	// 16 bytes is AES-128, rejected here
	_, err = NewEncryptionService(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewEncryptionService(make([]byte, 32))
	assert.NoError(t, err)
}

func TestNewEncryptionServiceFromEnv(t *testing.T) {
	encoded, err := GenerateKeyString()
	require.NoError(t, err)

	t.Setenv("CONDUIT_TEST_KEY", encoded)

	svc, err := NewEncryptionServiceFromEnv("CONDUIT_TEST_KEY")
	require.NoError(t, err)
	assert.NotNil(t, svc)

	_, err = NewEncryptionServiceFromEnv("CONDUIT_TEST_KEY_UNSET")
	assert.Error(t, err)
}
