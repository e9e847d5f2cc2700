package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikrodb/mikrodb/internal/mikroerr"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	k1, err := DeriveKey("hunter2")
	require.NoError(t, err)
	k2, err := DeriveKey("hunter2")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	k3, err := DeriveKey("different")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := DeriveKey("hunter2")
	require.NoError(t, err)

	plaintext := []byte("a complete table file image")
	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.True(t, LooksEncrypted(sealed))

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpen_WrongKeyFails(t *testing.T) {
	key, err := DeriveKey("hunter2")
	require.NoError(t, err)
	wrongKey, err := DeriveKey("wrong")
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(wrongKey, sealed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mikroerr.ErrCryptoFailure))
}

func TestOpen_TamperedCiphertextFails(t *testing.T) {
	key, err := DeriveKey("hunter2")
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = Open(key, sealed)
	assert.True(t, errors.Is(err, mikroerr.ErrCryptoFailure))
}

func TestLooksEncrypted_PlaintextIsNotEncrypted(t *testing.T) {
	assert.False(t, LooksEncrypted([]byte("MDB\x01")))
	assert.False(t, LooksEncrypted(nil))
}

func TestSeal_ProducesDifferentCiphertextEachTime(t *testing.T) {
	key, err := DeriveKey("hunter2")
	require.NoError(t, err)

	a, err := Seal(key, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random IV should make each sealing distinct")
}
