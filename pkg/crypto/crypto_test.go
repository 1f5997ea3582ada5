package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) []byte {
	key := make([]byte, keySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecrypt(t *testing.T) {
	key := newKey(t)
	plaintext := []byte("this is a super secret message")

	b, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	require.Len(t, b.IV, 12)
	require.NotEmpty(t, b.Ciphertext)

	decrypted, err := Decrypt(b, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted, "decrypted text should match original plaintext")
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key := newKey(t)
	b1, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b2, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	require.NotEqual(t, b1.IV, b2.IV)
	require.NotEqual(t, b1.Ciphertext, b2.Ciphertext)
}

func TestDecryptFailure(t *testing.T) {
	key1 := newKey(t)
	key2 := newKey(t)

	b, err := Encrypt([]byte("another secret"), key1)
	require.NoError(t, err)

	_, err = Decrypt(b, key2)
	require.Error(t, err, "decryption with the wrong key should fail")

	_, err = Decrypt(Bundle{IV: []byte{1, 2}, Ciphertext: b.Ciphertext}, key1)
	require.Error(t, err, "short nonce should fail")

	_, err = Decrypt(Bundle{IV: b.IV, Ciphertext: []byte{1}}, key1)
	require.Error(t, err, "truncated ciphertext should fail")
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey([]byte("shared"))
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("shared"))
	require.NoError(t, err)
	k3, err := DeriveKey([]byte("other"))
	require.NoError(t, err)

	require.Len(t, k1, keySize)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}
