package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize     = 32
	channelInfo = "hushlink/channel/v1"
)

// Bundle is an AES-GCM payload ready to be put on the wire.
type Bundle struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Empty reports whether the bundle carries no ciphertext.
func (b Bundle) Empty() bool {
	return len(b.IV) == 0 && len(b.Ciphertext) == 0
}

// DeriveKey expands an ECDH shared secret into an AES-256 key.
func DeriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(channelInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive channel key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-GCM under a fresh random nonce.
func Encrypt(plaintext, key []byte) (Bundle, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Bundle{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Bundle{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return Bundle{IV: nonce, Ciphertext: gcm.Seal(nil, nonce, plaintext, nil)}, nil
}

// Decrypt opens an AES-GCM bundle.
func Decrypt(b Bundle, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(b.IV) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(b.IV))
	}
	if len(b.Ciphertext) < gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return gcm.Open(nil, b.IV, b.Ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
