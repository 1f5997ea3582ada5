package crypto

import "errors"

var (
	ErrNoSecureChannel  = errors.New("no secure channel")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid public key")
	ErrKeyRotation      = errors.New("peer key changed")
)
