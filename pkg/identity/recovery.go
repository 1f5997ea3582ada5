package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

const recoveryWordCount = 12

var recoveryWords = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot",
	"golf", "hotel", "india", "juliet", "kilo", "lima",
}

// GenerateRecoveryCode returns twelve random words joined by dashes.
func GenerateRecoveryCode() (string, error) {
	words := make([]string, recoveryWordCount)
	max := big.NewInt(int64(len(recoveryWords)))
	for i := range words {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate recovery code: %w", err)
		}
		words[i] = recoveryWords[n.Int64()]
	}
	return strings.Join(words, "-"), nil
}

// HashRecoveryCode derives an argon2id hash of code under a fresh salt.
func HashRecoveryCode(code string) (hash, salt []byte, err error) {
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return hashWithSalt(code, salt), salt, nil
}

// CheckRecoveryCode compares code against a stored hash in constant time.
func CheckRecoveryCode(code string, hash, salt []byte) bool {
	if len(hash) == 0 || len(salt) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(hashWithSalt(code, salt), hash) == 1
}

func hashWithSalt(code string, salt []byte) []byte {
	normalized := strings.ToLower(strings.TrimSpace(code))
	return argon2.IDKey([]byte(normalized), salt, 1, 64*1024, 4, 32)
}
