package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint is a human-comparable digest of an exported public key.
type Fingerprint struct {
	Full  string `json:"full"`
	Short string `json:"short"`
	Hash  string `json:"hash"`
}

// ComputeFingerprint hashes an exported public key blob.
func ComputeFingerprint(exported []byte) Fingerprint {
	sum := sha256.Sum256(exported)
	h := hex.EncodeToString(sum[:])

	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return Fingerprint{
		Full:  strings.Join(groups, "-"),
		Short: strings.ToUpper(h[:12]),
		Hash:  h,
	}
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f.Hash == ""
}

func (f Fingerprint) String() string {
	return f.Short
}
