package crypto

import (
	"crypto/ecdh"
	"encoding/json"
	"fmt"

	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// publicBundle is the exported form of a node's public keys. Field order is
// fixed, so the JSON encoding is canonical and safe to fingerprint.
type publicBundle struct {
	Agreement []byte `json:"agreement"`
	Signing   []byte `json:"signing,omitempty"`
}

func exportPublic(agreement *ecdh.PublicKey, signing lcrypto.PubKey) ([]byte, error) {
	b := publicBundle{Agreement: agreement.Bytes()}
	if signing != nil {
		raw, err := lcrypto.MarshalPublicKey(signing)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal signing key: %w", err)
		}
		b.Signing = raw
	}
	return json.Marshal(b)
}

// ParsePublicKey decodes an exported public key blob. The signing key is nil
// when the peer did not publish one.
func ParsePublicKey(exported []byte) (*ecdh.PublicKey, lcrypto.PubKey, error) {
	var b publicBundle
	if err := json.Unmarshal(exported, &b); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	agreement, err := ecdh.P256().NewPublicKey(b.Agreement)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b.Signing) == 0 {
		return agreement, nil, nil
	}
	signing, err := lcrypto.UnmarshalPublicKey(b.Signing)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return agreement, signing, nil
}

// VerifySignature checks sig over data against the signing key inside an
// exported public key blob.
func VerifySignature(exported, data, sig []byte) (bool, error) {
	_, signing, err := ParsePublicKey(exported)
	if err != nil {
		return false, err
	}
	if signing == nil {
		return false, fmt.Errorf("%w: no signing key", ErrInvalidKey)
	}
	return signing.Verify(data, sig)
}
