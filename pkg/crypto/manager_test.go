package crypto

import (
	"testing"

	"github.com/baderanaas/HushLink/pkg/audit"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newPair(t *testing.T, opts ...Option) (*Manager, *Manager) {
	a, err := NewManager(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	b, err := NewManager(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, err = a.ImportPeerKey("bob", b.PublicKey())
	require.NoError(t, err)
	_, err = b.ImportPeerKey("alice", a.PublicKey())
	require.NoError(t, err)
	return a, b
}

func TestChannelRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	for _, text := range []string{"", "hi", "hello with ünïcode ✅"} {
		b, err := alice.EncryptMessage("bob", []byte(text))
		require.NoError(t, err)

		got, err := bob.DecryptMessage("alice", b)
		require.NoError(t, err)
		require.Equal(t, text, string(got))
	}
}

func TestDecryptTampered(t *testing.T) {
	alice, bob := newPair(t)

	b, err := alice.EncryptMessage("bob", []byte("attack at dawn"))
	require.NoError(t, err)

	badIV := Bundle{IV: append([]byte(nil), b.IV...), Ciphertext: b.Ciphertext}
	badIV.IV[0] ^= 0xff
	_, err = bob.DecryptMessage("alice", badIV)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	badCT := Bundle{IV: b.IV, Ciphertext: append([]byte(nil), b.Ciphertext...)}
	badCT.Ciphertext[len(badCT.Ciphertext)-1] ^= 0x01
	_, err = bob.DecryptMessage("alice", badCT)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	require.Len(t, bob.Audit().ByType(audit.DecryptFailed), 2)
}

func TestNoSecureChannel(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	_, err = m.EncryptMessage("nobody", []byte("x"))
	require.ErrorIs(t, err, ErrNoSecureChannel)

	_, err = m.DecryptMessage("nobody", Bundle{IV: make([]byte, 12), Ciphertext: make([]byte, 32)})
	require.ErrorIs(t, err, ErrNoSecureChannel)
	require.NotErrorIs(t, err, ErrDecryptionFailed)
	require.Empty(t, m.Audit().ByType(audit.DecryptFailed))
}

func TestImportInvalidKey(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	_, err = m.ImportPeerKey("p", nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = m.ImportPeerKey("p", []byte(`{"agreement":"AAAA"}`))
	require.ErrorIs(t, err, ErrInvalidKey)
	require.False(t, m.HasChannel("p"))
	require.Len(t, m.Audit().ByType(audit.KeyImportFailed), 1)
}

func TestReimportSameKeyIsNotRotation(t *testing.T) {
	alice, bob := newPair(t)

	_, err := alice.ImportPeerKey("bob", bob.PublicKey())
	require.NoError(t, err)
	require.Empty(t, alice.Audit().ByType(audit.KeyRotation))
}

func TestKeyRotationPermissive(t *testing.T) {
	alice, _ := newPair(t)
	first, ok := alice.PeerFingerprint("bob")
	require.True(t, ok)

	bob2, err := NewManager()
	require.NoError(t, err)
	_, err = bob2.ImportPeerKey("alice", alice.PublicKey())
	require.NoError(t, err)

	fp, err := alice.ImportPeerKey("bob", bob2.PublicKey())
	require.NoError(t, err)
	require.NotEqual(t, first.Hash, fp.Hash)

	rot := alice.Audit().ByType(audit.KeyRotation)
	require.Len(t, rot, 1)
	require.Equal(t, "bob", rot[0].PeerID)
	require.Equal(t, first.Short, rot[0].Fields["old"])
	require.Equal(t, fp.Short, rot[0].Fields["new"])

	b, err := alice.EncryptMessage("bob", []byte("new secret"))
	require.NoError(t, err)
	got, err := bob2.DecryptMessage("alice", b)
	require.NoError(t, err)
	require.Equal(t, "new secret", string(got))
}

func TestKeyRotationFailClosed(t *testing.T) {
	alice, bob := newPair(t, WithRotationPolicy(FailClosed))

	bob2, err := NewManager()
	require.NoError(t, err)

	_, err = alice.ImportPeerKey("bob", bob2.PublicKey())
	require.ErrorIs(t, err, ErrKeyRotation)
	require.Len(t, alice.Audit().ByType(audit.KeyRotationRejected), 1)

	// The original channel keeps working.
	b, err := alice.EncryptMessage("bob", []byte("still you"))
	require.NoError(t, err)
	got, err := bob.DecryptMessage("alice", b)
	require.NoError(t, err)
	require.Equal(t, "still you", string(got))
}

func TestForgetKeepsFingerprint(t *testing.T) {
	alice, _ := newPair(t)
	alice.Forget("bob")
	require.False(t, alice.HasChannel("bob"))
	_, ok := alice.PeerFingerprint("bob")
	require.True(t, ok)
}

func TestSignVerify(t *testing.T) {
	alice, bob := newPair(t)

	sig, err := alice.Sign([]byte("nonce"))
	require.NoError(t, err)

	ok, err := VerifySignature(alice.PublicKey(), []byte("nonce"), sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySignature(bob.PublicKey(), []byte("nonce"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReport(t *testing.T) {
	alice, _ := newPair(t, WithRotationPolicy(FailClosed))
	r := alice.Report()
	require.Equal(t, alice.Fingerprint(), r.Fingerprint)
	require.Equal(t, "fail-closed", r.Policy)
	require.Equal(t, []string{"bob"}, r.Channels)
	require.NotEmpty(t, r.Audit)
	require.Equal(t, audit.KeyGenerated, r.Audit[0].Type)
}

func TestParseRotationPolicy(t *testing.T) {
	p, err := ParseRotationPolicy("permissive")
	require.NoError(t, err)
	require.Equal(t, Permissive, p)

	p, err = ParseRotationPolicy("fail-closed")
	require.NoError(t, err)
	require.Equal(t, FailClosed, p)

	_, err = ParseRotationPolicy("yolo")
	require.Error(t, err)
}
