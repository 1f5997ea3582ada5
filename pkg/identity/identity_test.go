package identity

import (
	"testing"
	"time"

	"github.com/baderanaas/HushLink/pkg/audit"
	"github.com/baderanaas/HushLink/pkg/crypto"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newManager(t *testing.T, kv KV) *Manager {
	m := NewManager(kv, WithLogger(zaptest.NewLogger(t)), WithClock(clock.NewMock()))
	_, _, err := m.Init("alice")
	require.NoError(t, err)
	return m
}

func newPeerKey(t *testing.T) *crypto.Manager {
	c, err := crypto.NewManager()
	require.NoError(t, err)
	return c
}

func TestInitCreatesOnceAndRestores(t *testing.T) {
	kv := MemoryKV{}
	m := NewManager(kv)

	rec, code, err := m.Init("alice")
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, code)
	require.Equal(t, "alice", rec.DisplayName)
	require.True(t, m.VerifyRecoveryCode(code))
	require.False(t, m.VerifyRecoveryCode("alpha"))

	m2 := NewManager(kv)
	rec2, code2, err := m2.Init("someone else")
	require.NoError(t, err)
	require.Empty(t, code2, "recovery code is only revealed on creation")
	require.Equal(t, rec.ID, rec2.ID)
	require.Equal(t, "alice", rec2.DisplayName)
	require.True(t, m2.VerifyRecoveryCode(code))
}

func TestSetDisplayNamePersists(t *testing.T) {
	kv := MemoryKV{}
	m := newManager(t, kv)
	require.NoError(t, m.SetDisplayName("Alice B"))

	rec, _, err := NewManager(kv).Init("")
	require.NoError(t, err)
	require.Equal(t, "Alice B", rec.DisplayName)

	require.ErrorIs(t, NewManager(MemoryKV{}).SetDisplayName("x"), ErrNotInitialized)
}

func TestRegisterPeer(t *testing.T) {
	m := newManager(t, MemoryKV{})
	bob := newPeerKey(t)

	_, err := m.RegisterPeer("bob", "Bob", nil)
	require.ErrorIs(t, err, ErrMissingKey)

	p, err := m.RegisterPeer("bob", "Bob", bob.PublicKey())
	require.NoError(t, err)
	require.Equal(t, bob.Fingerprint(), p.Fingerprint)
	require.False(t, p.Verified)
	require.Zero(t, p.TrustScore)

	m.IncreaseTrust("bob")
	p, err = m.RegisterPeer("bob", "Bobby", bob.PublicKey())
	require.NoError(t, err)
	require.Equal(t, "Bobby", p.Name)
	require.Equal(t, 1, p.TrustScore, "same key keeps trust")
}

func TestRegisterPeerKeyMismatchMarksCompromised(t *testing.T) {
	a := audit.NewLog()
	m := NewManager(MemoryKV{}, WithAudit(a))
	bob := newPeerKey(t)
	mallory := newPeerKey(t)

	_, err := m.RegisterPeer("bob", "Bob", bob.PublicKey())
	require.NoError(t, err)

	_, err = m.RegisterPeer("bob", "Bob", mallory.PublicKey())
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	p, ok := m.PeerIdentity("bob")
	require.True(t, ok)
	require.True(t, p.Compromised)
	require.Equal(t, bob.Fingerprint(), p.Fingerprint, "registered key is not replaced")

	compromised := m.CompromisedPeers()
	require.Len(t, compromised, 1)
	require.Equal(t, "bob", compromised[0].ID)
	require.Len(t, a.ByType(audit.PeerCompromised), 1)

	_, err = m.RegisterPeer("bob", "Bob", mallory.PublicKey())
	require.ErrorIs(t, err, ErrFingerprintMismatch, "re-registration stays refused")
}

func TestChallengeResponse(t *testing.T) {
	m := newManager(t, MemoryKV{})
	bob := newPeerKey(t)
	_, err := m.RegisterPeer("bob", "Bob", bob.PublicKey())
	require.NoError(t, err)

	require.False(t, m.VerifyChallenge("bob", []byte("sig")), "no challenge issued yet")

	c, err := m.GenerateChallenge("bob")
	require.NoError(t, err)
	require.Len(t, c.Nonce, 64)
	pending, ok := m.PendingChallenge("bob")
	require.True(t, ok)
	require.Equal(t, c, pending)

	// A signature from another key fails and leaves trust untouched.
	mallory := newPeerKey(t)
	bad, err := mallory.Sign([]byte(c.Nonce))
	require.NoError(t, err)
	require.False(t, m.VerifyChallenge("bob", bad))
	p, _ := m.PeerIdentity("bob")
	require.False(t, p.Verified)
	require.Empty(t, m.TrustChain())

	sig, err := bob.Sign([]byte(c.Nonce))
	require.NoError(t, err)
	require.True(t, m.VerifyChallenge("bob", sig))

	p, _ = m.PeerIdentity("bob")
	require.True(t, p.Verified)
	chain := m.TrustChain()
	require.Len(t, chain, 1)
	require.Equal(t, "bob", chain[0].PeerID)
	require.Equal(t, "challenge", chain[0].Method)

	_, ok = m.PendingChallenge("bob")
	require.False(t, ok, "challenge is consumed")
}

func TestVerifyChallengeUnknownPeer(t *testing.T) {
	m := newManager(t, MemoryKV{})
	_, err := m.GenerateChallenge("ghost")
	require.NoError(t, err)
	require.False(t, m.VerifyChallenge("ghost", []byte("x")))
}

func TestIncreaseTrustSaturates(t *testing.T) {
	m := newManager(t, MemoryKV{})
	_, err := m.RegisterPeer("bob", "Bob", newPeerKey(t).PublicKey())
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		m.IncreaseTrust("bob")
	}
	p, _ := m.PeerIdentity("bob")
	require.Equal(t, MaxTrust, p.TrustScore)
	require.Equal(t, 150, p.MessagesExchanged)

	m.IncreaseTrust("nobody")
}

func TestMarkVerifiedAndExport(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	m := NewManager(MemoryKV{}, WithClock(mock))
	rec, code, err := m.Init("alice")
	require.NoError(t, err)

	require.ErrorIs(t, m.MarkVerified("bob"), ErrUnknownPeer)

	_, err = m.RegisterPeer("bob", "Bob", newPeerKey(t).PublicKey())
	require.NoError(t, err)
	_, err = m.RegisterPeer("carol", "Carol", newPeerKey(t).PublicKey())
	require.NoError(t, err)
	require.NoError(t, m.MarkVerified("bob"))

	b, err := m.Export()
	require.NoError(t, err)
	require.Equal(t, rec, b.Identity)
	require.Equal(t, code, b.RecoveryCode)
	require.Len(t, b.Peers, 2)
	require.Equal(t, "bob", b.Peers[0].ID)
	require.True(t, b.Peers[0].Verified)
	require.Equal(t, mock.Now(), b.Peers[0].VerifiedAt)
	require.Len(t, b.TrustChain, 1)
	require.Equal(t, "manual", b.TrustChain[0].Method)
}
