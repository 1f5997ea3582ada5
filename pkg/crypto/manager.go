package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/audit"
	"github.com/benbjohnson/clock"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"
)

// RotationPolicy decides what happens when a peer presents a key whose
// fingerprint differs from the one previously recorded for it.
type RotationPolicy int

const (
	// Permissive logs the rotation and derives a fresh channel.
	Permissive RotationPolicy = iota
	// FailClosed logs the rotation and keeps the previous channel.
	FailClosed
)

func (p RotationPolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "permissive"
}

// ParseRotationPolicy parses "permissive" or "fail-closed".
func ParseRotationPolicy(s string) (RotationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "permissive":
		return Permissive, nil
	case "fail-closed", "failclosed", "":
		return FailClosed, nil
	default:
		return Permissive, fmt.Errorf("unknown key rotation policy %q", s)
	}
}

type channel struct {
	key         []byte
	fingerprint Fingerprint
	established time.Time
}

// Manager owns this node's key pair and the per-peer channel keys. Raw key
// material never leaves it.
type Manager struct {
	mu       sync.RWMutex
	priv     *ecdh.PrivateKey
	signer   lcrypto.PrivKey
	exported []byte
	fp       Fingerprint
	channels map[string]*channel
	seen     map[string]Fingerprint

	policy RotationPolicy
	audit  *audit.Log
	clk    clock.Clock
	log    *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

func WithAudit(a *audit.Log) Option { return func(m *Manager) { m.audit = a } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

func WithRotationPolicy(p RotationPolicy) Option { return func(m *Manager) { m.policy = p } }

// WithSigningKey sets the long-lived key used to answer verification
// challenges. A fresh Ed25519 key is generated when none is given.
func WithSigningKey(k lcrypto.PrivKey) Option { return func(m *Manager) { m.signer = k } }

// NewManager generates the local agreement key pair.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]*channel),
		seen:     make(map[string]Fingerprint),
		policy:   Permissive,
		clk:      clock.New(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.audit == nil {
		m.audit = audit.NewLog()
	}
	m.log = m.log.Named("crypto")

	if m.signer == nil {
		k, _, err := lcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		m.signer = k
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate agreement key: %w", err)
	}
	m.priv = priv

	m.exported, err = exportPublic(priv.PublicKey(), m.signer.GetPublic())
	if err != nil {
		return nil, err
	}
	m.fp = ComputeFingerprint(m.exported)

	m.record(audit.KeyGenerated, "", map[string]string{"fingerprint": m.fp.Short})
	m.log.Info("generated key pair", zap.String("fingerprint", m.fp.Short))
	return m, nil
}

// PublicKey returns the exported public key blob exchanged over the wire.
func (m *Manager) PublicKey() []byte {
	out := make([]byte, len(m.exported))
	copy(out, m.exported)
	return out
}

// Fingerprint returns the fingerprint of this node's exported key.
func (m *Manager) Fingerprint() Fingerprint {
	return m.fp
}

func (m *Manager) Policy() RotationPolicy {
	return m.policy
}

// Audit returns the log this manager writes to.
func (m *Manager) Audit() *audit.Log {
	return m.audit
}

// ImportPeerKey records a peer's exported key and derives the channel key
// for it.
func (m *Manager) ImportPeerKey(peerID string, exported []byte) (Fingerprint, error) {
	if len(exported) == 0 {
		return Fingerprint{}, fmt.Errorf("%w: empty key for %s", ErrInvalidKey, peerID)
	}
	agreement, _, err := ParsePublicKey(exported)
	if err != nil {
		m.record(audit.KeyImportFailed, peerID, map[string]string{"error": err.Error()})
		return Fingerprint{}, err
	}
	fp := ComputeFingerprint(exported)

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.seen[peerID]; ok && prev.Hash != fp.Hash {
		fields := map[string]string{"old": prev.Short, "new": fp.Short}
		if m.policy == FailClosed {
			m.record(audit.KeyRotationRejected, peerID, fields)
			m.log.Warn("rejected rotated peer key", zap.String("peer", peerID),
				zap.String("old", prev.Short), zap.String("new", fp.Short))
			return fp, fmt.Errorf("%w: %s", ErrKeyRotation, peerID)
		}
		m.record(audit.KeyRotation, peerID, fields)
		m.log.Warn("peer key rotated", zap.String("peer", peerID),
			zap.String("old", prev.Short), zap.String("new", fp.Short))
	}

	shared, err := m.priv.ECDH(agreement)
	if err != nil {
		m.record(audit.KeyImportFailed, peerID, map[string]string{"error": err.Error()})
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, err := DeriveKey(shared)
	if err != nil {
		return Fingerprint{}, err
	}

	m.channels[peerID] = &channel{key: key, fingerprint: fp, established: m.clk.Now()}
	m.seen[peerID] = fp
	m.record(audit.KeyImport, peerID, map[string]string{"fingerprint": fp.Short})
	m.log.Debug("imported peer key", zap.String("peer", peerID), zap.String("fingerprint", fp.Short))
	return fp, nil
}

// HasChannel reports whether a channel key exists for peerID.
func (m *Manager) HasChannel(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[peerID]
	return ok
}

// PeerFingerprint returns the last fingerprint recorded for peerID.
func (m *Manager) PeerFingerprint(peerID string) (Fingerprint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.seen[peerID]
	return fp, ok
}

// Forget drops the channel key for peerID. The recorded fingerprint is kept
// so a later reconnect with a different key is still detected.
func (m *Manager) Forget(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, peerID)
}

// EncryptMessage seals plaintext for peerID.
func (m *Manager) EncryptMessage(peerID string, plaintext []byte) (Bundle, error) {
	m.mu.RLock()
	ch, ok := m.channels[peerID]
	m.mu.RUnlock()
	if !ok {
		return Bundle{}, fmt.Errorf("%w: %s", ErrNoSecureChannel, peerID)
	}
	return Encrypt(plaintext, ch.key)
}

// DecryptMessage opens a bundle received from peerID. It returns
// ErrNoSecureChannel when no key was derived and ErrDecryptionFailed when
// authentication fails.
func (m *Manager) DecryptMessage(peerID string, b Bundle) ([]byte, error) {
	m.mu.RLock()
	ch, ok := m.channels[peerID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSecureChannel, peerID)
	}
	plaintext, err := Decrypt(b, ch.key)
	if err != nil {
		m.record(audit.DecryptFailed, peerID, map[string]string{"error": err.Error()})
		m.log.Warn("decryption failed", zap.String("peer", peerID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Sign signs data with the node's signing key.
func (m *Manager) Sign(data []byte) ([]byte, error) {
	return m.signer.Sign(data)
}

// Report is a snapshot of the channel manager's security state.
type Report struct {
	Fingerprint Fingerprint   `json:"fingerprint"`
	Policy      string        `json:"policy"`
	Channels    []string      `json:"channels"`
	Audit       []audit.Entry `json:"audit"`
}

// Report returns the current security summary.
func (m *Manager) Report() Report {
	m.mu.RLock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	return Report{
		Fingerprint: m.fp,
		Policy:      m.policy.String(),
		Channels:    ids,
		Audit:       m.audit.Recent(audit.DisplayLimit),
	}
}

func (m *Manager) record(typ, peerID string, fields map[string]string) {
	m.audit.Append(audit.Entry{Type: typ, Time: m.clk.Now(), PeerID: peerID, Fields: fields})
}
