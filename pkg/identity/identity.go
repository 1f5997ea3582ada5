package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/audit"
	"github.com/baderanaas/HushLink/pkg/crypto"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxTrust is the ceiling of a peer's trust score.
const MaxTrust = 100

var (
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrMissingKey          = errors.New("no public key")
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")
	ErrNoChallenge         = errors.New("no outstanding challenge")
	ErrNotInitialized      = errors.New("identity not initialized")
)

// Record is the local identity, created once and reused across sessions.
type Record struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Created      time.Time `json:"created"`
	RecoveryHash []byte    `json:"recoveryHash"`
	RecoverySalt []byte    `json:"recoverySalt"`
}

// PeerIdentity is the trust state kept for one remote peer.
type PeerIdentity struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Fingerprint       crypto.Fingerprint `json:"fingerprint"`
	PublicKey         []byte             `json:"-"`
	Registered        time.Time          `json:"registered"`
	Verified          bool               `json:"verified"`
	VerifiedAt        time.Time          `json:"verifiedAt,omitempty"`
	Compromised       bool               `json:"compromised"`
	TrustScore        int                `json:"trustScore"`
	MessagesExchanged int                `json:"messagesExchanged"`
}

// Challenge is a nonce issued to a peer to prove key ownership.
type Challenge struct {
	PeerID  string    `json:"peerId"`
	Nonce   string    `json:"nonce"`
	Created time.Time `json:"created"`
}

// TrustLink is one entry of the trust chain.
type TrustLink struct {
	PeerID      string    `json:"peerId"`
	Fingerprint string    `json:"fingerprint"`
	Method      string    `json:"method"`
	At          time.Time `json:"at"`
}

// Backup is the exportable identity bundle.
type Backup struct {
	Identity     Record         `json:"identity"`
	RecoveryCode string         `json:"recoveryCode,omitempty"`
	Peers        []PeerIdentity `json:"peerRegistry"`
	TrustChain   []TrustLink    `json:"trustChain"`
}

// Manager tracks the local identity and the trust state of remote peers.
type Manager struct {
	mu           sync.RWMutex
	kv           KV
	record       *Record
	recoveryCode string
	peers        map[string]*PeerIdentity
	challenges   map[string]Challenge
	chain        []TrustLink

	audit *audit.Log
	clk   clock.Clock
	log   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

func WithAudit(a *audit.Log) Option { return func(m *Manager) { m.audit = a } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// NewManager creates a Manager backed by kv.
func NewManager(kv KV, opts ...Option) *Manager {
	m := &Manager{
		kv:         kv,
		peers:      make(map[string]*PeerIdentity),
		challenges: make(map[string]Challenge),
		clk:        clock.New(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.audit == nil {
		m.audit = audit.NewLog()
	}
	m.log = m.log.Named("identity")
	return m
}

// Init loads the persisted identity or creates a new one. The recovery code
// is only returned when the identity is created.
func (m *Manager) Init(displayName string) (Record, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.kv.Get(recordKey)
	switch {
	case err == nil:
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Record{}, "", fmt.Errorf("failed to decode identity: %w", err)
		}
		m.record = &rec
		m.log.Info("identity restored", zap.String("id", rec.ID))
		return rec, "", nil
	case !errors.Is(err, ErrNotFound):
		return Record{}, "", fmt.Errorf("failed to read identity: %w", err)
	}

	code, err := GenerateRecoveryCode()
	if err != nil {
		return Record{}, "", err
	}
	hash, salt, err := HashRecoveryCode(code)
	if err != nil {
		return Record{}, "", err
	}
	rec := Record{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		Created:      m.clk.Now().UTC(),
		RecoveryHash: hash,
		RecoverySalt: salt,
	}
	if err := m.saveLocked(rec); err != nil {
		return Record{}, "", err
	}
	m.record = &rec
	m.recoveryCode = code
	m.log.Info("identity created", zap.String("id", rec.ID))
	return rec, code, nil
}

// Identity returns the local record.
func (m *Manager) Identity() (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record == nil {
		return Record{}, ErrNotInitialized
	}
	return *m.record, nil
}

// SetDisplayName updates and persists the local display name.
func (m *Manager) SetDisplayName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return ErrNotInitialized
	}
	rec := *m.record
	rec.DisplayName = name
	if err := m.saveLocked(rec); err != nil {
		return err
	}
	m.record = &rec
	return nil
}

// VerifyRecoveryCode checks a presented recovery code against the stored hash.
func (m *Manager) VerifyRecoveryCode(code string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record == nil {
		return false
	}
	return CheckRecoveryCode(code, m.record.RecoveryHash, m.record.RecoverySalt)
}

func (m *Manager) saveLocked(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.kv.Set(recordKey, raw); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// RegisterPeer records a peer's key. A peer that presents a key different
// from the one already registered is flagged compromised and refused.
func (m *Manager) RegisterPeer(peerID, name string, publicKey []byte) (PeerIdentity, error) {
	if len(publicKey) == 0 {
		return PeerIdentity{}, fmt.Errorf("%w: %s", ErrMissingKey, peerID)
	}
	fp := crypto.ComputeFingerprint(publicKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[peerID]; ok {
		if existing.Fingerprint.Hash != fp.Hash {
			existing.Compromised = true
			m.auditEvent(audit.PeerCompromised, peerID, map[string]string{
				"registered": existing.Fingerprint.Short,
				"presented":  fp.Short,
			})
			m.log.Warn("key mismatch, possible MITM", zap.String("peer", peerID),
				zap.String("registered", existing.Fingerprint.Short), zap.String("presented", fp.Short))
			return *existing, fmt.Errorf("%w: %s", ErrFingerprintMismatch, peerID)
		}
		if name != "" {
			existing.Name = name
		}
		return *existing, nil
	}

	p := &PeerIdentity{
		ID:          peerID,
		Name:        name,
		Fingerprint: fp,
		PublicKey:   append([]byte(nil), publicKey...),
		Registered:  m.clk.Now(),
	}
	m.peers[peerID] = p
	m.log.Info("peer registered", zap.String("peer", peerID), zap.String("fingerprint", fp.Short))
	return *p, nil
}

// GenerateChallenge issues a random nonce bound to peerID, replacing any
// earlier one.
func (m *Manager) GenerateChallenge(peerID string) (Challenge, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("failed to generate challenge: %w", err)
	}
	c := Challenge{PeerID: peerID, Nonce: hex.EncodeToString(buf), Created: m.clk.Now()}

	m.mu.Lock()
	m.challenges[peerID] = c
	m.mu.Unlock()
	return c, nil
}

// PendingChallenge returns the outstanding challenge for peerID.
func (m *Manager) PendingChallenge(peerID string) (Challenge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[peerID]
	return c, ok
}

// VerifyChallenge checks sig over the outstanding challenge nonce with the
// peer's registered key. On success the peer is marked verified.
func (m *Manager) VerifyChallenge(peerID string, sig []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[peerID]
	if !ok {
		m.log.Warn("no active challenge", zap.String("peer", peerID))
		return false
	}
	p, ok := m.peers[peerID]
	if !ok {
		m.log.Warn("peer not registered", zap.String("peer", peerID))
		return false
	}

	valid, err := crypto.VerifySignature(p.PublicKey, []byte(c.Nonce), sig)
	if err != nil || !valid {
		fields := map[string]string{"fingerprint": p.Fingerprint.Short}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.auditEvent(audit.VerifyFailed, peerID, fields)
		m.log.Warn("verification failed", zap.String("peer", peerID), zap.Error(err))
		return false
	}

	delete(m.challenges, peerID)
	m.markVerifiedLocked(p, "challenge")
	return true
}

// MarkVerified records a manual out-of-band fingerprint comparison.
func (m *Manager) MarkVerified(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	m.markVerifiedLocked(p, "manual")
	return nil
}

func (m *Manager) markVerifiedLocked(p *PeerIdentity, method string) {
	now := m.clk.Now()
	p.Verified = true
	p.VerifiedAt = now
	m.chain = append(m.chain, TrustLink{PeerID: p.ID, Fingerprint: p.Fingerprint.Short, Method: method, At: now})
	m.auditEvent(audit.PeerVerified, p.ID, map[string]string{"method": method, "fingerprint": p.Fingerprint.Short})
	m.log.Info("peer verified", zap.String("peer", p.ID), zap.String("method", method))
}

// IncreaseTrust bumps the trust score after a successfully decrypted message.
func (m *Manager) IncreaseTrust(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	p.TrustScore = min(p.TrustScore+1, MaxTrust)
	p.MessagesExchanged++
}

// PeerIdentity returns the trust summary for one peer.
func (m *Manager) PeerIdentity(peerID string) (PeerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return PeerIdentity{}, false
	}
	return *p, true
}

// Peers returns every registered peer ordered by id.
func (m *Manager) Peers() []PeerIdentity {
	return m.filter(func(*PeerIdentity) bool { return true })
}

// CompromisedPeers returns peers whose key no longer matches.
func (m *Manager) CompromisedPeers() []PeerIdentity {
	return m.filter(func(p *PeerIdentity) bool { return p.Compromised })
}

func (m *Manager) filter(keep func(*PeerIdentity) bool) []PeerIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerIdentity, 0, len(m.peers))
	for _, p := range m.peers {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TrustChain returns verified peers in verification order.
func (m *Manager) TrustChain() []TrustLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TrustLink(nil), m.chain...)
}

// Export builds an identity backup. The recovery code is included only when
// it was generated in this session.
func (m *Manager) Export() (Backup, error) {
	rec, err := m.Identity()
	if err != nil {
		return Backup{}, err
	}
	m.mu.RLock()
	code := m.recoveryCode
	m.mu.RUnlock()
	return Backup{
		Identity:     rec,
		RecoveryCode: code,
		Peers:        m.Peers(),
		TrustChain:   m.TrustChain(),
	}, nil
}

func (m *Manager) auditEvent(typ, peerID string, fields map[string]string) {
	m.audit.Append(audit.Entry{Type: typ, Time: m.clk.Now(), PeerID: peerID, Fields: fields})
}
