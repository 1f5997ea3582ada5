// Package router classifies inbound frames, applies the star relay rules and
// keeps the chat store up to date.
package router

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/crypto"
	"github.com/baderanaas/HushLink/pkg/identity"
	"github.com/baderanaas/HushLink/pkg/metrics"
	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/registry"
	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Role is the position of this node in the star.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// Sender delivers encoded frames to peers.
type Sender interface {
	Send(peerID string, data []byte) (bool, error)
	Broadcast(data []byte, exclude string) int
}

// Channels is the crypto channel manager as seen by the router.
type Channels interface {
	PublicKey() []byte
	ImportPeerKey(peerID string, exported []byte) (crypto.Fingerprint, error)
	DecryptMessage(peerID string, b crypto.Bundle) ([]byte, error)
	Sign(data []byte) ([]byte, error)
}

// Trust is the identity manager as seen by the router.
type Trust interface {
	RegisterPeer(peerID, name string, publicKey []byte) (identity.PeerIdentity, error)
	IncreaseTrust(peerID string)
	VerifyChallenge(peerID string, sig []byte) bool
	PeerIdentity(peerID string) (identity.PeerIdentity, bool)
}

// Hooks notify the application about routing events. Hooks run while the
// router is dispatching and must not call Dispatch.
type Hooks struct {
	OnWelcome     func(selfID, hostID string)
	OnPeerJoined  func(peerID, name string)
	OnVerified    func(peerID string, ok bool)
	OnCompromised func(peerID string)
}

// Router dispatches inbound frames. Dispatch calls are serialised.
type Router struct {
	reg      *registry.Registry
	store    *Store
	sender   Sender
	channels Channels
	trust    Trust
	hooks    Hooks
	logger   *zap.Logger
	metrics  *metrics.Recorder
	clk      clock.Clock

	dedupSize int
	dedupTTL  time.Duration

	mu       sync.Mutex
	dedup    *expirable.LRU[string, struct{}]
	greeted  map[string]bool
	selfMu   sync.RWMutex
	role     Role
	selfID   string
	selfName string
}

// Option configures a Router.
type Option func(*Router)

func WithTrust(t Trust) Option               { return func(r *Router) { r.trust = t } }
func WithHooks(h Hooks) Option               { return func(r *Router) { r.hooks = h } }
func WithLogger(l *zap.Logger) Option        { return func(r *Router) { r.logger = l } }
func WithMetrics(m *metrics.Recorder) Option { return func(r *Router) { r.metrics = m } }
func WithClock(c clock.Clock) Option         { return func(r *Router) { r.clk = c } }

// WithDedup sizes the duplicate suppression window.
func WithDedup(size int, ttl time.Duration) Option {
	return func(r *Router) { r.dedupSize, r.dedupTTL = size, ttl }
}

// New creates a router over the registry and store.
func New(reg *registry.Registry, store *Store, sender Sender, channels Channels, opts ...Option) *Router {
	r := &Router{
		reg:       reg,
		store:     store,
		sender:    sender,
		channels:  channels,
		logger:    zap.NewNop(),
		clk:       clock.New(),
		dedupSize: 4096,
		dedupTTL:  5 * time.Minute,
		greeted:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("router")
	r.dedup = expirable.NewLRU[string, struct{}](r.dedupSize, nil, r.dedupTTL)
	return r
}

// SetRole fixes whether this node is the hub or a leaf.
func (r *Router) SetRole(role Role) {
	r.selfMu.Lock()
	r.role = role
	r.selfMu.Unlock()
}

// Role returns the current role.
func (r *Router) Role() Role {
	r.selfMu.RLock()
	defer r.selfMu.RUnlock()
	return r.role
}

// SetSelf records the local id and display name.
func (r *Router) SetSelf(id, name string) {
	r.selfMu.Lock()
	r.selfID, r.selfName = id, name
	r.selfMu.Unlock()
	r.store.SetSelf(id)
}

// Self returns the local id and display name.
func (r *Router) Self() (string, string) {
	r.selfMu.RLock()
	defer r.selfMu.RUnlock()
	return r.selfID, r.selfName
}

// Greeted reports whether the host completed the HI exchange with peerID.
func (r *Router) Greeted(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.greeted[peerID]
}

// Forget drops handshake state for a departed peer.
func (r *Router) Forget(peerID string) {
	r.mu.Lock()
	delete(r.greeted, peerID)
	r.mu.Unlock()
}

// Dispatch handles one inbound frame received on conn.
func (r *Router) Dispatch(conn transport.Conn, data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			r.logger.Info("ignoring frame", zap.Error(err))
		} else {
			r.logger.Warn("dropping malformed frame", zap.Error(err))
		}
		return err
	}
	r.metrics.FrameReceived(frame.Kind().String())

	r.mu.Lock()
	defer r.mu.Unlock()

	from := ""
	if p, ok := r.reg.FindByConn(conn); ok {
		from = p.ID
	}

	if claimed, ok := claimedSender(frame); ok && r.Role() == RoleHost && from != "" && claimed != from {
		r.logger.Warn("dropping frame with forged sender",
			zap.Stringer("kind", frame.Kind()), zap.String("from", from), zap.String("claimed", claimed))
		return nil
	}

	if key, ok := messageKey(frame); ok {
		if r.dedup.Contains(key) {
			r.metrics.Duplicate()
			r.logger.Debug("duplicate frame", zap.Stringer("kind", frame.Kind()), zap.String("from", from))
			return nil
		}
		r.dedup.Add(key, struct{}{})
	}

	switch f := frame.(type) {
	case *protocol.Hi:
		r.handleHi(from, f)
	case *protocol.Welcome:
		r.handleWelcome(from, f)
	case *protocol.UserJoin:
		r.handleUserJoin(f)
	case *protocol.NameUpdate:
		r.handleNameUpdate(from, f)
	case *protocol.GroupMessage:
		r.handleGroupMessage(from, f, data)
	case *protocol.PrivateMessage:
		r.handlePrivateMessage(f, data)
	case *protocol.EncryptedChat:
		r.handleEncryptedChat(f, data)
	case *protocol.Chat:
		r.handleChat(from, f, data)
	case *protocol.VerifyChallenge:
		r.handleVerifyChallenge(f, data)
	case *protocol.VerifyResponse:
		r.handleVerifyResponse(f, data)
	default:
		r.logger.Info("unhandled frame kind", zap.Stringer("kind", frame.Kind()))
	}
	return nil
}

// claimedSender returns the sender a frame names for itself.
func claimedSender(f protocol.Frame) (string, bool) {
	switch m := f.(type) {
	case *protocol.GroupMessage:
		return m.From, true
	case *protocol.PrivateMessage:
		return m.From, true
	case *protocol.EncryptedChat:
		return m.From, true
	case *protocol.Chat:
		return m.From, true
	case *protocol.VerifyChallenge:
		return m.From, true
	case *protocol.VerifyResponse:
		return m.From, true
	}
	return "", false
}

func messageKey(f protocol.Frame) (string, bool) {
	switch m := f.(type) {
	case *protocol.GroupMessage:
		return protocol.MessageID(m.From, m.Group+"|"+m.Content, m.Timestamp), true
	case *protocol.PrivateMessage:
		body := m.Target + "|" + m.Content
		if m.Payload != nil {
			body += "|" + base64.StdEncoding.EncodeToString(m.Payload.Ciphertext)
		}
		return protocol.MessageID(m.From, body, m.Timestamp), true
	case *protocol.EncryptedChat:
		body := m.Target + "|" + m.To + "|" + base64.StdEncoding.EncodeToString(m.Payload.Ciphertext)
		return protocol.MessageID(m.From, body, m.Timestamp), true
	case *protocol.Chat:
		return protocol.MessageID(m.From, m.Target+"|"+m.Content, m.Timestamp), true
	}
	return "", false
}

func (r *Router) now() time.Time { return r.clk.Now() }

func (r *Router) system(ref ChatRef, format string, args ...any) {
	if err := r.store.AddSystemMessage(ref, fmt.Sprintf(format, args...), r.now()); err != nil {
		r.logger.Debug("system message dropped", zap.Error(err))
	}
}

func (r *Router) send(peerID string, f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		r.logger.Error("failed to encode frame", zap.Stringer("kind", f.Kind()), zap.Error(err))
		return
	}
	if _, err := r.sender.Send(peerID, data); err != nil {
		r.logger.Warn("send failed", zap.String("peer", peerID), zap.Stringer("kind", f.Kind()), zap.Error(err))
		return
	}
	r.metrics.FrameSent(f.Kind().String())
}

func (r *Router) forward(target string, kind protocol.Kind, data []byte) {
	if _, ok := r.reg.Find(target); !ok {
		r.logger.Warn("relay target unknown", zap.String("target", target), zap.Stringer("kind", kind))
		return
	}
	if _, err := r.sender.Send(target, data); err != nil {
		r.logger.Warn("relay failed", zap.String("target", target), zap.Error(err))
		return
	}
	r.metrics.FrameRelayed(kind.String())
}

func (r *Router) relayToOthers(from string, kind protocol.Kind, data []byte) {
	n := r.sender.Broadcast(data, from)
	for i := 0; i < n; i++ {
		r.metrics.FrameRelayed(kind.String())
	}
}

// learnKey imports a peer key into the crypto manager and the identity
// manager and mirrors the outcome in the registry.
func (r *Router) learnKey(peerID, name string, key []byte) {
	if len(key) == 0 {
		return
	}
	fp, err := r.channels.ImportPeerKey(peerID, key)
	switch {
	case errors.Is(err, crypto.ErrKeyRotation):
		r.system(General, "⚠️ Rejected a new key from %s (%s)", displayName(name, peerID), fp.Short)
	case err != nil:
		r.logger.Warn("failed to import peer key", zap.String("peer", peerID), zap.Error(err))
	default:
		r.reg.SetKey(peerID, key, fp.Short)
	}

	if r.trust == nil {
		return
	}
	pi, err := r.trust.RegisterPeer(peerID, name, key)
	if errors.Is(err, identity.ErrFingerprintMismatch) {
		r.reg.Update(peerID, func(p *registry.Peer) { p.Compromised = true })
		r.system(General, "⚠️ Key mismatch for %s, peer flagged as compromised", displayName(name, peerID))
		if r.hooks.OnCompromised != nil {
			r.hooks.OnCompromised(peerID)
		}
		return
	}
	if err != nil {
		r.logger.Warn("failed to register peer", zap.String("peer", peerID), zap.Error(err))
		return
	}
	r.syncTrust(pi)
}

func (r *Router) syncTrust(pi identity.PeerIdentity) {
	r.reg.Update(pi.ID, func(p *registry.Peer) {
		p.Trust = pi.TrustScore
		p.Verified = pi.Verified
		p.Compromised = pi.Compromised
	})
}

func (r *Router) decrypt(peerID string, b crypto.Bundle) (string, bool) {
	plaintext, err := r.channels.DecryptMessage(peerID, b)
	if err != nil {
		r.metrics.DecryptFailure()
		r.logger.Warn("decryption failed", zap.String("peer", peerID), zap.Error(err))
		return DecryptFailedText, false
	}
	if r.trust != nil {
		r.trust.IncreaseTrust(peerID)
		if pi, ok := r.trust.PeerIdentity(peerID); ok {
			r.syncTrust(pi)
		}
	}
	return string(plaintext), true
}

func (r *Router) handleHi(from string, f *protocol.Hi) {
	self, selfName := r.Self()
	if r.Role() != RoleHost {
		r.logger.Debug("ignoring HI on a non-host node")
		return
	}
	if from == "" {
		r.logger.Warn("HI on an unregistered conn")
		return
	}
	if r.greeted[from] {
		r.handleNameUpdate(from, &protocol.NameUpdate{ID: from, Name: f.Name, PublicKey: f.PublicKey})
		return
	}

	id := protocol.AssignPeerID(r.now(), func(candidate string) bool {
		_, taken := r.reg.Find(candidate)
		return taken || candidate == self
	})
	if err := r.reg.Rekey(from, id); err != nil {
		r.logger.Warn("failed to assign peer id", zap.String("conn", from), zap.Error(err))
		return
	}
	r.store.Rename(from, id)
	r.greeted[id] = true
	name := displayName(f.Name, id)
	r.reg.SetName(id, name)
	r.learnKey(id, name, f.PublicKey)
	r.store.AddMember(GeneralID, id)

	roster := make([]protocol.PeerRef, 0)
	for _, p := range r.reg.List() {
		if p.ID == id || !r.greeted[p.ID] {
			continue
		}
		roster = append(roster, protocol.PeerRef{ID: p.ID, Name: p.Name, PublicKey: p.PublicKey})
	}
	r.send(id, &protocol.Welcome{AssignedID: id, HostID: self, HostName: selfName, Peers: roster})
	r.send(id, &protocol.NameUpdate{ID: self, Name: selfName, PublicKey: r.channels.PublicKey()})

	join, err := protocol.Encode(&protocol.UserJoin{User: protocol.PeerRef{ID: id, Name: name, PublicKey: f.PublicKey}})
	if err == nil {
		r.sender.Broadcast(join, id)
	}

	r.logger.Info("peer joined", zap.String("peer", id), zap.String("name", name))
	r.system(General, "%s joined", name)
	if r.hooks.OnPeerJoined != nil {
		r.hooks.OnPeerJoined(id, name)
	}
}

func (r *Router) handleWelcome(from string, f *protocol.Welcome) {
	if r.Role() != RoleGuest {
		r.logger.Debug("ignoring WELCOME on a non-guest node")
		return
	}
	_, selfName := r.Self()
	r.SetSelf(f.AssignedID, selfName)

	hostID := from
	if f.HostID != "" && f.HostID != from && from != "" {
		if err := r.reg.Rekey(from, f.HostID); err != nil {
			r.logger.Warn("failed to rekey host", zap.Error(err))
		} else {
			r.store.Rename(from, f.HostID)
			hostID = f.HostID
		}
	}
	r.reg.SetHub(hostID)
	if f.HostName != "" {
		r.reg.SetName(hostID, f.HostName)
	}
	r.store.AddMember(GeneralID, hostID)

	for _, p := range f.Peers {
		if p.ID == f.AssignedID || p.ID == hostID {
			continue
		}
		r.reg.UpsertPlaceholder(p.ID, p.Name)
		r.learnKey(p.ID, p.Name, p.PublicKey)
		r.store.AddMember(GeneralID, p.ID)
	}

	r.logger.Info("welcomed", zap.String("id", f.AssignedID), zap.String("host", hostID), zap.Int("peers", len(f.Peers)))
	r.system(General, "✅ Connected as %s", f.AssignedID)
	if r.hooks.OnWelcome != nil {
		r.hooks.OnWelcome(f.AssignedID, hostID)
	}
}

func (r *Router) handleUserJoin(f *protocol.UserJoin) {
	self, _ := r.Self()
	if r.Role() == RoleHost || f.User.ID == self {
		return
	}
	u := f.User
	r.reg.UpsertPlaceholder(u.ID, u.Name)
	r.learnKey(u.ID, u.Name, u.PublicKey)
	r.store.AddMember(GeneralID, u.ID)
	name := displayName(u.Name, u.ID)
	r.system(General, "%s joined", name)
	if r.hooks.OnPeerJoined != nil {
		r.hooks.OnPeerJoined(u.ID, name)
	}
}

func (r *Router) handleNameUpdate(from string, f *protocol.NameUpdate) {
	self, _ := r.Self()
	id := f.ID
	if id == "" {
		id = from
	}
	if id == "" || id == self {
		return
	}
	host := r.Role() == RoleHost
	if host && id != from {
		r.logger.Warn("peer tried to rename another peer", zap.String("from", from), zap.String("id", id))
		return
	}

	prev, known := r.reg.Find(id)
	if f.Name != "" {
		r.reg.UpsertPlaceholder(id, f.Name)
		r.store.SetPeerName(id, f.Name)
	}
	r.learnKey(id, f.Name, f.PublicKey)
	if known && prev.Name != "" && f.Name != "" && prev.Name != f.Name {
		r.system(General, "%s is now %s", prev.Name, f.Name)
	}

	if host && r.greeted[id] {
		data, err := protocol.Encode(&protocol.NameUpdate{ID: id, Name: f.Name, PublicKey: f.PublicKey})
		if err == nil {
			r.relayToOthers(from, protocol.KindNameUpdate, data)
		}
	}
}

func (r *Router) handleGroupMessage(from string, f *protocol.GroupMessage, data []byte) {
	if r.Role() == RoleHost {
		r.relayToOthers(from, protocol.KindGroupMessage, data)
	}
	ref := General
	if f.Group != "" && f.Group != GeneralID {
		r.store.EnsureGroup(f.Group, "")
		ref = ChatRef{Type: ChatGroup, ID: f.Group}
	}
	r.store.Append(ref, Message{
		ID:        protocol.MessageID(f.From, f.Group+"|"+f.Content, f.Timestamp),
		From:      f.From,
		FromName:  f.FromName,
		Content:   f.Content,
		Target:    ref.ID,
		Timestamp: f.Timestamp,
		Kind:      KindGroup,
	})
}

func (r *Router) handlePrivateMessage(f *protocol.PrivateMessage, data []byte) {
	self, _ := r.Self()
	if f.Target != self {
		if r.Role() == RoleHost {
			r.forward(f.Target, protocol.KindPrivateMessage, data)
		} else {
			r.logger.Debug("dropping private message for another peer", zap.String("target", f.Target))
		}
		return
	}

	key, _ := messageKey(f)
	m := Message{
		ID:        key,
		From:      f.From,
		FromName:  f.FromName,
		Content:   f.Content,
		Target:    f.Target,
		Timestamp: f.Timestamp,
		Kind:      KindPrivate,
	}
	if f.Encrypted() {
		m.Encrypted = true
		m.Content, m.Failed = r.decryptOrPlaceholder(f.From, *f.Payload)
	}
	r.store.Append(ChatRef{Type: ChatPrivate, ID: f.From}, m)
}

func (r *Router) decryptOrPlaceholder(peerID string, b crypto.Bundle) (string, bool) {
	text, ok := r.decrypt(peerID, b)
	return text, !ok
}

func (r *Router) handleEncryptedChat(f *protocol.EncryptedChat, data []byte) {
	self, _ := r.Self()
	to := f.Recipient()
	if to == protocol.GroupTarget {
		to = self
	}
	if to != self {
		if r.Role() == RoleHost {
			r.forward(to, protocol.KindEncryptedChat, data)
		} else {
			r.logger.Debug("dropping encrypted chat for another peer", zap.String("to", to))
		}
		return
	}

	key, _ := messageKey(f)
	m := Message{
		ID:        key,
		From:      f.From,
		FromName:  f.FromName,
		Target:    f.Target,
		Timestamp: f.Timestamp,
		Encrypted: true,
		Kind:      KindEncrypted,
	}
	m.Content, m.Failed = r.decryptOrPlaceholder(f.From, f.Payload)

	ref := ChatRef{Type: ChatPrivate, ID: f.From}
	if f.Target == protocol.GroupTarget {
		ref = General
	}
	r.store.Append(ref, m)
}

func (r *Router) handleChat(from string, f *protocol.Chat, data []byte) {
	self, _ := r.Self()
	host := r.Role() == RoleHost
	key, _ := messageKey(f)
	m := Message{
		ID:        key,
		From:      f.From,
		FromName:  f.FromName,
		Content:   f.Content,
		Target:    f.Target,
		Timestamp: f.Timestamp,
		Kind:      KindChat,
	}

	if f.Target == protocol.GroupTarget {
		if host {
			r.relayToOthers(from, protocol.KindChat, data)
		}
		r.store.Append(General, m)
		return
	}
	if f.Target != self {
		if host {
			r.forward(f.Target, protocol.KindChat, data)
		}
		return
	}
	r.store.Append(ChatRef{Type: ChatPrivate, ID: f.From}, m)
}

func (r *Router) handleVerifyChallenge(f *protocol.VerifyChallenge, data []byte) {
	self, _ := r.Self()
	if f.Target != self {
		if r.Role() == RoleHost {
			r.forward(f.Target, protocol.KindVerifyChallenge, data)
		}
		return
	}
	sig, err := r.channels.Sign([]byte(f.Nonce))
	if err != nil {
		r.logger.Warn("cannot answer verification challenge", zap.String("peer", f.From), zap.Error(err))
		return
	}
	r.send(f.From, &protocol.VerifyResponse{From: self, Target: f.From, Nonce: f.Nonce, Signature: sig})
	r.system(General, "🔐 Verification requested by %s", r.nameOf(f.From))
}

func (r *Router) handleVerifyResponse(f *protocol.VerifyResponse, data []byte) {
	self, _ := r.Self()
	if f.Target != self {
		if r.Role() == RoleHost {
			r.forward(f.Target, protocol.KindVerifyResponse, data)
		}
		return
	}
	if r.trust == nil {
		return
	}
	ok := r.trust.VerifyChallenge(f.From, f.Signature)
	if pi, found := r.trust.PeerIdentity(f.From); found {
		r.syncTrust(pi)
	}
	if ok {
		r.system(General, "✅ %s verified", r.nameOf(f.From))
	} else {
		r.system(General, "❌ Verification of %s failed", r.nameOf(f.From))
	}
	if r.hooks.OnVerified != nil {
		r.hooks.OnVerified(f.From, ok)
	}
}

func (r *Router) nameOf(peerID string) string {
	if p, ok := r.reg.Find(peerID); ok {
		return displayName(p.Name, peerID)
	}
	return peerID
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
