package node

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/baderanaas/HushLink/pkg/bootstrap"
	"github.com/baderanaas/HushLink/pkg/crypto"
	"github.com/baderanaas/HushLink/pkg/identity"
	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/registry"
	"github.com/baderanaas/HushLink/pkg/router"
	"github.com/baderanaas/HushLink/pkg/transport"
	"go.uber.org/zap"
)

// Host makes this node the hub of a new session and opens its first gateway.
func (n *Node) Host(ctx context.Context) (bootstrap.Gateway, error) {
	if err := n.becomeHost(); err != nil {
		return bootstrap.Gateway{}, err
	}
	return n.host.CreateGateway(ctx)
}

func (n *Node) becomeHost() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.router.Role() {
	case router.RoleHost:
		return nil
	case router.RoleGuest:
		return fmt.Errorf("%w: already joined a session as a guest", ErrNotHost)
	}
	if n.name == "" {
		n.name = "Host_" + n.record.ID[:4]
	}
	n.router.SetRole(router.RoleHost)
	n.router.SetSelf(n.record.ID, n.name)
	n.store.AddMember(router.GeneralID, n.record.ID)
	n.logger.Info("hosting session", zap.String("id", n.record.ID), zap.String("name", n.name))
	return nil
}

func (n *Node) becomeGuest() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.router.Role() {
	case router.RoleGuest:
		return nil
	case router.RoleHost:
		return ErrNotGuest
	}
	if n.name == "" {
		n.name = "Guest"
	}
	n.router.SetRole(router.RoleGuest)
	n.router.SetSelf("", n.name)
	return nil
}

// CreateInvite opens another gateway on a hosting node.
func (n *Node) CreateInvite(ctx context.Context) (bootstrap.Gateway, error) {
	if n.router.Role() != router.RoleHost {
		return bootstrap.Gateway{}, ErrNotHost
	}
	return n.host.CreateGateway(ctx)
}

// AcceptAnswer completes a gateway with a guest's answer code or link.
func (n *Node) AcceptAnswer(ctx context.Context, code string) (transport.Conn, error) {
	if n.router.Role() != router.RoleHost {
		return nil, ErrNotHost
	}
	return n.host.ApplyAnswer(ctx, code)
}

// Join answers a host's offer. The conn opens once the host applies the
// returned answer; HI is sent automatically on open.
func (n *Node) Join(ctx context.Context, code string) (bootstrap.Answer, error) {
	if err := n.becomeGuest(); err != nil {
		return bootstrap.Answer{}, err
	}
	return n.guest.Join(ctx, code)
}

// LinkResult reports what HandleLink did with a link.
type LinkResult struct {
	Intent bootstrap.Intent
	// Answer is set when the link carried an offer this node answered.
	Answer *bootstrap.Answer
	// Conn is set when the link carried an answer this node applied.
	Conn transport.Conn
	// Pending is set for invitations without a code, kept for later.
	Pending bool
}

// HandleLink acts on a pasted link or code.
func (n *Node) HandleLink(ctx context.Context, raw string) (LinkResult, error) {
	intent, err := bootstrap.ParseIntent(raw)
	if err != nil {
		return LinkResult{}, err
	}
	res := LinkResult{Intent: intent}

	switch intent.Kind {
	case bootstrap.IntentOffer:
		answer, err := n.Join(ctx, intent.Code)
		if err != nil {
			return res, err
		}
		res.Answer = &answer
	case bootstrap.IntentInvite:
		inv := intent.Invitation
		if inv.ChatType == protocol.ChatGroup {
			n.store.EnsureGroup(inv.ChatID, inv.ChatName)
		}
		if !intent.Joinable() {
			n.mu.Lock()
			n.intents = append(n.intents, intent)
			n.mu.Unlock()
			res.Pending = true
			n.system(router.General, "📨 Invitation to %s from %s saved", inv.ChatName, inv.CreatorName)
			return res, nil
		}
		answer, err := n.Join(ctx, intent.Code)
		if err != nil {
			return res, err
		}
		res.Answer = &answer
	case bootstrap.IntentSession:
		n.mu.Lock()
		n.sessions = append(n.sessions, *intent.Session)
		n.mu.Unlock()
		n.system(router.General, "📡 Session %s (%s) announced by %s",
			intent.Session.SessionID, intent.Session.Protocol, intent.Session.CreatorName)
	case bootstrap.IntentAnswer:
		conn, err := n.AcceptAnswer(ctx, intent.Code)
		if err != nil {
			return res, err
		}
		res.Conn = conn
	}
	return res, nil
}

func (n *Node) session() (string, string, error) {
	if n.router.Role() == router.RoleNone {
		return "", "", ErrNoSession
	}
	self, name := n.router.Self()
	return self, name, nil
}

// hub is the peer a guest sends everything through.
func (n *Node) hub() string {
	if h := n.reg.Hub(); h != "" {
		return h
	}
	return hostAlias
}

// publish sends a frame meant for the whole group.
func (n *Node) publish(data []byte) error {
	if n.router.Role() == router.RoleHost {
		n.sender.Broadcast(data, "")
		return nil
	}
	_, err := n.sender.SendOrEnqueue(n.hub(), data)
	return err
}

// SendGroupMessage sends text to the general group.
func (n *Node) SendGroupMessage(text string) error {
	return n.SendToGroup(router.GeneralID, text)
}

// SendToGroup sends text to a group. With require_encryption set, general
// group messages go out encrypted per recipient.
func (n *Node) SendToGroup(groupID, text string) error {
	self, name, err := n.session()
	if err != nil {
		return err
	}
	if _, ok := n.store.Group(groupID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChat, groupID)
	}
	if n.cfg.RequireEncryption {
		if groupID != router.GeneralID {
			return fmt.Errorf("%w: custom groups are plaintext only", ErrNoSecureChannel)
		}
		return n.SendEncrypted(protocol.GroupTarget, text)
	}

	now := n.clk.Now()
	f := &protocol.GroupMessage{From: self, FromName: name, Content: text, Timestamp: now}
	if groupID != router.GeneralID {
		f.Group = groupID
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	ref := router.ChatRef{Type: router.ChatGroup, ID: groupID}
	if err := n.store.Append(ref, router.Message{
		ID:        protocol.MessageID(self, f.Group+"|"+text, now),
		From:      self,
		FromName:  name,
		Content:   text,
		Target:    groupID,
		Timestamp: now,
		Kind:      router.KindGroup,
	}); err != nil {
		return err
	}
	n.metrics.FrameSent(protocol.KindGroupMessage.String())
	return n.publish(data)
}

func (n *Node) peer(peerID string) (registry.Peer, error) {
	p, ok := n.reg.Find(peerID)
	if !ok {
		return registry.Peer{}, fmt.Errorf("%w: %s", registry.ErrUnknownPeer, peerID)
	}
	return p, nil
}

func (n *Node) encryptFor(peerID, text string) (crypto.Bundle, error) {
	b, err := n.crypto.EncryptMessage(peerID, []byte(text))
	if errors.Is(err, crypto.ErrNoSecureChannel) {
		return crypto.Bundle{}, fmt.Errorf("%w with %s", ErrNoSecureChannel, peerID)
	}
	return b, err
}

// SendPrivateMessage sends text to one peer, through the host when this node
// is a guest.
func (n *Node) SendPrivateMessage(peerID, text string) error {
	self, name, err := n.session()
	if err != nil {
		return err
	}
	p, err := n.peer(peerID)
	if err != nil {
		return err
	}

	now := n.clk.Now()
	f := &protocol.PrivateMessage{From: self, FromName: name, Target: peerID, Timestamp: now}
	m := router.Message{
		ID:        protocol.MessageID(self, text, now),
		From:      self,
		FromName:  name,
		Content:   text,
		Target:    peerID,
		Timestamp: now,
		Kind:      router.KindPrivate,
	}
	if n.cfg.RequireEncryption {
		b, err := n.encryptFor(peerID, text)
		if err != nil {
			return err
		}
		f.Payload = &b
		m.Encrypted = true
	} else {
		f.Content = text
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	n.store.OpenPrivate(peerID, p.Name)
	if err := n.store.Append(router.ChatRef{Type: router.ChatPrivate, ID: peerID}, m); err != nil {
		return err
	}
	n.metrics.FrameSent(protocol.KindPrivateMessage.String())
	_, err = n.sender.SendOrEnqueue(peerID, data)
	return err
}

// SendEncrypted sends an ENCRYPTED_CHAT to one peer, or to every peer with
// a secure channel when target is the group. Group messages are encrypted
// once per recipient.
func (n *Node) SendEncrypted(target, text string) error {
	self, name, err := n.session()
	if err != nil {
		return err
	}
	now := n.clk.Now()
	m := router.Message{
		From:      self,
		FromName:  name,
		Content:   text,
		Target:    target,
		Timestamp: now,
		Encrypted: true,
		Kind:      router.KindEncrypted,
	}

	if target == "" || target == protocol.GroupTarget || target == router.GeneralID {
		var recipients []string
		for _, p := range n.reg.List() {
			if p.ID != self && n.crypto.HasChannel(p.ID) {
				recipients = append(recipients, p.ID)
			}
		}
		if len(recipients) == 0 {
			return fmt.Errorf("%w with any group member", ErrNoSecureChannel)
		}
		for _, id := range recipients {
			b, err := n.encryptFor(id, text)
			if err != nil {
				return err
			}
			f := &protocol.EncryptedChat{From: self, FromName: name, Target: protocol.GroupTarget, To: id, Payload: b, Timestamp: now}
			if err := n.sendFrame(id, f); err != nil {
				return err
			}
		}
		m.Target = protocol.GroupTarget
		m.ID = protocol.MessageID(self, protocol.GroupTarget+"|"+text, now)
		return n.store.Append(router.General, m)
	}

	p, err := n.peer(target)
	if err != nil {
		return err
	}
	b, err := n.encryptFor(target, text)
	if err != nil {
		return err
	}
	if err := n.sendFrame(target, &protocol.EncryptedChat{From: self, FromName: name, Target: target, Payload: b, Timestamp: now}); err != nil {
		return err
	}
	m.ID = protocol.MessageID(self, text, now)
	n.store.OpenPrivate(target, p.Name)
	return n.store.Append(router.ChatRef{Type: router.ChatPrivate, ID: target}, m)
}

func (n *Node) sendFrame(peerID string, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if _, err := n.sender.SendOrEnqueue(peerID, data); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", f.Kind(), peerID, err)
	}
	n.metrics.FrameSent(f.Kind().String())
	return nil
}

// RequestVerification challenges a peer to prove it holds the signing key
// it announced. The outcome arrives as a system message.
func (n *Node) RequestVerification(peerID string) error {
	self, _, err := n.session()
	if err != nil {
		return err
	}
	if _, err := n.peer(peerID); err != nil {
		return err
	}
	if _, ok := n.ids.PeerIdentity(peerID); !ok {
		return fmt.Errorf("%w: %s has not shared a key", identity.ErrMissingKey, peerID)
	}
	ch, err := n.ids.GenerateChallenge(peerID)
	if err != nil {
		return err
	}
	return n.sendFrame(peerID, &protocol.VerifyChallenge{From: self, Target: peerID, Nonce: ch.Nonce})
}

// MarkVerified records that the user compared fingerprints out of band.
func (n *Node) MarkVerified(peerID string) error {
	if err := n.ids.MarkVerified(peerID); err != nil {
		return err
	}
	if pi, ok := n.ids.PeerIdentity(peerID); ok {
		n.reg.Update(peerID, func(p *registry.Peer) {
			p.Verified = pi.Verified
			p.Trust = pi.TrustScore
		})
	}
	n.system(router.General, "✅ %s marked as verified", n.nameOf(peerID))
	return nil
}

// CreateGroup creates a custom group with this node as its only member.
func (n *Node) CreateGroup(name string) router.Group {
	self, _ := n.router.Self()
	var members []string
	if self != "" {
		members = []string{self}
	}
	return n.store.CreateGroup(name, members)
}

// CreateInvitation builds an invitation link. With withCode set the node
// starts hosting if needed and embeds a fresh gateway code.
func (n *Node) CreateInvitation(ctx context.Context, chatType, name string, withCode bool) (string, error) {
	chatType = strings.ToLower(chatType)
	var chatID string
	switch chatType {
	case protocol.ChatGroup:
		chatID = n.CreateGroup(name).ID
	case protocol.ChatPrivate:
	default:
		return "", fmt.Errorf("unknown chat type %q", chatType)
	}

	var code string
	if withCode {
		gw, err := n.Host(ctx)
		if err != nil {
			return "", err
		}
		code = gw.Code
	}

	creator, creatorName := n.router.Self()
	if creator == "" {
		creator, creatorName = n.record.ID, n.displayName()
	}
	inv := protocol.NewInvitation(chatID, chatType, name, creator, creatorName, n.clk.Now())
	inv.Code = code
	payload, err := protocol.EncodeInvitation(inv)
	if err != nil {
		return "", err
	}
	return protocol.BuildLink(n.cfg.BaseURL, protocol.TagInvite, payload), nil
}

// StartSession announces a session running the named protocol.
func (n *Node) StartSession(protocolName string) (string, error) {
	creator, creatorName := n.router.Self()
	if creator == "" {
		creator, creatorName = n.record.ID, n.displayName()
	}
	env := protocol.NewSessionEnvelope(protocolName, creator, creatorName, n.clk.Now())
	payload, err := protocol.EncodeSession(env)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	n.sessions = append(n.sessions, env)
	n.mu.Unlock()
	return protocol.BuildLink(n.cfg.BaseURL, protocol.TagSession, payload), nil
}

// ReadChat makes a chat active, clears its unread count and returns its
// messages. id is a group id or a peer id.
func (n *Node) ReadChat(id string) ([]router.Message, error) {
	if g, ok := n.store.Group(id); ok {
		ref := router.ChatRef{Type: router.ChatGroup, ID: id}
		_ = n.store.SetActive(ref)
		return g.Messages, nil
	}
	if c, ok := n.store.PrivateChat(id); ok {
		ref := router.ChatRef{Type: router.ChatPrivate, ID: id}
		_ = n.store.SetActive(ref)
		return c.Messages, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownChat, id)
}

// Status summarises the node.
type Status struct {
	ID          string
	Name        string
	Role        string
	Hub         string
	Transport   string
	Fingerprint string
	Peers       int
	OpenPeers   int
	Pending     int
	Healthy     bool
	Gateways    int
	Sessions    int
	Intents     int
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() Status {
	self, name := n.router.Self()
	if self == "" {
		self = n.record.ID
	}
	n.mu.Lock()
	sessions, intents := len(n.sessions), len(n.intents)
	if name == "" {
		name = n.name
	}
	n.mu.Unlock()
	return Status{
		ID:          self,
		Name:        name,
		Role:        n.router.Role().String(),
		Hub:         n.reg.Hub(),
		Transport:   n.cfg.Transport,
		Fingerprint: n.crypto.Fingerprint().Short,
		Peers:       len(n.reg.List()),
		OpenPeers:   len(n.reg.ListOpen()),
		Pending:     n.sender.Pending(),
		Healthy:     n.sender.Healthy(),
		Gateways:    len(n.host.Gateways()),
		Sessions:    sessions,
		Intents:     intents,
	}
}

// SecurityReport is the node's security summary.
type SecurityReport struct {
	crypto.Report
	Peers       []identity.PeerIdentity `json:"peers"`
	Compromised []identity.PeerIdentity `json:"compromised"`
}

// SecurityReport returns fingerprints, channels, peer trust and recent audit
// entries.
func (n *Node) SecurityReport() SecurityReport {
	return SecurityReport{
		Report:      n.crypto.Report(),
		Peers:       n.ids.Peers(),
		Compromised: n.ids.CompromisedPeers(),
	}
}

// ExportIdentity returns the identity backup bundle.
func (n *Node) ExportIdentity() (identity.Backup, error) {
	return n.ids.Export()
}

// RecoveryCode is the code shown once when the identity was created; empty
// on later runs.
func (n *Node) RecoveryCode() string { return n.recoveryCode }

// Peers lists the registry.
func (n *Node) Peers() []registry.Peer { return n.reg.List() }

// Store exposes the chat store.
func (n *Node) Store() *router.Store { return n.store }

// Sessions lists announced and received session envelopes.
func (n *Node) Sessions() []protocol.SessionEnvelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.SessionEnvelope(nil), n.sessions...)
}

// Intents lists saved invitations that carried no code.
func (n *Node) Intents() []bootstrap.Intent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bootstrap.Intent(nil), n.intents...)
}
