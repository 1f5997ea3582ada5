package node

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/HushLink/pkg/audit"
	"github.com/baderanaas/HushLink/pkg/bootstrap"
	"github.com/baderanaas/HushLink/pkg/config"
	"github.com/baderanaas/HushLink/pkg/identity"
	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/router"
	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 3 * time.Second

// sharedNet lets several nodes use one in-process network without any of
// them closing it.
type sharedNet struct{ *transport.MemoryNetwork }

func (sharedNet) Close() error { return nil }

func newTestNode(t *testing.T, net *transport.MemoryNetwork, name string, kv identity.KV) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.DisplayName = name
	cfg.Transport = config.TransportMemory
	if kv == nil {
		kv = identity.MemoryKV{}
	}
	n, err := New(cfg, WithKV(kv), WithNegotiator(sharedNet{net}), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func newNetwork(t *testing.T) *transport.MemoryNetwork {
	net := transport.NewMemoryNetwork()
	t.Cleanup(func() { _ = net.Close() })
	return net
}

// connect runs the full bootstrap between host and guest and returns the id
// the host assigned to the guest.
func connect(t *testing.T, host, guest *Node) string {
	t.Helper()
	ctx := context.Background()
	gw, err := host.Host(ctx)
	require.NoError(t, err)
	answer, err := guest.Join(ctx, gw.Link)
	require.NoError(t, err)
	_, err = host.AcceptAnswer(ctx, answer.Link)
	require.NoError(t, err)

	hostID := host.record.ID
	require.Eventually(t, func() bool {
		self, _ := guest.router.Self()
		return self != "" && guest.reg.Hub() == hostID && guest.crypto.HasChannel(hostID)
	}, waitFor, 5*time.Millisecond)
	self, _ := guest.router.Self()
	require.Eventually(t, func() bool { return host.crypto.HasChannel(self) }, waitFor, 5*time.Millisecond)
	return self
}

func hasMessage(msgs []router.Message, content string) bool {
	for _, m := range msgs {
		if m.Content == content {
			return true
		}
	}
	return false
}

func generalMessages(n *Node) []router.Message {
	g, _ := n.store.Group(router.GeneralID)
	return g.Messages
}

func privateMessages(n *Node, peerID string) []router.Message {
	c, _ := n.store.PrivateChat(peerID)
	return c.Messages
}

func TestHandshake(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)

	bobID := connect(t, alice, bob)
	assert.True(t, strings.HasPrefix(bobID, "peer_"))

	p, ok := alice.reg.Find(bobID)
	require.True(t, ok)
	assert.Equal(t, "bob", p.Name)
	assert.True(t, p.Live())
	assert.NotEmpty(t, p.Fingerprint)

	h, ok := bob.reg.Find(alice.record.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", h.Name)

	st := bob.Status()
	assert.Equal(t, "guest", st.Role)
	assert.Equal(t, alice.record.ID, st.Hub)
	assert.Equal(t, "host", alice.Status().Role)
	assert.Equal(t, 1, alice.Status().OpenPeers)
}

func TestStarRelay(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	carol := newTestNode(t, net, "carol", nil)
	bobID := connect(t, alice, bob)
	carolID := connect(t, alice, carol)

	require.Eventually(t, func() bool {
		_, ok := bob.reg.Find(carolID)
		return ok
	}, waitFor, 5*time.Millisecond, "bob learns carol from USER_JOIN")
	_, ok := carol.reg.Find(bobID)
	require.True(t, ok, "carol learns bob from the WELCOME roster")

	require.NoError(t, bob.SendGroupMessage("hello everyone"))
	require.Eventually(t, func() bool {
		return hasMessage(generalMessages(alice), "hello everyone") && hasMessage(generalMessages(carol), "hello everyone")
	}, waitFor, 5*time.Millisecond)

	count := 0
	for _, m := range generalMessages(bob) {
		if m.Content == "hello everyone" {
			count++
		}
	}
	assert.Equal(t, 1, count, "the sender never receives its own message back")

	require.NoError(t, alice.SendGroupMessage("from the host"))
	require.Eventually(t, func() bool {
		return hasMessage(generalMessages(bob), "from the host") && hasMessage(generalMessages(carol), "from the host")
	}, waitFor, 5*time.Millisecond)
}

func TestPrivateRelay(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	carol := newTestNode(t, net, "carol", nil)
	bobID := connect(t, alice, bob)
	carolID := connect(t, alice, carol)
	require.Eventually(t, func() bool {
		_, ok := bob.reg.Find(carolID)
		return ok
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, bob.SendPrivateMessage(carolID, "just for you"))
	require.Eventually(t, func() bool {
		return hasMessage(privateMessages(carol, bobID), "just for you")
	}, waitFor, 5*time.Millisecond)

	_, ok := alice.store.PrivateChat(bobID)
	assert.False(t, ok, "the host forwards without storing")
	assert.True(t, hasMessage(privateMessages(bob, carolID), "just for you"))
}

func TestEncryptedMessages(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	carol := newTestNode(t, net, "carol", nil)
	bobID := connect(t, alice, bob)
	carolID := connect(t, alice, carol)
	require.Eventually(t, func() bool {
		return bob.crypto.HasChannel(carolID) && carol.crypto.HasChannel(bobID)
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, bob.SendEncrypted(carolID, "top secret"))
	require.Eventually(t, func() bool {
		return hasMessage(privateMessages(carol, bobID), "top secret")
	}, waitFor, 5*time.Millisecond)
	for _, m := range privateMessages(carol, bobID) {
		assert.True(t, m.Encrypted)
		assert.False(t, m.Failed)
	}

	require.NoError(t, bob.SendEncrypted(protocol.GroupTarget, "sealed for all"))
	require.Eventually(t, func() bool {
		return hasMessage(generalMessages(alice), "sealed for all") && hasMessage(generalMessages(carol), "sealed for all")
	}, waitFor, 5*time.Millisecond)

	require.Error(t, bob.SendEncrypted("peer_unknown", "x"))
}

func TestRequireEncryption(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	bob.cfg.RequireEncryption = true
	connect(t, alice, bob)

	require.NoError(t, bob.SendGroupMessage("quiet"))
	require.Eventually(t, func() bool {
		for _, m := range generalMessages(alice) {
			if m.Content == "quiet" && m.Encrypted {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	g := bob.CreateGroup("plain")
	require.ErrorIs(t, bob.SendToGroup(g.ID, "nope"), ErrNoSecureChannel)
}

func TestVerificationRoundTrip(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	carol := newTestNode(t, net, "carol", nil)
	connect(t, alice, bob)
	carolID := connect(t, alice, carol)
	require.Eventually(t, func() bool {
		_, ok := bob.ids.PeerIdentity(carolID)
		return ok
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, bob.RequestVerification(carolID))
	require.Eventually(t, func() bool {
		p, ok := bob.reg.Find(carolID)
		return ok && p.Verified
	}, waitFor, 5*time.Millisecond)

	pi, ok := bob.ids.PeerIdentity(carolID)
	require.True(t, ok)
	assert.True(t, pi.Verified)
}

func TestHostKeyRotationIsFlagged(t *testing.T) {
	net := newNetwork(t)
	hostKV := identity.MemoryKV{}
	first := newTestNode(t, net, "alice", hostKV)
	bob := newTestNode(t, net, "bob", nil)
	connect(t, first, bob)
	hostID := first.record.ID

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		_, ok := bob.reg.Find(hostID)
		return !ok
	}, waitFor, 5*time.Millisecond)

	// Same persisted identity, fresh channel key.
	second := newTestNode(t, net, "alice", hostKV)
	require.Equal(t, hostID, second.record.ID)
	ctx := context.Background()
	gw, err := second.Host(ctx)
	require.NoError(t, err)
	answer, err := bob.Join(ctx, gw.Link)
	require.NoError(t, err)
	_, err = second.AcceptAnswer(ctx, answer.Code)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.SecurityReport().Compromised) == 1
	}, waitFor, 5*time.Millisecond)
	report := bob.SecurityReport()
	assert.Equal(t, hostID, report.Compromised[0].ID)
	assert.NotEmpty(t, bob.crypto.Audit().ByType(audit.KeyRotationRejected))

	p, ok := bob.reg.Find(hostID)
	require.True(t, ok)
	assert.True(t, p.Compromised)
}

func TestGuestDisconnectCleansUp(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	bobID := connect(t, alice, bob)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		_, ok := alice.reg.Find(bobID)
		return !ok
	}, waitFor, 5*time.Millisecond)
	g, _ := alice.store.Group(router.GeneralID)
	assert.NotContains(t, g.Members, bobID)
	assert.False(t, alice.router.Greeted(bobID))
}

func TestRoleErrors(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	ctx := context.Background()

	require.ErrorIs(t, alice.SendGroupMessage("nobody here"), ErrNoSession)
	_, err := alice.CreateInvite(ctx)
	require.ErrorIs(t, err, ErrNotHost)

	gw, err := alice.Host(ctx)
	require.NoError(t, err)
	_, err = alice.Join(ctx, gw.Code)
	require.ErrorIs(t, err, ErrNotGuest)

	_, err = bob.Join(ctx, gw.Code)
	require.NoError(t, err)
	_, err = bob.Host(ctx)
	require.ErrorIs(t, err, ErrNotHost)
	_, err = bob.AcceptAnswer(ctx, "anything")
	require.ErrorIs(t, err, ErrNotHost)

	_, err = alice.ReadChat("missing")
	require.ErrorIs(t, err, ErrUnknownChat)
}

func TestHandleLink(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	ctx := context.Background()

	link, err := alice.CreateInvitation(ctx, protocol.ChatGroup, "book club", false)
	require.NoError(t, err)
	res, err := bob.HandleLink(ctx, link)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Len(t, bob.Intents(), 1)
	require.NotNil(t, res.Intent.Invitation)
	_, ok := bob.store.Group(res.Intent.Invitation.ChatID)
	assert.True(t, ok, "the invited group is created locally")

	sessionLink, err := alice.StartSession("hushlink-chat")
	require.NoError(t, err)
	res, err = bob.HandleLink(ctx, sessionLink)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.IntentSession, res.Intent.Kind)
	require.Len(t, bob.Sessions(), 1)
	assert.Equal(t, "hushlink-chat", bob.Sessions()[0].Protocol)

	withCode, err := alice.CreateInvitation(ctx, protocol.ChatGroup, "live", true)
	require.NoError(t, err)
	res, err = bob.HandleLink(ctx, withCode)
	require.NoError(t, err)
	require.NotNil(t, res.Answer)

	res, err = alice.HandleLink(ctx, res.Answer.Link)
	require.NoError(t, err)
	require.NotNil(t, res.Conn)
	require.Eventually(t, func() bool {
		self, _ := bob.router.Self()
		return self != ""
	}, waitFor, 5*time.Millisecond)

	_, err = bob.HandleLink(ctx, "hushlink://join#bogus=1")
	require.ErrorIs(t, err, protocol.ErrUnknownLink)
}

func TestExportIdentity(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)
	bob := newTestNode(t, net, "bob", nil)
	bobID := connect(t, alice, bob)

	backup, err := alice.ExportIdentity()
	require.NoError(t, err)
	assert.Equal(t, alice.record.ID, backup.Identity.ID)
	assert.NotEmpty(t, backup.RecoveryCode)
	require.Len(t, backup.Peers, 1)
	assert.Equal(t, bobID, backup.Peers[0].ID)

	require.NoError(t, alice.MarkVerified(bobID))
	p, _ := alice.reg.Find(bobID)
	assert.True(t, p.Verified)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCLI(t *testing.T) {
	net := newNetwork(t)
	alice := newTestNode(t, net, "alice", nil)

	in := strings.NewReader("/status\n/group team\n/host\n/bogus\n/quit\n/status\n")
	var out lockedBuffer
	require.NoError(t, alice.RunCLI(context.Background(), in, &out))

	s := out.String()
	assert.Contains(t, s, "role=none")
	assert.Contains(t, s, "Created group team")
	assert.Contains(t, s, "#init=")
	assert.Contains(t, s, "Unknown command /bogus")
	assert.Contains(t, s, "Shutting down")
	assert.Equal(t, 1, strings.Count(s, "role="), "input after /quit is ignored")
}
