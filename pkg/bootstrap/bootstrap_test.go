package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/HushLink/pkg/metrics"
	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opened struct {
	mu    sync.Mutex
	conns []transport.Conn
}

func (o *opened) events() transport.Events {
	return transport.Events{OnState: func(c transport.Conn, s transport.State) {
		if s != transport.StateOpen {
			return
		}
		o.mu.Lock()
		o.conns = append(o.conns, c)
		o.mu.Unlock()
	}}
}

func (o *opened) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns)
}

func TestHostGuestExchange(t *testing.T) {
	net := transport.NewMemoryNetwork()
	defer net.Close()
	ctx := context.Background()

	var hostSide, guestSide opened
	host := NewHost(net, hostSide.events())
	guest := NewGuest(net, guestSide.events())

	gw, err := host.CreateGateway(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, gw.ID)
	assert.Contains(t, gw.Link, "#init=")

	answer, err := guest.Join(ctx, gw.Link)
	require.NoError(t, err)
	assert.Equal(t, gw.ID, answer.GatewayID)
	assert.Contains(t, answer.Link, "#answer=")

	conn, err := host.ApplyAnswer(ctx, answer.Link)
	require.NoError(t, err)
	require.NotNil(t, conn)

	require.Eventually(t, func() bool {
		return hostSide.count() == 1 && guestSide.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.StateOpen, conn.State())
	assert.Equal(t, transport.StateOpen, answer.Conn.State())

	gws := host.Gateways()
	require.Len(t, gws, 1)
	assert.True(t, gws[0].Used)
}

func TestConcurrentGateways(t *testing.T) {
	net := transport.NewMemoryNetwork()
	defer net.Close()
	ctx := context.Background()
	host := NewHost(net, transport.Events{})
	guest := NewGuest(net, transport.Events{})

	first, err := host.CreateGateway(ctx)
	require.NoError(t, err)
	second, err := host.CreateGateway(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// Answers are routed by gateway id whatever order they arrive in.
	a2, err := guest.Join(ctx, second.Code)
	require.NoError(t, err)
	a1, err := guest.Join(ctx, first.Code)
	require.NoError(t, err)

	_, err = host.ApplyAnswer(ctx, a2.Code)
	require.NoError(t, err)
	_, err = host.ApplyAnswer(ctx, a1.Code)
	require.NoError(t, err)

	_, err = host.ApplyAnswer(ctx, a1.Code)
	require.ErrorIs(t, err, ErrGatewayUsed)
}

func TestApplyAnswerErrors(t *testing.T) {
	net := transport.NewMemoryNetwork()
	defer net.Close()
	ctx := context.Background()
	host := NewHost(net, transport.Events{})

	_, err := host.ApplyAnswer(ctx, "not a code")
	require.ErrorIs(t, err, ErrMalformedCode)
	require.ErrorIs(t, err, transport.ErrMalformedCode)

	gw, err := host.CreateGateway(ctx)
	require.NoError(t, err)
	_, err = host.ApplyAnswer(ctx, gw.Code)
	require.ErrorIs(t, err, ErrMalformedCode, "an offer is not an answer")

	stray, err := wrapCode("nope", roleAnswer, "mem-answer:eA")
	require.NoError(t, err)
	_, err = host.ApplyAnswer(ctx, stray)
	require.ErrorIs(t, err, ErrUnknownGateway)
}

func TestAnswerWithoutGatewayGoesToNewest(t *testing.T) {
	net := transport.NewMemoryNetwork()
	defer net.Close()
	ctx := context.Background()
	mock := clock.NewMock()
	host := NewHost(net, transport.Events{}, WithClock(mock))
	guest := NewGuest(net, transport.Events{})

	_, err := host.CreateGateway(ctx)
	require.NoError(t, err)
	mock.Add(time.Second)
	newest, err := host.CreateGateway(ctx)
	require.NoError(t, err)

	answer, err := guest.Join(ctx, newest.Code)
	require.NoError(t, err)
	env, err := unwrapCode(answer.Code)
	require.NoError(t, err)
	bare, err := wrapCode("", roleAnswer, env.Payload)
	require.NoError(t, err)

	conn, err := host.ApplyAnswer(ctx, bare)
	require.NoError(t, err)
	assert.Equal(t, newest.ID, conn.ID())
}

func TestReapDropsClosedGateways(t *testing.T) {
	net := transport.NewMemoryNetwork()
	defer net.Close()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	host := NewHost(net, transport.Events{}, WithMetrics(rec))

	gw, err := host.CreateGateway(ctx)
	require.NoError(t, err)
	_, err = host.CreateGateway(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, host.Reap())

	conn, err := host.ApplyAnswer(ctx, mustAnswer(t, net, gw.Code))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.Equal(t, 1, host.Reap())
	assert.Len(t, host.Gateways(), 1)
}

func TestJoinRequiresOffer(t *testing.T) {
	net := transport.NewMemoryNetwork()
	defer net.Close()
	guest := NewGuest(net, transport.Events{})

	inv := protocol.NewInvitation("", protocol.ChatGroup, "team", "peer_a", "alice", time.Now())
	payload, err := protocol.EncodeInvitation(inv)
	require.NoError(t, err)

	_, err = guest.Join(context.Background(), protocol.BuildLink(DefaultBaseURL, protocol.TagInvite, payload))
	require.ErrorIs(t, err, ErrNoCode)

	_, err = guest.Join(context.Background(), "")
	require.ErrorIs(t, err, ErrMalformedCode)
}

func TestJoinFromInvitationWithCode(t *testing.T) {
	net := transport.NewMemoryNetwork()
	defer net.Close()
	ctx := context.Background()
	host := NewHost(net, transport.Events{})
	guest := NewGuest(net, transport.Events{})

	gw, err := host.CreateGateway(ctx)
	require.NoError(t, err)
	inv := protocol.NewInvitation("", protocol.ChatGroup, "team", "peer_a", "alice", time.Now())
	inv.Code = gw.Code
	payload, err := protocol.EncodeInvitation(inv)
	require.NoError(t, err)

	answer, err := guest.Join(ctx, protocol.BuildLink(DefaultBaseURL, protocol.TagInvite, payload))
	require.NoError(t, err)
	_, err = host.ApplyAnswer(ctx, answer.Code)
	require.NoError(t, err)
}

func TestParseIntent(t *testing.T) {
	offer, err := wrapCode("gw", roleOffer, "x")
	require.NoError(t, err)
	answer, err := wrapCode("gw", roleAnswer, "y")
	require.NoError(t, err)

	in, err := ParseIntent(offer)
	require.NoError(t, err)
	assert.Equal(t, IntentOffer, in.Kind)
	assert.True(t, in.Joinable())

	in, err = ParseIntent(protocol.BuildLink(DefaultBaseURL, protocol.TagAnswer, answer))
	require.NoError(t, err)
	assert.Equal(t, IntentAnswer, in.Kind)
	assert.False(t, in.Joinable())

	s := protocol.NewSessionEnvelope("hushlink", "peer_a", "alice", time.Now())
	payload, err := protocol.EncodeSession(s)
	require.NoError(t, err)
	in, err = ParseIntent("https://chat.example/#lunch=" + payload)
	require.NoError(t, err)
	assert.Equal(t, IntentSession, in.Kind)
	require.NotNil(t, in.Session)
	assert.Equal(t, "alice", in.Session.CreatorName)

	inv := protocol.NewInvitation("", protocol.ChatPrivate, "", "peer_a", "alice", time.Now())
	payload, err = protocol.EncodeInvitation(inv)
	require.NoError(t, err)
	in, err = ParseIntent(protocol.BuildLink(DefaultBaseURL, protocol.TagInvite, payload))
	require.NoError(t, err)
	assert.Equal(t, IntentInvite, in.Kind)
	assert.False(t, in.Joinable())

	_, err = ParseIntent("https://chat.example/#bogus=abc")
	require.ErrorIs(t, err, protocol.ErrUnknownLink)
}

func mustAnswer(t *testing.T, net *transport.MemoryNetwork, offerCode string) string {
	t.Helper()
	answer, err := NewGuest(net, transport.Events{}).Join(context.Background(), offerCode)
	require.NoError(t, err)
	return answer.Code
}
