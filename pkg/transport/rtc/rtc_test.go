package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) events() transport.Events {
	return transport.Events{OnMessage: func(_ transport.Conn, data []byte) {
		i.mu.Lock()
		i.msgs = append(i.msgs, string(data))
		i.mu.Unlock()
	}}
}

func (i *inbox) received() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

func TestLoopbackDataChannel(t *testing.T) {
	ctx := context.Background()
	host := New(Config{GatheringTimeout: 2 * time.Second})
	guest := New(Config{GatheringTimeout: 2 * time.Second})
	defer host.Close()
	defer guest.Close()

	var hostIn, guestIn inbox
	offer, err := host.Offer(ctx, hostIn.events())
	require.NoError(t, err)
	require.NotEmpty(t, offer.LocalCode())

	answer, err := guest.Answer(ctx, offer.LocalCode(), guestIn.events())
	require.NoError(t, err)
	require.NoError(t, offer.Accept(ctx, answer.LocalCode()))

	require.Eventually(t, func() bool {
		return offer.State() == transport.StateOpen && answer.State() == transport.StateOpen
	}, 15*time.Second, 50*time.Millisecond)

	require.NoError(t, answer.Send([]byte("first")))
	require.NoError(t, answer.Send([]byte("second")))
	require.Eventually(t, func() bool { return len(hostIn.received()) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, hostIn.received())

	require.NoError(t, offer.Close())
	assert.Equal(t, transport.StateClosed, offer.State())
}

func TestCodesAreValidated(t *testing.T) {
	ctx := context.Background()
	n := New(Config{GatheringTimeout: time.Second})
	defer n.Close()

	_, err := n.Answer(ctx, "garbage!", transport.Events{})
	require.ErrorIs(t, err, transport.ErrMalformedCode)

	offer, err := n.Offer(ctx, transport.Events{})
	require.NoError(t, err)

	// An offer is not an answer.
	require.ErrorIs(t, offer.Accept(ctx, offer.LocalCode()), transport.ErrMalformedCode)
	require.ErrorIs(t, offer.Send([]byte("x")), transport.ErrNotOpen)
}

func TestOfferHonoursContext(t *testing.T) {
	n := New(Config{GatheringTimeout: time.Minute, ICEServers: []string{"stun:203.0.113.1:3478"}})
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.Offer(ctx, transport.Events{})
	if err != nil {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestClosedNegotiator(t *testing.T) {
	n := New(Config{})
	require.NoError(t, n.Close())
	_, err := n.Offer(context.Background(), transport.Events{})
	require.ErrorIs(t, err, transport.ErrClosed)
}
