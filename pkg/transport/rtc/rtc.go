// Package rtc negotiates conns as WebRTC data channels. Codes are the local
// session description, base64 encoded, taken once ICE gathering completes or
// the gathering timeout passes.
package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ChannelLabel names the single ordered data channel of every conn.
const ChannelLabel = "hushlink"

// Config configures a Negotiator.
type Config struct {
	ICEServers       []string
	GatheringTimeout time.Duration
	Logger           *zap.Logger
}

// Negotiator creates one peer connection per conn.
type Negotiator struct {
	cfg    webrtc.Configuration
	gather time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// New creates a negotiator. A zero gathering timeout means 3s.
func New(cfg Config) *Negotiator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gather := cfg.GatheringTimeout
	if gather <= 0 {
		gather = 3 * time.Second
	}
	var rc webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		rc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Negotiator{cfg: rc, gather: gather, logger: logger.Named("rtc"), conns: make(map[string]*Conn)}
}

func encodeSDP(d *webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeSDP(s string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", transport.ErrMalformedCode, err)
	}
	var d webrtc.SessionDescription
	if err := json.Unmarshal(raw, &d); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", transport.ErrMalformedCode, err)
	}
	if d.Type != want || d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected %s description", transport.ErrMalformedCode, want)
	}
	return d, nil
}

func (n *Negotiator) newConn(ev transport.Events) (*Conn, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	pc, err := webrtc.NewPeerConnection(n.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	c := &Conn{id: uuid.NewString(), n: n, pc: pc, ev: ev, state: transport.StateConnecting}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.logger.Debug("peer connection state", zap.String("conn", c.id), zap.Stringer("state", s))
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.closeLocal()
		}
	})
	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()
	return c, nil
}

// gatherLocal sets desc as the local description and waits for ICE
// gathering, the gathering timeout or ctx, whichever comes first.
func (n *Negotiator) gatherLocal(ctx context.Context, c *Conn, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	timer := time.NewTimer(n.gather)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		n.logger.Debug("ICE gathering timed out, using partial candidates", zap.String("conn", c.id))
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return "", transport.ErrNoLocalDescription
	}
	return encodeSDP(local)
}

func (n *Negotiator) Offer(ctx context.Context, ev transport.Events) (transport.OfferLink, error) {
	c, err := n.newConn(ev)
	if err != nil {
		return nil, err
	}
	ordered := true
	dc, err := c.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	c.bind(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if c.code, err = n.gatherLocal(ctx, c, offer); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (n *Negotiator) Answer(ctx context.Context, offer string, ev transport.Events) (transport.Link, error) {
	remote, err := decodeSDP(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	c, err := n.newConn(ev)
	if err != nil {
		return nil, err
	}
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			n.logger.Warn("ignoring unexpected data channel", zap.String("label", dc.Label()))
			return
		}
		c.bind(dc)
	})
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if c.code, err = n.gatherLocal(ctx, c, answer); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (n *Negotiator) forget(c *Conn) {
	n.mu.Lock()
	delete(n.conns, c.id)
	n.mu.Unlock()
}

// Close closes every peer connection.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// Conn is one peer connection carrying one data channel.
type Conn struct {
	id   string
	code string
	n    *Negotiator
	pc   *webrtc.PeerConnection
	ev   transport.Events

	mu    sync.Mutex
	state transport.State
	dc    *webrtc.DataChannel
	once  sync.Once

	events transport.EventQueue
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) LocalCode() string { return c.code }

func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.state != transport.StateConnecting {
			c.mu.Unlock()
			return
		}
		c.state = transport.StateOpen
		c.mu.Unlock()
		c.notify(transport.StateOpen)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		c.events.Post(func() {
			if c.State() != transport.StateClosed {
				transport.Deliver(c.ev, c, data)
			}
		})
	})
	dc.OnClose(c.closeLocal)
}

func (c *Conn) notify(s transport.State) {
	c.events.Post(func() { transport.Notify(c.ev, c, s) })
}

// Accept applies the remote answer description.
func (c *Conn) Accept(ctx context.Context, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote, err := decodeSDP(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if c.State() != transport.StateConnecting {
		return fmt.Errorf("offer already %s", c.State())
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrAnswerMismatch, err)
	}
	return nil
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	state, dc := c.state, c.dc
	c.mu.Unlock()
	if state != transport.StateOpen || dc == nil {
		return fmt.Errorf("%w: %s", transport.ErrNotOpen, state)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("failed to send on data channel: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == transport.StateOpen {
		c.state = transport.StateClosing
	}
	c.mu.Unlock()
	err := c.pc.Close()
	c.closeLocal()
	return err
}

func (c *Conn) closeLocal() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = transport.StateClosed
		c.mu.Unlock()
		c.n.forget(c)
		c.notify(transport.StateClosed)
	})
}
