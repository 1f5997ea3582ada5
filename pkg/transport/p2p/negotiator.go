// Package p2p negotiates conns as libp2p streams. Offer and answer codes
// carry the peer id and listen multiaddrs of each side plus a link token the
// offering side matches the inbound stream against.
package p2p

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
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// ProtocolID is the stream protocol frames travel over.
const ProtocolID = "/hushlink/session/1.0.0"

const (
	maxFrameSize = 4 << 20
	dialTimeout  = 30 * time.Second

	// admitAck is the first frame the offering side writes once it has
	// applied the answer. The answering side opens only after reading it.
	admitAck = "hushlink/admit"
)

// Config configures a Negotiator.
type Config struct {
	ListenAddrs []string
	// Identity is the libp2p host key. A fresh key is generated when nil.
	Identity crypto.PrivKey
	Logger   *zap.Logger
}

// code is the decoded form of an offer or answer code.
type code struct {
	Peer  string   `json:"peer"`
	Addrs []string `json:"addrs"`
	Link  string   `json:"link"`
}

func (c code) addrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(c.Peer)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: peer id: %v", transport.ErrMalformedCode, err)
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range c.Addrs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("%w: addr %q: %v", transport.ErrMalformedCode, s, err)
		}
		info.Addrs = append(info.Addrs, addr)
	}
	return info, nil
}

func encodeCode(c code) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCode(s string) (code, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return code{}, fmt.Errorf("%w: %v", transport.ErrMalformedCode, err)
	}
	var c code
	if err := json.Unmarshal(raw, &c); err != nil {
		return code{}, fmt.Errorf("%w: %v", transport.ErrMalformedCode, err)
	}
	if c.Peer == "" || c.Link == "" {
		return code{}, fmt.Errorf("%w: missing peer or link", transport.ErrMalformedCode)
	}
	return c, nil
}

// Negotiator runs one libp2p host shared by every conn it negotiates.
type Negotiator struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*Conn
	conns   map[string]*Conn
}

// New starts a libp2p host listening on cfg.ListenAddrs.
func New(cfg Config) (*Negotiator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cm, err := connmgr.NewConnManager(8, 64, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.ConnectionManager(cm),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		host:    h,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("p2p"),
		pending: make(map[string]*Conn),
		conns:   make(map[string]*Conn),
	}
	h.SetStreamHandler(ProtocolID, n.handleStream)
	n.logger.Info("libp2p host started", zap.Stringer("peer", h.ID()), zap.Strings("addrs", n.addrs()))
	return n, nil
}

// PeerID returns the local libp2p peer id.
func (n *Negotiator) PeerID() peer.ID { return n.host.ID() }

func (n *Negotiator) addrs() []string {
	out := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, a.String())
	}
	return out
}

func (n *Negotiator) localCode(link string) (string, error) {
	return encodeCode(code{Peer: n.host.ID().String(), Addrs: n.addrs(), Link: link})
}

// Offer registers a link token and waits for the answering side's stream.
func (n *Negotiator) Offer(ctx context.Context, ev transport.Events) (transport.OfferLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	c := newConn(n, uuid.NewString(), ev)
	s, err := n.localCode(c.link)
	if err != nil {
		return nil, err
	}
	c.code = s

	n.mu.Lock()
	n.pending[c.link] = c
	n.conns[c.id] = c
	n.mu.Unlock()
	return c, nil
}

// Answer decodes the offer and dials the offering host in the background.
// The returned link opens once the stream is established.
func (n *Negotiator) Answer(ctx context.Context, offer string, ev transport.Events) (transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	remote, err := decodeCode(offer)
	if err != nil {
		return nil, err
	}
	info, err := remote.addrInfo()
	if err != nil {
		return nil, err
	}
	c := newConn(n, remote.Link, ev)
	s, err := n.localCode(remote.Link)
	if err != nil {
		return nil, err
	}
	c.code = s

	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()

	go n.dial(c, info)
	return c, nil
}

func (n *Negotiator) dial(c *Conn, info peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, info); err != nil {
		n.logger.Warn("failed to connect to offering peer", zap.Stringer("peer", info.ID), zap.Error(err))
		c.closeLocal()
		return
	}
	s, err := n.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		n.logger.Warn("failed to open session stream", zap.Stringer("peer", info.ID), zap.Error(err))
		c.closeLocal()
		return
	}
	w := msgio.NewVarintWriter(s)
	if err := w.WriteMsg([]byte(c.link)); err != nil {
		n.logger.Warn("failed to send link token", zap.Error(err))
		_ = s.Reset()
		c.closeLocal()
		return
	}
	c.attach(s, w)
	if err := c.awaitAdmission(); err != nil {
		n.logger.Info("offering peer did not admit the session", zap.Stringer("peer", info.ID), zap.Error(err))
		_ = s.Reset()
		c.closeLocal()
		return
	}
	c.open()
}

func (n *Negotiator) handleStream(s network.Stream) {
	r := msgio.NewVarintReaderSize(s, maxFrameSize)
	token, err := r.ReadMsg()
	if err != nil {
		n.logger.Debug("stream closed before link token", zap.Error(err))
		_ = s.Reset()
		return
	}
	link := string(token)
	r.ReleaseMsg(token)

	n.mu.Lock()
	c, ok := n.pending[link]
	if ok {
		delete(n.pending, link)
	}
	n.mu.Unlock()
	if !ok {
		n.logger.Warn("stream for unknown link", zap.Stringer("peer", s.Conn().RemotePeer()))
		_ = s.Reset()
		return
	}
	c.inbound(s, r)
}

func (n *Negotiator) forget(c *Conn) {
	n.mu.Lock()
	delete(n.conns, c.id)
	if n.pending[c.link] == c {
		delete(n.pending, c.link)
	}
	n.mu.Unlock()
}

// Close closes every conn and shuts the host down.
func (n *Negotiator) Close() error {
	n.cancel()
	n.mu.Lock()
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return n.host.Close()
}
