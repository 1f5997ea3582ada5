package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"
)

// Conn is one session stream.
type Conn struct {
	id   string
	link string
	code string
	n    *Negotiator
	ev   transport.Events

	mu       sync.Mutex
	state    transport.State
	stream   network.Stream
	reader   msgio.ReadCloser
	writer   msgio.WriteCloser
	accepted bool
	expect   peer.ID
	once     sync.Once

	// serialises writes onto the stream
	wmu sync.Mutex
	// serialises callbacks into ev
	events transport.EventQueue
}

func newConn(n *Negotiator, link string, ev transport.Events) *Conn {
	return &Conn{id: uuid.NewString(), link: link, n: n, ev: ev, state: transport.StateConnecting}
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) LocalCode() string { return c.code }

func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accept applies the answering side's code. The conn opens when the
// answering side's stream arrives, which may already have happened.
func (c *Conn) Accept(ctx context.Context, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote, err := decodeCode(answer)
	if err != nil {
		return err
	}
	if remote.Link != c.link {
		return transport.ErrAnswerMismatch
	}
	id, err := peer.Decode(remote.Peer)
	if err != nil {
		return fmt.Errorf("%w: peer id: %v", transport.ErrMalformedCode, err)
	}

	c.mu.Lock()
	if c.state != transport.StateConnecting || c.accepted {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("offer already %s", state)
	}
	c.accepted = true
	c.expect = id
	ready := c.stream != nil
	c.mu.Unlock()

	if ready {
		c.admit()
	}
	return nil
}

// inbound binds the answering side's stream on the offering side.
func (c *Conn) inbound(s network.Stream, r msgio.ReadCloser) {
	c.mu.Lock()
	c.stream = s
	c.reader = r
	c.writer = msgio.NewVarintWriter(s)
	accepted := c.accepted
	c.mu.Unlock()
	if accepted {
		c.admit()
	}
}

// admit opens the offering side once both the answer and the stream are in.
func (c *Conn) admit() {
	c.mu.Lock()
	s, expect := c.stream, c.expect
	c.mu.Unlock()
	if s.Conn().RemotePeer() != expect {
		c.n.logger.Warn("session stream from unexpected peer",
			zap.Stringer("want", expect), zap.Stringer("got", s.Conn().RemotePeer()))
		_ = s.Reset()
		c.closeLocal()
		return
	}
	c.wmu.Lock()
	err := c.writer.WriteMsg([]byte(admitAck))
	c.wmu.Unlock()
	if err != nil {
		c.n.logger.Warn("failed to admit session", zap.Stringer("peer", expect), zap.Error(err))
		_ = s.Reset()
		c.closeLocal()
		return
	}
	c.open()
}

// awaitAdmission blocks the answering side until the offering side has
// applied the answer.
func (c *Conn) awaitAdmission() error {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	msg, err := r.ReadMsg()
	if err != nil {
		return err
	}
	ok := string(msg) == admitAck
	r.ReleaseMsg(msg)
	if !ok {
		return errors.New("unexpected admission frame")
	}
	return nil
}

// attach binds the dialled stream on the answering side.
func (c *Conn) attach(s network.Stream, w msgio.WriteCloser) {
	c.mu.Lock()
	c.stream = s
	c.writer = w
	c.reader = msgio.NewVarintReaderSize(s, maxFrameSize)
	c.mu.Unlock()
}

func (c *Conn) open() {
	c.mu.Lock()
	if c.state != transport.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateOpen
	r := c.reader
	c.mu.Unlock()

	c.events.Post(func() { transport.Notify(c.ev, c, transport.StateOpen) })
	go c.readLoop(r)
}

func (c *Conn) readLoop(r msgio.ReadCloser) {
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			c.n.logger.Debug("session stream ended", zap.String("conn", c.id), zap.Error(err))
			c.closeLocal()
			return
		}
		data := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)
		c.events.Post(func() {
			if c.State() != transport.StateClosed {
				transport.Deliver(c.ev, c, data)
			}
		})
	}
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	state, w := c.state, c.writer
	c.mu.Unlock()
	if state != transport.StateOpen || w == nil {
		return fmt.Errorf("%w: %s", transport.ErrNotOpen, state)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := w.WriteMsg(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	s := c.stream
	if c.state == transport.StateOpen {
		c.state = transport.StateClosing
	}
	c.mu.Unlock()
	var err error
	if s != nil {
		err = s.Close()
		if errors.Is(err, network.ErrReset) {
			err = nil
		}
	}
	c.closeLocal()
	return err
}

func (c *Conn) closeLocal() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = transport.StateClosed
		c.mu.Unlock()
		c.n.forget(c)
		c.events.Post(func() { transport.Notify(c.ev, c, transport.StateClosed) })
	})
}
