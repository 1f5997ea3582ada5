package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	memOfferPrefix  = "mem-offer:"
	memAnswerPrefix = "mem-answer:"
	memQueueSize    = 1024
)

// MemoryNetwork is an in-process Negotiator. Offer and answer codes only
// resolve within the same MemoryNetwork.
type MemoryNetwork struct {
	mu      sync.Mutex
	offers  map[string]*MemoryConn
	answers map[string]*MemoryConn
	conns   []*MemoryConn
	closed  bool
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		offers:  make(map[string]*MemoryConn),
		answers: make(map[string]*MemoryConn),
	}
}

func (n *MemoryNetwork) Offer(ctx context.Context, ev Events) (OfferLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	c := newMemoryConn(n, ev)
	c.code = encodeMemCode(memOfferPrefix, c.id)
	n.offers[c.id] = c
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *MemoryNetwork) Answer(ctx context.Context, offer string, ev Events) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offerID, err := decodeMemCode(memOfferPrefix, offer)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if _, ok := n.offers[offerID]; !ok {
		return nil, fmt.Errorf("%w: unknown offer", ErrMalformedCode)
	}
	c := newMemoryConn(n, ev)
	c.code = encodeMemCode(memAnswerPrefix, offerID+"/"+c.id)
	n.answers[c.id] = c
	n.conns = append(n.conns, c)
	return c, nil
}

// Close closes every conn created by the network.
func (n *MemoryNetwork) Close() error {
	n.mu.Lock()
	n.closed = true
	conns := append([]*MemoryConn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (n *MemoryNetwork) accept(offerer *MemoryConn, answer string) error {
	payload, err := decodeMemCode(memAnswerPrefix, answer)
	if err != nil {
		return err
	}
	offerID, answerID, ok := strings.Cut(payload, "/")
	if !ok {
		return fmt.Errorf("%w: bad answer", ErrMalformedCode)
	}
	if offerID != offerer.id {
		return ErrAnswerMismatch
	}

	n.mu.Lock()
	answerer, ok := n.answers[answerID]
	if ok {
		delete(n.answers, answerID)
		delete(n.offers, offerID)
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown answer", ErrMalformedCode)
	}

	offerer.pair(answerer)
	answerer.pair(offerer)
	offerer.SetState(StateOpen)
	answerer.SetState(StateOpen)
	return nil
}

func encodeMemCode(prefix, payload string) string {
	return prefix + base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeMemCode(prefix, code string) (string, error) {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, prefix) {
		return "", fmt.Errorf("%w: unexpected prefix", ErrMalformedCode)
	}
	raw, err := base64.RawURLEncoding.DecodeString(code[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	return string(raw), nil
}

// MemoryConn is one end of an in-process conn. Events are delivered on a
// dedicated goroutine in the order they were produced.
type MemoryConn struct {
	id   string
	code string
	net  *MemoryNetwork
	ev   Events

	mu     sync.Mutex
	state  State
	remote *MemoryConn
	queue  chan func()
	done   chan struct{}
	once   sync.Once

	failSends atomic.Int32
}

func newMemoryConn(n *MemoryNetwork, ev Events) *MemoryConn {
	c := &MemoryConn{
		id:    uuid.NewString(),
		net:   n,
		ev:    ev,
		state: StateConnecting,
		queue: make(chan func(), memQueueSize),
		done:  make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *MemoryConn) loop() {
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.done:
			for {
				select {
				case fn := <-c.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (c *MemoryConn) post(fn func()) {
	select {
	case <-c.done:
	case c.queue <- fn:
	}
}

func (c *MemoryConn) pair(remote *MemoryConn) {
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()
}

func (c *MemoryConn) ID() string        { return c.id }
func (c *MemoryConn) LocalCode() string { return c.code }

func (c *MemoryConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accept pairs this offer with an answer produced by the same network.
func (c *MemoryConn) Accept(ctx context.Context, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() != StateConnecting {
		return fmt.Errorf("offer already %s", c.State())
	}
	return c.net.accept(c, answer)
}

// FailNextSends makes the next n Send calls fail while the conn is open.
func (c *MemoryConn) FailNextSends(n int) {
	c.failSends.Store(int32(n))
}

// SetState forces a state transition and notifies the event handler.
func (c *MemoryConn) SetState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.post(func() { c.ev.state(c, s) })
}

func (c *MemoryConn) Send(data []byte) error {
	c.mu.Lock()
	state, remote := c.state, c.remote
	c.mu.Unlock()
	if state != StateOpen || remote == nil {
		return fmt.Errorf("%w: %s", ErrNotOpen, state)
	}
	if c.failSends.Load() > 0 {
		c.failSends.Add(-1)
		return errors.New("injected send failure")
	}
	msg := append([]byte(nil), data...)
	remote.post(func() { remote.ev.message(remote, msg) })
	return nil
}

// Close closes both ends.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	c.closeLocal()
	if remote != nil {
		remote.closeLocal()
	}
	return nil
}

func (c *MemoryConn) closeLocal() {
	c.once.Do(func() {
		c.SetState(StateClosed)
		close(c.done)
	})
}
