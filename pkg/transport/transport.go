// Package transport defines the point-to-point session contract the rest of
// the stack runs on, plus an in-process implementation.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotOpen            = errors.New("channel not open")
	ErrClosed             = errors.New("transport closed")
	ErrMalformedCode      = errors.New("malformed bootstrap code")
	ErrNoLocalDescription = errors.New("local description not set")
	ErrAnswerMismatch     = errors.New("answer does not match offer")
)

// State is the lifecycle state of a Conn.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one negotiated duplex channel between two endpoints. Frames sent
// on a Conn arrive in order.
type Conn interface {
	// ID identifies the conn locally. It is not shared with the remote side.
	ID() string
	State() State
	// Send fails synchronously with ErrNotOpen when the conn is not open.
	Send(data []byte) error
	Close() error
}

// Events receives conn notifications. Callbacks for a single conn are
// invoked sequentially, never concurrently.
type Events struct {
	OnState   func(c Conn, s State)
	OnMessage func(c Conn, data []byte)
}

func (e Events) state(c Conn, s State) {
	if e.OnState != nil {
		e.OnState(c, s)
	}
}

func (e Events) message(c Conn, data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(c, data)
	}
}

// Link is a conn under negotiation.
type Link interface {
	Conn
	// LocalCode is the out-of-band code describing this side.
	LocalCode() string
}

// OfferLink is the offering side of a negotiation.
type OfferLink interface {
	Link
	// Accept applies the remote answer code. The conn opens asynchronously.
	Accept(ctx context.Context, answer string) error
}

// Negotiator opens conns through an out-of-band offer/answer exchange.
type Negotiator interface {
	Offer(ctx context.Context, ev Events) (OfferLink, error)
	Answer(ctx context.Context, offer string, ev Events) (Link, error)
	Close() error
}

// Notify invokes the state callback of ev. Negotiators in subpackages use
// it so nil callbacks are tolerated uniformly.
func Notify(ev Events, c Conn, s State) { ev.state(c, s) }

// Deliver invokes the message callback of ev.
func Deliver(ev Events, c Conn, data []byte) { ev.message(c, data) }

// EventQueue runs posted callbacks one at a time in post order. Whichever
// goroutine finds the queue idle drains it; a callback that posts again only
// enqueues, so a handler may close its own conn.
type EventQueue struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Post enqueues fn and drains the queue unless another goroutine already is.
func (q *EventQueue) Post(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		next()
	}
}
