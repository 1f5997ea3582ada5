// Package reliability wraps outbound sends with retries, a bounded pending
// queue and a periodic health check.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/metrics"
	"github.com/baderanaas/HushLink/pkg/registry"
	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	ErrNoChannel      = errors.New("no channel to peer")
	ErrQueueFull      = errors.New("pending queue full, delivery not guaranteed")
	ErrDeliveryFailed = errors.New("delivery failed after retries")
)

// Peers is the view of the registry the sender routes through.
type Peers interface {
	Route(peerID string) (transport.Conn, bool)
	ListOpen() []registry.Peer
	ListAttached() []registry.Peer
}

// Config holds retry and queue parameters.
type Config struct {
	MaxRetries      int
	RetryBase       time.Duration
	ConnectingDelay time.Duration
	ClosingDelay    time.Duration
	QueueLimit      int
	HealthInterval  time.Duration
}

// DefaultConfig returns the stock retry and queue parameters.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		RetryBase:       time.Second,
		ConnectingDelay: 500 * time.Millisecond,
		ClosingDelay:    100 * time.Millisecond,
		QueueLimit:      100,
		HealthInterval:  10 * time.Second,
	}
}

// Pending is one queued outbound message.
type Pending struct {
	PeerID     string
	Data       []byte
	EnqueuedAt time.Time
}

// Sender delivers wire-ready frames to peers.
type Sender struct {
	peers   Peers
	cfg     Config
	sched   Scheduler
	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics.Recorder

	mu        sync.Mutex
	queue     []Pending
	healthy   bool
	onFailure []func(peerID string, err error)
}

// Option configures a Sender.
type Option func(*Sender)

func WithConfig(cfg Config) Option           { return func(s *Sender) { s.cfg = cfg } }
func WithScheduler(sched Scheduler) Option   { return func(s *Sender) { s.sched = sched } }
func WithClock(clk clock.Clock) Option       { return func(s *Sender) { s.clk = clk } }
func WithLogger(l *zap.Logger) Option        { return func(s *Sender) { s.logger = l } }
func WithMetrics(m *metrics.Recorder) Option { return func(s *Sender) { s.metrics = m } }

// NewSender creates a sender routing through peers.
func NewSender(peers Peers, opts ...Option) *Sender {
	s := &Sender{
		peers:  peers,
		cfg:    DefaultConfig(),
		clk:    clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = ClockScheduler(s.clk)
	}
	s.logger = s.logger.Named("reliability")
	return s
}

// OnFailure registers fn to be told about messages that could not be
// delivered after the initial call returned.
func (s *Sender) OnFailure(fn func(peerID string, err error)) {
	s.mu.Lock()
	s.onFailure = append(s.onFailure, fn)
	s.mu.Unlock()
}

func (s *Sender) fail(peerID string, err error) {
	s.metrics.SendFailure()
	s.logger.Warn("delivery failed", zap.String("peer", peerID), zap.Error(err))
	s.mu.Lock()
	fns := append([]func(string, error){}, s.onFailure...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(peerID, err)
	}
}

func (s *Sender) backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * s.cfg.RetryBase
}

// Send delivers data to peerID. It reports true when the frame was handed to
// an open conn. A false result with a nil error means a retry is scheduled
// and any final failure is reported through OnFailure.
func (s *Sender) Send(peerID string, data []byte) (bool, error) {
	conn, ok := s.peers.Route(peerID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoChannel, peerID)
	}

	switch st := conn.State(); st {
	case transport.StateOpen:
		if err := conn.Send(data); err != nil {
			s.logger.Debug("send failed, retrying", zap.String("peer", peerID), zap.Error(err))
			s.scheduleRetry(peerID, data, 1, s.cfg.RetryBase)
			return false, nil
		}
		return true, nil
	case transport.StateConnecting:
		s.scheduleRetry(peerID, data, 1, s.cfg.ConnectingDelay)
		return false, nil
	case transport.StateClosing:
		s.scheduleRetry(peerID, data, 1, s.cfg.ClosingDelay)
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s is %s", ErrNoChannel, peerID, st)
	}
}

func (s *Sender) scheduleRetry(peerID string, data []byte, attempt int, delay time.Duration) {
	s.metrics.SendRetry()
	s.sched.AfterFunc(delay, func() { s.retry(peerID, data, attempt) })
}

func (s *Sender) retry(peerID string, data []byte, attempt int) {
	if attempt > s.cfg.MaxRetries {
		s.fail(peerID, fmt.Errorf("%w: %d retries", ErrDeliveryFailed, s.cfg.MaxRetries))
		return
	}
	conn, ok := s.peers.Route(peerID)
	if !ok {
		s.fail(peerID, fmt.Errorf("%w: %s", ErrNoChannel, peerID))
		return
	}
	if conn.State() == transport.StateOpen {
		err := conn.Send(data)
		if err == nil {
			s.logger.Debug("retry succeeded", zap.String("peer", peerID), zap.Int("attempt", attempt))
			return
		}
		s.logger.Debug("retry failed", zap.String("peer", peerID), zap.Int("attempt", attempt), zap.Error(err))
	}
	s.scheduleRetry(peerID, data, attempt+1, s.backoff(attempt))
}

// Broadcast sends data to every peer owning a conn except exclude. Peers that
// fail the first pass are retried independently. It returns the number of
// peers reached immediately.
func (s *Sender) Broadcast(data []byte, exclude string) int {
	sent := 0
	for _, p := range s.peers.ListAttached() {
		if p.ID == exclude {
			continue
		}
		switch p.Conn.State() {
		case transport.StateOpen:
			if err := p.Conn.Send(data); err != nil {
				s.logger.Debug("broadcast send failed", zap.String("peer", p.ID), zap.Error(err))
				s.scheduleRetry(p.ID, data, 1, s.cfg.RetryBase)
				continue
			}
			sent++
		case transport.StateConnecting:
			s.scheduleRetry(p.ID, data, 1, s.cfg.RetryBase)
		}
	}
	return sent
}

// Enqueue stores data for later delivery to peerID. A full queue refuses the
// message with ErrQueueFull.
func (s *Sender) Enqueue(peerID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.cfg.QueueLimit {
		s.metrics.QueueRejected()
		return ErrQueueFull
	}
	s.queue = append(s.queue, Pending{
		PeerID:     peerID,
		Data:       append([]byte(nil), data...),
		EnqueuedAt: s.clk.Now(),
	})
	s.metrics.SetQueueDepth(len(s.queue))
	return nil
}

// SendOrEnqueue delivers immediately when the peer is open and queues the
// message otherwise.
func (s *Sender) SendOrEnqueue(peerID string, data []byte) (bool, error) {
	if conn, ok := s.peers.Route(peerID); ok && conn.State() == transport.StateOpen {
		if err := conn.Send(data); err == nil {
			return true, nil
		}
	}
	return false, s.Enqueue(peerID, data)
}

// Pending returns the number of queued messages.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Queued returns a copy of the queue in FIFO order.
func (s *Sender) Queued() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pending(nil), s.queue...)
}

// Healthy reports the result of the last health check.
func (s *Sender) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// CheckHealth recomputes health as "some peer is open" and flushes the queue
// when health flips to true.
func (s *Sender) CheckHealth() bool {
	open := len(s.peers.ListOpen())
	s.metrics.SetOpenPeers(open)

	s.mu.Lock()
	was := s.healthy
	s.healthy = open > 0
	flush := !was && s.healthy && len(s.queue) > 0
	s.mu.Unlock()

	if flush {
		n := s.Flush()
		s.logger.Info("connectivity restored", zap.Int("flushed", n), zap.Int("pending", s.Pending()))
	}
	return open > 0
}

// Flush attempts every queued message once, in FIFO order. Messages whose
// peer is not open stay queued; messages that fail to send are dropped.
func (s *Sender) Flush() int {
	return s.flush(func(Pending) bool { return true })
}

// FlushPeer is Flush restricted to messages for peerID.
func (s *Sender) FlushPeer(peerID string) int {
	return s.flush(func(p Pending) bool { return p.PeerID == peerID })
}

func (s *Sender) flush(match func(Pending) bool) int {
	type failure struct {
		peer string
		err  error
	}
	var (
		sent   int
		failed []failure
	)

	s.mu.Lock()
	kept := s.queue[:0:0]
	for _, p := range s.queue {
		if !match(p) {
			kept = append(kept, p)
			continue
		}
		conn, ok := s.peers.Route(p.PeerID)
		if !ok || conn.State() != transport.StateOpen {
			kept = append(kept, p)
			continue
		}
		if err := conn.Send(p.Data); err != nil {
			failed = append(failed, failure{p.PeerID, fmt.Errorf("%w: flush: %v", ErrDeliveryFailed, err)})
			continue
		}
		sent++
	}
	s.queue = kept
	s.metrics.SetQueueDepth(len(kept))
	s.mu.Unlock()

	for _, f := range failed {
		s.fail(f.peer, f.err)
	}
	return sent
}

// Run performs a health check every HealthInterval until ctx is done.
func (s *Sender) Run(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth()
		}
	}
}
