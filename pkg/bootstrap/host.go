// Package bootstrap turns out-of-band codes into open transport conns.
package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/metrics"
	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultBaseURL prefixes generated links.
const DefaultBaseURL = "hushlink://join"

// Gateway is one pending or completed host-side bootstrap attempt.
type Gateway struct {
	ID      string
	Code    string
	Link    string
	Created time.Time
	Used    bool
	State   transport.State
}

type gateway struct {
	id      string
	code    string
	link    string
	offer   transport.OfferLink
	created time.Time
	used    bool
}

func (g *gateway) view() Gateway {
	return Gateway{ID: g.id, Code: g.code, Link: g.link, Created: g.created, Used: g.used, State: g.offer.State()}
}

// Host runs any number of concurrent gateways, each completing at most one
// conn.
type Host struct {
	neg          transport.Negotiator
	ev           transport.Events
	baseURL      string
	reapInterval time.Duration
	clk          clock.Clock
	logger       *zap.Logger
	metrics      *metrics.Recorder

	mu       sync.Mutex
	gateways map[string]*gateway
}

// Option configures Host and Guest.
type Option func(*options)

type options struct {
	baseURL      string
	reapInterval time.Duration
	clk          clock.Clock
	logger       *zap.Logger
	metrics      *metrics.Recorder
}

func WithBaseURL(u string) Option             { return func(o *options) { o.baseURL = u } }
func WithReapInterval(d time.Duration) Option { return func(o *options) { o.reapInterval = d } }
func WithClock(c clock.Clock) Option          { return func(o *options) { o.clk = c } }
func WithLogger(l *zap.Logger) Option         { return func(o *options) { o.logger = l } }
func WithMetrics(m *metrics.Recorder) Option  { return func(o *options) { o.metrics = m } }

func buildOptions(opts []Option) options {
	o := options{
		baseURL:      DefaultBaseURL,
		reapInterval: 10 * time.Second,
		clk:          clock.New(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewHost creates a host side bootstrapper. ev receives events of every conn
// the host's gateways open.
func NewHost(neg transport.Negotiator, ev transport.Events, opts ...Option) *Host {
	o := buildOptions(opts)
	return &Host{
		neg:          neg,
		ev:           ev,
		baseURL:      o.baseURL,
		reapInterval: o.reapInterval,
		clk:          o.clk,
		logger:       o.logger.Named("bootstrap"),
		metrics:      o.metrics,
		gateways:     make(map[string]*gateway),
	}
}

// CreateGateway starts a new bootstrap attempt and returns the code to hand
// to one guest.
func (h *Host) CreateGateway(ctx context.Context) (Gateway, error) {
	offer, err := h.neg.Offer(ctx, h.ev)
	if err != nil {
		return Gateway{}, fmt.Errorf("failed to create offer: %w", err)
	}
	code, err := wrapCode(offer.ID(), roleOffer, offer.LocalCode())
	if err != nil {
		_ = offer.Close()
		return Gateway{}, err
	}
	g := &gateway{
		id:      offer.ID(),
		code:    code,
		link:    protocol.BuildLink(h.baseURL, protocol.TagInit, code),
		offer:   offer,
		created: h.clk.Now(),
	}

	h.mu.Lock()
	h.gateways[g.id] = g
	n := len(h.gateways)
	h.mu.Unlock()

	h.metrics.SetGateways(n)
	h.logger.Info("gateway created", zap.String("gateway", g.id), zap.Int("active", n))
	return g.view(), nil
}

// ApplyAnswer completes the gateway named in the answer code. An answer
// without a gateway id goes to the newest unused gateway.
func (h *Host) ApplyAnswer(ctx context.Context, code string) (transport.Conn, error) {
	if intent, err := ParseIntent(code); err == nil && intent.Kind == IntentAnswer {
		code = intent.Code
	}
	env, err := unwrapCode(code)
	if err != nil {
		return nil, err
	}
	if env.Role != roleAnswer {
		return nil, fmt.Errorf("%w: expected an answer code", ErrMalformedCode)
	}

	h.mu.Lock()
	g, err := h.pickLocked(env.Gateway)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	g.used = true
	h.mu.Unlock()

	if err := g.offer.Accept(ctx, env.Payload); err != nil {
		h.mu.Lock()
		g.used = false
		h.mu.Unlock()
		return nil, fmt.Errorf("failed to apply answer to gateway %s: %w", g.id, err)
	}
	h.logger.Info("answer applied", zap.String("gateway", g.id))
	return g.offer, nil
}

func (h *Host) pickLocked(id string) (*gateway, error) {
	if id != "" {
		g, ok := h.gateways[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, id)
		}
		if g.used {
			return nil, fmt.Errorf("%w: %s", ErrGatewayUsed, id)
		}
		return g, nil
	}
	var newest *gateway
	for _, g := range h.gateways {
		if g.used {
			continue
		}
		if newest == nil || g.created.After(newest.created) {
			newest = g
		}
	}
	if newest == nil {
		return nil, ErrUnknownGateway
	}
	return newest, nil
}

// Reap drops gateways whose conn has closed and returns how many went.
func (h *Host) Reap() int {
	h.mu.Lock()
	removed := 0
	for id, g := range h.gateways {
		if g.offer.State() == transport.StateClosed {
			delete(h.gateways, id)
			removed++
		}
	}
	n := len(h.gateways)
	h.mu.Unlock()

	if removed > 0 {
		h.metrics.SetGateways(n)
		h.logger.Debug("reaped gateways", zap.Int("removed", removed), zap.Int("active", n))
	}
	return removed
}

// Run reaps stale gateways every reap interval until ctx is done.
func (h *Host) Run(ctx context.Context) {
	ticker := h.clk.Ticker(h.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap()
		}
	}
}

// Gateways lists the live gateways, oldest first.
func (h *Host) Gateways() []Gateway {
	h.mu.Lock()
	out := make([]Gateway, 0, len(h.gateways))
	for _, g := range h.gateways {
		out = append(out, g.view())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Close closes every gateway conn.
func (h *Host) Close() error {
	h.mu.Lock()
	gws := make([]*gateway, 0, len(h.gateways))
	for _, g := range h.gateways {
		gws = append(gws, g)
	}
	h.gateways = make(map[string]*gateway)
	h.mu.Unlock()
	for _, g := range gws {
		_ = g.offer.Close()
	}
	h.metrics.SetGateways(0)
	return nil
}
