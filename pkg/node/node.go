// Package node wires the components of a HushLink peer together and exposes
// the application API used by the CLI.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/audit"
	"github.com/baderanaas/HushLink/pkg/bootstrap"
	"github.com/baderanaas/HushLink/pkg/config"
	"github.com/baderanaas/HushLink/pkg/crypto"
	"github.com/baderanaas/HushLink/pkg/identity"
	"github.com/baderanaas/HushLink/pkg/logging"
	"github.com/baderanaas/HushLink/pkg/metrics"
	"github.com/baderanaas/HushLink/pkg/protocol"
	"github.com/baderanaas/HushLink/pkg/registry"
	"github.com/baderanaas/HushLink/pkg/reliability"
	"github.com/baderanaas/HushLink/pkg/router"
	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/baderanaas/HushLink/pkg/transport/p2p"
	"github.com/baderanaas/HushLink/pkg/transport/rtc"
	"github.com/benbjohnson/clock"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrNotHost         = errors.New("only the host can do this")
	ErrNotGuest        = errors.New("already hosting; cannot join another session")
	ErrNoSecureChannel = errors.New("no secure channel")
	ErrUnknownChat     = errors.New("unknown chat")
	ErrNoSession       = errors.New("not connected to a session")
)

// hostAlias is the registry id of the host conn until WELCOME names it.
const hostAlias = "host"

// Node is one HushLink peer.
type Node struct {
	cfg     *config.Config
	logger  *zap.Logger
	clk     clock.Clock
	audit   *audit.Log
	ids     *identity.Manager
	crypto  *crypto.Manager
	reg     *registry.Registry
	store   *router.Store
	sender  *reliability.Sender
	router  *router.Router
	metrics *metrics.Recorder
	prom    *prometheus.Registry
	neg     transport.Negotiator
	host    *bootstrap.Host
	guest   *bootstrap.Guest
	history *History

	record       identity.Record
	recoveryCode string

	mu       sync.Mutex
	name     string
	intents  []bootstrap.Intent
	sessions []protocol.SessionEnvelope

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Node.
type Option func(*options)

type options struct {
	logger *zap.Logger
	kv     identity.KV
	neg    transport.Negotiator
	clk    clock.Clock
	sched  reliability.Scheduler
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithKV stores the identity in kv instead of the data directory.
func WithKV(kv identity.KV) Option { return func(o *options) { o.kv = kv } }

// WithNegotiator replaces the transport chosen by the config.
func WithNegotiator(n transport.Negotiator) Option { return func(o *options) { o.neg = n } }

// WithClock sets the time source of every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

// WithScheduler sets the retry scheduler of the reliability layer.
func WithScheduler(s reliability.Scheduler) Option { return func(o *options) { o.sched = s } }

// New builds a node from cfg. The local identity is loaded or created here.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clk: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		lo := logging.DefaultOptions()
		lo.Level, lo.Development, lo.File = cfg.LogLevel, cfg.LogDevelopment, cfg.LogFile
		o.logger = logging.New(lo)
	}

	n := &Node{cfg: cfg, logger: o.logger, clk: o.clk, audit: audit.NewLog()}

	var dataDir string
	kv := o.kv
	if kv == nil {
		dir, err := identity.DataDir(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		fkv, err := identity.NewFileKV(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open data directory: %w", err)
		}
		kv, dataDir = fkv, dir
	}

	n.ids = identity.NewManager(kv, identity.WithLogger(n.logger), identity.WithAudit(n.audit), identity.WithClock(n.clk))
	rec, code, err := n.ids.Init(cfg.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if cfg.DisplayName != "" && rec.DisplayName != cfg.DisplayName {
		if err := n.ids.SetDisplayName(cfg.DisplayName); err != nil {
			return nil, err
		}
		rec.DisplayName = cfg.DisplayName
	}
	n.record, n.recoveryCode, n.name = rec, code, rec.DisplayName

	signing, err := identity.LoadSigningKey(kv)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	policy, err := crypto.ParseRotationPolicy(cfg.KeyRotationPolicy)
	if err != nil {
		return nil, err
	}
	n.crypto, err = crypto.NewManager(
		crypto.WithLogger(n.logger),
		crypto.WithAudit(n.audit),
		crypto.WithClock(n.clk),
		crypto.WithRotationPolicy(policy),
		crypto.WithSigningKey(signing),
	)
	if err != nil {
		return nil, err
	}

	n.prom = prometheus.NewRegistry()
	n.metrics = metrics.NewRecorder(n.prom)
	n.reg = registry.New(registry.WithClock(n.clk))
	n.store = router.NewStore()

	senderOpts := []reliability.Option{
		reliability.WithConfig(reliability.Config{
			MaxRetries:      cfg.MaxRetries,
			RetryBase:       cfg.RetryBase.D(),
			ConnectingDelay: cfg.ConnectingRetryDelay.D(),
			ClosingDelay:    cfg.ClosingRetryDelay.D(),
			QueueLimit:      cfg.QueueLimit,
			HealthInterval:  cfg.HealthCheckInterval.D(),
		}),
		reliability.WithClock(n.clk),
		reliability.WithLogger(n.logger),
		reliability.WithMetrics(n.metrics),
	}
	if o.sched != nil {
		senderOpts = append(senderOpts, reliability.WithScheduler(o.sched))
	}
	n.sender = reliability.NewSender(n.reg, senderOpts...)
	n.sender.OnFailure(n.onDeliveryFailure)

	n.router = router.New(n.reg, n.store, n.sender, n.crypto,
		router.WithTrust(n.ids),
		router.WithHooks(router.Hooks{
			OnWelcome:     n.onWelcome,
			OnPeerJoined:  n.onPeerJoined,
			OnCompromised: n.onCompromised,
		}),
		router.WithLogger(n.logger),
		router.WithMetrics(n.metrics),
		router.WithClock(n.clk),
		router.WithDedup(cfg.DedupSize, cfg.DedupWindow.D()),
	)

	n.neg = o.neg
	if n.neg == nil {
		if n.neg, err = newNegotiator(cfg, signing, n.logger); err != nil {
			return nil, err
		}
	}
	ev := transport.Events{OnState: n.onState, OnMessage: n.onMessage}
	bopts := []bootstrap.Option{
		bootstrap.WithBaseURL(cfg.BaseURL),
		bootstrap.WithReapInterval(cfg.GatewayReapInterval.D()),
		bootstrap.WithClock(n.clk),
		bootstrap.WithLogger(n.logger),
		bootstrap.WithMetrics(n.metrics),
	}
	n.host = bootstrap.NewHost(n.neg, ev, bopts...)
	n.guest = bootstrap.NewGuest(n.neg, ev, bopts...)

	if cfg.History && dataDir != "" {
		if n.history, err = NewHistory(filepath.Join(dataDir, historyDirName)); err != nil {
			return nil, err
		}
		n.store.Watch(n.history.watch(n.logger))
	}

	n.logger.Info("node ready",
		zap.String("id", rec.ID),
		zap.String("transport", cfg.Transport),
		zap.String("fingerprint", n.crypto.Fingerprint().Short))
	return n, nil
}

func newNegotiator(cfg *config.Config, signing lcrypto.PrivKey, logger *zap.Logger) (transport.Negotiator, error) {
	switch cfg.Transport {
	case config.TransportWebRTC:
		return rtc.New(rtc.Config{
			ICEServers:       cfg.ICEServers,
			GatheringTimeout: cfg.GatheringTimeout.D(),
			Logger:           logger,
		}), nil
	case config.TransportMemory:
		return transport.NewMemoryNetwork(), nil
	default:
		return p2p.New(p2p.Config{ListenAddrs: cfg.ListenAddrs, Identity: signing, Logger: logger})
	}
}

// Start runs the background loops: health checks, gateway reaping and the
// metrics endpoint when configured.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.sender.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.host.Run(ctx)
	}()

	if n.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(n.prom))
		srv := &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		go func() {
			defer n.wg.Done()
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
		n.logger.Info("serving metrics", zap.String("addr", n.cfg.MetricsAddr))
	}
}

// Close stops the background loops and closes every conn.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	for _, p := range n.reg.ListAttached() {
		_ = p.Conn.Close()
	}
	_ = n.host.Close()
	err := n.neg.Close()
	n.wg.Wait()
	_ = n.logger.Sync()
	return err
}

func (n *Node) onState(c transport.Conn, s transport.State) {
	switch s {
	case transport.StateOpen:
		n.onOpen(c)
	case transport.StateClosing:
		if p, ok := n.reg.FindByConn(c); ok {
			n.reg.UpdateState(p.ID, registry.StateClosing)
		}
	case transport.StateClosed:
		n.onClosed(c)
	}
	n.metrics.SetOpenPeers(len(n.reg.ListOpen()))
}

func (n *Node) onOpen(c transport.Conn) {
	if p, ok := n.reg.FindByConn(c); ok {
		n.reg.UpdateState(p.ID, registry.StateOpen)
		n.sender.FlushPeer(p.ID)
		return
	}

	switch n.router.Role() {
	case router.RoleHost:
		// Renamed to an assigned id when the guest says HI.
		tmp := "conn_" + c.ID()
		n.reg.Attach(tmp, c)
		n.logger.Info("guest conn open", zap.String("conn", c.ID()))
	case router.RoleGuest:
		n.reg.Attach(hostAlias, c)
		n.logger.Info("host conn open", zap.String("conn", c.ID()))
		data, err := protocol.Encode(&protocol.Hi{Name: n.displayName(), PublicKey: n.crypto.PublicKey()})
		if err != nil {
			n.logger.Error("failed to encode HI", zap.Error(err))
			return
		}
		if _, err := n.sender.Send(hostAlias, data); err != nil {
			n.logger.Warn("failed to send HI", zap.Error(err))
		}
	default:
		n.logger.Warn("conn opened without a role", zap.String("conn", c.ID()))
		_ = c.Close()
	}
}

func (n *Node) onClosed(c transport.Conn) {
	p, ok := n.reg.FindByConn(c)
	if !ok {
		return
	}
	n.reg.Remove(p.ID)
	n.store.RemoveMember(p.ID)
	n.router.Forget(p.ID)
	n.crypto.Forget(p.ID)

	name := p.Name
	if name == "" {
		name = p.ID
	}
	if n.router.Role() == router.RoleGuest {
		n.system(router.General, "❌ Disconnected from host %s", name)
		for _, other := range n.reg.List() {
			if other.Conn == nil {
				n.reg.Remove(other.ID)
				n.store.RemoveMember(other.ID)
			}
		}
	} else {
		n.system(router.General, "👋 %s left", name)
	}
	n.logger.Info("peer disconnected", zap.String("peer", p.ID))
}

func (n *Node) onMessage(c transport.Conn, data []byte) {
	// Errors are logged by the router; a bad frame never closes the conn.
	_ = n.router.Dispatch(c, data)
}

func (n *Node) onWelcome(selfID, hostID string) {
	n.logger.Info("joined session", zap.String("id", selfID), zap.String("host", hostID))
	n.sender.FlushPeer(hostID)
}

func (n *Node) onPeerJoined(peerID, name string) {
	n.sender.FlushPeer(peerID)
}

func (n *Node) onCompromised(peerID string) {
	n.logger.Warn("peer key mismatch", zap.String("peer", peerID))
}

func (n *Node) onDeliveryFailure(peerID string, err error) {
	n.system(router.General, "⚠️ Message to %s could not be delivered: %v", n.nameOf(peerID), err)
}

func (n *Node) system(ref router.ChatRef, format string, args ...any) {
	if err := n.store.AddSystemMessage(ref, fmt.Sprintf(format, args...), n.clk.Now()); err != nil {
		n.logger.Debug("system message dropped", zap.Error(err))
	}
}

func (n *Node) nameOf(peerID string) string {
	if p, ok := n.reg.Find(peerID); ok && p.Name != "" {
		return p.Name
	}
	return peerID
}

func (n *Node) displayName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}
