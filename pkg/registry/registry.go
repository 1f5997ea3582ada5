package registry

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/baderanaas/HushLink/pkg/transport"
	"github.com/benbjohnson/clock"
)

var ErrUnknownPeer = errors.New("unknown peer")

// State is a peer's connection state as seen by the registry.
type State int

const (
	// StatePlaceholder marks a peer known by reference only, with no conn.
	StatePlaceholder State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePlaceholder:
		return "placeholder"
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

// FromTransport maps a conn state onto a registry state.
func FromTransport(s transport.State) State {
	switch s {
	case transport.StateConnecting:
		return StateConnecting
	case transport.StateOpen:
		return StateOpen
	case transport.StateClosing:
		return StateClosing
	default:
		return StateClosed
	}
}

// Peer is a snapshot of one registry entry.
type Peer struct {
	ID          string
	Name        string
	State       State
	Conn        transport.Conn
	PublicKey   []byte
	Fingerprint string
	Trust       int
	Verified    bool
	Compromised bool
	FirstSeen   time.Time
	UpdatedAt   time.Time
}

// Live reports whether the peer's conn is open.
func (p Peer) Live() bool {
	return p.Conn != nil && p.State == StateOpen && p.Conn.State() == transport.StateOpen
}

// Op names the kind of registry mutation.
type Op string

const (
	OpUpsert Op = "upsert"
	OpAttach Op = "attach"
	OpState  Op = "state"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
	OpRekey  Op = "rekey"
)

// Change describes one mutation.
type Change struct {
	Op     Op
	PeerID string
	Prev   string
}

// Registry is the authoritative table of known peers. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	hub   string
	subs  []func(Change)
	clk   clock.Clock
}

// Option configures a Registry.
type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clk = c } }

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{peers: make(map[string]*Peer), clk: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn to be called after every mutation.
func (r *Registry) Subscribe(fn func(Change)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

func (r *Registry) notify(c Change) {
	r.mu.RLock()
	subs := slices.Clone(r.subs)
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (r *Registry) getOrCreate(id string) *Peer {
	p, ok := r.peers[id]
	if !ok {
		now := r.clk.Now()
		p = &Peer{ID: id, State: StatePlaceholder, FirstSeen: now, UpdatedAt: now}
		r.peers[id] = p
	}
	return p
}

// UpsertPlaceholder records a peer known only by reference. An existing
// entry keeps its conn and state; only a non-empty name is applied.
func (r *Registry) UpsertPlaceholder(id, name string) Peer {
	r.mu.Lock()
	p := r.getOrCreate(id)
	if name != "" {
		p.Name = name
	}
	p.UpdatedAt = r.clk.Now()
	snap := *p
	r.mu.Unlock()

	r.notify(Change{Op: OpUpsert, PeerID: id})
	return snap
}

// Attach binds a conn to the peer, creating it if needed. Name and key data
// of an existing placeholder are preserved.
func (r *Registry) Attach(id string, conn transport.Conn) Peer {
	r.mu.Lock()
	p := r.getOrCreate(id)
	p.Conn = conn
	p.State = FromTransport(conn.State())
	p.UpdatedAt = r.clk.Now()
	snap := *p
	r.mu.Unlock()

	r.notify(Change{Op: OpAttach, PeerID: id})
	return snap
}

// UpdateState sets the peer's state. It reports false for unknown peers.
func (r *Registry) UpdateState(id string, s State) bool {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		p.State = s
		p.UpdatedAt = r.clk.Now()
	}
	r.mu.Unlock()

	if ok {
		r.notify(Change{Op: OpState, PeerID: id})
	}
	return ok
}

// Update applies fn to the peer under the registry lock.
func (r *Registry) Update(id string, fn func(*Peer)) bool {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		fn(p)
		p.ID = id
		p.UpdatedAt = r.clk.Now()
	}
	r.mu.Unlock()

	if ok {
		r.notify(Change{Op: OpUpdate, PeerID: id})
	}
	return ok
}

// SetName updates a peer's display name.
func (r *Registry) SetName(id, name string) bool {
	return r.Update(id, func(p *Peer) { p.Name = name })
}

// SetKey records the peer's exported public key and its fingerprint.
func (r *Registry) SetKey(id string, key []byte, fingerprint string) bool {
	return r.Update(id, func(p *Peer) {
		p.PublicKey = append([]byte(nil), key...)
		p.Fingerprint = fingerprint
	})
}

// Remove deletes the peer.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	if r.hub == id {
		r.hub = ""
	}
	r.mu.Unlock()

	if ok {
		r.notify(Change{Op: OpRemove, PeerID: id})
	}
	return ok
}

// Rekey moves an entry to a new id. An entry already stored under newID is
// merged into the moved one, the moved entry's conn winning.
func (r *Registry) Rekey(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	r.mu.Lock()
	p, ok := r.peers[oldID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownPeer
	}
	if existing, ok := r.peers[newID]; ok {
		if p.Name == "" {
			p.Name = existing.Name
		}
		if len(p.PublicKey) == 0 {
			p.PublicKey, p.Fingerprint = existing.PublicKey, existing.Fingerprint
		}
		p.FirstSeen = existing.FirstSeen
	}
	delete(r.peers, oldID)
	p.ID = newID
	p.UpdatedAt = r.clk.Now()
	r.peers[newID] = p
	if r.hub == oldID {
		r.hub = newID
	}
	r.mu.Unlock()

	r.notify(Change{Op: OpRekey, PeerID: newID, Prev: oldID})
	return nil
}

// Find returns a snapshot of the peer.
func (r *Registry) Find(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// FindByConn returns the peer a conn is attached to.
func (r *Registry) FindByConn(c transport.Conn) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.Conn == c {
			return *p, true
		}
	}
	return Peer{}, false
}

// List returns every peer ordered by id.
func (r *Registry) List() []Peer {
	return r.filter(func(*Peer) bool { return true })
}

// ListOpen returns peers whose conn is open, ordered by id.
func (r *Registry) ListOpen() []Peer {
	return r.filter(func(p *Peer) bool { return p.Live() })
}

// ListAttached returns peers that own a conn, whatever its state.
func (r *Registry) ListAttached() []Peer {
	return r.filter(func(p *Peer) bool { return p.Conn != nil })
}

func (r *Registry) filter(keep func(*Peer) bool) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetHub names the peer that relays for everyone else. Guests set it to the
// host; the host leaves it empty.
func (r *Registry) SetHub(id string) {
	r.mu.Lock()
	r.hub = id
	r.mu.Unlock()
}

// Hub returns the relay peer id, if any.
func (r *Registry) Hub() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hub
}

// Route returns the conn frames for id travel over: the peer's own conn, or
// the hub's conn when the peer is reachable only through it.
func (r *Registry) Route(id string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.peers[id]; ok && p.Conn != nil {
		return p.Conn, true
	}
	if r.hub == "" || r.hub == id {
		return nil, false
	}
	if _, known := r.peers[id]; !known {
		return nil, false
	}
	if h, ok := r.peers[r.hub]; ok && h.Conn != nil {
		return h.Conn, true
	}
	return nil, false
}
