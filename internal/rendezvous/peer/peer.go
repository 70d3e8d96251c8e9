// Package peer coordinates everything known about one remote identity: its
// candidate endpoints, its established channels, and any key-exchange
// attempts currently in flight toward it. Adapted from the teacher's
// internal/peer.Manager (one coordinator per remote, mutex-guarded
// connection table, completion callbacks driving reconnection) and from
// original_source's uia::internal::peer (locations_/channels_/
// key_exchanges_initiated_).
package peer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/netsteria/rendezvous/internal/channel"
	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/kex"
	"github.com/netsteria/rendezvous/internal/logging"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/socketio"
	"github.com/netsteria/rendezvous/internal/timerengine"
)

// CookieRegistry lets a Peer route inbound Cookie packets for an in-flight
// KexInitiator back to it. Satisfied by *kex.CookieRouter.
type CookieRegistry interface {
	Register(target socketio.Endpoint, init *kex.KexInitiator) error
	Unregister(target socketio.Endpoint)
}

// SocketBinding pairs a local socket with the Cookie routing index bound to
// its PacketDispatcher, the unit ConnectChannel attempts each known
// endpoint over.
type SocketBinding struct {
	Socket  channel.Sender
	Cookies CookieRegistry
}

// Config holds the fixed collaborators a Peer needs to dial and accept
// channels to one remote identity.
type Config struct {
	Local          *identity.KeyPair
	RemoteEID      identity.EID
	Registry       channel.Registry
	Engine         timerengine.Engine
	RetransmitBase time.Duration
	MaxRetransmits int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	// OnChannelConnected fires once per channel that completes
	// successfully; multiple simultaneous channels to the same peer are
	// permitted, and upstream selects among them (spec §4.7).
	OnChannelConnected func(ch *channel.Channel)
	// OnChannelFailed fires when a ConnectChannel wave ends with no
	// channel established and no attempt still in flight.
	OnChannelFailed func()
}

type initiatedKey struct {
	socket   channel.Sender
	endpoint string
}

// Peer is the per-remote-identity coordinator: known endpoints, open
// channels keyed by remote short-term public key, and in-flight
// KexInitiators keyed by (socket, endpoint) to suppress duplicate attempts.
type Peer struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	locations []socketio.Endpoint
	channels  map[[32]byte]*channel.Channel
	initiated map[initiatedKey]*kex.KexInitiator
}

// New creates a Peer for remote. Config.Engine is threaded through to each
// KexInitiator it starts.
func New(cfg Config) *Peer {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Peer{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "peer"), slog.String("remote", cfg.RemoteEID.ShortString())),
		channels:  make(map[[32]byte]*channel.Channel),
		initiated: make(map[initiatedKey]*kex.KexInitiator),
	}
}

// AddLocationHint records ep as a candidate endpoint for this peer, if not
// already known. Hints arrive from regserver lookups, configuration, and
// observed packet sources.
func (p *Peer) AddLocationHint(ep socketio.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.locations {
		if existing.Equal(ep) {
			return
		}
	}
	p.locations = append(p.locations, ep)
}

// Locations returns a snapshot of this peer's known candidate endpoints.
func (p *Peer) Locations() []socketio.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]socketio.Endpoint(nil), p.locations...)
}

// Channels returns a snapshot of this peer's established channels, keyed by
// remote short-term public key.
func (p *Peer) Channels() map[[32]byte]*channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[[32]byte]*channel.Channel, len(p.channels))
	for k, v := range p.channels {
		out[k] = v
	}
	return out
}

// pendingInitiator is a KexInitiator that has been created and registered
// with its socket's CookieRegistry, but not yet started.
type pendingInitiator struct {
	key  initiatedKey
	sock SocketBinding
	ep   socketio.Endpoint
	init *kex.KexInitiator
}

// ConnectChannel attempts a connection to this peer over every known
// endpoint on every given socket, suppressing duplicate (socket, endpoint)
// attempts already in flight. It returns immediately; completion is
// reported via Config.OnChannelConnected / Config.OnChannelFailed.
func (p *Peer) ConnectChannel(sockets []SocketBinding) {
	p.mu.Lock()
	locs := append([]socketio.Endpoint(nil), p.locations...)
	var pending []pendingInitiator
	for _, sock := range sockets {
		for _, ep := range locs {
			if pi, ok := p.createInitiatorLocked(sock, ep); ok {
				pending = append(pending, pi)
			}
		}
	}
	p.mu.Unlock()

	// init.Start() can synchronously run an entire handshake to completion
	// (the responder's implicit ack arrives and invokes OnCompleted, i.e.
	// p.completed) on this same goroutine over a loopback or in-memory
	// transport; calling it with p.mu held would deadlock, so every Start
	// happens after the lock above is released. Once an initiator starts
	// successfully, p.completed owns reporting OnChannelConnected /
	// OnChannelFailed for it, so this wave must not also report failure.
	started := false
	for _, pi := range pending {
		if err := pi.init.Start(); err != nil {
			pi.sock.Cookies.Unregister(pi.ep)
			p.mu.Lock()
			delete(p.initiated, pi.key)
			p.mu.Unlock()
			p.logger.Warn("failed to start initiator", slog.String("endpoint", pi.ep.String()), slog.Any("error", err))
			continue
		}
		started = true
	}

	if started {
		return
	}

	p.mu.Lock()
	remaining := len(p.initiated)
	p.mu.Unlock()

	if remaining == 0 && p.cfg.OnChannelFailed != nil {
		p.cfg.OnChannelFailed()
	}
}

// createInitiatorLocked builds a KexInitiator toward ep over sock and
// registers it in p.initiated and sock.Cookies, unless one is already in
// flight for that pair. It does not call Start: the caller must do so after
// releasing p.mu. Must be called with p.mu held.
func (p *Peer) createInitiatorLocked(sock SocketBinding, ep socketio.Endpoint) (pendingInitiator, bool) {
	key := initiatedKey{socket: sock.Socket, endpoint: ep.String()}
	if _, exists := p.initiated[key]; exists {
		return pendingInitiator{}, false
	}

	init, err := kex.NewInitiator(kex.InitiatorConfig{
		Local:          p.cfg.Local,
		RemoteEID:      p.cfg.RemoteEID,
		RemoteEndpoint: ep,
		Socket:         sock.Socket,
		Registry:       p.cfg.Registry,
		Engine:         p.cfg.Engine,
		RetransmitBase: p.cfg.RetransmitBase,
		MaxRetransmits: p.cfg.MaxRetransmits,
		Logger:         p.logger,
		Metrics:        p.cfg.Metrics,
		OnCompleted: func(ch *channel.Channel, err error) {
			sock.Cookies.Unregister(ep)
			p.completed(key, ch, err)
		},
	})
	if err != nil {
		p.logger.Warn("failed to create initiator", slog.String("endpoint", ep.String()), slog.Any("error", err))
		return pendingInitiator{}, false
	}

	if err := sock.Cookies.Register(ep, init); err != nil {
		p.logger.Debug("key exchange already in progress to endpoint", slog.String("endpoint", ep.String()))
		return pendingInitiator{}, false
	}
	p.initiated[key] = init

	return pendingInitiator{key: key, sock: sock, ep: ep, init: init}, true
}

// completed removes key's initiator from the in-flight table and, on
// success, records the new channel and notifies OnChannelConnected. If the
// attempt failed and no other attempt is still in flight, notifies
// OnChannelFailed: every endpoint known at ConnectChannel time was already
// attempted, so an empty in-flight table means nothing is left to try.
func (p *Peer) completed(key initiatedKey, ch *channel.Channel, err error) {
	p.mu.Lock()
	delete(p.initiated, key)
	remaining := len(p.initiated)
	if ch != nil {
		p.channels[ch.RemoteShortPub()] = ch
	}
	p.mu.Unlock()

	if ch != nil {
		if p.cfg.OnChannelConnected != nil {
			p.cfg.OnChannelConnected(ch)
		}
		return
	}

	p.logger.Debug("key exchange attempt failed", slog.Any("error", err))
	if remaining == 0 && p.cfg.OnChannelFailed != nil {
		p.cfg.OnChannelFailed()
	}
}

// PreferredEndpoint returns this peer's known endpoint with the longest
// matching IP-address bit prefix against localAddr, the affinity ranking
// spec §4.7 uses to bias send-path selection toward topologically near
// endpoints in multi-homed deployments. IPv4 and IPv6 endpoints are
// incomparable; if no known location shares localAddr's family, the first
// known location is returned as a fallback.
func (p *Peer) PreferredEndpoint(localAddr socketio.Endpoint) (socketio.Endpoint, bool) {
	locs := p.Locations()
	if len(locs) == 0 {
		return socketio.Endpoint{}, false
	}

	best := locs[0]
	bestScore := -1
	for _, ep := range locs {
		if score := affinityScore(localAddr, ep); score > bestScore {
			bestScore = score
			best = ep
		}
	}
	return best, true
}

// affinityScore returns the number of leading bits a and b's IP addresses
// share, or -1 if they belong to different address families.
func affinityScore(a, b socketio.Endpoint) int {
	if a.IsIPv4() != b.IsIPv4() {
		return -1
	}
	var ab, bb []byte
	if a.IsIPv4() {
		ab, bb = a.IP.To4(), b.IP.To4()
	} else {
		ab, bb = a.IP.To16(), b.IP.To16()
	}
	if ab == nil || bb == nil || len(ab) != len(bb) {
		return -1
	}

	score := 0
	for i := range ab {
		x := ab[i] ^ bb[i]
		if x == 0 {
			score += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				return score
			}
			score++
		}
	}
	return score
}

// Close cancels every in-flight key exchange and closes every established
// channel. Initiators are left to remove themselves from p.initiated via
// their own Cancel-triggered completion callback (the same path a natural
// timeout or rejection takes), so OnChannelFailed still fires at most once,
// when the last of them unwinds.
func (p *Peer) Close() {
	p.mu.Lock()
	initiated := make([]*kex.KexInitiator, 0, len(p.initiated))
	for _, init := range p.initiated {
		initiated = append(initiated, init)
	}
	channels := make([]*channel.Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	p.channels = make(map[[32]byte]*channel.Channel)
	p.mu.Unlock()

	for _, init := range initiated {
		init.Cancel()
	}
	for _, ch := range channels {
		ch.Close()
	}
}
