// Package host is the composition root: it wires identity, sockets, the
// packet dispatcher, key exchange, the per-remote peer registry, and the
// optional registration client/server and metrics HTTP server into one
// running daemon. Adapted from the teacher's internal/agent.Agent lifecycle
// (atomic running flag, sync.Once-guarded Stop) generalized from Muti
// Metroo's mesh-agent components to this module's secure-channel and
// rendezvous components. Unlike the teacher's Agent, Host spawns no
// background goroutines of its own; every socket manages its own receive
// loop and is torn down by closing it.
package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netsteria/rendezvous/internal/channel"
	"github.com/netsteria/rendezvous/internal/config"
	"github.com/netsteria/rendezvous/internal/dispatch"
	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/kex"
	"github.com/netsteria/rendezvous/internal/logging"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/packetcodec"
	"github.com/netsteria/rendezvous/internal/rendezvous/peer"
	"github.com/netsteria/rendezvous/internal/regclient"
	"github.com/netsteria/rendezvous/internal/regserver"
	"github.com/netsteria/rendezvous/internal/regwire"
	"github.com/netsteria/rendezvous/internal/socketio"
	"github.com/netsteria/rendezvous/internal/timerengine"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// regMagicLen is the width of regwire's envelope magic, used to demux a
// datagram arriving on the shared channel/registration socket before it
// reaches packetcodec.Sniff, which only understands kexcrypto's 8-byte
// magics.
const regMagicLen = 4

// regEventBuffer bounds how many unread RegistrationEvents Events() will
// hold before newer ones are dropped; a CLI command reading one event at a
// time never needs more than a handful in flight.
const regEventBuffer = 16

// RegistrationEventKind identifies what a RegistrationEvent reports.
type RegistrationEventKind int

// Kinds of RegistrationEvent, one per regclient.Config callback.
const (
	EventRegistered RegistrationEventKind = iota
	EventRegistrationError
	EventLookupResult
	EventLookupNotify
	EventSearchResult
	EventDeleted
)

// RegistrationEvent reports one occurrence from the registration client,
// forwarded from whichever regclient.Config callback fired. Only the
// fields relevant to Kind are populated.
type RegistrationEvent struct {
	Kind RegistrationEventKind

	Lifetime time.Duration        // EventRegistered
	Err      error                // EventRegistrationError
	Target   identity.EID         // EventLookupResult
	Found    bool                 // EventLookupResult
	From     identity.EID         // EventLookupNotify
	Endpoint socketio.Endpoint    // EventRegistered, EventLookupResult, EventLookupNotify
	Profile  []byte               // EventLookupResult, EventLookupNotify
	Text     string               // EventSearchResult
	IDs      []identity.EID       // EventSearchResult
	Complete bool                 // EventSearchResult
	Deleted  bool                 // EventDeleted
}

// Host is one running rendezvous daemon: its identity, its UDP sockets, and
// every component wired against them.
type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	identity *identity.KeyPair
	metrics  *metrics.Metrics

	socket      *socketio.UDPSocket
	regSocket   *socketio.UDPSocket // nil unless RegistrationServer.Enabled
	dispatcher  *dispatch.PacketDispatcher
	messages    *dispatch.MessageReceiver
	cookies     *kex.CookieRouter
	responder   *kex.KexResponder
	regClient   *regclient.Client
	regServer   *regserver.Server
	metricsHTTP *metrics.Server

	mu    sync.Mutex
	peers map[identity.EID]*peer.Peer

	regEvents chan RegistrationEvent

	running  atomic.Bool
	stopOnce sync.Once
}

// New loads or creates the host identity and wires every configured
// component, but starts nothing: call Start to bind sockets and begin
// serving traffic.
func New(cfg *config.Config) (*Host, error) {
	kp, _, _, err := identity.LoadOrCreate(cfg.Agent.DataDir, cfg.Agent.AppName, 0)
	if err != nil {
		return nil, fmt.Errorf("host: load identity: %w", err)
	}

	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	m := metrics.NewMetrics()

	h := &Host{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "host"), slog.String("eid", kp.EID.ShortString())),
		identity:  kp,
		metrics:   m,
		peers:     make(map[identity.EID]*peer.Peer),
		regEvents: make(chan RegistrationEvent, regEventBuffer),
	}

	h.messages = dispatch.NewMessageReceiver(logger)
	h.messages.SetMetrics(m)

	h.dispatcher = dispatch.NewPacketDispatcher(logger)
	h.dispatcher.SetMetrics(m)

	h.cookies = kex.NewCookieRouter(logger)

	if cfg.Metrics.Enabled {
		h.metricsHTTP = metrics.NewServer(metrics.ServerConfig{
			Address:       cfg.Metrics.Address,
			BasicAuthUser: cfg.Metrics.BasicAuthUser,
			BasicAuthPass: cfg.Metrics.BasicAuthPass,
		}, prometheus.DefaultGatherer, logger)
	}

	return h, nil
}

// Start binds the host's UDP sockets and begins serving handshakes,
// registration traffic, and metrics.
func (h *Host) Start() error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("host: already running")
	}

	engine := timerengine.NewRealEngine()

	socket, err := socketio.Bind(h.cfg.Listen.Address, h.handleChannelDatagram, h.logger)
	if err != nil {
		h.running.Store(false)
		return fmt.Errorf("host: bind listen socket: %w", err)
	}
	h.socket = socket

	responder, err := kex.NewResponder(kex.Config{
		Identity:      h.identity,
		Socket:        socket,
		Registry:      h.messages,
		OnEstablished: h.onInboundChannel,
		Engine:        engine,
		Logger:        h.logger,
		Metrics:       h.metrics,
	})
	if err != nil {
		h.socket.Close()
		h.running.Store(false)
		return fmt.Errorf("host: start kex responder: %w", err)
	}
	h.responder = responder

	if err := h.bindDispatch(); err != nil {
		h.responder.Close()
		h.socket.Close()
		h.running.Store(false)
		return err
	}

	if h.cfg.Registration.Enabled {
		if err := h.startRegClient(socket, engine); err != nil {
			h.responder.Close()
			h.socket.Close()
			h.running.Store(false)
			return err
		}
	}

	if h.cfg.RegistrationServer.Enabled {
		if err := h.startRegServer(engine); err != nil {
			h.stopRegClient()
			h.responder.Close()
			h.socket.Close()
			h.running.Store(false)
			return err
		}
	}

	if h.metricsHTTP != nil {
		if err := h.metricsHTTP.Start(); err != nil {
			h.stopRegServer()
			h.stopRegClient()
			h.responder.Close()
			h.socket.Close()
			h.running.Store(false)
			return fmt.Errorf("host: start metrics server: %w", err)
		}
	}

	h.logger.Info("host started",
		slog.String("listen", h.cfg.Listen.Address),
		slog.Bool("registration_client", h.cfg.Registration.Enabled),
		slog.Bool("registration_server", h.cfg.RegistrationServer.Enabled),
		slog.Bool("metrics", h.cfg.Metrics.Enabled))

	return nil
}

// bindDispatch wires the packet dispatcher's four kinds to their handlers.
// Hello and Initiate both go to the responder (it demultiplexes internally
// by magic), Cookie goes to the per-socket CookieRouter, Message goes to
// the MessageReceiver.
func (h *Host) bindDispatch() error {
	if err := h.dispatcher.Bind(packetcodec.KindHello, h.responder); err != nil {
		return fmt.Errorf("host: bind hello handler: %w", err)
	}
	if err := h.dispatcher.Bind(packetcodec.KindInitiate, h.responder); err != nil {
		return fmt.Errorf("host: bind initiate handler: %w", err)
	}
	if err := h.dispatcher.Bind(packetcodec.KindCookie, h.cookies); err != nil {
		return fmt.Errorf("host: bind cookie handler: %w", err)
	}
	if err := h.dispatcher.Bind(packetcodec.KindMessage, h.messages); err != nil {
		return fmt.Errorf("host: bind message handler: %w", err)
	}
	return nil
}

// handleChannelDatagram demultiplexes a datagram from the shared socket
// between the registration protocol (4-byte REG_MAGIC prefix) and the
// secure-channel protocol (8-byte kexcrypto magics), since a host with no
// dedicated registration-server port still needs its RegistrationClient to
// exchange traffic over the same socket its handshakes use.
func (h *Host) handleChannelDatagram(src socketio.Endpoint, buf []byte) {
	if len(buf) >= regMagicLen && binary.LittleEndian.Uint32(buf[:regMagicLen]) == regwire.Magic {
		h.mu.Lock()
		rc := h.regClient
		h.mu.Unlock()
		if rc != nil {
			rc.HandlePacket(src, buf)
		}
		return
	}
	h.dispatcher.Dispatch(src, buf)
}

// onInboundChannel registers the newly established channel against the
// remote identity's Peer and the message receiver, creating the Peer entry
// if this is the first channel ever seen from that identity.
func (h *Host) onInboundChannel(ch *channel.Channel, remoteEID identity.EID, firstMessage []byte) {
	p := h.peerFor(remoteEID)
	p.AddLocationHint(ch.RemoteEndpoint())
	h.logger.Info("inbound channel established",
		slog.String("remote", remoteEID.ShortString()),
		slog.String("endpoint", ch.RemoteEndpoint().String()))
	_ = firstMessage
}

// peerFor returns the Peer coordinating remote, creating and registering it
// the first time it's seen.
func (h *Host) peerFor(remote identity.EID) *peer.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[remote]; ok {
		return p
	}
	p := peer.New(peer.Config{
		Local:     h.identity,
		RemoteEID: remote,
		Registry:  h.messages,
		Logger:    h.logger,
		Metrics:   h.metrics,
		OnChannelConnected: func(ch *channel.Channel) {
			h.logger.Info("channel connected",
				slog.String("remote", remote.ShortString()),
				slog.String("endpoint", ch.RemoteEndpoint().String()))
		},
		OnChannelFailed: func() {
			h.logger.Warn("channel attempt failed, no reachable endpoint", slog.String("remote", remote.ShortString()))
		},
	})
	h.peers[remote] = p
	h.metrics.PeersKnown.Set(float64(len(h.peers)))
	return p
}

// Connect attempts to establish a channel to remote over every endpoint
// hint known so far (from configuration, lookups, or prior traffic). It
// returns immediately; success or failure is reported through the logger
// and, for callers that need a completion signal, through the Peer
// returned by Peers()[remote] once it settles.
func (h *Host) Connect(remote identity.EID, hints ...socketio.Endpoint) {
	p := h.peerFor(remote)
	for _, ep := range hints {
		p.AddLocationHint(ep)
	}
	p.ConnectChannel([]peer.SocketBinding{{Socket: h.socket, Cookies: h.cookies}})
}

// Peers returns a snapshot of every remote identity this host currently
// tracks, keyed by EID.
func (h *Host) Peers() map[identity.EID]*peer.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[identity.EID]*peer.Peer, len(h.peers))
	for k, v := range h.peers {
		out[k] = v
	}
	return out
}

// Lookup issues a LOOKUP for target against the configured registration
// server. Returns ErrNotRegistered (via the underlying regclient.Client) if
// this host hasn't completed its own registration, and an error if no
// registration client is configured at all.
func (h *Host) Lookup(target identity.EID, notify bool) error {
	h.mu.Lock()
	rc := h.regClient
	h.mu.Unlock()
	if rc == nil {
		return fmt.Errorf("host: no registration client configured")
	}
	return rc.Lookup(target, notify)
}

// Search issues a SEARCH for text against the configured registration
// server.
func (h *Host) Search(text string) error {
	h.mu.Lock()
	rc := h.regClient
	h.mu.Unlock()
	if rc == nil {
		return fmt.Errorf("host: no registration client configured")
	}
	return rc.Search(text)
}

// Delete withdraws this host's own record from the configured registration
// server.
func (h *Host) Delete() error {
	h.mu.Lock()
	rc := h.regClient
	h.mu.Unlock()
	if rc == nil {
		return fmt.Errorf("host: no registration client configured")
	}
	return rc.Delete()
}

// Events returns the channel RegistrationClient callbacks are forwarded to,
// for callers (chiefly the CLI) that need to observe the outcome of a
// Lookup, Search, or the initial registration rather than just the logged
// side effects. Once regEventBuffer events wait unread, further events are
// dropped.
func (h *Host) Events() <-chan RegistrationEvent {
	return h.regEvents
}

func (h *Host) emitRegistrationEvent(ev RegistrationEvent) {
	select {
	case h.regEvents <- ev:
	default:
	}
}

// startRegClient wires a RegistrationClient publishing this host's own
// reachability and resolving/searching others, sharing the channel socket.
func (h *Host) startRegClient(socket socketio.Socket, engine timerengine.Engine) error {
	r := h.cfg.Registration
	serverEID, err := r.ParseEID()
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}

	profile := regwire.NewProfile()
	profile.SetHostname(r.Profile.Hostname)
	profile.SetOwnerNickname(r.Profile.OwnerNickname)
	profile.SetCity(r.Profile.City)
	profile.SetRegion(r.Profile.Region)
	profile.SetCountry(r.Profile.Country)

	rc, err := regclient.New(regclient.Config{
		Local:          h.identity,
		ServerEID:      serverEID,
		ServerAddr:     r.ServerAddr,
		Socket:         socket,
		Engine:         engine,
		Profile:        profile,
		Persistent:     r.Persistent,
		RetransmitBase: r.Retransmit,
		MaxRetransmits: r.MaxRetries,
		Logger:         h.logger,
		Metrics:        h.metrics,
		OnRegistered: func(lifetime time.Duration, observed socketio.Endpoint) {
			h.logger.Info("registered",
				slog.Duration("lifetime", lifetime),
				slog.String("observed", observed.String()))
			h.emitRegistrationEvent(RegistrationEvent{Kind: EventRegistered, Lifetime: lifetime, Endpoint: observed})
		},
		OnError: func(err error) {
			h.logger.Warn("registration error", slog.Any("error", err))
			h.emitRegistrationEvent(RegistrationEvent{Kind: EventRegistrationError, Err: err})
		},
		OnLookupResult: func(target identity.EID, found bool, ep socketio.Endpoint, profile []byte) {
			if found {
				h.peerFor(target).AddLocationHint(ep)
			}
			h.emitRegistrationEvent(RegistrationEvent{Kind: EventLookupResult, Target: target, Found: found, Endpoint: ep, Profile: profile})
		},
		OnLookupNotify: func(from identity.EID, ep socketio.Endpoint, profile []byte) {
			h.peerFor(from).AddLocationHint(ep)
			h.emitRegistrationEvent(RegistrationEvent{Kind: EventLookupNotify, From: from, Endpoint: ep, Profile: profile})
		},
		OnSearchResult: func(text string, ids []identity.EID, complete bool) {
			h.emitRegistrationEvent(RegistrationEvent{Kind: EventSearchResult, Text: text, IDs: ids, Complete: complete})
		},
		OnDeleted: func(wasDeleted bool) {
			h.emitRegistrationEvent(RegistrationEvent{Kind: EventDeleted, Deleted: wasDeleted})
		},
	})
	if err != nil {
		return fmt.Errorf("host: start registration client: %w", err)
	}

	h.mu.Lock()
	h.regClient = rc
	h.mu.Unlock()

	if err := rc.Start(); err != nil {
		return fmt.Errorf("host: registration client start: %w", err)
	}
	return nil
}

func (h *Host) stopRegClient() {
	h.mu.Lock()
	rc := h.regClient
	h.regClient = nil
	h.mu.Unlock()
	if rc != nil {
		rc.Close()
	}
}

// startRegServer binds a dedicated socket for RegistrationServer and starts
// serving INSERT1/INSERT2/LOOKUP/SEARCH/DELETE.
func (h *Host) startRegServer(engine timerengine.Engine) error {
	s := h.cfg.RegistrationServer

	regSocket, err := socketio.Bind(s.Address, func(src socketio.Endpoint, buf []byte) {
		h.mu.Lock()
		rs := h.regServer
		h.mu.Unlock()
		if rs != nil {
			rs.HandlePacket(src, buf)
		}
	}, h.logger)
	if err != nil {
		return fmt.Errorf("host: bind registration server socket: %w", err)
	}
	h.regSocket = regSocket

	rs := regserver.New(regserver.Config{
		Identity:         h.identity,
		Socket:           regSocket,
		Engine:           engine,
		Logger:           h.logger,
		Metrics:          h.metrics,
		RecordLifetime:   s.RecordLifetime,
		Insert1RateLimit: rate.Limit(s.Insert1RatePerSec),
		Insert1RateBurst: s.Insert1RateBurst,
	})

	h.mu.Lock()
	h.regServer = rs
	h.mu.Unlock()
	return nil
}

func (h *Host) stopRegServer() {
	h.mu.Lock()
	h.regServer = nil
	sock := h.regSocket
	h.regSocket = nil
	h.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
}

// Stop gracefully shuts down every running component, closing established
// channels and in-flight key exchanges.
func (h *Host) Stop() error {
	h.stopOnce.Do(func() {
		h.running.Store(false)

		if h.metricsHTTP != nil {
			h.metricsHTTP.Stop()
		}

		h.stopRegServer()
		h.stopRegClient()

		h.mu.Lock()
		peers := make([]*peer.Peer, 0, len(h.peers))
		for _, p := range h.peers {
			peers = append(peers, p)
		}
		h.mu.Unlock()
		for _, p := range peers {
			p.Close()
		}

		if h.responder != nil {
			h.responder.Close()
		}
		if h.socket != nil {
			h.socket.Close()
		}

		h.logger.Info("host stopped")
	})
	return nil
}

// StopWithContext stops the host, returning ctx.Err() if it expires first.
func (h *Host) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- h.Stop() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the host is currently serving traffic.
func (h *Host) IsRunning() bool {
	return h.running.Load()
}

// Identity returns the host's long-term key pair.
func (h *Host) Identity() *identity.KeyPair {
	return h.identity
}

// Metrics returns the host's metrics instance, for tests and for wiring a
// metrics.Server against a different gatherer than the default registry.
func (h *Host) Metrics() *metrics.Metrics {
	return h.metrics
}
