// Package kex implements the CurveCP-derived four-message key exchange:
// KexResponder answers Hello with a stateless Cookie and validates
// Initiate; KexInitiator drives the Hello/Initiate side and retransmits
// until a Cookie or Message response arrives. Grounded on
// jchv-curvecp/server.go's checkHello/checkInitiate/pump validation logic
// and on original_source's negotiation/{initiator,responder}.h state
// machines.
package kex

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netsteria/rendezvous/internal/channel"
	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/kexcrypto"
	"github.com/netsteria/rendezvous/internal/logging"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/packetcodec"
	"github.com/netsteria/rendezvous/internal/socketio"
	"github.com/netsteria/rendezvous/internal/timerengine"
)

// DefaultMinuteKeyRotation is how often the responder rotates its cookie
// secret, matching the reference implementation's minute-key design
// (the name is historical; the interval is configurable).
const DefaultMinuteKeyRotation = 60 * time.Second

// AcceptFunc authorizes an incoming Initiate before a channel is created
// for it. The default is always-permissive: per the Open Question decision
// recorded in DESIGN.md, this subsystem specifies the seam without
// defaulting to an opinionated policy.
type AcceptFunc func(src socketio.Endpoint, remoteEID identity.EID, firstMessage []byte) bool

// AlwaysAccept is the default AcceptFunc.
func AlwaysAccept(socketio.Endpoint, identity.EID, []byte) bool { return true }

// OnChannelEstablished is invoked once per newly established inbound
// channel, after the implicit Message acknowledgment has been sent.
// firstMessage is the payload piggybacked on Initiate, which may be empty.
type OnChannelEstablished func(ch *channel.Channel, remoteEID identity.EID, firstMessage []byte)

// KexResponder answers Hello/Initiate on behalf of a local identity. It
// holds no per-initiator state between Hello and Initiate: everything an
// Initiate needs to be validated travels inside the Cookie the initiator
// echoes back, sealed under a minute key only the responder knows.
type KexResponder struct {
	mu sync.Mutex

	longTermEID    identity.EID
	longTermSecret [32]byte

	minuteKey, prevMinuteKey [32]byte
	rotation                 time.Duration
	rotateTimer              timerengine.Timer

	socket   channel.Sender
	registry channel.Registry

	accept        AcceptFunc
	onEstablished OnChannelEstablished

	// established deduplicates retransmitted Initiates by the client
	// short-term public key they carry, so a retransmit doesn't spawn a
	// second channel or re-invoke onEstablished.
	established map[[32]byte]*channel.Channel

	closed  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Config configures a KexResponder.
type Config struct {
	Identity      *identity.KeyPair
	Socket        channel.Sender
	Registry      channel.Registry
	Accept        AcceptFunc // nil means AlwaysAccept
	OnEstablished OnChannelEstablished
	Engine        timerengine.Engine
	Rotation      time.Duration // zero means DefaultMinuteKeyRotation
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// NewResponder constructs a KexResponder and starts its minute-key rotation
// timer.
func NewResponder(cfg Config) (*KexResponder, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("kex: responder requires an identity")
	}
	accept := cfg.Accept
	if accept == nil {
		accept = AlwaysAccept
	}
	rotation := cfg.Rotation
	if rotation <= 0 {
		rotation = DefaultMinuteKeyRotation
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	r := &KexResponder{
		longTermEID:    cfg.Identity.EID,
		longTermSecret: cfg.Identity.Secret.Secret(),
		socket:         cfg.Socket,
		registry:       cfg.Registry,
		accept:         accept,
		onEstablished:  cfg.OnEstablished,
		rotation:       rotation,
		established:    make(map[[32]byte]*channel.Channel),
		metrics:        cfg.Metrics,
		logger:         logger.With(slog.String("component", "kex_responder")),
	}
	if err := kexcrypto.RandomBytes(r.minuteKey[:]); err != nil {
		return nil, fmt.Errorf("kex: seed minute key: %w", err)
	}
	copy(r.prevMinuteKey[:], r.minuteKey[:])

	if cfg.Engine != nil {
		r.rotateTimer = cfg.Engine.NewTimer(r.rotateMinuteKey)
		r.rotateTimer.Start(rotation)
	}
	return r, nil
}

// rotateMinuteKey demotes the current minute key to previous (so in-flight
// cookies sealed under it remain valid for one more interval) and draws a
// fresh one.
func (r *KexResponder) rotateMinuteKey() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	copy(r.prevMinuteKey[:], r.minuteKey[:])
	if err := kexcrypto.RandomBytes(r.minuteKey[:]); err != nil {
		r.logger.Error("failed to draw new minute key, keeping the old one", slog.Any("error", err))
		copy(r.minuteKey[:], r.prevMinuteKey[:])
	}
	if r.rotateTimer != nil {
		r.rotateTimer.Restart(r.rotation)
	}
}

// HandlePacket implements dispatch.PacketHandler for both the Hello and
// Initiate magics.
func (r *KexResponder) HandlePacket(src socketio.Endpoint, buf []byte) {
	kind, err := packetcodec.Sniff(buf)
	if err != nil {
		return
	}
	switch kind {
	case packetcodec.KindHello:
		r.handleHello(src, buf)
	case packetcodec.KindInitiate:
		r.handleInitiate(src, buf)
	default:
		r.logger.Debug("responder received a packet of unhandled kind", slog.Any("kind", kind))
	}
}

func (r *KexResponder) handleHello(src socketio.Endpoint, buf []byte) {
	h, err := packetcodec.DecodeHello(buf)
	if err != nil {
		r.logger.Debug("dropped malformed hello", slog.Any("error", err))
		return
	}

	if _, err := kexcrypto.OpenBox(h.Box, kexcrypto.HelloNoncePrefix, h.NonceTail[:], &h.ClientShortPub, &r.longTermSecret); err != nil {
		r.logger.Debug("dropped hello failing authentication", slog.String("src", src.String()))
		return
	}

	serverShortPub, serverShortSecret, err := kexcrypto.GenerateKeyPair()
	if err != nil {
		r.logger.Error("failed to generate short-term key pair", slog.Any("error", err))
		return
	}

	cookie, err := r.sealCookie(h.ClientShortPub, serverShortPub, serverShortSecret)
	if err != nil {
		r.logger.Error("failed to seal cookie", slog.Any("error", err))
		return
	}

	wire, err := packetcodec.EncodeCookie(cookie)
	if err != nil {
		r.logger.Error("failed to encode cookie", slog.Any("error", err))
		return
	}
	if err := r.socket.Send(src, wire); err != nil {
		r.logger.Warn("failed to send cookie", slog.Any("error", err))
	}
}

func (r *KexResponder) sealCookie(clientShortPub, serverShortPub, serverShortSecret [32]byte) (*packetcodec.Cookie, error) {
	var minuteTail [16]byte
	if err := kexcrypto.RandomBytes(minuteTail[:]); err != nil {
		return nil, err
	}

	minutePlain := make([]byte, 0, 64)
	minutePlain = append(minutePlain, clientShortPub[:]...)
	minutePlain = append(minutePlain, serverShortSecret[:]...)

	r.mu.Lock()
	minuteKey := r.minuteKey
	r.mu.Unlock()

	minuteSealed, err := kexcrypto.SealSecretbox(minutePlain, kexcrypto.MinuteKeyNoncePrefix, minuteTail[:], &minuteKey)
	if err != nil {
		return nil, fmt.Errorf("seal minute-key cookie: %w", err)
	}

	outerPlain := make([]byte, 0, 32+16+len(minuteSealed))
	outerPlain = append(outerPlain, serverShortPub[:]...)
	outerPlain = append(outerPlain, minuteTail[:]...)
	outerPlain = append(outerPlain, minuteSealed...)

	var outerTail [16]byte
	if err := kexcrypto.RandomBytes(outerTail[:]); err != nil {
		return nil, err
	}
	outerBox, err := kexcrypto.SealBox(outerPlain, kexcrypto.CookieNoncePrefix, outerTail[:], &clientShortPub, &r.longTermSecret)
	if err != nil {
		return nil, fmt.Errorf("seal cookie box: %w", err)
	}

	return &packetcodec.Cookie{NonceTail: outerTail, Box: outerBox}, nil
}

func (r *KexResponder) handleInitiate(src socketio.Endpoint, buf []byte) {
	init, err := packetcodec.DecodeInitiate(buf)
	if err != nil {
		r.logger.Debug("dropped malformed initiate", slog.Any("error", err))
		return
	}

	minutePlain, ok := r.openCookie(init.Cookie)
	if !ok {
		r.logger.Debug("dropped initiate with an unrecoverable cookie", slog.String("src", src.String()))
		return
	}
	var boundClientShortPub [32]byte
	copy(boundClientShortPub[:], minutePlain[:32])
	if !kexcrypto.ConstantTimeEqual(boundClientShortPub[:], init.ClientShortPub[:]) {
		r.logger.Debug("dropped initiate whose cookie doesn't match its client short-term key")
		return
	}
	var serverShortSecret [32]byte
	copy(serverShortSecret[:], minutePlain[32:64])
	serverShortPub := kexcrypto.DerivePublicKey(serverShortSecret)

	plain, err := kexcrypto.OpenBox(init.Box, kexcrypto.InitiateNoncePrefix, init.NonceTail[:], &init.ClientShortPub, &serverShortSecret)
	if err != nil {
		r.logger.Debug("dropped initiate failing outer authentication", slog.String("src", src.String()))
		return
	}
	const innerMin = 32 + 16 + 48
	if len(plain) < innerMin {
		r.logger.Debug("dropped initiate with a truncated inner plaintext")
		return
	}
	var clientLongPub [32]byte
	copy(clientLongPub[:], plain[:32])
	vouchTail := plain[32:48]
	vouchBox := plain[48:96]
	message := plain[96:]

	vouchPlain, err := kexcrypto.OpenBox(vouchBox, kexcrypto.VouchNoncePrefix, vouchTail, &clientLongPub, &r.longTermSecret)
	if err != nil || len(vouchPlain) != 32 || !kexcrypto.ConstantTimeEqual(vouchPlain, init.ClientShortPub[:]) {
		r.logger.Debug("dropped initiate failing vouch verification", slog.String("src", src.String()))
		return
	}

	remoteEID, err := identity.FromBytes(clientLongPub[:])
	if err != nil {
		return
	}

	r.mu.Lock()
	if existing, ok := r.established[init.ClientShortPub]; ok {
		r.mu.Unlock()
		r.sendImplicitAck(existing)
		return
	}
	r.mu.Unlock()

	if !r.accept(src, remoteEID, message) {
		r.logger.Info("rejected initiator", slog.String("eid", remoteEID.ShortString()))
		return
	}

	ch, err := channel.New(serverShortPub, serverShortSecret, init.ClientShortPub, src, r.socket, r.registry, nil, r.logger, r.metrics)
	if err != nil {
		r.logger.Warn("failed to establish channel", slog.Any("error", err))
		return
	}

	r.mu.Lock()
	r.established[init.ClientShortPub] = ch
	r.mu.Unlock()

	r.sendImplicitAck(ch)
	if r.onEstablished != nil {
		r.onEstablished(ch, remoteEID, message)
	}
}

func (r *KexResponder) sendImplicitAck(ch *channel.Channel) {
	if err := ch.Send(nil); err != nil {
		r.logger.Debug("failed to send implicit message ack", slog.Any("error", err))
	}
}

func (r *KexResponder) openCookie(wire [96]byte) ([]byte, bool) {
	tail := wire[:16]
	sealed := wire[16:]

	r.mu.Lock()
	current, previous := r.minuteKey, r.prevMinuteKey
	r.mu.Unlock()

	if plain, err := kexcrypto.OpenSecretbox(sealed, kexcrypto.MinuteKeyNoncePrefix, tail, &current); err == nil {
		return plain, true
	}
	if plain, err := kexcrypto.OpenSecretbox(sealed, kexcrypto.MinuteKeyNoncePrefix, tail, &previous); err == nil {
		return plain, true
	}
	return nil, false
}

// Close stops minute-key rotation and zeroes the long-term secret and
// minute keys. Retained cookies become unrecoverable immediately; a more
// permissive drain (rotate once more before zeroing) is left to the host
// composing this responder, which can defer Close.
func (r *KexResponder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.rotateTimer != nil {
		r.rotateTimer.Stop()
	}
	zero(r.longTermSecret[:])
	zero(r.minuteKey[:])
	zero(r.prevMinuteKey[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// LongTermEID returns the identity this responder answers for.
func (r *KexResponder) LongTermEID() identity.EID {
	return r.longTermEID
}
