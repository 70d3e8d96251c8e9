package kex

import (
	"errors"
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

// DefaultRetransmitInterval is the base delay before the first retransmit.
const DefaultRetransmitInterval = 250 * time.Millisecond

// DefaultMaxRetransmits is how many times Hello or Initiate is resent
// before the attempt is abandoned.
const DefaultMaxRetransmits = 8

// ErrHandshakeCanceled is passed to OnCompleted when Cancel is called
// before the handshake finished.
var ErrHandshakeCanceled = errors.New("kex: handshake canceled")

// ErrHandshakeTimedOut is passed to OnCompleted when retransmits are
// exhausted without a response.
var ErrHandshakeTimedOut = errors.New("kex: handshake timed out")

type initiatorState int

const (
	stateIdle initiatorState = iota
	stateHelloSent
	stateInitiateSent
	stateDone
	stateCanceled
)

// InitiatorConfig configures a single outbound handshake attempt.
type InitiatorConfig struct {
	Local             *identity.KeyPair
	RemoteEID         identity.EID
	RemoteEndpoint    socketio.Endpoint
	Socket            channel.Sender
	Registry          channel.Registry
	Engine            timerengine.Engine
	RetransmitBase    time.Duration // zero means DefaultRetransmitInterval
	MaxRetransmits    int           // zero means DefaultMaxRetransmits
	FirstMessage      []byte
	OnCompleted       func(ch *channel.Channel, err error)
	OnMessage         func(payload []byte)
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// KexInitiator drives the dialing side of the handshake: Hello, then
// Initiate once a Cookie arrives, retransmitting on a timer until a
// response is seen or retransmits are exhausted.
type KexInitiator struct {
	mu sync.Mutex

	local          *identity.KeyPair
	remoteEID      identity.EID
	remoteEndpoint socketio.Endpoint

	shortPub, shortSecret [32]byte
	serverShortPub        [32]byte
	cookie                [96]byte // echoed verbatim from the opened Cookie into Initiate

	state   initiatorState
	attempt int

	socket   channel.Sender
	registry channel.Registry
	timer    timerengine.Timer

	retransmitBase time.Duration
	maxRetransmits int

	firstMessage []byte
	onCompleted  func(ch *channel.Channel, err error)
	onMessage    func(payload []byte)

	helloWire    []byte
	initiateWire []byte

	channel   *channel.Channel
	logger    *slog.Logger
	metrics   *metrics.Metrics
	startedAt time.Time
}

// NewInitiator creates a KexInitiator. Call Start to send the first Hello.
func NewInitiator(cfg InitiatorConfig) (*KexInitiator, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("kex: initiator requires a local identity")
	}
	base := cfg.RetransmitBase
	if base <= 0 {
		base = DefaultRetransmitInterval
	}
	maxRT := cfg.MaxRetransmits
	if maxRT <= 0 {
		maxRT = DefaultMaxRetransmits
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	i := &KexInitiator{
		local:          cfg.Local,
		remoteEID:      cfg.RemoteEID,
		remoteEndpoint: cfg.RemoteEndpoint,
		socket:         cfg.Socket,
		registry:       cfg.Registry,
		retransmitBase: base,
		maxRetransmits: maxRT,
		firstMessage:   cfg.FirstMessage,
		onCompleted:    cfg.OnCompleted,
		onMessage:      cfg.OnMessage,
		metrics:        cfg.Metrics,
		logger:         logger.With(slog.String("component", "kex_initiator"), slog.String("target", cfg.RemoteEID.ShortString())),
	}
	if cfg.Engine != nil {
		i.timer = cfg.Engine.NewTimer(i.onTimeout)
	}
	return i, nil
}

// Start generates a fresh short-term key pair and sends the first Hello. The
// socket write and timer start happen after i.mu is released: a loopback or
// test socket may deliver the reply (and re-enter this initiator) before
// Send returns, and i.mu is not reentrant.
func (i *KexInitiator) Start() error {
	i.mu.Lock()
	if i.state != stateIdle {
		i.mu.Unlock()
		return fmt.Errorf("kex: initiator already started")
	}

	shortPub, shortSecret, err := kexcrypto.GenerateKeyPair()
	if err != nil {
		i.mu.Unlock()
		return fmt.Errorf("kex: generate short-term key pair: %w", err)
	}
	i.shortPub, i.shortSecret = shortPub, shortSecret

	wire, err := i.buildHello()
	if err != nil {
		i.mu.Unlock()
		return err
	}
	i.helloWire = wire
	i.state = stateHelloSent
	i.startedAt = time.Now()
	target := i.remoteEndpoint
	i.mu.Unlock()

	if i.metrics != nil {
		i.metrics.RecordHandshakeStart()
	}
	if err := i.socket.Send(target, wire); err != nil {
		return fmt.Errorf("kex: send hello: %w", err)
	}
	if i.timer != nil {
		i.timer.Start(i.retransmitBase)
	}
	return nil
}

func (i *KexInitiator) buildHello() ([]byte, error) {
	var tail [8]byte
	if err := kexcrypto.RandomBytes(tail[:]); err != nil {
		return nil, err
	}
	// Per spec §4.6, Hello's box plaintext is the initiator's long-term
	// public key followed by 32 zero bytes of padding.
	plain := make([]byte, 64)
	localPub := [32]byte(i.local.EID)
	copy(plain[:32], localPub[:])
	remotePub := [32]byte(i.remoteEID)
	box, err := kexcrypto.SealBox(plain, kexcrypto.HelloNoncePrefix, tail[:], &remotePub, &i.shortSecret)
	if err != nil {
		return nil, fmt.Errorf("kex: seal hello: %w", err)
	}
	return packetcodec.EncodeHello(&packetcodec.Hello{ClientShortPub: i.shortPub, NonceTail: tail, Box: box})
}

// HandlePacket implements dispatch.PacketHandler for the Cookie magic.
// Message packets are routed directly to the established channel by
// dispatch.MessageReceiver once the handshake completes; this method never
// sees them.
func (i *KexInitiator) HandlePacket(src socketio.Endpoint, buf []byte) {
	kind, err := packetcodec.Sniff(buf)
	if err != nil || kind != packetcodec.KindCookie {
		return
	}
	cookie, err := packetcodec.DecodeCookie(buf)
	if err != nil {
		i.logger.Debug("dropped malformed cookie", slog.Any("error", err))
		return
	}
	i.handleCookie(src, cookie)
}

// handleCookie opens the Cookie, binds the channel, and sends Initiate. The
// channel bind and the socket write both happen after i.mu is released, for
// the same reentrancy reason as Start: binding registers this initiator's
// channel with the message registry, and a loopback socket can deliver a
// reply to the Initiate before Send returns.
func (i *KexInitiator) handleCookie(src socketio.Endpoint, cookie *packetcodec.Cookie) {
	i.mu.Lock()
	if i.state != stateHelloSent {
		i.mu.Unlock()
		return // retransmitted or stale cookie; already past this step
	}

	remotePub := [32]byte(i.remoteEID)
	plain, err := kexcrypto.OpenBox(cookie.Box, kexcrypto.CookieNoncePrefix, cookie.NonceTail[:], &remotePub, &i.shortSecret)
	if err != nil || len(plain) < 32+96 {
		i.mu.Unlock()
		i.logger.Debug("dropped cookie failing authentication")
		return
	}
	copy(i.serverShortPub[:], plain[:32])
	copy(i.cookie[:], plain[32:32+96])
	i.remoteEndpoint = src

	shortPub, shortSecret := i.shortPub, i.shortSecret
	serverShortPub := i.serverShortPub
	remoteEndpoint := i.remoteEndpoint
	socket, registry, logger := i.socket, i.registry, i.logger
	i.mu.Unlock()

	ch, err := channel.New(shortPub, shortSecret, serverShortPub, remoteEndpoint, socket, registry, i.onChannelMessage, logger, i.metrics)
	if err != nil {
		i.logger.Warn("failed to bind channel before sending initiate", slog.Any("error", err))
		i.fail(err)
		return
	}

	i.mu.Lock()
	i.channel = ch
	wire, err := i.buildInitiate()
	if err != nil {
		i.mu.Unlock()
		i.logger.Error("failed to build initiate", slog.Any("error", err))
		i.fail(err)
		return
	}
	i.initiateWire = wire
	i.state = stateInitiateSent
	i.attempt = 0
	base := i.retransmitBase
	i.mu.Unlock()

	if err := socket.Send(remoteEndpoint, wire); err != nil {
		i.logger.Warn("failed to send initiate", slog.Any("error", err))
	}
	if i.timer != nil {
		i.timer.Restart(base)
	}
}

func (i *KexInitiator) buildInitiate() ([]byte, error) {
	var vouchTail [16]byte
	if err := kexcrypto.RandomBytes(vouchTail[:]); err != nil {
		return nil, err
	}
	remotePub := [32]byte(i.remoteEID)
	localSecret := i.local.Secret.Secret()
	vouchBox, err := kexcrypto.SealBox(i.shortPub[:], kexcrypto.VouchNoncePrefix, vouchTail[:], &remotePub, &localSecret)
	if err != nil {
		return nil, fmt.Errorf("seal vouch: %w", err)
	}

	inner := make([]byte, 0, 32+16+len(vouchBox)+len(i.firstMessage))
	localPub := [32]byte(i.local.EID)
	inner = append(inner, localPub[:]...)
	inner = append(inner, vouchTail[:]...)
	inner = append(inner, vouchBox...)
	inner = append(inner, i.firstMessage...)

	var outerTail [8]byte
	if err := kexcrypto.RandomBytes(outerTail[:]); err != nil {
		return nil, err
	}
	outerBox, err := kexcrypto.SealBox(inner, kexcrypto.InitiateNoncePrefix, outerTail[:], &i.serverShortPub, &i.shortSecret)
	if err != nil {
		return nil, fmt.Errorf("seal initiate: %w", err)
	}

	var cookieField [96]byte
	copy(cookieField[:], i.cookie[:])

	return packetcodec.EncodeInitiate(&packetcodec.Initiate{
		ClientShortPub: i.shortPub,
		Cookie:         cookieField,
		NonceTail:      outerTail,
		Box:            outerBox,
	})
}

// onChannelMessage is the channel's onRecv callback. The first inbound
// Message (the responder's implicit acknowledgment, possibly carrying the
// start of application data) marks the handshake complete; its own payload
// is forwarded to onMessage only if non-empty, since an acknowledgment may
// carry nothing.
func (i *KexInitiator) onChannelMessage(payload []byte) {
	i.mu.Lock()
	first := i.state != stateDone
	var latency time.Duration
	if first {
		i.state = stateDone
		latency = time.Since(i.startedAt)
		if i.timer != nil {
			i.timer.Stop()
		}
	}
	ch := i.channel
	onCompleted := i.onCompleted
	onMessage := i.onMessage
	i.mu.Unlock()

	if first && i.metrics != nil {
		i.metrics.RecordHandshakeSuccess(latency.Seconds())
	}
	if first && onCompleted != nil {
		onCompleted(ch, nil)
	}
	if len(payload) > 0 && onMessage != nil {
		onMessage(payload)
	}
}

func (i *KexInitiator) onTimeout() {
	i.mu.Lock()

	switch i.state {
	case stateHelloSent:
		i.attempt++
		if i.attempt > i.maxRetransmits {
			i.failLocked(ErrHandshakeTimedOut)
			i.mu.Unlock()
			return
		}
		wire := i.helloWire
		delay := i.backoff()
		i.mu.Unlock()
		if i.metrics != nil {
			i.metrics.RecordRetransmit("hello")
		}
		if err := i.socket.Send(i.remoteEndpoint, wire); err != nil {
			i.logger.Debug("retransmit hello failed", slog.Any("error", err))
		}
		if i.timer != nil {
			i.timer.Restart(delay)
		}
	case stateInitiateSent:
		i.attempt++
		if i.attempt > i.maxRetransmits {
			i.failLocked(ErrHandshakeTimedOut)
			i.mu.Unlock()
			return
		}
		wire := i.initiateWire
		delay := i.backoff()
		i.mu.Unlock()
		if i.metrics != nil {
			i.metrics.RecordRetransmit("initiate")
		}
		if err := i.socket.Send(i.remoteEndpoint, wire); err != nil {
			i.logger.Debug("retransmit initiate failed", slog.Any("error", err))
		}
		if i.timer != nil {
			i.timer.Restart(delay)
		}
	default:
		i.mu.Unlock()
	}
}

// backoff doubles the retransmit interval per attempt, capped at 8x the
// base interval. Must be called with i.mu held.
func (i *KexInitiator) backoff() time.Duration {
	d := i.retransmitBase
	for n := 0; n < i.attempt && n < 3; n++ {
		d *= 2
	}
	return d
}

// fail acquires the lock and delegates to failLocked.
func (i *KexInitiator) fail(err error) {
	i.mu.Lock()
	i.failLocked(err)
	i.mu.Unlock()
}

// failLocked must be called with i.mu held.
func (i *KexInitiator) failLocked(err error) {
	if i.state == stateDone || i.state == stateCanceled {
		return
	}
	i.state = stateCanceled
	if i.timer != nil {
		i.timer.Stop()
	}
	if i.channel != nil {
		i.channel.Close()
	}
	if i.metrics != nil {
		i.metrics.RecordHandshakeError(handshakeErrorType(err))
	}
	if i.onCompleted != nil {
		i.onCompleted(nil, err)
	}
}

// handshakeErrorType buckets a handshake failure for the
// Metrics.HandshakeErrors label, falling back to "other" for anything not
// specifically distinguished.
func handshakeErrorType(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimedOut):
		return "timeout"
	case errors.Is(err, ErrHandshakeCanceled):
		return "canceled"
	default:
		return "other"
	}
}

// Cancel aborts an in-progress handshake. A no-op if already done.
func (i *KexInitiator) Cancel() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failLocked(ErrHandshakeCanceled)
}

// Done reports whether the handshake has finished (successfully or not).
func (i *KexInitiator) Done() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == stateDone || i.state == stateCanceled
}
