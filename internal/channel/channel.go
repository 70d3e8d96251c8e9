// Package channel implements the established post-handshake secure
// channel: a symmetric pair of short-term Curve25519 keys, a strictly
// increasing send nonce counter, and the box/unbox logic for Message
// packets. Adapted from the reference CurveCP connection's send/receive
// nonce handling and from original_source's message_receiver.h channel
// binding, generalized to the codec's unified Message wire shape.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/netsteria/rendezvous/internal/kexcrypto"
	"github.com/netsteria/rendezvous/internal/logging"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/packetcodec"
	"github.com/netsteria/rendezvous/internal/socketio"
)

// ErrNonceExhausted is returned when a channel's send counter would wrap.
// Per this subsystem's redesign of the original protocol's silent
// wraparound, exhaustion tears the channel down rather than reusing a
// nonce, since nonce reuse breaks the secretbox/box authentication
// guarantee entirely.
var ErrNonceExhausted = errors.New("channel: nonce counter exhausted")

// ErrChannelClosed is returned by Send on a channel that has been unbound.
var ErrChannelClosed = errors.New("channel: closed")

// Registry is the subset of dispatch.MessageReceiver a Channel needs to
// bind and unbind itself, kept as a narrow interface so tests don't need a
// real MessageReceiver.
type Registry interface {
	Register(remoteShortPub [32]byte, handler ChannelHandler) error
	Unregister(remoteShortPub [32]byte)
}

// ChannelHandler is what a Channel implements so a dispatch.MessageReceiver
// can deliver decoded Message packets to it.
type ChannelHandler interface {
	HandleMessage(src socketio.Endpoint, msg *packetcodec.Message)
}

// Sender is the subset of socketio.Socket a Channel needs to transmit.
type Sender interface {
	Send(dst socketio.Endpoint, buf []byte) error
}

func lessBytes(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Channel is one end of an established secure channel to a remote peer,
// identified by a pair of short-term public keys rather than the long-term
// identities used during key exchange.
type Channel struct {
	mu sync.Mutex

	localShortPub    [32]byte
	localShortSecret [32]byte
	remoteShortPub   [32]byte
	remoteEndpoint   socketio.Endpoint

	sendCounter uint64 // next counter value to use, steps by 2

	active   bool
	socket   Sender
	registry Registry
	onRecv   func(payload []byte)
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a channel bound into registry under remoteShortPub. The side
// whose short-term public key sorts lexicographically smaller (lessBytes)
// sends on even counters and the other side on odd counters; the counters
// of received messages are not checked. m may be nil, in which case the
// channel records no metrics.
func New(
	localShortPub, localShortSecret [32]byte,
	remoteShortPub [32]byte,
	remoteEndpoint socketio.Endpoint,
	socket Sender,
	registry Registry,
	onRecv func(payload []byte),
	logger *slog.Logger,
	m *metrics.Metrics,
) (*Channel, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Channel{
		localShortPub:    localShortPub,
		localShortSecret: localShortSecret,
		remoteShortPub:   remoteShortPub,
		remoteEndpoint:   remoteEndpoint,
		active:           true,
		socket:           socket,
		registry:         registry,
		onRecv:           onRecv,
		metrics:          m,
		logger:           logger.With(slog.String("component", "channel")),
	}
	if lessBytes(localShortPub, remoteShortPub) {
		c.sendCounter = 0
	} else {
		c.sendCounter = 1
	}

	if err := registry.Register(remoteShortPub, c); err != nil {
		return nil, fmt.Errorf("channel: bind to message receiver: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordChannelOpen()
	}
	return c, nil
}

// Send authenticated-encrypts payload and transmits it to the channel's
// remote peer. Returns ErrNonceExhausted (and tears the channel down) if
// the send counter would wrap on the next send.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return ErrChannelClosed
	}
	next := c.sendCounter + 2
	if next < c.sendCounter {
		c.teardownLocked("nonce_exhausted")
		return ErrNonceExhausted
	}

	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], c.sendCounter)

	box, err := kexcrypto.SealBox(payload, kexcrypto.MessageNoncePrefix, tail[:], &c.remoteShortPub, &c.localShortSecret)
	if err != nil {
		return fmt.Errorf("channel: seal message: %w", err)
	}
	wire, err := packetcodec.EncodeMessage(&packetcodec.Message{
		SenderShortPub: c.localShortPub,
		NonceTail:      tail,
		Box:            box,
	})
	if err != nil {
		return fmt.Errorf("channel: encode message: %w", err)
	}

	if err := c.socket.Send(c.remoteEndpoint, wire); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	c.sendCounter += 2
	if c.metrics != nil {
		c.metrics.BytesSent.Add(float64(len(payload)))
	}
	return nil
}

// HandleMessage implements ChannelHandler: it authenticates and decrypts an
// inbound Message, then invokes the channel's onRecv callback with the
// recovered plaintext. This subsystem performs no sequencing: box
// authentication is the only acceptance gate, and out-of-order or
// out-of-order-delivered datagrams are accepted once they decrypt, matching
// the reference CurveCP connection's "don't interpret or reorder" framing
// discipline. The remote endpoint is updated to the packet's source,
// tracking NAT rebinding the way the reference connection does.
func (c *Channel) HandleMessage(src socketio.Endpoint, msg *packetcodec.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}

	plain, err := kexcrypto.OpenBox(msg.Box, kexcrypto.MessageNoncePrefix, msg.NonceTail[:], &c.remoteShortPub, &c.localShortSecret)
	if err != nil {
		c.logger.Debug("dropped message failing authentication", slog.Any("error", err))
		return
	}

	c.remoteEndpoint = src

	if c.metrics != nil {
		c.metrics.BytesReceived.Add(float64(len(plain)))
	}
	if c.onRecv != nil {
		c.onRecv(plain)
	}
}

// Close unbinds the channel from its registry. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked("closed")
}

func (c *Channel) teardownLocked(reason string) {
	if !c.active {
		return
	}
	c.active = false
	c.registry.Unregister(c.remoteShortPub)
	if c.metrics != nil {
		c.metrics.RecordChannelClose(reason)
	}
}

// Active reports whether the channel is still bound to its registry.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// RemoteEndpoint returns the channel's current best-known address for its
// remote peer.
func (c *Channel) RemoteEndpoint() socketio.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteEndpoint
}

// RemoteShortPub returns the short-term public key of the channel's remote
// peer, the key a Peer indexes its open channels by.
func (c *Channel) RemoteShortPub() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteShortPub
}
