// Package packetcodec encodes and decodes the four key-exchange packet
// kinds (Hello, Cookie, Initiate, Message) to and from their wire byte
// layout. Layouts are adapted from the reference CurveCP implementation's
// bit-exact format, simplified for a P2P host that addresses peers by EID
// rather than DNS domain name: the domain-name and middlebox-extension
// fields of the original protocol are dropped, and MESSAGE carries the
// sender's short-term public key uniformly in both directions so that a
// multi-peer host can always demultiplex an inbound message to the right
// channel (see DESIGN.md).
package packetcodec

import (
	"errors"
	"fmt"

	"github.com/netsteria/rendezvous/internal/kexcrypto"
)

// MinPacketSize is the smallest packet this codec will accept; anything
// shorter cannot possibly be a well-formed packet of any kind.
const MinPacketSize = 64

// MaxPacketSize is the largest datagram this codec will produce or accept,
// chosen to stay clear of IPv6 minimum-MTU fragmentation.
const MaxPacketSize = 1280

const (
	shortKeySize = kexcrypto.KeySize // 32
	boxTag       = 16                // Poly1305 authenticator appended by nacl/box and nacl/secretbox
	nonceTail8   = 8
	nonceTail16  = 16
)

// HelloSize is the fixed wire size of a Hello packet.
const HelloSize = 8 + shortKeySize + 64 + nonceTail8 + (64 + boxTag)

// CookieSize is the fixed wire size of a Cookie packet.
const CookieSize = 8 + nonceTail16 + (shortKeySize + nonceTail16 + (shortKeySize + shortKeySize + boxTag) + boxTag)

// cookiePayloadSize is the size of the minute-key-sealed cookie blob that
// travels inside Cookie and is echoed back verbatim inside Initiate.
const cookiePayloadSize = nonceTail16 + (shortKeySize + shortKeySize + boxTag) // 16 + 80 = 96

// InitiateBaseSize is the size of an Initiate packet carrying a zero-length
// message payload; add len(message) for the actual wire size.
const InitiateBaseSize = 8 + shortKeySize + cookiePayloadSize + nonceTail8 + (shortKeySize + nonceTail16 + (shortKeySize + boxTag) + boxTag)

// MessageBaseSize is the size of a Message packet carrying a zero-length
// payload; add len(message) for the actual wire size.
const MessageBaseSize = 8 + shortKeySize + nonceTail8 + boxTag

var (
	// ErrPacketTooShort is returned when a buffer is too small to be any
	// known packet kind.
	ErrPacketTooShort = errors.New("packetcodec: packet shorter than minimum size")
	// ErrPacketTooLarge is returned when a buffer exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("packetcodec: packet exceeds maximum size")
	// ErrUnknownMagic is returned when a packet's magic matches none of the
	// four known kinds.
	ErrUnknownMagic = errors.New("packetcodec: unrecognized packet magic")
	// ErrMalformed is returned when a packet's magic is recognized but its
	// length doesn't fit that kind's wire layout.
	ErrMalformed = errors.New("packetcodec: malformed packet for its magic")
)

// Kind identifies which of the four packet layouts a buffer holds.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindCookie
	KindInitiate
	KindMessage
)

// Sniff reads only the first 8 bytes of buf to classify it, without
// validating length or contents. Used by the dispatcher to route a datagram
// before any decoding cost is paid.
func Sniff(buf []byte) (Kind, error) {
	if len(buf) < 8 {
		return KindUnknown, ErrPacketTooShort
	}
	var magic kexcrypto.Magic
	copy(magic[:], buf[:8])
	switch magic {
	case kexcrypto.HelloMagic:
		return KindHello, nil
	case kexcrypto.CookieMagic:
		return KindCookie, nil
	case kexcrypto.InitiateMagic:
		return KindInitiate, nil
	case kexcrypto.MessageMagic:
		return KindMessage, nil
	default:
		return KindUnknown, ErrUnknownMagic
	}
}

func checkBounds(buf []byte) error {
	if len(buf) < MinPacketSize {
		return ErrPacketTooShort
	}
	if len(buf) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	return nil
}

// Hello is the first handshake message, sent by the initiator. Its wire form
// carries 64 zero padding bytes between ClientShortPub and NonceTail; they
// carry no information, have no field here, and exist so the packet size
// matches the original protocol's client-authentication padding convention.
type Hello struct {
	ClientShortPub [shortKeySize]byte
	NonceTail      [nonceTail8]byte
	Box            []byte // sealed 64-byte plaintext, 80 bytes on wire
}

// EncodeHello renders h to its wire form.
func EncodeHello(h *Hello) ([]byte, error) {
	if len(h.Box) != 64+boxTag {
		return nil, fmt.Errorf("%w: hello box is %d bytes, want %d", ErrMalformed, len(h.Box), 64+boxTag)
	}
	buf := make([]byte, HelloSize)
	off := 0
	copy(buf[off:off+8], kexcrypto.HelloMagic[:])
	off += 8
	copy(buf[off:off+shortKeySize], h.ClientShortPub[:])
	off += shortKeySize
	off += 64 // zero padding, left as zero bytes
	copy(buf[off:off+nonceTail8], h.NonceTail[:])
	off += nonceTail8
	copy(buf[off:off+len(h.Box)], h.Box)
	return buf, nil
}

// DecodeHello parses buf as a Hello packet. The caller must have already
// confirmed buf's magic is HelloMagic.
func DecodeHello(buf []byte) (*Hello, error) {
	if err := checkBounds(buf); err != nil {
		return nil, err
	}
	if len(buf) != HelloSize {
		return nil, fmt.Errorf("%w: hello packet is %d bytes, want %d", ErrMalformed, len(buf), HelloSize)
	}
	h := &Hello{}
	off := 8
	copy(h.ClientShortPub[:], buf[off:off+shortKeySize])
	off += shortKeySize
	off += 64
	copy(h.NonceTail[:], buf[off:off+nonceTail8])
	off += nonceTail8
	h.Box = append([]byte(nil), buf[off:]...)
	return h, nil
}

// Cookie is the responder's stateless reply to Hello.
type Cookie struct {
	NonceTail [nonceTail16]byte
	Box       []byte // sealed 144-byte box S->C', see CookieSize
}

// EncodeCookie renders c to its wire form.
func EncodeCookie(c *Cookie) ([]byte, error) {
	wantBox := shortKeySize + cookiePayloadSize + boxTag
	if len(c.Box) != wantBox {
		return nil, fmt.Errorf("%w: cookie box is %d bytes, want %d", ErrMalformed, len(c.Box), wantBox)
	}
	buf := make([]byte, CookieSize)
	off := 0
	copy(buf[off:off+8], kexcrypto.CookieMagic[:])
	off += 8
	copy(buf[off:off+nonceTail16], c.NonceTail[:])
	off += nonceTail16
	copy(buf[off:off+len(c.Box)], c.Box)
	return buf, nil
}

// DecodeCookie parses buf as a Cookie packet.
func DecodeCookie(buf []byte) (*Cookie, error) {
	if err := checkBounds(buf); err != nil {
		return nil, err
	}
	if len(buf) != CookieSize {
		return nil, fmt.Errorf("%w: cookie packet is %d bytes, want %d", ErrMalformed, len(buf), CookieSize)
	}
	c := &Cookie{}
	off := 8
	copy(c.NonceTail[:], buf[off:off+nonceTail16])
	off += nonceTail16
	c.Box = append([]byte(nil), buf[off:]...)
	return c, nil
}

// Initiate is the initiator's third-flight message: it echoes the
// responder's cookie and carries the vouch box plus an optional initial
// application message.
type Initiate struct {
	ClientShortPub [shortKeySize]byte
	Cookie         [cookiePayloadSize]byte // echoed verbatim from the opened Cookie box, after the responder's short-term key
	NonceTail      [nonceTail8]byte
	Box            []byte // sealed box C'->S' containing long-term pk, vouch, and message
}

// EncodeInitiate renders i to its wire form.
func EncodeInitiate(i *Initiate) ([]byte, error) {
	minBox := shortKeySize + nonceTail16 + (shortKeySize + boxTag) + boxTag
	if len(i.Box) < minBox {
		return nil, fmt.Errorf("%w: initiate box is %d bytes, want at least %d", ErrMalformed, len(i.Box), minBox)
	}
	size := 8 + shortKeySize + cookiePayloadSize + nonceTail8 + len(i.Box)
	if size > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, size)
	off := 0
	copy(buf[off:off+8], kexcrypto.InitiateMagic[:])
	off += 8
	copy(buf[off:off+shortKeySize], i.ClientShortPub[:])
	off += shortKeySize
	copy(buf[off:off+cookiePayloadSize], i.Cookie[:])
	off += cookiePayloadSize
	copy(buf[off:off+nonceTail8], i.NonceTail[:])
	off += nonceTail8
	copy(buf[off:], i.Box)
	return buf, nil
}

// DecodeInitiate parses buf as an Initiate packet.
func DecodeInitiate(buf []byte) (*Initiate, error) {
	if err := checkBounds(buf); err != nil {
		return nil, err
	}
	if len(buf) < InitiateBaseSize {
		return nil, fmt.Errorf("%w: initiate packet is %d bytes, want at least %d", ErrMalformed, len(buf), InitiateBaseSize)
	}
	i := &Initiate{}
	off := 8
	copy(i.ClientShortPub[:], buf[off:off+shortKeySize])
	off += shortKeySize
	copy(i.Cookie[:], buf[off:off+cookiePayloadSize])
	off += cookiePayloadSize
	copy(i.NonceTail[:], buf[off:off+nonceTail8])
	off += nonceTail8
	i.Box = append([]byte(nil), buf[off:]...)
	return i, nil
}

// Message carries post-handshake application payload in either direction.
// The sender's own short-term public key is always present so a multi-peer
// host can demultiplex an inbound message to the right channel regardless
// of which side originated the handshake.
type Message struct {
	SenderShortPub [shortKeySize]byte
	NonceTail      [nonceTail8]byte
	Box            []byte // sealed box containing the application payload
}

// EncodeMessage renders m to its wire form.
func EncodeMessage(m *Message) ([]byte, error) {
	if len(m.Box) < boxTag {
		return nil, fmt.Errorf("%w: message box is %d bytes, want at least %d", ErrMalformed, len(m.Box), boxTag)
	}
	size := 8 + shortKeySize + nonceTail8 + len(m.Box)
	if size > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	buf := make([]byte, size)
	off := 0
	copy(buf[off:off+8], kexcrypto.MessageMagic[:])
	off += 8
	copy(buf[off:off+shortKeySize], m.SenderShortPub[:])
	off += shortKeySize
	copy(buf[off:off+nonceTail8], m.NonceTail[:])
	off += nonceTail8
	copy(buf[off:], m.Box)
	return buf, nil
}

// DecodeMessage parses buf as a Message packet.
func DecodeMessage(buf []byte) (*Message, error) {
	if err := checkBounds(buf); err != nil {
		return nil, err
	}
	if len(buf) < MessageBaseSize {
		return nil, fmt.Errorf("%w: message packet is %d bytes, want at least %d", ErrMalformed, len(buf), MessageBaseSize)
	}
	m := &Message{}
	off := 8
	copy(m.SenderShortPub[:], buf[off:off+shortKeySize])
	off += shortKeySize
	copy(m.NonceTail[:], buf[off:off+nonceTail8])
	off += nonceTail8
	m.Box = append([]byte(nil), buf[off:]...)
	return m, nil
}
