// Package regwire implements the wire codec shared by the registration
// client and server: a fixed REG_MAGIC(4)+code(4) envelope wrapping a
// length-prefixed tagged payload, adapted from the teacher's
// internal/protocol.Frame manual offset-based encode/decode style and
// grounded on original_source's regserver_client.h/registration_server.h
// message layouts (spec.md §6).
package regwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/socketio"
)

// Magic is the little-endian uint32 at the start of every registration
// datagram, matching original_source's REG_MAGIC (0x00 'R' 'O' 'U' read
// most-significant byte first; on the wire the bytes are 55 4f 52 00).
const Magic uint32 = 0x00524f55

// envelopeSize is the magic plus the code word.
const envelopeSize = 8

const (
	codeRequest  uint32 = 0x100
	codeResponse uint32 = 0x200
	codeNotify   uint32 = 0x300

	opInsert1 uint32 = 0x00
	opInsert2 uint32 = 0x01
	opLookup  uint32 = 0x02
	opSearch  uint32 = 0x03
	opDelete  uint32 = 0x04
)

// Code identifies a registration message's request/response/notify kind
// combined with its operation, per spec.md §6 and
// original_source/include/routing/private/regserver_client.h.
type Code uint32

// Codes for every message this protocol exchanges.
const (
	CodeInsert1Request  = Code(codeRequest | opInsert1)
	CodeInsert1Response = Code(codeResponse | opInsert1)
	CodeInsert2Request  = Code(codeRequest | opInsert2)
	CodeInsert2Response = Code(codeResponse | opInsert2)
	CodeLookupRequest   = Code(codeRequest | opLookup)
	CodeLookupResponse  = Code(codeResponse | opLookup)
	CodeLookupNotify    = Code(codeNotify | opLookup)
	CodeSearchRequest   = Code(codeRequest | opSearch)
	CodeSearchResponse  = Code(codeResponse | opSearch)
	CodeDeleteRequest   = Code(codeRequest | opDelete)
	CodeDeleteResponse  = Code(codeResponse | opDelete)
)

// String renders a code for logging.
func (c Code) String() string {
	switch c {
	case CodeInsert1Request:
		return "INSERT1|REQUEST"
	case CodeInsert1Response:
		return "INSERT1|RESPONSE"
	case CodeInsert2Request:
		return "INSERT2|REQUEST"
	case CodeInsert2Response:
		return "INSERT2|RESPONSE"
	case CodeLookupRequest:
		return "LOOKUP|REQUEST"
	case CodeLookupResponse:
		return "LOOKUP|RESPONSE"
	case CodeLookupNotify:
		return "LOOKUP|NOTIFY"
	case CodeSearchRequest:
		return "SEARCH|REQUEST"
	case CodeSearchResponse:
		return "SEARCH|RESPONSE"
	case CodeDeleteRequest:
		return "DELETE|REQUEST"
	case CodeDeleteResponse:
		return "DELETE|RESPONSE"
	default:
		return fmt.Sprintf("Code(%#x)", uint32(c))
	}
}

var (
	// ErrTruncated is returned when a buffer ends before a field's declared
	// or fixed length is satisfied.
	ErrTruncated = errors.New("regwire: truncated message")
	// ErrBadMagic is returned when a buffer's leading word isn't Magic.
	ErrBadMagic = errors.New("regwire: bad magic")
	// ErrUnexpectedCode is returned when a Decode function is handed an
	// envelope carrying a different message's Code.
	ErrUnexpectedCode = errors.New("regwire: unexpected code")
	// ErrTrailingData is returned when a payload has bytes left over after
	// every declared field has been read.
	ErrTrailingData = errors.New("regwire: trailing data after payload")
	// ErrFieldTooLarge is returned when a length-prefixed field would
	// overflow its uint16 length prefix.
	ErrFieldTooLarge = errors.New("regwire: field exceeds maximum length")
	// ErrBadEndpointFamily is returned when an encoded endpoint's family
	// byte is neither 4 nor 6.
	ErrBadEndpointFamily = errors.New("regwire: bad endpoint family byte")
)

// Writer accumulates an envelope and its payload. The zero value is not
// usable; construct with NewWriter.
type Writer struct {
	buf []byte
}

// NewWriter starts a new message of the given code.
func NewWriter(code Code) *Writer {
	w := &Writer{buf: make([]byte, envelopeSize, 64)}
	binary.LittleEndian.PutUint32(w.buf[0:4], Magic)
	binary.LittleEndian.PutUint32(w.buf[4:8], uint32(code))
	return w
}

// PutUint32 appends a little-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutUint16 appends a little-endian uint16.
func (w *Writer) PutUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutBool appends a single byte, 1 for true and 0 for false.
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// PutFixed appends b verbatim, with no length prefix. Used for
// caller-known-length fields like an EID or a 32-byte hash.
func (w *Writer) PutFixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutBytes appends a uint16 length prefix followed by b.
func (w *Writer) PutBytes(b []byte) error {
	if len(b) > 0xffff {
		return ErrFieldTooLarge
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, b...)
	return nil
}

// PutString appends s as a length-prefixed UTF-8 byte string.
func (w *Writer) PutString(s string) error {
	return w.PutBytes([]byte(s))
}

// PutEID appends a 32-byte EID with no length prefix.
func (w *Writer) PutEID(id identity.EID) {
	w.PutFixed(id[:])
}

// PutEndpoint appends a family byte (4 or 6), the raw address bytes, and a
// little-endian uint16 port.
func (w *Writer) PutEndpoint(ep socketio.Endpoint) error {
	if v4 := ep.IP.To4(); v4 != nil {
		w.buf = append(w.buf, 4)
		w.buf = append(w.buf, v4...)
	} else if v6 := ep.IP.To16(); v6 != nil {
		w.buf = append(w.buf, 6)
		w.buf = append(w.buf, v6...)
	} else {
		return fmt.Errorf("regwire: endpoint has neither a v4 nor v6 address: %v", ep.IP)
	}
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], ep.Port)
	w.buf = append(w.buf, portBuf[:]...)
	return nil
}

// Bytes returns the encoded message.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes a message produced by Writer, field by field in the same
// order they were written.
type Reader struct {
	buf []byte
	off int
}

// NewReader validates buf's envelope and returns a Reader positioned at the
// start of the payload, along with the envelope's Code.
func NewReader(buf []byte) (*Reader, Code, error) {
	if len(buf) < envelopeSize {
		return nil, 0, fmt.Errorf("%w: envelope", ErrTruncated)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return nil, 0, ErrBadMagic
	}
	code := Code(binary.LittleEndian.Uint32(buf[4:8]))
	return &Reader{buf: buf, off: envelopeSize}, code, nil
}

func (r *Reader) remaining() int {
	return len(r.buf) - r.off
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: uint32", ErrTruncated)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

// Bool reads a single byte as a boolean.
func (r *Reader) Bool() (bool, error) {
	if r.remaining() < 1 {
		return false, fmt.Errorf("%w: bool", ErrTruncated)
	}
	v := r.buf[r.off] != 0
	r.off++
	return v, nil
}

// Fixed reads exactly n bytes and returns a copy.
func (r *Reader) Fixed(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: fixed field of %d bytes", ErrTruncated, n)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

// EID reads a 32-byte EID.
func (r *Reader) EID() (identity.EID, error) {
	raw, err := r.Fixed(identity.EIDSize)
	if err != nil {
		return identity.ZeroEID, err
	}
	return identity.FromBytes(raw)
}

// Bytes reads a uint16 length prefix followed by that many bytes, and
// returns a copy.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32WithWidth(2)
	if err != nil {
		return nil, fmt.Errorf("%w: length prefix", ErrTruncated)
	}
	return r.Fixed(int(n))
}

// Uint32WithWidth reads a little-endian unsigned integer of the given byte
// width and returns it widened to uint32. Only width 2 is supported; any
// other width returns an error. Used for Bytes' length prefix, endpoint
// ports, and the profile's endpoint count.
func (r *Reader) Uint32WithWidth(width int) (uint32, error) {
	if r.remaining() < width {
		return 0, fmt.Errorf("%w: %d-byte integer", ErrTruncated, width)
	}
	var v uint32
	switch width {
	case 2:
		v = uint32(binary.LittleEndian.Uint16(r.buf[r.off : r.off+2]))
	default:
		return 0, fmt.Errorf("regwire: unsupported integer width %d", width)
	}
	r.off += width
	return v, nil
}

// String reads a length-prefixed UTF-8 byte string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Endpoint reads a family byte, the matching address bytes, and a
// little-endian uint16 port.
func (r *Reader) Endpoint() (socketio.Endpoint, error) {
	family, err := r.Fixed(1)
	if err != nil {
		return socketio.Endpoint{}, err
	}
	var addrLen int
	switch family[0] {
	case 4:
		addrLen = net.IPv4len
	case 6:
		addrLen = net.IPv6len
	default:
		return socketio.Endpoint{}, fmt.Errorf("%w: %d", ErrBadEndpointFamily, family[0])
	}
	addr, err := r.Fixed(addrLen)
	if err != nil {
		return socketio.Endpoint{}, err
	}
	port, err := r.Uint32WithWidth(2)
	if err != nil {
		return socketio.Endpoint{}, err
	}
	return socketio.Endpoint{IP: net.IP(addr), Port: uint16(port)}, nil
}

// Done reports whether every byte of the message has been consumed.
func (r *Reader) Done() bool {
	return r.remaining() == 0
}

// Finish returns ErrTrailingData if the payload has unread bytes left.
func (r *Reader) Finish() error {
	if !r.Done() {
		return fmt.Errorf("%w: %d bytes left", ErrTrailingData, r.remaining())
	}
	return nil
}

// expectCode returns ErrUnexpectedCode wrapped with both codes if got != want.
func expectCode(want, got Code) error {
	if got != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedCode, want, got)
	}
	return nil
}
