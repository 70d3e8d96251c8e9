package regwire

import (
	"fmt"

	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/socketio"
)

// Insert1Request is sent by a RegistrationClient to begin registering one
// identity: its EID and the hash of a nonce it will reveal in INSERT2
// (spec.md §4.8 step 1).
type Insert1Request struct {
	InitiatorEID identity.EID
	HashedNonce  [32]byte
}

// Encode serializes m as an INSERT1|REQUEST message.
func (m *Insert1Request) Encode() []byte {
	w := NewWriter(CodeInsert1Request)
	w.PutEID(m.InitiatorEID)
	w.PutFixed(m.HashedNonce[:])
	return w.Bytes()
}

// DecodeInsert1Request parses an INSERT1|REQUEST message.
func DecodeInsert1Request(buf []byte) (*Insert1Request, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeInsert1Request, code); err != nil {
		return nil, err
	}
	m := &Insert1Request{}
	if m.InitiatorEID, err = r.EID(); err != nil {
		return nil, err
	}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	return m, r.Finish()
}

// Insert1Response echoes the caller's hashed nonce back alongside the
// challenge cookie it must present unmodified in INSERT2.
type Insert1Response struct {
	HashedNonce [32]byte
	Challenge   []byte
}

// Encode serializes m as an INSERT1|RESPONSE message.
func (m *Insert1Response) Encode() []byte {
	w := NewWriter(CodeInsert1Response)
	w.PutFixed(m.HashedNonce[:])
	_ = w.PutBytes(m.Challenge)
	return w.Bytes()
}

// DecodeInsert1Response parses an INSERT1|RESPONSE message.
func DecodeInsert1Response(buf []byte) (*Insert1Response, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeInsert1Response, code); err != nil {
		return nil, err
	}
	m := &Insert1Response{}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	if m.Challenge, err = r.Bytes(); err != nil {
		return nil, err
	}
	return m, r.Finish()
}

// Insert2Request completes registration: the revealed nonce, the echoed
// challenge, the advertised profile, and a proof of possession of the
// long-term secret backing InitiatorEID, sealed over
// hash(EIDi‖Ni‖challenge‖profile). Per the Open Question resolution
// recorded in DESIGN.md, that proof is a NaCl box addressed to the
// registration server's own long-term key, the same vouch construction
// internal/kex's Initiate message uses to bind a short-term key to a
// long-term one, rather than a detached asymmetric signature: EIDi is
// itself a Curve25519 key and has no Ed25519 counterpart to sign with.
type Insert2Request struct {
	InitiatorEID identity.EID
	Nonce        [32]byte
	Challenge    []byte
	Profile      []byte
	ProofTail    [16]byte
	Proof        []byte
}

// Encode serializes m as an INSERT2|REQUEST message.
func (m *Insert2Request) Encode() []byte {
	w := NewWriter(CodeInsert2Request)
	w.PutEID(m.InitiatorEID)
	w.PutFixed(m.Nonce[:])
	_ = w.PutBytes(m.Challenge)
	_ = w.PutBytes(m.Profile)
	w.PutFixed(m.ProofTail[:])
	_ = w.PutBytes(m.Proof)
	return w.Bytes()
}

// DecodeInsert2Request parses an INSERT2|REQUEST message.
func DecodeInsert2Request(buf []byte) (*Insert2Request, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeInsert2Request, code); err != nil {
		return nil, err
	}
	m := &Insert2Request{}
	if m.InitiatorEID, err = r.EID(); err != nil {
		return nil, err
	}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.Nonce[:], nonce)
	if m.Challenge, err = r.Bytes(); err != nil {
		return nil, err
	}
	if m.Profile, err = r.Bytes(); err != nil {
		return nil, err
	}
	tail, err := r.Fixed(16)
	if err != nil {
		return nil, err
	}
	copy(m.ProofTail[:], tail)
	if m.Proof, err = r.Bytes(); err != nil {
		return nil, err
	}
	return m, r.Finish()
}

// Insert2Response confirms registration: the echoed hashed nonce, the
// granted lifetime in seconds, and the endpoint the server observed the
// request arrive from (the client's best guess at its own public address).
type Insert2Response struct {
	HashedNonce      [32]byte
	LifetimeSeconds  uint32
	ObservedEndpoint socketio.Endpoint
}

// Encode serializes m as an INSERT2|RESPONSE message.
func (m *Insert2Response) Encode() []byte {
	w := NewWriter(CodeInsert2Response)
	w.PutFixed(m.HashedNonce[:])
	w.PutUint32(m.LifetimeSeconds)
	_ = w.PutEndpoint(m.ObservedEndpoint)
	return w.Bytes()
}

// DecodeInsert2Response parses an INSERT2|RESPONSE message.
func DecodeInsert2Response(buf []byte) (*Insert2Response, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeInsert2Response, code); err != nil {
		return nil, err
	}
	m := &Insert2Response{}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	if m.LifetimeSeconds, err = r.Uint32(); err != nil {
		return nil, err
	}
	if m.ObservedEndpoint, err = r.Endpoint(); err != nil {
		return nil, err
	}
	return m, r.Finish()
}

// LookupRequest asks the server for a target identity's current endpoint
// and, optionally, to notify that target of the initiator's own endpoint
// for NAT hole punching.
type LookupRequest struct {
	InitiatorEID identity.EID
	HashedNonce  [32]byte
	TargetEID    identity.EID
	Notify       bool
}

// Encode serializes m as a LOOKUP|REQUEST message.
func (m *LookupRequest) Encode() []byte {
	w := NewWriter(CodeLookupRequest)
	w.PutEID(m.InitiatorEID)
	w.PutFixed(m.HashedNonce[:])
	w.PutEID(m.TargetEID)
	w.PutBool(m.Notify)
	return w.Bytes()
}

// DecodeLookupRequest parses a LOOKUP|REQUEST message.
func DecodeLookupRequest(buf []byte) (*LookupRequest, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeLookupRequest, code); err != nil {
		return nil, err
	}
	m := &LookupRequest{}
	if m.InitiatorEID, err = r.EID(); err != nil {
		return nil, err
	}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	if m.TargetEID, err = r.EID(); err != nil {
		return nil, err
	}
	if m.Notify, err = r.Bool(); err != nil {
		return nil, err
	}
	return m, r.Finish()
}

// LookupResult is the shared shape of a LOOKUP|RESPONSE (sent back to the
// caller) and a LOOKUP|NOTIFY (sent to the looked-up target describing the
// caller): a hashed nonce identifying which registered record this message
// is addressed to, the other identity's EID, whether it is currently
// registered, and if so its endpoint and profile.
type LookupResult struct {
	HashedNonce [32]byte
	EID         identity.EID
	Found       bool
	Endpoint    socketio.Endpoint
	Profile     []byte
}

// Encode serializes m under the given code, which must be
// CodeLookupResponse or CodeLookupNotify.
func (m *LookupResult) Encode(code Code) ([]byte, error) {
	if code != CodeLookupResponse && code != CodeLookupNotify {
		return nil, fmt.Errorf("regwire: LookupResult.Encode: %w: %s", ErrUnexpectedCode, code)
	}
	w := NewWriter(code)
	w.PutFixed(m.HashedNonce[:])
	w.PutEID(m.EID)
	w.PutBool(m.Found)
	if m.Found {
		_ = w.PutEndpoint(m.Endpoint)
		_ = w.PutBytes(m.Profile)
	}
	return w.Bytes(), nil
}

// DecodeLookupResult parses a LOOKUP|RESPONSE or LOOKUP|NOTIFY message and
// returns which one it was.
func DecodeLookupResult(buf []byte) (*LookupResult, Code, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, 0, err
	}
	if code != CodeLookupResponse && code != CodeLookupNotify {
		return nil, 0, fmt.Errorf("%w: expected LOOKUP|RESPONSE or LOOKUP|NOTIFY, got %s", ErrUnexpectedCode, code)
	}
	m := &LookupResult{}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, 0, err
	}
	copy(m.HashedNonce[:], nonce)
	if m.EID, err = r.EID(); err != nil {
		return nil, 0, err
	}
	if m.Found, err = r.Bool(); err != nil {
		return nil, 0, err
	}
	if m.Found {
		if m.Endpoint, err = r.Endpoint(); err != nil {
			return nil, 0, err
		}
		if m.Profile, err = r.Bytes(); err != nil {
			return nil, 0, err
		}
	}
	return m, code, r.Finish()
}

// SearchRequest asks the server for every registered identity whose profile
// keywords match every whitespace-separated token in Text.
type SearchRequest struct {
	InitiatorEID identity.EID
	HashedNonce  [32]byte
	Text         string
}

// Encode serializes m as a SEARCH|REQUEST message.
func (m *SearchRequest) Encode() []byte {
	w := NewWriter(CodeSearchRequest)
	w.PutEID(m.InitiatorEID)
	w.PutFixed(m.HashedNonce[:])
	_ = w.PutString(m.Text)
	return w.Bytes()
}

// DecodeSearchRequest parses a SEARCH|REQUEST message.
func DecodeSearchRequest(buf []byte) (*SearchRequest, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeSearchRequest, code); err != nil {
		return nil, err
	}
	m := &SearchRequest{}
	if m.InitiatorEID, err = r.EID(); err != nil {
		return nil, err
	}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	if m.Text, err = r.String(); err != nil {
		return nil, err
	}
	return m, r.Finish()
}

// SearchResponse returns the matching identities, truncated to at most
// MaxSearchResults with Complete set to false if truncation occurred.
type SearchResponse struct {
	HashedNonce [32]byte
	Text        string
	Complete    bool
	IDs         []identity.EID
}

// MaxSearchResults bounds a single SEARCH|RESPONSE (spec.md §4.9).
const MaxSearchResults = 100

// Encode serializes m as a SEARCH|RESPONSE message.
func (m *SearchResponse) Encode() []byte {
	w := NewWriter(CodeSearchResponse)
	w.PutFixed(m.HashedNonce[:])
	_ = w.PutString(m.Text)
	w.PutBool(m.Complete)
	w.PutUint32(uint32(len(m.IDs)))
	for _, id := range m.IDs {
		w.PutEID(id)
	}
	return w.Bytes()
}

// DecodeSearchResponse parses a SEARCH|RESPONSE message.
func DecodeSearchResponse(buf []byte) (*SearchResponse, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeSearchResponse, code); err != nil {
		return nil, err
	}
	m := &SearchResponse{}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	if m.Text, err = r.String(); err != nil {
		return nil, err
	}
	if m.Complete, err = r.Bool(); err != nil {
		return nil, err
	}
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	m.IDs = make([]identity.EID, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.EID()
		if err != nil {
			return nil, err
		}
		m.IDs = append(m.IDs, id)
	}
	return m, r.Finish()
}

// DeleteRequest authenticates the same way as LookupRequest and asks the
// server to drop the caller's own registration.
type DeleteRequest struct {
	InitiatorEID identity.EID
	HashedNonce  [32]byte
}

// Encode serializes m as a DELETE|REQUEST message.
func (m *DeleteRequest) Encode() []byte {
	w := NewWriter(CodeDeleteRequest)
	w.PutEID(m.InitiatorEID)
	w.PutFixed(m.HashedNonce[:])
	return w.Bytes()
}

// DecodeDeleteRequest parses a DELETE|REQUEST message.
func DecodeDeleteRequest(buf []byte) (*DeleteRequest, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeDeleteRequest, code); err != nil {
		return nil, err
	}
	m := &DeleteRequest{}
	if m.InitiatorEID, err = r.EID(); err != nil {
		return nil, err
	}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	return m, r.Finish()
}

// DeleteResponse reports whether a matching record existed to delete.
type DeleteResponse struct {
	HashedNonce [32]byte
	WasDeleted  bool
}

// Encode serializes m as a DELETE|RESPONSE message.
func (m *DeleteResponse) Encode() []byte {
	w := NewWriter(CodeDeleteResponse)
	w.PutFixed(m.HashedNonce[:])
	w.PutBool(m.WasDeleted)
	return w.Bytes()
}

// DecodeDeleteResponse parses a DELETE|RESPONSE message.
func DecodeDeleteResponse(buf []byte) (*DeleteResponse, error) {
	r, code, err := NewReader(buf)
	if err != nil {
		return nil, err
	}
	if err := expectCode(CodeDeleteResponse, code); err != nil {
		return nil, err
	}
	m := &DeleteResponse{}
	nonce, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.HashedNonce[:], nonce)
	if m.WasDeleted, err = r.Bool(); err != nil {
		return nil, err
	}
	return m, r.Finish()
}
