package regwire

import (
	"bytes"
	"net"
	"testing"

	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/socketio"
)

func mustEID(t *testing.T, b byte) identity.EID {
	t.Helper()
	var id identity.EID
	for i := range id {
		id[i] = b
	}
	return id
}

func fixed32(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func TestInsert1RequestRoundTrip(t *testing.T) {
	want := &Insert1Request{
		InitiatorEID: mustEID(t, 0x11),
		HashedNonce:  fixed32(0x22),
	}
	got, err := DecodeInsert1Request(want.Encode())
	if err != nil {
		t.Fatalf("DecodeInsert1Request() error = %v", err)
	}
	if got.InitiatorEID != want.InitiatorEID || got.HashedNonce != want.HashedNonce {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestInsert1ResponseRoundTrip(t *testing.T) {
	want := &Insert1Response{HashedNonce: fixed32(0x33), Challenge: []byte("a cookie value")}
	got, err := DecodeInsert1Response(want.Encode())
	if err != nil {
		t.Fatalf("DecodeInsert1Response() error = %v", err)
	}
	if got.HashedNonce != want.HashedNonce || !bytes.Equal(got.Challenge, want.Challenge) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestInsert2RequestRoundTrip(t *testing.T) {
	want := &Insert2Request{
		InitiatorEID: mustEID(t, 0x44),
		Nonce:        fixed32(0x55),
		Challenge:    []byte("cookie"),
		Profile:      []byte("profile-bytes"),
		ProofTail:    [16]byte{1, 2, 3},
		Proof:        bytes.Repeat([]byte{0xAB}, 48),
	}
	got, err := DecodeInsert2Request(want.Encode())
	if err != nil {
		t.Fatalf("DecodeInsert2Request() error = %v", err)
	}
	if got.InitiatorEID != want.InitiatorEID || got.Nonce != want.Nonce ||
		!bytes.Equal(got.Challenge, want.Challenge) || !bytes.Equal(got.Profile, want.Profile) ||
		got.ProofTail != want.ProofTail || !bytes.Equal(got.Proof, want.Proof) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestInsert2ResponseRoundTrip(t *testing.T) {
	want := &Insert2Response{
		HashedNonce:      fixed32(0x66),
		LifetimeSeconds:  3600,
		ObservedEndpoint: socketio.Endpoint{IP: net.ParseIP("203.0.113.9"), Port: 5000},
	}
	got, err := DecodeInsert2Response(want.Encode())
	if err != nil {
		t.Fatalf("DecodeInsert2Response() error = %v", err)
	}
	if got.HashedNonce != want.HashedNonce || got.LifetimeSeconds != want.LifetimeSeconds || !got.ObservedEndpoint.Equal(want.ObservedEndpoint) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestInsert2ResponseRoundTripIPv6(t *testing.T) {
	want := &Insert2Response{
		HashedNonce:      fixed32(0x77),
		LifetimeSeconds:  1800,
		ObservedEndpoint: socketio.Endpoint{IP: net.ParseIP("2001:db8::1"), Port: 4433},
	}
	got, err := DecodeInsert2Response(want.Encode())
	if err != nil {
		t.Fatalf("DecodeInsert2Response() error = %v", err)
	}
	if !got.ObservedEndpoint.Equal(want.ObservedEndpoint) {
		t.Errorf("got endpoint %v, want %v", got.ObservedEndpoint, want.ObservedEndpoint)
	}
}

func TestLookupRequestRoundTrip(t *testing.T) {
	want := &LookupRequest{
		InitiatorEID: mustEID(t, 0x88),
		HashedNonce:  fixed32(0x99),
		TargetEID:    mustEID(t, 0xAA),
		Notify:       true,
	}
	got, err := DecodeLookupRequest(want.Encode())
	if err != nil {
		t.Fatalf("DecodeLookupRequest() error = %v", err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLookupResultRoundTrip_Found(t *testing.T) {
	want := &LookupResult{
		HashedNonce: fixed32(0xBB),
		EID:         mustEID(t, 0xCC),
		Found:       true,
		Endpoint:    socketio.Endpoint{IP: net.ParseIP("198.51.100.4"), Port: 9000},
		Profile:     []byte("profile"),
	}
	buf, err := want.Encode(CodeLookupResponse)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, code, err := DecodeLookupResult(buf)
	if err != nil {
		t.Fatalf("DecodeLookupResult() error = %v", err)
	}
	if code != CodeLookupResponse {
		t.Errorf("code = %v, want CodeLookupResponse", code)
	}
	if got.HashedNonce != want.HashedNonce || got.EID != want.EID || got.Found != want.Found ||
		!got.Endpoint.Equal(want.Endpoint) || !bytes.Equal(got.Profile, want.Profile) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLookupResultRoundTrip_NotFoundOmitsEndpointAndProfile(t *testing.T) {
	want := &LookupResult{HashedNonce: fixed32(0xDD), EID: mustEID(t, 0xEE), Found: false}
	buf, err := want.Encode(CodeLookupNotify)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, code, err := DecodeLookupResult(buf)
	if err != nil {
		t.Fatalf("DecodeLookupResult() error = %v", err)
	}
	if code != CodeLookupNotify {
		t.Errorf("code = %v, want CodeLookupNotify", code)
	}
	if got.Found {
		t.Error("Found = true, want false")
	}
}

func TestSearchRoundTrip(t *testing.T) {
	req := &SearchRequest{InitiatorEID: mustEID(t, 0x01), HashedNonce: fixed32(0x02), Text: "berlin router"}
	gotReq, err := DecodeSearchRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeSearchRequest() error = %v", err)
	}
	if *gotReq != *req {
		t.Errorf("got %+v, want %+v", gotReq, req)
	}

	resp := &SearchResponse{
		HashedNonce: fixed32(0x03),
		Text:        "berlin router",
		Complete:    true,
		IDs:         []identity.EID{mustEID(t, 0x10), mustEID(t, 0x20)},
	}
	gotResp, err := DecodeSearchResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeSearchResponse() error = %v", err)
	}
	if gotResp.HashedNonce != resp.HashedNonce || gotResp.Text != resp.Text || gotResp.Complete != resp.Complete || len(gotResp.IDs) != len(resp.IDs) {
		t.Fatalf("got %+v, want %+v", gotResp, resp)
	}
	for i := range resp.IDs {
		if gotResp.IDs[i] != resp.IDs[i] {
			t.Errorf("IDs[%d] = %v, want %v", i, gotResp.IDs[i], resp.IDs[i])
		}
	}
}

func TestDeleteRoundTrip(t *testing.T) {
	req := &DeleteRequest{InitiatorEID: mustEID(t, 0x30), HashedNonce: fixed32(0x31)}
	gotReq, err := DecodeDeleteRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeDeleteRequest() error = %v", err)
	}
	if *gotReq != *req {
		t.Errorf("got %+v, want %+v", gotReq, req)
	}

	resp := &DeleteResponse{HashedNonce: fixed32(0x32), WasDeleted: true}
	gotResp, err := DecodeDeleteResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeDeleteResponse() error = %v", err)
	}
	if *gotResp != *resp {
		t.Errorf("got %+v, want %+v", gotResp, resp)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := (&DeleteRequest{}).Encode()
	buf[0] ^= 0xff
	if _, err := DecodeDeleteRequest(buf); err == nil {
		t.Fatal("DecodeDeleteRequest() error = nil, want ErrBadMagic")
	}
}

func TestDecodeRejectsWrongCode(t *testing.T) {
	buf := (&DeleteRequest{}).Encode()
	if _, err := DecodeDeleteResponse(buf); err == nil {
		t.Fatal("DecodeDeleteResponse() error = nil, want ErrUnexpectedCode")
	}
}

func TestDecodeRejectsTruncatedEnvelope(t *testing.T) {
	if _, _, err := NewReader([]byte{1, 2, 3}); err == nil {
		t.Fatal("NewReader() error = nil, want ErrTruncated")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	buf := append((&DeleteRequest{}).Encode(), 0xff)
	if _, err := DecodeDeleteRequest(buf); err == nil {
		t.Fatal("DecodeDeleteRequest() error = nil, want ErrTrailingData")
	}
}

func TestProfileRoundTrip(t *testing.T) {
	p := NewProfile()
	p.SetHostname("workshop")
	p.SetCity("Leipzig")
	p.SetOwnerNickname("anke")
	p.SetEndpoints([]socketio.Endpoint{
		{IP: net.ParseIP("10.0.0.5"), Port: 4000},
		{IP: net.ParseIP("2001:db8::2"), Port: 4001},
	})

	decoded, err := DecodeProfile(EncodeProfile(p))
	if err != nil {
		t.Fatalf("DecodeProfile() error = %v", err)
	}
	if decoded.Hostname() != "workshop" || decoded.City() != "Leipzig" || decoded.OwnerNickname() != "anke" {
		t.Errorf("decoded strings = %q/%q/%q, want workshop/Leipzig/anke", decoded.Hostname(), decoded.City(), decoded.OwnerNickname())
	}
	eps := decoded.Endpoints()
	if len(eps) != 2 {
		t.Fatalf("len(Endpoints()) = %d, want 2", len(eps))
	}
	if !eps[0].Equal(socketio.Endpoint{IP: net.ParseIP("10.0.0.5"), Port: 4000}) {
		t.Errorf("Endpoints()[0] = %v", eps[0])
	}
}

func TestProfileKeywordsOnlyIncludeSearchableAttributesAndDropShortWords(t *testing.T) {
	p := NewProfile()
	p.SetHostname("a small router box")
	p.SetEndpoints(nil) // not searchable, must not contribute keywords

	words := p.Keywords()
	want := map[string]bool{"small": true, "router": true, "box": true}
	if len(words) != len(want) {
		t.Fatalf("Keywords() = %v, want exactly %v", words, want)
	}
	for _, w := range words {
		if !want[w] {
			t.Errorf("unexpected keyword %q", w)
		}
	}
}

func TestProfileEmptyRoundTrip(t *testing.T) {
	decoded, err := DecodeProfile(EncodeProfile(nil))
	if err != nil {
		t.Fatalf("DecodeProfile() error = %v", err)
	}
	if decoded.Hostname() != "" {
		t.Errorf("Hostname() = %q, want empty", decoded.Hostname())
	}
}
