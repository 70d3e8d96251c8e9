package regwire

import (
	"sort"
	"strings"

	"github.com/netsteria/rendezvous/internal/socketio"
)

// AttributeTag identifies one piece of profile metadata. The upper 16 bits
// carry property flags (Searchable); the lower 16 bits identify the
// attribute itself. Grounded on original_source's
// uia::routing::client_profile::attribute_tag.
type AttributeTag uint32

// Searchable marks a tag's string value as eligible for SEARCH keyword
// indexing.
const Searchable AttributeTag = 0x00010000

// Attribute tags a profile may carry.
const (
	TagEndpoints      AttributeTag = 0x00000001
	TagHostname       AttributeTag = Searchable | 0x0001
	TagOwnerNickname  AttributeTag = Searchable | 0x0002
	TagCity           AttributeTag = Searchable | 0x0003
	TagRegion         AttributeTag = Searchable | 0x0004
	TagCountry        AttributeTag = Searchable | 0x0005
	TagOwnerFirstname AttributeTag = Searchable | 0x0006
	TagOwnerLastname  AttributeTag = Searchable | 0x0007
)

// Profile is a client-specified block of publicly visible metadata,
// advertised to other clients through the registration server: a hostname,
// an owner's name and location, and hole-punch endpoint hints. Grounded on
// original_source's uia::routing::client_profile.
type Profile struct {
	attributes map[AttributeTag][]byte
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{attributes: make(map[AttributeTag][]byte)}
}

// SetString sets a UTF-8 string attribute.
func (p *Profile) SetString(tag AttributeTag, value string) {
	p.attributes[tag] = []byte(value)
}

// String returns a string attribute, or "" if unset.
func (p *Profile) String(tag AttributeTag) string {
	return string(p.attributes[tag])
}

// SetHostname sets the advertised hostname.
func (p *Profile) SetHostname(v string) { p.SetString(TagHostname, v) }

// Hostname returns the advertised hostname.
func (p *Profile) Hostname() string { return p.String(TagHostname) }

// SetOwnerNickname sets the advertised owner nickname.
func (p *Profile) SetOwnerNickname(v string) { p.SetString(TagOwnerNickname, v) }

// OwnerNickname returns the advertised owner nickname.
func (p *Profile) OwnerNickname() string { return p.String(TagOwnerNickname) }

// SetCity sets the advertised city.
func (p *Profile) SetCity(v string) { p.SetString(TagCity, v) }

// City returns the advertised city.
func (p *Profile) City() string { return p.String(TagCity) }

// SetRegion sets the advertised region.
func (p *Profile) SetRegion(v string) { p.SetString(TagRegion, v) }

// Region returns the advertised region.
func (p *Profile) Region() string { return p.String(TagRegion) }

// SetCountry sets the advertised country.
func (p *Profile) SetCountry(v string) { p.SetString(TagCountry, v) }

// Country returns the advertised country.
func (p *Profile) Country() string { return p.String(TagCountry) }

// Endpoints returns the private endpoints this profile advertises for hole
// punching, decoded from TagEndpoints.
func (p *Profile) Endpoints() []socketio.Endpoint {
	raw, ok := p.attributes[TagEndpoints]
	if !ok {
		return nil
	}
	r := &Reader{buf: raw}
	n, err := r.Uint32WithWidth(2)
	if err != nil {
		return nil
	}
	out := make([]socketio.Endpoint, 0, n)
	for i := uint32(0); i < n; i++ {
		ep, err := r.Endpoint()
		if err != nil {
			return out
		}
		out = append(out, ep)
	}
	return out
}

// SetEndpoints sets the private endpoints this profile advertises.
func (p *Profile) SetEndpoints(eps []socketio.Endpoint) {
	w := &Writer{buf: make([]byte, 0, 2+8*len(eps))}
	w.PutUint16(uint16(len(eps)))
	for _, ep := range eps {
		_ = w.PutEndpoint(ep)
	}
	p.attributes[TagEndpoints] = w.buf
}

// Keywords returns every whitespace-separated token of at least 2 bytes
// found across all Searchable string attributes, the same minimum length
// original_source's client_profile::keywords applies.
func (p *Profile) Keywords() []string {
	var out []string
	for tag, value := range p.attributes {
		if tag&Searchable == 0 {
			continue
		}
		for _, word := range strings.Fields(string(value)) {
			if len(word) >= 2 {
				out = append(out, word)
			}
		}
	}
	return out
}

// tags returns a sorted snapshot of set attribute tags, for deterministic
// encoding.
func (p *Profile) tags() []AttributeTag {
	tags := make([]AttributeTag, 0, len(p.attributes))
	for tag := range p.attributes {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// EncodeProfile serializes p as a count-prefixed list of (tag, length-
// prefixed value) pairs.
func EncodeProfile(p *Profile) []byte {
	if p == nil {
		p = NewProfile()
	}
	w := &Writer{buf: make([]byte, 0, 64)}
	tags := p.tags()
	w.PutUint32(uint32(len(tags)))
	for _, tag := range tags {
		w.PutUint32(uint32(tag))
		_ = w.PutBytes(p.attributes[tag])
	}
	return w.buf
}

// DecodeProfile parses a profile encoded by EncodeProfile.
func DecodeProfile(buf []byte) (*Profile, error) {
	r := &Reader{buf: buf}
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	p := NewProfile()
	for i := uint32(0); i < count; i++ {
		tag, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		value, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		p.attributes[AttributeTag(tag)] = value
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}
