// Package regserver implements RegistrationServer: the rendezvous
// directory that hosts publish their reachability to (INSERT1/INSERT2),
// resolve each other through (LOOKUP), discover each other by keyword
// through (SEARCH), and withdraw from (DELETE). Grounded on
// original_source/include/routing/registration_server.h and
// lib/registration_server.cpp, adapted into this module's
// single-goroutine, mutex-guarded, callback-free request/reply shape.
package regserver

import (
	"bytes"
	"crypto/sha256"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/kexcrypto"
	"github.com/netsteria/rendezvous/internal/logging"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/regwire"
	"github.com/netsteria/rendezvous/internal/socketio"
	"github.com/netsteria/rendezvous/internal/timerengine"
)

// defaultRecordLifetime is how long a registration survives without
// renewal, per spec.md §4.9, used when Config.RecordLifetime is unset.
const defaultRecordLifetime = 1 * time.Hour

// defaultInsert1RateLimit and defaultInsert1RateBurst bound how often one
// source address may attempt INSERT1, the teacher's
// golang.org/x/time/rate token-bucket pattern from
// internal/filetransfer/ratelimit.go applied to a request-count budget
// rather than a byte budget, used when Config leaves the rate unset.
const (
	defaultInsert1RateLimit = rate.Limit(5) // per second
	defaultInsert1RateBurst = 10
)

// Config holds the fixed collaborators and policy a Server needs.
type Config struct {
	Identity *identity.KeyPair // the server's own long-term key pair
	Socket   socketio.Socket
	Engine   timerengine.Engine
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// RecordLifetime overrides defaultRecordLifetime when positive.
	RecordLifetime time.Duration
	// Insert1RateLimit overrides defaultInsert1RateLimit when positive.
	Insert1RateLimit rate.Limit
	// Insert1RateBurst overrides defaultInsert1RateBurst when positive.
	Insert1RateBurst int
}

// record is one registered identity.
type record struct {
	eid         identity.EID
	hashedNonce [32]byte
	endpoint    socketio.Endpoint
	profile     []byte
	keywords    []string
	timer       timerengine.Timer
}

// Server is a registration directory serving one or more hosts' LOOKUP and
// SEARCH requests against the registrations INSERT1/INSERT2 establish.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	secret        [32]byte
	haveSecret    bool
	byEID         map[identity.EID]*record
	byKeyword     map[string]map[*record]bool
	chalhash      map[[32]byte][]byte // nil entry means "rejected, drop retries"
	limiterByAddr map[string]*rate.Limiter
}

// New returns an empty Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.RecordLifetime <= 0 {
		cfg.RecordLifetime = defaultRecordLifetime
	}
	if cfg.Insert1RateLimit <= 0 {
		cfg.Insert1RateLimit = defaultInsert1RateLimit
	}
	if cfg.Insert1RateBurst <= 0 {
		cfg.Insert1RateBurst = defaultInsert1RateBurst
	}
	return &Server{
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "regserver")),
		byEID:         make(map[identity.EID]*record),
		byKeyword:     make(map[string]map[*record]bool),
		chalhash:      make(map[[32]byte][]byte),
		limiterByAddr: make(map[string]*rate.Limiter),
	}
}

// ensureSecretLocked lazily generates the process-lifetime cookie secret.
// Must be called with s.mu held.
func (s *Server) ensureSecretLocked() bool {
	if s.haveSecret {
		return true
	}
	if err := kexcrypto.RandomBytes(s.secret[:]); err != nil {
		s.logger.Error("failed to generate cookie secret", slog.Any("error", err))
		return false
	}
	s.haveSecret = true
	return true
}

// calcCookie derives the stateless challenge handed back in INSERT1|RESPONSE
// and re-derived (not stored) when validating INSERT2, the same
// keep-no-per-attempt-state principle kex's minute-key cookie uses.
func (s *Server) calcCookie(src socketio.Endpoint, initiator identity.EID, hashedNonce [32]byte) [32]byte {
	h := sha256.New()
	h.Write(s.secret[:])
	h.Write([]byte(src.String()))
	h.Write(s.cfg.Identity.EID[:])
	h.Write(initiator[:])
	h.Write(hashedNonce[:])
	h.Write(s.secret[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HandlePacket decodes an inbound registration datagram and dispatches it
// by code.
func (s *Server) HandlePacket(src socketio.Endpoint, buf []byte) {
	_, code, err := regwire.NewReader(buf)
	if err != nil {
		s.logger.Debug("dropped malformed registration packet", slog.String("src", src.String()), slog.Any("error", err))
		return
	}

	switch code {
	case regwire.CodeInsert1Request:
		s.doInsert1(src, buf)
	case regwire.CodeInsert2Request:
		s.doInsert2(src, buf)
	case regwire.CodeLookupRequest:
		s.doLookup(src, buf)
	case regwire.CodeSearchRequest:
		s.doSearch(src, buf)
	case regwire.CodeDeleteRequest:
		s.doDelete(src, buf)
	default:
		s.logger.Debug("dropped registration packet with unexpected code", slog.Any("code", code))
	}
}

func (s *Server) send(dst socketio.Endpoint, buf []byte) {
	if err := s.cfg.Socket.Send(dst, buf); err != nil {
		s.logger.Warn("failed to send registration reply", slog.Any("error", err))
	}
}

// allowInsert1Locked reports whether src may attempt another INSERT1. Must
// be called with s.mu held.
func (s *Server) allowInsert1Locked(src socketio.Endpoint) bool {
	key := src.IP.String()
	lim, ok := s.limiterByAddr[key]
	if !ok {
		lim = rate.NewLimiter(s.cfg.Insert1RateLimit, s.cfg.Insert1RateBurst)
		s.limiterByAddr[key] = lim
	}
	return lim.Allow()
}

func (s *Server) doInsert1(src socketio.Endpoint, buf []byte) {
	msg, err := regwire.DecodeInsert1Request(buf)
	if err != nil {
		s.logger.Debug("dropped malformed insert1 request", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	if !s.allowInsert1Locked(src) {
		s.mu.Unlock()
		s.logger.Debug("rate limited insert1", slog.String("src", src.String()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordInsert1Served(true)
		}
		return
	}
	if !s.ensureSecretLocked() {
		s.mu.Unlock()
		return
	}
	cookie := s.calcCookie(src, msg.InitiatorEID, msg.HashedNonce)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordInsert1Served(false)
	}
	resp := &regwire.Insert1Response{HashedNonce: msg.HashedNonce, Challenge: cookie[:]}
	s.send(src, resp.Encode())
}

func (s *Server) doInsert2(src socketio.Endpoint, buf []byte) {
	msg, err := regwire.DecodeInsert2Request(buf)
	if err != nil {
		s.logger.Debug("dropped malformed insert2 request", slog.Any("error", err))
		return
	}
	if len(msg.Challenge) != 32 {
		s.logger.Debug("dropped insert2 with malformed challenge")
		return
	}
	var cookieKey [32]byte
	copy(cookieKey[:], msg.Challenge)
	hashedNonce := sha256.Sum256(msg.Nonce[:])

	s.mu.Lock()
	if cached, seen := s.chalhash[cookieKey]; seen {
		s.mu.Unlock()
		if cached == nil {
			s.logger.Debug("dropped retry of a rejected insert2")
			return
		}
		s.send(src, cached)
		return
	}

	wantCookie := s.calcCookie(src, msg.InitiatorEID, hashedNonce)
	if !bytes.Equal(wantCookie[:], msg.Challenge) {
		s.mu.Unlock()
		// Stale or forged cookie: nudge the caller back to INSERT1 instead
		// of treating this as a permanent rejection, since a resend of
		// INSERT1 will mint a cookie that does verify.
		resp := &regwire.Insert1Response{HashedNonce: hashedNonce, Challenge: wantCookie[:]}
		s.send(src, resp.Encode())
		return
	}
	s.mu.Unlock()

	if !s.verifyProof(msg, hashedNonce) {
		s.mu.Lock()
		s.chalhash[cookieKey] = nil
		s.mu.Unlock()
		s.logger.Debug("dropped insert2 failing proof of possession", slog.String("eid", msg.InitiatorEID.ShortString()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordInsert2Outcome(false)
		}
		return
	}

	resp := &regwire.Insert2Response{
		HashedNonce:      hashedNonce,
		LifetimeSeconds:  uint32(s.cfg.RecordLifetime / time.Second),
		ObservedEndpoint: src,
	}
	wire := resp.Encode()

	s.mu.Lock()
	s.upsertRecordLocked(msg.InitiatorEID, hashedNonce, src, msg.Profile)
	s.chalhash[cookieKey] = wire
	count := len(s.byEID)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordInsert2Outcome(true)
		s.cfg.Metrics.RecordsRegistered.Set(float64(count))
	}
	s.send(src, wire)
}

// verifyProof opens msg.Proof and checks it authenticates exactly
// EIDi‖Ni‖challenge‖profile, per the box-based proof-of-possession scheme
// recorded in DESIGN.md in place of a detached asymmetric signature.
func (s *Server) verifyProof(msg *regwire.Insert2Request, hashedNonce [32]byte) bool {
	h := sha256.New()
	h.Write(msg.InitiatorEID[:])
	h.Write(msg.Nonce[:])
	h.Write(msg.Challenge)
	h.Write(msg.Profile)
	want := h.Sum(nil)

	senderPub := [32]byte(msg.InitiatorEID)
	secret := s.cfg.Identity.Secret.Secret()
	plain, err := kexcrypto.OpenBox(msg.Proof, kexcrypto.RegSigNoncePrefix, msg.ProofTail[:], &senderPub, &secret)
	if err != nil {
		return false
	}
	return kexcrypto.ConstantTimeEqual(plain, want)
}

// upsertRecordLocked creates or replaces the record for eid. Must be
// called with s.mu held.
func (s *Server) upsertRecordLocked(eid identity.EID, hashedNonce [32]byte, ep socketio.Endpoint, profileBytes []byte) {
	if old, exists := s.byEID[eid]; exists {
		s.removeRecordLocked(old)
	}

	profile, err := regwire.DecodeProfile(profileBytes)
	if err != nil {
		profile = regwire.NewProfile()
	}

	rec := &record{
		eid:         eid,
		hashedNonce: hashedNonce,
		endpoint:    ep,
		profile:     profileBytes,
		keywords:    dedupeLower(profile.Keywords()),
	}
	rec.timer = s.cfg.Engine.NewTimer(func() { s.timeoutRecord(rec) })
	rec.timer.Start(s.cfg.RecordLifetime)

	s.byEID[eid] = rec
	for _, kw := range rec.keywords {
		set, ok := s.byKeyword[kw]
		if !ok {
			set = make(map[*record]bool)
			s.byKeyword[kw] = set
		}
		set[rec] = true
	}
}

// removeRecordLocked drops rec from every index and stops its timer. Must
// be called with s.mu held.
func (s *Server) removeRecordLocked(rec *record) {
	delete(s.byEID, rec.eid)
	for _, kw := range rec.keywords {
		if set, ok := s.byKeyword[kw]; ok {
			delete(set, rec)
			if len(set) == 0 {
				delete(s.byKeyword, kw)
			}
		}
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
}

// timeoutRecord expires rec after recordLifetime with no renewal.
func (s *Server) timeoutRecord(rec *record) {
	s.mu.Lock()
	current, ok := s.byEID[rec.eid]
	if !ok || current != rec {
		s.mu.Unlock()
		return
	}
	s.removeRecordLocked(rec)
	count := len(s.byEID)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordsRegistered.Set(float64(count))
	}
}

// findCallerLocked returns the record matching (src, initiator, hashedNonce)
// exactly, the shared authentication check LOOKUP/SEARCH/DELETE apply. Must
// be called with s.mu held.
func (s *Server) findCallerLocked(src socketio.Endpoint, initiator identity.EID, hashedNonce [32]byte) *record {
	rec, ok := s.byEID[initiator]
	if !ok || !rec.endpoint.Equal(src) || rec.hashedNonce != hashedNonce {
		return nil
	}
	return rec
}

func (s *Server) doLookup(src socketio.Endpoint, buf []byte) {
	msg, err := regwire.DecodeLookupRequest(buf)
	if err != nil {
		s.logger.Debug("dropped malformed lookup request", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	caller := s.findCallerLocked(src, msg.InitiatorEID, msg.HashedNonce)
	if caller == nil {
		s.mu.Unlock()
		s.logger.Debug("dropped lookup from unauthenticated caller", slog.String("src", src.String()))
		return
	}
	target, found := s.byEID[msg.TargetEID]
	result := &regwire.LookupResult{HashedNonce: caller.hashedNonce, EID: msg.TargetEID}
	var notifyBuf []byte
	var notifyDst socketio.Endpoint
	if found {
		result.Found = true
		result.Endpoint = target.endpoint
		result.Profile = target.profile
		if msg.Notify {
			notify := &regwire.LookupResult{
				HashedNonce: target.hashedNonce,
				EID:         caller.eid,
				Found:       true,
				Endpoint:    caller.endpoint,
				Profile:     caller.profile,
			}
			notifyBuf, _ = notify.Encode(regwire.CodeLookupNotify)
			notifyDst = target.endpoint
		}
	}
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LookupsServed.Inc()
	}
	wire, _ := result.Encode(regwire.CodeLookupResponse)
	s.send(src, wire)
	if notifyBuf != nil {
		s.send(notifyDst, notifyBuf)
	}
}

func (s *Server) doSearch(src socketio.Endpoint, buf []byte) {
	msg, err := regwire.DecodeSearchRequest(buf)
	if err != nil {
		s.logger.Debug("dropped malformed search request", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	caller := s.findCallerLocked(src, msg.InitiatorEID, msg.HashedNonce)
	if caller == nil {
		s.mu.Unlock()
		s.logger.Debug("dropped search from unauthenticated caller", slog.String("src", src.String()))
		return
	}
	ids, complete := s.searchLocked(msg.Text)
	hashedNonce := caller.hashedNonce
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSearchServed(!complete)
	}
	resp := &regwire.SearchResponse{HashedNonce: hashedNonce, Text: msg.Text, Complete: complete, IDs: ids}
	s.send(src, resp.Encode())
}

// searchLocked tokenizes text and intersects the matching keyword sets,
// starting from the smallest to keep the common case of a rare keyword
// cheap. An empty token list matches every record. Must be called with
// s.mu held.
func (s *Server) searchLocked(text string) ([]identity.EID, bool) {
	tokens := tokenize(text)
	var matches map[*record]bool

	if len(tokens) == 0 {
		matches = make(map[*record]bool, len(s.byEID))
		for _, rec := range s.byEID {
			matches[rec] = true
		}
	} else {
		sets := make([]map[*record]bool, 0, len(tokens))
		for _, tok := range tokens {
			sets = append(sets, s.byKeyword[tok]) // nil if absent
		}
		sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

		if len(sets[0]) == 0 {
			return nil, true
		}
		matches = make(map[*record]bool, len(sets[0]))
		for rec := range sets[0] {
			matches[rec] = true
		}
		for _, set := range sets[1:] {
			for rec := range matches {
				if !set[rec] {
					delete(matches, rec)
				}
			}
		}
	}

	ids := make([]identity.EID, 0, len(matches))
	for rec := range matches {
		ids = append(ids, rec.eid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	complete := true
	if len(ids) > regwire.MaxSearchResults {
		ids = ids[:regwire.MaxSearchResults]
		complete = false
	}
	return ids, complete
}

func tokenize(text string) []string {
	var out []string
	for _, tok := range strings.Fields(text) {
		if len(tok) >= 2 {
			out = append(out, strings.ToLower(tok))
		}
	}
	return out
}

func dedupeLower(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		lw := strings.ToLower(w)
		if !seen[lw] {
			seen[lw] = true
			out = append(out, lw)
		}
	}
	return out
}

func (s *Server) doDelete(src socketio.Endpoint, buf []byte) {
	msg, err := regwire.DecodeDeleteRequest(buf)
	if err != nil {
		s.logger.Debug("dropped malformed delete request", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	caller := s.findCallerLocked(src, msg.InitiatorEID, msg.HashedNonce)
	if caller == nil {
		s.mu.Unlock()
		s.logger.Debug("dropped delete from unauthenticated caller", slog.String("src", src.String()))
		return
	}
	s.removeRecordLocked(caller)
	hashedNonce := caller.hashedNonce
	count := len(s.byEID)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DeletesServed.Inc()
		s.cfg.Metrics.RecordsRegistered.Set(float64(count))
	}
	resp := &regwire.DeleteResponse{HashedNonce: hashedNonce, WasDeleted: true}
	s.send(src, resp.Encode())
}

// RecordCount returns the number of currently registered identities, for
// metrics and tests.
func (s *Server) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byEID)
}
