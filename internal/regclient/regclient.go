// Package regclient implements RegistrationClient: the state machine a host
// runs against a rendezvous registration server to publish its own
// reachability (INSERT1/INSERT2), resolve other identities (LOOKUP),
// discover identities by keyword (SEARCH), and withdraw its own record
// (DELETE). Grounded on original_source/lib/regserver_client.cpp and its
// header, adapted into the single-goroutine, callback-driven shape
// internal/kex's KexInitiator already establishes for this module.
package regclient

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/kexcrypto"
	"github.com/netsteria/rendezvous/internal/logging"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/regwire"
	"github.com/netsteria/rendezvous/internal/socketio"
	"github.com/netsteria/rendezvous/internal/timerengine"
)

// knownStates lists every State.String() value, for zeroing
// Metrics.RegistrationState's unselected labels.
var knownStates = []string{
	StateIdle.String(), StateResolving.String(), StateInsert1.String(),
	StateInsert2.String(), StateRegistered.String(),
}

// State is a RegistrationClient's position in the registration state
// machine (spec.md §4.8): idle → resolve → insert1 → insert2 → registered.
type State int

// States a Client moves through.
const (
	StateIdle State = iota
	StateResolving
	StateInsert1
	StateInsert2
	StateRegistered
)

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolve"
	case StateInsert1:
		return "insert1"
	case StateInsert2:
		return "insert2"
	case StateRegistered:
		return "registered"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	defaultRetransmitBase = 500 * time.Millisecond
	defaultMaxRetransmits = 5
	// maxReregInterval caps how long a successful registration is left
	// unrenewed, per spec.md §4.8 ("min(lifetime/2, 15 minutes)").
	maxReregInterval = 15 * time.Minute
)

var (
	// ErrNotRegistered is returned by Lookup/Search when called before the
	// client has completed registration.
	ErrNotRegistered = errors.New("regclient: not registered")
	// ErrAlreadyStarted is returned by Start when the client is already
	// running.
	ErrAlreadyStarted = errors.New("regclient: already started")
	// ErrGaveUp is passed to OnError when a non-persistent client exhausts
	// its retransmit budget.
	ErrGaveUp = errors.New("regclient: exhausted retransmits")
)

// Config holds the fixed collaborators and policy a Client needs.
type Config struct {
	Local      *identity.KeyPair
	ServerEID  identity.EID // the registration server's long-term public key
	ServerAddr string       // "host:port"; host may be a literal IP or a DNS name
	Socket     socketio.Socket
	Engine     timerengine.Engine
	Profile    *regwire.Profile

	// Persistent clients never give up: on exhausted retransmits they
	// return to StateResolving and try again, rather than reporting an
	// error and going idle.
	Persistent     bool
	RetransmitBase time.Duration
	MaxRetransmits int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	OnRegistered   func(lifetime time.Duration, observed socketio.Endpoint)
	OnError        func(err error)
	OnLookupResult func(target identity.EID, found bool, ep socketio.Endpoint, profile []byte)
	OnLookupNotify func(from identity.EID, ep socketio.Endpoint, profile []byte)
	OnSearchResult func(text string, ids []identity.EID, complete bool)
	OnDeleted      func(wasDeleted bool)
}

// Client is one host's registration-protocol session with one registration
// server.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	serverEP     socketio.Endpoint
	haveServerEP bool
	nonce        [32]byte
	hashedNonce  [32]byte
	haveNonce    bool
	challenge    []byte
	insert1Wire  []byte
	insert2Wire  []byte
	attempt      int

	lookups  map[identity.EID]bool
	searches map[string]bool

	retryTimer timerengine.Timer
	reregTimer timerengine.Timer
}

// New validates cfg and returns an idle Client.
func New(cfg Config) (*Client, error) {
	if cfg.Local == nil {
		return nil, errors.New("regclient: Local identity is required")
	}
	if cfg.Socket == nil {
		return nil, errors.New("regclient: Socket is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("regclient: Engine is required")
	}
	if cfg.ServerAddr == "" {
		return nil, errors.New("regclient: ServerAddr is required")
	}
	if cfg.RetransmitBase <= 0 {
		cfg.RetransmitBase = defaultRetransmitBase
	}
	if cfg.MaxRetransmits <= 0 {
		cfg.MaxRetransmits = defaultMaxRetransmits
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "regclient")),
		lookups:  make(map[identity.EID]bool),
		searches: make(map[string]bool),
	}
	c.retryTimer = cfg.Engine.NewTimer(c.onRetryTimeout)
	c.reregTimer = cfg.Engine.NewTimer(c.onReregTimeout)
	return c, nil
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked transitions c.state and mirrors it onto
// Config.Metrics.RegistrationState, if configured. Must be called with c.mu
// held.
func (c *Client) setStateLocked(s State) {
	c.state = s
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetRegistrationState(s.String(), knownStates)
	}
}

// Start resolves the server address and begins registering. It returns
// once resolution completes (synchronously, as net.DefaultResolver does);
// completion of registration itself is reported asynchronously via
// Config.OnRegistered / Config.OnError.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.state != StateIdle && !(c.cfg.Persistent && c.state == StateResolving) {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.setStateLocked(StateResolving)
	c.mu.Unlock()

	return c.resolveAndBegin()
}

// resolveAndBegin resolves the configured server address and, on success,
// starts the INSERT1 exchange. On failure it behaves like an exhausted
// retransmit budget: persistent clients stay in StateResolving for the
// caller to retry via Start again once conditions improve; non-persistent
// clients fall back to StateIdle and report the error.
func (c *Client) resolveAndBegin() error {
	ep, err := resolveServerAddr(c.cfg.ServerAddr)
	if err != nil {
		c.mu.Lock()
		if !c.cfg.Persistent {
			c.setStateLocked(StateIdle)
		}
		c.mu.Unlock()
		c.report(err)
		return err
	}

	c.mu.Lock()
	c.serverEP = ep
	c.haveServerEP = true
	c.ensureNonceLocked()
	c.setStateLocked(StateInsert1)
	c.attempt = 0
	msg := &regwire.Insert1Request{InitiatorEID: c.cfg.Local.EID, HashedNonce: c.hashedNonce}
	c.insert1Wire = msg.Encode()
	wire := c.insert1Wire
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RegistrationAttempts.Inc()
	}
	c.send(ep, wire)
	c.retryTimer.Start(c.cfg.RetransmitBase)
	return nil
}

// ensureNonceLocked generates a fresh Ni/NHi pair if one isn't already
// pending for this registration cycle. Must be called with c.mu held.
func (c *Client) ensureNonceLocked() {
	if c.haveNonce {
		return
	}
	_ = kexcrypto.RandomBytes(c.nonce[:])
	c.hashedNonce = sha256.Sum256(c.nonce[:])
	c.haveNonce = true
}

// send writes buf to the registration server over the configured socket.
func (c *Client) send(dst socketio.Endpoint, buf []byte) {
	if err := c.cfg.Socket.Send(dst, buf); err != nil {
		c.logger.Warn("failed to send registration packet", slog.Any("error", err))
	}
}

// report delivers err to Config.OnError, if set.
func (c *Client) report(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// HandlePacket decodes an inbound registration datagram and routes it by
// code. Packets not claiming to originate from the configured server are
// dropped: this client only trusts the server it was configured to talk
// to.
func (c *Client) HandlePacket(src socketio.Endpoint, buf []byte) {
	c.mu.Lock()
	knownServer := c.haveServerEP && src.Equal(c.serverEP)
	c.mu.Unlock()
	if !knownServer {
		c.logger.Debug("dropped registration packet from unexpected source", slog.String("src", src.String()))
		return
	}

	_, code, err := regwire.NewReader(buf)
	if err != nil {
		c.logger.Debug("dropped malformed registration packet", slog.Any("error", err))
		return
	}

	switch code {
	case regwire.CodeInsert1Response:
		c.handleInsert1Response(buf)
	case regwire.CodeInsert2Response:
		c.handleInsert2Response(buf)
	case regwire.CodeLookupResponse, regwire.CodeLookupNotify:
		c.handleLookupResult(buf)
	case regwire.CodeSearchResponse:
		c.handleSearchResponse(buf)
	case regwire.CodeDeleteResponse:
		c.handleDeleteResponse(buf)
	default:
		c.logger.Debug("dropped registration packet with unexpected code", slog.Any("code", code))
	}
}

func (c *Client) handleInsert1Response(buf []byte) {
	msg, err := regwire.DecodeInsert1Response(buf)
	if err != nil {
		c.logger.Debug("dropped malformed insert1 response", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	if c.state != StateInsert1 || msg.HashedNonce != c.hashedNonce {
		c.mu.Unlock()
		return
	}
	c.challenge = msg.Challenge
	c.setStateLocked(StateInsert2)
	c.attempt = 0
	wire, err := c.buildInsert2Locked()
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("failed to build insert2", slog.Any("error", err))
		c.report(err)
		return
	}
	c.insert2Wire = wire
	ep := c.serverEP
	c.mu.Unlock()

	c.send(ep, wire)
	c.retryTimer.Start(c.cfg.RetransmitBase)
}

// buildInsert2Locked assembles the INSERT2 request, including its proof of
// possession box. Must be called with c.mu held.
func (c *Client) buildInsert2Locked() ([]byte, error) {
	profile := regwire.EncodeProfile(c.cfg.Profile)

	h := sha256.New()
	h.Write(c.cfg.Local.EID[:])
	h.Write(c.nonce[:])
	h.Write(c.challenge)
	h.Write(profile)
	digest := h.Sum(nil)

	var tail [16]byte
	if err := kexcrypto.RandomBytes(tail[:]); err != nil {
		return nil, fmt.Errorf("regclient: generate proof nonce: %w", err)
	}
	serverPub := [32]byte(c.cfg.ServerEID)
	secret := c.cfg.Local.Secret.Secret()
	proof, err := kexcrypto.SealBox(digest, kexcrypto.RegSigNoncePrefix, tail[:], &serverPub, &secret)
	if err != nil {
		return nil, fmt.Errorf("regclient: seal insert2 proof: %w", err)
	}

	msg := &regwire.Insert2Request{
		InitiatorEID: c.cfg.Local.EID,
		Nonce:        c.nonce,
		Challenge:    c.challenge,
		Profile:      profile,
		ProofTail:    tail,
		Proof:        proof,
	}
	return msg.Encode(), nil
}

func (c *Client) handleInsert2Response(buf []byte) {
	msg, err := regwire.DecodeInsert2Response(buf)
	if err != nil {
		c.logger.Debug("dropped malformed insert2 response", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	if c.state != StateInsert2 || msg.HashedNonce != c.hashedNonce {
		c.mu.Unlock()
		return
	}
	c.retryTimer.Stop()
	c.setStateLocked(StateRegistered)
	c.attempt = 0
	lifetime := time.Duration(msg.LifetimeSeconds) * time.Second
	rereg := lifetime / 2
	if rereg > maxReregInterval || rereg <= 0 {
		rereg = maxReregInterval
	}
	c.mu.Unlock()

	c.reregTimer.Start(rereg)
	if c.cfg.OnRegistered != nil {
		c.cfg.OnRegistered(lifetime, msg.ObservedEndpoint)
	}
}

// onRetryTimeout fires when an INSERT1 or INSERT2 reply hasn't arrived in
// time. Persistent clients never give up: exhausting the retransmit budget
// sends them back to StateResolving to try again. Non-persistent clients
// go idle and report ErrGaveUp.
func (c *Client) onRetryTimeout() {
	c.mu.Lock()
	switch c.state {
	case StateInsert1:
		c.attempt++
		if c.attempt > c.cfg.MaxRetransmits {
			c.giveUpLocked()
			return
		}
		wire := c.insert1Wire
		ep := c.serverEP
		c.mu.Unlock()
		c.send(ep, wire)
		c.retryTimer.Start(c.cfg.RetransmitBase)
	case StateInsert2:
		c.attempt++
		if c.attempt > c.cfg.MaxRetransmits {
			c.giveUpLocked()
			return
		}
		wire := c.insert2Wire
		ep := c.serverEP
		c.mu.Unlock()
		c.send(ep, wire)
		c.retryTimer.Start(c.cfg.RetransmitBase)
	default:
		c.mu.Unlock()
	}
}

// giveUpLocked handles an exhausted retransmit budget. Must be called with
// c.mu held; always unlocks before returning.
func (c *Client) giveUpLocked() {
	persistent := c.cfg.Persistent
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RegistrationFailures.Inc()
	}
	if persistent {
		c.setStateLocked(StateResolving)
		c.haveNonce = false
		c.attempt = 0
		c.mu.Unlock()
		c.logger.Debug("registration attempt exhausted, retrying")
		if err := c.resolveAndBegin(); err != nil {
			c.logger.Warn("persistent re-registration attempt failed to resolve", slog.Any("error", err))
		}
		return
	}
	c.setStateLocked(StateIdle)
	c.haveNonce = false
	c.mu.Unlock()
	c.report(ErrGaveUp)
}

// onReregTimeout fires mid-registration, per spec.md's
// min(lifetime/2, 15min) renewal schedule. It restarts the INSERT1/INSERT2
// exchange with a fresh nonce, keeping the cached server endpoint.
func (c *Client) onReregTimeout() {
	c.mu.Lock()
	if c.state != StateRegistered {
		c.mu.Unlock()
		return
	}
	c.haveNonce = false
	c.ensureNonceLocked()
	c.setStateLocked(StateInsert1)
	c.attempt = 0
	msg := &regwire.Insert1Request{InitiatorEID: c.cfg.Local.EID, HashedNonce: c.hashedNonce}
	c.insert1Wire = msg.Encode()
	wire := c.insert1Wire
	ep := c.serverEP
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RegistrationAttempts.Inc()
	}
	c.send(ep, wire)
	c.retryTimer.Start(c.cfg.RetransmitBase)
}

// Lookup asks the registration server for target's current endpoint. If
// notify is true and target is currently registered, the server also sends
// target a description of this client for NAT hole punching. The result
// arrives via Config.OnLookupResult.
func (c *Client) Lookup(target identity.EID, notify bool) error {
	c.mu.Lock()
	if c.state != StateRegistered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	c.lookups[target] = true
	msg := &regwire.LookupRequest{
		InitiatorEID: c.cfg.Local.EID,
		HashedNonce:  c.hashedNonce,
		TargetEID:    target,
		Notify:       notify,
	}
	ep := c.serverEP
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.LookupsIssued.Inc()
	}
	c.send(ep, msg.Encode())
	return nil
}

func (c *Client) handleLookupResult(buf []byte) {
	result, code, err := regwire.DecodeLookupResult(buf)
	if err != nil {
		c.logger.Debug("dropped malformed lookup result", slog.Any("error", err))
		return
	}

	if code == regwire.CodeLookupNotify {
		if c.cfg.OnLookupNotify != nil && result.Found {
			c.cfg.OnLookupNotify(result.EID, result.Endpoint, result.Profile)
		}
		return
	}

	c.mu.Lock()
	outstanding := c.lookups[result.EID]
	delete(c.lookups, result.EID)
	c.mu.Unlock()
	if !outstanding {
		c.logger.Debug("dropped unsolicited lookup response", slog.String("target", result.EID.ShortString()))
		return
	}
	if c.cfg.OnLookupResult != nil {
		c.cfg.OnLookupResult(result.EID, result.Found, result.Endpoint, result.Profile)
	}
}

// Search asks the registration server for every registered identity whose
// profile keywords match every whitespace-separated token in text. The
// result arrives via Config.OnSearchResult.
func (c *Client) Search(text string) error {
	c.mu.Lock()
	if c.state != StateRegistered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	c.searches[text] = true
	msg := &regwire.SearchRequest{InitiatorEID: c.cfg.Local.EID, HashedNonce: c.hashedNonce, Text: text}
	ep := c.serverEP
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SearchesIssued.Inc()
	}
	c.send(ep, msg.Encode())
	return nil
}

func (c *Client) handleSearchResponse(buf []byte) {
	msg, err := regwire.DecodeSearchResponse(buf)
	if err != nil {
		c.logger.Debug("dropped malformed search response", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	outstanding := c.searches[msg.Text]
	delete(c.searches, msg.Text)
	c.mu.Unlock()
	if !outstanding {
		c.logger.Debug("dropped unsolicited search response", slog.String("text", msg.Text))
		return
	}
	if c.cfg.OnSearchResult != nil {
		c.cfg.OnSearchResult(msg.Text, msg.IDs, msg.Complete)
	}
}

// Delete asks the registration server to drop this client's own record.
// Safe to call even if a nonce was never established; in that case it is a
// no-op, since there can be nothing registered under it.
func (c *Client) Delete() error {
	c.mu.Lock()
	if !c.haveNonce {
		c.mu.Unlock()
		return nil
	}
	msg := &regwire.DeleteRequest{InitiatorEID: c.cfg.Local.EID, HashedNonce: c.hashedNonce}
	ep := c.serverEP
	c.mu.Unlock()

	c.send(ep, msg.Encode())
	return nil
}

func (c *Client) handleDeleteResponse(buf []byte) {
	msg, err := regwire.DecodeDeleteResponse(buf)
	if err != nil {
		c.logger.Debug("dropped malformed delete response", slog.Any("error", err))
		return
	}
	if c.cfg.OnDeleted != nil {
		c.cfg.OnDeleted(msg.WasDeleted)
	}
}

// Close withdraws this client's registration, if any, and stops all
// timers. The client returns to StateIdle and can be Start-ed again.
func (c *Client) Close() {
	_ = c.Delete()

	c.retryTimer.Stop()
	c.reregTimer.Stop()

	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.haveNonce = false
	c.mu.Unlock()
}
