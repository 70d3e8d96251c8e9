package kex

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/netsteria/rendezvous/internal/logging"
	"github.com/netsteria/rendezvous/internal/socketio"
)

// CookieRouter is the host's initiator-by-endpoint index: one instance is
// bound to a socket's PacketDispatcher under the Cookie magic, and every
// KexInitiator dialing through that socket registers itself under its
// target endpoint before sending Hello. An inbound Cookie has no identity
// of its own to demultiplex by, only its source address, so routing by
// target endpoint is the only option available once more than one
// handshake to a different peer may be in flight on the same socket.
type CookieRouter struct {
	mu       sync.RWMutex
	byTarget map[string]*KexInitiator
	logger   *slog.Logger
}

// NewCookieRouter returns an empty router.
func NewCookieRouter(logger *slog.Logger) *CookieRouter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &CookieRouter{
		byTarget: make(map[string]*KexInitiator),
		logger:   logger.With(slog.String("component", "cookie_router")),
	}
}

// Register binds init to target. Returns an error if a handshake to that
// endpoint is already in progress on this router.
func (r *CookieRouter) Register(target socketio.Endpoint, init *KexInitiator) error {
	key := target.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTarget[key]; exists {
		return fmt.Errorf("kex: key exchange already in progress to %s", key)
	}
	r.byTarget[key] = init
	return nil
}

// Unregister removes any initiator bound to target. Safe to call even if
// nothing is registered there.
func (r *CookieRouter) Unregister(target socketio.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTarget, target.String())
}

// HandlePacket implements dispatch.PacketHandler for the Cookie magic. It
// forwards buf to the initiator registered under src, if any.
func (r *CookieRouter) HandlePacket(src socketio.Endpoint, buf []byte) {
	r.mu.RLock()
	init, ok := r.byTarget[src.String()]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("dropped cookie with no matching in-flight handshake", slog.String("src", src.String()))
		return
	}
	init.HandlePacket(src, buf)
}
