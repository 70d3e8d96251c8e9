// Package socketio is the raw UDP socket abstraction every higher-level
// component is built on: bind, send, enumerate local endpoints, and receive
// datagrams asynchronously via callback. Adapted from the teacher's
// internal/udp association-table style (constructor-injected logger,
// context-driven shutdown) but much thinner: this subsystem needs one
// unconnected UDP socket per host, not per-stream associations.
package socketio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/netsteria/rendezvous/internal/logging"
)

// Endpoint is a transport-layer address: an IP and port. It is the unit of
// reachability the key-exchange and rendezvous layers reason about, kept
// distinct from net.UDPAddr so the rest of the module doesn't depend
// directly on net's DNS-resolution behavior.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// String renders the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Equal reports whether two endpoints denote the same IP and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.IP.Equal(other.IP) && e.Port == other.Port
}

// IsIPv4 reports whether the endpoint's address is an IPv4 address. Used by
// the peer endpoint-affinity ranking, which treats IPv4 and IPv6 endpoints
// as infinitely far apart (spec §4.7).
func (e Endpoint) IsIPv4() bool {
	return e.IP.To4() != nil
}

func endpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP, Port: uint16(addr.Port)}
}

func (e Endpoint) toUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// ReceiveFunc is invoked for every datagram the socket reads. Implementations
// must not retain buf beyond the call; the socket reuses its read buffer.
type ReceiveFunc func(src Endpoint, buf []byte)

// Socket is the collaborator interface the dispatcher and channel layers
// depend on, so tests can substitute an in-memory fake transport without
// touching a real UDP conn.
type Socket interface {
	Send(dst Endpoint, buf []byte) error
	LocalEndpoints() []Endpoint
	Close() error
}

// UDPSocket is a Socket backed by a single unconnected net.UDPConn.
type UDPSocket struct {
	conn   *net.UDPConn
	logger *slog.Logger

	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Bind opens a UDP socket on bindAddr (host:port, host may be empty for all
// interfaces) and starts delivering received datagrams to onReceive until
// Close is called.
func Bind(bindAddr string, onReceive ReceiveFunc, logger *slog.Logger) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("socketio: resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("socketio: bind: %w", err)
	}

	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &UDPSocket{
		conn:   conn,
		logger: logger.With(slog.String("component", "socketio")),
		ctx:    ctx,
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.receiveLoop(onReceive)

	return s, nil
}

func (s *UDPSocket) receiveLoop(onReceive ReceiveFunc) {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("read failed", slog.Any("error", err))
			continue
		}
		if onReceive != nil {
			onReceive(endpointFromUDPAddr(addr), buf[:n])
		}
	}
}

// Send transmits buf to dst. Calls are serialized by a mutex; buf is
// written as given, with no pooled or shared send buffer.
func (s *UDPSocket) Send(dst Endpoint, buf []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := s.conn.WriteToUDP(buf, dst.toUDPAddr())
	if err != nil {
		return fmt.Errorf("socketio: send to %s: %w", dst, err)
	}
	return nil
}

// LocalEndpoints returns the socket's bound local endpoint. A host with
// multiple interfaces may wish to enumerate more; this returns the single
// bound wildcard-or-specific address the socket was opened on.
func (s *UDPSocket) LocalEndpoints() []Endpoint {
	addr, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return []Endpoint{endpointFromUDPAddr(addr)}
}

// Close stops the receive loop and closes the underlying socket.
func (s *UDPSocket) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("socketio: close: %w", err)
	}
	return nil
}
