package regclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/netsteria/rendezvous/internal/socketio"
)

// resolveTimeout bounds how long a server-address resolution may block
// Start, the same default the teacher's internal/exit.DNSConfig uses.
const resolveTimeout = 5 * time.Second

// resolveServerAddr turns "host:port" into an Endpoint. A literal IP
// address is used directly; otherwise it is resolved with the system
// resolver, preferring an IPv4 result the way the teacher's
// internal/exit.Resolver.Resolve does, since this client dials over
// whatever socket family its transport was configured for.
func resolveServerAddr(addr string) (socketio.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return socketio.Endpoint{}, fmt.Errorf("regclient: invalid server address %q: %w", addr, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return socketio.Endpoint{}, fmt.Errorf("regclient: invalid server port in %q: %w", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return socketio.Endpoint{IP: ip, Port: port}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return socketio.Endpoint{}, fmt.Errorf("regclient: resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return socketio.Endpoint{}, fmt.Errorf("regclient: resolve %q: %w", host, errors.New("no addresses found"))
	}

	chosen := addrs[0].IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			chosen = v4
			break
		}
	}
	return socketio.Endpoint{IP: chosen, Port: port}, nil
}
