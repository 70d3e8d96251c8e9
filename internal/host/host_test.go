package host

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/netsteria/rendezvous/internal/config"
	"github.com/netsteria/rendezvous/internal/dispatch"
	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/netsteria/rendezvous/internal/kex"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/rendezvous/peer"
	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHost builds a Host the way New does, but against an isolated
// Prometheus registry instead of the process-wide default one, so many
// Hosts can be constructed in the same test binary without a duplicate
// collector registration panic (the same reason dispatch_test.go and the
// teacher's metrics_test.go build their own registries).
func newTestHost(t *testing.T, mutate func(*config.Config)) *Host {
	t.Helper()

	cfg := config.Default()
	cfg.Agent.DataDir = t.TempDir()
	cfg.Agent.AppName = "test"
	cfg.Listen.Address = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}

	kp, _, _, err := identity.LoadOrCreate(cfg.Agent.DataDir, cfg.Agent.AppName, 0)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	logger := testLogger()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	h := &Host{
		cfg:       cfg,
		logger:    logger,
		identity:  kp,
		metrics:   m,
		peers:     make(map[identity.EID]*peer.Peer),
		regEvents: make(chan RegistrationEvent, regEventBuffer),
	}
	h.messages = dispatch.NewMessageReceiver(logger)
	h.messages.SetMetrics(m)
	h.dispatcher = dispatch.NewPacketDispatcher(logger)
	h.dispatcher.SetMetrics(m)
	h.cookies = kex.NewCookieRouter(logger)

	if cfg.Metrics.Enabled {
		h.metricsHTTP = metrics.NewServer(metrics.ServerConfig{
			Address:       cfg.Metrics.Address,
			BasicAuthUser: cfg.Metrics.BasicAuthUser,
			BasicAuthPass: cfg.Metrics.BasicAuthPass,
		}, reg, logger)
	}

	return h
}

// TestHost_NewLoadsIdentity is the only test in this file that exercises
// the real New constructor, since it registers its Metrics against the
// process-wide default Prometheus registry: a second call in the same test
// binary would panic on duplicate collector registration. Every other test
// here goes through newTestHost's isolated-registry construction instead.
func TestHost_NewLoadsIdentity(t *testing.T) {
	dataDir := t.TempDir()
	cfg := config.Default()
	cfg.Agent.DataDir = dataDir
	cfg.Agent.AppName = "test"

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if h.Identity() == nil || h.Identity().EID.IsZero() {
		t.Fatal("New() produced a zero identity")
	}
	if h.Metrics() == nil {
		t.Fatal("New() left Metrics nil")
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true before Start()")
	}
}

func TestHost_StartStopLifecycle(t *testing.T) {
	h := newTestHost(t, nil)

	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !h.IsRunning() {
		t.Fatal("IsRunning() = false after Start()")
	}

	if err := h.Start(); err == nil {
		t.Error("second Start() should fail while already running")
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}

	// Stop must be idempotent.
	if err := h.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestHost_StartFailsOnUnresolvableListenAddress(t *testing.T) {
	h := newTestHost(t, func(cfg *config.Config) {
		cfg.Listen.Address = "not a valid address"
	})

	if err := h.Start(); err == nil {
		t.Fatal("Start() with an unresolvable listen address should fail")
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after a failed Start()")
	}
}

func TestHost_LookupAndSearchRequireRegistrationClient(t *testing.T) {
	h := newTestHost(t, nil)

	if err := h.Lookup(identity.EID{}, false); err == nil {
		t.Error("Lookup() without a registration client should fail")
	}
	if err := h.Search("anything"); err == nil {
		t.Error("Search() without a registration client should fail")
	}
}

func TestHost_ConnectWithNoKnownEndpointsTracksPeerAnyway(t *testing.T) {
	h := newTestHost(t, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	remote, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	h.Connect(remote.EID)

	peers := h.Peers()
	p, ok := peers[remote.EID]
	if !ok {
		t.Fatal("Connect() did not register a Peer for the remote identity")
	}
	if len(p.Channels()) != 0 {
		t.Error("Connect() with no endpoint hints should not establish a channel")
	}
}

// TestHost_TwoHostsCompleteHandshakeOverLoopback wires two real Hosts over
// loopback UDP and drives a full Hello/Cookie/Initiate/Message handshake
// between them through nothing but the public Connect API, the one piece
// of end-to-end coverage no lower-level package can exercise on its own.
func TestHost_TwoHostsCompleteHandshakeOverLoopback(t *testing.T) {
	a := newTestHost(t, nil)
	b := newTestHost(t, nil)

	if err := a.Start(); err != nil {
		t.Fatalf("a.Start() error = %v", err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start() error = %v", err)
	}
	defer b.Stop()

	bEndpoints := b.socket.LocalEndpoints()
	if len(bEndpoints) == 0 {
		t.Fatal("b has no bound local endpoint")
	}

	a.Connect(b.Identity().EID, bEndpoints[0])

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ap, ok := a.Peers()[b.Identity().EID]
		if ok && len(ap.Channels()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ap, ok := a.Peers()[b.Identity().EID]
	if !ok || len(ap.Channels()) == 0 {
		t.Fatal("a never established a channel to b")
	}

	bp, ok := b.Peers()[a.Identity().EID]
	if !ok {
		t.Fatal("b never recorded a as a peer after the inbound handshake")
	}
	if len(bp.Channels()) == 0 {
		t.Error("b never recorded an established channel from a")
	}
}
