package dispatch

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/netsteria/rendezvous/internal/kexcrypto"
	"github.com/netsteria/rendezvous/internal/metrics"
	"github.com/netsteria/rendezvous/internal/packetcodec"
	"github.com/netsteria/rendezvous/internal/socketio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHandler struct {
	calls []socketio.Endpoint
}

func (h *recordingHandler) HandlePacket(src socketio.Endpoint, data []byte) {
	h.calls = append(h.calls, src)
}

func testEndpoint() socketio.Endpoint {
	return socketio.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 4242}
}

func helloPacket() []byte {
	buf := make([]byte, packetcodec.HelloSize)
	copy(buf, kexcrypto.HelloMagic[:])
	return buf
}

func TestPacketDispatcher_BindAndDispatch(t *testing.T) {
	d := NewPacketDispatcher(testLogger())
	h := &recordingHandler{}
	if err := d.Bind(packetcodec.KindHello, h); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	d.Dispatch(testEndpoint(), helloPacket())
	if len(h.calls) != 1 {
		t.Fatalf("handler called %d times, want 1", len(h.calls))
	}
}

func TestPacketDispatcher_RejectsDoubleBind(t *testing.T) {
	d := NewPacketDispatcher(testLogger())
	if err := d.Bind(packetcodec.KindHello, &recordingHandler{}); err != nil {
		t.Fatalf("first Bind() error = %v", err)
	}
	err := d.Bind(packetcodec.KindHello, &recordingHandler{})
	if err == nil {
		t.Fatal("second Bind() on the same kind should fail")
	}
}

func TestPacketDispatcher_UnboundMagicIsDropped(t *testing.T) {
	d := NewPacketDispatcher(testLogger())
	// No handler bound for Hello; Dispatch must not panic and must not
	// invoke anything.
	d.Dispatch(testEndpoint(), helloPacket())
}

func TestPacketDispatcher_UnknownMagicIsDropped(t *testing.T) {
	d := NewPacketDispatcher(testLogger())
	h := &recordingHandler{}
	d.Bind(packetcodec.KindHello, h)

	garbage := make([]byte, 64)
	d.Dispatch(testEndpoint(), garbage)
	if len(h.calls) != 0 {
		t.Errorf("handler called for an unrelated magic, calls = %d", len(h.calls))
	}
}

func TestPacketDispatcher_Unbind(t *testing.T) {
	d := NewPacketDispatcher(testLogger())
	h := &recordingHandler{}
	d.Bind(packetcodec.KindHello, h)
	if err := d.Unbind(packetcodec.KindHello); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}

	d.Dispatch(testEndpoint(), helloPacket())
	if len(h.calls) != 0 {
		t.Errorf("handler called after Unbind(), calls = %d", len(h.calls))
	}

	if err := d.Unbind(packetcodec.KindHello); err == nil {
		t.Error("second Unbind() should fail with ErrNotBound")
	}
}

type recordingChannelHandler struct {
	calls []*packetcodec.Message
}

func (h *recordingChannelHandler) HandleMessage(src socketio.Endpoint, msg *packetcodec.Message) {
	h.calls = append(h.calls, msg)
}

func messagePacket(senderShortPub [32]byte) []byte {
	m := &packetcodec.Message{SenderShortPub: senderShortPub, Box: make([]byte, 16)}
	buf, err := packetcodec.EncodeMessage(m)
	if err != nil {
		panic(err)
	}
	return buf
}

func TestMessageReceiver_RegisterAndRoute(t *testing.T) {
	r := NewMessageReceiver(testLogger())
	var remotePub [32]byte
	remotePub[0] = 0xAB

	h := &recordingChannelHandler{}
	if err := r.Register(remotePub, h); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.HandlePacket(testEndpoint(), messagePacket(remotePub))
	if len(h.calls) != 1 {
		t.Fatalf("handler called %d times, want 1", len(h.calls))
	}
}

func TestMessageReceiver_RejectsDoubleRegister(t *testing.T) {
	r := NewMessageReceiver(testLogger())
	var pub [32]byte
	pub[0] = 1
	if err := r.Register(pub, &recordingChannelHandler{}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(pub, &recordingChannelHandler{}); err == nil {
		t.Error("second Register() on the same key should fail")
	}
}

func TestMessageReceiver_UnknownSenderIsDropped(t *testing.T) {
	r := NewMessageReceiver(testLogger())
	var unregistered [32]byte
	unregistered[0] = 0xFF
	// No panic, no delivery.
	r.HandlePacket(testEndpoint(), messagePacket(unregistered))
}

func TestMessageReceiver_Unregister(t *testing.T) {
	r := NewMessageReceiver(testLogger())
	var pub [32]byte
	pub[0] = 7
	h := &recordingChannelHandler{}
	r.Register(pub, h)
	r.Unregister(pub)

	r.HandlePacket(testEndpoint(), messagePacket(pub))
	if len(h.calls) != 0 {
		t.Errorf("handler called after Unregister(), calls = %d", len(h.calls))
	}
}

func TestMessageReceiver_MalformedPacketIsDropped(t *testing.T) {
	r := NewMessageReceiver(testLogger())
	r.HandlePacket(testEndpoint(), make([]byte, 4))
}

func TestPacketDispatcher_SetMetricsRecordsDrops(t *testing.T) {
	d := NewPacketDispatcher(testLogger())
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	d.SetMetrics(m)

	d.Dispatch(testEndpoint(), make([]byte, 4)) // unrecognized magic
	d.Dispatch(testEndpoint(), helloPacket())    // recognized, no handler bound

	if got := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("unrecognized")); got != 1 {
		t.Errorf("unrecognized drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("unbound")); got != 1 {
		t.Errorf("unbound drops = %v, want 1", got)
	}
}

func TestMessageReceiver_SetMetricsRecordsDrops(t *testing.T) {
	r := NewMessageReceiver(testLogger())
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	r.SetMetrics(m)

	var unregistered [32]byte
	unregistered[0] = 0xEE
	r.HandlePacket(testEndpoint(), messagePacket(unregistered))
	r.HandlePacket(testEndpoint(), make([]byte, 4))

	if got := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("unknown_channel")); got != 1 {
		t.Errorf("unknown_channel drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("malformed")); got != 1 {
		t.Errorf("malformed drops = %v, want 1", got)
	}
}
