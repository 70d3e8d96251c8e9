package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ChannelsActive == nil {
		t.Error("ChannelsActive metric is nil")
	}
	if m.HandshakeLatency == nil {
		t.Error("HandshakeLatency metric is nil")
	}
	if m.RecordsRegistered == nil {
		t.Error("RecordsRegistered metric is nil")
	}
}

func TestRecordChannelOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordChannelOpen()
	m.RecordChannelOpen()
	m.RecordChannelOpen()

	active := testutil.ToFloat64(m.ChannelsActive)
	if active != 3 {
		t.Errorf("ChannelsActive = %v, want 3", active)
	}
	opened := testutil.ToFloat64(m.ChannelsOpened)
	if opened != 3 {
		t.Errorf("ChannelsOpened = %v, want 3", opened)
	}

	m.RecordChannelClose("nonce_exhausted")

	active = testutil.ToFloat64(m.ChannelsActive)
	if active != 2 {
		t.Errorf("ChannelsActive = %v, want 2", active)
	}
	closed := testutil.ToFloat64(m.ChannelsClosed.WithLabelValues("nonce_exhausted"))
	if closed != 1 {
		t.Errorf("ChannelsClosed[nonce_exhausted] = %v, want 1", closed)
	}
}

func TestRecordPacketDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPacketDropped("bad_magic")
	m.RecordPacketDropped("bad_magic")
	m.RecordPacketDropped("truncated")

	badMagic := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("bad_magic"))
	if badMagic != 2 {
		t.Errorf("PacketsDropped[bad_magic] = %v, want 2", badMagic)
	}
	truncated := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("truncated"))
	if truncated != 1 {
		t.Errorf("PacketsDropped[truncated] = %v, want 1", truncated)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshakeStart()
	m.RecordHandshakeStart()
	m.RecordHandshakeSuccess(0.1)
	m.RecordHandshakeError("timeout")
	m.RecordHandshakeError("timeout")
	m.RecordHandshakeError("bad_vouch")

	started := testutil.ToFloat64(m.HandshakesStarted)
	if started != 2 {
		t.Errorf("HandshakesStarted = %v, want 2", started)
	}
	succeeded := testutil.ToFloat64(m.HandshakesSucceeded)
	if succeeded != 1 {
		t.Errorf("HandshakesSucceeded = %v, want 1", succeeded)
	}
	timeoutErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("timeout"))
	if timeoutErrors != 2 {
		t.Errorf("HandshakeErrors[timeout] = %v, want 2", timeoutErrors)
	}
	vouchErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("bad_vouch"))
	if vouchErrors != 1 {
		t.Errorf("HandshakeErrors[bad_vouch] = %v, want 1", vouchErrors)
	}
}

func TestRecordRetransmit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRetransmit("hello")
	m.RecordRetransmit("hello")
	m.RecordRetransmit("initiate")

	hello := testutil.ToFloat64(m.Retransmits.WithLabelValues("hello"))
	if hello != 2 {
		t.Errorf("Retransmits[hello] = %v, want 2", hello)
	}
}

func TestSetRegistrationState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	known := []string{"idle", "resolving", "insert1", "insert2", "registered"}

	m.SetRegistrationState("insert1", known)
	if testutil.ToFloat64(m.RegistrationState.WithLabelValues("insert1")) != 1 {
		t.Error("RegistrationState[insert1] should be 1")
	}
	if testutil.ToFloat64(m.RegistrationState.WithLabelValues("idle")) != 0 {
		t.Error("RegistrationState[idle] should be 0")
	}

	m.SetRegistrationState("registered", known)
	if testutil.ToFloat64(m.RegistrationState.WithLabelValues("insert1")) != 0 {
		t.Error("RegistrationState[insert1] should drop back to 0 once another state is set")
	}
	if testutil.ToFloat64(m.RegistrationState.WithLabelValues("registered")) != 1 {
		t.Error("RegistrationState[registered] should be 1")
	}
}

func TestRecordInsert1Served(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordInsert1Served(false)
	m.RecordInsert1Served(false)
	m.RecordInsert1Served(true)

	if got := testutil.ToFloat64(m.Insert1Total); got != 2 {
		t.Errorf("Insert1Total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Insert1RateLimited); got != 1 {
		t.Errorf("Insert1RateLimited = %v, want 1", got)
	}
}

func TestRecordInsert2Outcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordInsert2Outcome(true)
	m.RecordInsert2Outcome(true)
	m.RecordInsert2Outcome(false)

	if got := testutil.ToFloat64(m.Insert2Accepted); got != 2 {
		t.Errorf("Insert2Accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Insert2Rejected); got != 1 {
		t.Errorf("Insert2Rejected = %v, want 1", got)
	}
}

func TestRecordSearchServed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSearchServed(false)
	m.RecordSearchServed(true)

	if got := testutil.ToFloat64(m.SearchesServed); got != 2 {
		t.Errorf("SearchesServed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SearchTruncated); got != 1 {
		t.Errorf("SearchTruncated = %v, want 1", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance across calls")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
