// Package metrics provides Prometheus metrics for the rendezvous daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rendezvous"

// Metrics contains every Prometheus metric the daemon exposes.
type Metrics struct {
	// Peer and channel metrics
	PeersKnown      prometheus.Gauge
	ChannelsActive  prometheus.Gauge
	ChannelsOpened  prometheus.Counter
	ChannelsClosed  *prometheus.CounterVec
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsDropped  *prometheus.CounterVec

	// Key-exchange metrics
	HandshakesStarted  prometheus.Counter
	HandshakesSucceeded prometheus.Counter
	HandshakeLatency   prometheus.Histogram
	HandshakeErrors    *prometheus.CounterVec
	Retransmits        *prometheus.CounterVec

	// Registration client metrics
	RegistrationState     *prometheus.GaugeVec
	RegistrationAttempts  prometheus.Counter
	RegistrationFailures  prometheus.Counter
	LookupsIssued         prometheus.Counter
	SearchesIssued        prometheus.Counter

	// Registration server metrics
	RecordsRegistered prometheus.Gauge
	Insert1Total      prometheus.Counter
	Insert2Accepted   prometheus.Counter
	Insert2Rejected   prometheus.Counter
	LookupsServed     prometheus.Counter
	SearchesServed    prometheus.Counter
	SearchTruncated   prometheus.Counter
	DeletesServed     prometheus.Counter
	Insert1RateLimited prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide Metrics instance, registered against
// the default Prometheus registry the first time it is requested.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered
// against reg, for tests that want an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_known", Help: "Number of remote identities currently tracked",
		}),
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channels_active", Help: "Number of established secure channels",
		}),
		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "channels_opened_total", Help: "Total secure channels established",
		}),
		ChannelsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channels_closed_total", Help: "Total secure channels closed by reason",
		}, []string{"reason"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total", Help: "Total payload bytes sent over secure channels",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total", Help: "Total payload bytes received over secure channels",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total", Help: "Total inbound packets dropped by reason",
		}, []string{"reason"}),

		HandshakesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_started_total", Help: "Total key exchanges initiated",
		}),
		HandshakesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_succeeded_total", Help: "Total key exchanges completed",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handshake_latency_seconds", Help: "Histogram of Hello-to-Message handshake latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_errors_total", Help: "Total handshake errors by type",
		}, []string{"error_type"}),
		Retransmits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmits_total", Help: "Total packet retransmissions by message type",
		}, []string{"message_type"}),

		RegistrationState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registration_state", Help: "1 if the local registration client is in the named state, else 0",
		}, []string{"state"}),
		RegistrationAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registration_attempts_total", Help: "Total INSERT1 attempts sent",
		}),
		RegistrationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registration_failures_total", Help: "Total registration attempts that gave up",
		}),
		LookupsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lookups_issued_total", Help: "Total LOOKUP requests issued",
		}),
		SearchesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "searches_issued_total", Help: "Total SEARCH requests issued",
		}),

		RecordsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "records_registered", Help: "Number of identities currently registered with this server",
		}),
		Insert1Total: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "insert1_total", Help: "Total INSERT1 requests handled",
		}),
		Insert2Accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "insert2_accepted_total", Help: "Total INSERT2 requests accepted",
		}),
		Insert2Rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "insert2_rejected_total", Help: "Total INSERT2 requests rejected",
		}),
		LookupsServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lookups_served_total", Help: "Total LOOKUP requests served",
		}),
		SearchesServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "searches_served_total", Help: "Total SEARCH requests served",
		}),
		SearchTruncated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "search_truncated_total", Help: "Total SEARCH responses truncated at the result cap",
		}),
		DeletesServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deletes_served_total", Help: "Total DELETE requests served",
		}),
		Insert1RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "insert1_rate_limited_total", Help: "Total INSERT1 requests dropped by the per-address rate limiter",
		}),
	}
}

// RecordChannelOpen records a secure channel being established.
func (m *Metrics) RecordChannelOpen() {
	m.ChannelsActive.Inc()
	m.ChannelsOpened.Inc()
}

// RecordChannelClose records a secure channel being torn down.
func (m *Metrics) RecordChannelClose(reason string) {
	m.ChannelsActive.Dec()
	m.ChannelsClosed.WithLabelValues(reason).Inc()
}

// RecordPacketDropped records an inbound packet dropped for reason.
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordHandshakeStart records a key exchange beginning.
func (m *Metrics) RecordHandshakeStart() {
	m.HandshakesStarted.Inc()
}

// RecordHandshakeSuccess records a completed key exchange with its latency.
func (m *Metrics) RecordHandshakeSuccess(latencySeconds float64) {
	m.HandshakesSucceeded.Inc()
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake failure by type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordRetransmit records a retransmitted packet by message type.
func (m *Metrics) RecordRetransmit(messageType string) {
	m.Retransmits.WithLabelValues(messageType).Inc()
}

// SetRegistrationState zeroes every known state and sets state to 1.
func (m *Metrics) SetRegistrationState(state string, known []string) {
	for _, s := range known {
		m.RegistrationState.WithLabelValues(s).Set(0)
	}
	m.RegistrationState.WithLabelValues(state).Set(1)
}

// RecordInsert1Served records an INSERT1 request handled by the server.
func (m *Metrics) RecordInsert1Served(rateLimited bool) {
	if rateLimited {
		m.Insert1RateLimited.Inc()
		return
	}
	m.Insert1Total.Inc()
}

// RecordInsert2Outcome records an INSERT2 acceptance or rejection.
func (m *Metrics) RecordInsert2Outcome(accepted bool) {
	if accepted {
		m.Insert2Accepted.Inc()
		return
	}
	m.Insert2Rejected.Inc()
}

// RecordSearchServed records a completed SEARCH, noting truncation.
func (m *Metrics) RecordSearchServed(truncated bool) {
	m.SearchesServed.Inc()
	if truncated {
		m.SearchTruncated.Inc()
	}
}
