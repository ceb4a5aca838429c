// Package metrics provides Prometheus metrics for the UDP bridge.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpbridge"
)

// Direction label values.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Metrics contains all Prometheus metrics for the bridge and its trackers.
//
// A nil *Metrics is valid; every Record method is then a no-op.
type Metrics struct {
	// Outbound pump
	DatagramsSent  prometheus.Counter
	BytesSent      prometheus.Counter
	SendErrors     prometheus.Counter
	PartialWrites  prometheus.Counter
	OutboundQueued prometheus.Gauge

	// Inbound pump
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	ReceiveErrors     prometheus.Counter

	// Worker lifecycle
	WorkersRunning *prometheus.GaugeVec

	// Tracker requests
	TrackerRequests *prometheus.CounterVec
	TrackerErrors   *prometheus.CounterVec
	TrackerLatency  *prometheus.HistogramVec

	// Fault injection
	ChaosFaults *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams written to the socket in full",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes written to the socket",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total datagrams abandoned after a socket write error",
		}),
		PartialWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_writes_total",
			Help:      "Total socket writes that accepted only part of the remaining payload",
		}),
		OutboundQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_length",
			Help:      "Datagrams waiting in the outbound queue, sampled per dequeue",
		}),

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams read from the socket and queued",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes read from the socket",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total failed socket receive calls",
		}),

		WorkersRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Number of running pump workers by direction",
		}, []string{"direction"}),

		TrackerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_requests_total",
			Help:      "Total tracker requests by scheme and action",
		}, []string{"scheme", "action"}),
		TrackerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_errors_total",
			Help:      "Total failed tracker requests by scheme and action",
		}, []string{"scheme", "action"}),
		TrackerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tracker_request_latency_seconds",
			Help:      "Histogram of tracker request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 60},
		}, []string{"scheme"}),

		ChaosFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chaos_faults_total",
			Help:      "Total injected datagram faults by direction and fault type",
		}, []string{"direction", "fault"}),
	}

	return m
}

// RecordDatagramSent records a datagram written in full.
func (m *Metrics) RecordDatagramSent(bytes int) {
	if m == nil {
		return
	}
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordSendError records a datagram abandoned after bytesSent bytes.
func (m *Metrics) RecordSendError(bytesSent int) {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
	m.BytesSent.Add(float64(bytesSent))
}

// RecordPartialWrite records a short socket write.
func (m *Metrics) RecordPartialWrite() {
	if m == nil {
		return
	}
	m.PartialWrites.Inc()
}

// SetOutboundQueued samples the outbound queue length.
func (m *Metrics) SetOutboundQueued(n int) {
	if m == nil {
		return
	}
	m.OutboundQueued.Set(float64(n))
}

// RecordDatagramReceived records a datagram read from the socket.
func (m *Metrics) RecordDatagramReceived(bytes int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordReceiveError records a failed receive call.
func (m *Metrics) RecordReceiveError() {
	if m == nil {
		return
	}
	m.ReceiveErrors.Inc()
}

// RecordWorkerStart marks a pump worker as running.
func (m *Metrics) RecordWorkerStart(direction string) {
	if m == nil {
		return
	}
	m.WorkersRunning.WithLabelValues(direction).Inc()
}

// RecordWorkerStop marks a pump worker as exited.
func (m *Metrics) RecordWorkerStop(direction string) {
	if m == nil {
		return
	}
	m.WorkersRunning.WithLabelValues(direction).Dec()
}

// RecordTrackerRequest records one tracker request and its outcome.
func (m *Metrics) RecordTrackerRequest(scheme, action string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.TrackerRequests.WithLabelValues(scheme, action).Inc()
	m.TrackerLatency.WithLabelValues(scheme).Observe(latency.Seconds())
	if err != nil {
		m.TrackerErrors.WithLabelValues(scheme, action).Inc()
	}
}

// RecordChaosFault records one injected fault.
func (m *Metrics) RecordChaosFault(direction, fault string) {
	if m == nil {
		return
	}
	m.ChaosFaults.WithLabelValues(direction, fault).Inc()
}
