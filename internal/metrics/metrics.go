// Package metrics holds the Prometheus collectors fed by the connection
// layer: byte counters from the activity conduits, exchange outcomes and
// framing failures.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albertbausili/sluice/internal/conduit"
)

// Metrics is a set of registered collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	connections     prometheus.Gauge
	exchanges       *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
	encodedBodies   *prometheus.CounterVec
	framingFailures *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sluice_bytes_sent_total",
			Help: "Bytes written to client connections",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sluice_bytes_received_total",
			Help: "Bytes read from client connections",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "sluice_connections_active",
			Help: "Currently open client connections",
		}),
		exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_exchanges_total",
			Help: "Completed request/response exchanges",
		}, []string{"method", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sluice_exchange_duration_seconds",
			Help:    "Time from request head to response completion",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		responseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sluice_response_body_bytes",
			Help:    "Response body bytes written by handlers, before content coding",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		}, []string{"method", "status"}),
		encodedBodies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_encoded_bodies_total",
			Help: "Message bodies passed through a content coding",
		}, []string{"direction", "encoding"}),
		framingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_framing_failures_total",
			Help: "Exchanges aborted by a framing or stream error",
		}, []string{"kind"}),
	}
}

// BytesSent is the callback for conduit.BytesSentSink.
func (m *Metrics) BytesSent(n int64) {
	if m != nil {
		m.bytesSent.Add(float64(n))
	}
}

// BytesReceived is the callback for conduit.BytesReceivedSource.
func (m *Metrics) BytesReceived(n int64) {
	if m != nil {
		m.bytesReceived.Add(float64(n))
	}
}

// ConnOpened records a new connection.
func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnClosed records a closed connection.
func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// ObserveExchange records a completed exchange.
func (m *Metrics) ObserveExchange(method string, status int, d time.Duration, bodyBytes int64) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.exchanges.WithLabelValues(method, code).Inc()
	m.duration.WithLabelValues(method, code).Observe(d.Seconds())
	m.responseSize.WithLabelValues(method, code).Observe(float64(bodyBytes))
}

// Encoded records a body passed through encoding. direction is "request"
// or "response".
func (m *Metrics) Encoded(direction, encoding string) {
	if m != nil {
		m.encodedBodies.WithLabelValues(direction, encoding).Inc()
	}
}

// FramingFailure records err under its failure kind.
func (m *Metrics) FramingFailure(err error) {
	if m != nil && err != nil {
		m.framingFailures.WithLabelValues(FailureKind(err)).Inc()
	}
}

// FailureKind maps a conduit error to a short label.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, conduit.ErrEntityTooLarge):
		return "entity_too_large"
	case errors.Is(err, conduit.ErrPrematureEOF):
		return "premature_eof"
	case errors.Is(err, conduit.ErrUnderflow):
		return "underflow"
	case errors.Is(err, conduit.ErrOverflow):
		return "overflow"
	case errors.Is(err, conduit.ErrDataAfterLastChunk):
		return "data_after_last_chunk"
	case errors.Is(err, conduit.ErrClosedMidChunk):
		return "closed_mid_chunk"
	case errors.Is(err, conduit.ErrMalformed):
		return "malformed"
	case errors.Is(err, conduit.ErrTimedOut):
		return "timeout"
	}
	return "io"
}
