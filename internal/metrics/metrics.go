// Package metrics holds the Prometheus collectors for the streaming
// server and the handler serving them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the server's Prometheus counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     prometheus.Counter
	streamBytesTotal  prometheus.Counter
	sessionsTotal     prometheus.Counter
	activeConnections prometheus.Gauge
	protocolErrors    prometheus.Counter
}

// New creates and registers the server collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robotv_requests_total",
		Help: "Total number of wire protocol requests handled",
	})
	streamBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robotv_stream_bytes_total",
		Help: "Total stream payload bytes sent to clients",
	})
	sessionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robotv_sessions_total",
		Help: "Total number of client connections accepted",
	})
	activeConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "robotv_active_connections",
		Help: "Number of currently connected clients",
	})
	protocolErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "robotv_protocol_errors_total",
		Help: "Total number of malformed or failed wire requests",
	})

	registry.MustRegister(
		requestsTotal,
		streamBytesTotal,
		sessionsTotal,
		activeConnections,
		protocolErrors,
	)

	return &Metrics{
		registry:          registry,
		requestsTotal:     requestsTotal,
		streamBytesTotal:  streamBytesTotal,
		sessionsTotal:     sessionsTotal,
		activeConnections: activeConnections,
		protocolErrors:    protocolErrors,
	}
}

// IncRequests counts one handled wire request.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// AddStreamBytes counts stream payload bytes sent to a client.
func (m *Metrics) AddStreamBytes(n int) { m.streamBytesTotal.Add(float64(n)) }

// ConnOpened counts a new client connection.
func (m *Metrics) ConnOpened() {
	m.sessionsTotal.Inc()
	m.activeConnections.Inc()
}

// ConnClosed marks a client connection gone.
func (m *Metrics) ConnClosed() { m.activeConnections.Dec() }

// IncProtocolErrors counts one malformed or failed request.
func (m *Metrics) IncProtocolErrors() { m.protocolErrors.Inc() }

// Handler serves the collectors in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
