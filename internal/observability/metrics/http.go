package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics contains Prometheus metrics for the API and its streaming endpoints
type HTTPMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	streamConnections *prometheus.GaugeVec
	streamMessages    *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewHTTPMetrics creates and registers the API metrics
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_http_requests_total",
		Help: "Total number of API requests by method, route and status",
	}, []string{"method", "route", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beaconwatch_http_request_duration_seconds",
		Help:    "API request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.streamConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beaconwatch_http_stream_connections",
		Help: "Open streaming connections by kind (sse, websocket)",
	}, []string{"kind"})

	m.streamMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_http_stream_messages_total",
		Help: "Total number of messages written to streaming clients by kind",
	}, []string{"kind"})
}

// RecordRequest observes a finished request
func (m *HTTPMetrics) RecordRequest(method, route string, status int, d time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// StreamOpened increments the open stream gauge
func (m *HTTPMetrics) StreamOpened(kind string) {
	m.streamConnections.WithLabelValues(kind).Inc()
}

// StreamClosed decrements the open stream gauge
func (m *HTTPMetrics) StreamClosed(kind string) {
	m.streamConnections.WithLabelValues(kind).Dec()
}

// StreamMessage counts a message written to a stream
func (m *HTTPMetrics) StreamMessage(kind string) {
	m.streamMessages.WithLabelValues(kind).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	m.requestsTotal.Collect(ch)
	m.requestDuration.Collect(ch)
	m.streamConnections.Collect(ch)
	m.streamMessages.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.requestsTotal.Describe(ch)
	m.requestDuration.Describe(ch)
	m.streamConnections.Describe(ch)
	m.streamMessages.Describe(ch)
}
