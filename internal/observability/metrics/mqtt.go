package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains all Prometheus metrics related to MQTT publishing.
type MQTTMetrics struct {
	ConnectionStatus  prometheus.Gauge
	MessagesDelivered prometheus.Counter
	Errors            prometheus.Counter
	ReconnectAttempts prometheus.Counter
	LastConnectTime   prometheus.Gauge
	MessageSize       prometheus.Histogram
	PublishLatency    prometheus.Histogram
	registry          *prometheus.Registry
}

// NewMQTTMetrics creates and registers the MQTT metrics.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

func (m *MQTTMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beaconwatch_mqtt_connection_status",
		Help: "Current MQTT connection status (1 for connected, 0 for disconnected)",
	})
	m.MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_mqtt_messages_delivered_total",
		Help: "Total number of MQTT messages successfully delivered",
	})
	m.Errors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_mqtt_errors_total",
		Help: "Total number of MQTT errors encountered",
	})
	m.ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_mqtt_reconnect_attempts_total",
		Help: "Total number of MQTT reconnection attempts",
	})
	m.LastConnectTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beaconwatch_mqtt_last_connect_time_seconds",
		Help: "Timestamp of the last successful MQTT connection",
	})
	m.MessageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "beaconwatch_mqtt_message_size_bytes",
		Help:    "Size of MQTT messages in bytes",
		Buckets: prometheus.ExponentialBuckets(64, 2, 10),
	})
	m.PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "beaconwatch_mqtt_publish_latency_seconds",
		Help:    "Latency of MQTT publish operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
}

// UpdateConnectionStatus updates the connection gauge and last connect time.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.ConnectionStatus.Set(1)
		m.LastConnectTime.SetToCurrentTime()
	} else {
		m.ConnectionStatus.Set(0)
	}
}

// ObservePublish records a completed publish.
func (m *MQTTMetrics) ObservePublish(size int, latency time.Duration, err error) {
	m.MessageSize.Observe(float64(size))
	m.PublishLatency.Observe(latency.Seconds())
	if err != nil {
		m.Errors.Inc()
		return
	}
	m.MessagesDelivered.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ConnectionStatus
	ch <- m.MessagesDelivered
	ch <- m.Errors
	ch <- m.ReconnectAttempts
	ch <- m.LastConnectTime
	ch <- m.MessageSize
	ch <- m.PublishLatency
}

// Describe implements the prometheus.Collector interface.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ConnectionStatus.Desc()
	ch <- m.MessagesDelivered.Desc()
	ch <- m.Errors.Desc()
	ch <- m.ReconnectAttempts.Desc()
	ch <- m.LastConnectTime.Desc()
	ch <- m.MessageSize.Desc()
	ch <- m.PublishLatency.Desc()
}
