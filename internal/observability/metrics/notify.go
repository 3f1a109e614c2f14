package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// NotifyMetrics contains all Prometheus metrics related to change propagation.
type NotifyMetrics struct {
	Published        prometheus.Counter
	Delivered        *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	Subscribers      prometheus.Gauge
	registry         *prometheus.Registry
}

// NewNotifyMetrics creates and registers the notifier metrics.
func NewNotifyMetrics(registry *prometheus.Registry) (*NotifyMetrics, error) {
	m := &NotifyMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notify metrics: %w", err)
	}
	return m, nil
}

func (m *NotifyMetrics) initMetrics() {
	m.Published = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_notify_events_published_total",
		Help: "Total number of change events published",
	})
	m.Delivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_notify_events_delivered_total",
		Help: "Total number of events delivered by subscriber name",
	}, []string{"subscriber"})
	m.DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_notify_delivery_failures_total",
		Help: "Total number of failed delivery attempts by subscriber name",
	}, []string{"subscriber"})
	m.Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_notify_events_dropped_total",
		Help: "Total number of events abandoned after the retry limit by subscriber name",
	}, []string{"subscriber"})
	m.Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beaconwatch_notify_subscribers",
		Help: "Number of registered subscribers",
	})
}

// Collect implements the prometheus.Collector interface.
func (m *NotifyMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.Published
	m.Delivered.Collect(ch)
	m.DeliveryFailures.Collect(ch)
	m.Dropped.Collect(ch)
	ch <- m.Subscribers
}

// Describe implements the prometheus.Collector interface.
func (m *NotifyMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.Published.Desc()
	m.Delivered.Describe(ch)
	m.DeliveryFailures.Describe(ch)
	m.Dropped.Describe(ch)
	ch <- m.Subscribers.Desc()
}
