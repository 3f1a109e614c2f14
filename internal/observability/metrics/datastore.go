package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for the resolution log database
type DatastoreMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	registry          *prometheus.Registry
}

// NewDatastoreMetrics creates and registers the datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_datastore_operations_total",
		Help: "Total number of resolution log operations by operation and status",
	}, []string{"operation", "status"})

	m.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beaconwatch_datastore_operation_duration_seconds",
		Help:    "Resolution log operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"operation"})
}

// RecordOperation observes a database operation
func (m *DatastoreMetrics) RecordOperation(operation string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Collect implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	m.operationsTotal.Collect(ch)
	m.operationDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.operationsTotal.Describe(ch)
	m.operationDuration.Describe(ch)
}
