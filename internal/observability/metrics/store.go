package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Command result labels
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultNotFound = "not_found"
)

// StoreMetrics contains all Prometheus metrics related to the entity store.
type StoreMetrics struct {
	Entities         *prometheus.GaugeVec
	Upserts          *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
	SnapshotErrors   prometheus.Counter
	LastSnapshotTime prometheus.Gauge
	registry         *prometheus.Registry
}

// NewStoreMetrics creates and registers the store metrics.
func NewStoreMetrics(registry *prometheus.Registry) (*StoreMetrics, error) {
	m := &StoreMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register store metrics: %w", err)
	}
	return m, nil
}

func (m *StoreMetrics) initMetrics() {
	m.Entities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beaconwatch_store_entities",
		Help: "Number of tracked entities by status",
	}, []string{"status"})

	m.Upserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_store_upserts_total",
		Help: "Total number of upserts by outcome (created, updated, rejected)",
	}, []string{"outcome"})

	m.Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconwatch_store_commands_total",
		Help: "Total number of operator commands by command and result",
	}, []string{"command", "result"})

	m.SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "beaconwatch_store_snapshot_duration_seconds",
		Help:    "Time spent serializing and writing a snapshot",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	m.SnapshotErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_store_snapshot_errors_total",
		Help: "Total number of failed snapshot writes",
	})

	m.LastSnapshotTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beaconwatch_store_last_snapshot_time_seconds",
		Help: "Unix time of the last successful snapshot",
	})
}

// SetEntityCounts replaces the per-status entity gauges.
func (m *StoreMetrics) SetEntityCounts(byStatus map[string]int) {
	for status, n := range byStatus {
		m.Entities.WithLabelValues(status).Set(float64(n))
	}
}

// RecordUpsert counts an upsert outcome.
func (m *StoreMetrics) RecordUpsert(outcome string) {
	m.Upserts.WithLabelValues(outcome).Inc()
}

// RecordCommand counts an operator command.
func (m *StoreMetrics) RecordCommand(command, result string) {
	m.Commands.WithLabelValues(command, result).Inc()
}

// RecordSnapshot observes a snapshot attempt.
func (m *StoreMetrics) RecordSnapshot(d time.Duration, err error) {
	m.SnapshotDuration.Observe(d.Seconds())
	if err != nil {
		m.SnapshotErrors.Inc()
		return
	}
	m.LastSnapshotTime.SetToCurrentTime()
}

// Collect implements the prometheus.Collector interface.
func (m *StoreMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Entities.Collect(ch)
	m.Upserts.Collect(ch)
	m.Commands.Collect(ch)
	ch <- m.SnapshotDuration
	ch <- m.SnapshotErrors
	ch <- m.LastSnapshotTime
}

// Describe implements the prometheus.Collector interface.
func (m *StoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Entities.Describe(ch)
	m.Upserts.Describe(ch)
	m.Commands.Describe(ch)
	ch <- m.SnapshotDuration.Desc()
	ch <- m.SnapshotErrors.Desc()
	ch <- m.LastSnapshotTime.Desc()
}
