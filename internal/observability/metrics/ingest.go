// Package metrics provides Prometheus collectors for the beaconwatch components.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains all Prometheus metrics related to the telemetry reader.
type IngestMetrics struct {
	LinesRead        prometheus.Counter
	RecordsAccepted  prometheus.Counter
	DecodeErrors     prometheus.Counter
	ValidationErrors prometheus.Counter
	TransportErrors  prometheus.Counter
	Reconnects       prometheus.Counter
	Connected        prometheus.Gauge
	LastRecordTime   prometheus.Gauge
	registry         *prometheus.Registry
}

// NewIngestMetrics creates and registers the reader metrics.
func NewIngestMetrics(registry *prometheus.Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
	}
	return m, nil
}

func (m *IngestMetrics) initMetrics() {
	m.LinesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_ingest_lines_total",
		Help: "Total number of non-empty lines read from the telemetry link",
	})
	m.RecordsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_ingest_records_accepted_total",
		Help: "Total number of decoded and validated telemetry records",
	})
	m.DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_ingest_decode_errors_total",
		Help: "Total number of lines that could not be decoded",
	})
	m.ValidationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_ingest_validation_errors_total",
		Help: "Total number of decoded records rejected by validation",
	})
	m.TransportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_ingest_transport_errors_total",
		Help: "Total number of transport read failures",
	})
	m.Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beaconwatch_ingest_reconnects_total",
		Help: "Total number of successful transport reopen attempts",
	})
	m.Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beaconwatch_ingest_connected",
		Help: "Telemetry link status (1 connected, 0 disconnected)",
	})
	m.LastRecordTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beaconwatch_ingest_last_record_time_seconds",
		Help: "Unix time of the last accepted telemetry record",
	})
}

// SetConnected updates the link status gauge.
func (m *IngestMetrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// RecordAccepted counts an accepted record and stamps its time.
func (m *IngestMetrics) RecordAccepted() {
	m.RecordsAccepted.Inc()
	m.LastRecordTime.SetToCurrentTime()
}

// Collect implements the prometheus.Collector interface.
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.LinesRead
	ch <- m.RecordsAccepted
	ch <- m.DecodeErrors
	ch <- m.ValidationErrors
	ch <- m.TransportErrors
	ch <- m.Reconnects
	ch <- m.Connected
	ch <- m.LastRecordTime
}

// Describe implements the prometheus.Collector interface.
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.LinesRead.Desc()
	ch <- m.RecordsAccepted.Desc()
	ch <- m.DecodeErrors.Desc()
	ch <- m.ValidationErrors.Desc()
	ch <- m.TransportErrors.Desc()
	ch <- m.Reconnects.Desc()
	ch <- m.Connected.Desc()
	ch <- m.LastRecordTime.Desc()
}
