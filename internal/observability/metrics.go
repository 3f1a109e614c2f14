// Package observability wires the Prometheus collectors and exposes them over HTTP.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beaconwatch/beaconwatch/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	Ingest    *metrics.IngestMetrics
	Store     *metrics.StoreMetrics
	Notify    *metrics.NotifyMetrics
	MQTT      *metrics.MQTTMetrics
	HTTP      *metrics.HTTPMetrics
	Datastore *metrics.DatastoreMetrics
}

// NewMetrics creates a registry and all collectors, plus the Go runtime and process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ingest, err := metrics.NewIngestMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest metrics: %w", err)
	}
	store, err := metrics.NewStoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create store metrics: %w", err)
	}
	notify, err := metrics.NewNotifyMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create notify metrics: %w", err)
	}
	mqtt, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}
	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}
	datastore, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	return &Metrics{
		registry:  registry,
		Ingest:    ingest,
		Store:     store,
		Notify:    notify,
		MQTT:      mqtt,
		HTTP:      httpMetrics,
		Datastore: datastore,
	}, nil
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
