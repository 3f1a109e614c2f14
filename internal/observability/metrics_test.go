package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Ingest.LinesRead.Inc()
	m.Ingest.RecordAccepted()
	m.Ingest.SetConnected(true)
	m.Store.RecordUpsert("created")
	m.Store.RecordCommand("resolve", "ok")
	m.Store.RecordSnapshot(5*time.Millisecond, nil)
	m.Notify.Published.Inc()
	m.MQTT.UpdateConnectionStatus(true)
	m.HTTP.RecordRequest(http.MethodGet, "/api/v1/statistics", http.StatusOK, time.Millisecond)
	m.Datastore.RecordOperation("insert", time.Millisecond, nil)

	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Ingest.RecordsAccepted), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Ingest.Connected), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Store.Upserts.WithLabelValues("created")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.MQTT.ConnectionStatus), 1e-9)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "beaconwatch_ingest_lines_total 1")
	assert.Contains(t, string(body), `beaconwatch_store_commands_total{command="resolve",result="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	t.Parallel()

	a, err := NewMetrics()
	require.NoError(t, err)
	b, err := NewMetrics()
	require.NoError(t, err)

	a.Ingest.DecodeErrors.Inc()
	assert.InDelta(t, 0.0, testutil.ToFloat64(b.Ingest.DecodeErrors), 1e-9)
}
