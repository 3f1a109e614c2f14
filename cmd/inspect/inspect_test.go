package inspect

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/beaconwatch/beaconwatch/internal/cluster"
	"github.com/beaconwatch/beaconwatch/internal/conf"
	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/priority"
	"github.com/beaconwatch/beaconwatch/internal/store"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testSettings() *conf.Settings {
	return &conf.Settings{
		Priority: priority.DefaultThresholds(),
		Cluster:  conf.ClusterSettings{CellSize: cluster.DefaultCellSize},
		Station:  conf.StationSettings{Latitude: 13.02, Longitude: 77.57},
	}
}

// writeSnapshot stores three entities: a strong active one, a weak active one and a
// resolved one, all in the same cell
func writeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	st := store.New(store.Config{SnapshotPath: path},
		store.WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)),
		store.WithClock(func() time.Time { return epoch }))

	require.True(t, st.Upsert(entity.Telemetry{ID: 1, Latitude: 13.0227, Longitude: 77.5733, RSSI: -68}))
	require.True(t, st.Upsert(entity.Telemetry{ID: 2, Latitude: 13.0227, Longitude: 77.5733, RSSI: -90}))
	require.True(t, st.Upsert(entity.Telemetry{ID: 3, Latitude: 13.0227, Longitude: 77.5733, RSSI: -75}))
	require.True(t, st.MarkResolved(3, "Op-A"))
	require.NoError(t, st.Snapshot())
	return path
}

func TestBuild(t *testing.T) {
	t.Parallel()

	path := writeSnapshot(t)
	report, err := Build(testSettings(), Options{Snapshot: path, Now: epoch.Add(time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, path, report.Snapshot)
	assert.Equal(t, 3, report.Statistics.Total)
	assert.Equal(t, 1, report.Statistics.ByStatus[entity.StatusResolved])
	require.Len(t, report.Priorities, 3)
	assert.Equal(t, 1, report.Priorities[0].ID)

	require.Len(t, report.Clusters, 1)
	assert.Equal(t, 2, report.Clusters[0].Count)
	require.NotNil(t, report.Analytics.Coverage)
}

func TestBuild_Limit(t *testing.T) {
	t.Parallel()

	report, err := Build(testSettings(), Options{Snapshot: writeSnapshot(t), Limit: 1, Now: epoch})
	require.NoError(t, err)
	assert.Len(t, report.Priorities, 1)
}

func TestBuild_MissingSnapshot(t *testing.T) {
	t.Parallel()

	_, err := Build(testSettings(), Options{Snapshot: filepath.Join(t.TempDir(), "absent.json")})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))

	_, err = Build(testSettings(), Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestBuild_CorruptSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Build(testSettings(), Options{Snapshot: path})
	assert.Error(t, err)
}

func TestWrite_Formats(t *testing.T) {
	t.Parallel()

	report, err := Build(testSettings(), Options{Snapshot: writeSnapshot(t), Now: epoch})
	require.NoError(t, err)

	var jsonOut bytes.Buffer
	require.NoError(t, Write(&jsonOut, report, FormatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(jsonOut.Bytes(), &decoded))
	assert.Contains(t, decoded, "statistics")
	assert.Contains(t, decoded, "analytics")

	var yamlOut bytes.Buffer
	require.NoError(t, Write(&yamlOut, report, "YAML"))
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(yamlOut.Bytes(), &doc))
	stats, ok := doc["statistics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, stats["total"])

	var table bytes.Buffer
	require.NoError(t, Write(&table, report, FormatTable))
	out := table.String()
	assert.Contains(t, out, "SNAPSHOT")
	assert.Contains(t, out, "RESOLVED")
	assert.Contains(t, out, "CRITICAL")
	assert.Contains(t, out, "farthest entity")

	err = Write(io.Discard, report, "xml")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
