package tracker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/notify"
	"github.com/beaconwatch/beaconwatch/internal/priority"
	"github.com/beaconwatch/beaconwatch/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := notify.New(notify.DefaultConfig(), notify.WithLogger(log))
	t.Cleanup(func() { _ = n.Close(time.Second) })
	s := store.New(store.Config{}, store.WithLogger(log), store.WithClock(c.Now), store.WithPublisher(n))
	return New(s, n), c
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	tr, c := newTestTracker(t)

	var mu sync.Mutex
	var events []notify.Event
	unsubscribe, err := tr.Subscribe("recorder", func(_ context.Context, ev notify.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.True(t, tr.Upsert(entity.Telemetry{ID: 1, Latitude: 13.0227, Longitude: 77.5733, RSSI: -68}))
	score, ok := tr.PriorityOf(1, tr.Thresholds())
	require.True(t, ok)
	assert.InDelta(t, 100.0, score.Score, 1e-9)
	assert.Equal(t, priority.LevelCritical, score.Level)

	c.Advance(time.Minute)
	require.True(t, tr.Upsert(entity.Telemetry{ID: 1, Latitude: 13.0227, Longitude: 77.5733, RSSI: -90}))
	r, _ := tr.Get(1)
	assert.Equal(t, 2, r.UpdateCount)
	assert.Equal(t, []int{-68, -90}, r.SignalHistory)

	require.True(t, tr.MarkResolved(1, "Op-A"))
	score, ok = tr.PriorityOf(1, tr.Thresholds())
	require.True(t, ok)
	assert.InDelta(t, 0.0, score.Components.StatusMultiplier, 1e-9)
	assert.InDelta(t, 0.0, score.Score, 1e-9)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, notify.EventCreated, events[0].Type)
	assert.Equal(t, notify.EventUpdated, events[1].Type)
	assert.Equal(t, notify.EventStatusChanged, events[2].Type)
	assert.Equal(t, entity.StatusResolved, events[2].Record.Status)
	assert.Equal(t, uint64(3), tr.LastSeq())
}

func TestPriorityOf_Unknown(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	_, ok := tr.PriorityOf(404, tr.Thresholds())
	assert.False(t, ok)
}

func TestPriorities_RankedByScore(t *testing.T) {
	t.Parallel()

	tr, c := newTestTracker(t)
	require.True(t, tr.Upsert(entity.Telemetry{ID: 1, Latitude: 1, Longitude: 1, RSSI: -90}))
	require.True(t, tr.Upsert(entity.Telemetry{ID: 2, Latitude: 1, Longitude: 1, RSSI: -60}))
	require.True(t, tr.Upsert(entity.Telemetry{ID: 3, Latitude: 1, Longitude: 1, RSSI: -60}))
	require.True(t, tr.MarkInProgress(3, "Op-A"))
	c.Advance(18 * time.Minute)

	scores := tr.Priorities(tr.Thresholds())
	require.Len(t, scores, 3)
	// 88 active strong, 48 active weak, 44 in progress strong
	assert.Equal(t, []int{2, 1, 3}, []int{scores[0].ID, scores[1].ID, scores[2].ID})
	assert.InDelta(t, 48.0, scores[1].Score, 1e-9)
	assert.Equal(t, priority.LevelMedium, scores[1].Level)
	assert.InDelta(t, 44.0, scores[2].Score, 1e-9)
}

func TestClustersOf_DefaultCellSizeAndActiveFilter(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	require.True(t, tr.Upsert(entity.Telemetry{ID: 1, Latitude: 13.0221, Longitude: 77.5731, RSSI: -70}))
	require.True(t, tr.Upsert(entity.Telemetry{ID: 2, Latitude: 13.0225, Longitude: 77.5735, RSSI: -80}))
	require.True(t, tr.Upsert(entity.Telemetry{ID: 3, Latitude: 13.0500, Longitude: 77.6000, RSSI: -90}))
	require.True(t, tr.MarkResolved(3, "Op-A"))

	active := tr.ClustersOf(true, 0)
	require.Len(t, active, 1)
	assert.Equal(t, []int{1, 2}, active[0].MemberIDs)

	all := tr.ClustersOf(false, 0)
	assert.Len(t, all, 2)
}

func TestSubscribe_WithoutNotifier(t *testing.T) {
	t.Parallel()

	tr := New(store.New(store.Config{}, store.WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil))), nil)
	_, err := tr.Subscribe("x", func(context.Context, notify.Event) error { return nil })
	require.Error(t, err)
	assert.Equal(t, uint64(0), tr.LastSeq())
}
