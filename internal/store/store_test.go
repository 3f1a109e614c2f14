package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/notify"
	"github.com/beaconwatch/beaconwatch/internal/priority"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(t notify.EventType, r *entity.Record, at time.Time) notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := notify.Event{Seq: uint64(len(p.events) + 1), Type: t, Record: r.Clone(), Timestamp: at}
	p.events = append(p.events, ev)
	return ev
}

func (p *recordingPublisher) types() []notify.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	calls []*entity.Record
	notes []string
	err   error
}

func (s *recordingSink) RecordResolution(r *entity.Record, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r)
	s.notes = append(s.notes, note)
	return s.err
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}

func newTestStore(t *testing.T, cfg Config, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithLogger(quietLogger()), WithClock(clock.Now)}, opts...)
	return New(cfg, opts...), clock
}

func tel(id int, rssi int) entity.Telemetry {
	return entity.Telemetry{ID: id, Latitude: 13.0227, Longitude: 77.5733, RSSI: rssi}
}

func TestUpsert_CreatesThenMerges(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t, Config{})
	created := clock.Now()

	for i := range 5 {
		require.True(t, s.Upsert(tel(42, -60-i)))
		clock.Advance(time.Minute)
	}

	assert.Equal(t, 1, s.Len())
	r, ok := s.Get(42)
	require.True(t, ok)
	assert.Equal(t, 5, r.UpdateCount)
	assert.Equal(t, -64, r.Signal)
	assert.Equal(t, []int{-60, -61, -62, -63, -64}, r.SignalHistory)
	assert.Equal(t, entity.StatusActive, r.Status)
	assert.Equal(t, created, r.FirstSeen)
	assert.Equal(t, created.Add(4*time.Minute), r.LastSeen)
}

func TestUpsert_HistoryBound(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	for i := range 30 {
		require.True(t, s.Upsert(tel(1, -120+i)))
	}

	r, _ := s.Get(1)
	require.Len(t, r.SignalHistory, entity.HistoryCapacity)
	assert.Equal(t, -110, r.SignalHistory[0])
	assert.Equal(t, -91, r.SignalHistory[entity.HistoryCapacity-1])
	assert.Equal(t, 30, r.UpdateCount)
}

func TestUpsert_RejectsInvalidWithoutMutation(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	require.True(t, s.Upsert(tel(1, -70)))

	bad := tel(1, 0)
	assert.False(t, s.Upsert(bad))
	bad = tel(1, -70)
	bad.Latitude, bad.Longitude = 0, 0
	assert.False(t, s.Upsert(bad))
	assert.False(t, s.Upsert(tel(10000, -70)))

	r, _ := s.Get(1)
	assert.Equal(t, 1, r.UpdateCount)
	assert.Equal(t, 1, s.Len())
}

func TestUpsert_ReportedStatusNeverChangesStatus(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	in := tel(3, -70)
	in.Status = "resolved"
	require.True(t, s.Upsert(in))

	r, _ := s.Get(3)
	assert.Equal(t, entity.StatusActive, r.Status)
	assert.Equal(t, entity.StatusResolved, r.ReportedStatus)
}

func TestTransitions_Monotonic(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	require.True(t, s.Upsert(tel(1, -70)))

	assert.True(t, s.MarkInProgress(1, "Op-A"))
	assert.False(t, s.MarkInProgress(1, "Op-A"), "IN_PROGRESS -> IN_PROGRESS")
	assert.True(t, s.MarkResolved(1, "Op-A"))

	before, _ := s.Get(1)
	assert.False(t, s.MarkInProgress(1, "Op-B"), "RESOLVED -> IN_PROGRESS")
	assert.False(t, s.MarkResolved(1, "Op-B"), "RESOLVED -> RESOLVED")
	after, _ := s.Get(1)
	assert.Equal(t, before, after)

	assert.False(t, s.MarkInProgress(99, "Op-A"))
	assert.False(t, s.MarkResolved(99, "Op-A"))
}

func TestTransitions_ErrorCategories(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	require.True(t, s.Upsert(tel(1, -70)))
	require.NoError(t, s.Resolve(1, "Op-A", ""))

	err := s.InProgress(1, "Op-A")
	assert.True(t, errors.IsPrecondition(err))

	err = s.Resolve(2, "Op-A", "")
	assert.True(t, errors.IsNotFound(err))

	err = s.Resolve(1, "x", "")
	assert.True(t, errors.IsValidation(err))
}

func TestResolve_SetsFieldsAndNotifiesSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "entities.json")
	sink := &recordingSink{}
	s, clock := newTestStore(t, Config{SnapshotPath: path}, WithResolutionSink(sink))

	require.True(t, s.Upsert(tel(7, -75)))
	clock.Advance(12*time.Minute + 30*time.Second)
	require.True(t, s.MarkInProgress(7, "Op-A"))
	clock.Advance(time.Minute)
	require.NoError(t, s.Resolve(7, "Op-A", "found near east wall"))

	r, _ := s.Get(7)
	assert.Equal(t, entity.StatusResolved, r.Status)
	require.NotNil(t, r.ResolvedAt)
	require.NotNil(t, r.ResolvedBy)
	assert.Equal(t, clock.Now(), *r.ResolvedAt)
	assert.Equal(t, "Op-A", *r.ResolvedBy)
	assert.Contains(t, r.Notes, "Op-A: marked in progress")
	assert.Contains(t, r.Notes, "Op-A: resolved after 13m30s")
	assert.Contains(t, r.Notes, "Op-A: found near east wall")

	require.Len(t, sink.calls, 1)
	assert.Equal(t, 7, sink.calls[0].ID)
	assert.Equal(t, "found near east wall", sink.notes[0])

	// resolution triggers an immediate snapshot
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]entity.Record
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, entity.StatusResolved, doc["7"].Status)
}

func TestResolve_SinkFailureDoesNotFailCommand(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: fmt.Errorf("database locked")}
	s, _ := newTestStore(t, Config{}, WithResolutionSink(sink))
	require.True(t, s.Upsert(tel(1, -70)))
	assert.True(t, s.MarkResolved(1, "Op-A"))
}

func TestAddNote(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	require.True(t, s.Upsert(tel(1, -70)))

	require.NoError(t, s.AddNote(1, "Op-A", "responder on site"))
	assert.True(t, errors.IsValidation(s.AddNote(1, "Op-A", strings.Repeat("x", 501))))
	assert.True(t, errors.IsNotFound(s.AddNote(2, "Op-A", "hello")))

	r, _ := s.Get(1)
	assert.Equal(t, entity.StatusActive, r.Status)
	assert.Equal(t, "[2026-03-01 12:00:00] Op-A: responder on site", r.Notes)
}

func TestPublisher_ReceivesCommitsInOrder(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	s, _ := newTestStore(t, Config{}, WithPublisher(pub))

	require.True(t, s.Upsert(tel(1, -70)))
	require.True(t, s.Upsert(tel(1, -71)))
	assert.False(t, s.Upsert(tel(1, 0)))
	require.True(t, s.MarkInProgress(1, "Op-A"))
	require.NoError(t, s.AddNote(1, "Op-A", "en route"))
	require.True(t, s.MarkResolved(1, "Op-A"))

	assert.Equal(t, []notify.EventType{
		notify.EventCreated,
		notify.EventUpdated,
		notify.EventStatusChanged,
		notify.EventNoteAdded,
		notify.EventStatusChanged,
	}, pub.types())
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	for id := 1; id <= 4; id++ {
		require.True(t, s.Upsert(tel(id, -70)))
	}
	require.True(t, s.MarkInProgress(2, "Op-A"))
	require.True(t, s.MarkResolved(3, "Op-A"))

	st := s.Statistics()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.ByStatus[entity.StatusActive])
	assert.Equal(t, 1, st.ByStatus[entity.StatusInProgress])
	assert.Equal(t, 1, st.ByStatus[entity.StatusResolved])
	assert.Equal(t, 3, st.Active)
	assert.InDelta(t, 25.0, st.ResolutionRate, 1e-9)
	assert.InDelta(t, 50.0, st.Percentages[entity.StatusActive], 1e-9)

	empty, _ := newTestStore(t, Config{})
	assert.InDelta(t, 0.0, empty.Statistics().ResolutionRate, 1e-9)
}

func TestQueries_ReturnCopiesOrderedByID(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	for _, id := range []int{9, 3, 5} {
		require.True(t, s.Upsert(tel(id, -70)))
	}
	require.True(t, s.MarkInProgress(5, "Op-A"))

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, []int{3, 5, 9}, []int{all[0].ID, all[1].ID, all[2].ID})

	all[0].Signal = -140
	r, _ := s.Get(3)
	assert.Equal(t, -70, r.Signal)

	inProgress := s.ByStatus(entity.StatusInProgress)
	require.Len(t, inProgress, 1)
	assert.Equal(t, 5, inProgress[0].ID)

	_, ok := s.Get(404)
	assert.False(t, ok)
}

func TestSignalDistribution(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Config{})
	for id, rssi := range map[int]int{1: -60, 2: -70, 3: -80, 4: -85, 5: -100} {
		require.True(t, s.Upsert(tel(id, rssi)))
	}

	d := s.SignalDistribution(priority.DefaultThresholds())
	assert.Equal(t, SignalDistribution{Strong: 2, Medium: 1, Weak: 2}, d)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "entities.json")
	s, _ := newTestStore(t, Config{SnapshotPath: path})
	battery := 55
	in := tel(1, -70)
	in.Battery = &battery
	require.True(t, s.Upsert(in))
	require.True(t, s.Upsert(tel(2, -90)))
	require.True(t, s.MarkResolved(2, "Op-A"))
	require.NoError(t, s.Snapshot())
	assert.False(t, s.LastSnapshot().IsZero())

	restored, _ := newTestStore(t, Config{})
	n, err := restored.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := s.All()
	got := restored.All()
	require.Len(t, got, 2)
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Status, got[i].Status)
		assert.Equal(t, want[i].SignalHistory, got[i].SignalHistory)
		assert.Equal(t, want[i].Notes, got[i].Notes)
		assert.True(t, want[i].FirstSeen.Equal(got[i].FirstSeen))
	}
	require.NotNil(t, got[0].Battery)
	assert.Equal(t, 55, *got[0].Battery)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must not be left behind")
}

func TestSnapshot_StaleTempFileLeavesCanonicalIntact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "entities.json")
	s, _ := newTestStore(t, Config{SnapshotPath: path})
	require.True(t, s.Upsert(tel(1, -70)))
	require.NoError(t, s.Snapshot())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// a crash between temp write and rename leaves a partial temp file behind
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities.json.tmp-crash"), []byte(`{"1": {"id":`), 0o600))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	restored, _ := newTestStore(t, Config{})
	n, err := restored.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSnapshot_WriteFailureKeepsPreviousFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s, _ := newTestStore(t, Config{SnapshotPath: filepath.Join(blocker, "entities.json")})
	require.True(t, s.Upsert(tel(1, -70)))

	err := s.Snapshot()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))
	assert.True(t, s.MarkResolved(1, "Op-A"), "snapshot failure must not fail the command")
}

func TestLoad_SkipsInvalidEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "entities.json")
	doc := `{
	  "1": {"id": 1, "lat": 13.02, "lon": 77.57, "signal": -70, "signal_history": [-70], "status": "ACTIVE",
	        "first_seen": "2026-03-01T12:00:00Z", "last_seen": "2026-03-01T12:05:00Z", "update_count": 2},
	  "2": {"id": 3, "lat": 13.02, "lon": 77.57, "signal": -70, "status": "ACTIVE",
	        "first_seen": "2026-03-01T12:00:00Z", "last_seen": "2026-03-01T12:00:00Z", "update_count": 1},
	  "4": {"id": 4, "lat": 0, "lon": 0, "signal": -70, "status": "ACTIVE",
	        "first_seen": "2026-03-01T12:00:00Z", "last_seen": "2026-03-01T12:00:00Z", "update_count": 1},
	  "5": {"id": 5, "lat": 13.02, "lon": 77.57, "signal": -70, "status": "RESOLVED",
	        "first_seen": "2026-03-01T12:00:00Z", "last_seen": "2026-03-01T12:00:00Z", "update_count": 1},
	  "abc": {"id": 6}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, _ := newTestStore(t, Config{})
	n, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := s.Get(1)
	assert.True(t, ok)
}

func TestLoad_MissingAndCorruptFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, _ := newTestStore(t, Config{})

	n, err := s.Load(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	_, err = s.Load(corrupt)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))
}

func TestRun_WritesFinalSnapshotOnCancel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "entities.json")
	s, _ := newTestStore(t, Config{SnapshotPath: path, SnapshotInterval: time.Hour})
	require.True(t, s.Upsert(tel(1, -70)))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	require.NoError(t, <-done)

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestConcurrentUpsertsAndSnapshots(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "entities.json")
	s, _ := newTestStore(t, Config{SnapshotPath: path})

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Go(func() {
			for i := range 100 {
				s.Upsert(tel(w*100+i%10+1, -70))
			}
		})
	}
	wg.Go(func() {
		for range 10 {
			_ = s.Snapshot()
		}
	})
	wg.Wait()

	assert.Equal(t, 40, s.Len())
	for _, r := range s.All() {
		assert.Equal(t, 10, r.UpdateCount)
	}
}

// Every writer snapshots after its own upsert, so whichever snapshot reaches the
// file last must hold every record.
func TestConcurrentSnapshots_LastWriteHoldsLatestState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "entities.json")
	s, _ := newTestStore(t, Config{SnapshotPath: path})

	var wg sync.WaitGroup
	for w := range 16 {
		wg.Go(func() {
			s.Upsert(tel(w+1, -70))
			assert.NoError(t, s.Snapshot())
		})
	}
	wg.Wait()

	restored, _ := newTestStore(t, Config{})
	n, err := restored.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestEndToEndScenario(t *testing.T) {
	t.Parallel()

	s, clock := newTestStore(t, Config{})
	th := priority.DefaultThresholds()

	require.True(t, s.Upsert(entity.Telemetry{ID: 1, Latitude: 13.0227, Longitude: 77.5733, RSSI: -68}))
	r, _ := s.Get(1)
	assert.Equal(t, entity.StatusActive, r.Status)
	score := priority.Compute(r, th, clock.Now())
	assert.InDelta(t, 100.0, score.Score, 1e-9)
	assert.Equal(t, priority.LevelCritical, score.Level)

	clock.Advance(time.Minute)
	require.True(t, s.Upsert(entity.Telemetry{ID: 1, Latitude: 13.0227, Longitude: 77.5733, RSSI: -90}))
	r, _ = s.Get(1)
	assert.Equal(t, 2, r.UpdateCount)
	assert.Equal(t, []int{-68, -90}, r.SignalHistory)
	score = priority.Compute(r, th, clock.Now())
	assert.InDelta(t, 0.0, score.Components.Signal, 1e-9)

	require.True(t, s.MarkResolved(1, "Op-A"))
	r, _ = s.Get(1)
	assert.Equal(t, entity.StatusResolved, r.Status)
	assert.Equal(t, "Op-A", *r.ResolvedBy)
	score = priority.Compute(r, th, clock.Now())
	assert.InDelta(t, 0.0, score.Components.StatusMultiplier, 1e-9)
}
