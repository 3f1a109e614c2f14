package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/validate"
)

// Snapshot writes every record to the snapshot path atomically: the document is
// written and synced to a temp file in the same directory, then renamed over the
// canonical file. The store lock is held only while copying. snapshotMu is taken
// before the copy so concurrent snapshots land on disk in the order they were taken.
func (s *Store) Snapshot() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}

	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	s.mu.Lock()
	doc := make(map[string]*entity.Record, len(s.records))
	for id, r := range s.records {
		doc[strconv.Itoa(id)] = r.Clone()
	}
	s.mu.Unlock()

	start := time.Now()
	err := writeSnapshot(s.cfg.SnapshotPath, doc)
	if s.metrics != nil {
		s.metrics.RecordSnapshot(time.Since(start), err)
	}
	if err != nil {
		return errors.New(err).
			Component("store").
			Category(errors.CategoryPersistence).
			Context("operation", "snapshot_write").
			Build()
	}

	s.lastSnapshot = time.Now()
	s.log.Debug("snapshot written",
		logger.String("path", s.cfg.SnapshotPath),
		logger.Int("entities", len(doc)),
		logger.Duration("duration", time.Since(start)))
	return nil
}

// LastSnapshot returns when the last successful snapshot finished
func (s *Store) LastSnapshot() time.Time {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	return s.lastSnapshot
}

func writeSnapshot(path string, doc map[string]*entity.Record) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}
	return nil
}

// Run snapshots every SnapshotInterval until ctx is cancelled, then writes a final snapshot.
// Failures are logged and retried on the next tick.
func (s *Store) Run(ctx context.Context) error {
	if s.cfg.SnapshotPath == "" {
		s.log.Info("snapshots disabled, no snapshot path configured")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	s.log.Info("snapshot loop started",
		logger.String("path", s.cfg.SnapshotPath),
		logger.Duration("interval", s.cfg.SnapshotInterval))

	for {
		select {
		case <-ctx.Done():
			if err := s.Snapshot(); err != nil {
				s.log.Error("final snapshot failed", logger.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := s.Snapshot(); err != nil {
				s.log.Warn("periodic snapshot failed, keeping previous file", logger.Error(err))
			}
		}
	}
}

// Load replaces the store contents with a snapshot file. Entries that fail validation
// are skipped and logged. A missing file loads nothing and is not an error.
func (s *Store) Load(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-configured snapshot path
	if os.IsNotExist(err) {
		s.log.Info("no snapshot to restore", logger.String("path", path))
		return 0, nil
	}
	if err != nil {
		return 0, errors.New(fmt.Errorf("failed to read snapshot: %w", err)).
			Component("store").
			Category(errors.CategoryPersistence).
			Build()
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, errors.New(fmt.Errorf("failed to parse snapshot: %w", err)).
			Component("store").
			Category(errors.CategoryPersistence).
			Build()
	}

	loaded := make(map[int]*entity.Record, len(raw))
	for key, msg := range raw {
		r, err := decodeSnapshotEntry(key, msg)
		if err != nil {
			s.log.Warn("skipping invalid snapshot entry", logger.String("key", key), logger.Error(err))
			continue
		}
		loaded[r.ID] = r
	}

	s.mu.Lock()
	s.records = loaded
	s.mu.Unlock()

	s.log.Info("snapshot restored",
		logger.String("path", path),
		logger.Int("entities", len(loaded)),
		logger.Int("skipped", len(raw)-len(loaded)))
	return len(loaded), nil
}

func decodeSnapshotEntry(key string, msg json.RawMessage) (*entity.Record, error) {
	id, err := strconv.Atoi(key)
	if err != nil {
		return nil, fmt.Errorf("key is not an entity id: %w", err)
	}

	var r entity.Record
	if err := json.Unmarshal(msg, &r); err != nil {
		return nil, err
	}
	if r.ID != id {
		return nil, fmt.Errorf("record id %d does not match key %d", r.ID, id)
	}

	t := entity.Telemetry{ID: r.ID, Latitude: r.Latitude, Longitude: r.Longitude, RSSI: r.Signal, Battery: r.Battery}
	if err := validate.Telemetry(&t); err != nil {
		return nil, err
	}

	status, ok := entity.ParseStatus(string(r.Status))
	if !ok {
		return nil, fmt.Errorf("unknown status %q", r.Status)
	}
	r.Status = status
	if (r.ResolvedAt != nil) != (status == entity.StatusResolved) {
		return nil, fmt.Errorf("resolved_at inconsistent with status %s", status)
	}
	if r.LastSeen.Before(r.FirstSeen) {
		return nil, fmt.Errorf("last_seen precedes first_seen")
	}
	if r.UpdateCount < 1 {
		r.UpdateCount = 1
	}
	if len(r.SignalHistory) > entity.HistoryCapacity {
		r.SignalHistory = slices.Clone(r.SignalHistory[len(r.SignalHistory)-entity.HistoryCapacity:])
	}
	if len(r.SignalHistory) == 0 {
		r.SignalHistory = []int{r.Signal}
	}
	return &r, nil
}
