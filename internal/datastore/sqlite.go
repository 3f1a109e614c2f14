// Package datastore keeps the resolution audit log in SQLite through GORM.
package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/observability/metrics"
)

// SQLiteStore is the resolution log. It implements store.ResolutionSink.
type SQLiteStore struct {
	DB      *gorm.DB
	path    string
	log     logger.Logger
	metrics *metrics.DatastoreMetrics
}

// Option configures a SQLiteStore
type Option func(*SQLiteStore)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *SQLiteStore) { s.log = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.DatastoreMetrics) Option {
	return func(s *SQLiteStore) { s.metrics = m }
}

// Open opens or creates the database at path and migrates the schema
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{path: path}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("datastore")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, dbError(err, "create_directory").Context("path", path).Build()
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: NewGormLogger(s.log, DefaultSlowQueryThreshold, gormlogger.Warn, s.metrics),
	})
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to open SQLite database: %w", err), "open").Context("path", path).Build()
	}
	s.DB = db

	if err := db.AutoMigrate(&Resolution{}); err != nil {
		_ = s.Close()
		return nil, dbError(fmt.Errorf("failed to auto-migrate SQLite database: %w", err), "migrate").Build()
	}

	s.log.Info("resolution log opened", logger.String("path", path))
	return s, nil
}

// RecordResolution appends a row for a resolved record
func (s *SQLiteStore) RecordResolution(r *entity.Record, note string) error {
	if s.DB == nil {
		return dbError(fmt.Errorf("database connection is not initialized"), "insert").Build()
	}
	if r == nil || r.ResolvedAt == nil || r.ResolvedBy == nil {
		return errors.Newf("record is not resolved").
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	row := Resolution{
		EntityID:       r.ID,
		Operator:       *r.ResolvedBy,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		FinalSignal:    r.Signal,
		UpdateCount:    r.UpdateCount,
		FirstSeen:      r.FirstSeen,
		LastSeen:       r.LastSeen,
		ResolvedAt:     *r.ResolvedAt,
		ElapsedSeconds: int64(max(r.ResolvedAt.Sub(r.FirstSeen), 0) / time.Second),
		Note:           note,
		Notes:          r.Notes,
	}

	if err := s.DB.Create(&row).Error; err != nil {
		return dbError(err, "insert").Context("entity_id", r.ID).Build()
	}
	s.log.Debug("resolution logged", logger.Int("entity_id", r.ID), logger.Uint64("row_id", uint64(row.ID)))
	return nil
}

// Resolutions returns the most recent rows first. A non-positive limit returns all rows.
func (s *SQLiteStore) Resolutions(limit int) ([]Resolution, error) {
	var rows []Resolution
	q := s.DB.Order("resolved_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, dbError(err, "select").Build()
	}
	return rows, nil
}

// ResolutionsFor returns the rows for one entity, oldest first
func (s *SQLiteStore) ResolutionsFor(entityID int) ([]Resolution, error) {
	var rows []Resolution
	if err := s.DB.Where("entity_id = ?", entityID).Order("resolved_at ASC").Find(&rows).Error; err != nil {
		return nil, dbError(err, "select").Context("entity_id", entityID).Build()
	}
	return rows, nil
}

// Count returns the number of rows
func (s *SQLiteStore) Count() (int64, error) {
	var n int64
	if err := s.DB.Model(&Resolution{}).Count(&n).Error; err != nil {
		return 0, dbError(err, "count").Build()
	}
	return n, nil
}

// Close releases the database connection
func (s *SQLiteStore) Close() error {
	if s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return dbError(err, "close").Build()
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close").Build()
	}
	return nil
}

func dbError(err error, op string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", op)
}
