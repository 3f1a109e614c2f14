package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/observability/metrics"
)

// DefaultSlowQueryThreshold marks queries worth a warning
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// GormLogger routes GORM logging into the module logger and records query metrics
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
	log           logger.Logger
	metrics       *metrics.DatastoreMetrics
}

// NewGormLogger creates a GORM logger
func NewGormLogger(log logger.Logger, slowThreshold time.Duration, level gormlogger.LogLevel, m *metrics.DatastoreMetrics) *GormLogger {
	return &GormLogger{
		SlowThreshold: slowThreshold,
		LogLevel:      level,
		log:           log,
		metrics:       m,
	}
}

// LogMode implements gormlogger.Interface
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info implements gormlogger.Interface
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Info {
		l.log.WithContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

// Warn implements gormlogger.Interface
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Warn {
		l.log.WithContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

// Error implements gormlogger.Interface
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Error {
		l.log.WithContext(ctx).Error("GORM error", logger.String("msg", fmt.Sprintf(msg, data...)))
	}
}

// Trace implements gormlogger.Interface
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	operation := sqlOperation(sql)

	if l.metrics != nil {
		l.metrics.RecordOperation(operation, elapsed, err)
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		enhancedErr := errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", operation).
			Context("duration_ms", elapsed.Milliseconds()).
			Build()
		l.log.WithContext(ctx).Error("database query failed",
			logger.Error(enhancedErr),
			logger.String("sql", sql),
			logger.Duration("duration", elapsed),
			logger.Int64("rows_affected", rows))

	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold:
		l.log.WithContext(ctx).Warn("slow query detected",
			logger.String("sql", sql),
			logger.Duration("duration", elapsed),
			logger.Duration("threshold", l.SlowThreshold))

	case l.LogLevel >= gormlogger.Info:
		l.log.WithContext(ctx).Debug("query executed",
			logger.String("sql", sql),
			logger.Duration("duration", elapsed),
			logger.Int64("rows_affected", rows))
	}
}

// sqlOperation returns the lower-cased leading keyword of a statement
func sqlOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
