package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// traceLevelValue sits below slog.LevelDebug (-4)
	traceLevelValue = slog.Level(-8)

	floatPrecisionRatio = 1000.0
)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// SetGlobal sets the process-wide CentralLogger. Call once after loading configuration.
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the process-wide CentralLogger, creating a console logger at info level if none was set.
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()

	if globalLogger == nil {
		globalLogger = &CentralLogger{
			config:       &Config{Level: DefaultLogLevel},
			timezone:     time.Local,
			moduleLevels: map[string]slog.Level{},
			handler:      newConsoleHandler(os.Stdout, false, slog.LevelInfo, time.Local),
			level:        slog.LevelInfo,
		}
	}
	return globalLogger
}

type loggerContextKey struct{ name string }

// TraceIDKey is the context key read by WithContext
var TraceIDKey = loggerContextKey{"trace_id"}

// WithTraceID returns a context carrying a trace id for WithContext
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// CentralLogger owns the output handlers and hands out module-scoped loggers
type CentralLogger struct {
	config       *Config
	timezone     *time.Location
	handler      slog.Handler
	level        slog.Level
	moduleLevels map[string]slog.Level
	file         *os.File
	mu           sync.RWMutex
}

// NewCentralLogger creates a logger writing text (or JSON) to stdout and, optionally, JSON to a file
func NewCentralLogger(cfg *Config) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	level := parseLogLevel(cfg.Level)
	cl := &CentralLogger{
		config:       cfg,
		timezone:     tz,
		level:        level,
		moduleLevels: make(map[string]slog.Level, len(cfg.ModuleLevels)),
	}
	for module, lvl := range cfg.ModuleLevels {
		cl.moduleLevels[module] = parseLogLevel(lvl)
	}

	// Handlers accept everything down to trace; each moduleLogger filters by its own level.
	handlers := []slog.Handler{newConsoleHandler(os.Stdout, cfg.JSON, traceLevelValue, tz)}

	if cfg.FilePath != "" {
		if err := ensureFileDirectory(cfg.FilePath); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.FilePath, err)
		}
		cl.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level:       traceLevelValue,
			ReplaceAttr: timezoneReplacer(tz),
		}))
	}

	if len(handlers) == 1 {
		cl.handler = handlers[0]
	} else {
		cl.handler = &fanoutHandler{handlers: handlers}
	}
	return cl, nil
}

// Module returns a logger scoped to the named module
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	return &moduleLogger{
		module: name,
		logger: slog.New(cl.handler),
		level:  cl.moduleLevelLocked(name),
	}
}

// moduleLevelLocked resolves the level for a module by its top-level segment.
func (cl *CentralLogger) moduleLevelLocked(module string) slog.Level {
	if lvl, ok := cl.moduleLevels[module]; ok {
		return lvl
	}
	if top, _, found := strings.Cut(module, "."); found {
		if lvl, ok := cl.moduleLevels[top]; ok {
			return lvl
		}
	}
	return cl.level
}

// Flush syncs the log file, if any
func (cl *CentralLogger) Flush() error {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if cl.file == nil {
		return nil
	}
	return cl.file.Sync()
}

// Close flushes and closes the log file, if any
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := errors.Join(cl.file.Sync(), cl.file.Close())
	cl.file = nil
	return err
}

// NewSlogLogger returns a Logger writing text to w, mainly for tests
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if tz == nil {
		tz = time.UTC
	}
	return &moduleLogger{
		logger: slog.New(newConsoleHandler(w, false, traceLevelValue, tz)),
		level:  parseSlogLevel(level),
	}
}

func loadTimezone(name string) (*time.Location, error) {
	switch name {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", name, err)
	}
	return tz, nil
}

func newConsoleHandler(w io.Writer, asJSON bool, level slog.Level, tz *time.Location) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: timezoneReplacer(tz)}
	if asJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// timezoneReplacer renders the record time in tz and names the custom trace level.
func timezoneReplacer(tz *time.Location) func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.TimeKey:
			if t, ok := a.Value.Any().(time.Time); ok {
				return slog.Time(slog.TimeKey, t.In(tz))
			}
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= traceLevelValue {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

func ensureFileDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "." || dir == filePath {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	return parseSlogLevel(LogLevel(strings.ToLower(strings.TrimSpace(level))))
}

// ParseLevel normalizes a level name. Empty selects DefaultLogLevel; unknown names report false.
func ParseLevel(level string) (LogLevel, bool) {
	l := LogLevel(strings.ToLower(strings.TrimSpace(level)))
	switch l {
	case "":
		return DefaultLogLevel, true
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return l, true
	default:
		return l, false
	}
}

func parseSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelTrace:
		return traceLevelValue
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanoutHandler writes each record to every wrapped handler
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

//nolint:gocritic // slog.Handler requires the record by value
func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

// moduleLogger implements Logger for one module
type moduleLogger struct {
	module string
	logger *slog.Logger
	level  slog.Level
	fields []Field
}

func (m *moduleLogger) Module(name string) Logger {
	if m == nil {
		return nil
	}
	module := name
	if m.module != "" {
		module = m.module + "." + name
	}
	return &moduleLogger{
		module: module,
		logger: m.logger,
		level:  m.level,
		fields: slices.Clone(m.fields),
	}
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.logAt(traceLevelValue, msg, fields) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.logAt(slog.LevelDebug, msg, fields) }
func (m *moduleLogger) Info(msg string, fields ...Field)  { m.logAt(slog.LevelInfo, msg, fields) }
func (m *moduleLogger) Warn(msg string, fields ...Field)  { m.logAt(slog.LevelWarn, msg, fields) }
func (m *moduleLogger) Error(msg string, fields ...Field) { m.logAt(slog.LevelError, msg, fields) }

func (m *moduleLogger) Log(level LogLevel, msg string, fields ...Field) {
	m.logAt(parseSlogLevel(level), msg, fields)
}

func (m *moduleLogger) With(fields ...Field) Logger {
	if m == nil {
		return nil
	}
	return &moduleLogger{
		module: m.module,
		logger: m.logger,
		level:  m.level,
		fields: slices.Concat(m.fields, fields),
	}
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if m == nil || ctx == nil {
		return m
	}
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok || traceID == "" {
		return m
	}
	return m.With(String(traceIDKey, traceID))
}

func (m *moduleLogger) Flush() error {
	return nil
}

func (m *moduleLogger) logAt(level slog.Level, msg string, fields []Field) {
	if m == nil || level < m.level {
		return
	}

	attrs := make([]slog.Attr, 0, len(m.fields)+len(fields)+1)
	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for i := range m.fields {
		attrs = append(attrs, fieldToAttr(m.fields[i]))
	}
	for i := range fields {
		attrs = append(attrs, fieldToAttr(fields[i]))
	}
	m.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func roundFloat(val float64) float64 {
	return math.Round(val*floatPrecisionRatio) / floatPrecisionRatio
}

func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float64:
		return slog.Float64(f.Key, roundFloat(v))
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		return slog.String(f.Key, v.Round(time.Millisecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
