// Package ingest reads line-delimited JSON telemetry from a serial or TCP link and hands
// validated records to a callback. A dedicated goroutine owns the link; mid-stream
// failures are retried with a fixed backoff until Stop is called.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/observability/metrics"
	"github.com/beaconwatch/beaconwatch/internal/validate"
)

// Defaults for Config
const (
	DefaultReadTimeout    = time.Second
	DefaultReconnectDelay = 2 * time.Second
	StopTimeout           = 2 * time.Second
)

// Config tunes the reader
type Config struct {
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	MaxLineLength  int
}

// Stats is a point-in-time view of reader activity
type Stats struct {
	Endpoint         string    `json:"endpoint"`
	Speed            int       `json:"speed"`
	Running          bool      `json:"running"`
	Connected        bool      `json:"connected"`
	LinesRead        uint64    `json:"lines_read"`
	RecordsAccepted  uint64    `json:"records_accepted"`
	DecodeErrors     uint64    `json:"decode_errors"`
	ValidationErrors uint64    `json:"validation_errors"`
	TransportErrors  uint64    `json:"transport_errors"`
	OversizedLines   uint64    `json:"oversized_lines"`
	Reconnects       uint64    `json:"reconnects"`
	LastRecordTime   time.Time `json:"last_record_time"`
}

// Reader owns one telemetry link
type Reader struct {
	cfg     Config
	open    Opener
	log     logger.Logger
	metrics *metrics.IngestMetrics
	warn    *rate.Limiter

	mu       sync.Mutex
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	endpoint string
	speed    int

	connected        atomic.Bool
	linesRead        atomic.Uint64
	recordsAccepted  atomic.Uint64
	decodeErrors     atomic.Uint64
	validationErrors atomic.Uint64
	transportErrors  atomic.Uint64
	oversizedLines   atomic.Uint64
	reconnects       atomic.Uint64
	lastRecord       atomic.Int64
}

// Option configures a Reader
type Option func(*Reader)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(r *Reader) { r.log = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.IngestMetrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// WithOpener replaces Open, for tests and alternative links
func WithOpener(o Opener) Option {
	return func(r *Reader) { r.open = o }
}

// New creates a stopped Reader
func New(cfg Config, opts ...Option) *Reader {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	r := &Reader{
		cfg:  cfg,
		open: Open,
		warn: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Module("ingest.reader")
	}
	return r
}

// Start opens the link and spawns the read loop. It returns false if the reader is
// already running or the link cannot be opened; a failed open is not retried.
// onRecord and onError are called from the read loop goroutine.
func (r *Reader) Start(endpoint string, speed int, onRecord func(entity.Telemetry), onError func(error)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		r.log.Warn("reader already running", logger.String("endpoint", r.endpoint))
		return false
	}

	conn, err := r.open(endpoint, speed, r.cfg.ReadTimeout)
	if err != nil {
		r.transportErrors.Add(1)
		if r.metrics != nil {
			r.metrics.TransportErrors.Inc()
		}
		r.log.Error("failed to open telemetry link",
			logger.String("endpoint", endpoint),
			logger.Int("speed", speed),
			logger.Error(err))
		return false
	}

	if onRecord == nil {
		onRecord = func(entity.Telemetry) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.conn = conn
	r.cancel = cancel
	r.done = make(chan struct{})
	r.endpoint = endpoint
	r.speed = speed
	r.setConnected(true)

	go r.loop(ctx, conn, r.done, onRecord, onError)

	r.log.Info("telemetry link opened",
		logger.String("endpoint", endpoint),
		logger.Int("speed", speed),
		logger.Duration("read_timeout", r.cfg.ReadTimeout))
	return true
}

// Stop ends the read loop, waiting up to StopTimeout, then closes the link. Safe to call
// more than once.
func (r *Reader) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if done == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(StopTimeout):
		r.log.Warn("read loop did not exit in time, closing link", logger.Duration("timeout", StopTimeout))
	}

	r.closeConn()
	r.setConnected(false)
	r.log.Info("telemetry reader stopped")
}

// Connected reports whether the link is currently open
func (r *Reader) Connected() bool {
	return r.connected.Load()
}

// Stats returns counters since construction
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	st := Stats{Endpoint: r.endpoint, Speed: r.speed, Running: r.done != nil}
	r.mu.Unlock()

	st.Connected = r.connected.Load()
	st.LinesRead = r.linesRead.Load()
	st.RecordsAccepted = r.recordsAccepted.Load()
	st.DecodeErrors = r.decodeErrors.Load()
	st.ValidationErrors = r.validationErrors.Load()
	st.TransportErrors = r.transportErrors.Load()
	st.OversizedLines = r.oversizedLines.Load()
	st.Reconnects = r.reconnects.Load()
	if ns := r.lastRecord.Load(); ns != 0 {
		st.LastRecordTime = time.Unix(0, ns)
	}
	return st
}

func (r *Reader) loop(ctx context.Context, conn Conn, done chan struct{}, onRecord func(entity.Telemetry), onError func(error)) {
	defer close(done)

	asm := newLineAssembler(r.cfg.MaxLineLength)
	buf := make([]byte, 512)
	emit := func(line []byte) { r.handleLine(line, onRecord, onError) }

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if dropped := asm.Feed(buf[:n], emit); dropped > 0 {
				r.oversizedLines.Add(uint64(dropped))
				r.warnf("dropping oversized line", logger.Int("max_bytes", r.cfg.MaxLineLength))
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		r.transportErrors.Add(1)
		if r.metrics != nil {
			r.metrics.TransportErrors.Inc()
		}
		r.setConnected(false)
		r.log.Warn("telemetry link failed, reconnecting",
			logger.Error(transportError(err, "read", r.endpointName())),
			logger.Duration("backoff", r.cfg.ReconnectDelay))

		r.closeConn()
		if conn = r.reconnect(ctx); conn == nil {
			return
		}
		asm.Reset()
	}
}

// reconnect retries the open with a fixed delay until it succeeds or ctx is done
func (r *Reader) reconnect(ctx context.Context) Conn {
	r.mu.Lock()
	endpoint, speed := r.endpoint, r.speed
	r.mu.Unlock()

	timer := time.NewTimer(r.cfg.ReconnectDelay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		conn, err := r.open(endpoint, speed, r.cfg.ReadTimeout)
		if err != nil {
			r.transportErrors.Add(1)
			if r.metrics != nil {
				r.metrics.TransportErrors.Inc()
			}
			r.warnf("reconnect attempt failed", logger.Int("attempt", attempt), logger.Error(err))
			timer.Reset(r.cfg.ReconnectDelay)
			continue
		}

		r.mu.Lock()
		if ctx.Err() != nil {
			r.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		r.conn = conn
		r.mu.Unlock()

		r.reconnects.Add(1)
		if r.metrics != nil {
			r.metrics.Reconnects.Inc()
		}
		r.setConnected(true)
		r.log.Info("telemetry link reopened", logger.String("endpoint", endpoint), logger.Int("attempt", attempt))
		return conn
	}
}

func (r *Reader) handleLine(line []byte, onRecord func(entity.Telemetry), onError func(error)) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	r.linesRead.Add(1)
	if r.metrics != nil {
		r.metrics.LinesRead.Inc()
	}

	t, err := Decode(line)
	if err == nil {
		err = validate.Telemetry(&t)
	}
	if err != nil {
		if errors.IsValidation(err) {
			r.validationErrors.Add(1)
			if r.metrics != nil {
				r.metrics.ValidationErrors.Inc()
			}
		} else {
			r.decodeErrors.Add(1)
			if r.metrics != nil {
				r.metrics.DecodeErrors.Inc()
			}
		}
		r.warnf("telemetry line rejected", logger.Error(err))
		r.safeCall(func() { onError(err) })
		return
	}

	r.recordsAccepted.Add(1)
	r.lastRecord.Store(time.Now().UnixNano())
	if r.metrics != nil {
		r.metrics.RecordAccepted()
	}
	r.safeCall(func() { onRecord(t) })
}

// safeCall keeps a panicking callback from ending the read loop
func (r *Reader) safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("telemetry callback panicked", logger.String("panic", fmt.Sprint(p)))
		}
	}()
	fn()
}

// warnf logs at warn level within the rate limit and at debug level beyond it
func (r *Reader) warnf(msg string, fields ...logger.Field) {
	if r.warn.Allow() {
		r.log.Warn(msg, fields...)
		return
	}
	r.log.Debug(msg, fields...)
}

func (r *Reader) closeConn() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			r.log.Debug("closing telemetry link", logger.Error(err))
		}
	}
}

func (r *Reader) endpointName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

func (r *Reader) setConnected(v bool) {
	r.connected.Store(v)
	if r.metrics != nil {
		r.metrics.SetConnected(v)
	}
}
