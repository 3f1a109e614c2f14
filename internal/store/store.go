// Package store holds the authoritative entity state.
//
// All mutations happen under a single mutex held only for the map update. Change
// events are published while the lock is held so every subscriber observes commits in
// order; publishing only enqueues and never blocks. Queries return deep copies.
package store

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/notify"
	"github.com/beaconwatch/beaconwatch/internal/observability/metrics"
	"github.com/beaconwatch/beaconwatch/internal/priority"
	"github.com/beaconwatch/beaconwatch/internal/validate"
)

// Publisher receives committed changes. *notify.Notifier implements it.
type Publisher interface {
	Publish(t notify.EventType, r *entity.Record, at time.Time) notify.Event
}

// ResolutionSink is told about every resolution after it is committed
type ResolutionSink interface {
	RecordResolution(r *entity.Record, note string) error
}

// Config controls persistence
type Config struct {
	SnapshotPath     string        // empty disables snapshots
	SnapshotInterval time.Duration // period of Run
}

// DefaultSnapshotInterval is used when Config.SnapshotInterval is not set
const DefaultSnapshotInterval = 30 * time.Second

// Store is the entity map and its commands
type Store struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.StoreMetrics
	pub     Publisher
	sink    ResolutionSink
	now     func() time.Time

	mu      sync.Mutex
	records map[int]*entity.Record

	snapshotMu   sync.Mutex
	lastSnapshot time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.StoreMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithPublisher sets the change publisher
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.pub = p }
}

// WithResolutionSink sets the resolution log
func WithResolutionSink(sink ResolutionSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store
func New(cfg Config, opts ...Option) *Store {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	s := &Store{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[int]*entity.Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("store")
	}
	return s
}

// Upsert applies one telemetry record. It returns false, without mutating anything,
// if the record fails validation.
func (s *Store) Upsert(t entity.Telemetry) bool {
	if err := validate.Telemetry(&t); err != nil {
		s.log.Debug("telemetry rejected", logger.Int("entity_id", t.ID), logger.Error(err))
		s.recordUpsert("rejected")
		return false
	}
	if t.Status != "" {
		t.Status, _ = entity.ParseStatus(string(t.Status))
	}

	s.mu.Lock()
	now := s.now()
	r, exists := s.records[t.ID]
	eventType := notify.EventUpdated
	if exists {
		r.Apply(t, now)
	} else {
		r = entity.NewRecord(t, now)
		s.records[t.ID] = r
		eventType = notify.EventCreated
	}
	s.publishLocked(eventType, r, now)
	s.mu.Unlock()

	if exists {
		s.recordUpsert("updated")
	} else {
		s.recordUpsert("created")
		s.log.Info("new entity detected",
			logger.Int("entity_id", t.ID),
			logger.Float64("lat", t.Latitude),
			logger.Float64("lon", t.Longitude),
			logger.Int("rssi", t.RSSI))
	}
	return true
}

// MarkInProgress moves an ACTIVE entity to IN_PROGRESS
func (s *Store) MarkInProgress(id int, operator string) bool {
	return s.InProgress(id, operator) == nil
}

// MarkResolved moves an ACTIVE or IN_PROGRESS entity to RESOLVED
func (s *Store) MarkResolved(id int, operator string) bool {
	return s.Resolve(id, operator, "") == nil
}

// InProgress is MarkInProgress with a categorized error: validation, not-found or precondition
func (s *Store) InProgress(id int, operator string) error {
	const command = "in_progress"

	if err := validate.OperatorName(operator); err != nil {
		s.recordCommand(command, metrics.ResultRejected)
		return err
	}

	s.mu.Lock()
	r, err := s.lookupLocked(id)
	if err == nil && r.Status != entity.StatusActive {
		err = transitionError(id, r.Status, entity.StatusInProgress)
	}
	if err != nil {
		s.mu.Unlock()
		s.recordCommandErr(command, err)
		return err
	}

	now := s.now()
	r.Status = entity.StatusInProgress
	if now.After(r.LastSeen) {
		r.LastSeen = now
	}
	r.AppendNote(now, operator, "marked in progress")
	s.publishLocked(notify.EventStatusChanged, r, now)
	s.mu.Unlock()

	s.recordCommand(command, metrics.ResultOK)
	s.log.Info("entity in progress", logger.Int("entity_id", id), logger.String("operator", operator))
	return nil
}

// Resolve is MarkResolved with an optional operator note and a categorized error.
// A successful resolution writes a snapshot and notifies the resolution sink.
func (s *Store) Resolve(id int, operator, note string) error {
	const command = "resolve"

	if err := validate.OperatorName(operator); err != nil {
		s.recordCommand(command, metrics.ResultRejected)
		return err
	}
	if note != "" {
		if err := validate.Note(note); err != nil {
			s.recordCommand(command, metrics.ResultRejected)
			return err
		}
	}

	s.mu.Lock()
	r, err := s.lookupLocked(id)
	if err == nil && r.Status != entity.StatusActive && r.Status != entity.StatusInProgress {
		err = transitionError(id, r.Status, entity.StatusResolved)
	}
	if err != nil {
		s.mu.Unlock()
		s.recordCommandErr(command, err)
		return err
	}

	now := s.now()
	by := operator
	resolvedAt := now
	r.Status = entity.StatusResolved
	r.ResolvedAt = &resolvedAt
	r.ResolvedBy = &by
	if now.After(r.LastSeen) {
		r.LastSeen = now
	}
	elapsed := max(now.Sub(r.FirstSeen), 0).Round(time.Second)
	r.AppendNote(now, operator, "resolved after "+elapsed.String())
	if note != "" {
		r.AppendNote(now, operator, note)
	}
	resolved := r.Clone()
	s.publishLocked(notify.EventStatusChanged, r, now)
	s.mu.Unlock()

	s.recordCommand(command, metrics.ResultOK)
	s.log.Info("entity resolved",
		logger.Int("entity_id", id),
		logger.String("operator", operator),
		logger.Duration("elapsed", elapsed))

	if err := s.Snapshot(); err != nil {
		s.log.Error("snapshot after resolution failed", logger.Int("entity_id", id), logger.Error(err))
	}
	if s.sink != nil {
		if err := s.sink.RecordResolution(resolved, note); err != nil {
			s.log.Error("resolution log write failed", logger.Int("entity_id", id), logger.Error(err))
		}
	}
	return nil
}

// AddNote appends an operator note without changing status
func (s *Store) AddNote(id int, operator, text string) error {
	const command = "note"

	if err := validate.OperatorName(operator); err != nil {
		s.recordCommand(command, metrics.ResultRejected)
		return err
	}
	if err := validate.Note(text); err != nil {
		s.recordCommand(command, metrics.ResultRejected)
		return err
	}

	s.mu.Lock()
	r, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		s.recordCommandErr(command, err)
		return err
	}
	now := s.now()
	r.AppendNote(now, operator, text)
	s.publishLocked(notify.EventNoteAdded, r, now)
	s.mu.Unlock()

	s.recordCommand(command, metrics.ResultOK)
	return nil
}

// Get returns a copy of one record
func (s *Store) Get(id int) (*entity.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// All returns copies of every record ordered by id
func (s *Store) All() []*entity.Record {
	return s.collect(func(*entity.Record) bool { return true })
}

// ByStatus returns copies of records with the given status ordered by id
func (s *Store) ByStatus(status entity.Status) []*entity.Record {
	return s.collect(func(r *entity.Record) bool { return r.Status == status })
}

// Len returns the number of tracked entities
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Now returns the store clock
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) collect(keep func(*entity.Record) bool) []*entity.Record {
	s.mu.Lock()
	out := make([]*entity.Record, 0, len(s.records))
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *entity.Record) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Statistics summarizes entity counts
type Statistics struct {
	Total          int                       `json:"total"`
	ByStatus       map[entity.Status]int     `json:"by_status"`
	Percentages    map[entity.Status]float64 `json:"percentages"`
	Active         int                       `json:"active"`
	ResolutionRate float64                   `json:"resolution_rate"` // percent of all entities RESOLVED
}

// Statistics counts entities by status
func (s *Store) Statistics() Statistics {
	st := Statistics{
		ByStatus:    make(map[entity.Status]int, len(entity.Statuses)),
		Percentages: make(map[entity.Status]float64, len(entity.Statuses)),
	}
	for _, status := range entity.Statuses {
		st.ByStatus[status] = 0
	}

	s.mu.Lock()
	st.Total = len(s.records)
	for _, r := range s.records {
		st.ByStatus[r.Status]++
	}
	s.mu.Unlock()

	st.Active = st.ByStatus[entity.StatusActive] + st.ByStatus[entity.StatusInProgress]
	for _, status := range entity.Statuses {
		st.Percentages[status] = percent(st.ByStatus[status], st.Total)
	}
	st.ResolutionRate = st.Percentages[entity.StatusResolved]

	if s.metrics != nil {
		counts := make(map[string]int, len(st.ByStatus))
		for status, n := range st.ByStatus {
			counts[string(status)] = n
		}
		s.metrics.SetEntityCounts(counts)
	}
	return st
}

// SignalDistribution buckets entities by latest signal
type SignalDistribution struct {
	Strong int `json:"strong"` // >= strong threshold
	Medium int `json:"medium"`
	Weak   int `json:"weak"` // <= weak threshold
}

// SignalDistribution counts entities per signal band
func (s *Store) SignalDistribution(th priority.Thresholds) SignalDistribution {
	var d SignalDistribution
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		switch {
		case r.Signal >= th.SignalStrong:
			d.Strong++
		case r.Signal > th.SignalWeak:
			d.Medium++
		default:
			d.Weak++
		}
	}
	return d
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func (s *Store) lookupLocked(id int) (*entity.Record, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, errors.Newf("entity %d not found", id).
			Component("store").
			Category(errors.CategoryNotFound).
			Context("entity_id", id).
			Build()
	}
	return r, nil
}

func transitionError(id int, from, to entity.Status) error {
	return errors.Newf("entity %d cannot move from %s to %s", id, from, to).
		Component("store").
		Category(errors.CategoryPrecondition).
		Context("entity_id", id).
		Context("from", string(from)).
		Context("to", string(to)).
		Build()
}

// publishLocked must be called with s.mu held
func (s *Store) publishLocked(t notify.EventType, r *entity.Record, at time.Time) {
	if s.pub != nil {
		s.pub.Publish(t, r, at)
	}
}

func (s *Store) recordUpsert(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordUpsert(outcome)
	}
}

func (s *Store) recordCommand(command, result string) {
	if s.metrics != nil {
		s.metrics.RecordCommand(command, result)
	}
}

func (s *Store) recordCommandErr(command string, err error) {
	result := metrics.ResultRejected
	if errors.IsNotFound(err) {
		result = metrics.ResultNotFound
	}
	s.recordCommand(command, result)
	s.log.Debug("command refused",
		logger.String("command", command),
		logger.String("category", string(errors.CategoryOf(err))),
		logger.Error(err))
}
