// Package tracker is the command and query surface used by every consumer: the HTTP API,
// the MQTT bridge and the inspect command. It joins the entity store with the change
// notifier and the derived priority and cluster views.
package tracker

import (
	"cmp"
	"slices"
	"time"

	"github.com/beaconwatch/beaconwatch/internal/cluster"
	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/notify"
	"github.com/beaconwatch/beaconwatch/internal/priority"
	"github.com/beaconwatch/beaconwatch/internal/store"
)

// Tracker wraps a store and its notifier
type Tracker struct {
	store      *store.Store
	notifier   *notify.Notifier
	thresholds priority.Thresholds
	cellSize   float64
}

// Option configures a Tracker
type Option func(*Tracker)

// WithThresholds sets the default priority thresholds
func WithThresholds(th priority.Thresholds) Option {
	return func(t *Tracker) { t.thresholds = th }
}

// WithCellSize sets the default cluster cell size in degrees
func WithCellSize(size float64) Option {
	return func(t *Tracker) { t.cellSize = size }
}

// New creates a Tracker. The notifier may be nil, in which case Subscribe fails.
func New(s *store.Store, n *notify.Notifier, opts ...Option) *Tracker {
	t := &Tracker{
		store:      s,
		notifier:   n,
		thresholds: priority.DefaultThresholds(),
		cellSize:   cluster.DefaultCellSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Upsert applies one telemetry record
func (t *Tracker) Upsert(tel entity.Telemetry) bool { return t.store.Upsert(tel) }

// MarkInProgress moves an ACTIVE entity to IN_PROGRESS
func (t *Tracker) MarkInProgress(id int, operator string) bool {
	return t.store.MarkInProgress(id, operator)
}

// MarkResolved moves an ACTIVE or IN_PROGRESS entity to RESOLVED
func (t *Tracker) MarkResolved(id int, operator string) bool {
	return t.store.MarkResolved(id, operator)
}

// InProgress is MarkInProgress with a categorized error
func (t *Tracker) InProgress(id int, operator string) error {
	return t.store.InProgress(id, operator)
}

// Resolve is MarkResolved with an optional note and a categorized error
func (t *Tracker) Resolve(id int, operator, note string) error {
	return t.store.Resolve(id, operator, note)
}

// AddNote appends an operator note
func (t *Tracker) AddNote(id int, operator, text string) error {
	return t.store.AddNote(id, operator, text)
}

// Statistics counts entities by status
func (t *Tracker) Statistics() store.Statistics { return t.store.Statistics() }

// Get returns a copy of one record
func (t *Tracker) Get(id int) (*entity.Record, bool) { return t.store.Get(id) }

// All returns copies of every record ordered by id
func (t *Tracker) All() []*entity.Record { return t.store.All() }

// ByStatus returns copies of the records in one status
func (t *Tracker) ByStatus(status entity.Status) []*entity.Record {
	return t.store.ByStatus(status)
}

// SignalDistribution buckets entities by latest signal using th
func (t *Tracker) SignalDistribution(th priority.Thresholds) store.SignalDistribution {
	return t.store.SignalDistribution(th)
}

// Thresholds returns the configured default thresholds
func (t *Tracker) Thresholds() priority.Thresholds { return t.thresholds }

// CellSize returns the configured default cluster cell size
func (t *Tracker) CellSize() float64 { return t.cellSize }

// Now returns the store clock
func (t *Tracker) Now() time.Time { return t.store.Now() }

// PriorityOf scores one entity as of now
func (t *Tracker) PriorityOf(id int, th priority.Thresholds) (priority.Score, bool) {
	r, ok := t.store.Get(id)
	if !ok {
		return priority.Score{}, false
	}
	return priority.Compute(r, th, t.store.Now()), true
}

// Priorities scores every entity, most urgent first, ties broken by id
func (t *Tracker) Priorities(th priority.Thresholds) []priority.Score {
	now := t.store.Now()
	records := t.store.All()
	scores := make([]priority.Score, 0, len(records))
	for _, r := range records {
		scores = append(scores, priority.Compute(r, th, now))
	}
	slices.SortStableFunc(scores, func(a, b priority.Score) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return scores
}

// ClustersOf groups entities into grid cells. A non-positive cellSize uses the default.
func (t *Tracker) ClustersOf(activeOnly bool, cellSize float64) []cluster.Cell {
	if cellSize <= 0 {
		cellSize = t.cellSize
	}
	return cluster.Build(t.store.All(), activeOnly, cellSize)
}

// Subscribe registers h for every committed change. The returned function unsubscribes.
func (t *Tracker) Subscribe(name string, h notify.Handler) (func(), error) {
	if t.notifier == nil {
		return nil, errNoNotifier()
	}
	return t.notifier.Subscribe(name, h)
}

// SubscribeFrom is Subscribe preceded by a replay of buffered events after afterSeq
func (t *Tracker) SubscribeFrom(name string, afterSeq uint64, h notify.Handler) (func(), error) {
	if t.notifier == nil {
		return nil, errNoNotifier()
	}
	return t.notifier.SubscribeFrom(name, afterSeq, h)
}

// LastSeq returns the sequence number of the latest change, 0 without a notifier
func (t *Tracker) LastSeq() uint64 {
	if t.notifier == nil {
		return 0
	}
	return t.notifier.LastSeq()
}

// NotifierStats returns change delivery counters. ok is false without a notifier.
func (t *Tracker) NotifierStats() (notify.Stats, bool) {
	if t.notifier == nil {
		return notify.Stats{}, false
	}
	return t.notifier.Stats(), true
}
