// Package notify fans entity change events out to subscribers.
//
// Each subscriber owns an unbounded FIFO queue drained by a dedicated goroutine, so a
// slow or failing subscriber never blocks Publish or other subscribers. A failed
// delivery is retried until it succeeds, the retry limit is reached, or the
// subscriber goes away, which gives at-least-once delivery in publish order per
// subscriber. Recent events are kept in a bounded replay buffer so a reconnecting
// observer can resume from the last sequence number it saw.
package notify

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/observability/metrics"
)

// EventType names what happened to an entity
type EventType string

const (
	EventCreated       EventType = "entity_created"
	EventUpdated       EventType = "entity_updated"
	EventStatusChanged EventType = "status_changed"
	EventNoteAdded     EventType = "note_added"
)

// EnvelopeType is the outer "type" of serialized events
const EnvelopeType = "entity_update"

// Event is one committed change. Record is a copy owned by the event.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"event"`
	Record    *entity.Record `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Envelope is the wire form sent to external observers
type Envelope struct {
	Type      string         `json:"type"`
	Event     EventType      `json:"event"`
	Seq       uint64         `json:"seq"`
	Data      *entity.Record `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Envelope wraps the event for external observers
func (e Event) Envelope() Envelope {
	return Envelope{
		Type:      EnvelopeType,
		Event:     e.Type,
		Seq:       e.Seq,
		Data:      e.Record,
		Timestamp: e.Timestamp,
	}
}

// Handler receives events. A non-nil error or a panic schedules a retry.
// ctx is cancelled when the subscription ends.
type Handler func(ctx context.Context, ev Event) error

// Config tunes delivery
type Config struct {
	ReplayBuffer int           // events kept for SubscribeFrom
	RetryDelay   time.Duration // pause between failed attempts
	MaxAttempts  int           // attempts per event per subscriber, 0 retries forever
}

// DefaultConfig returns a 256 event replay buffer and unlimited 1s retries
func DefaultConfig() Config {
	return Config{
		ReplayBuffer: 256,
		RetryDelay:   time.Second,
		MaxAttempts:  0,
	}
}

// Stats is a point-in-time view of notifier counters
type Stats struct {
	Published        uint64 `json:"published"`
	Delivered        uint64 `json:"delivered"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	Dropped          uint64 `json:"dropped"`
	Subscribers      int    `json:"subscribers"`
	Pending          int    `json:"pending"`
	LastSeq          uint64 `json:"last_seq"`
}

// Notifier is the change broadcaster
type Notifier struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.NotifyMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subs     map[string]*subscriber
	replay   []Event
	lastSeq  uint64
	closed   bool
	stopping chan struct{}

	published        atomic.Uint64
	delivered        atomic.Uint64
	deliveryFailures atomic.Uint64
	dropped          atomic.Uint64
}

// Option configures a Notifier
type Option func(*Notifier)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *metrics.NotifyMetrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// New creates a Notifier. Close must be called to stop subscriber goroutines.
func New(cfg Config, opts ...Option) *Notifier {
	if cfg.ReplayBuffer < 0 {
		cfg.ReplayBuffer = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscriber),
		replay:   make([]Event, 0, cfg.ReplayBuffer),
		stopping: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = logger.Global().Module("notify")
	}
	return n
}

// Publish assigns the next sequence number and enqueues the event for every subscriber.
// It never blocks on subscribers. The record is cloned.
func (n *Notifier) Publish(t EventType, r *entity.Record, at time.Time) Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return Event{}
	}

	n.lastSeq++
	ev := Event{Seq: n.lastSeq, Type: t, Record: r.Clone(), Timestamp: at}

	if n.cfg.ReplayBuffer > 0 {
		if len(n.replay) >= n.cfg.ReplayBuffer {
			n.replay = slices.Delete(n.replay, 0, len(n.replay)-n.cfg.ReplayBuffer+1)
		}
		n.replay = append(n.replay, ev)
	}

	for _, s := range n.subs {
		s.enqueue(ev)
	}

	n.published.Add(1)
	if n.metrics != nil {
		n.metrics.Published.Inc()
	}
	return ev
}

// Subscribe registers h for events published from now on and returns a function that
// removes the subscription. The function is safe to call more than once.
func (n *Notifier) Subscribe(name string, h Handler) (func(), error) {
	return n.subscribe(name, h, nil)
}

// SubscribeFrom registers h and first replays buffered events with Seq > afterSeq.
// If afterSeq is older than the buffer, delivery starts at the oldest buffered event.
func (n *Notifier) SubscribeFrom(name string, afterSeq uint64, h Handler) (func(), error) {
	return n.subscribe(name, h, &afterSeq)
}

func (n *Notifier) subscribe(name string, h Handler, afterSeq *uint64) (func(), error) {
	if h == nil {
		return nil, errors.Newf("nil handler for subscriber %q", name).
			Component("notify").
			Category(errors.CategoryValidation).
			Build()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, errors.Newf("notifier closed").
			Component("notify").
			Category(errors.CategoryPrecondition).
			Build()
	}

	ctx, cancel := context.WithCancel(n.ctx)
	s := &subscriber{
		id:      uuid.NewString(),
		name:    name,
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}

	if afterSeq != nil {
		for _, ev := range n.replay {
			if ev.Seq > *afterSeq {
				s.queue = append(s.queue, ev)
			}
		}
		if len(n.replay) > 0 && n.replay[0].Seq > *afterSeq+1 {
			n.log.Warn("replay gap, observer missed events",
				logger.String("subscriber", name),
				logger.Uint64("after_seq", *afterSeq),
				logger.Uint64("oldest_buffered", n.replay[0].Seq))
		}
	}

	n.subs[s.id] = s
	n.setSubscriberGauge()

	// the drain goroutine owns the queue once started
	replayed := len(s.queue)

	n.wg.Add(1)
	go n.run(s)

	n.log.Debug("subscriber registered",
		logger.String("subscriber", name),
		logger.String("subscriber_id", s.id),
		logger.Int("replayed", replayed))

	var once sync.Once
	return func() {
		once.Do(func() { n.unsubscribe(s) })
	}, nil
}

func (n *Notifier) unsubscribe(s *subscriber) {
	n.mu.Lock()
	delete(n.subs, s.id)
	n.setSubscriberGauge()
	n.mu.Unlock()

	s.cancel()
	n.log.Debug("subscriber removed",
		logger.String("subscriber", s.name),
		logger.String("subscriber_id", s.id))
}

// setSubscriberGauge must be called with n.mu held
func (n *Notifier) setSubscriberGauge() {
	if n.metrics != nil {
		n.metrics.Subscribers.Set(float64(len(n.subs)))
	}
}

// LastSeq returns the sequence number of the most recent event
func (n *Notifier) LastSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastSeq
}

// Stats returns delivery counters
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	pending := 0
	for _, s := range n.subs {
		pending += s.pending()
	}
	st := Stats{
		Subscribers: len(n.subs),
		Pending:     pending,
		LastSeq:     n.lastSeq,
	}
	n.mu.Unlock()

	st.Published = n.published.Load()
	st.Delivered = n.delivered.Load()
	st.DeliveryFailures = n.deliveryFailures.Load()
	st.Dropped = n.dropped.Load()
	return st
}

// Close stops accepting events, lets subscribers drain their queues for up to timeout,
// then cancels any remaining deliveries.
func (n *Notifier) Close(timeout time.Duration) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.stopping)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-timer.C:
		n.cancel()
		<-done
		n.log.Warn("notifier close timed out, pending events discarded",
			logger.Duration("timeout", timeout))
		return fmt.Errorf("notifier close timeout exceeded")
	}
}

// run drains one subscriber's queue in order
func (n *Notifier) run(s *subscriber) {
	defer n.wg.Done()

	for {
		ev, ok := s.next(n.stopping)
		if !ok {
			return
		}
		n.deliver(s, ev)
	}
}

func (n *Notifier) deliver(s *subscriber, ev Event) {
	for attempt := 1; ; attempt++ {
		err := s.invoke(ev)
		if err == nil {
			n.delivered.Add(1)
			if n.metrics != nil {
				n.metrics.Delivered.WithLabelValues(s.name).Inc()
			}
			return
		}

		n.deliveryFailures.Add(1)
		if n.metrics != nil {
			n.metrics.DeliveryFailures.WithLabelValues(s.name).Inc()
		}

		if n.cfg.MaxAttempts > 0 && attempt >= n.cfg.MaxAttempts {
			n.dropped.Add(1)
			if n.metrics != nil {
				n.metrics.Dropped.WithLabelValues(s.name).Inc()
			}
			n.log.Error("event dropped after retry limit",
				logger.String("subscriber", s.name),
				logger.Uint64("seq", ev.Seq),
				logger.Int("attempts", attempt),
				logger.Error(err))
			return
		}

		n.log.Warn("delivery failed, retrying",
			logger.String("subscriber", s.name),
			logger.Uint64("seq", ev.Seq),
			logger.Int("attempt", attempt),
			logger.Error(err))

		timer := time.NewTimer(n.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// subscriber is one registered handler and its pending events
type subscriber struct {
	id      string
	name    string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// next blocks until an event is queued. It returns false once the subscription is
// cancelled, or once stopping is closed and the queue is empty.
func (s *subscriber) next(stopping <-chan struct{}) (Event, bool) {
	for {
		if s.ctx.Err() != nil {
			return Event{}, false
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return Event{}, false
		case <-stopping:
			if s.pending() == 0 {
				return Event{}, false
			}
		}
	}
}

// invoke calls the handler, converting a panic into an error
func (s *subscriber) invoke(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("subscriber %s panicked: %v", s.name, r).
				Component("notify").
				Category(errors.CategoryBroadcast).
				Context("seq", ev.Seq).
				Build()
		}
	}()
	return s.handler(s.ctx, ev)
}
