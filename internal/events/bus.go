package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRingCapacity bounds the per-job replay history.
	DefaultRingCapacity = 1000
	// DefaultSubscriberBuffer is the per-subscriber channel depth.
	DefaultSubscriberBuffer = 256

	dropWarnInterval = 5 * time.Second
)

// Handler receives events for one subscription. Handlers run on a dedicated
// goroutine per subscription, so a slow handler delays only its own delivery.
type Handler func(Event)

// BusConfig tunes the Bus. Zero values fall back to the defaults above.
type BusConfig struct {
	RingCapacity     int
	SubscriberBuffer int
}

type subscriber struct {
	id      uint64
	jobID   string // empty for firehose subscriptions
	handler Handler
	ch      chan Event
	done    chan struct{}
	stopped sync.Once
	dropped atomic.Int64
	// lastWarn is unix nanos of the last drop warning, for rate limiting.
	lastWarn atomic.Int64
}

func (s *subscriber) stop() {
	s.stopped.Do(func() { close(s.done) })
}

// Subscription is an opaque handle returned by Subscribe and SubscribeAll.
type Subscription struct {
	id    uint64
	jobID string
}

// Bus fans events out to subscribers and retains a bounded per-job history.
// Publish never blocks: a subscriber whose buffer is full loses the event and
// the loss is counted and logged at a throttled rate.
type Bus struct {
	cfg    BusConfig
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	byJob  map[string]map[uint64]*subscriber
	global map[uint64]*subscriber
	rings  map[string]*ring
	closed bool

	wg sync.WaitGroup
}

// NewBus builds a Bus with the given config and logger.
func NewBus(cfg BusConfig, logger *zap.Logger) *Bus {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger,
		byJob:  make(map[string]map[uint64]*subscriber),
		global: make(map[uint64]*subscriber),
		rings:  make(map[string]*ring),
	}
}

// Publish validates, buffers, and fans out an event. Missing severity is
// derived from the kind. Returns an error only for invalid events or after
// Close.
func (b *Bus) Publish(evt Event) error {
	if evt.Severity == "" {
		evt.Severity = DefaultSeverity(evt.Kind)
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	r, ok := b.rings[evt.JobID]
	if !ok {
		r = newRing(b.cfg.RingCapacity)
		b.rings[evt.JobID] = r
	}
	r.push(evt)

	targets := make([]*subscriber, 0, len(b.global)+len(b.byJob[evt.JobID]))
	for _, s := range b.byJob[evt.JobID] {
		targets = append(targets, s)
	}
	for _, s := range b.global {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, evt)
	}
	return nil
}

func (b *Bus) deliver(s *subscriber, evt Event) {
	select {
	case s.ch <- evt:
	default:
		n := s.dropped.Add(1)
		now := time.Now().UnixNano()
		last := s.lastWarn.Load()
		if now-last >= int64(dropWarnInterval) && s.lastWarn.CompareAndSwap(last, now) {
			b.logger.Warn("event subscriber falling behind, dropping events",
				zap.Uint64("subscriber_id", s.id),
				zap.String("job_id", evt.JobID),
				zap.Int64("dropped_total", n))
		}
	}
}

// Subscribe registers a handler for a single job's events.
func (b *Bus) Subscribe(jobID string, h Handler) Subscription {
	return b.subscribe(jobID, h)
}

// SubscribeAll registers a handler for every job's events.
func (b *Bus) SubscribeAll(h Handler) Subscription {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(jobID string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		jobID:   jobID,
		handler: h,
		ch:      make(chan Event, b.cfg.SubscriberBuffer),
		done:    make(chan struct{}),
	}
	if b.closed {
		// Late subscriptions get a valid but inert handle.
		s.stop()
		return Subscription{id: s.id, jobID: jobID}
	}
	if jobID == "" {
		b.global[s.id] = s
	} else {
		m, ok := b.byJob[jobID]
		if !ok {
			m = make(map[uint64]*subscriber)
			b.byJob[jobID] = m
		}
		m[s.id] = s
	}

	b.wg.Add(1)
	go b.run(s)
	return Subscription{id: s.id, jobID: jobID}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case evt := <-s.ch:
			b.invoke(s, evt)
		case <-s.done:
			// Drain anything already buffered before exiting.
			for {
				select {
				case evt := <-s.ch:
					b.invoke(s, evt)
				default:
					return
				}
			}
		}
	}
}

// invoke isolates handler panics so one bad consumer cannot take down the
// delivery goroutines of others.
func (b *Bus) invoke(s *subscriber, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked",
				zap.Uint64("subscriber_id", s.id),
				zap.String("job_id", evt.JobID),
				zap.String("kind", string(evt.Kind)),
				zap.Any("panic", rec))
		}
	}()
	s.handler(evt)
}

// Unsubscribe removes a subscription. Buffered events are still delivered
// before the delivery goroutine exits. Safe to call more than once.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	var s *subscriber
	if sub.jobID == "" {
		s = b.global[sub.id]
		delete(b.global, sub.id)
	} else if m, ok := b.byJob[sub.jobID]; ok {
		s = m[sub.id]
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.byJob, sub.jobID)
		}
	}
	b.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

// History returns up to limit of the most recent events for a job, oldest
// first. limit <= 0 returns the full retained history.
func (b *Bus) History(jobID string, limit int) []Event {
	b.mu.RLock()
	r, ok := b.rings[jobID]
	if !ok {
		b.mu.RUnlock()
		return nil
	}
	all := r.snapshot()
	b.mu.RUnlock()

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// HistorySince returns the retained events for a job strictly after ts.
func (b *Bus) HistorySince(jobID string, ts time.Time) []Event {
	all := b.History(jobID, 0)
	for i, evt := range all {
		if evt.Timestamp.After(ts) {
			return all[i:]
		}
	}
	return nil
}

// HistoryByKind filters the retained events for a job by kind.
func (b *Bus) HistoryByKind(jobID string, kind Kind) []Event {
	var out []Event
	for _, evt := range b.History(jobID, 0) {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

// CleanupJob drops a finished job's history and stops its subscribers.
func (b *Bus) CleanupJob(jobID string) {
	b.mu.Lock()
	delete(b.rings, jobID)
	subs := b.byJob[jobID]
	delete(b.byJob, jobID)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// Close stops all subscribers and waits for buffered events to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*subscriber
	for _, s := range b.global {
		subs = append(subs, s)
	}
	for _, m := range b.byJob {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	b.global = make(map[uint64]*subscriber)
	b.byJob = make(map[string]map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}
