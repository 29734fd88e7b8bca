package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config tunes the bus's delivery, batching, and history behavior.
type Config struct {
	// MaxHistory bounds the ring of recently published events GetHistory
	// can return.
	MaxHistory int

	// ImmediateConcurrency bounds how many immediate-path handler calls run
	// concurrently.
	ImmediateConcurrency int

	// QueueCapacity bounds the batched-delivery priority queue. Once full,
	// each new event pushes out the lowest-priority, oldest-enqueued item,
	// which is the new event itself when it ranks below everything queued.
	QueueCapacity int

	// EnableBatching routes every non-critical event through the batch queue
	// once the bus is started. Off by default: a started bus delivers
	// immediately unless batching is opted into here or adaptively below.
	EnableBatching bool

	// AdaptiveBatching switches to batched delivery only while observed
	// throughput exceeds AdaptiveThresholdEventsPerSec, falling back to
	// immediate delivery when load drops again.
	AdaptiveBatching bool

	// AdaptiveThresholdEventsPerSec is the events/sec threshold at which
	// adaptive batching engages; the adaptive batch-size formula also treats
	// it as "saturated" (throughput_ratio = 1.0).
	AdaptiveThresholdEventsPerSec float64

	MinBatchSize int
	MaxBatchSize int

	// BatchInterval is how often the batch loop wakes to flush, independent
	// of whether a batch has reached its adaptive target size.
	BatchInterval time.Duration

	// Logger receives handler-panic and queue-drop diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sane defaults for a single-process bus.
func DefaultConfig() Config {
	return Config{
		MaxHistory:                    1000,
		ImmediateConcurrency:          16,
		QueueCapacity:                 10000,
		AdaptiveThresholdEventsPerSec: 100,
		MinBatchSize:                  1,
		MaxBatchSize:                  50,
		BatchInterval:                 100 * time.Millisecond,
	}
}

// Stats is the snapshot GetStats returns.
type Stats struct {
	Published         uint64
	Delivered         uint64
	Dropped           uint64
	HandlerPanics     uint64
	QueueDepth        int
	SubscriberCount   int
	EventsPerSecond   float64
	AvgBatchSize      float64
	AvgHandlerLatency time.Duration
}

// Bus is the Event Bus: priority-aware pub/sub with an immediate delivery
// path for subscribers that want every event dispatched as it is published,
// and a batched path that adaptively groups non-critical events under load.
type Bus struct {
	cfg     Config
	metrics *metrics

	mu      sync.RWMutex
	subs    map[string]*Subscription
	history []Event

	heapMu sync.Mutex
	heap   *eventHeap

	sem chan struct{}

	recentMu   sync.Mutex
	recent     []time.Time
	avgBatch   float64
	avgLatency time.Duration

	countersMu                                   sync.Mutex
	published, delivered, dropped, handlerPanics uint64

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New constructs a Bus. Call Start before publishing to enable the batched
// delivery path; Publish works for the immediate path even before Start.
func New(cfg Config) *Bus {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}
	if cfg.ImmediateConcurrency <= 0 {
		cfg.ImmediateConcurrency = 16
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 1
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.AdaptiveThresholdEventsPerSec <= 0 {
		cfg.AdaptiveThresholdEventsPerSec = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{
		cfg:     cfg,
		metrics: newMetrics(),
		subs:    make(map[string]*Subscription),
		heap:    newEventHeap(cfg.QueueCapacity),
		sem:     make(chan struct{}, cfg.ImmediateConcurrency),
	}
}

// Start launches the background batch-flush loop. Calling Start on a bus
// that is already running is a no-op; a stopped bus may be started again.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()
	go b.batchLoop(ctx, stopCh, doneCh)
}

// Stop signals the batch loop to drain its queue and exit, then waits for
// it to finish or for ctx to be canceled, whichever comes first. Events
// published between a Stop and a later Start take the immediate delivery
// path, so a stop/start cycle loses nothing.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for the given event types and returns a
// subscription id usable with Unsubscribe. filterStream/filterExec, when
// non-empty, additionally restrict delivery to events from that stream or
// execution.
func (b *Bus) Subscribe(types []EventType, handler Handler, filterStream, filterExec string) string {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	sub := &Subscription{
		ID:           uuid.NewString(),
		EventTypes:   set,
		Handler:      handler,
		FilterStream: filterStream,
		FilterExec:   filterExec,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub.ID
}

// Unsubscribe removes a subscription by id. A missing id is a silent no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish records e in history and routes it for delivery: immediately by
// default, or through the batch queue when shouldBatch says so.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if !e.priorityExplicit && e.Priority == PriorityCritical {
		e.Priority = defaultPriorityFor(e.Type)
	}

	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.cfg.MaxHistory {
		b.history = b.history[len(b.history)-b.cfg.MaxHistory:]
	}
	b.mu.Unlock()

	b.countersMu.Lock()
	b.published++
	b.countersMu.Unlock()
	b.metrics.published.Inc()

	b.recentMu.Lock()
	b.recent = append(b.recent, e.Timestamp)
	b.trimRecentLocked(e.Timestamp)
	b.recentMu.Unlock()

	if !b.shouldBatch(e) {
		b.dispatch(ctx, []Event{e})
		return
	}

	b.heapMu.Lock()
	dropped := b.heap.push(e)
	depth := b.heap.len()
	b.heapMu.Unlock()
	b.metrics.queueDepth.Set(float64(depth))
	if dropped {
		b.countersMu.Lock()
		b.dropped++
		b.countersMu.Unlock()
		b.metrics.dropped.Inc()
		b.cfg.Logger.Warn("batch queue full, dropped lowest-priority event",
			slog.String("event_type", string(e.Type)))
	}
}

// shouldBatch decides one event's delivery mode (§4.4). Critical events are
// never batched, and nothing is batched while the flush loop is not running.
// Otherwise EnableBatching batches unconditionally, and AdaptiveBatching
// batches only while observed throughput exceeds the configured threshold.
func (b *Bus) shouldBatch(e Event) bool {
	if e.Priority == PriorityCritical {
		return false
	}
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return false
	}
	if b.cfg.EnableBatching {
		return true
	}
	if b.cfg.AdaptiveBatching {
		return b.eventsPerSecond() > b.cfg.AdaptiveThresholdEventsPerSec
	}
	return false
}

// trimRecentLocked drops timestamps older than 60s from the rolling window.
// Caller holds recentMu.
func (b *Bus) trimRecentLocked(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	i := 0
	for i < len(b.recent) && b.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.recent = append([]time.Time(nil), b.recent[i:]...)
	}
}

func (b *Bus) eventsPerSecond() float64 {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	if len(b.recent) == 0 {
		return 0
	}
	span := time.Since(b.recent[0]).Seconds()
	if span < 1 {
		span = 1
	}
	return float64(len(b.recent)) / span
}

// batchLoop periodically drains the priority queue in adaptively-sized
// batches until Stop is called, at which point it drains whatever remains
// before exiting.
func (b *Bus) batchLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drainAll(ctx)
			return
		case <-stopCh:
			b.drainAll(ctx)
			return
		case <-ticker.C:
			b.flushOnce(ctx)
		}
	}
}

func (b *Bus) drainAll(ctx context.Context) {
	for {
		b.heapMu.Lock()
		depth := b.heap.len()
		b.heapMu.Unlock()
		if depth == 0 {
			return
		}
		b.flushOnce(ctx)
	}
}

// flushOnce pops one adaptively-sized batch and dispatches it.
func (b *Bus) flushOnce(ctx context.Context) {
	size := b.adaptiveBatchSize()

	b.heapMu.Lock()
	batch := b.heap.drainUpTo(size)
	depth := b.heap.len()
	b.heapMu.Unlock()
	b.metrics.queueDepth.Set(float64(depth))

	if len(batch) == 0 {
		return
	}
	b.metrics.batchesFlushed.Inc()

	b.recentMu.Lock()
	b.avgBatch = ema(b.avgBatch, float64(len(batch)), 0.2)
	b.recentMu.Unlock()

	b.dispatch(ctx, batch)
}

// adaptiveBatchSize implements min + (max-min)*min(throughput_ratio, 1.0),
// scaling batch size up as publish throughput approaches the configured
// target so high load is absorbed as fewer, larger batches rather than a
// growing per-event dispatch rate.
func (b *Bus) adaptiveBatchSize() int {
	ratio := b.eventsPerSecond() / b.cfg.AdaptiveThresholdEventsPerSec
	if ratio > 1.0 {
		ratio = 1.0
	}
	size := float64(b.cfg.MinBatchSize) + float64(b.cfg.MaxBatchSize-b.cfg.MinBatchSize)*ratio
	if size < float64(b.cfg.MinBatchSize) {
		size = float64(b.cfg.MinBatchSize)
	}
	return int(size)
}

func ema(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// dispatch delivers each event in batch to every matching subscriber. Each
// subscription receives its matching events one at a time in batch order;
// different subscriptions run concurrently, bounded by the immediate-path
// semaphore. Handler panics are recovered so one misbehaving subscriber
// cannot affect another or the publisher.
func (b *Bus) dispatch(ctx context.Context, batch []Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		var matched []Event
		for _, e := range batch {
			if s.matches(e) {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			continue
		}
		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(s *Subscription, evs []Event) {
			defer wg.Done()
			defer func() { <-b.sem }()
			for _, e := range evs {
				b.deliverOne(s, e)
			}
		}(s, matched)
	}
	wg.Wait()
}

func (b *Bus) deliverOne(s *Subscription, e Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.countersMu.Lock()
			b.handlerPanics++
			b.countersMu.Unlock()
			b.metrics.handlerPanics.Inc()
			b.cfg.Logger.Error("event handler panicked",
				slog.String("subscription_id", s.ID),
				slog.String("event_type", string(e.Type)),
				slog.Any("panic", r))
		}
	}()
	s.Handler(e)
	b.countersMu.Lock()
	b.delivered++
	b.countersMu.Unlock()
	b.metrics.delivered.Inc()

	b.recentMu.Lock()
	b.avgLatency = time.Duration(ema(float64(b.avgLatency), float64(time.Since(start)), 0.2))
	b.recentMu.Unlock()
}

// WaitFor blocks until an event of the given type (optionally filtered by
// stream/execution id) is published, or timeout elapses. It returns
// (Event{}, false) on timeout or context cancellation.
func (b *Bus) WaitFor(ctx context.Context, t EventType, filterStream, filterExec string, timeout time.Duration) (Event, bool) {
	ch := make(chan Event, 1)
	id := b.Subscribe([]EventType{t}, func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}, filterStream, filterExec)
	defer b.Unsubscribe(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-ch:
		return e, true
	case <-timer.C:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

// historyFilter narrows GetHistory results.
type historyFilter struct {
	Type        EventType
	StreamID    string
	ExecutionID string
}

// HistoryOption configures a GetHistory call.
type HistoryOption func(*historyFilter)

// WithType restricts history to one event type.
func WithType(t EventType) HistoryOption { return func(f *historyFilter) { f.Type = t } }

// WithStream restricts history to one stream id.
func WithStream(id string) HistoryOption { return func(f *historyFilter) { f.StreamID = id } }

// WithExecution restricts history to one execution id.
func WithExecution(id string) HistoryOption { return func(f *historyFilter) { f.ExecutionID = id } }

// GetHistory returns up to limit most-recently-published events matching
// every supplied filter, newest first. limit <= 0 means unbounded.
func (b *Bus) GetHistory(limit int, opts ...HistoryOption) []Event {
	var f historyFilter
	for _, o := range opts {
		o(&f)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.history))
	for i := len(b.history) - 1; i >= 0; i-- {
		e := b.history[i]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.StreamID != "" && e.StreamID != f.StreamID {
			continue
		}
		if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetStats returns a point-in-time snapshot of bus activity.
func (b *Bus) GetStats() Stats {
	b.countersMu.Lock()
	published, delivered, dropped, panics := b.published, b.delivered, b.dropped, b.handlerPanics
	b.countersMu.Unlock()

	b.heapMu.Lock()
	depth := b.heap.len()
	b.heapMu.Unlock()

	b.mu.RLock()
	subCount := len(b.subs)
	b.mu.RUnlock()

	b.recentMu.Lock()
	avgBatch, avgLatency := b.avgBatch, b.avgLatency
	b.recentMu.Unlock()

	return Stats{
		Published:         published,
		Delivered:         delivered,
		Dropped:           dropped,
		HandlerPanics:     panics,
		QueueDepth:        depth,
		SubscriberCount:   subCount,
		EventsPerSecond:   b.eventsPerSecond(),
		AvgBatchSize:      avgBatch,
		AvgHandlerLatency: avgLatency,
	}
}
