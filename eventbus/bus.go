package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"isp-ops-event-bus/shared/logx"
	"isp-ops-event-bus/shared/metricsx"
	"isp-ops-event-bus/shared/tenantx"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 100 * time.Millisecond
)

// Handler reacts to one delivery attempt for an event. Returning an error
// (or panicking) marks the attempt failed and triggers the retry policy.
// Handlers own their side effects end to end: transactions, idempotency and
// audit logging are theirs, the bus only promises repeated invocation up to
// the retry budget.
type Handler interface {
	Handle(ctx context.Context, rec *EventRecord) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rec *EventRecord) error

func (f HandlerFunc) Handle(ctx context.Context, rec *EventRecord) error {
	return f(ctx, rec)
}

// Subscription identifies one registered handler. Subscriptions are
// process-local and never persisted; consumers re-subscribe at startup.
type Subscription struct {
	id        int64
	eventType string
	handler   Handler
}

// EventType reports the event type this subscription listens on.
func (s *Subscription) EventType() string {
	if s == nil {
		return ""
	}
	return s.eventType
}

// Bus publishes events, persists them through its storage collaborator and
// fans deliveries out to subscribed handlers in background goroutines.
type Bus struct {
	store        Storage
	log          logx.Logger
	maxRetries   int
	retryBackoff time.Duration

	mu        sync.RWMutex
	subs      map[string][]*Subscription
	nextSubID atomic.Int64

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Bus)

// WithStorage plugs in a storage backend. Default is an in-process
// MemoryStore.
func WithStorage(store Storage) Option {
	return func(b *Bus) {
		if store != nil {
			b.store = store
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithMaxRetries sets the default retry ceiling applied when a publish does
// not override it.
func WithMaxRetries(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay before the first retry. Subsequent
// retries double it.
func WithRetryBackoff(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.retryBackoff = d
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		store:        NewMemoryStore(),
		log:          logx.Discard(),
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
		subs:         make(map[string][]*Subscription),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close stops accepting publishes and interrupts pending retry backoffs.
// In-flight handler invocations are left to finish.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}

// Wait blocks until all background dispatch work has drained. Test helper;
// production callers observe terminal status via GetEvent instead.
func (b *Bus) Wait() {
	b.wg.Wait()
}

type publishConfig struct {
	priority   Priority
	maxRetries int
}

type PublishOption func(*publishConfig)

func WithPriority(p Priority) PublishOption {
	return func(cfg *publishConfig) { cfg.priority = p }
}

// WithPublishMaxRetries overrides the bus-level retry ceiling for one event.
func WithPublishMaxRetries(n int) PublishOption {
	return func(cfg *publishConfig) {
		if n >= 0 {
			cfg.maxRetries = n
		}
	}
}

// Publish persists a new event and schedules background delivery to the
// handlers subscribed at this moment. It returns as soon as the record is
// durable; callers poll GetEvent for the terminal status.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, meta Metadata, opts ...PublishOption) (*EventRecord, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if normalize(eventType) == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	if _, err := json.Marshal(payload); err != nil {
		return nil, fmt.Errorf("payload is not serializable: %w", err)
	}

	cfg := publishConfig{priority: PriorityNormal, maxRetries: b.maxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if meta.TenantID == "" {
		meta.TenantID = tenantx.TenantIDFromContext(ctx)
	}

	rec := newEventRecord(eventType, payload, meta, cfg.priority, cfg.maxRetries)
	if err := b.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}
	metricsx.IncEventPublished(rec.EventType, string(rec.Priority))
	b.log.Debug(ctx, "event_published", "event published",
		slog.String("event_id", rec.EventID),
		slog.String("event_type", rec.EventType),
		slog.String("tenant_id", rec.Metadata.TenantID),
	)

	subs := b.snapshot(eventType)
	b.spawnDispatch(ctx, rec.Clone(), subs)
	return rec.Clone(), nil
}

// Subscribe registers a handler for an event type and returns its
// subscription token. Events published before the call are not delivered.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	if handler == nil || normalize(eventType) == "" {
		return nil
	}
	sub := &Subscription{
		id:        b.nextSubID.Add(1),
		eventType: eventType,
		handler:   handler,
	}
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription. Unknown or nil subscriptions are a
// no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[sub.eventType]
	for i, s := range current {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(current[:i:i], current[i+1:]...)
			return
		}
	}
}

// Replay re-delivers a stored event's original payload and metadata to the
// handlers subscribed right now. No new record is created; the event keeps
// its identity and its retry budget restarts for the replayed delivery.
func (b *Bus) Replay(ctx context.Context, eventID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	rec, err := b.store.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("replay %s: %w", eventID, ErrNotFound)
	}

	rec.Status = StatusPending
	rec.RetryCount = 0
	rec.ErrorMessage = ""
	rec.UpdatedAt = time.Now().UTC()
	if err := b.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist replay: %w", err)
	}
	b.log.Info(ctx, "event_replay", "event replay requested",
		slog.String("event_id", rec.EventID),
		slog.String("event_type", rec.EventType),
	)

	subs := b.snapshot(rec.EventType)
	b.spawnDispatch(ctx, rec, subs)
	return nil
}

// GetEvent returns the stored record or nil when the id is unknown.
func (b *Bus) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	return b.store.Get(ctx, eventID)
}

// GetEvents queries stored records; zero-valued filter fields are ignored.
func (b *Bus) GetEvents(ctx context.Context, f Filter) ([]*EventRecord, error) {
	return b.store.Query(ctx, f)
}

func (b *Bus) snapshot(eventType string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	current := b.subs[eventType]
	out := make([]*Subscription, len(current))
	copy(out, current)
	return out
}

func (b *Bus) spawnDispatch(ctx context.Context, rec *EventRecord, subs []*Subscription) {
	// Delivery must survive the publisher's request context.
	bg := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(bg, rec, subs)
	}()
}

// dispatch drives every subscribed handler to a terminal outcome and then
// records the bus's aggregate judgement on the record.
func (b *Bus) dispatch(ctx context.Context, rec *EventRecord, subs []*Subscription) {
	if len(subs) == 0 {
		b.conclude(ctx, rec, &sync.Mutex{}, false)
		return
	}

	var (
		recMu     sync.Mutex
		exhausted atomic.Bool
		wg        sync.WaitGroup
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if !b.deliver(ctx, rec, sub, &recMu) {
				exhausted.Store(true)
			}
		}(sub)
	}
	wg.Wait()
	b.conclude(ctx, rec, &recMu, exhausted.Load())
}

// deliver runs the attempt/retry loop for a single (event, handler) pair.
// It reports false once the handler exhausts the retry budget.
func (b *Bus) deliver(ctx context.Context, rec *EventRecord, sub *Subscription, recMu *sync.Mutex) bool {
	attempts := 0
	for {
		recMu.Lock()
		snapshot := rec.Clone()
		recMu.Unlock()

		err := b.invoke(ctx, snapshot, sub)
		if err == nil {
			return true
		}
		attempts++

		recMu.Lock()
		// A sibling handler may already have dead-lettered the record; a
		// transient failure here must not pull it back to FAILED. RetryCount
		// tracks the worst handler's attempt number, not a sum across
		// handlers, so it never exceeds the per-handler budget.
		if CanTransition(rec.Status, StatusFailed) {
			rec.Status = StatusFailed
			if attempts > rec.RetryCount {
				rec.RetryCount = attempts
			}
			rec.ErrorMessage = err.Error()
			rec.UpdatedAt = time.Now().UTC()
			b.persist(ctx, rec)
		}
		recMu.Unlock()

		metricsx.IncHandlerFailure(rec.EventType)
		b.log.Warn(ctx, "handler_failed", "handler delivery attempt failed",
			slog.String("event_id", rec.EventID),
			slog.String("event_type", rec.EventType),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)

		if attempts >= rec.MaxRetries {
			b.deadLetter(ctx, rec, recMu, attempts)
			return false
		}

		metricsx.IncHandlerRetry(rec.EventType)
		if !b.sleep(ctx, b.backoffFor(attempts)) {
			// Shutdown mid-backoff: leave the record FAILED, draw no
			// aggregate conclusion.
			return false
		}
	}
}

// invoke runs one handler attempt. rec is a private clone taken under the
// dispatch lock, so handler code can never observe or mutate shared dispatch
// state. Panics are converted to attempt failures.
func (b *Bus) invoke(ctx context.Context, rec *EventRecord, sub *Subscription) (err error) {
	ctx, span := otel.Tracer("eventbus").Start(ctx, "bus.dispatch")
	span.SetAttributes(
		attribute.String("messaging.destination", rec.EventType),
		attribute.String("bus.event_id", rec.EventID),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	start := time.Now()
	err = sub.handler.Handle(ctx, rec)
	metricsx.ObserveHandlerLatency(rec.EventType, time.Since(start))
	return err
}

func (b *Bus) deadLetter(ctx context.Context, rec *EventRecord, recMu *sync.Mutex, attempts int) {
	recMu.Lock()
	if !CanTransition(rec.Status, StatusDeadLetter) {
		recMu.Unlock()
		return
	}
	rec.Status = StatusDeadLetter
	if attempts > rec.RetryCount {
		rec.RetryCount = attempts
	}
	rec.UpdatedAt = time.Now().UTC()
	b.persist(ctx, rec)
	retryCount := rec.RetryCount
	recMu.Unlock()

	metricsx.IncDeadLetter(rec.EventType)
	b.log.Warn(ctx, "event_dead_letter", "event moved to dead-letter",
		slog.String("event_id", rec.EventID),
		slog.String("event_type", rec.EventType),
		slog.Int("retry_count", retryCount),
	)
}

// conclude applies the aggregate outcome once every handler has finished.
// A dead-lettered record stays dead-lettered even when a sibling handler
// succeeded.
func (b *Bus) conclude(ctx context.Context, rec *EventRecord, recMu *sync.Mutex, exhausted bool) {
	if exhausted {
		return
	}
	recMu.Lock()
	defer recMu.Unlock()
	if !CanTransition(rec.Status, StatusCompleted) {
		return
	}
	rec.Status = StatusCompleted
	rec.UpdatedAt = time.Now().UTC()
	b.persist(ctx, rec)
	b.log.Debug(ctx, "event_completed", "event delivery completed",
		slog.String("event_id", rec.EventID),
		slog.Int("retry_count", rec.RetryCount),
	)
}

// persist writes the record's mutable fields back to storage. Callers hold
// recMu. Storage hiccups here are logged, not retried: the next outcome save
// overwrites the same fields and the publish-time save already succeeded.
func (b *Bus) persist(ctx context.Context, rec *EventRecord) {
	if err := b.store.Save(ctx, rec); err != nil {
		b.log.Error(ctx, "event_persist_failed", "failed to persist event status",
			slog.String("event_id", rec.EventID),
			slog.String("status", string(rec.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bus) backoffFor(attempt int) time.Duration {
	if attempt <= 0 {
		return b.retryBackoff
	}
	delay := b.retryBackoff << uint(attempt-1)
	if delay > 30*time.Second {
		return 30 * time.Second
	}
	return delay
}

// sleep waits out a retry backoff. Returns false when the bus shut down
// before the delay elapsed.
func (b *Bus) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-b.done:
		return false
	case <-ctx.Done():
		return false
	}
}
