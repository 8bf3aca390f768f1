package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus(opts ...Option) *Bus {
	base := []Option{WithRetryBackoff(10 * time.Millisecond)}
	return New(append(base, opts...)...)
}

func waitStatus(t *testing.T, bus *Bus, eventID string, want Status) *EventRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last *EventRecord
	for time.Now().Before(deadline) {
		rec, err := bus.GetEvent(context.Background(), eventID)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if rec != nil && rec.Status == want {
			return rec
		}
		last = rec
		time.Sleep(10 * time.Millisecond)
	}
	if last == nil {
		t.Fatalf("event %s never stored", eventID)
	}
	t.Fatalf("event %s stuck in status %q, want %q", eventID, last.Status, want)
	return nil
}

func TestPublishNoSubscribersCompletes(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	rec, err := bus.Publish(context.Background(), "test.event", map[string]any{"key": "value"}, Metadata{TenantID: "test-tenant"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if rec.EventID == "" {
		t.Fatalf("expected generated event id")
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected pending at publish time, got %q", rec.Status)
	}

	final := waitStatus(t, bus, rec.EventID, StatusCompleted)
	if final.Payload["key"] != "value" {
		t.Fatalf("payload not preserved: %#v", final.Payload)
	}
	if final.Metadata.TenantID != "test-tenant" {
		t.Fatalf("tenant not preserved: %q", final.Metadata.TenantID)
	}
	if final.ErrorMessage != "" {
		t.Fatalf("unexpected error message: %q", final.ErrorMessage)
	}
}

func TestPublishValidation(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	if _, err := bus.Publish(context.Background(), "  ", nil, Metadata{}); err == nil {
		t.Fatalf("expected error for empty event type")
	}
	if _, err := bus.Publish(context.Background(), "test.event", map[string]any{"ch": make(chan int)}, Metadata{}); err == nil {
		t.Fatalf("expected error for non-serializable payload")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()
	bus.Close()

	if _, err := bus.Publish(context.Background(), "test.event", nil, Metadata{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := bus.Replay(context.Background(), "whatever"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from replay, got %v", err)
	}
}

func TestHandlerReceivesEvent(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	got := make(chan *EventRecord, 1)
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		got <- rec
		return nil
	}))

	rec, err := bus.Publish(context.Background(), "test.event", map[string]any{"test": "data"}, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case delivered := <-got:
		if delivered.EventID != rec.EventID {
			t.Fatalf("handler got event %s, want %s", delivered.EventID, rec.EventID)
		}
		if delivered.Payload["test"] != "data" {
			t.Fatalf("handler payload mismatch: %#v", delivered.Payload)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("handler not invoked within 200ms")
	}
	waitStatus(t, bus, rec.EventID, StatusCompleted)
}

func TestMultipleHandlersAllInvoked(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var first, second atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		first.Add(1)
		return nil
	}))
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		second.Add(1)
		return nil
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitStatus(t, bus, rec.EventID, StatusCompleted)
	if first.Load() != 1 || second.Load() != 1 {
		t.Fatalf("expected both handlers invoked once, got %d and %d", first.Load(), second.Load())
	}
}

func TestFailingHandlerDeadLetters(t *testing.T) {
	bus := newTestBus(WithMaxRetries(3))
	defer bus.Close()

	var calls atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		calls.Add(1)
		return fmt.Errorf("handler error")
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	final := waitStatus(t, bus, rec.EventID, StatusDeadLetter)
	if final.RetryCount < final.MaxRetries {
		t.Fatalf("retry count %d below max retries %d", final.RetryCount, final.MaxRetries)
	}
	if final.ErrorMessage == "" || final.ErrorMessage != "handler error" {
		t.Fatalf("expected captured error message, got %q", final.ErrorMessage)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestTransientFailureCompletes(t *testing.T) {
	bus := newTestBus(WithMaxRetries(3))
	defer bus.Close()

	var calls atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	final := waitStatus(t, bus, rec.EventID, StatusCompleted)
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 invocations, got %d", calls.Load())
	}
	if final.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", final.RetryCount)
	}
}

func TestHandlerPanicIsCaptured(t *testing.T) {
	bus := newTestBus(WithMaxRetries(1))
	defer bus.Close()

	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		panic("boom")
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	final := waitStatus(t, bus, rec.EventID, StatusDeadLetter)
	if final.ErrorMessage != "handler panic: boom" {
		t.Fatalf("unexpected error message: %q", final.ErrorMessage)
	}
}

func TestSiblingSuccessDoesNotOverrideDeadLetter(t *testing.T) {
	bus := newTestBus(WithMaxRetries(2))
	defer bus.Close()

	var succeeded atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		succeeded.Add(1)
		return nil
	}))
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		return fmt.Errorf("permanent failure")
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitStatus(t, bus, rec.EventID, StatusDeadLetter)
	bus.Wait()
	final, err := bus.GetEvent(context.Background(), rec.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if final.Status != StatusDeadLetter {
		t.Fatalf("sibling success reversed dead-letter: %q", final.Status)
	}
	if succeeded.Load() != 1 {
		t.Fatalf("healthy handler should run exactly once, got %d", succeeded.Load())
	}
}

func TestLateSiblingFailureKeepsDeadLetter(t *testing.T) {
	bus := newTestBus(WithMaxRetries(2))
	defer bus.Close()

	// One handler exhausts its budget immediately; a slower sibling fails
	// once after the record is already dead-lettered, then recovers.
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		return fmt.Errorf("permanent failure")
	}))
	var slowCalls atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		time.Sleep(150 * time.Millisecond)
		if slowCalls.Add(1) == 1 {
			return fmt.Errorf("transient failure")
		}
		return nil
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitStatus(t, bus, rec.EventID, StatusDeadLetter)
	bus.Wait()

	final, err := bus.GetEvent(context.Background(), rec.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if final.Status != StatusDeadLetter {
		t.Fatalf("late sibling failure reverted dead-letter: %q", final.Status)
	}
	if final.RetryCount > final.MaxRetries {
		t.Fatalf("retry count %d exceeds ceiling %d", final.RetryCount, final.MaxRetries)
	}
	if slowCalls.Load() != 2 {
		t.Fatalf("slow handler should still run its own retry, got %d calls", slowCalls.Load())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var calls atomic.Int64
	sub := bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		calls.Add(1)
		return nil
	}))
	bus.Unsubscribe(sub)
	// Idempotent: removing again is a no-op.
	bus.Unsubscribe(sub)
	bus.Unsubscribe(nil)

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitStatus(t, bus, rec.EventID, StatusCompleted)
	if calls.Load() != 0 {
		t.Fatalf("unsubscribed handler was invoked %d times", calls.Load())
	}
}

func TestSubscribeAfterPublishGetsNothing(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var calls atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		calls.Add(1)
		return nil
	}))

	waitStatus(t, bus, rec.EventID, StatusCompleted)
	bus.Wait()
	if calls.Load() != 0 {
		t.Fatalf("late subscriber received an earlier event")
	}
}

func TestGetEventUnknownReturnsNil(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	rec, err := bus.GetEvent(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for unknown id, got %#v", rec)
	}
}

func TestReplayUnknownFails(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	err := bus.Replay(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplayReinvokesCurrentSubscribers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var calls atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		calls.Add(1)
		return nil
	}))

	rec, err := bus.Publish(context.Background(), "test.event", map[string]any{"n": 1}, Metadata{TenantID: "t1"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitStatus(t, bus, rec.EventID, StatusCompleted)

	if err := bus.Replay(context.Background(), rec.EventID); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	waitStatus(t, bus, rec.EventID, StatusCompleted)
	bus.Wait()

	if calls.Load() != 2 {
		t.Fatalf("expected cumulative 2 invocations across publish and replay, got %d", calls.Load())
	}
	all, err := bus.GetEvents(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("replay must not create a new record, have %d", len(all))
	}
	if all[0].EventID != rec.EventID {
		t.Fatalf("replay changed the event identity")
	}
}

func TestReplayDeadLetterAfterFix(t *testing.T) {
	bus := newTestBus(WithMaxRetries(1))
	defer bus.Close()

	sub := bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		return fmt.Errorf("broken handler")
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitStatus(t, bus, rec.EventID, StatusDeadLetter)

	// Swap in a fixed handler and replay the dead-lettered event.
	bus.Unsubscribe(sub)
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		return nil
	}))
	if err := bus.Replay(context.Background(), rec.EventID); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	final := waitStatus(t, bus, rec.EventID, StatusCompleted)
	if final.RetryCount != 0 {
		t.Fatalf("replay should restart the retry budget, got %d", final.RetryCount)
	}
}

func TestQueryFilters(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	ctx := context.Background()
	a, _ := bus.Publish(ctx, "type1.event", nil, Metadata{TenantID: "tenant-a"})
	b, _ := bus.Publish(ctx, "type1.event", nil, Metadata{TenantID: "tenant-b"})
	c, _ := bus.Publish(ctx, "type2.event", nil, Metadata{TenantID: "tenant-a"})
	waitStatus(t, bus, a.EventID, StatusCompleted)
	waitStatus(t, bus, b.EventID, StatusCompleted)
	waitStatus(t, bus, c.EventID, StatusCompleted)

	byType, err := bus.GetEvents(ctx, Filter{EventType: "type1.event"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("expected 2 type1 events, got %d", len(byType))
	}
	for _, rec := range byType {
		if rec.EventType != "type1.event" {
			t.Fatalf("filter leaked event type %q", rec.EventType)
		}
	}

	byTenant, err := bus.GetEvents(ctx, Filter{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(byTenant) != 2 {
		t.Fatalf("expected 2 tenant-a events, got %d", len(byTenant))
	}

	both, err := bus.GetEvents(ctx, Filter{EventType: "type1.event", TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(both) != 1 || both[0].EventID != a.EventID {
		t.Fatalf("AND filter mismatch: %#v", both)
	}

	completed, err := bus.GetEvents(ctx, Filter{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(completed) != 3 {
		t.Fatalf("expected all 3 completed, got %d", len(completed))
	}
}

func TestCorrelationCausationPreserved(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	ctx := context.Background()
	first, err := bus.Publish(ctx, "flow.started", nil, Metadata{CorrelationID: "request-123"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	second, err := bus.Publish(ctx, "flow.continued", nil, Metadata{
		CorrelationID: "request-123",
		CausationID:   first.EventID,
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitStatus(t, bus, first.EventID, StatusCompleted)
	waitStatus(t, bus, second.EventID, StatusCompleted)

	gotFirst, _ := bus.GetEvent(ctx, first.EventID)
	gotSecond, _ := bus.GetEvent(ctx, second.EventID)
	if gotFirst.Metadata.CorrelationID != "request-123" || gotSecond.Metadata.CorrelationID != "request-123" {
		t.Fatalf("correlation id not preserved: %q / %q", gotFirst.Metadata.CorrelationID, gotSecond.Metadata.CorrelationID)
	}
	if gotSecond.Metadata.CausationID != first.EventID {
		t.Fatalf("causation id mismatch: %q != %q", gotSecond.Metadata.CausationID, first.EventID)
	}
}

func TestPublishMaxRetriesOverride(t *testing.T) {
	bus := newTestBus(WithMaxRetries(5))
	defer bus.Close()

	var calls atomic.Int64
	bus.Subscribe("test.event", HandlerFunc(func(ctx context.Context, rec *EventRecord) error {
		calls.Add(1)
		return fmt.Errorf("always failing")
	}))

	rec, err := bus.Publish(context.Background(), "test.event", nil, Metadata{}, WithPublishMaxRetries(1), WithPriority(PriorityCritical))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	final := waitStatus(t, bus, rec.EventID, StatusDeadLetter)
	if final.MaxRetries != 1 {
		t.Fatalf("per-publish ceiling not applied: %d", final.MaxRetries)
	}
	if final.Priority != PriorityCritical {
		t.Fatalf("priority not applied: %q", final.Priority)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestDefaultSingleton(t *testing.T) {
	t.Cleanup(ResetDefault)
	ResetDefault()

	a := Default(WithRetryBackoff(10 * time.Millisecond))
	b := Default(WithMaxRetries(99))
	if a != b {
		t.Fatalf("Default returned distinct instances")
	}
	if b.maxRetries != defaultMaxRetries {
		t.Fatalf("options must only apply on first construction")
	}

	ResetDefault()
	c := Default()
	if c == a {
		t.Fatalf("ResetDefault did not tear down the singleton")
	}
}
