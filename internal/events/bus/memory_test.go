package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyp/fyp/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("test.type", "test-source", map[string]any{"key": "value"})
	if err := bus.Publish(ctx, "test.subject", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_WildcardMatching(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var starCount, arrowCount atomic.Int32

	subStar, err := bus.Subscribe("session.output.*", func(ctx context.Context, event *Event) error {
		starCount.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = subStar.Unsubscribe() }()

	subArrow, err := bus.Subscribe("session.>", func(ctx context.Context, event *Event) error {
		arrowCount.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = subArrow.Unsubscribe() }()

	if err := bus.Publish(ctx, "session.output.s1", NewEvent("output", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "session.event.s1", NewEvent("event", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if starCount.Load() == 1 && arrowCount.Load() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := starCount.Load(); got != 1 {
		t.Errorf("Expected 1 star delivery, got %d", got)
	}
	if got := arrowCount.Load(); got != 2 {
		t.Errorf("Expected 2 arrow deliveries, got %d", got)
	}
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32

	sub, err := bus.Subscribe("inbox.changed", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "inbox.changed", NewEvent("changed", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && count.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if count.Load() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", count.Load())
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}
	if err := bus.Publish(ctx, "inbox.changed", NewEvent("changed", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d total", count.Load())
	}
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "x", NewEvent("t", "s", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
}
