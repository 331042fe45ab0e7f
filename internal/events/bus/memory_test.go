package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runfleet/runfleet/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("run.created", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("run.created", "coordinator", map[string]interface{}{"run_id": "r1"})
	if err := b.Publish(context.Background(), "run.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event ID %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	_, err := b.Subscribe("run.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "run.created", NewEvent("run.created", "test", nil))
	_ = b.Publish(ctx, "run.completed", NewEvent("run.completed", "test", nil))
	_ = b.Publish(ctx, "session.running", NewEvent("session.running", "test", nil))

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&count) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("expected 2 matched events, got %d", got)
	}
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, _ := b.Subscribe("runner.lost", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), "runner.lost", NewEvent("runner.lost", "test", nil))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Error("expected no delivery after unsubscribe")
	}
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), "run.created", NewEvent("run.created", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}

func TestEvent_SessionID(t *testing.T) {
	e := NewEvent("session.event", "coordinator", map[string]interface{}{"session_id": "s1"})
	if e.SessionID() != "s1" {
		t.Errorf("expected s1, got %q", e.SessionID())
	}
	if (&Event{}).SessionID() != "" {
		t.Error("expected empty session id for nil data")
	}
}
