package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/runlab/agentd/internal/common/logger"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectGenerationStarted, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent(SubjectGenerationStarted, map[string]string{"session_id": "sess-1"})
	if err := b.Publish(context.Background(), SubjectGenerationStarted, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Data["session_id"] != "sess-1" {
			t.Errorf("unexpected event data: %v", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubjectIsolation(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, _ = b.Subscribe(SubjectGenerationFailed, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})

	_ = b.Publish(context.Background(), SubjectGenerationCompleted, NewEvent(SubjectGenerationCompleted, nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("subscriber received events for a different subject: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 4)
	sub, _ := b.Subscribe(SubjectJobCreated, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	_ = b.Publish(context.Background(), SubjectJobCreated, NewEvent(SubjectJobCreated, nil))
	time.Sleep(50 * time.Millisecond)

	select {
	case <-received:
		t.Error("unsubscribed handler still received an event")
	default:
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus should not report connected")
	}
	if err := b.Publish(context.Background(), SubjectJobCreated, NewEvent(SubjectJobCreated, nil)); err == nil {
		t.Error("publish on a closed bus should fail")
	}
}
