// Package bus provides the lifecycle event bus agentd publishes generation
// transitions on, so external consumers (a UI gateway, audit sinks) can
// observe activity without attaching to individual event streams.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects.
const (
	SubjectGenerationStarted   = "generation.started"
	SubjectGenerationCompleted = "generation.completed"
	SubjectGenerationFailed    = "generation.failed"
	SubjectGenerationCancelled = "generation.cancelled"
	SubjectJobCreated          = "job.created"
)

// Event is a message on the bus.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType string, data map[string]string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "agentd",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes lifecycle events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
