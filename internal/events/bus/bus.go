// Package bus carries runtimed's lifecycle and sync events. Subscribers are the
// control API's websocket stream and, through NATS, other processes on the host.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle or sync notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler receives delivered events. A returned error is logged by the bus.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration on a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes events and delivers them to pattern subscribers.
// Patterns use NATS wildcards: * matches one token, > the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// Emit publishes an event of eventType on its subject. A nil bus is a no-op.
func Emit(ctx context.Context, b EventBus, eventType, source string, data map[string]interface{}) error {
	if b == nil {
		return nil
	}
	return b.Publish(ctx, Subject(eventType), NewEvent(eventType, source, data))
}
