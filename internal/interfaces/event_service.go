package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventSessionChanged EventType = "session_changed"
	EventScanStarted    EventType = "scan_started"
	EventScanCompleted  EventType = "scan_completed"
	EventSweepCompleted EventType = "sweep_completed"
	EventStatusChanged  EventType = "status_changed"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload map[string]interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Published counts delivered events per type
	Published() map[EventType]int64

	// Close shuts down the event service
	Close() error
}
