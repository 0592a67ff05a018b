package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Session events
	EventTypeSessionConnected        EventType = "session.connected"
	EventTypeSessionConnectFailed    EventType = "session.connect_failed"
	EventTypeSessionDisconnected     EventType = "session.disconnected"
	EventTypeSessionDisconnectFailed EventType = "session.disconnect_failed"
	EventTypeSessionRemoved          EventType = "session.removed"

	// Task events
	EventTypeTaskStarted  EventType = "task.started"
	EventTypeTaskFinished EventType = "task.finished"
)

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeSessionConnected, EventTypeSessionConnectFailed,
		EventTypeSessionDisconnected, EventTypeSessionDisconnectFailed,
		EventTypeSessionRemoved, EventTypeTaskStarted, EventTypeTaskFinished:
		return true
	}
	return false
}

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeSession EntityType = "session"
	EntityTypeTask    EntityType = "task"
)

// Event represents an append-only log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the pool key for session events or the task ID.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event can be stored.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if !e.Type.IsValid() {
		validation.Add("type", ErrInvalidEventType)
	}
	if e.EntityID == "" {
		validation.Add("entity_id", ErrInvalidEntityID)
	}
	return validation.Err()
}

// SessionPayload is the payload for session.* events.
type SessionPayload struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TaskPayload is the payload for task.* events.
type TaskPayload struct {
	Type     TaskType   `json:"type"`
	Status   TaskStatus `json:"status"`
	ReportID string     `json:"report_id,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// NewSessionEvent builds a session event with a JSON payload. ID and
// Timestamp are filled in by the store when empty.
func NewSessionEvent(eventType EventType, key string, payload SessionPayload) *Event {
	data, _ := json.Marshal(payload)
	return &Event{
		Type:       eventType,
		EntityType: EntityTypeSession,
		EntityID:   key,
		Payload:    data,
	}
}
