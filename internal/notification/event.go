// Package notification fans workflow events out to subscribers: SSE clients,
// MQTT, push services. A subscriber whose delivery fails is dropped; the
// emitting call never sees the failure.
package notification

import (
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/stockvision/internal/logger"
)

// EventType names a workflow event.
type EventType string

const (
	EventValidationCreated  EventType = "VALIDATION_CREATED"
	EventValidationApproved EventType = "VALIDATION_APPROVED"
	EventValidationRejected EventType = "VALIDATION_REJECTED"
	EventValidationAlert    EventType = "VALIDATION_ALERT"
)

// Event is the payload delivered to subscribers. Data carries the
// validation request the event refers to.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(typ EventType, message string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// GetLogger returns the notification package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("notification")
}
