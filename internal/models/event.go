package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is a device notification as published to integrations
type Event struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	DeviceID string     `json:"deviceId"`
	Type     EventType  `json:"type"`
	Level    EventLevel `json:"level"`

	Key        string                    `json:"key,omitempty"`
	Change     *PropertyChange           `json:"change,omitempty"`
	Changes    map[string]PropertyChange `json:"changes,omitempty"`
	Properties Variables                 `json:"properties,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
}

// PropertyChange is one entry of a property diff
type PropertyChange struct {
	Previous interface{} `json:"previous"`
	Current  interface{} `json:"current"`
	Unit     string      `json:"unit,omitempty"`
}

// EventType represents event types
type EventType string

const (
	EventTypeProperties     EventType = "PROPERTIES"
	EventTypeChange         EventType = "CHANGE"
	EventTypePropertyChange EventType = "PROPERTY_CHANGE"
	EventTypeAvailable      EventType = "AVAILABLE"
	EventTypeUnavailable    EventType = "UNAVAILABLE"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// NewEvent creates an event with a fresh id
func NewEvent(deviceID string, typ EventType) *Event {
	level := EventLevelInfo
	if typ == EventTypeUnavailable {
		level = EventLevelWarning
	}
	return &Event{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		DeviceID:  deviceID,
		Type:      typ,
		Level:     level,
	}
}
