package models

import (
	"time"
)

// Device represents a configured appliance
type Device struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	Name    string `json:"name" db:"name"`
	Model   string `json:"model" db:"model"`
	Address string `json:"address" db:"address"`
	// Type is the resolved capability descriptor type
	Type string `json:"type" db:"type"`

	Available  bool       `json:"available" db:"available"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
}

// PropertyState is the last observed value of one property
type PropertyState struct {
	DeviceID  string    `json:"deviceId" db:"device_id"`
	Key       string    `json:"key" db:"key"`
	Value     JSONValue `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
