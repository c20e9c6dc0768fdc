package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("cannot scan %T into Variables", value)
	}
}

// JSONValue stores any JSON-compatible value in a JSONB column
type JSONValue struct {
	V interface{}
}

// Value implements driver.Valuer interface
func (j JSONValue) Value() (driver.Value, error) {
	return json.Marshal(j.V)
}

// Scan implements sql.Scanner interface
func (j *JSONValue) Scan(value interface{}) error {
	switch data := value.(type) {
	case nil:
		j.V = nil
		return nil
	case []byte:
		return json.Unmarshal(data, &j.V)
	case string:
		return json.Unmarshal([]byte(data), &j.V)
	default:
		return fmt.Errorf("cannot scan %T into JSONValue", value)
	}
}

// MarshalJSON implements json.Marshaler
func (j JSONValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.V)
}

// UnmarshalJSON implements json.Unmarshaler
func (j *JSONValue) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &j.V)
}
