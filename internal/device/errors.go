package device

import (
	"errors"
	"fmt"
)

var (
	ErrUndefinedProperty = errors.New("property is not defined")
	ErrWriteForbidden    = errors.New("property is not writable")
	ErrPropertiesEmpty   = errors.New("properties are empty")
	ErrLengthMismatch    = errors.New("result and properties do not match length")
	ErrNotInitialized    = errors.New("device is not initialized")
)

// WriteError is returned when the appliance rejects a property write
type WriteError struct {
	Key    string
	Code   int
	Reason string
}

func (e *WriteError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("could not perform operation on %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("could not perform operation on %s: code %d", e.Key, e.Code)
}
