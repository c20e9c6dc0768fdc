package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("call to device timed out")
	ErrHandshakeTimeout = errors.New("could not connect to device, handshake timeout")
	ErrMissingAddress   = errors.New("missing device address")
)

// TimeoutError is returned when every attempt of a call went unanswered
type TimeoutError struct {
	Address  string
	Method   string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s: %v after %d attempts", e.Address, e.Method, ErrTimeout, e.Attempts)
}

// Is makes errors.Is(err, ErrTimeout) match
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError wraps a datagram send failure. It is never retried.
type TransportError struct {
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
