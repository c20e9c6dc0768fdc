package miio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidReply is returned when a decrypted body is not a JSON object
var ErrInvalidReply = errors.New("invalid reply")

// Request is the plaintext body of an outgoing call
type Request struct {
	ID     uint32      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
	SID    string      `json:"sid,omitempty"`
}

// Marshal encodes the request, using an empty array for nil params
func (r Request) Marshal() ([]byte, error) {
	if r.Params == nil {
		r.Params = []interface{}{}
	}
	return json.Marshal(r)
}

// ReplyKind tells result replies from error replies
type ReplyKind int

const (
	ReplyResult ReplyKind = iota
	ReplyError
)

func (k ReplyKind) String() string {
	if k == ReplyResult {
		return "result"
	}
	return "error"
}

// Reply is a parsed reply envelope
type Reply struct {
	Kind   ReplyKind
	ID     uint32
	Result json.RawMessage
	Err    *RemoteError
}

// RemoteError is an error reported by the appliance
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == 0 {
		return "device error: " + e.Message
	}
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}

type rawReply struct {
	ID     uint32          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// ParseReply parses a decrypted reply body. A trailing NUL and control
// characters other than \n and \r are removed before decoding.
func ParseReply(plaintext []byte) (*Reply, error) {
	clean := Sanitize(plaintext)
	if len(bytes.TrimSpace(clean)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidReply)
	}

	var raw rawReply
	if err := json.Unmarshal(clean, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}

	r := &Reply{ID: raw.ID}
	if raw.Result != nil {
		r.Kind = ReplyResult
		r.Result = raw.Result
		return r, nil
	}

	r.Kind = ReplyError
	r.Err = parseRemoteError(raw.Error)
	return r, nil
}

func parseRemoteError(raw json.RawMessage) *RemoteError {
	e := &RemoteError{Code: -1, Message: "unknown error"}
	if len(raw) == 0 || string(raw) == "null" {
		return e
	}

	var obj RemoteError
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message == "" {
			obj.Message = e.Message
		}
		return &obj
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		e.Message = s
		return e
	}

	e.Message = string(raw)
	return e
}

// Sanitize strips a trailing NUL and non-printable control characters
func Sanitize(b []byte) []byte {
	b = bytes.TrimRight(b, "\x00")
	return []byte(strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r':
			return r
		case r <= 0x1f, r >= 0x7f && r <= 0x9f:
			return -1
		}
		return r
	}, string(b)))
}
