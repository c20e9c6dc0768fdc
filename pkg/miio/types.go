package miio

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceID is the numeric identifier the appliance reports in every packet header
type DeviceID uint32

// String returns the decimal form used by get_properties/set_properties
func (d DeviceID) String() string {
	return fmt.Sprintf("%d", uint32(d))
}

// Token is the 16-byte shared secret of an appliance
type Token [16]byte

// ParseToken parses a 32 hex character token
func ParseToken(s string) (Token, error) {
	var t Token
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return t, fmt.Errorf("parse token: %w", err)
	}
	if len(b) != len(t) {
		return t, fmt.Errorf("parse token: invalid length %d", len(b))
	}
	copy(t[:], b)
	return t, nil
}

// String returns hex string representation
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// IsZero reports whether no token was set
func (t Token) IsZero() bool {
	return t == Token{}
}

// MarshalJSON hides the secret
func (t Token) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal("********")
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// Credentials is the per-device state the codec needs to seal and open packets
type Credentials struct {
	DeviceID DeviceID
	Token    Token
	Key      AES128Key
	IV       AES128Key

	// Last time-stamp observed from the appliance and the local time it was seen.
	Stamp   uint32
	StampAt time.Time
}

// HasToken reports whether the credentials can authenticate packets
func (c Credentials) HasToken() bool {
	return !c.Token.IsZero()
}

// StampFor returns the appliance clock extrapolated to now
func (c Credentials) StampFor(now time.Time) uint32 {
	if c.StampAt.IsZero() {
		return c.Stamp
	}
	elapsed := now.Sub(c.StampAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return c.Stamp + uint32(elapsed/time.Second)
}
