package miio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mihome-bridge/mihome-bridge/pkg/crypto"
)

const (
	// Magic opens every packet
	Magic uint16 = 0x2131
	// HeaderSize is the fixed header length
	HeaderSize = 32
)

var (
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrMissingToken     = errors.New("missing token")
	ErrMissingDeviceID  = errors.New("missing device id")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Packet is a decoded datagram
type Packet struct {
	DeviceID  DeviceID
	Stamp     uint32
	Checksum  [16]byte
	Payload   []byte
	Handshake bool
}

// HandshakePacket returns the fixed hello datagram: 21 31 00 20 followed by 28 bytes of 0xFF
func HandshakePacket() []byte {
	b := bytes.Repeat([]byte{0xff}, HeaderSize)
	binary.BigEndian.PutUint16(b[0:2], Magic)
	binary.BigEndian.PutUint16(b[2:4], HeaderSize)
	return b
}

// Encode seals payload into a packet for the device
func Encode(creds Credentials, payload []byte, now time.Time) ([]byte, error) {
	if !creds.HasToken() {
		return nil, ErrMissingToken
	}
	if creds.DeviceID == 0 {
		return nil, ErrMissingDeviceID
	}

	body, err := crypto.EncryptCBC(creds.Key[:], creds.IV[:], payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if HeaderSize+len(body) > 0xffff {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrInvalidPacket, len(payload))
	}

	out := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint16(out[0:2], Magic)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	// out[4:8] reserved, zero
	binary.BigEndian.PutUint32(out[8:12], uint32(creds.DeviceID))
	binary.BigEndian.PutUint32(out[12:16], creds.StampFor(now))
	copy(out[HeaderSize:], body)

	sum := checksum(out[:16], creds.Token, body)
	copy(out[16:32], sum[:])
	return out, nil
}

// Decode parses and, for data packets, authenticates and decrypts a datagram.
// Decode has no side effects on creds.
func Decode(creds Credentials, data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: short packet (%d bytes)", ErrInvalidPacket, len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %#04x", ErrInvalidPacket, binary.BigEndian.Uint16(data[0:2]))
	}

	p := &Packet{
		DeviceID: DeviceID(binary.BigEndian.Uint32(data[8:12])),
		Stamp:    binary.BigEndian.Uint32(data[12:16]),
	}
	copy(p.Checksum[:], data[16:32])

	body := data[HeaderSize:]
	if len(body) == 0 {
		p.Handshake = true
		return p, nil
	}

	if !creds.HasToken() {
		return nil, ErrMissingToken
	}
	sum := checksum(data[:16], creds.Token, body)
	if sum != p.Checksum {
		return nil, ErrChecksumMismatch
	}

	plain, err := crypto.DecryptCBC(creds.Key[:], creds.IV[:], body)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	p.Payload = plain
	return p, nil
}

func checksum(header []byte, token Token, body []byte) [16]byte {
	return crypto.MD5(header, token[:], body)
}
