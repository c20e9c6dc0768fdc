package miio

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "00112233445566778899aabbccddeeff"

func testCreds(t *testing.T) Credentials {
	t.Helper()
	tok, err := ParseToken(testToken)
	require.NoError(t, err)
	c := NewCredentials(0x0102abcd, tok)
	c.Stamp = 1000
	c.StampAt = time.Unix(1_700_000_000, 0)
	return c
}

func TestParseToken(t *testing.T) {
	tok, err := ParseToken(testToken)
	require.NoError(t, err)
	assert.Equal(t, testToken, tok.String())
	assert.False(t, tok.IsZero())

	_, err = ParseToken("abcd")
	assert.Error(t, err)
	_, err = ParseToken("zz112233445566778899aabbccddeeff")
	assert.Error(t, err)
}

func TestDeriveKeys(t *testing.T) {
	tok, err := ParseToken(testToken)
	require.NoError(t, err)

	key, iv := DeriveKeys(tok)
	assert.NotEqual(t, key, iv)

	key2, iv2 := DeriveKeys(tok)
	assert.Equal(t, key, key2)
	assert.Equal(t, iv, iv2)
}

func TestHandshakePacket(t *testing.T) {
	b := HandshakePacket()
	require.Len(t, b, HeaderSize)
	assert.Equal(t, "21310020", hex.EncodeToString(b[:4]))
	for _, v := range b[4:] {
		assert.Equal(t, byte(0xff), v)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	creds := testCreds(t)
	now := creds.StampAt.Add(3500 * time.Millisecond)
	payload := []byte(`{"id":1,"method":"get_properties","params":[]}`)

	data, err := Encode(creds, payload, now)
	require.NoError(t, err)

	assert.Equal(t, Magic, binary.BigEndian.Uint16(data[0:2]))
	assert.Equal(t, uint16(len(data)), binary.BigEndian.Uint16(data[2:4]))
	assert.Equal(t, []byte{0, 0, 0, 0}, data[4:8])
	assert.Equal(t, uint32(0x0102abcd), binary.BigEndian.Uint32(data[8:12]))
	assert.Equal(t, uint32(1003), binary.BigEndian.Uint32(data[12:16]))
	assert.Zero(t, (len(data)-HeaderSize)%16)

	p, err := Decode(creds, data)
	require.NoError(t, err)
	assert.False(t, p.Handshake)
	assert.Equal(t, payload, p.Payload)
	assert.Equal(t, creds.DeviceID, p.DeviceID)
	assert.Equal(t, uint32(1003), p.Stamp)
}

func TestDecode_TamperDetected(t *testing.T) {
	creds := testCreds(t)
	data, err := Encode(creds, []byte(`{"id":7,"result":["ok"]}`), creds.StampAt)
	require.NoError(t, err)

	// Every byte after the magic is covered by the checksum.
	for i := 2; i < len(data); i++ {
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0x01
		_, err := Decode(creds, mutated)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "byte %d", i)
	}

	mutated := append([]byte(nil), data...)
	mutated[0] ^= 0x01
	_, err = Decode(creds, mutated)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestDecode_WrongToken(t *testing.T) {
	creds := testCreds(t)
	data, err := Encode(creds, []byte(`{}`), creds.StampAt)
	require.NoError(t, err)

	other, err := ParseToken("ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)
	_, err = Decode(NewCredentials(creds.DeviceID, other), data)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecode_Handshake(t *testing.T) {
	reply := HandshakePacket()
	binary.BigEndian.PutUint32(reply[4:8], 0)
	binary.BigEndian.PutUint32(reply[8:12], 0x11223344)
	binary.BigEndian.PutUint32(reply[12:16], 4242)

	p, err := Decode(Credentials{}, reply)
	require.NoError(t, err)
	assert.True(t, p.Handshake)
	assert.Equal(t, DeviceID(0x11223344), p.DeviceID)
	assert.Equal(t, uint32(4242), p.Stamp)
	assert.Nil(t, p.Payload)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(Credentials{}, []byte{0x21, 0x31})
	assert.ErrorIs(t, err, ErrInvalidPacket)

	bad := HandshakePacket()
	bad[0] = 0x00
	_, err = Decode(Credentials{}, bad)
	assert.ErrorIs(t, err, ErrInvalidPacket)

	creds := testCreds(t)
	data, err := Encode(creds, []byte(`{}`), creds.StampAt)
	require.NoError(t, err)
	_, err = Decode(Credentials{DeviceID: creds.DeviceID}, data)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestEncode_MissingCredentials(t *testing.T) {
	creds := testCreds(t)

	_, err := Encode(Credentials{DeviceID: 1}, []byte(`{}`), time.Now())
	assert.ErrorIs(t, err, ErrMissingToken)

	noID := creds
	noID.DeviceID = 0
	_, err = Encode(noID, []byte(`{}`), time.Now())
	assert.ErrorIs(t, err, ErrMissingDeviceID)
}

func TestStampFor(t *testing.T) {
	c := Credentials{Stamp: 50}
	assert.Equal(t, uint32(50), c.StampFor(time.Now()))

	c.StampAt = time.Unix(100, 0)
	assert.Equal(t, uint32(50), c.StampFor(time.Unix(100, 999_000_000)))
	assert.Equal(t, uint32(51), c.StampFor(time.Unix(101, 0)))
	assert.Equal(t, uint32(170), c.StampFor(time.Unix(220, 500_000_000)))
	assert.Equal(t, uint32(50), c.StampFor(time.Unix(90, 0)))
}
