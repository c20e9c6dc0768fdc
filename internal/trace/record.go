// Package trace captures raw protocol datagrams to CBOR files for offline
// inspection.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
)

// FileExt is the extension of trace files
const FileExt = ".mtrace"

// Record is one captured datagram. CBOR encoding uses integer keys.
type Record struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Session   string    `cbor:"2,keyasint"`
	Direction string    `cbor:"3,keyasint"`
	Address   string    `cbor:"4,keyasint"`
	Size      int       `cbor:"5,keyasint"`

	// Header fields, zero when the datagram is shorter than a header
	DeviceID uint32 `cbor:"6,keyasint,omitempty"`
	Stamp    uint32 `cbor:"7,keyasint,omitempty"`

	// Data is the datagram as seen on the wire (still encrypted)
	Data []byte `cbor:"8,keyasint"`
}

// Handshake reports whether the record is a bodyless hello or hello reply
func (r Record) Handshake() bool {
	return r.Size == miio.HeaderSize
}

func (r Record) String() string {
	return fmt.Sprintf("%s %-3s %-21s id=%d stamp=%d size=%d",
		r.Timestamp.Format(time.RFC3339Nano), r.Direction, r.Address, r.DeviceID, r.Stamp, r.Size)
}

func newRecord(session string, dir protocol.Direction, address string, data []byte, now time.Time) Record {
	rec := Record{
		Timestamp: now,
		Session:   session,
		Direction: string(dir),
		Address:   address,
		Size:      len(data),
		Data:      append([]byte(nil), data...),
	}
	if len(data) >= miio.HeaderSize {
		rec.DeviceID = binary.BigEndian.Uint32(data[8:12])
		rec.Stamp = binary.BigEndian.Uint32(data[12:16])
	}
	return rec
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor decoder mode: %v", err))
	}
}

// Reader iterates over the records of a trace stream
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: decMode.NewDecoder(r)}
}

// Next returns the next record or io.EOF
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
