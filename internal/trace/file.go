package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
)

// FileTracer appends every datagram to <dir>/<session>.mtrace.
// It is safe for concurrent use.
type FileTracer struct {
	session string
	path    string

	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
	now     func() time.Time
}

// NewFileTracer creates dir if needed and opens a new trace file in it
func NewFileTracer(dir string) (*FileTracer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}

	session := uuid.New().String()
	path := filepath.Join(dir, session+FileExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	log.Info().Str("path", path).Msg("Packet trace enabled")
	return &FileTracer{
		session: session,
		path:    path,
		file:    f,
		encoder: encMode.NewEncoder(f),
		now:     time.Now,
	}, nil
}

// Path returns the trace file path
func (t *FileTracer) Path() string { return t.path }

// Session returns the session id stamped on every record
func (t *FileTracer) Session() string { return t.session }

// TracePacket implements protocol.Tracer
func (t *FileTracer) TracePacket(dir protocol.Direction, address string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if err := t.encoder.Encode(newRecord(t.session, dir, address, data, t.now())); err != nil {
		log.Warn().Err(err).Msg("trace write failed")
	}
}

// Close closes the trace file. Later packets are dropped.
func (t *FileTracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}

var _ protocol.Tracer = (*FileTracer)(nil)
