package protocol

import (
	"sort"
	"sync"
	"time"

	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
)

// maxRequestID is the exclusive upper bound of correlation ids
const maxRequestID = 10000

// retryIDStep is added to the last id when an already-numbered request is resent
const retryIDStep = 100

// DeviceSession is the protocol state of one appliance address
type DeviceSession struct {
	Address string

	mu        sync.Mutex
	creds     miio.Credentials
	lastID    uint32
	pending   map[uint32]chan *miio.Reply
	handshake *handshakeCall
}

// SessionInfo is a diagnostic snapshot of a session
type SessionInfo struct {
	Address     string        `json:"address"`
	DeviceID    miio.DeviceID `json:"device_id"`
	HasToken    bool          `json:"has_token"`
	Stamp       uint32        `json:"stamp"`
	StampAge    time.Duration `json:"stamp_age"`
	LastID      uint32        `json:"last_id"`
	Pending     int           `json:"pending"`
	Handshaking bool          `json:"handshaking"`
}

func newDeviceSession(address string) *DeviceSession {
	return &DeviceSession{
		Address: address,
		pending: make(map[uint32]chan *miio.Reply),
	}
}

// Credentials returns a copy of the session credentials
func (s *DeviceSession) Credentials() miio.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// freshLocked reports whether a stamp was observed within ttl
func (s *DeviceSession) freshLocked(now time.Time, ttl time.Duration) bool {
	return !s.creds.StampAt.IsZero() && now.Sub(s.creds.StampAt) < ttl
}

// register assigns the next correlation id and records ch as its waiter.
// prev is the id of the previous attempt, 0 if none was assigned yet.
func (s *DeviceSession) register(prev uint32, ch chan *miio.Reply) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.lastID + 1
	if prev != 0 {
		id = s.lastID + retryIDStep
		delete(s.pending, prev)
	}
	if id >= maxRequestID {
		id = 1
	}
	s.lastID = id
	s.pending[id] = ch
	return id
}

func (s *DeviceSession) unregister(id uint32) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// resolve removes the waiter for reply.ID and hands it the reply
func (s *DeviceSession) resolve(reply *miio.Reply) bool {
	s.mu.Lock()
	ch, ok := s.pending[reply.ID]
	if ok {
		delete(s.pending, reply.ID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- reply:
	default:
	}
	return true
}

func (s *DeviceSession) info(now time.Time) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	si := SessionInfo{
		Address:     s.Address,
		DeviceID:    s.creds.DeviceID,
		HasToken:    s.creds.HasToken(),
		Stamp:       s.creds.Stamp,
		LastID:      s.lastID,
		Pending:     len(s.pending),
		Handshaking: s.handshake != nil,
	}
	if !s.creds.StampAt.IsZero() {
		si.StampAge = now.Sub(s.creds.StampAt)
	}
	return si
}

// Registry maps addresses to device sessions. Sessions are never evicted.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*DeviceSession
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*DeviceSession)}
}

// Get returns the session for address, if any
func (r *Registry) Get(address string) (*DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[address]
	return s, ok
}

// GetOrCreate returns the session for address, creating an empty one on first use
func (r *Registry) GetOrCreate(address string) *DeviceSession {
	if s, ok := r.Get(address); ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[address]; ok {
		return s
	}
	s := newDeviceSession(address)
	r.sessions[address] = s
	return s
}

// SetCredentials merges identity into the session. A zero id or token leaves
// the current value untouched; key material is derived only when the token changes.
func (r *Registry) SetCredentials(address string, id miio.DeviceID, token miio.Token) *DeviceSession {
	s := r.GetOrCreate(address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id != 0 {
		s.creds.DeviceID = id
	}
	if !token.IsZero() && token != s.creds.Token {
		s.creds.Token = token
		s.creds.Key, s.creds.IV = miio.DeriveKeys(token)
	}
	return s
}

// Sessions returns a snapshot of all sessions ordered by address
func (r *Registry) Sessions(now time.Time) []SessionInfo {
	r.mu.RLock()
	list := make([]*DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
