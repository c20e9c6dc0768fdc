package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihome-bridge/mihome-bridge/internal/models"
)

// MemoryStore is a process-local Store used when no database is configured
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	states  map[string]map[string]*models.PropertyState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*models.Device),
		states:  make(map[string]map[string]*models.PropertyState),
	}
}

// BeginTx returns the store itself; writes are applied immediately
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.devices[device.ID]; ok {
		device.CreatedAt = existing.CreatedAt
		device.Available = existing.Available
		device.LastSeenAt = existing.LastSeenAt
	} else if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	cp := *device
	s.devices[device.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetDeviceAvailability(ctx context.Context, id string, available bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Available = available
	d.UpdatedAt = at
	if available {
		t := at
		d.LastSeenAt = &t
	}
	return nil
}

func (s *MemoryStore) SavePropertyStates(ctx context.Context, deviceID string, values map[string]interface{}, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[deviceID]; !ok {
		return fmt.Errorf("%w: unknown device %s", ErrInvalidData, deviceID)
	}

	m, ok := s.states[deviceID]
	if !ok {
		m = make(map[string]*models.PropertyState)
		s.states[deviceID] = m
	}
	for k, v := range values {
		// Round-trip through JSON so stored values match what a database returns.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidData, k, err)
		}
		var decoded interface{}
		if err := json.Unmarshal(b, &decoded); err != nil {
			return err
		}
		m[k] = &models.PropertyState{DeviceID: deviceID, Key: k, Value: models.JSONValue{V: decoded}, UpdatedAt: at}
	}
	return nil
}

func (s *MemoryStore) GetPropertyStates(ctx context.Context, deviceID string) ([]*models.PropertyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.states[deviceID]
	out := make([]*models.PropertyState, 0, len(m))
	for _, st := range m {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
