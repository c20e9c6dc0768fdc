// Package hub wires configured appliances to the protocol engine, the
// capability catalogue, persistence and the integration forwarder.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/config"
	"github.com/mihome-bridge/mihome-bridge/internal/device"
	"github.com/mihome-bridge/mihome-bridge/internal/integration"
	"github.com/mihome-bridge/mihome-bridge/internal/models"
	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/internal/storage"
	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
	"github.com/mihome-bridge/mihome-bridge/pkg/miot"
)

var (
	ErrDeviceExists  = errors.New("device already registered")
	ErrInvalidDevice = errors.New("invalid device configuration")
)

// Engine is the subset of protocol.Engine the hub needs
type Engine interface {
	device.Caller
	SetCredentials(address string, id miio.DeviceID, token miio.Token)
	Sessions() []protocol.SessionInfo
}

type entry struct {
	device *device.Device
	detach func()
}

// Hub owns the managed devices
type Hub struct {
	engine    Engine
	provider  miot.Provider
	store     storage.Store
	forwarder *integration.Forwarder

	mu      sync.RWMutex
	devices map[string]*entry
}

// New creates a hub. forwarder may be nil.
func New(engine Engine, provider miot.Provider, store storage.Store, forwarder *integration.Forwarder) *Hub {
	return &Hub{
		engine:    engine,
		provider:  provider,
		store:     store,
		forwarder: forwarder,
		devices:   make(map[string]*entry),
	}
}

// AddDevice registers credentials, persists the device, attaches the
// forwarder and runs the initial load. A descriptor failure unregisters the device.
func (h *Hub) AddDevice(ctx context.Context, cfg config.DeviceConfig) (*device.Device, error) {
	did, err := strconv.ParseUint(cfg.ID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: id %q: %v", ErrInvalidDevice, cfg.ID, err)
	}
	token, err := miio.ParseToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDevice, cfg.ID, err)
	}

	h.mu.Lock()
	if _, exists := h.devices[cfg.ID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, cfg.ID)
	}
	// reserve the id while Init runs
	h.devices[cfg.ID] = nil
	h.mu.Unlock()

	d, detach, err := h.start(ctx, cfg, miio.DeviceID(did), token)
	h.mu.Lock()
	if err != nil {
		delete(h.devices, cfg.ID)
	} else {
		h.devices[cfg.ID] = &entry{device: d, detach: detach}
	}
	h.mu.Unlock()
	return d, err
}

func (h *Hub) start(ctx context.Context, cfg config.DeviceConfig, did miio.DeviceID, token miio.Token) (*device.Device, func(), error) {
	h.engine.SetCredentials(cfg.Address, did, token)

	record := &models.Device{ID: cfg.ID, Name: cfg.Name, Model: cfg.Model, Address: cfg.Address}
	if err := h.store.UpsertDevice(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("persist device %s: %w", cfg.ID, err)
	}

	d := device.New(device.Options{
		ID:        cfg.ID,
		Model:     cfg.Model,
		Address:   cfg.Address,
		Refresh:   cfg.Refresh,
		ChunkSize: cfg.ChunkSize,
	}, h.engine)

	detach := func() {}
	if h.forwarder != nil {
		detach = h.forwarder.Attach(d)
	}

	if _, err := d.Init(ctx, h.provider); err != nil {
		detach()
		d.Destroy()
		return nil, nil, err
	}

	record.Type = d.Type()
	if err := h.store.UpsertDevice(ctx, record); err != nil {
		log.Warn().Err(err).Str("device", cfg.ID).Msg("Failed to record descriptor type")
	}

	log.Info().
		Str("device", cfg.ID).
		Str("model", cfg.Model).
		Str("address", cfg.Address).
		Bool("available", d.Available()).
		Int("properties", len(d.Definitions())).
		Msg("Device added")
	return d, detach, nil
}

// Device returns a managed device by id
func (h *Hub) Device(id string) (*device.Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e := h.devices[id]
	if e == nil {
		return nil, false
	}
	return e.device, true
}

// Devices returns the managed devices ordered by id
func (h *Hub) Devices() []*device.Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*device.Device, 0, len(h.devices))
	for _, e := range h.devices {
		if e != nil {
			out = append(out, e.device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Sessions lists the protocol sessions
func (h *Hub) Sessions() []protocol.SessionInfo {
	return h.engine.Sessions()
}

// RemoveDevice stops polling and detaches the forwarder
func (h *Hub) RemoveDevice(id string) bool {
	h.mu.Lock()
	e := h.devices[id]
	if e != nil {
		delete(h.devices, id)
	}
	h.mu.Unlock()

	if e == nil {
		return false
	}
	e.detach()
	e.device.Destroy()
	return true
}

// Close stops every device
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.devices
	h.devices = make(map[string]*entry)
	h.mu.Unlock()

	for _, e := range entries {
		if e == nil {
			continue
		}
		e.detach()
		e.device.Destroy()
	}
	log.Info().Int("devices", len(entries)).Msg("Hub closed")
}
