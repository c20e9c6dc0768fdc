package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihome-bridge/mihome-bridge/internal/device"
	"github.com/mihome-bridge/mihome-bridge/internal/storage"
)

type deviceView struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	Model      string                 `json:"model"`
	Address    string                 `json:"address"`
	Available  bool                   `json:"available"`
	LastSeenAt *time.Time             `json:"last_seen_at,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

func (s *RESTServer) view(r *http.Request, d *device.Device) deviceView {
	v := deviceView{
		ID:        d.ID(),
		Model:     d.Model(),
		Address:   d.Address(),
		Available: d.Available(),
	}
	if rec, err := s.store.GetDevice(r.Context(), d.ID()); err == nil {
		v.Name = rec.Name
		v.LastSeenAt = rec.LastSeenAt
	}
	return v
}

// lookupDevice resolves {id} or writes a 404
func (s *RESTServer) lookupDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	id := chi.URLParam(r, "id")
	d, ok := s.devices.Device(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return d, true
}

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.Devices()
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.view(r, d))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": out,
		"total":   len(out),
	})
}

// HandleGetDevice gets a device with its current properties
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	v := s.view(r, d)
	v.Properties = d.Snapshot()
	s.respondJSON(w, http.StatusOK, v)
}

// HandleGetDefinitions lists the property definitions of a device
func (s *RESTServer) HandleGetDefinitions(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"definitions": d.Definitions(),
	})
}

// HandleGetProperties returns the last observed values
func (s *RESTServer) HandleGetProperties(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, d.Snapshot())
}

// HandleGetProperty returns the last observed value of one property
func (s *RESTServer) HandleGetProperty(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if _, defined := d.Definition(key); !defined {
		s.respondDeviceError(w, fmt.Errorf("%w: %s", device.ErrUndefinedProperty, key))
		return
	}
	value, _ := d.Property(key)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

// HandleSetProperty writes one property
func (s *RESTServer) HandleSetProperty(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req struct {
		Value       interface{} `json:"value"`
		SkipRefresh bool        `json:"skip_refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := chi.URLParam(r, "key")
	if err := d.SetProperty(r.Context(), key, req.Value, device.SetOptions{SkipRefresh: req.SkipRefresh}); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	value, _ := d.Property(key)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

// HandleRefreshDevice reads every property from the appliance
func (s *RESTServer) HandleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	props, err := d.LoadProperties(r.Context(), nil, device.LoadOptions{})
	if err != nil {
		s.respondDeviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, props)
}

// HandleCallDevice sends a raw method call
func (s *RESTServer) HandleCallDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req struct {
		Method string          `json:"method" validate:"required"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var params interface{}
	if len(req.Params) > 0 {
		params = req.Params
	}
	result, err := d.Call(r.Context(), req.Method, params)
	if err != nil {
		s.respondDeviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
	})
}

// HandleGetStoredStates returns the persisted property values
func (s *RESTServer) HandleGetStoredStates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDevice(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	states, err := s.store.GetPropertyStates(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"states": states,
	})
}
