package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihome-bridge/mihome-bridge/internal/config"
	"github.com/mihome-bridge/mihome-bridge/internal/device"
	"github.com/mihome-bridge/mihome-bridge/internal/device/devicetest"
	"github.com/mihome-bridge/mihome-bridge/internal/models"
	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/internal/storage"
	"github.com/mihome-bridge/mihome-bridge/pkg/crypto"
	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
)

type fakeManager struct {
	devices  map[string]*device.Device
	sessions []protocol.SessionInfo
}

func (m *fakeManager) Device(id string) (*device.Device, bool) {
	d, ok := m.devices[id]
	return d, ok
}

func (m *fakeManager) Devices() []*device.Device {
	out := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *fakeManager) Sessions() []protocol.SessionInfo { return m.sessions }

type testEnv struct {
	server    *httptest.Server
	appliance *devicetest.Appliance
	store     *storage.MemoryStore
	admin     string
	viewer    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	hash, err := crypto.HashPassword("pw")
	require.NoError(t, err)
	cfg := &config.Config{
		Server: config.ServerConfig{Name: "mihome-bridge", Version: "test"},
		JWT:    config.JWTConfig{Secret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour},
		Auth: config.AuthConfig{Users: []config.UserConfig{
			{Username: "admin", PasswordHash: hash, Role: "admin"},
			{Username: "viewer", PasswordHash: hash, Role: "viewer"},
		}},
	}

	app := devicetest.NewAppliance().Seed()
	d := device.New(device.Options{ID: "42", Model: devicetest.Model, Address: "10.0.0.2", Refresh: -1}, app)
	_, err = d.Init(ctx, devicetest.Provider())
	require.NoError(t, err)
	t.Cleanup(d.Destroy)

	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertDevice(ctx, &models.Device{ID: "42", Name: "Bedroom", Model: devicetest.Model, Address: "10.0.0.2"}))
	require.NoError(t, store.SavePropertyStates(ctx, "42", map[string]interface{}{"air-purifier:on": true}, time.Now()))

	mgr := &fakeManager{
		devices:  map[string]*device.Device{"42": d},
		sessions: []protocol.SessionInfo{{Address: "10.0.0.2", DeviceID: miio.DeviceID(42), HasToken: true}},
	}

	srv := httptest.NewServer(NewRESTServer(cfg, store, mgr).Handler())
	t.Cleanup(srv.Close)

	env := &testEnv{server: srv, appliance: app, store: store}
	env.admin = env.login(t, "admin")
	env.viewer = env.login(t, "viewer")
	return env
}

func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": username, "password": "pw"})
	require.Equal(t, http.StatusOK, status, body)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestAPI_Auth(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/devices", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "password")

	status, body = env.do(t, http.MethodGet, "/api/v1/me", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "viewer", body["username"])
	assert.Equal(t, false, body["is_admin"])
}

func TestAPI_Devices(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/devices", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	list := body["devices"].([]interface{})
	first := list[0].(map[string]interface{})
	assert.Equal(t, "42", first["id"])
	assert.Equal(t, "Bedroom", first["name"])
	assert.Equal(t, true, first["available"])

	status, body = env.do(t, http.MethodGet, "/api/v1/devices/42", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	props := body["properties"].(map[string]interface{})
	assert.Equal(t, 21.5, props["environment:temperature"])

	status, _ = env.do(t, http.MethodGet, "/api/v1/devices/7", env.viewer, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodGet, "/api/v1/devices/42/definitions", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["definitions"], 4)

	status, body = env.do(t, http.MethodGet, "/api/v1/devices/42/properties/air-purifier:mode", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["value"])

	status, _ = env.do(t, http.MethodGet, "/api/v1/devices/42/properties/nope:nope", env.viewer, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodGet, "/api/v1/devices/42/states", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["states"], 1)

	status, body = env.do(t, http.MethodGet, "/api/v1/sessions", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["sessions"], 1)
}

func TestAPI_SetProperty(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/devices/42/properties/air-purifier:mode"

	status, _ := env.do(t, http.MethodPut, path, env.viewer, map[string]interface{}{"value": 2})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := env.do(t, http.MethodPut, path, env.admin, map[string]interface{}{"value": 2})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 2, body["value"])
	assert.EqualValues(t, 2, env.appliance.Value(2, 4))

	status, _ = env.do(t, http.MethodPut, "/api/v1/devices/42/properties/environment:temperature", env.admin, map[string]interface{}{"value": 2})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodPut, "/api/v1/devices/42/properties/nope:nope", env.admin, map[string]interface{}{"value": 2})
	assert.Equal(t, http.StatusNotFound, status)

	env.appliance.Fail(&protocol.TimeoutError{Address: "10.0.0.2", Method: "set_properties", Attempts: 3})
	status, _ = env.do(t, http.MethodPut, path, env.admin, map[string]interface{}{"value": 1})
	assert.Equal(t, http.StatusGatewayTimeout, status)

	env.appliance.Fail(&miio.RemoteError{Code: -5001, Message: "command error"})
	status, _ = env.do(t, http.MethodPut, path, env.admin, map[string]interface{}{"value": 1})
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestAPI_RefreshAndCall(t *testing.T) {
	env := newTestEnv(t)

	env.appliance.Set(3, 7, 18.0)
	status, body := env.do(t, http.MethodPost, "/api/v1/devices/42/refresh", env.viewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 18.0, body["environment:temperature"])

	status, body = env.do(t, http.MethodPost, "/api/v1/devices/42/call", env.admin, map[string]interface{}{"method": "miIO.info"})
	require.Equal(t, http.StatusOK, status)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, devicetest.Model, result["model"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/devices/42/call", env.admin, map[string]interface{}{"params": []int{1}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/devices/42/call", env.viewer, map[string]interface{}{"method": "miIO.info"})
	assert.Equal(t, http.StatusForbidden, status)

	env.appliance.Fail(errors.New("boom"))
	status, _ = env.do(t, http.MethodPost, "/api/v1/devices/42/refresh", env.viewer, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
}
