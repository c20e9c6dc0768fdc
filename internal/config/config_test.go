package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
log:
  level: DEBUG
protocol:
  bind: ":0"
  timeout: 1500ms
  retries: 0
spec:
  dir: /srv/miot-spec
devices:
  - id: "123456789"
    model: zhimi.airpurifier.ma4
    address: 192.168.1.50
    token: 00112233445566778899aabbccddeeff
    refresh: 30s
`

const tomlConfig = `
[log]
level = "warn"
format = "json"

[protocol]
handshake_timeout = "3s"

[[devices]]
id = "42"
model = "zhimi.airpurifier.ma4"
address = "10.0.0.5"
token = "ffeeddccbbaa99887766554433221100"
refresh = "-1s"

[mqtt]
broker = "tcp://localhost:1883"
qos = 1
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "/srv/miot-spec", cfg.Spec.Dir)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, 30*time.Second, cfg.Devices[0].Refresh)

	ec := cfg.EngineConfig()
	assert.Equal(t, 1500*time.Millisecond, ec.Timeout)
	assert.Equal(t, 0, ec.Retries)
	assert.Equal(t, 2*time.Second, ec.HandshakeTimeout)
	assert.Equal(t, 120*time.Second, ec.StampTTL)
	assert.Equal(t, 54321, ec.DevicePort)

	assert.Equal(t, "mihome", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3*time.Second, cfg.Protocol.HandshakeTimeout)
	assert.Equal(t, 2, cfg.EngineConfig().Retries)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "42", cfg.Devices[0].ID)
	assert.Equal(t, -time.Second, cfg.Devices[0].Refresh)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db/mihome?sslmode=disable")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("MQTT_BROKER", "tcp://mqtt:1883")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MIHOME_SPEC_DIR", "/env/spec")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := Load(writeFile(t, "config.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db/mihome?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "tcp://mqtt:1883", cfg.MQTT.Broker)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "/env/spec", cfg.Spec.Dir)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		msg     string
	}{
		{"bad token", "devices:\n  - {id: a, model: m, address: x, token: abc}\n", "token"},
		{"non-hex token", "devices:\n  - {id: a, model: m, address: x, token: zz112233445566778899aabbccddeeff}\n", "hex"},
		{"missing model", "devices:\n  - {id: a, address: x, token: 00112233445566778899aabbccddeeff}\n", "model"},
		{"duplicate id", "devices:\n  - {id: a, model: m, address: x, token: 00112233445566778899aabbccddeeff}\n  - {id: a, model: m, address: y, token: 00112233445566778899aabbccddeeff}\n", "duplicate"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"api without secret", "api:\n  enabled: true\n", "jwt.secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
