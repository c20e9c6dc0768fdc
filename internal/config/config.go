package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/internal/validation"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Protocol ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Spec     SpecConfig     `yaml:"spec" toml:"spec"`
	Devices  []DeviceConfig `yaml:"devices" toml:"devices"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	NATS     NATSConfig     `yaml:"nats" toml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt" toml:"mqtt"`
	Webhook  WebhookConfig  `yaml:"webhook" toml:"webhook"`
	API      APIConfig      `yaml:"api" toml:"api"`
	JWT      JWTConfig      `yaml:"jwt" toml:"jwt"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Trace    TraceConfig    `yaml:"trace" toml:"trace"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Version string `yaml:"version" toml:"version"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=console json"`
}

// ProtocolConfig represents the UDP engine configuration
type ProtocolConfig struct {
	Bind             string        `yaml:"bind" toml:"bind"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	Retries          *int          `yaml:"retries" toml:"retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	StampTTL         time.Duration `yaml:"stamp_ttl" toml:"stamp_ttl"`
	DevicePort       int           `yaml:"device_port" toml:"device_port"`
}

// SpecConfig points at the local capability catalogue
type SpecConfig struct {
	Dir string `yaml:"dir" toml:"dir" validate:"required"`
}

// DeviceConfig represents one configured appliance
type DeviceConfig struct {
	ID      string `yaml:"id" toml:"id" validate:"required"`
	Name    string `yaml:"name" toml:"name"`
	Model   string `yaml:"model" toml:"model" validate:"required"`
	Address string `yaml:"address" toml:"address" validate:"required"`
	Token   string `yaml:"token" toml:"token" validate:"required,len=32,hex"`
	// Refresh is the polling interval; zero uses the default, negative disables polling.
	Refresh   time.Duration `yaml:"refresh" toml:"refresh"`
	ChunkSize int           `yaml:"chunk_size" toml:"chunk_size" validate:"max=50"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url" toml:"url"`
	Username          string        `yaml:"username" toml:"username"`
	Password          string        `yaml:"password" toml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix" toml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects" toml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" toml:"reconnect_interval"`
}

// MQTTConfig represents MQTT publishing configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         byte   `yaml:"qos" toml:"qos" validate:"max=2"`
	Retain      bool   `yaml:"retain" toml:"retain"`
}

// WebhookConfig represents HTTP event forwarding
type WebhookConfig struct {
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
	Timeout time.Duration     `yaml:"timeout" toml:"timeout"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Host    string `yaml:"host" toml:"host"`
	Port    int    `yaml:"port" toml:"port"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret" toml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" toml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" toml:"refresh_token_ttl"`
}

// AuthConfig lists the API users
type AuthConfig struct {
	Users []UserConfig `yaml:"users" toml:"users"`
}

// UserConfig is an API user with a bcrypt password hash
type UserConfig struct {
	Username     string `yaml:"username" toml:"username" validate:"required"`
	PasswordHash string `yaml:"password_hash" toml:"password_hash" validate:"required"`
	Role         string `yaml:"role" toml:"role" validate:"oneof=admin viewer"`
}

// TraceConfig enables packet capture
type TraceConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Dir     string `yaml:"dir" toml:"dir"`
}

// Load loads configuration from file. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if specDir := os.Getenv("MIHOME_SPEC_DIR"); specDir != "" {
		c.Spec.Dir = specDir
	}
}

// setDefaults fills unset values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "mihome-bridge"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	d := protocol.DefaultConfig()
	if c.Protocol.Timeout <= 0 {
		c.Protocol.Timeout = d.Timeout
	}
	if c.Protocol.Retries == nil {
		retries := d.Retries
		c.Protocol.Retries = &retries
	}
	if c.Protocol.HandshakeTimeout <= 0 {
		c.Protocol.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Protocol.StampTTL <= 0 {
		c.Protocol.StampTTL = d.StampTTL
	}
	if c.Protocol.DevicePort <= 0 {
		c.Protocol.DevicePort = d.DevicePort
	}

	if c.Spec.Dir == "" {
		c.Spec.Dir = "./miot-spec"
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "mihome"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval <= 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "mihome-bridge"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mihome"
	}

	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}

	if c.JWT.AccessTokenTTL <= 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL <= 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	for i := range c.Auth.Users {
		if c.Auth.Users[i].Role == "" {
			c.Auth.Users[i].Role = "admin"
		}
	}

	if c.Trace.Dir == "" {
		c.Trace.Dir = "./traces"
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	v := validation.NewValidator()

	if err := v.Validate(&c.Log); err != nil {
		return fmt.Errorf("log.%w", err)
	}
	if err := v.Validate(&c.Spec); err != nil {
		return fmt.Errorf("spec.%w", err)
	}
	if err := v.Validate(&c.MQTT); err != nil {
		return fmt.Errorf("mqtt.%w", err)
	}

	seen := make(map[string]bool)
	for i := range c.Devices {
		dev := &c.Devices[i]
		if err := v.Validate(dev); err != nil {
			return fmt.Errorf("devices[%d].%w", i, err)
		}
		if seen[dev.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %s", i, dev.ID)
		}
		seen[dev.ID] = true
	}

	for i := range c.Auth.Users {
		if err := v.Validate(&c.Auth.Users[i]); err != nil {
			return fmt.Errorf("auth.users[%d].%w", i, err)
		}
	}

	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required when the API is enabled")
	}
	return nil
}

// EngineConfig returns the protocol engine settings
func (c *Config) EngineConfig() protocol.Config {
	cfg := protocol.Config{
		Timeout:          c.Protocol.Timeout,
		HandshakeTimeout: c.Protocol.HandshakeTimeout,
		StampTTL:         c.Protocol.StampTTL,
		DevicePort:       c.Protocol.DevicePort,
		Retries:          protocol.DefaultConfig().Retries,
	}
	if c.Protocol.Retries != nil {
		cfg.Retries = *c.Protocol.Retries
	}
	return cfg
}

// LogSummary logs the effective configuration
func (c *Config) LogSummary() {
	log.Info().
		Str("name", c.Server.Name).
		Str("version", c.Server.Version).
		Int("devices", len(c.Devices)).
		Str("spec_dir", c.Spec.Dir).
		Bool("database", c.Database.DSN != "").
		Bool("nats", c.NATS.URL != "").
		Bool("mqtt", c.MQTT.Broker != "").
		Bool("webhook", c.Webhook.URL != "").
		Bool("api", c.API.Enabled).
		Bool("trace", c.Trace.Enabled).
		Msg("configuration loaded")
}
