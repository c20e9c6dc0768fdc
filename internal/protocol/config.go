package protocol

import "time"

// DevicePort is the UDP port appliances listen on
const DevicePort = 54321

// Config holds the engine timing parameters
type Config struct {
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	Retries          int           `yaml:"retries" toml:"retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	StampTTL         time.Duration `yaml:"stamp_ttl" toml:"stamp_ttl"`
	DevicePort       int           `yaml:"device_port" toml:"device_port"`
}

// DefaultConfig returns the stock timing: 2s per attempt, 2 retries, 120s handshake freshness
func DefaultConfig() Config {
	return Config{
		Timeout:          2 * time.Second,
		Retries:          2,
		HandshakeTimeout: 2 * time.Second,
		StampTTL:         120 * time.Second,
		DevicePort:       DevicePort,
	}
}

// withDefaults fills zero fields from DefaultConfig. Retries is kept as is.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.StampTTL <= 0 {
		c.StampTTL = d.StampTTL
	}
	if c.DevicePort <= 0 {
		c.DevicePort = d.DevicePort
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	return c
}
