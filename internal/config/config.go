// Package config provides configuration management for the LMArena bridge server.
// It handles loading and parsing YAML configuration files, and provides structured
// access to application settings including server port, debug settings, request
// limits, and the agent heartbeat interval. Changed values can be persisted back
// to the same file for the dynamic-config endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network interface on which the API server will listen.
	Host string `yaml:"host"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// RequestLog enables or disables JSONL request logging under the logs directory.
	RequestLog bool `yaml:"request-log"`

	// ManualIP overrides local-IP auto-detection in the startup banner.
	ManualIP string `yaml:"manual-ip"`

	// Request groups the request-lifecycle tunables.
	Request Request `yaml:"request"`
}

// Request holds the lifecycle tunables that the dynamic-config endpoint
// may change at runtime.
type Request struct {
	// TimeoutSeconds is the grace window after an agent disconnect before
	// surviving requests are timed out.
	TimeoutSeconds int `yaml:"timeout-seconds"`

	// MaxConcurrent caps the number of live requests; admission beyond it
	// fails with 503.
	MaxConcurrent int `yaml:"max-concurrent-requests"`

	// QueueSize bounds each request's delivery queue, providing backpressure
	// from slow clients to the agent.
	QueueSize int `yaml:"backpressure-queue-size"`

	// PingIntervalSeconds is the agent heartbeat interval.
	PingIntervalSeconds int `yaml:"ping-interval-seconds"`
}

// Timeout returns the disconnect grace window as a duration.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// PingInterval returns the heartbeat interval as a duration.
func (r Request) PingInterval() time.Duration {
	return time.Duration(r.PingIntervalSeconds) * time.Second
}

// SetDefaults fills in zero-valued fields with the stock configuration.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 9080
	}
	if c.Request.TimeoutSeconds == 0 {
		c.Request.TimeoutSeconds = 180
	}
	if c.Request.MaxConcurrent == 0 {
		c.Request.MaxConcurrent = 20
	}
	if c.Request.QueueSize == 0 {
		c.Request.QueueSize = 5
	}
	if c.Request.PingIntervalSeconds == 0 {
		c.Request.PingIntervalSeconds = 30
	}
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies defaults, and returns it.
// A missing file is not an error: the defaults are returned so the server
// can start with an empty working directory.
func LoadConfig(configFile string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			config.SetDefaults()
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	return &config, nil
}

// SaveConfig marshals the configuration back to the given YAML file.
func SaveConfig(configFile string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
