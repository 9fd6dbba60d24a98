package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/log"
)

// Default configuration values
const (
	DefaultNATSURL       = "nats://127.0.0.1:4222"
	DefaultQueryDuration = Duration(3 * time.Second)
)

// Duration wraps time.Duration to decode YAML values like "3s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config holds service configuration
type Config struct {
	// Name is the service name, prefixed to all resource patterns
	Name string `yaml:"name"`

	// NATSURL is the URL of the NATS server
	NATSURL string `yaml:"nats_url"`

	// QueryDuration is how long the service listens for query requests
	// sent on a query event
	QueryDuration Duration `yaml:"query_duration"`

	// MetricsAddr is the optional listen address for the Prometheus
	// metrics endpoint. Empty disables metrics serving.
	MetricsAddr string `yaml:"metrics_addr"`

	// Log holds logging configuration
	Log LogConfig `yaml:"log"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		NATSURL:       DefaultNATSURL,
		QueryDuration: DefaultQueryDuration,
		Log: LogConfig{
			Level: log.InfoLevel,
		},
	}
}

// Load reads a YAML configuration file, applying defaults for unset fields
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.NATSURL == "" {
		return fmt.Errorf("nats_url must not be empty")
	}
	if c.QueryDuration <= 0 {
		return fmt.Errorf("query_duration must be positive, got %s", c.QueryDuration)
	}
	return nil
}
