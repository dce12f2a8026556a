// Package config loads the process-level options of the RPC core from a
// YAML file. Components take their options explicitly; this package is only
// the loader plus a helper that wires the configured discovery backend.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"grid-rpc/discovery"
)

type RuntimeConfig struct {
	// Workers in the shared I/O runtime; 0 means one per CPU.
	Workers int `yaml:"workers"`
}

type TransportConfig struct {
	// MaxFrameSize bounds v1 payloads; 0 uses the built-in default.
	MaxFrameSize uint32 `yaml:"max_frame_size"`
}

type DiscoveryConfig struct {
	// Backend is "local" or "etcd".
	Backend       string   `yaml:"backend"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	// LeaseTTL is the etcd announcement lease in seconds.
	LeaseTTL int64 `yaml:"lease_ttl"`
}

type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Transport TransportConfig `yaml:"transport"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	// RefreshIntervalMS is the registration refresh period in milliseconds.
	RefreshIntervalMS int `yaml:"refresh_interval_ms"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Discovery:         DiscoveryConfig{Backend: "local", LeaseTTL: 10},
		RefreshIntervalMS: 1000,
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates YAML config data.
func LoadBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Discovery.Backend {
	case "local", "etcd":
	default:
		return errors.Errorf("unknown discovery backend %q", c.Discovery.Backend)
	}
	if c.Discovery.Backend == "etcd" && len(c.Discovery.EtcdEndpoints) == 0 {
		return errors.New("etcd backend needs at least one endpoint")
	}
	if c.RefreshIntervalMS <= 0 {
		c.RefreshIntervalMS = 1000
	}
	if c.Discovery.LeaseTTL <= 0 {
		c.Discovery.LeaseTTL = 10
	}
	return nil
}

// RefreshInterval returns the refresh period as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// NewBus builds the configured discovery bus.
func (c *Config) NewBus() (discovery.Bus, error) {
	if c.Discovery.Backend == "etcd" {
		return discovery.NewEtcdBus(c.Discovery.EtcdEndpoints, c.Discovery.LeaseTTL)
	}
	return discovery.NewLocalBus(), nil
}
