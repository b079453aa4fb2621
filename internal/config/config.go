// Package config loads the §6 tunables for the sender and receiver
// engines from YAML, the same format the largest repo in the pack
// (telepresence) uses for its own configuration files.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every observable-effect constant named in spec.md §6.
type Config struct {
	MulticastAddr string `yaml:"multicast_addr"`
	MulticastPort int    `yaml:"multicast_port"`

	NackTimeout  time.Duration `yaml:"nack_timeout"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	SendAckCount uint32        `yaml:"send_ack_count"`
	SendCount    int           `yaml:"send_count"`
	DeleteCount  uint32        `yaml:"delete_count"`

	// PacingInterval bounds how often the sender's worker wakes to run
	// the pacing step and how responsive Stop() is when the transport
	// never becomes readable again.
	PacingInterval time.Duration `yaml:"pacing_interval"`
}

// Default returns the CORE's built-in defaults, matching spec.md §6's
// defaults table where one is given.
func Default() Config {
	return Config{
		MulticastAddr:  "239.255.0.1",
		MulticastPort:  30001,
		NackTimeout:    time.Second,
		AckTimeout:     2 * time.Second,
		SendAckCount:   32,
		SendCount:      50,
		DeleteCount:    1000,
		PacingInterval: 20 * time.Millisecond,
	}
}

// Load reads a YAML config file, starting from Default() so a partial
// file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %q", path)
	}
	return cfg, nil
}
