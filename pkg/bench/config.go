// Package bench orchestrates a test session: the result directory, the
// kernel journal observer, fixture discovery and per-fixture setup,
// flashing and teardown.
package bench

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/octoprobe/octoprobe/pkg/tentacle"
)

// TentacleConfig binds one tentacle serial to its spec and firmware.
type TentacleConfig struct {
	// Serial is the full 16 digit serial of the infra MCU.
	Serial string `yaml:"serial"`

	Spec tentacle.Spec `yaml:"spec"`

	// FirmwareSpec is the path of a firmware spec JSON, empty when the
	// tentacle is flashed manually.
	FirmwareSpec string `yaml:"firmware_spec,omitempty"`
}

// Config describes one testbed: which tentacles belong to it.
type Config struct {
	Name      string           `yaml:"name"`
	Tentacles []TentacleConfig `yaml:"tentacles"`

	// InfraFirmware is the path of a firmware spec JSON for the infra
	// MCUs. When set, setup verifies every infra runs that build and
	// reflashes the ones that do not.
	InfraFirmware string `yaml:"infra_firmware,omitempty"`
}

// LoadConfig reads and validates a testbed YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bench: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bench: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bench: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the serials and that every tentacle names a spec.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, tc := range c.Tentacles {
		if err := tentacle.AssertSerialValid(tc.Serial); err != nil {
			return err
		}
		if seen[tc.Serial] {
			return fmt.Errorf("duplicate serial %q", tc.Serial)
		}
		seen[tc.Serial] = true
		if tc.Spec.Name == "" {
			return fmt.Errorf("tentacle %s: spec has no name", tc.Serial)
		}
	}
	return nil
}

// SpecFor returns the configured spec of a serial, nil when the testbed
// does not know the tentacle.
func (c *Config) SpecFor(serial string) *tentacle.Spec {
	for i := range c.Tentacles {
		if c.Tentacles[i].Serial == serial {
			return &c.Tentacles[i].Spec
		}
	}
	return nil
}

// FirmwareSpecFor returns the firmware spec path of a serial, "" when none
// is configured.
func (c *Config) FirmwareSpecFor(serial string) string {
	for i := range c.Tentacles {
		if c.Tentacles[i].Serial == serial {
			return c.Tentacles[i].FirmwareSpec
		}
	}
	return ""
}
