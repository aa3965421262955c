// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the durable, read-only configuration spec.md §6 calls out:
// a mapping exposing extra port device names to advertise in `list`, plus
// the default baud rate to use when a client opens one without specifying
// its own.
type Config struct {
	// Ports lists extra serial device names to union into the `list`
	// response alongside whatever the OS enumerates (e.g. devices behind a
	// USB hub that enumerate late, or simulators). Optional.
	Ports []ExtraPort `yaml:"ports"`
}

// ExtraPort is one extra-port entry.
type ExtraPort struct {
	// Device is the OS device name, e.g. "/dev/ttyUSB0". Required.
	Device string `yaml:"device"`

	// DefaultBaud is the baud rate assumed for this device when a client's
	// open() omits one. Defaults to 115200 when omitted.
	DefaultBaud int `yaml:"default_baud"`
}

// LoadConfig reads the YAML file at path, applies defaults, and validates
// it. A missing path is not an error: it returns an empty Config, since the
// extra-ports list is optional.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyConfigDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	for i := range cfg.Ports {
		if cfg.Ports[i].DefaultBaud == 0 {
			cfg.Ports[i].DefaultBaud = 115200
		}
	}
}

func validateConfig(cfg *Config) error {
	var errs []error
	seen := make(map[string]bool)
	for i, p := range cfg.Ports {
		if p.Device == "" {
			errs = append(errs, fmt.Errorf("ports[%d]: device is required", i))
			continue
		}
		if seen[p.Device] {
			errs = append(errs, fmt.Errorf("ports[%d]: duplicate device %q", i, p.Device))
		}
		seen[p.Device] = true
		if p.DefaultBaud <= 0 {
			errs = append(errs, fmt.Errorf("ports[%d]: default_baud must be > 0", i))
		}
	}
	return errors.Join(errs...)
}

// DefaultBaud returns the configured default baud for device, or fallback
// if device is not a configured extra port.
func (c *Config) DefaultBaud(device string, fallback int) int {
	for _, p := range c.Ports {
		if p.Device == device {
			return p.DefaultBaud
		}
	}
	return fallback
}

// ExtraDevices returns just the device names, for union with the OS list.
func (c *Config) ExtraDevices() []string {
	out := make([]string, len(c.Ports))
	for i, p := range c.Ports {
		out[i] = p.Device
	}
	return out
}
